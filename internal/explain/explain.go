// Package explain turns a scored feature vector into ranked contributing
// factors, categorical risk flags and a recommendation.
package explain

import (
	"cmp"
	"math"
	"slices"

	"github.com/mbd888/fraudguard/internal/decision"
	"github.com/mbd888/fraudguard/internal/features"
	"github.com/mbd888/fraudguard/internal/model"
)

// MaxFactors is the number of ranked factors in an explanation.
const MaxFactors = 5

// Direction says whether a factor pushed the score up or down.
type Direction string

const (
	IncreasesRisk Direction = "increases_risk"
	DecreasesRisk Direction = "decreases_risk"
)

// Factor is one feature's contribution relative to its baseline.
type Factor struct {
	Feature     string    `json:"feature"`
	Value       float64   `json:"value"`
	Impact      float64   `json:"impact"` // |weight x (value - baseline)|
	Direction   Direction `json:"direction"`
	Description string    `json:"description"`
}

// Flag is a categorical risk indicator.
type Flag struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Explanation accompanies every score.
type Explanation struct {
	TopFactors     []Factor `json:"top_factors"`
	RiskFlags      []Flag   `json:"risk_flags"`
	Recommendation string   `json:"recommendation"`
}

// HasFlag reports whether the explanation carries the named flag.
func (e Explanation) HasFlag(name string) bool {
	return slices.ContainsFunc(e.RiskFlags, func(f Flag) bool { return f.Name == name })
}

// FlagNames returns the flag names in rule order.
func (e Explanation) FlagNames() []string {
	out := make([]string, len(e.RiskFlags))
	for i, f := range e.RiskFlags {
		out[i] = f.Name
	}
	return out
}

// Build explains v as scored by ws with decision d. Factors with no
// contribution are omitted; equal impacts keep feature order.
func Build(v features.Vector, ws *model.WeightSet, d decision.Decision) Explanation {
	return Explanation{
		TopFactors:     TopFactors(v, ws, MaxFactors),
		RiskFlags:      Flags(v),
		Recommendation: Recommendation(d),
	}
}

// TopFactors ranks features by |weight x (value - baseline)|.
func TopFactors(v features.Vector, ws *model.WeightSet, n int) []Factor {
	if ws == nil {
		return []Factor{}
	}
	all := make([]Factor, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		contrib := ws.Weight(i) * (v.At(i) - ws.Baseline(i))
		if contrib == 0 || math.IsNaN(contrib) {
			continue
		}
		dir := IncreasesRisk
		if contrib < 0 {
			dir = DecreasesRisk
		}
		name := features.Names[i]
		all = append(all, Factor{
			Feature:     name,
			Value:       v.At(i),
			Impact:      math.Abs(contrib),
			Direction:   dir,
			Description: describe(name, v.At(i) > ws.Baseline(i)),
		})
	}
	slices.SortStableFunc(all, func(a, b Factor) int { return cmp.Compare(b.Impact, a.Impact) })
	if len(all) > n {
		all = all[:n]
	}
	return all
}

var labels = map[string]string{
	features.AmountLog:              "Transaction amount",
	features.AmountZScore:           "Amount relative to the user's usual spend",
	features.HourSin:                "Time of day",
	features.HourCos:                "Time of day",
	features.VelocityScore:          "Transaction velocity",
	features.IPReputation:           "IP reputation",
	features.GeolocationRisk:        "Geolocation risk",
	features.NetworkRisk:            "Network risk",
	features.BehavioralRisk:         "Behavioral biometrics risk",
	features.IsVPN:                  "VPN connection",
	features.IsTor:                  "Tor network",
	features.CommunityThreatScore:   "Community threat intelligence",
	features.AccountAgeDays:         "Account age",
	features.RecentTransactionCount: "Recent transaction count",
}

func describe(name string, above bool) string {
	label := labels[name]
	switch name {
	case features.IsVPN, features.IsTor:
		if above {
			return label + " detected"
		}
		return label + " not detected"
	case features.HourSin, features.HourCos:
		return label + " differs from typical activity hours"
	}
	if above {
		return label + " is higher than typical"
	}
	return label + " is lower than typical"
}

// Recommendation returns the operator guidance for a decision.
func Recommendation(d decision.Decision) string {
	switch d {
	case decision.Approve:
		return "Low risk. Approve the transaction."
	case decision.Reject:
		return "High risk. Block the transaction and notify the account holder."
	default:
		return "Elevated risk. Hold for manual review or step-up authentication."
	}
}
