package explain

import "github.com/mbd888/fraudguard/internal/features"

// Rule derives one risk flag from a feature vector.
type Rule struct {
	Flag        string
	Description string
	Match       func(features.Vector) bool
}

// Flag names.
const (
	FlagVPN             = "vpn_detected"
	FlagTor             = "tor_usage"
	FlagLowIPReputation = "low_ip_reputation"
	FlagHighVelocity    = "high_velocity"
	FlagHighRiskGeo     = "high_risk_geolocation"
	FlagCommunityThreat = "community_threat"
	FlagHighAmount      = "high_amount"
)

// Rules is evaluated in order; every matching rule contributes its flag.
var Rules = []Rule{
	{FlagVPN, "Connection is routed through a VPN", set(features.IsVPN)},
	{FlagTor, "Connection originates from the Tor network", set(features.IsTor)},
	{FlagLowIPReputation, "IP address has a poor reputation", below(features.IPReputation, 30)},
	{FlagHighVelocity, "Unusually high transaction velocity", above(features.VelocityScore, 80)},
	{FlagHighRiskGeo, "Transaction from a high-risk location", above(features.GeolocationRisk, 70)},
	{FlagCommunityThreat, "IP or device reported by the threat community", above(features.CommunityThreatScore, 50)},
	{FlagHighAmount, "Transaction amount is unusually large", above(features.AmountLog, 7)},
}

// Flags returns the flags of every matching rule in table order.
func Flags(v features.Vector) []Flag {
	out := []Flag{}
	for _, r := range Rules {
		if r.Match(v) {
			out = append(out, Flag{Name: r.Flag, Description: r.Description})
		}
	}
	return out
}

func set(name string) func(features.Vector) bool {
	return func(v features.Vector) bool {
		x, _ := v.Get(name)
		return x != 0
	}
}

func above(name string, threshold float64) func(features.Vector) bool {
	return func(v features.Vector) bool {
		x, _ := v.Get(name)
		return x > threshold
	}
}

func below(name string, threshold float64) func(features.Vector) bool {
	return func(v features.Vector) bool {
		x, ok := v.Get(name)
		return ok && x < threshold
	}
}
