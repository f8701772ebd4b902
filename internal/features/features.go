// Package features turns a transaction, the user's history and an external
// threat signal into the fixed, named numeric vector the model consumes.
//
// Build is a pure function: identical inputs always produce an identical
// vector. Optional inputs never fail; documented defaults are substituted.
package features

import (
	"math"

	"github.com/mbd888/fraudguard/internal/txn"
)

// Feature names, in vector order.
const (
	AmountLog              = "amount_log"
	AmountZScore           = "amount_zscore"
	HourSin                = "hour_sin"
	HourCos                = "hour_cos"
	VelocityScore          = "velocity_score"
	IPReputation           = "ip_reputation"
	GeolocationRisk        = "geolocation_risk"
	NetworkRisk            = "network_risk"
	BehavioralRisk         = "behavioral_risk"
	IsVPN                  = "is_vpn"
	IsTor                  = "is_tor"
	CommunityThreatScore   = "community_threat_score"
	AccountAgeDays         = "account_age_days"
	RecentTransactionCount = "recent_transaction_count"
)

// Names lists every feature in the order Build emits them.
var Names = []string{
	AmountLog,
	AmountZScore,
	HourSin,
	HourCos,
	VelocityScore,
	IPReputation,
	GeolocationRisk,
	NetworkRisk,
	BehavioralRisk,
	IsVPN,
	IsTor,
	CommunityThreatScore,
	AccountAgeDays,
	RecentTransactionCount,
}

// Defaults substituted when inputs are absent or too thin to trust.
const (
	DefaultAmountMean      = 100.0
	DefaultAmountStddev    = 50.0
	MinHistoryForStats     = 5
	DefaultIPReputation    = 50.0
	DefaultGeolocationRisk = 0.0
	DefaultVelocityScore   = 0.0
)

var index = func() map[string]int {
	m := make(map[string]int, len(Names))
	for i, n := range Names {
		m[n] = i
	}
	return m
}()

// Vector is an immutable, ordered set of named feature values.
type Vector struct {
	values []float64
}

// FromValues builds a vector from values in Names order. The slice is copied.
// It panics if len(values) != len(Names).
func FromValues(values []float64) Vector {
	if len(values) != len(Names) {
		panic("features: wrong number of values")
	}
	return Vector{values: append([]float64(nil), values...)}
}

// FromMap builds a vector from a name -> value map; missing names are zero.
func FromMap(m map[string]float64) Vector {
	values := make([]float64, len(Names))
	for name, v := range m {
		if i, ok := index[name]; ok {
			values[i] = v
		}
	}
	return Vector{values: values}
}

// Len returns the number of features.
func (v Vector) Len() int { return len(v.values) }

// Get returns the named feature.
func (v Vector) Get(name string) (float64, bool) {
	i, ok := index[name]
	if !ok || i >= len(v.values) {
		return 0, false
	}
	return v.values[i], true
}

// At returns the i-th feature in Names order.
func (v Vector) At(i int) float64 { return v.values[i] }

// Values returns a copy of the values in Names order.
func (v Vector) Values() []float64 {
	return append([]float64(nil), v.values...)
}

// Map returns a copy of the vector as a name -> value map.
func (v Vector) Map() map[string]float64 {
	m := make(map[string]float64, len(v.values))
	for i, val := range v.values {
		m[Names[i]] = val
	}
	return m
}

// Equal reports whether two vectors hold the same values.
func (v Vector) Equal(o Vector) bool {
	if len(v.values) != len(o.values) {
		return false
	}
	for i := range v.values {
		if v.values[i] != o.values[i] {
			return false
		}
	}
	return true
}

// Build derives the feature vector. history may be nil. threatScore is the
// community threat signal in [0, 100]; it is clamped.
func Build(req txn.Request, history *txn.UserHistory, threatScore float64) Vector {
	values := make([]float64, len(Names))

	mean, stddev := DefaultAmountMean, DefaultAmountStddev
	velocity := DefaultVelocityScore
	var ageDays, recent float64
	if history != nil {
		if history.RecentTransactionCount >= MinHistoryForStats && history.AmountStddev > 0 {
			mean, stddev = history.AvgAmount, history.AmountStddev
		}
		velocity = history.VelocityScore
		ageDays = history.AccountAgeDays
		recent = float64(history.RecentTransactionCount)
	}

	ipRep, geoRisk := DefaultIPReputation, DefaultGeolocationRisk
	var vpn, tor float64
	if d := req.Device; d != nil {
		if d.IPReputation != nil {
			ipRep = *d.IPReputation
		}
		if d.GeolocationRisk != nil {
			geoRisk = *d.GeolocationRisk
		}
		vpn, tor = boolFloat(d.IsVPN), boolFloat(d.IsTor)
	}

	var behavioral float64
	if b := req.Behavioral; b != nil && b.MouseVelocity != nil && b.TypingRhythm != nil {
		behavioral = *b.MouseVelocity * *b.TypingRhythm / 100
	}

	hour := float64(req.Timestamp.UTC().Hour())
	angle := 2 * math.Pi * hour / 24

	values[index[AmountLog]] = math.Log(req.Amount + 1)
	values[index[AmountZScore]] = (req.Amount - mean) / stddev
	values[index[HourSin]] = math.Sin(angle)
	values[index[HourCos]] = math.Cos(angle)
	values[index[VelocityScore]] = velocity
	values[index[IPReputation]] = ipRep
	values[index[GeolocationRisk]] = geoRisk
	values[index[NetworkRisk]] = (ipRep + geoRisk) / 2
	values[index[BehavioralRisk]] = behavioral
	values[index[IsVPN]] = vpn
	values[index[IsTor]] = tor
	values[index[CommunityThreatScore]] = clamp(threatScore, 0, 100)
	values[index[AccountAgeDays]] = ageDays
	values[index[RecentTransactionCount]] = recent

	return Vector{values: values}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
