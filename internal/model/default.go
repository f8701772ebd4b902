package model

import (
	"time"

	"github.com/mbd888/fraudguard/internal/features"
)

// DefaultVersion is the version of the compiled-in weight set.
const DefaultVersion = "default-v1"

// DefaultWeights returns the compiled-in weight set used when no weights
// file is configured. Positive weights raise risk.
func DefaultWeights() *WeightSet {
	return &WeightSet{
		Version: DefaultVersion,
		Bias:    -4.0,
		Weights: map[string]float64{
			features.AmountLog:              0.35,
			features.AmountZScore:           0.02,
			features.HourSin:                0.1,
			features.HourCos:                0.2,
			features.VelocityScore:          0.03,
			features.IPReputation:           -0.04,
			features.GeolocationRisk:        0.03,
			features.NetworkRisk:            0.005,
			features.BehavioralRisk:         0.01,
			features.IsVPN:                  1.5,
			features.IsTor:                  2.5,
			features.CommunityThreatScore:   0.05,
			features.AccountAgeDays:         -0.004,
			features.RecentTransactionCount: 0.01,
		},
		Baselines: map[string]float64{
			features.AmountLog:              4.615, // ln(101), the default mean amount
			features.AmountZScore:           0,
			features.HourSin:                0,
			features.HourCos:                0,
			features.VelocityScore:          0,
			features.IPReputation:           features.DefaultIPReputation,
			features.GeolocationRisk:        0,
			features.NetworkRisk:            25,
			features.BehavioralRisk:         0,
			features.IsVPN:                  0,
			features.IsTor:                  0,
			features.CommunityThreatScore:   0,
			features.AccountAgeDays:         180,
			features.RecentTransactionCount: 5,
		},
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}
