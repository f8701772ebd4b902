package explain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/decision"
	"github.com/mbd888/fraudguard/internal/features"
	"github.com/mbd888/fraudguard/internal/model"
	"github.com/mbd888/fraudguard/internal/txn"
)

func published(t *testing.T, ws *model.WeightSet) *model.WeightSet {
	t.Helper()
	m, err := model.New(ws)
	require.NoError(t, err)
	return m.Current()
}

func neutral(overrides map[string]float64) features.Vector {
	m := map[string]float64{features.IPReputation: 50}
	for k, v := range overrides {
		m[k] = v
	}
	return features.FromMap(m)
}

func TestBuild_ScenarioB(t *testing.T) {
	ws := published(t, model.DefaultWeights())
	req := txn.Request{
		Amount:    50000,
		Timestamp: time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC),
		Device:    &txn.DeviceData{IsVPN: true, IsTor: true},
	}
	v := features.Build(req, nil, 90)

	exp := Build(v, ws, decision.Reject)

	assert.True(t, exp.HasFlag(FlagTor))
	assert.True(t, exp.HasFlag(FlagVPN))
	assert.True(t, exp.HasFlag(FlagCommunityThreat))
	assert.True(t, exp.HasFlag(FlagHighAmount))
	assert.False(t, exp.HasFlag(FlagLowIPReputation))

	require.Len(t, exp.TopFactors, MaxFactors)
	assert.Equal(t, features.AmountZScore, exp.TopFactors[0].Feature)
	for i := 1; i < len(exp.TopFactors); i++ {
		assert.GreaterOrEqual(t, exp.TopFactors[i-1].Impact, exp.TopFactors[i].Impact)
	}
	for _, f := range exp.TopFactors {
		assert.NotEmpty(t, f.Description)
	}
	assert.Equal(t, Recommendation(decision.Reject), exp.Recommendation)
}

func TestTopFactors_DirectionAndDescription(t *testing.T) {
	ws := published(t, model.DefaultWeights())
	v := neutral(map[string]float64{
		features.IPReputation: 90,
		features.IsTor:        1,
	})

	got := TopFactors(v, ws, MaxFactors)
	byName := map[string]Factor{}
	for _, f := range got {
		byName[f.Feature] = f
	}

	tor := byName[features.IsTor]
	assert.Equal(t, IncreasesRisk, tor.Direction)
	assert.Equal(t, "Tor network detected", tor.Description)
	assert.InDelta(t, 2.5, tor.Impact, 1e-9)

	ip := byName[features.IPReputation]
	assert.Equal(t, DecreasesRisk, ip.Direction)
	assert.Equal(t, "IP reputation is higher than typical", ip.Description)
	assert.InDelta(t, 1.6, ip.Impact, 1e-9)
}

func TestTopFactors_TiesKeepFeatureOrder(t *testing.T) {
	raw := model.DefaultWeights()
	for k := range raw.Weights {
		raw.Weights[k] = 0
	}
	raw.Weights[features.IsTor] = 1
	raw.Weights[features.IsVPN] = 1
	raw.Weights[features.AmountLog] = 1
	for k := range raw.Baselines {
		raw.Baselines[k] = 0
	}
	ws := published(t, raw)

	v := features.FromMap(map[string]float64{
		features.IsTor:     1,
		features.IsVPN:     1,
		features.AmountLog: 1,
	})
	got := TopFactors(v, ws, MaxFactors)
	require.Len(t, got, 3, "zero-contribution features are omitted")
	assert.Equal(t, features.AmountLog, got[0].Feature)
	assert.Equal(t, features.IsVPN, got[1].Feature)
	assert.Equal(t, features.IsTor, got[2].Feature)
}

func TestTopFactors_NilWeights(t *testing.T) {
	assert.Empty(t, TopFactors(neutral(nil), nil, MaxFactors))
}

func TestFlags_EachRule(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]float64
		flag string
	}{
		{"vpn", map[string]float64{features.IsVPN: 1}, FlagVPN},
		{"tor", map[string]float64{features.IsTor: 1}, FlagTor},
		{"low ip", map[string]float64{features.IPReputation: 29.9}, FlagLowIPReputation},
		{"velocity", map[string]float64{features.VelocityScore: 80.1}, FlagHighVelocity},
		{"geo", map[string]float64{features.GeolocationRisk: 71}, FlagHighRiskGeo},
		{"community", map[string]float64{features.CommunityThreatScore: 51}, FlagCommunityThreat},
		{"amount", map[string]float64{features.AmountLog: 7.01}, FlagHighAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Flags(neutral(tt.set))
			require.Len(t, got, 1)
			assert.Equal(t, tt.flag, got[0].Name)
			assert.NotEmpty(t, got[0].Description)
		})
	}
}

func TestFlags_ThresholdsAreStrict(t *testing.T) {
	v := neutral(map[string]float64{
		features.IPReputation:         30,
		features.VelocityScore:        80,
		features.GeolocationRisk:      70,
		features.CommunityThreatScore: 50,
		features.AmountLog:            7,
	})
	assert.Empty(t, Flags(v))
}

func TestFlags_TableOrder(t *testing.T) {
	v := neutral(map[string]float64{
		features.AmountLog: 9,
		features.IsTor:     1,
		features.IsVPN:     1,
	})
	exp := Explanation{RiskFlags: Flags(v)}
	assert.Equal(t, []string{FlagVPN, FlagTor, FlagHighAmount}, exp.FlagNames())
}

func TestRecommendation(t *testing.T) {
	assert.Contains(t, Recommendation(decision.Approve), "Approve")
	assert.Contains(t, Recommendation(decision.Review), "review")
	assert.Contains(t, Recommendation(decision.Reject), "Block")
	assert.Equal(t, Recommendation(decision.Review), Recommendation(decision.FailSafe))
}
