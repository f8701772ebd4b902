package model

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/mbd888/fraudguard/internal/features"
	"github.com/mbd888/fraudguard/internal/txn"
)

// SyntheticSamples generates a reproducible labelled data set for smoke
// training runs and tests. fraudRate is the fraction of fraudulent samples.
func SyntheticSamples(n int, fraudRate float64, seed uint64) []Sample {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]Sample, 0, n)

	for i := 0; i < n; i++ {
		fraud := rng.Float64() < fraudRate
		req := txn.Request{
			TransactionID: "syn",
			UserID:        "syn",
			PaymentMethod: "card",
			Device:        &txn.DeviceData{},
		}
		hist := &txn.UserHistory{}
		var threat float64

		if fraud {
			req.Amount = math.Exp(7 + 1.5*rng.NormFloat64())
			req.Timestamp = base.Add(time.Duration(rng.IntN(6)) * time.Hour) // 00:00-05:59
			req.Device.IPReputation = ptr(rng.Float64() * 50)
			req.Device.GeolocationRisk = ptr(40 + rng.Float64()*60)
			req.Device.IsVPN = rng.Float64() < 0.5
			req.Device.IsTor = rng.Float64() < 0.3
			threat = 40 + rng.Float64()*60
			hist.AccountAgeDays = float64(rng.IntN(30))
			hist.RecentTransactionCount = rng.IntN(5)
			hist.VelocityScore = 50 + rng.Float64()*50
		} else {
			req.Amount = math.Exp(4.5 + 0.8*rng.NormFloat64())
			req.Timestamp = base.Add(time.Duration(8+rng.IntN(14)) * time.Hour) // 08:00-21:59
			req.Device.IPReputation = ptr(60 + rng.Float64()*40)
			req.Device.GeolocationRisk = ptr(rng.Float64() * 30)
			req.Device.IsVPN = rng.Float64() < 0.05
			req.Device.IsTor = rng.Float64() < 0.005
			threat = rng.Float64() * 20
			hist.AccountAgeDays = float64(30 + rng.IntN(2000))
			hist.RecentTransactionCount = 5 + rng.IntN(45)
			hist.VelocityScore = rng.Float64() * 40
		}
		hist.AvgAmount = 100
		hist.AmountStddev = 60

		out = append(out, Sample{Features: features.Build(req, hist, threat), Fraud: fraud})
	}
	return out
}

func ptr(v float64) *float64 { return &v }
