// Package txn defines the transaction request and user history records that
// flow into the scoring pipeline.
package txn

import (
	"maps"
	"time"
)

// DeviceData carries optional network and device signals.
type DeviceData struct {
	IP                string   `json:"ip,omitempty"`
	IPReputation      *float64 `json:"ip_reputation,omitempty"`    // 0 (bad) .. 100 (good)
	GeolocationRisk   *float64 `json:"geolocation_risk,omitempty"` // 0 .. 100
	IsVPN             bool     `json:"is_vpn"`
	IsTor             bool     `json:"is_tor"`
	DeviceFingerprint string   `json:"device_fingerprint,omitempty"`
}

// BehavioralData carries optional biometric signals.
type BehavioralData struct {
	MouseVelocity *float64 `json:"mouse_velocity,omitempty"`
	TypingRhythm  *float64 `json:"typing_rhythm,omitempty"`
}

// Request is a transaction submitted for scoring. Treat it as immutable once
// Intake has returned it.
type Request struct {
	TransactionID    string          `json:"transaction_id"`
	Amount           float64         `json:"amount"`
	Currency         string          `json:"currency"`
	UserID           string          `json:"user_id"`
	PaymentMethod    string          `json:"payment_method"`
	MerchantCategory string          `json:"merchant_category"`
	Device           *DeviceData     `json:"device_data,omitempty"`
	Behavioral       *BehavioralData `json:"behavioral_data,omitempty"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Intake returns a detached copy of r with the receive time stamped when the
// caller supplied none. Nested pointers are copied so later mutation of the
// caller's structs cannot leak into the pipeline.
func Intake(r Request, received time.Time) Request {
	out := r
	if out.Timestamp.IsZero() {
		out.Timestamp = received
	}
	out.Timestamp = out.Timestamp.UTC()
	if r.Device != nil {
		d := *r.Device
		d.IPReputation = clonePtr(r.Device.IPReputation)
		d.GeolocationRisk = clonePtr(r.Device.GeolocationRisk)
		out.Device = &d
	}
	if r.Behavioral != nil {
		b := BehavioralData{
			MouseVelocity: clonePtr(r.Behavioral.MouseVelocity),
			TypingRhythm:  clonePtr(r.Behavioral.TypingRhythm),
		}
		out.Behavioral = &b
	}
	if r.Metadata != nil {
		out.Metadata = maps.Clone(r.Metadata)
	}
	return out
}

// MetadataFloat reads a numeric metadata value. JSON numbers decode as float64.
func (r Request) MetadataFloat(key string) (float64, bool) {
	switch v := r.Metadata[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func clonePtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// UserHistory is the read-only aggregate of a user's past activity.
type UserHistory struct {
	UserID                 string  `json:"user_id"`
	AccountAgeDays         float64 `json:"account_age_days"`
	RecentTransactionCount int     `json:"recent_transaction_count"`
	AvgAmount              float64 `json:"avg_amount"`
	AmountStddev           float64 `json:"amount_stddev"`
	VelocityScore          float64 `json:"velocity_score"`
}
