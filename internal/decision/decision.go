// Package decision maps fraud scores to decisions. The thresholds live here
// and nowhere else.
package decision

// Decision is the action recommended for a transaction.
type Decision string

const (
	Approve Decision = "approve"
	Review  Decision = "review"
	Reject  Decision = "reject"
)

// Score thresholds. A score equal to either threshold is reviewed.
const (
	ApproveBelow = 30.0
	RejectAbove  = 70.0
)

// FailSafe is the decision used when the model cannot produce a score.
const FailSafe = Review

// Decide returns the decision for a fraud score in [0, 100].
func Decide(score float64) Decision {
	switch {
	case score < ApproveBelow:
		return Approve
	case score > RejectAbove:
		return Reject
	default:
		return Review
	}
}

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case Approve, Review, Reject:
		return true
	}
	return false
}

// String returns the wire form of d.
func (d Decision) String() string { return string(d) }
