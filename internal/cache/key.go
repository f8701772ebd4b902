package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/mbd888/fraudguard/internal/txn"
)

// Key returns the cache key for a request. Only amount, user and payment
// method take part, so retried or duplicated submissions share an entry.
func Key(req txn.Request) string {
	amount := decimal.NewFromFloat(req.Amount).StringFixed(2)
	user := strings.ToLower(strings.TrimSpace(req.UserID))
	// Casers carry state, so each call builds its own.
	method := cases.Fold().String(norm.NFKC.String(strings.TrimSpace(req.PaymentMethod)))

	h := sha256.New()
	h.Write([]byte(amount))
	h.Write([]byte{0x1f})
	h.Write([]byte(user))
	h.Write([]byte{0x1f})
	h.Write([]byte(method))
	return hex.EncodeToString(h.Sum(nil))
}
