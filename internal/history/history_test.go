package history

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/testutil"
	"github.com/mbd888/fraudguard/internal/txn"
)

func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.History(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Upsert(ctx, &txn.UserHistory{
		UserID: " Alice ", AccountAgeDays: 400, RecentTransactionCount: 12,
		AvgAmount: 120, AmountStddev: 40, VelocityScore: 15,
	}))
	h, err := s.History(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, "alice", h.UserID)
	assert.Equal(t, 400.0, h.AccountAgeDays)
	assert.Equal(t, 12, h.RecentTransactionCount)

	require.NoError(t, s.Upsert(ctx, &txn.UserHistory{UserID: "alice", VelocityScore: 90}))
	h, err = s.History(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 90.0, h.VelocityScore)
	assert.Zero(t, h.AccountAgeDays)

	assert.Error(t, s.Upsert(ctx, &txn.UserHistory{UserID: "x", VelocityScore: 101}))
	assert.Error(t, s.Upsert(ctx, &txn.UserHistory{UserID: "  "}))
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, &txn.UserHistory{UserID: "bob", AvgAmount: 10}))
	h, _ := s.History(ctx, "bob")
	h.AvgAmount = 999
	again, _ := s.History(ctx, "bob")
	assert.Equal(t, 10.0, again.AvgAmount)
}

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	storeContract(t, NewPostgresStore(db))
}

func TestValidate(t *testing.T) {
	assert.Error(t, Validate(nil))
	assert.Error(t, Validate(&txn.UserHistory{UserID: "a", AccountAgeDays: -1}))
	assert.NoError(t, Validate(&txn.UserHistory{UserID: "a"}))
}

func TestHandler_PutGet(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(NewMemoryStore()).RegisterAdminRoutes(r.Group("/v1/admin"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/history/Alice", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	body := `{"account_age_days": 400, "recent_transaction_count": 12, "avg_amount": 80, "amount_stddev": 20, "velocity_score": 15}`
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/v1/admin/history/Alice", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/history/alice", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"recent_transaction_count":12`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/v1/admin/history/bob", strings.NewReader(`{"velocity_score": 150}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
