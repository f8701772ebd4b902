package threat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/testutil"
)

func TestHash(t *testing.T) {
	assert.Equal(t, Hash("10.0.0.1"), Hash(" 10.0.0.1 "))
	assert.Equal(t, Hash("DEV-ABC"), Hash("dev-abc"))
	assert.NotEqual(t, Hash("10.0.0.1"), Hash("10.0.0.2"))
	assert.Len(t, Hash("x"), 64)
}

func TestReport_Validate(t *testing.T) {
	ok := Report{Hash: Hash("a"), Kind: KindIP, Severity: 80, Confidence: 0.5}
	assert.NoError(t, ok.Validate())
	assert.Equal(t, 40.0, ok.Score())

	bad := []Report{
		{Hash: "short", Kind: KindIP},
		{Hash: Hash("a"), Kind: "email"},
		{Hash: Hash("a"), Kind: KindIP, Severity: 101},
		{Hash: Hash("a"), Kind: KindIP, Confidence: 1.5},
	}
	for i, r := range bad {
		assert.Error(t, r.Validate(), "case %d", i)
	}
}

func scorerContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, Report{Hash: Hash("203.0.113.9"), Kind: KindIP, Severity: 90, Confidence: 0.5}))
	require.NoError(t, s.Upsert(ctx, Report{Hash: Hash("fp-evil"), Kind: KindDevice, Severity: 100, Confidence: 0.9}))

	sc := NewScorer(s)

	score, err := sc.Score(ctx, "203.0.113.9", "")
	require.NoError(t, err)
	assert.InDelta(t, 45, score, 1e-9)

	score, err = sc.Score(ctx, "203.0.113.9", "FP-EVIL")
	require.NoError(t, err)
	assert.InDelta(t, 90, score, 1e-9, "max of ip and device")

	score, err = sc.Score(ctx, "198.51.100.1", "fp-clean")
	require.NoError(t, err)
	assert.Zero(t, score)

	_, err = s.Lookup(ctx, Hash("nobody"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScorer_Memory(t *testing.T) {
	scorerContract(t, NewMemoryStore())
}

func TestScorer_Postgres(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	scorerContract(t, NewPostgresStore(db))
}

type brokenStore struct{ MemoryStore }

func (*brokenStore) Lookup(context.Context, string) (Report, error) {
	return Report{}, errors.New("db down")
}

func TestScorer_StoreError(t *testing.T) {
	_, err := NewScorer(&brokenStore{}).Score(context.Background(), "10.0.0.1", "")
	assert.Error(t, err)

	score, err := NewScorer(&brokenStore{}).Score(context.Background(), "", " ")
	require.NoError(t, err)
	assert.Zero(t, score, "no indicators means no lookup")
}

func TestHandler_Report(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	r := gin.New()
	NewHandler(store).RegisterAdminRoutes(r.Group("/v1/admin"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/threats",
		strings.NewReader(`{"value": " 198.51.100.7 ", "kind": "ip", "severity": 80, "confidence": 0.5}`)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	score, err := NewScorer(store).Score(context.Background(), "198.51.100.7", "")
	require.NoError(t, err)
	assert.Equal(t, 40.0, score)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/threats",
		strings.NewReader(`{"value": "x", "kind": "email", "severity": 80, "confidence": 0.5}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
