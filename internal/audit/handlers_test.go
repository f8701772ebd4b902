package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/account"
	"github.com/mbd888/fraudguard/internal/auth"
)

func historyRouter(lister Lister, acctID string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if acctID != "" {
			c.Set(auth.ContextKeyAccount, &account.Account{ID: acctID, Plan: account.PlanSmart, Status: account.StatusActive})
		}
		c.Next()
	})
	NewHandler(lister).RegisterRoutes(r.Group("/v1"))
	return r
}

func seedHistory(t *testing.T, sink *MemorySink, acctID string, n int) {
	t.Helper()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		r := record(fmt.Sprintf("%s_%02d", acctID, i))
		r.AccountID = acctID
		r.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, sink.Publish(context.Background(), r))
	}
}

func getPage(t *testing.T, r *gin.Engine, query string) (int, DecisionPage) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/decisions"+query, nil))
	var page DecisionPage
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	}
	return w.Code, page
}

func TestListDecisions_WalksAllPages(t *testing.T) {
	sink := NewMemorySink()
	seedHistory(t, sink, "acct_a", 5)
	seedHistory(t, sink, "acct_b", 3)
	r := historyRouter(sink, "acct_a")

	var ids []string
	query := "?limit=2"
	for pages := 0; pages < 5; pages++ {
		code, page := getPage(t, r, query)
		require.Equal(t, http.StatusOK, code)
		for _, d := range page.Decisions {
			assert.Equal(t, "acct_a", d.AccountID)
			ids = append(ids, d.ID)
		}
		if !page.HasMore {
			assert.Empty(t, page.NextCursor)
			break
		}
		query = "?limit=2&cursor=" + page.NextCursor
	}

	assert.Equal(t, []string{"acct_a_04", "acct_a_03", "acct_a_02", "acct_a_01", "acct_a_00"}, ids)
}

func TestListDecisions_EmptyHistory(t *testing.T) {
	r := historyRouter(NewMemorySink(), "acct_new")

	code, page := getPage(t, r, "")
	require.Equal(t, http.StatusOK, code)
	assert.NotNil(t, page.Decisions)
	assert.Empty(t, page.Decisions)
	assert.False(t, page.HasMore)
}

func TestListDecisions_BadInput(t *testing.T) {
	r := historyRouter(NewMemorySink(), "acct_a")

	code, _ := getPage(t, r, "?limit=abc")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = getPage(t, r, "?cursor=bm9waXBl")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestListDecisions_RequiresAccount(t *testing.T) {
	r := historyRouter(NewMemorySink(), "")

	code, _ := getPage(t, r, "")
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestBoundedMemorySink_EvictsOldest(t *testing.T) {
	sink := NewBoundedMemorySink(3)
	seedHistory(t, sink, "acct_a", 5)

	got := sink.Records()
	require.Len(t, got, 3)
	assert.Equal(t, "acct_a_02", got[0].ID)
	assert.Equal(t, "acct_a_04", got[2].ID)
}

func TestBoundedMemorySink_RingWrapsInOrder(t *testing.T) {
	sink := NewBoundedMemorySink(3)
	seedHistory(t, sink, "acct_r", 8)

	var ids []string
	for _, r := range sink.Records() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"acct_r_05", "acct_r_06", "acct_r_07"}, ids)

	page, err := sink.List(context.Background(), "acct_r", nil, 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "acct_r_07", page[0].ID)
	assert.Equal(t, "acct_r_05", page[2].ID)
}
