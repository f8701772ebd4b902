package idgen

import (
	"sort"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("txn_")
	require.True(t, strings.HasPrefix(id, "txn_"), id)
	assert.Len(t, id, len("txn_")+32)
	assert.NotEqual(t, id, WithPrefix("txn_"))

	parsed, err := uuid.Parse(strings.TrimPrefix(id, "txn_"))
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}

func TestWithPrefix_SortsByCreation(t *testing.T) {
	ids := make([]string, 200)
	for i := range ids {
		ids[i] = WithPrefix("aud_")
	}
	assert.True(t, sort.StringsAreSorted(ids))
}

func TestHex(t *testing.T) {
	assert.Len(t, Hex(8), 16)
	assert.NotEqual(t, Hex(16), Hex(16))
}
