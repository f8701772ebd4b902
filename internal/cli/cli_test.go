package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudguard/internal/model"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "version: dev")
}

func TestTrain_WritesLoadableWeights(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.yaml")

	out, err := run(t, "", "train", "--samples", "600", "--epochs", "100", "--version", "cli-v1", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote cli-v1")
	assert.Contains(t, out, "accuracy:")

	ws, err := model.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "cli-v1", ws.Version)
	require.NotNil(t, ws.Metrics)
	assert.Greater(t, ws.Metrics.Accuracy, 0.8)

	out, err = run(t, "", "evaluate", "-w", path, "--samples", "300", "--seed", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "model cli-v1")
}

func TestTrain_RejectsBadFlags(t *testing.T) {
	_, err := run(t, "", "train", "--fraud-rate", "1.5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--fraud-rate")
}

func TestScore_Stdin(t *testing.T) {
	in := `[
		{"transaction_id": "t1", "amount": 40, "currency": "USD", "user_id": "u1", "payment_method": "card",
		 "device_data": {"ip_reputation": 90}},
		{"transaction_id": "t2", "amount": 50000, "currency": "USD", "user_id": "u2", "payment_method": "crypto",
		 "device_data": {"is_tor": true, "is_vpn": true}, "metadata": {"community_threat_score": 95}}
	]`
	out, err := run(t, in, "score")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "t1", first["transaction_id"])
	assert.Equal(t, "t2", second["transaction_id"])
	assert.Equal(t, "reject", second["decision"])
	assert.Greater(t, second["fraud_score"].(float64), first["fraud_score"].(float64))
}

func TestScore_ReportsInvalidTransactions(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "txn.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"transaction_id": "bad", "amount": -5}`), 0o644))

	out, err := run(t, "", "score", file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1")
	assert.Contains(t, out, `"transaction_id":"bad"`)
	assert.Contains(t, out, `"error"`)
}

func TestScore_SeedsHistory(t *testing.T) {
	dir := t.TempDir()
	hist := filepath.Join(dir, "history.json")
	require.NoError(t, os.WriteFile(hist, []byte(`[{"user_id": "u1", "account_age_days": -1}]`), 0o644))

	_, err := run(t, `{"amount": 1, "user_id": "u1", "payment_method": "card"}`, "score", "--history", hist)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history record 0")
}

func TestPolicyCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ip:\n  limit: 30\n  window: 1m\n"), 0o644))

	out, err := run(t, "", "policy", "check", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ip: 30 per 1m0s")
	assert.Contains(t, out, "fraud-detect")
	assert.Contains(t, out, "enterprise")
}
