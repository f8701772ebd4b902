package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/fraudguard/internal/model"
	"github.com/mbd888/fraudguard/internal/pipeline"
	"github.com/mbd888/fraudguard/internal/usage"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleScoreTransaction scores one transaction.
func (h *Handlers) HandleScoreTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount := req.GetFloat("amount", 0)
	if amount <= 0 {
		return mcp.NewToolResultError("amount must be a positive number"), nil
	}
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	paymentMethod := req.GetString("payment_method", "")
	if paymentMethod == "" {
		return mcp.NewToolResultError("payment_method is required"), nil
	}

	raw, err := h.client.ScoreTransaction(ctx, buildTransaction(req, amount, userID, paymentMethod))
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			switch apiErr.Status {
			case http.StatusPaymentRequired:
				return mcp.NewToolResultError(formatLimitExceeded(apiErr)), nil
			case http.StatusServiceUnavailable:
				// A fail-safe review still carries a full result.
				var res pipeline.ScoreResult
				if json.Unmarshal(apiErr.Body, &res) == nil && res.FailSafe {
					return mcp.NewToolResultText(formatScore(res)), nil
				}
			}
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to score transaction: %v", err)), nil
	}

	var res pipeline.ScoreResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse score: %v", err)), nil
	}
	return mcp.NewToolResultText(formatScore(res)), nil
}

// HandleGetModel describes the active model.
func (h *Handlers) HandleGetModel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetModel(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get model: %v", err)), nil
	}

	var resp struct {
		Model    model.WeightSet `json:"model"`
		Features []string        `json:"features"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse model: %v", err)), nil
	}
	return mcp.NewToolResultText(formatModel(resp.Model, resp.Features)), nil
}

// HandleGetUsage returns the caller's current meter.
func (h *Handlers) HandleGetUsage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetUsage(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get usage: %v", err)), nil
	}

	var resp struct {
		Usage usage.Meter `json:"usage"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse usage: %v", err)), nil
	}
	return mcp.NewToolResultText(formatMeter(resp.Usage)), nil
}

// HandleListBillingPeriods lists closed periods.
func (h *Handlers) HandleListBillingPeriods(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListBillingPeriods(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list billing periods: %v", err)), nil
	}

	var resp struct {
		Periods []usage.ClosedPeriod `json:"periods"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse billing periods: %v", err)), nil
	}
	if len(resp.Periods) == 0 {
		return mcp.NewToolResultText("No closed billing periods."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d closed period(s):\n\n", len(resp.Periods))
	for _, p := range resp.Periods {
		fmt.Fprintf(&sb, "  %s  %s  %d/%d calls", p.PeriodStart.Format("2006-01"), p.Plan, p.UsageCount, p.Limit)
		if p.OverageCount > 0 {
			fmt.Fprintf(&sb, "  overage %d ($%s)", p.OverageCount, p.OverageCost.StringFixed(2))
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func buildTransaction(req mcp.CallToolRequest, amount float64, userID, paymentMethod string) map[string]any {
	txn := map[string]any{
		"amount":         amount,
		"user_id":        userID,
		"payment_method": paymentMethod,
		"currency":       req.GetString("currency", "USD"),
	}
	if v := req.GetString("merchant_category", ""); v != "" {
		txn["merchant_category"] = v
	}
	if v := req.GetString("transaction_id", ""); v != "" {
		txn["transaction_id"] = v
	}

	args := req.GetArguments()
	device := map[string]any{}
	if v := req.GetString("ip", ""); v != "" {
		device["ip"] = v
	}
	for _, k := range []string{"ip_reputation", "geolocation_risk"} {
		if _, ok := args[k]; ok {
			device[k] = req.GetFloat(k, 0)
		}
	}
	for _, k := range []string{"is_vpn", "is_tor"} {
		if _, ok := args[k]; ok {
			device[k] = req.GetBool(k, false)
		}
	}
	if len(device) > 0 {
		txn["device_data"] = device
	}
	return txn
}

func formatScore(r pipeline.ScoreResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Transaction %s: %s\n", r.TransactionID, strings.ToUpper(string(r.Decision)))
	fmt.Fprintf(&sb, "  Fraud score: %.1f / 100\n", r.FraudScore)
	fmt.Fprintf(&sb, "  Confidence:  %.0f%%\n", r.Confidence*100)
	if r.FailSafe {
		sb.WriteString("  Scoring was unavailable; this is a fail-safe review decision.\n")
	}
	if r.Cached {
		sb.WriteString("  (served from cache)\n")
	}

	if len(r.Explanation.TopFactors) > 0 {
		sb.WriteString("\nTop factors:\n")
		for _, f := range r.Explanation.TopFactors {
			fmt.Fprintf(&sb, "  - %s (%s, impact %.2f)\n", f.Description, f.Direction, f.Impact)
		}
	}
	if len(r.Explanation.RiskFlags) > 0 {
		sb.WriteString("\nRisk flags:\n")
		for _, f := range r.Explanation.RiskFlags {
			fmt.Fprintf(&sb, "  - %s: %s\n", f.Name, f.Description)
		}
	}
	if r.Explanation.Recommendation != "" {
		fmt.Fprintf(&sb, "\nRecommendation: %s\n", r.Explanation.Recommendation)
	}
	if r.Usage != nil {
		fmt.Fprintf(&sb, "\nUsage: %d of %d calls this period\n", r.Usage.UsageCount, r.Usage.Limit)
	}
	return sb.String()
}

func formatLimitExceeded(e *APIError) string {
	var body struct {
		Usage   *usage.Meter             `json:"usage"`
		Upgrade []pipeline.UpgradeOption `json:"upgrade"`
	}
	_ = json.Unmarshal(e.Body, &body)

	var sb strings.Builder
	sb.WriteString("Usage limit reached for this billing period.\n")
	if body.Usage != nil {
		fmt.Fprintf(&sb, "  Plan %s: %d of %d calls used\n", body.Usage.Plan, body.Usage.UsageCount, body.Usage.Limit)
	}
	if len(body.Upgrade) > 0 {
		sb.WriteString("\nUpgrade options:\n")
		for _, o := range body.Upgrade {
			fmt.Fprintf(&sb, "  - %s: %d calls/month, overage $%s per call\n", o.Plan, o.MonthlyQuota, o.OverageRate)
		}
	}
	return sb.String()
}

func formatModel(ws model.WeightSet, names []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Model %s\n", ws.Version)
	if !ws.CreatedAt.IsZero() {
		fmt.Fprintf(&sb, "  Created: %s\n", ws.CreatedAt.Format("2006-01-02 15:04 MST"))
	}
	fmt.Fprintf(&sb, "  Bias: %.3f\n", ws.Bias)
	if m := ws.Metrics; m != nil {
		fmt.Fprintf(&sb, "  Evaluation: accuracy %.3f, precision %.3f, recall %.3f, F1 %.3f (%d samples)\n",
			m.Accuracy, m.Precision, m.Recall, m.F1, m.Samples)
	}

	if len(names) == 0 {
		for name := range ws.Weights {
			names = append(names, name)
		}
		slices.Sort(names)
	}
	sb.WriteString("\nWeights:\n")
	for _, name := range names {
		fmt.Fprintf(&sb, "  %-28s %+.3f\n", name, ws.Weights[name])
	}
	return sb.String()
}

func formatMeter(m usage.Meter) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Usage for %s (%s plan)\n", m.PeriodStart.Format("January 2006"), m.Plan)
	fmt.Fprintf(&sb, "  Calls:     %d of %d\n", m.UsageCount, m.Limit)
	fmt.Fprintf(&sb, "  Remaining: %d\n", m.Remaining())
	if m.OverageCount > 0 {
		fmt.Fprintf(&sb, "  Overage:   %d calls, $%s\n", m.OverageCount, m.OverageCost.StringFixed(2))
	}
	if m.HardCap {
		sb.WriteString("  This plan stops at its quota.\n")
	}
	if m.WarningThresholdReached {
		sb.WriteString("  Warning: over 80% of the quota is used.\n")
	}
	return sb.String()
}
