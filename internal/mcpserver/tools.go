package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the FraudGuard MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolScoreTransaction = mcp.NewTool("score_transaction",
	mcp.WithDescription(
		"Score a payment transaction for fraud risk. "+
			"Returns a fraud score from 0 to 100, an approve/review/reject decision, "+
			"the top contributing factors and any risk flags."),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Transaction amount, must be positive (e.g. 125.50)")),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("Identifier of the paying user")),
	mcp.WithString("payment_method",
		mcp.Required(),
		mcp.Description("Payment method (e.g. 'card', 'bank_transfer', 'wallet')")),
	mcp.WithString("currency",
		mcp.Description("ISO 4217 currency code (default USD)")),
	mcp.WithString("merchant_category",
		mcp.Description("Merchant category (e.g. 'retail', 'gambling', 'crypto')")),
	mcp.WithString("transaction_id",
		mcp.Description("Caller-supplied transaction ID; one is generated if omitted")),
	mcp.WithString("ip",
		mcp.Description("Client IP address of the payer")),
	mcp.WithNumber("ip_reputation",
		mcp.Description("IP reputation from 0 (bad) to 100 (good)")),
	mcp.WithNumber("geolocation_risk",
		mcp.Description("Geolocation risk from 0 (safe) to 100 (risky)")),
	mcp.WithBoolean("is_vpn",
		mcp.Description("Whether the connection comes through a VPN")),
	mcp.WithBoolean("is_tor",
		mcp.Description("Whether the connection comes through Tor")),
)

var ToolGetModel = mcp.NewTool("get_model",
	mcp.WithDescription(
		"Show the active scoring model: version, bias, per-feature weights and evaluation metrics."),
)

var ToolGetUsage = mcp.NewTool("get_usage",
	mcp.WithDescription(
		"Show the current billing period's usage for the configured API key: "+
			"calls made, plan quota, overage and cost so far."),
)

var ToolListBillingPeriods = mcp.NewTool("list_billing_periods",
	mcp.WithDescription(
		"List closed billing periods for the configured API key, newest first."),
)
