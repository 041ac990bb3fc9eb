package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Tollguard MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolScoreTransaction = mcp.NewTool("score_transaction",
	mcp.WithDescription(
		"Score one FASTag toll transaction for fraud. "+
			"Returns a fraud score between 0 and 1, the alert threshold and the verdict. "+
			"Transactions scoring at or above the threshold are recorded as fraud alerts. "+
			"Use get_model first if you do not know which fields the classifier needs."),
	mcp.WithObject("transaction",
		mcp.Required(),
		mcp.Description("The transaction record. Features: time_since_last_tx (minutes), tx_count_1h, amount, "+
			"unique_plazas_7d, mismatched_ocr (0 or 1), velocity_kmph. Optional identity: transaction_id, tag_id, timestamp. "+
			"Example: {\"transaction_id\": \"TX1\", \"tag_id\": \"TAG9\", \"time_since_last_tx\": 5, \"tx_count_1h\": 8, "+
			"\"amount\": 50, \"unique_plazas_7d\": 4, \"mismatched_ocr\": 1, \"velocity_kmph\": 120}")),
)

var ToolListAlerts = mcp.NewTool("list_alerts",
	mcp.WithDescription(
		"List recorded fraud alerts, newest first. "+
			"Each alert has its id, transaction and tag ids, fraud score and when it was recorded."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of alerts to return (default 20, max 500)")),
	mcp.WithString("cursor",
		mcp.Description("next_cursor from a previous list_alerts result, to page further back")),
)

var ToolGetModel = mcp.NewTool("get_model",
	mcp.WithDescription(
		"Describe the loaded fraud classifier: its kind, the ordered feature names a transaction must carry, "+
			"and the alert threshold."),
)
