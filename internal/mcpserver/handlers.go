package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// defaultAlertLimit keeps list_alerts output readable.
const defaultAlertLimit = 20

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
	tx, ok := req.GetArguments()["transaction"].(map[string]any)
	if !ok || len(tx) == 0 {
		return mcp.NewToolResultError("transaction is required and must be an object"), nil
	}

	raw, err := h.client.ScoreTransaction(ctx, tx)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			switch apiErr.Code {
			case "schema_violation":
				return mcp.NewToolResultError(formatViolation(apiErr)), nil
			case "store_unavailable":
				// Scored, but the alert was not saved.
				text, ferr := formatScore(apiErr.Body)
				if ferr == nil {
					return mcp.NewToolResultError(text + "\nWARNING: the alert could not be recorded; the alert store is unavailable."), nil
				}
			}
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to score transaction: %v", err)), nil
	}

	text, err := formatScore(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse score: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListAlerts lists recent alerts.
func (h *Handlers) HandleListAlerts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", defaultAlertLimit)
	if limit <= 0 {
		return mcp.NewToolResultError("limit must be positive"), nil
	}
	cursor := req.GetString("cursor", "")

	raw, err := h.client.ListAlerts(ctx, limit, cursor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list alerts: %v", err)), nil
	}

	text, err := formatAlertList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse alerts: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetModel describes the classifier.
func (h *Handlers) HandleGetModel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetModel(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get model: %v", err)), nil
	}

	var m struct {
		Kind      string   `json:"kind"`
		Features  []string `json:"features"`
		Threshold float64  `json:"threshold"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	text := fmt.Sprintf("Classifier: %s\nFeatures (in order): %s\nAlert threshold: %.3f (scores at or above it raise an alert)",
		m.Kind, strings.Join(m.Features, ", "), m.Threshold)
	return mcp.NewToolResultText(text), nil
}

// --- Formatting ---

func formatScore(raw json.RawMessage) (string, error) {
	var r struct {
		TransactionID string  `json:"transaction_id"`
		FraudScore    float64 `json:"fraud_score"`
		Threshold     float64 `json:"threshold"`
		Verdict       string  `json:"verdict"`
		AlertRecorded bool    `json:"alert_recorded"`
		AlertID       int64   `json:"alert_id"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", err
	}
	if r.Verdict == "" {
		return "", errors.New("response has no verdict")
	}

	var sb strings.Builder
	if r.TransactionID != "" {
		sb.WriteString(fmt.Sprintf("Transaction %s: ", r.TransactionID))
	}
	sb.WriteString(fmt.Sprintf("%s (fraud score %.3f, threshold %.3f)",
		strings.ToUpper(r.Verdict), r.FraudScore, r.Threshold))
	if r.AlertRecorded {
		sb.WriteString(fmt.Sprintf("\nFraud alert #%d recorded.", r.AlertID))
	}
	return sb.String(), nil
}

func formatViolation(apiErr *APIError) string {
	var body struct {
		Fields []struct {
			Field   string `json:"field"`
			Message string `json:"message"`
		} `json:"fields"`
	}
	if err := json.Unmarshal(apiErr.Body, &body); err != nil || len(body.Fields) == 0 {
		return "Transaction rejected: " + apiErr.Message
	}
	var sb strings.Builder
	sb.WriteString("Transaction rejected, fix these fields and retry:\n")
	for _, f := range body.Fields {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", f.Field, f.Message))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatAlertList(raw json.RawMessage) (string, error) {
	var resp struct {
		Alerts     []map[string]any `json:"alerts"`
		HasMore    bool             `json:"has_more"`
		NextCursor string           `json:"next_cursor"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Alerts) == 0 {
		return "No fraud alerts recorded.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d fraud alert(s):\n", len(resp.Alerts)))
	for _, a := range resp.Alerts {
		id := getString(a, "id")
		tx := getString(a, "transaction_id")
		tag := getString(a, "tag_id")
		at := getString(a, "created_at")
		score, _ := getFloat(a, "fraud_score")
		sb.WriteString(fmt.Sprintf("#%s  score %.3f  tx %s  tag %s  at %s\n",
			id, score, orDash(tx), orDash(tag), at))
	}
	if resp.HasMore {
		sb.WriteString(fmt.Sprintf("More alerts available; pass cursor %q.\n", resp.NextCursor))
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
