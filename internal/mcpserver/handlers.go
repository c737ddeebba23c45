package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/mitigator/internal/apiclient"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *apiclient.Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *apiclient.Client) *Handlers {
	return &Handlers{client: client}
}

// HandleEvaluateDetection submits a detection and reports the decision.
func (h *Handlers) HandleEvaluateDetection(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source := strings.TrimSpace(req.GetString("source", ""))
	if source == "" {
		return mcp.NewToolResultError("source is required"), nil
	}
	label := req.GetInt("label", -1)
	if label < 0 {
		return mcp.NewToolResultError("label is required and must be a non-negative integer"), nil
	}

	raw, err := h.client.Decide(ctx, apiclient.DecideRequest{
		Source:    source,
		Label:     label,
		SessionID: req.GetString("session_id", ""),
		Score:     req.GetFloat("score", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to evaluate detection: %v", err)), nil
	}

	text, err := formatDecision(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse decision: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCheckSource reports the state of one source.
func (h *Handlers) HandleCheckSource(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source := strings.TrimSpace(req.GetString("source", ""))
	if source == "" {
		return mcp.NewToolResultError("source is required"), nil
	}

	raw, err := h.client.GetSource(ctx, source)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check source: %v", err)), nil
	}

	text, err := formatSourceStatus(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse source status: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetMitigationStats reports the engine snapshot.
func (h *Handlers) HandleGetMitigationStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get stats: %v", err)), nil
	}

	text, err := formatStats(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse stats: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetPolicy returns the active policy as JSON.
func (h *Handlers) HandleGetPolicy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetPolicy(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get policy: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleRecentLogs tails one of the text logs.
func (h *Handlers) HandleRecentLogs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind := req.GetString("kind", "activity")
	lines := req.GetInt("lines", 10)
	if lines < 1 {
		return mcp.NewToolResultError("lines must be at least 1"), nil
	}

	raw, err := h.client.RecentLogs(ctx, kind, lines)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read %s log: %v", kind, err)), nil
	}

	text, err := formatLogLines(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse log: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRecentDecisions lists the newest decisions.
func (h *Handlers) HandleRecentDecisions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)
	if limit < 1 {
		return mcp.NewToolResultError("limit must be at least 1"), nil
	}

	raw, err := h.client.ListDecisions(ctx, apiclient.DecisionQuery{
		Source: strings.TrimSpace(req.GetString("source", "")),
		Action: req.GetString("action", ""),
		Limit:  limit,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list decisions: %v", err)), nil
	}

	text, err := formatDecisionList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse decisions: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- formatters ---

func formatDecision(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}
	decision, _ := m["decision"].(map[string]any)
	if decision == nil {
		return "", fmt.Errorf("missing decision")
	}

	var sb strings.Builder
	sb.WriteString("Decision:\n")
	sb.WriteString(fmt.Sprintf("  Source: %s\n", getString(m, "source")))
	sb.WriteString(fmt.Sprintf("  Action: %s\n", getString(decision, "action")))
	sb.WriteString(fmt.Sprintf("  Reason: %s\n", getString(decision, "reason")))
	if v := getString(m, "attackType"); v != "" {
		sb.WriteString(fmt.Sprintf("  Attack Type: %s\n", v))
	}
	if v := getString(m, "category"); v != "" {
		sb.WriteString(fmt.Sprintf("  Category: %s\n", v))
	}
	if v, ok := getFloat(m, "violationCount"); ok && v > 0 {
		sb.WriteString(fmt.Sprintf("  Violations: %.0f\n", v))
	}
	return sb.String(), nil
}

func formatSourceStatus(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	state := "clean"
	switch {
	case getBool(m, "blocked"):
		state = "BLOCKED"
	case getBool(m, "rateLimited"):
		state = "rate limited"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Source %s: %s\n", getString(m, "source"), state))
	if getBool(m, "blacklisted") {
		sb.WriteString("  Blacklisted: yes\n")
	}
	if threat, ok := m["threat"].(map[string]any); ok {
		if v, ok := getFloat(threat, "violationCount"); ok {
			sb.WriteString(fmt.Sprintf("  Violations: %.0f\n", v))
		}
		if v := getString(threat, "lastViolation"); v != "" {
			sb.WriteString(fmt.Sprintf("  Last Violation: %s\n", v))
		}
		if v := getString(threat, "blockedAt"); v != "" && getBool(m, "blocked") {
			sb.WriteString(fmt.Sprintf("  Blocked At: %s\n", v))
		}
	}
	return sb.String(), nil
}

func formatStats(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Mitigation Stats:\n")
	blocked, _ := getFloat(m, "blockedCount")
	limited, _ := getFloat(m, "rateLimitedCount")
	blacklisted, _ := getFloat(m, "blacklistedCount")
	sb.WriteString(fmt.Sprintf("  Blocked: %.0f\n", blocked))
	sb.WriteString(fmt.Sprintf("  Rate Limited: %.0f\n", limited))
	sb.WriteString(fmt.Sprintf("  Blacklisted: %.0f\n", blacklisted))
	if list := getStrings(m, "blockedList"); len(list) > 0 {
		sb.WriteString(fmt.Sprintf("  Blocked Sources: %s\n", strings.Join(list, ", ")))
	}
	if list := getStrings(m, "rateLimitedList"); len(list) > 0 {
		sb.WriteString(fmt.Sprintf("  Rate-Limited Sources: %s\n", strings.Join(list, ", ")))
	}
	return sb.String(), nil
}

func formatLogLines(raw json.RawMessage) (string, error) {
	var resp struct {
		Kind    string   `json:"kind"`
		Entries []string `json:"entries"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Entries) == 0 {
		return fmt.Sprintf("The %s log is empty.", resp.Kind), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Last %d %s log line(s):\n\n", len(resp.Entries), resp.Kind))
	for _, line := range resp.Entries {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatDecisionList(raw json.RawMessage) (string, error) {
	var resp struct {
		Decisions []map[string]any `json:"decisions"`
		HasMore   bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Decisions) == 0 {
		return "No decisions found.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d decision(s), newest first:\n\n", len(resp.Decisions)))
	for i, d := range resp.Decisions {
		sb.WriteString(fmt.Sprintf("%d. [%s] %s %s: %s (%s)\n",
			i+1,
			getString(d, "decidedAt"),
			getString(d, "source"),
			getString(d, "action"),
			getString(d, "reason"),
			getString(d, "attackType"),
		))
	}
	if resp.HasMore {
		sb.WriteString("\nMore decisions are available.\n")
	}
	return sb.String(), nil
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

func getBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func getStrings(m map[string]any, key string) []string {
	items, _ := m[key].([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
