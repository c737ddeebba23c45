package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Mitigator MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolEvaluateDetection = mcp.NewTool("evaluate_detection",
	mcp.WithDescription(
		"Submit one classified network detection to the mitigation engine and get its decision. "+
			"Labels follow the classifier taxonomy: 0 Normal, 1 DoS, 2 Exploits, 3 Fuzzers, 4 Reconnaissance, "+
			"5 Analysis, 6 Backdoor, 7 Shellcode, 8 Worms, 9 Generic. "+
			"Repeated DoS from the same source escalates from rate limiting to a block. "+
			"This mutates engine state, so only use it for real detections."),
	mcp.WithString("source",
		mcp.Required(),
		mcp.Description("Source identity, usually an IP address (e.g. '192.0.2.10')")),
	mcp.WithNumber("label",
		mcp.Required(),
		mcp.Description("Classifier label, 0-9")),
	mcp.WithString("session_id",
		mcp.Description("Session the detection belongs to; required for exploit session termination to be meaningful")),
	mcp.WithNumber("score",
		mcp.Description("Anomaly score from the classifier, informational only")),
)

var ToolCheckSource = mcp.NewTool("check_source",
	mcp.WithDescription(
		"Look up the current mitigation state of a source: whether it is blocked, rate limited, "+
			"or blacklisted, and its violation count."),
	mcp.WithString("source",
		mcp.Required(),
		mcp.Description("Source identity to look up")),
)

var ToolGetMitigationStats = mcp.NewTool("get_mitigation_stats",
	mcp.WithDescription(
		"Get a snapshot of the mitigation engine: counts and lists of blocked and rate-limited sources, "+
			"plus the blacklist size."),
)

var ToolGetPolicy = mcp.NewTool("get_policy",
	mcp.WithDescription(
		"Show the active mitigation policy: DoS block threshold, block and rate-limit expiry, "+
			"and the label-to-category mapping."),
)

var ToolRecentLogs = mcp.NewTool("recent_logs",
	mcp.WithDescription(
		"Read the most recent lines of one of the human-readable logs. "+
			"'activity' has every detection, 'threat' only attacks, 'mitigation' only enforcement actions."),
	mcp.WithString("kind",
		mcp.Description("Which log to read (default 'activity')"),
		mcp.Enum("activity", "threat", "mitigation")),
	mcp.WithNumber("lines",
		mcp.Description("Number of lines to return (default 10)")),
)

var ToolRecentDecisions = mcp.NewTool("recent_decisions",
	mcp.WithDescription(
		"List recent mitigation decisions from the structured decision log, newest first. "+
			"Optionally filter by source or by action."),
	mcp.WithString("source",
		mcp.Description("Only decisions for this source")),
	mcp.WithString("action",
		mcp.Description("Only decisions with this action"),
		mcp.Enum("blocked", "rate_limited", "monitored", "session_terminated", "alert")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of decisions (default 20)")),
)
