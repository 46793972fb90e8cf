package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

type handlers struct {
	provider StatusProvider
}

func (h *handlers) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(h.provider.Status())
}

func (h *handlers) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	run := h.provider.RunSnapshot()
	if run == nil {
		return errResult("no run open yet (waiting for new_run)"), nil
	}
	return jsonResult(run)
}

func (h *handlers) handleListTools(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tools := h.provider.ToolSnapshots()
	sort.Slice(tools, func(i, j int) bool { return tools[i].ToolName < tools[j].ToolName })
	return jsonResult(tools)
}

func (h *handlers) handleListCounters(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	counters := h.provider.Status().Counters

	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		sb.WriteString(fmt.Sprintf("%s: %g\n", name, counters[name]))
	}
	return textResult(sb.String()), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errResult(fmt.Sprintf("encode: %v", err)), nil
	}
	return textResult(string(data)), nil
}

func textResult(text string) *mcp.CallToolResult {
	return mcp.NewToolResultText(text)
}

func errResult(msg string) *mcp.CallToolResult {
	return mcp.NewToolResultError(msg)
}
