// Package response renders server response bodies for the terminal and for
// MCP tool results.
package response

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/lydakis/omnibridge/internal/ipc"
	"github.com/mark3labs/mcp-go/mcp"
)

// Format pretty-prints a response body. Non-JSON input is returned as is.
// An empty or null body renders as nothing.
func Format(body json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, trimmed, "", "  "); err != nil {
		return ensureTrailingNewline(append([]byte(nil), trimmed...))
	}
	return ensureTrailingNewline(buf.Bytes())
}

// ToolResult converts a daemon response into an MCP tool result. JSON
// objects are returned as structured content, other output as text.
func ToolResult(resp *ipc.Response) *mcp.CallToolResult {
	if resp == nil {
		return mcp.NewToolResultError("empty response from daemon")
	}
	if resp.ExitCode != ipc.ExitOK {
		msg := strings.TrimSpace(resp.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(string(resp.Content))
		}
		if msg == "" {
			msg = "request failed"
		}
		return mcp.NewToolResultError(msg)
	}

	trimmed := bytes.TrimSpace(resp.Content)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var obj map[string]any
		if json.Unmarshal(trimmed, &obj) == nil {
			return mcp.NewToolResultStructuredOnly(obj)
		}
	}
	return mcp.NewToolResultText(string(resp.Content))
}

// Unwrap extracts raw output from an MCP CallToolResult.
// Returns the output bytes and an exit code.
func Unwrap(result *mcp.CallToolResult) ([]byte, int) {
	if result == nil {
		return nil, ipc.ExitInternal
	}

	exitCode := ipc.ExitOK
	if result.IsError {
		exitCode = ipc.ExitRequestErr
	}

	if result.StructuredContent != nil {
		if data, err := json.Marshal(result.StructuredContent); err == nil {
			return ensureTrailingNewline(data), exitCode
		}
	}

	var parts []string
	for _, content := range result.Content {
		switch c := content.(type) {
		case mcp.TextContent:
			parts = append(parts, c.Text)
			continue
		case *mcp.TextContent:
			parts = append(parts, c.Text)
			continue
		}
		if raw, err := json.Marshal(content); err == nil {
			parts = append(parts, string(raw))
		}
	}
	if len(parts) == 0 {
		return nil, exitCode
	}
	return ensureTrailingNewline([]byte(strings.Join(parts, "\n"))), exitCode
}

func ensureTrailingNewline(out []byte) []byte {
	if len(out) == 0 {
		return out
	}
	if out[len(out)-1] != '\n' {
		return append(out, '\n')
	}
	return out
}
