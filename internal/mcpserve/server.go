// Package mcpserve exposes the daemon's request API as MCP tools over stdio.
package mcpserve

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lydakis/omnibridge/internal/ipc"
	"github.com/lydakis/omnibridge/internal/response"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Sender forwards a request to the daemon.
type Sender interface {
	Send(ctx context.Context, req *ipc.Request) (*ipc.Response, error)
}

var workspaceProperty = map[string]any{
	"type":        "string",
	"description": "Absolute workspace folder. Defaults to the folder omnibridge mcp was started in.",
}

type tools struct {
	send      Sender
	workspace string
}

// NewServer builds the MCP server. workspace is used when a tool call does
// not name one.
func NewServer(send Sender, workspace, version string) *server.MCPServer {
	t := &tools{send: send, workspace: workspace}
	s := server.NewMCPServer("omnibridge", version)

	s.AddTool(mcp.Tool{
		Name:        "omnisharp_request",
		Description: "Sends a request to the workspace's OmniSharp server and returns the response body",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": `Server endpoint, e.g. "/findsymbols" or "/v2/codestructure"`,
				},
				"arguments": map[string]any{
					"type":        "object",
					"description": "Request body sent as the request's Arguments",
				},
				"timeout_seconds": map[string]any{"type": "number"},
				"workspace":       workspaceProperty,
			},
			Required: []string{"command"},
		},
	}, t.request)

	s.AddTool(mcp.Tool{
		Name:        "omnisharp_status",
		Description: "Reports the workspace server state, launch target and queue depth",
		InputSchema: workspaceOnly(),
	}, t.simple(ipc.TypeStatus))

	s.AddTool(mcp.Tool{
		Name:        "omnisharp_restart",
		Description: "Restarts the workspace server, optionally on another launch target",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"target": map[string]any{
					"type":        "string",
					"description": "Launch target path or label from omnisharp_targets",
				},
				"workspace": workspaceProperty,
			},
		},
	}, t.restart)

	s.AddTool(mcp.Tool{
		Name:        "omnisharp_targets",
		Description: "Lists launch targets found in the workspace; the running one is marked",
		InputSchema: workspaceOnly(),
	}, t.simple(ipc.TypeTargets))

	s.AddTool(mcp.Tool{
		Name:        "omnisharp_projects",
		Description: "Returns the projects loaded by the workspace server",
		InputSchema: workspaceOnly(),
	}, t.simple(ipc.TypeProjects))

	return s
}

// Serve runs the MCP server on stdin and stdout until the client disconnects.
func Serve(send Sender, workspace, version string) error {
	return server.ServeStdio(NewServer(send, workspace, version))
}

func workspaceOnly() mcp.ToolInputSchema {
	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: map[string]any{"workspace": workspaceProperty},
	}
}

func (t *tools) workspaceFor(req mcp.CallToolRequest) string {
	return req.GetString("workspace", t.workspace)
}

func (t *tools) forward(ctx context.Context, req *ipc.Request) (*mcp.CallToolResult, error) {
	resp, err := t.send.Send(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("daemon: %v", err)), nil
	}
	return response.ToolResult(resp), nil
}

func (t *tools) simple(typ string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return t.forward(ctx, &ipc.Request{Type: typ, Workspace: t.workspaceFor(req)})
	}
}

func (t *tools) request(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	ipcReq := &ipc.Request{
		Type:      ipc.TypeRequest,
		Workspace: t.workspaceFor(req),
		Command:   command,
	}
	if args, ok := req.GetArguments()["arguments"]; ok && args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encoding arguments: %v", err)), nil
		}
		ipcReq.Args = raw
	}
	if secs := req.GetFloat("timeout_seconds", 0); secs > 0 {
		d := time.Duration(secs * float64(time.Second))
		ipcReq.Timeout = &d
	}
	return t.forward(ctx, ipcReq)
}

func (t *tools) restart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return t.forward(ctx, &ipc.Request{
		Type:      ipc.TypeRestart,
		Workspace: t.workspaceFor(req),
		Target:    req.GetString("target", ""),
	})
}
