package mcpserve

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lydakis/omnibridge/internal/ipc"
	"github.com/lydakis/omnibridge/internal/response"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

type fakeSender struct {
	mu   sync.Mutex
	reqs []*ipc.Request
	resp *ipc.Response
	err  error
}

func (f *fakeSender) Send(_ context.Context, req *ipc.Request) (*ipc.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &ipc.Response{Content: []byte("ok\n")}, nil
}

func (f *fakeSender) last(t *testing.T) *ipc.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		t.Fatal("no request forwarded")
	}
	return f.reqs[len(f.reqs)-1]
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func TestRequestToolForwardsCommandArgumentsAndTimeout(t *testing.T) {
	f := &fakeSender{resp: &ipc.Response{Content: []byte(`{"QuickFixes":[]}`)}}
	tl := &tools{send: f, workspace: "/src/app"}

	result, err := tl.request(context.Background(), callRequest(map[string]any{
		"command":         "/findsymbols",
		"arguments":       map[string]any{"Filter": "Main"},
		"timeout_seconds": 2.5,
	}))
	if err != nil {
		t.Fatalf("request() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("request() IsError = true: %+v", result)
	}

	got := f.last(t)
	if got.Type != ipc.TypeRequest || got.Command != "/findsymbols" || got.Workspace != "/src/app" {
		t.Fatalf("forwarded = %+v", got)
	}
	if string(got.Args) != `{"Filter":"Main"}` {
		t.Fatalf("Args = %s, want {\"Filter\":\"Main\"}", got.Args)
	}
	if got.Timeout == nil || *got.Timeout != 2500*time.Millisecond {
		t.Fatalf("Timeout = %v, want 2.5s", got.Timeout)
	}
}

func TestRequestToolRequiresCommand(t *testing.T) {
	f := &fakeSender{}
	tl := &tools{send: f, workspace: "/src/app"}

	result, err := tl.request(context.Background(), callRequest(map[string]any{}))
	if err != nil {
		t.Fatalf("request() error = %v", err)
	}
	if !result.IsError {
		t.Fatal("request() IsError = false, want true without command")
	}
	if len(f.reqs) != 0 {
		t.Fatalf("forwarded %d requests, want 0", len(f.reqs))
	}
}

func TestToolsUseRequestedWorkspace(t *testing.T) {
	f := &fakeSender{}
	tl := &tools{send: f, workspace: "/default"}

	if _, err := tl.restart(context.Background(), callRequest(map[string]any{
		"workspace": "/other",
		"target":    "/other/app.sln",
	})); err != nil {
		t.Fatalf("restart() error = %v", err)
	}
	got := f.last(t)
	if got.Type != ipc.TypeRestart || got.Workspace != "/other" || got.Target != "/other/app.sln" {
		t.Fatalf("forwarded = %+v", got)
	}

	if _, err := tl.simple(ipc.TypeStatus)(context.Background(), callRequest(nil)); err != nil {
		t.Fatalf("status() error = %v", err)
	}
	if got := f.last(t); got.Type != ipc.TypeStatus || got.Workspace != "/default" {
		t.Fatalf("forwarded = %+v, want status for /default", got)
	}
}

func TestDaemonFailuresBecomeToolErrors(t *testing.T) {
	tl := &tools{send: &fakeSender{err: errors.New("connection refused")}, workspace: "/src/app"}
	result, err := tl.simple(ipc.TypeTargets)(context.Background(), callRequest(nil))
	if err != nil {
		t.Fatalf("targets() error = %v", err)
	}
	out, code := response.Unwrap(result)
	if code == ipc.ExitOK || !strings.Contains(string(out), "daemon: connection refused") {
		t.Fatalf("Unwrap = %q, %d, want daemon error", out, code)
	}

	tl = &tools{send: &fakeSender{resp: ipc.Err(ipc.ExitRequestErr, "server is not running")}, workspace: "/src/app"}
	result, _ = tl.simple(ipc.TypeProjects)(context.Background(), callRequest(nil))
	if !result.IsError {
		t.Fatal("IsError = false for failed daemon response")
	}
}

func TestServerListsTools(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := mcpclient.NewInProcessClient(NewServer(&fakeSender{}, "/src/app", "test"))
	if err != nil {
		t.Fatalf("NewInProcessClient() error = %v", err)
	}
	defer c.Close()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: "2025-11-25",
			ClientInfo:      mcp.Implementation{Name: "omnibridge-test", Version: "0.0.0"},
		},
	}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	list, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	var names []string
	for _, tool := range list.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	want := "omnisharp_projects,omnisharp_request,omnisharp_restart,omnisharp_status,omnisharp_targets"
	if got := strings.Join(names, ","); got != want {
		t.Fatalf("tools = %s, want %s", got, want)
	}

	result, err := c.CallTool(ctx, mcp.CallToolRequest{Params: mcp.CallToolParams{
		Name:      "omnisharp_status",
		Arguments: map[string]any{},
	}})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if out, _ := response.Unwrap(result); string(out) != "ok\n" {
		t.Fatalf("CallTool() output = %q, want ok", out)
	}
}
