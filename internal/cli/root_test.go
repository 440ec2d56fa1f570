package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lydakis/omnibridge/internal/bootstrap"
	"github.com/lydakis/omnibridge/internal/config"
	"github.com/lydakis/omnibridge/internal/ipc"
	"github.com/lydakis/omnibridge/internal/omnisharp"
)

type fakeSender struct {
	reqs []*ipc.Request
	resp *ipc.Response
}

func (f *fakeSender) Send(_ context.Context, req *ipc.Request) (*ipc.Response, error) {
	f.reqs = append(f.reqs, req)
	if f.resp != nil {
		return f.resp, nil
	}
	return &ipc.Response{Content: []byte("ok\n")}, nil
}

type testApp struct {
	*app
	sender *fakeSender
	out    *bytes.Buffer
	errOut *bytes.Buffer
}

func newTestApp(t *testing.T, resp *ipc.Response) *testApp {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatalf("open %s: %v", os.DevNull, err)
	}
	t.Cleanup(func() { devNull.Close() })

	f := &fakeSender{resp: resp}
	ta := &testApp{sender: f, out: &bytes.Buffer{}, errOut: &bytes.Buffer{}}
	ta.app = &app{
		stdin:    devNull,
		stdout:   ta.out,
		stderr:   ta.errOut,
		connect:  func(context.Context) (Sender, error) { return f, nil },
		existing: func(context.Context) (Sender, bool) { return f, true },
		loadCfg:  func() (*config.Config, error) { return &config.Config{}, nil },
	}
	return ta
}

func (ta *testApp) last(t *testing.T) *ipc.Request {
	t.Helper()
	if len(ta.sender.reqs) == 0 {
		t.Fatal("no request sent")
	}
	return ta.sender.reqs[len(ta.sender.reqs)-1]
}

func TestRequestCommandSendsBodyAndPrintsResponse(t *testing.T) {
	ta := newTestApp(t, &ipc.Response{Content: []byte("{\n  \"QuickFixes\": []\n}\n")})
	ws := t.TempDir()

	code := ta.run([]string{"request", "/findsymbols", `{"Filter":"Main"}`, "--timeout", "3s", "-w", ws})
	if code != ipc.ExitOK {
		t.Fatalf("run() = %d, stderr = %q", code, ta.errOut)
	}

	req := ta.last(t)
	if req.Type != ipc.TypeRequest || req.Command != "/findsymbols" || req.Workspace != ws {
		t.Fatalf("request = %+v", req)
	}
	if string(req.Args) != `{"Filter":"Main"}` {
		t.Fatalf("Args = %s", req.Args)
	}
	if req.Timeout == nil || *req.Timeout != 3*time.Second {
		t.Fatalf("Timeout = %v, want 3s", req.Timeout)
	}
	if !strings.Contains(ta.out.String(), "QuickFixes") {
		t.Fatalf("stdout = %q, want response body", ta.out)
	}
}

func TestRequestCommandReadsPipedStdin(t *testing.T) {
	ta := newTestApp(t, nil)
	in := filepath.Join(t.TempDir(), "body.json")
	if err := os.WriteFile(in, []byte(`{"Line":4}`), 0o600); err != nil {
		t.Fatalf("write body: %v", err)
	}
	f, err := os.Open(in)
	if err != nil {
		t.Fatalf("open body: %v", err)
	}
	defer f.Close()
	ta.stdin = f

	if code := ta.run([]string{"request", "/typelookup"}); code != ipc.ExitOK {
		t.Fatalf("run() = %d, stderr = %q", code, ta.errOut)
	}
	if got := string(ta.last(t).Args); got != `{"Line":4}` {
		t.Fatalf("Args = %s, want {\"Line\":4}", got)
	}
}

func TestRequestCommandRejectsBadJSON(t *testing.T) {
	ta := newTestApp(t, nil)

	code := ta.run([]string{"request", "/x", "[1]"})
	if code != ipc.ExitUsageErr {
		t.Fatalf("run() = %d, want %d", code, ipc.ExitUsageErr)
	}
	if !strings.HasPrefix(ta.errOut.String(), "omnibridge: JSON arguments must be an object") {
		t.Fatalf("stderr = %q", ta.errOut)
	}
	if len(ta.sender.reqs) != 0 {
		t.Fatal("request sent despite bad arguments")
	}
}

func TestFailedResponseGoesToStderrWithExitCode(t *testing.T) {
	ta := newTestApp(t, ipc.Err(ipc.ExitRequestErr, "/gotodefinition: /gotodefinition failed"))

	code := ta.run([]string{"request", "/gotodefinition"})
	if code != ipc.ExitRequestErr {
		t.Fatalf("run() = %d, want %d", code, ipc.ExitRequestErr)
	}
	if ta.out.Len() != 0 {
		t.Fatalf("stdout = %q, want empty", ta.out)
	}
	if got := ta.errOut.String(); got != "omnibridge: /gotodefinition: /gotodefinition failed\n" {
		t.Fatalf("stderr = %q", got)
	}
}

func TestSimpleCommandsMapToRequestTypes(t *testing.T) {
	tests := map[string]string{
		"status":   ipc.TypeStatus,
		"stop":     ipc.TypeStop,
		"targets":  ipc.TypeTargets,
		"projects": ipc.TypeProjects,
		"delays":   ipc.TypeDelays,
		"restore":  ipc.TypeRestore,
	}
	for name, typ := range tests {
		t.Run(name, func(t *testing.T) {
			ta := newTestApp(t, nil)
			if code := ta.run([]string{name, "--verbose"}); code != ipc.ExitOK {
				t.Fatalf("run(%s) = %d, stderr = %q", name, code, ta.errOut)
			}
			req := ta.last(t)
			if req.Type != typ || !req.Verbose {
				t.Fatalf("request = %+v, want verbose %s", req, typ)
			}
			cwd, _ := os.Getwd()
			if req.Workspace != cwd {
				t.Fatalf("Workspace = %q, want cwd %q", req.Workspace, cwd)
			}
		})
	}
}

func TestRestartCommandPassesTarget(t *testing.T) {
	ta := newTestApp(t, nil)
	if code := ta.run([]string{"restart", "--target", "/src/app/app.sln"}); code != ipc.ExitOK {
		t.Fatalf("run() = %d", code)
	}
	if req := ta.last(t); req.Type != ipc.TypeRestart || req.Target != "/src/app/app.sln" {
		t.Fatalf("request = %+v", req)
	}
}

func TestInvalidConfigIsUsageError(t *testing.T) {
	ta := newTestApp(t, nil)
	ta.loadCfg = func() (*config.Config, error) {
		return &config.Config{Server: config.ServerConfig{LogLevel: "loud"}}, nil
	}

	code := ta.run([]string{"status"})
	if code != ipc.ExitUsageErr {
		t.Fatalf("run() = %d, want %d", code, ipc.ExitUsageErr)
	}
	if !strings.Contains(ta.errOut.String(), "omnibridge: invalid config: server.log_level") {
		t.Fatalf("stderr = %q", ta.errOut)
	}
}

func TestConnectFailureIsInternalError(t *testing.T) {
	ta := newTestApp(t, nil)
	ta.connect = func(context.Context) (Sender, error) { return nil, errors.New("daemon did not start within timeout") }

	if code := ta.run([]string{"status"}); code != ipc.ExitInternal {
		t.Fatalf("run() = %d, want %d", code, ipc.ExitInternal)
	}
	if got := ta.errOut.String(); got != "omnibridge: daemon did not start within timeout\n" {
		t.Fatalf("stderr = %q", got)
	}
}

func TestInitWritesExampleConfigOnce(t *testing.T) {
	ta := newTestApp(t, nil)

	if code := ta.run([]string{"init"}); code != ipc.ExitOK {
		t.Fatalf("run(init) = %d, stderr = %q", code, ta.errOut)
	}
	if !strings.HasPrefix(ta.out.String(), "wrote ") {
		t.Fatalf("stdout = %q", ta.out)
	}

	ta.errOut.Reset()
	if code := ta.run([]string{"init"}); code != ipc.ExitUsageErr {
		t.Fatalf("second run(init) = %d, want %d", code, ipc.ExitUsageErr)
	}
	if !strings.Contains(ta.errOut.String(), "--force") {
		t.Fatalf("stderr = %q, want --force hint", ta.errOut)
	}

	if code := ta.run([]string{"init", "--force"}); code != ipc.ExitOK {
		t.Fatalf("run(init --force) = %d", code)
	}
}

func TestDaemonStop(t *testing.T) {
	ta := newTestApp(t, &ipc.Response{Content: []byte("shutting down\n")})
	if code := ta.run([]string{"daemon", "stop"}); code != ipc.ExitOK {
		t.Fatalf("run() = %d", code)
	}
	if ta.last(t).Type != ipc.TypeShutdown || ta.out.String() != "shutting down\n" {
		t.Fatalf("daemon stop = %+v / %q", ta.last(t), ta.out)
	}

	ta = newTestApp(t, nil)
	ta.existing = func(context.Context) (Sender, bool) { return nil, false }
	if code := ta.run([]string{"daemon", "stop"}); code != ipc.ExitOK {
		t.Fatalf("run() = %d", code)
	}
	if ta.out.String() != "daemon not running\n" {
		t.Fatalf("stdout = %q", ta.out)
	}
}

func TestVersionAndUnknownCommand(t *testing.T) {
	ta := newTestApp(t, nil)
	if code := ta.run([]string{"--version"}); code != ipc.ExitOK {
		t.Fatalf("run(--version) = %d", code)
	}
	if !strings.HasPrefix(ta.out.String(), "omnibridge ") {
		t.Fatalf("stdout = %q", ta.out)
	}

	if code := ta.run([]string{"frobnicate"}); code != ipc.ExitUsageErr {
		t.Fatalf("run(frobnicate) = %d, want %d", code, ipc.ExitUsageErr)
	}
	if !strings.Contains(ta.errOut.String(), `omnibridge: unknown command "frobnicate"`) {
		t.Fatalf("stderr = %q", ta.errOut)
	}
}

func TestCompletionScript(t *testing.T) {
	ta := newTestApp(t, nil)
	if code := ta.run([]string{"completion", "bash"}); code != ipc.ExitOK {
		t.Fatalf("run(completion bash) = %d, stderr = %q", code, ta.errOut)
	}
	if !strings.Contains(ta.out.String(), "omnibridge") {
		t.Fatal("completion script does not mention omnibridge")
	}
}

func TestDoctorReportsChecks(t *testing.T) {
	ta := newTestApp(t, nil)
	ws := t.TempDir()
	var got omnisharp.Options
	ta.checkPrereqs = func(opts omnisharp.Options) []bootstrap.Check {
		got = opts
		return []bootstrap.Check{
			{Name: "omnisharp", Path: "/opt/omnisharp/run"},
			{Name: "dotnet", Err: errors.New(`required runtime "dotnet" not found in PATH`)},
		}
	}

	code := ta.run([]string{"doctor", "-w", ws})
	if code != ipc.ExitUsageErr {
		t.Fatalf("run(doctor) = %d, want %d", code, ipc.ExitUsageErr)
	}
	if len(got.WorkspaceFolders) != 1 || got.WorkspaceFolders[0] != ws {
		t.Fatalf("WorkspaceFolders = %v, want [%s]", got.WorkspaceFolders, ws)
	}
	out := ta.out.String()
	if !strings.Contains(out, "ok       omnisharp  /opt/omnisharp/run") {
		t.Fatalf("stdout = %q, want omnisharp ok line", out)
	}
	if !strings.Contains(out, `missing  dotnet     required runtime "dotnet" not found in PATH`) {
		t.Fatalf("stdout = %q, want dotnet missing line", out)
	}
	if !strings.Contains(ta.errOut.String(), "omnibridge: prerequisites missing") {
		t.Fatalf("stderr = %q", ta.errOut)
	}
	if len(ta.sender.reqs) != 0 {
		t.Fatal("doctor contacted the daemon")
	}
}

func TestSkillInstall(t *testing.T) {
	ta := newTestApp(t, nil)
	dir := filepath.Join(t.TempDir(), "skills")
	link := filepath.Join(t.TempDir(), "agent", "skills")

	if code := ta.run([]string{"skill", "install", "--dir", dir, "--link", link}); code != ipc.ExitOK {
		t.Fatalf("run(skill install) = %d, stderr = %q", code, ta.errOut)
	}
	if _, err := os.Stat(filepath.Join(dir, "omnibridge", "SKILL.md")); err != nil {
		t.Fatalf("skill file: %v", err)
	}
	if !strings.Contains(ta.out.String(), "Linked: "+filepath.Join(link, "omnibridge")) {
		t.Fatalf("stdout = %q", ta.out)
	}
}
