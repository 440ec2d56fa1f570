package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/lydakis/omnibridge/internal/cache"
	"github.com/lydakis/omnibridge/internal/config"
	"github.com/lydakis/omnibridge/internal/ipc"
	"github.com/lydakis/omnibridge/internal/omnisharp"
	"github.com/lydakis/omnibridge/internal/paths"
	"github.com/lydakis/omnibridge/internal/response"
	"github.com/lydakis/omnibridge/internal/restore"
	"github.com/lydakis/omnibridge/internal/serverpool"
)

var (
	cacheGet         = cache.Get
	cacheGetMetadata = cache.GetMetadata
	cachePut         = cache.Put
	restoreAll       = restore.All
)

// Run starts the daemon process. Called when argv[1] == "__daemon".
func Run() error {
	if err := paths.EnsureDir(paths.RuntimeDir()); err != nil {
		return fmt.Errorf("creating runtime dir: %w", err)
	}
	if err := paths.EnsureDir(paths.StateDir()); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if verr := config.ValidateForCurrentEnv(cfg); verr != nil {
		return fmt.Errorf("invalid config: %w", verr)
	}

	logFile, err := os.OpenFile(paths.LogFile(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	defer logFile.Close()
	log := slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: logLevel(cfg)}))

	nonce, err := writeNonce()
	if err != nil {
		return fmt.Errorf("nonce setup: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := serverpool.New(cfg,
		serverpool.WithLogger(log),
		serverpool.WithObserver(LogObserver(log)),
		serverpool.WithObserver(cacheObserver(log)),
	)
	defer pool.CloseAll()

	ka := NewKeepalive(pool.Close, cfg.IdleTimeout())
	ka.SetOnAllIdle(stop)
	defer ka.Stop()

	if addr := cfg.Daemon.MetricsAddr; addr != "" {
		shutdown, err := serveMetrics(addr, pool.Collector(), log)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				log.Warn("metrics shutdown", "err", err)
			}
		}()
	}

	h := &handler{pool: pool, ka: ka, log: log, shutdown: stop}
	srv := ipc.NewServer(paths.SocketPath(), nonce, h.dispatch, ipc.WithLogger(log))
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Stop()

	log.Info("daemon listening", "socket", paths.SocketPath(), "pid", os.Getpid())
	<-ctx.Done()
	log.Info("daemon shutting down")
	return nil
}

func logLevel(cfg *config.Config) slog.Level {
	switch cfg.Server.LogLevel {
	case "trace", "debug":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

type handler struct {
	pool     *serverpool.Pool
	ka       *Keepalive
	log      *slog.Logger
	shutdown func()
}

func (h *handler) dispatch(ctx context.Context, req *ipc.Request) *ipc.Response {
	switch req.Type {
	case ipc.TypePing:
		return &ipc.Response{}
	case ipc.TypeShutdown:
		go h.shutdown()
		return &ipc.Response{Content: []byte("shutting down\n")}
	}

	ws, err := serverpool.NormalizeWorkspace(req.Workspace)
	if err != nil {
		return ipc.Err(ipc.ExitUsageErr, err.Error())
	}

	h.ka.Begin(ws)
	defer h.ka.End(ws)

	switch req.Type {
	case ipc.TypeStatus:
		return h.status(ws)
	case ipc.TypeRequest:
		return h.request(ctx, ws, req)
	case ipc.TypeRestart:
		return h.restart(ctx, ws, req.Target)
	case ipc.TypeStop:
		return h.stop(ctx, ws)
	case ipc.TypeTargets:
		return h.targets(ws)
	case ipc.TypeProjects:
		return h.projects(ctx, ws, req.Verbose)
	case ipc.TypeDelays:
		return h.delays(ws)
	case ipc.TypeRestore:
		return h.restore(ctx, ws)
	default:
		return ipc.Err(ipc.ExitUsageErr, fmt.Sprintf("unknown request type: %s", req.Type))
	}
}

type statusReport struct {
	Workspace string                `json:"workspace"`
	State     omnisharp.ServerState `json:"state"`
	SessionID string                `json:"session_id,omitempty"`
	PID       int                   `json:"pid,omitempty"`
	Target    string                `json:"target,omitempty"`
	Queue     *omnisharp.QueueStats `json:"queue,omitempty"`
}

func (h *handler) status(ws string) *ipc.Response {
	report := statusReport{Workspace: ws, State: omnisharp.StateStopped}
	if b, ok := h.pool.Lookup(ws); ok {
		stats := b.QueueStats()
		report.State = b.State()
		report.SessionID = b.SessionID()
		report.PID = b.PID()
		report.Queue = &stats
		if t, ok := b.LaunchTarget(); ok {
			report.Target = t.Target
		}
	}
	return jsonResponse(report)
}

func (h *handler) request(ctx context.Context, ws string, req *ipc.Request) *ipc.Response {
	if req.Command == "" {
		return ipc.Err(ipc.ExitUsageErr, "missing command")
	}
	var data any
	if len(req.Args) > 0 {
		if !json.Valid(req.Args) {
			return ipc.Err(ipc.ExitUsageErr, "arguments are not valid JSON")
		}
		data = req.Args
	}
	if req.Timeout != nil && *req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *req.Timeout)
		defer cancel()
	}

	b, err := h.pool.Ready(ctx, ws)
	if err != nil {
		return errorResponse("starting server", err)
	}

	began := time.Now()
	body, err := b.MakeRequest(ctx, req.Command, data)
	if err != nil {
		return errorResponse(req.Command, err)
	}

	resp := &ipc.Response{Content: response.Format(body)}
	if req.Verbose {
		resp.Stderr = fmt.Sprintf("omnibridge: %s took %s", req.Command, time.Since(began).Round(time.Millisecond))
	}
	return resp
}

func (h *handler) restart(ctx context.Context, ws, target string) *ipc.Response {
	b, err := h.pool.Restart(ctx, ws, target)
	if err != nil {
		return errorResponse("restarting server", err)
	}
	t, _ := b.LaunchTarget()
	return &ipc.Response{Content: []byte(fmt.Sprintf("started %s\n", t.Target))}
}

func (h *handler) stop(ctx context.Context, ws string) *ipc.Response {
	b, ok := h.pool.Lookup(ws)
	if !ok || b.State() == omnisharp.StateStopped {
		return &ipc.Response{Content: []byte("not running\n")}
	}
	if err := b.Stop(ctx); err != nil {
		return errorResponse("stopping server", err)
	}
	return &ipc.Response{Content: []byte("stopped\n")}
}

func (h *handler) targets(ws string) *ipc.Response {
	b, err := h.pool.Get(ws)
	if err != nil {
		return errorResponse("opening workspace", err)
	}
	targets, err := b.FindLaunchTargets()
	if err != nil {
		return errorResponse("finding launch targets", err)
	}
	if len(targets) == 0 {
		return ipc.Err(ipc.ExitRequestErr, "no launch targets found")
	}

	current, running := b.LaunchTarget()
	var out strings.Builder
	for _, t := range targets {
		mark := " "
		if running && t.Target == current.Target {
			mark = "✓"
		}
		fmt.Fprintf(&out, "%s %s\t%s\t%s\n", mark, t.Label, t.Kind, t.Target)
	}
	return &ipc.Response{Content: []byte(out.String())}
}

func (h *handler) projects(ctx context.Context, ws string, verbose bool) *ipc.Response {
	if b, ok := h.pool.Lookup(ws); !ok || !b.IsRunning() {
		if raw, ok := cacheGet(ws); ok {
			resp := &ipc.Response{Content: response.Format(raw)}
			if verbose {
				if age, ttl, ok := cacheGetMetadata(ws); ok {
					resp.Stderr = fmt.Sprintf("omnibridge: cached project information (age=%s ttl=%s)", age.Round(time.Second), ttl)
				}
			}
			return resp
		}
	}

	b, err := h.pool.Ready(ctx, ws)
	if err != nil {
		return errorResponse("starting server", err)
	}
	info, err := b.RequestWorkspaceInformation(ctx)
	if err != nil {
		return errorResponse(omnisharp.CommandProjects, err)
	}
	data, err := json.Marshal(info)
	if err != nil {
		return errorResponse("encoding project information", err)
	}
	if err := cachePut(ws, data, cache.DefaultTTL); err != nil {
		h.log.Warn("caching project information", "workspace", ws, "err", err)
	}
	return &ipc.Response{Content: response.Format(data)}
}

func (h *handler) delays(ws string) *ipc.Response {
	measures := []omnisharp.DelayMeasures{}
	if b, ok := h.pool.Lookup(ws); ok {
		measures = append(measures, b.DelayMeasures()...)
	}
	return jsonResponse(measures)
}

func (h *handler) restore(ctx context.Context, ws string) *ipc.Response {
	b, err := h.pool.Ready(ctx, ws)
	if err != nil {
		return errorResponse("starting server", err)
	}
	info, err := b.RequestWorkspaceInformation(ctx)
	if err != nil {
		return errorResponse(omnisharp.CommandProjects, err)
	}

	var (
		mu  sync.Mutex
		out strings.Builder
	)
	collect := func(msg string) {
		mu.Lock()
		out.WriteString(msg)
		if !strings.HasSuffix(msg, "\n") {
			out.WriteByte('\n')
		}
		mu.Unlock()
	}
	subs := omnisharp.NewCompositeDisposable(
		omnisharp.On(b.Events(), func(e omnisharp.RestoreProgress) {
			mu.Lock()
			out.WriteString(e.Message)
			mu.Unlock()
		}),
		omnisharp.On(b.Events(), func(e omnisharp.RestoreSucceeded) { collect(e.Message) }),
		omnisharp.On(b.Events(), func(e omnisharp.RestoreFailed) { collect(e.Message) }),
	)
	defer subs.Dispose()

	err = restoreAll(ctx, b.Events(), info)

	mu.Lock()
	content := []byte(out.String())
	mu.Unlock()
	if err != nil {
		resp := errorResponse("restoring packages", err)
		resp.Content = content
		return resp
	}
	return &ipc.Response{Content: content}
}

func jsonResponse(v any) *ipc.Response {
	data, err := json.Marshal(v)
	if err != nil {
		return ipc.Err(ipc.ExitInternal, fmt.Sprintf("encoding response: %v", err))
	}
	return &ipc.Response{Content: response.Format(data)}
}

func errorResponse(what string, err error) *ipc.Response {
	if errors.Is(err, context.Canceled) {
		return ipc.Err(ipc.ExitInternal, fmt.Sprintf("%s: cancelled", what))
	}
	return ipc.Err(exitCodeFor(err), fmt.Sprintf("%s: %v", what, err))
}
