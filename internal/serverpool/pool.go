// Package serverpool owns one language server session per workspace,
// creating and starting them on demand.
package serverpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lydakis/omnibridge/internal/config"
	"github.com/lydakis/omnibridge/internal/omnisharp"
)

// ErrUnknownTarget is returned by Restart when the requested launch target
// is not among the workspace's discovered targets.
var ErrUnknownTarget = errors.New("unknown launch target")

// Backend is the part of *omnisharp.Server the pool and daemon drive.
type Backend interface {
	Events() *omnisharp.EventStream
	AutoStart(ctx context.Context) error
	Restart(ctx context.Context, target *omnisharp.LaunchTarget) error
	Stop(ctx context.Context) error
	State() omnisharp.ServerState
	IsRunning() bool
	WaitUntilRunning(ctx context.Context) error
	MakeRequest(ctx context.Context, command string, data any) (json.RawMessage, error)
	RequestWorkspaceInformation(ctx context.Context) (*omnisharp.WorkspaceInformationResponse, error)
	FindLaunchTargets() ([]omnisharp.LaunchTarget, error)
	LaunchTarget() (omnisharp.LaunchTarget, bool)
	SessionID() string
	PID() int
	QueueStats() omnisharp.QueueStats
	DelayMeasures() []omnisharp.DelayMeasures
}

// BackendFactory builds the backend for a workspace.
type BackendFactory func(workspace string, opts omnisharp.Options) Backend

// Observer attaches to a new backend. The returned disposable is released
// when the workspace is closed.
type Observer func(workspace string, b Backend) omnisharp.Disposable

// Option configures a Pool.
type Option func(*Pool)

// WithBackendFactory replaces how backends are built.
func WithBackendFactory(fn BackendFactory) Option {
	return func(p *Pool) { p.newBackend = fn }
}

// WithObserver registers fn for every backend the pool creates.
func WithObserver(fn Observer) Option {
	return func(p *Pool) { p.observers = append(p.observers, fn) }
}

// WithLogger sets the logger for pool housekeeping.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

func newOmniSharpBackend(_ string, opts omnisharp.Options) Backend {
	return omnisharp.NewServer(opts, nil)
}

type entry struct {
	workspace      string
	backend        Backend
	startupTimeout time.Duration
	subs           *omnisharp.CompositeDisposable
	ctx            context.Context
	cancel         context.CancelFunc

	mu        sync.Mutex
	starting  bool
	startDone chan struct{}
	startErr  error
}

// begin marks a start attempt in flight. ok is false when one already is,
// in which case done belongs to that attempt.
func (e *entry) begin() (done chan struct{}, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.starting {
		return e.startDone, false
	}
	e.starting = true
	e.startDone = make(chan struct{})
	e.startErr = nil
	return e.startDone, true
}

func (e *entry) finish(done chan struct{}, err error) {
	e.mu.Lock()
	if e.startDone == done {
		e.starting = false
		e.startErr = err
	}
	e.mu.Unlock()
	close(done)
}

func (e *entry) lastStart() (chan struct{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startDone, e.startErr
}

// Pool manages per-workspace servers, creating them on demand.
type Pool struct {
	cfg        *config.Config
	newBackend BackendFactory
	observers  []Observer
	log        *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a pool that builds servers from cfg.
func New(cfg *config.Config, opts ...Option) *Pool {
	p := &Pool{
		cfg:        cfg,
		newBackend: newOmniSharpBackend,
		log:        slog.Default(),
		entries:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NormalizeWorkspace returns the absolute, cleaned workspace path and checks
// that it is a directory.
func NormalizeWorkspace(workspace string) (string, error) {
	if workspace == "" {
		return "", errors.New("workspace is required")
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return "", fmt.Errorf("resolving workspace: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("workspace %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace %s: not a directory", abs)
	}
	return abs, nil
}

func (p *Pool) acquire(workspace string) (*entry, error) {
	ws, err := NormalizeWorkspace(workspace)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[ws]; ok {
		return e, nil
	}

	cfg := p.cfg.Clone()
	if err := config.MergeWorkspaceSettings(cfg, ws); err != nil {
		p.log.Warn("workspace settings", "workspace", ws, "err", err)
	}
	opts := cfg.ServerOptions(ws)

	e := &entry{
		workspace:      ws,
		backend:        p.newBackend(ws, opts),
		startupTimeout: opts.StartupTimeout,
		subs:           omnisharp.NewCompositeDisposable(),
	}
	if e.startupTimeout <= 0 {
		e.startupTimeout = omnisharp.DefaultStartupTimeout
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	for _, observe := range p.observers {
		if d := observe(ws, e.backend); d != nil {
			e.subs.Add(d)
		}
	}
	p.entries[ws] = e
	p.log.Info("workspace opened", "workspace", ws)
	return e, nil
}

// Get returns the backend for workspace, creating it if needed. It does not
// start the server.
func (p *Pool) Get(workspace string) (Backend, error) {
	e, err := p.acquire(workspace)
	if err != nil {
		return nil, err
	}
	return e.backend, nil
}

// Lookup returns the backend for workspace without creating one.
func (p *Pool) Lookup(workspace string) (Backend, bool) {
	ws, err := NormalizeWorkspace(workspace)
	if err != nil {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[ws]
	if !ok {
		return nil, false
	}
	return e.backend, true
}

// Ready returns a started backend for workspace. A stopped server is
// auto-started; the wait is bounded by the configured startup timeout.
func (p *Pool) Ready(ctx context.Context, workspace string) (Backend, error) {
	e, err := p.acquire(workspace)
	if err != nil {
		return nil, err
	}
	if e.backend.IsRunning() {
		return e.backend, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.startupTimeout)
	defer cancel()

	done, _ := e.lastStart()
	if e.backend.State() == omnisharp.StateStopped {
		if d, ok := e.begin(); ok {
			go func() { e.finish(d, e.backend.AutoStart(e.ctx)) }()
		}
		done, _ = e.lastStart()
	}

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for server start: %w", ctx.Err())
		}
	}

	if e.backend.IsRunning() {
		return e.backend, nil
	}
	if _, err := e.lastStart(); err != nil && e.backend.State() != omnisharp.StateStarting {
		return nil, err
	}
	if err := e.backend.WaitUntilRunning(ctx); err != nil {
		return nil, fmt.Errorf("waiting for server start: %w", err)
	}
	return e.backend, nil
}

// Restart restarts the workspace server. A non-empty target selects one of
// the discovered launch targets by path. Without a target the last target is
// reused, or the workspace is auto-started when it has none.
func (p *Pool) Restart(ctx context.Context, workspace, target string) (Backend, error) {
	e, err := p.acquire(workspace)
	if err != nil {
		return nil, err
	}

	var run func() error
	switch {
	case target != "":
		t, err := findTarget(e.backend, target)
		if err != nil {
			return nil, err
		}
		run = func() error { return e.backend.Restart(ctx, &t) }
	default:
		if _, ok := e.backend.LaunchTarget(); ok {
			run = func() error { return e.backend.Restart(ctx, nil) }
		} else {
			run = func() error { return e.backend.AutoStart(ctx) }
		}
	}

	done, owned := e.begin()
	err = run()
	if owned {
		e.finish(done, err)
	}
	if err != nil {
		return nil, err
	}
	return e.backend, nil
}

func findTarget(b Backend, target string) (omnisharp.LaunchTarget, error) {
	targets, err := b.FindLaunchTargets()
	if err != nil {
		return omnisharp.LaunchTarget{}, err
	}
	want := filepath.Clean(target)
	for _, t := range targets {
		if t.Target == want || t.Label == target {
			return t, nil
		}
	}
	return omnisharp.LaunchTarget{}, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
}

// Close stops the workspace server and forgets it.
func (p *Pool) Close(workspace string) {
	p.mu.Lock()
	e, ok := p.entries[workspace]
	if !ok {
		if ws, err := filepath.Abs(workspace); err == nil {
			e, ok = p.entries[ws]
		}
	}
	if ok {
		delete(p.entries, e.workspace)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	p.closeEntry(e)
}

func (p *Pool) closeEntry(e *entry) {
	e.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*omnisharp.DefaultStopTimeout)
	defer cancel()
	if err := e.backend.Stop(ctx); err != nil {
		p.log.Warn("stopping server", "workspace", e.workspace, "err", err)
	}
	e.subs.Dispose()
	p.log.Info("workspace closed", "workspace", e.workspace)
}

// CloseAll stops every workspace server.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.closeEntry(e)
		}()
	}
	wg.Wait()
}

// Workspaces lists open workspaces, sorted.
func (p *Pool) Workspaces() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.entries))
	for ws := range p.entries {
		out = append(out, ws)
	}
	sort.Strings(out)
	return out
}

func (p *Pool) snapshot() map[string]Backend {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Backend, len(p.entries))
	for ws, e := range p.entries {
		out[ws] = e.backend
	}
	return out
}
