// Package pooltest provides an in-memory serverpool.Backend for tests.
package pooltest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/lydakis/omnibridge/internal/omnisharp"
)

// Backend is a scripted stand-in for a language server session.
type Backend struct {
	Workspace string
	Opts      omnisharp.Options

	mu         sync.Mutex
	events     *omnisharp.EventStream
	state      omnisharp.ServerState
	stateCh    chan struct{}
	target     *omnisharp.LaunchTarget
	targets    []omnisharp.LaunchTarget
	startErr   error
	startDelay time.Duration
	handler    func(command string, data any) (json.RawMessage, error)
	info       *omnisharp.WorkspaceInformationResponse
	delays     []omnisharp.DelayMeasures
	stats      omnisharp.QueueStats
	starts     int
	stops      int
	requests   []string
}

// New returns a stopped backend that discovers targets.
func New(targets ...omnisharp.LaunchTarget) *Backend {
	return &Backend{
		events:  omnisharp.NewEventStream(),
		state:   omnisharp.StateStopped,
		stateCh: make(chan struct{}),
		targets: targets,
	}
}

// SetStartError makes later starts fail with err.
func (b *Backend) SetStartError(err error) {
	b.mu.Lock()
	b.startErr = err
	b.mu.Unlock()
}

// SetStartDelay makes later starts take d before completing.
func (b *Backend) SetStartDelay(d time.Duration) {
	b.mu.Lock()
	b.startDelay = d
	b.mu.Unlock()
}

// SetHandler scripts request responses.
func (b *Backend) SetHandler(fn func(command string, data any) (json.RawMessage, error)) {
	b.mu.Lock()
	b.handler = fn
	b.mu.Unlock()
}

// SetWorkspaceInformation sets the /projects response.
func (b *Backend) SetWorkspaceInformation(info *omnisharp.WorkspaceInformationResponse) {
	b.mu.Lock()
	b.info = info
	b.mu.Unlock()
}

// SetDelayMeasures sets the latency report.
func (b *Backend) SetDelayMeasures(m []omnisharp.DelayMeasures) {
	b.mu.Lock()
	b.delays = m
	b.mu.Unlock()
}

// SetQueueStats sets the queue report.
func (b *Backend) SetQueueStats(s omnisharp.QueueStats) {
	b.mu.Lock()
	b.stats = s
	b.mu.Unlock()
}

// Starts counts start attempts.
func (b *Backend) Starts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts
}

// Stops counts Stop calls.
func (b *Backend) Stops() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stops
}

// Requests lists the commands received, in order.
func (b *Backend) Requests() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.requests...)
}

func (b *Backend) setState(s omnisharp.ServerState) {
	b.mu.Lock()
	changed := b.state != s
	b.state = s
	ch := b.stateCh
	if changed {
		b.stateCh = make(chan struct{})
	}
	b.mu.Unlock()
	if changed {
		close(ch)
		b.events.Post(omnisharp.StateChanged{State: s})
	}
}

func (b *Backend) Events() *omnisharp.EventStream { return b.events }

func (b *Backend) AutoStart(ctx context.Context) error {
	b.mu.Lock()
	targets := b.targets
	b.mu.Unlock()
	if len(targets) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	if len(targets) > 1 {
		b.events.Post(omnisharp.MultipleLaunchTargets{Targets: targets})
	}
	return b.Restart(ctx, &targets[0])
}

func (b *Backend) Restart(ctx context.Context, target *omnisharp.LaunchTarget) error {
	b.mu.Lock()
	if target == nil {
		target = b.target
	}
	b.starts++
	delay, startErr := b.startDelay, b.startErr
	b.mu.Unlock()
	if target == nil {
		return omnisharp.ErrNoLaunchTarget
	}

	b.setState(omnisharp.StateStarting)
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			b.setState(omnisharp.StateStopped)
			return ctx.Err()
		}
	}
	if startErr != nil {
		b.setState(omnisharp.StateStopped)
		return startErr
	}

	t := *target
	b.mu.Lock()
	b.target = &t
	b.mu.Unlock()
	b.setState(omnisharp.StateStarted)
	b.events.Post(omnisharp.ServerStart{SolutionPath: t.Target})
	return nil
}

func (b *Backend) Stop(context.Context) error {
	b.mu.Lock()
	b.stops++
	b.mu.Unlock()
	b.setState(omnisharp.StateStopped)
	b.events.Post(omnisharp.ServerStop{})
	return nil
}

func (b *Backend) State() omnisharp.ServerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Backend) IsRunning() bool { return b.State() == omnisharp.StateStarted }

func (b *Backend) WaitUntilRunning(ctx context.Context) error {
	for {
		b.mu.Lock()
		state, ch := b.state, b.stateCh
		b.mu.Unlock()
		if state == omnisharp.StateStarted {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Backend) MakeRequest(ctx context.Context, command string, data any) (json.RawMessage, error) {
	if !b.IsRunning() {
		return nil, omnisharp.ErrNotRunning
	}
	b.mu.Lock()
	b.requests = append(b.requests, command)
	handler := b.handler
	b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if handler == nil {
		return json.Marshal(map[string]any{"Command": command, "Arguments": data})
	}
	return handler(command, data)
}

func (b *Backend) RequestWorkspaceInformation(ctx context.Context) (*omnisharp.WorkspaceInformationResponse, error) {
	if _, err := b.MakeRequest(ctx, omnisharp.CommandProjects, nil); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.info == nil {
		return &omnisharp.WorkspaceInformationResponse{}, nil
	}
	info := *b.info
	return &info, nil
}

func (b *Backend) FindLaunchTargets() ([]omnisharp.LaunchTarget, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]omnisharp.LaunchTarget(nil), b.targets...), nil
}

func (b *Backend) LaunchTarget() (omnisharp.LaunchTarget, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.target == nil {
		return omnisharp.LaunchTarget{}, false
	}
	return *b.target, true
}

func (b *Backend) SessionID() string { return "pooltest-session" }

func (b *Backend) PID() int {
	if b.IsRunning() {
		return 4242
	}
	return 0
}

func (b *Backend) QueueStats() omnisharp.QueueStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *Backend) DelayMeasures() []omnisharp.DelayMeasures {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]omnisharp.DelayMeasures(nil), b.delays...)
}

// Factory records every backend it builds. Targets seed new backends.
type Factory struct {
	Targets []omnisharp.LaunchTarget

	mu       sync.Mutex
	backends map[string]*Backend
	setup    func(*Backend)
}

// NewFactory returns a factory whose backends discover targets. setup, when
// non-nil, runs on each new backend.
func NewFactory(setup func(*Backend), targets ...omnisharp.LaunchTarget) *Factory {
	return &Factory{Targets: targets, backends: make(map[string]*Backend), setup: setup}
}

// Build creates and records the backend for workspace.
func (f *Factory) Build(workspace string, opts omnisharp.Options) *Backend {
	b := New(f.Targets...)
	b.Workspace = workspace
	b.Opts = opts
	if f.setup != nil {
		f.setup(b)
	}
	f.mu.Lock()
	f.backends[workspace] = b
	f.mu.Unlock()
	return b
}

// Backend returns the backend built for workspace.
func (f *Factory) Backend(workspace string) *Backend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backends[workspace]
}
