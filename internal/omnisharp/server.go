package omnisharp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ServerState is the controller's lifecycle state.
type ServerState int

const (
	StateStarting ServerState = iota
	StateStarted
	StateStopped
)

func (s ServerState) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateStarted:
		return "Started"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// MarshalText renders the state by name.
func (s ServerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Defaults applied by NewServer to zero Options fields.
const (
	DefaultStartupTimeout  = 100 * time.Second
	DefaultProjectDebounce = 1500 * time.Millisecond
	DefaultStopTimeout     = 5 * time.Second
	DefaultLogLevel        = "information"
	DefaultTabSize         = 4
)

// Formatting holds the formatting defaults passed on the command line.
type Formatting struct {
	UseTabs         bool
	TabSize         int
	IndentationSize int
}

// Options configures a Server.
type Options struct {
	LaunchPath       string
	MonoPath         string
	InstallDir       string
	LaunchArgs       []string
	LogLevel         string
	ExcludePaths     []string
	Formatting       Formatting
	MaxConcurrency   int
	StartupTimeout   time.Duration
	ProjectDebounce  time.Duration
	StopTimeout      time.Duration
	Env              []string
	WorkspaceFolders []string
	HostPID          int
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = DefaultStartupTimeout
	}
	if o.ProjectDebounce <= 0 {
		o.ProjectDebounce = DefaultProjectDebounce
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.LogLevel == "" {
		o.LogLevel = DefaultLogLevel
	}
	if o.Formatting.TabSize <= 0 {
		o.Formatting.TabSize = DefaultTabSize
	}
	if o.Formatting.IndentationSize <= 0 {
		o.Formatting.IndentationSize = o.Formatting.TabSize
	}
	if o.HostPID == 0 {
		o.HostPID = os.Getpid()
	}
	return o
}

var (
	findLaunchTargetsFn   = FindLaunchTargets
	waitForProjectFilesFn = WaitForProjectFiles
	statusPollInterval    = 100 * time.Millisecond
)

// process is one launched server and everything scoped to it.
type process struct {
	launch      *LaunchResult
	session     *LineSession
	cancel      context.CancelFunc
	disposables *CompositeDisposable
	debouncer   *Debouncer

	startedOnce sync.Once
	started     chan struct{}
	exited      chan struct{}
	exitErr     error
	stopping    atomic.Bool
}

func (p *process) markStarted() {
	p.startedOnce.Do(func() { close(p.started) })
}

// Server owns at most one server process and multiplexes requests over it.
type Server struct {
	opts    Options
	events  *EventStream
	queue   *RequestQueueCollection
	delays  *DelayTrackers
	nextSeq atomic.Int64

	// lifecycle serializes Start, Stop and Restart.
	lifecycle sync.Mutex

	mu         sync.Mutex
	state      ServerState
	stateCh    chan struct{}
	target     *LaunchTarget
	sessionID  string
	proc       *process
	abortStart chan struct{}
}

// NewServer returns a stopped server that publishes to events.
// A nil events gets a private stream.
func NewServer(opts Options, events *EventStream) *Server {
	if events == nil {
		events = NewEventStream()
	}
	s := &Server{
		opts:    opts.withDefaults(),
		events:  events,
		delays:  NewDelayTrackers(),
		state:   StateStopped,
		stateCh: make(chan struct{}),
	}
	s.queue = NewRequestQueueCollection(s.opts.MaxConcurrency, s.send, WithQueueEvents(events), WithSuspended())
	return s
}

// Events is the stream every server event is posted to.
func (s *Server) Events() *EventStream {
	return s.events
}

// IsRunning reports whether the server completed its handshake.
func (s *Server) IsRunning() bool {
	return s.State() == StateStarted
}

// State returns the current lifecycle state.
func (s *Server) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID identifies the current or most recent launch.
func (s *Server) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// LaunchTarget returns the target of the current or most recent launch.
func (s *Server) LaunchTarget() (LaunchTarget, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target == nil {
		return LaunchTarget{}, false
	}
	return *s.target, true
}

// GetSolutionPathOrFolder returns the launch target path, or "" if none.
func (s *Server) GetSolutionPathOrFolder() string {
	t, ok := s.LaunchTarget()
	if !ok {
		return ""
	}
	return t.Target
}

// PID returns the server process id, or 0 when none is owned.
func (s *Server) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.launch.PID
}

// QueueStats reports queued and active requests.
func (s *Server) QueueStats() QueueStats {
	return s.queue.Stats()
}

// SetMaxConcurrency changes the active request cap.
func (s *Server) SetMaxConcurrency(n int) {
	s.queue.SetMaxConcurrency(n)
}

// DelayMeasures reports latency buckets per command since the last start.
func (s *Server) DelayMeasures() []DelayMeasures {
	return s.delays.Snapshot()
}

// FindLaunchTargets scans the configured workspace folders.
func (s *Server) FindLaunchTargets() ([]LaunchTarget, error) {
	return findLaunchTargetsFn(s.opts.WorkspaceFolders)
}

// AutoStart discovers launch targets and restarts on the first one. With no
// targets it waits for project files to appear and tries again.
func (s *Server) AutoStart(ctx context.Context) error {
	for {
		targets, err := s.FindLaunchTargets()
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			if err := waitForProjectFilesFn(ctx, s.opts.WorkspaceFolders); err != nil {
				return err
			}
			continue
		}
		if len(targets) > 1 {
			s.events.Post(MultipleLaunchTargets{Targets: targets})
		}
		return s.Restart(ctx, &targets[0])
	}
}

// Start launches the server on target and waits for its handshake.
func (s *Server) Start(ctx context.Context, target LaunchTarget) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	busy := s.proc != nil
	s.mu.Unlock()
	if busy {
		return ErrAlreadyStarted
	}
	return s.start(ctx, target)
}

// Restart stops the current process and starts on target, or on the last
// target when target is nil. The stop completes before the start begins.
func (s *Server) Restart(ctx context.Context, target *LaunchTarget) error {
	s.abortPendingStart()
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if target == nil {
		s.mu.Lock()
		target = s.target
		s.mu.Unlock()
	}
	if target == nil {
		return ErrNoLaunchTarget
	}
	t := *target

	s.stop(ctx)
	s.events.Post(Restart{})
	return s.start(ctx, t)
}

// Stop terminates the process and its children and rejects pending requests
// with ErrServerStopped.
func (s *Server) Stop(ctx context.Context) error {
	s.abortPendingStart()
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.stop(ctx)
	return nil
}

// MakeRequest sends command with data and waits for the correlated response.
// It fails fast with ErrNotRunning unless the server is Started. Cancelling
// ctx releases the caller but does not retract a request already on the wire.
func (s *Server) MakeRequest(ctx context.Context, command string, data any) (json.RawMessage, error) {
	if !s.IsRunning() {
		return nil, ErrNotRunning
	}

	type result struct {
		body json.RawMessage
		err  error
	}
	done := make(chan result, 1)
	req := NewRequest(command, data,
		func(body json.RawMessage) { done <- result{body: body} },
		func(err error) { done <- result{err: err} },
	)

	start := time.Now()
	s.queue.Enqueue(req)

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		s.delays.Report(command, time.Since(start))
		return res.body, nil
	case <-ctx.Done():
		s.queue.CancelRequest(req)
		return nil, fmt.Errorf("%w: %w", ErrRequestCancelled, ctx.Err())
	}
}

// Call is MakeRequest with the response body decoded into T.
func Call[T any](ctx context.Context, s *Server, command string, data any) (T, error) {
	var out T
	body, err := s.MakeRequest(ctx, command, data)
	if err != nil {
		return out, err
	}
	if len(body) == 0 || string(body) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decoding %s response: %w", command, err)
	}
	return out, nil
}

// RequestWorkspaceInformation asks the server for its loaded projects.
func (s *Server) RequestWorkspaceInformation(ctx context.Context) (*WorkspaceInformationResponse, error) {
	info, err := Call[WorkspaceInformationResponse](ctx, s, CommandProjects, struct{}{})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// WaitForEmptyEventQueue returns once nothing is queued or active.
func (s *Server) WaitForEmptyEventQueue(ctx context.Context) error {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for !s.queue.IsEmpty() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// WaitUntilRunning blocks until the server is Started or ctx is done.
func (s *Server) WaitUntilRunning(ctx context.Context) error {
	for {
		s.mu.Lock()
		state, changed := s.state, s.stateCh
		s.mu.Unlock()
		if state == StateStarted {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Server) start(ctx context.Context, target LaunchTarget) error {
	info, err := ResolveLaunchInfo(s.opts.LaunchPath, s.opts.MonoPath, s.opts.InstallDir)
	if err != nil {
		s.events.Post(ServerError{Err: err})
		return err
	}

	abort := make(chan struct{})
	s.mu.Lock()
	s.target = &target
	s.sessionID = uuid.NewString()
	s.abortStart = abort
	s.mu.Unlock()
	defer s.clearPendingStart(abort)
	s.setState(StateStarting)

	s.events.Post(Initialisation{TimeStamp: time.Now(), SolutionPath: target.Target})
	s.events.Post(BeforeServerStart{SolutionPath: target.Target})

	res, err := LaunchProcess(info, filepath.Dir(target.Target), s.launchArgs(target.Target), s.opts.Env)
	if err != nil {
		s.events.Post(ServerError{Err: err})
		s.setState(StateStopped)
		return err
	}
	s.events.Post(Launch{Command: res.Command, MonoPath: res.MonoPath, PID: res.PID})
	s.delays.Reset()

	runCtx, cancel := context.WithCancel(context.Background())
	p := &process{
		launch:      res,
		session:     NewLineSession(res.Stdin, res.Stdout, res.Stderr),
		cancel:      cancel,
		disposables: NewCompositeDisposable(),
		started:     make(chan struct{}),
		exited:      make(chan struct{}),
	}
	p.debouncer = NewDebouncer(s.opts.ProjectDebounce, func() { s.refreshProjectInfo(p) })
	p.disposables.Add(p.debouncer)
	p.disposables.Add(NewDisposable(cancel))

	s.mu.Lock()
	s.proc = p
	s.mu.Unlock()

	go s.consume(p)
	go s.watchExit(runCtx, p)

	timer := time.NewTimer(s.opts.StartupTimeout)
	defer timer.Stop()

	select {
	case <-p.started:
		return nil
	case <-p.exited:
		s.stop(ctx)
		if p.exitErr != nil {
			return fmt.Errorf("server exited before it started: %w", p.exitErr)
		}
		return errors.New("server exited before it started")
	case <-timer.C:
		return ErrHandshakeTimeout
	case <-abort:
		return ErrServerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abortPendingStart releases a start that is waiting for its handshake so a
// stop can take the lifecycle lock. The process is left for that stop.
func (s *Server) abortPendingStart() {
	s.mu.Lock()
	if s.abortStart != nil {
		close(s.abortStart)
		s.abortStart = nil
	}
	s.mu.Unlock()
}

func (s *Server) clearPendingStart(abort chan struct{}) {
	s.mu.Lock()
	if s.abortStart == abort {
		s.abortStart = nil
	}
	s.mu.Unlock()
}

func (s *Server) launchArgs(target string) []string {
	args := []string{
		"-s", target,
		"--hostPID", strconv.Itoa(s.opts.HostPID),
		"DotNet:enablePackageRestore=false",
		"--encoding", "utf-8",
		"--loglevel", s.opts.LogLevel,
	}
	for i, pattern := range s.opts.ExcludePaths {
		args = append(args, fmt.Sprintf("FileOptions:SystemExcludeSearchPatterns:%d=%s", i, pattern))
	}
	args = append(args, s.opts.LaunchArgs...)
	f := s.opts.Formatting
	args = append(args,
		fmt.Sprintf("formattingOptions:useTabs=%t", f.UseTabs),
		fmt.Sprintf("formattingOptions:tabSize=%d", f.TabSize),
		fmt.Sprintf("formattingOptions:indentationSize=%d", f.IndentationSize),
	)
	return args
}

// stop must be called with lifecycle held.
func (s *Server) stop(ctx context.Context) {
	s.mu.Lock()
	p := s.proc
	s.proc = nil
	s.mu.Unlock()

	s.queue.Suspend()
	if p != nil {
		p.stopping.Store(true)
		s.terminate(ctx, p)
		p.session.Close() //nolint:errcheck
		p.disposables.Dispose()
	}
	s.setState(StateStopped)
	s.queue.Clear(ErrServerStopped)
	s.events.Post(ServerStop{})
}

// terminate signals the process's children, then the process, and waits for
// it to exit. It escalates to SIGKILL after the stop timeout.
func (s *Server) terminate(ctx context.Context, p *process) {
	pid := p.launch.PID

	children, err := childProcessIDsFn(ctx, pid)
	if err != nil {
		s.events.Post(VerboseMessage{Message: fmt.Sprintf("listing children of %d: %v", pid, err)})
	}
	for _, child := range children {
		if err := killProcessFn(child, syscall.SIGTERM); err != nil {
			s.events.Post(VerboseMessage{Message: err.Error()})
		}
	}
	if err := killProcessFn(pid, syscall.SIGTERM); err != nil {
		s.events.Post(VerboseMessage{Message: err.Error()})
	}

	timer := time.NewTimer(s.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-p.exited:
		return
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := killProcessFn(pid, syscall.SIGKILL); err != nil {
		s.events.Post(VerboseMessage{Message: err.Error()})
	}
	// Descendants may hold the pipes open; close our ends so the readers return.
	p.launch.Stdout.Close() //nolint:errcheck
	p.launch.Stderr.Close() //nolint:errcheck
	<-p.exited
}

func (s *Server) setState(state ServerState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	close(s.stateCh)
	s.stateCh = make(chan struct{})
	s.mu.Unlock()

	s.events.Post(StateChanged{State: state})
}

// send runs under the queue lock and must not block.
func (s *Server) send(r *Request) (int64, error) {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		return 0, ErrNotRunning
	}

	seq := s.nextSeq.Add(1)
	if err := p.session.Send(&RequestPacket{
		Type:      PacketRequest,
		Seq:       seq,
		Command:   r.Command,
		Arguments: r.Data,
	}); err != nil {
		return 0, err
	}
	return seq, nil
}

// watchExit runs the session until the process closes its output, then reaps it.
func (s *Server) watchExit(ctx context.Context, p *process) {
	runErr := p.session.Run(ctx)
	waitErr := p.launch.Cmd.Wait()
	if waitErr != nil {
		p.exitErr = waitErr
	} else if runErr != nil {
		p.exitErr = runErr
	}
	close(p.exited)

	if p.stopping.Load() {
		return
	}

	err := fmt.Errorf("server process %d exited", p.launch.PID)
	if p.exitErr != nil {
		err = fmt.Errorf("server process %d exited: %w", p.launch.PID, p.exitErr)
	}
	s.events.Post(ServerError{Err: err})
	go s.stopAfterExit(p)
}

func (s *Server) stopAfterExit(p *process) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	current := s.proc == p
	s.mu.Unlock()
	if current {
		s.stop(context.Background())
	}
}

// consume is the single consumer of the session's events.
func (s *Server) consume(p *process) {
	for ev := range p.session.Events() {
		switch ev.Kind {
		case SessionMessage, SessionUnknownPacket:
			s.events.Post(ServerMessage{Message: ev.Text})
		case SessionStdErr:
			s.events.Post(StdErr{Message: ev.Text})
		case SessionResponse:
			s.handleResponse(ev.Response)
		case SessionEvent:
			s.handleEvent(p, ev.Event)
		}
	}
}

func (s *Server) handleResponse(resp *ResponsePacket) {
	req := s.queue.Dequeue(resp.Command, resp.RequestSeq)
	if req == nil {
		s.events.Post(ServerMessage{Message: fmt.Sprintf("Received response for %s but could not find request.", resp.Command)})
		return
	}
	s.events.Post(VerboseMessage{Message: fmt.Sprintf("handleResponse: %s (%d)", resp.Command, resp.RequestSeq)})

	if resp.Success {
		req.resolve(resp.Body)
		return
	}
	req.reject(&RequestError{Command: resp.Command, Message: resp.Message, Body: resp.Body})
}

func (s *Server) handleEvent(p *process, ev *EventPacket) {
	switch ev.Event {
	case EventNameLog:
		if entry, ok := decodeBody[LogEntry](ev.Body); ok {
			s.events.Post(EventPacketLog{LogLevel: entry.LogLevel, Name: entry.Name, Message: entry.Message})
		}
	case EventNameStarted:
		s.onStarted(p)
	case EventNameError:
		if msg, ok := decodeBody[ErrorMessage](ev.Body); ok {
			s.events.Post(ProtocolError{Message: msg})
		}
	case EventNameUnresolvedDependencies:
		if msg, ok := decodeBody[UnresolvedDependenciesMessage](ev.Body); ok {
			s.events.Post(UnresolvedDependencies{Message: msg})
		}
	case EventNamePackageRestoreStarted:
		msg, _ := decodeBody[PackageRestoreMessage](ev.Body)
		s.events.Post(PackageRestoreStarted{Message: msg})
	case EventNamePackageRestoreFinished:
		msg, _ := decodeBody[PackageRestoreMessage](ev.Body)
		s.events.Post(PackageRestoreFinished{Message: msg})
	case EventNameProjectAdded:
		info, _ := decodeBody[ProjectInformationResponse](ev.Body)
		s.events.Post(ProjectAdded{Info: info})
		p.debouncer.Trigger()
	case EventNameProjectChanged:
		info, _ := decodeBody[ProjectInformationResponse](ev.Body)
		s.events.Post(ProjectChanged{Info: info})
		p.debouncer.Trigger()
	case EventNameProjectRemoved:
		info, _ := decodeBody[ProjectInformationResponse](ev.Body)
		s.events.Post(ProjectRemoved{Info: info})
		p.debouncer.Trigger()
	case EventNameMsBuildProjectDiagnostics:
		if diag, ok := decodeBody[MSBuildProjectDiagnostics](ev.Body); ok {
			s.events.Post(MsBuildProjectDiagnostics{Diagnostics: diag})
		}
	case EventNameProjectConfiguration:
		if cfg, ok := decodeBody[ProjectConfigurationMessage](ev.Body); ok {
			s.events.Post(ProjectConfiguration{Configuration: cfg})
		}
	default:
		s.events.Post(VerboseMessage{Message: fmt.Sprintf("Unknown event: %s", ev.Event)})
	}
}

func decodeBody[T any](body json.RawMessage) (T, bool) {
	var out T
	if len(body) == 0 {
		return out, false
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, false
	}
	return out, true
}

func (s *Server) onStarted(p *process) {
	s.mu.Lock()
	if s.proc != p || s.state != StateStarting {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	// The queue reopens before callers can see Started.
	s.queue.Resume()
	s.setState(StateStarted)
	p.markStarted()

	s.events.Post(Started{})
	s.events.Post(ServerStart{SolutionPath: s.GetSolutionPathOrFolder()})
}

func (s *Server) refreshProjectInfo(p *process) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StartupTimeout)
	defer cancel()

	if err := s.WaitUntilRunning(ctx); err != nil {
		return
	}
	s.mu.Lock()
	current := s.proc == p
	s.mu.Unlock()
	if !current {
		return
	}

	info, err := s.RequestWorkspaceInformation(ctx)
	if err != nil {
		s.events.Post(VerboseMessage{Message: fmt.Sprintf("requesting workspace information: %v", err)})
		return
	}
	s.events.Post(WorkspaceInformationUpdated{Info: info})
}
