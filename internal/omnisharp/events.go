package omnisharp

import (
	"sort"
	"sync"
	"time"
)

// EventType tags every event posted to an EventStream.
type EventType int

const (
	EventInitialisation EventType = iota
	EventLaunch
	EventServerStart
	EventServerStop
	EventBeforeServerStart
	EventServerError
	EventProtocolError
	EventStateChanged
	EventStarted
	EventRestart
	EventStdErr
	EventServerMessage
	EventVerboseMessage
	EventPacketReceived
	EventUnresolvedDependencies
	EventPackageRestoreStarted
	EventPackageRestoreFinished
	EventProjectAdded
	EventProjectChanged
	EventProjectRemoved
	EventMsBuildProjectDiagnostics
	EventProjectConfiguration
	EventMultipleLaunchTargets
	EventWorkspaceInformationUpdated
	EventEnqueueRequest
	EventDequeueRequest
	EventProcessRequestStart
	EventProcessRequestComplete
	EventRestoreStart
	EventRestoreProgress
	EventRestoreSucceeded
	EventRestoreFailed
)

var eventTypeNames = map[EventType]string{
	EventInitialisation:              "Initialisation",
	EventLaunch:                      "Launch",
	EventServerStart:                 "ServerStart",
	EventServerStop:                  "ServerStop",
	EventBeforeServerStart:           "BeforeServerStart",
	EventServerError:                 "ServerError",
	EventProtocolError:               "ProtocolError",
	EventStateChanged:                "StateChanged",
	EventStarted:                     "Started",
	EventRestart:                     "Restart",
	EventStdErr:                      "StdErr",
	EventServerMessage:               "ServerMessage",
	EventVerboseMessage:              "VerboseMessage",
	EventPacketReceived:              "EventPacketReceived",
	EventUnresolvedDependencies:      "UnresolvedDependencies",
	EventPackageRestoreStarted:       "PackageRestoreStarted",
	EventPackageRestoreFinished:      "PackageRestoreFinished",
	EventProjectAdded:                "ProjectAdded",
	EventProjectChanged:              "ProjectChanged",
	EventProjectRemoved:              "ProjectRemoved",
	EventMsBuildProjectDiagnostics:   "MsBuildProjectDiagnostics",
	EventProjectConfiguration:        "ProjectConfiguration",
	EventMultipleLaunchTargets:       "MultipleLaunchTargets",
	EventWorkspaceInformationUpdated: "WorkspaceInformationUpdated",
	EventEnqueueRequest:              "EnqueueRequest",
	EventDequeueRequest:              "DequeueRequest",
	EventProcessRequestStart:         "ProcessRequestStart",
	EventProcessRequestComplete:      "ProcessRequestComplete",
	EventRestoreStart:                "RestoreStart",
	EventRestoreProgress:             "RestoreProgress",
	EventRestoreSucceeded:            "RestoreSucceeded",
	EventRestoreFailed:               "RestoreFailed",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// Event is implemented by every payload an EventStream carries.
type Event interface {
	Type() EventType
}

// Lifecycle events.
type (
	Initialisation struct {
		TimeStamp    time.Time
		SolutionPath string
	}
	Launch struct {
		Command  string
		MonoPath string
		PID      int
	}
	ServerStart       struct{ SolutionPath string }
	ServerStop        struct{}
	BeforeServerStart struct{ SolutionPath string }
	ServerError       struct{ Err error }
	StateChanged      struct{ State ServerState }
	Started           struct{}
	Restart           struct{}
)

// Process output events.
type (
	ProtocolError  struct{ Message ErrorMessage }
	StdErr         struct{ Message string }
	ServerMessage  struct{ Message string }
	VerboseMessage struct{ Message string }
	EventPacketLog struct{ LogLevel, Name, Message string }
)

// Project events pushed by the process.
type (
	UnresolvedDependencies      struct{ Message UnresolvedDependenciesMessage }
	PackageRestoreStarted       struct{ Message PackageRestoreMessage }
	PackageRestoreFinished      struct{ Message PackageRestoreMessage }
	ProjectAdded                struct{ Info ProjectInformationResponse }
	ProjectChanged              struct{ Info ProjectInformationResponse }
	ProjectRemoved              struct{ Info ProjectInformationResponse }
	MsBuildProjectDiagnostics   struct{ Diagnostics MSBuildProjectDiagnostics }
	ProjectConfiguration        struct{ Configuration ProjectConfigurationMessage }
	MultipleLaunchTargets       struct{ Targets []LaunchTarget }
	WorkspaceInformationUpdated struct{ Info *WorkspaceInformationResponse }
)

// Queue and restore events.
type (
	EnqueueRequest struct{ Queue, Command string }
	DequeueRequest struct {
		Queue, Command string
		ID             int64
	}
	ProcessRequestStart    struct{ Queue string }
	ProcessRequestComplete struct{}
	RestoreStart           struct{}
	RestoreProgress        struct{ Message string }
	RestoreSucceeded       struct{ Message string }
	RestoreFailed          struct{ Message string }
)

func (Initialisation) Type() EventType              { return EventInitialisation }
func (Launch) Type() EventType                      { return EventLaunch }
func (ServerStart) Type() EventType                 { return EventServerStart }
func (ServerStop) Type() EventType                  { return EventServerStop }
func (BeforeServerStart) Type() EventType           { return EventBeforeServerStart }
func (ServerError) Type() EventType                 { return EventServerError }
func (ProtocolError) Type() EventType               { return EventProtocolError }
func (StateChanged) Type() EventType                { return EventStateChanged }
func (Started) Type() EventType                     { return EventStarted }
func (Restart) Type() EventType                     { return EventRestart }
func (StdErr) Type() EventType                      { return EventStdErr }
func (ServerMessage) Type() EventType               { return EventServerMessage }
func (VerboseMessage) Type() EventType              { return EventVerboseMessage }
func (EventPacketLog) Type() EventType              { return EventPacketReceived }
func (UnresolvedDependencies) Type() EventType      { return EventUnresolvedDependencies }
func (PackageRestoreStarted) Type() EventType       { return EventPackageRestoreStarted }
func (PackageRestoreFinished) Type() EventType      { return EventPackageRestoreFinished }
func (ProjectAdded) Type() EventType                { return EventProjectAdded }
func (ProjectChanged) Type() EventType              { return EventProjectChanged }
func (ProjectRemoved) Type() EventType              { return EventProjectRemoved }
func (MsBuildProjectDiagnostics) Type() EventType   { return EventMsBuildProjectDiagnostics }
func (ProjectConfiguration) Type() EventType        { return EventProjectConfiguration }
func (MultipleLaunchTargets) Type() EventType       { return EventMultipleLaunchTargets }
func (WorkspaceInformationUpdated) Type() EventType { return EventWorkspaceInformationUpdated }
func (EnqueueRequest) Type() EventType              { return EventEnqueueRequest }
func (DequeueRequest) Type() EventType              { return EventDequeueRequest }
func (ProcessRequestStart) Type() EventType         { return EventProcessRequestStart }
func (ProcessRequestComplete) Type() EventType      { return EventProcessRequestComplete }
func (RestoreStart) Type() EventType                { return EventRestoreStart }
func (RestoreProgress) Type() EventType             { return EventRestoreProgress }
func (RestoreSucceeded) Type() EventType            { return EventRestoreSucceeded }
func (RestoreFailed) Type() EventType               { return EventRestoreFailed }

// EventStream fans events out to every subscriber, synchronously and in the
// posting goroutine. Handlers must not block.
type EventStream struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func(Event)
}

// NewEventStream returns an empty stream.
func NewEventStream() *EventStream {
	return &EventStream{subs: make(map[uint64]func(Event))}
}

// Post delivers ev to the current subscribers.
func (s *EventStream) Post(ev Event) {
	if s == nil || ev == nil {
		return
	}
	s.mu.RLock()
	handlers := make([]subscriber, 0, len(s.subs))
	for id, fn := range s.subs {
		handlers = append(handlers, subscriber{id: id, fn: fn})
	}
	s.mu.RUnlock()

	sort.Slice(handlers, func(i, j int) bool { return handlers[i].id < handlers[j].id })
	for _, h := range handlers {
		h.fn(ev)
	}
}

// Subscribe registers fn for every event. Dispose the result to unsubscribe.
func (s *EventStream) Subscribe(fn func(Event)) Disposable {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	s.mu.Unlock()

	return NewDisposable(func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	})
}

// On subscribes fn to events of the concrete type T only.
func On[T Event](s *EventStream, fn func(T)) Disposable {
	return s.Subscribe(func(ev Event) {
		if typed, ok := ev.(T); ok {
			fn(typed)
		}
	})
}

type subscriber struct {
	id uint64
	fn func(Event)
}
