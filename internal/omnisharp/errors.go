package omnisharp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotRunning is returned by MakeRequest when the server is not in the Started state.
	ErrNotRunning = errors.New("server is not running")

	// ErrServerStopped is delivered to requests still pending when the session stops.
	ErrServerStopped = errors.New("server stopped")

	// ErrRequestCancelled is delivered to a request removed by CancelRequest.
	ErrRequestCancelled = errors.New("request cancelled")

	// ErrLaunchExecutableNotFound means the configured launch path does not exist.
	ErrLaunchExecutableNotFound = errors.New("launch executable not found")

	// ErrNoLaunchTarget means restart was asked for without a known target.
	ErrNoLaunchTarget = errors.New("no launch target")

	// ErrHandshakeTimeout means the process did not report "started" within the startup timeout.
	ErrHandshakeTimeout = errors.New("timed out waiting for server to start")

	// ErrAlreadyStarted is returned by Start while a process is owned.
	ErrAlreadyStarted = errors.New("server already started")

	// ErrSessionClosed is returned by LineSession.Send after Close.
	ErrSessionClosed = errors.New("session closed")
)

// RequestError is the error form of a response packet with Success=false.
type RequestError struct {
	Command string
	Message string
	Body    json.RawMessage
}

func (e *RequestError) Error() string {
	detail := e.Message
	if detail == "" {
		detail = strings.TrimSpace(string(e.Body))
	}
	if detail == "" || detail == "null" {
		return fmt.Sprintf("%s failed", e.Command)
	}
	return fmt.Sprintf("%s failed: %s", e.Command, detail)
}
