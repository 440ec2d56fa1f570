package ipc

import (
	"encoding/json"
	"time"
)

// Request types understood by the daemon.
const (
	TypePing     = "ping"
	TypeStatus   = "status"
	TypeRequest  = "request"
	TypeRestart  = "restart"
	TypeStop     = "stop"
	TypeTargets  = "targets"
	TypeProjects = "projects"
	TypeDelays   = "delays"
	TypeRestore  = "restore"
	TypeShutdown = "shutdown"
)

// Request is sent from the CLI to the daemon over the Unix socket.
type Request struct {
	Nonce     string          `json:"nonce"`               // daemon nonce for auth
	Type      string          `json:"type"`                // one of the Type* constants
	Workspace string          `json:"workspace,omitempty"` // absolute workspace path
	Command   string          `json:"command,omitempty"`   // server command, e.g. "/findsymbols"
	Args      json.RawMessage `json:"args,omitempty"`      // request arguments
	Target    string          `json:"target,omitempty"`    // launch target path for restart
	Timeout   *time.Duration  `json:"timeout,omitempty"`   // per-request timeout override
	Verbose   bool            `json:"verbose,omitempty"`
}

// Response is sent from the daemon back to the CLI.
type Response struct {
	Content  []byte `json:"content"`          // raw output for stdout
	ExitCode int    `json:"exit_code"`        // 0=ok, 1=request error, 2=usage error, 3=internal error
	Stderr   string `json:"stderr,omitempty"` // error message for stderr
}

// Exit codes.
const (
	ExitOK         = 0
	ExitRequestErr = 1
	ExitUsageErr   = 2
	ExitInternal   = 3
)

// Err builds a failed response.
func Err(code int, msg string) *Response {
	return &Response{ExitCode: code, Stderr: msg}
}
