package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func allowAnyPeer(t *testing.T, ok bool) {
	t.Helper()
	restore := peerUIDMatchesCurrentUserFn
	peerUIDMatchesCurrentUserFn = func(net.Conn) (bool, error) { return ok, nil }
	t.Cleanup(func() { peerUIDMatchesCurrentUserFn = restore })
}

func shortSocketPath(t *testing.T) string {
	t.Helper()
	// Unix socket paths are length limited; t.TempDir can exceed it on darwin.
	dir, err := os.MkdirTemp("/tmp", "ob-ipc-")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}

func TestHandleConnCancelsContextWhenClientDisconnects(t *testing.T) {
	allowAnyPeer(t, true)

	started := make(chan struct{})
	canceled := make(chan struct{})

	s := &Server{
		nonce: "secret",
		handler: func(ctx context.Context, req *Request) *Response {
			close(started)
			<-ctx.Done()
			close(canceled)
			return &Response{ExitCode: ExitOK}
		},
	}

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()

	go s.handleConn(serverConn)

	if err := json.NewEncoder(clientConn).Encode(&Request{
		Nonce:   "secret",
		Type:    TypeRequest,
		Command: "/findsymbols",
	}); err != nil {
		t.Fatalf("encoding request: %v", err)
	}

	select {
	case <-started:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("handler did not start")
	}

	if err := clientConn.Close(); err != nil {
		t.Fatalf("closing client conn: %v", err)
	}

	select {
	case <-canceled:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("handler context was not canceled after client disconnect")
	}
}

func TestHandleConnRejectsPeerUIDMismatch(t *testing.T) {
	allowAnyPeer(t, false)

	s := &Server{
		nonce: "secret",
		handler: func(ctx context.Context, req *Request) *Response {
			t.Error("handler should not be called on peer uid mismatch")
			return &Response{ExitCode: ExitOK}
		},
	}

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.handleConn(serverConn)
	}()

	var resp Response
	if err := json.NewDecoder(clientConn).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.ExitCode != ExitInternal {
		t.Fatalf("exit code = %d, want %d", resp.ExitCode, ExitInternal)
	}
	if resp.Stderr != "peer uid mismatch" {
		t.Fatalf("stderr = %q, want %q", resp.Stderr, "peer uid mismatch")
	}

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("handleConn did not return")
	}
}

func TestClientServerRoundTrip(t *testing.T) {
	allowAnyPeer(t, true)
	socketPath := shortSocketPath(t)

	var got Request
	s := NewServer(socketPath, "secret", func(ctx context.Context, req *Request) *Response {
		got = *req
		return &Response{ExitCode: ExitOK, Content: []byte("pong")}
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("socket mode = %o, want %o", perm, 0o600)
	}

	resp, err := NewClient(socketPath, "secret").Send(context.Background(), &Request{
		Type:      TypePing,
		Workspace: "/src/app",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp.ExitCode != ExitOK || string(resp.Content) != "pong" {
		t.Fatalf("Send() = %+v, want ok pong", resp)
	}
	if got.Nonce != "secret" || got.Workspace != "/src/app" {
		t.Fatalf("handler saw %+v, want nonce and workspace forwarded", got)
	}
}

func TestClientRejectedOnNonceMismatch(t *testing.T) {
	allowAnyPeer(t, true)
	socketPath := shortSocketPath(t)

	s := NewServer(socketPath, "secret", func(ctx context.Context, req *Request) *Response {
		t.Error("handler called with wrong nonce")
		return &Response{}
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	resp, err := NewClient(socketPath, "wrong").Send(context.Background(), &Request{Type: TypePing})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp.ExitCode != ExitInternal || resp.Stderr != "nonce mismatch" {
		t.Fatalf("Send() = %+v, want nonce mismatch", resp)
	}
}

func TestClientRequiresType(t *testing.T) {
	allowAnyPeer(t, true)
	socketPath := shortSocketPath(t)

	s := NewServer(socketPath, "secret", func(ctx context.Context, req *Request) *Response {
		return &Response{}
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	resp, err := NewClient(socketPath, "secret").Send(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp.ExitCode != ExitUsageErr {
		t.Fatalf("exit code = %d, want %d", resp.ExitCode, ExitUsageErr)
	}
}

func TestStopCancelsInFlightHandlers(t *testing.T) {
	allowAnyPeer(t, true)
	socketPath := shortSocketPath(t)

	started := make(chan struct{})
	s := NewServer(socketPath, "secret", func(ctx context.Context, req *Request) *Response {
		close(started)
		<-ctx.Done()
		return Err(ExitInternal, ctx.Err().Error())
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := NewClient(socketPath, "secret").Send(context.Background(), &Request{Type: TypeRestart})
		errc <- err
	}()

	<-started
	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return with a handler in flight")
	}
	<-errc
}

func TestSendHonorsContext(t *testing.T) {
	allowAnyPeer(t, true)
	socketPath := shortSocketPath(t)

	release := make(chan struct{})
	s := NewServer(socketPath, "secret", func(ctx context.Context, req *Request) *Response {
		select {
		case <-ctx.Done():
		case <-release:
		}
		return &Response{}
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewClient(socketPath, "secret").Send(ctx, &Request{Type: TypeStatus})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send() error = %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	allowAnyPeer(t, true)
	socketPath := shortSocketPath(t)

	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, nil))
	s := NewServer(socketPath, "secret", func(ctx context.Context, req *Request) *Response {
		if req.Type == TypeTargets {
			panic("boom")
		}
		return &Response{Content: []byte("ok")}
	}, WithLogger(log))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	c := NewClient(socketPath, "secret")
	resp, err := c.Send(context.Background(), &Request{Type: TypeTargets, Workspace: "/src/app"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp.ExitCode != ExitInternal || resp.Stderr != "internal error handling targets request" {
		t.Fatalf("Send() = %+v, want internal error", resp)
	}
	if !strings.Contains(logs.String(), "handler panic") || !strings.Contains(logs.String(), "workspace=/src/app") {
		t.Fatalf("log = %q, want handler panic record", logs.String())
	}

	// The server keeps serving after a panic.
	resp, err = c.Send(context.Background(), &Request{Type: TypePing})
	if err != nil || string(resp.Content) != "ok" {
		t.Fatalf("Send() after panic = %+v, %v", resp, err)
	}
}
