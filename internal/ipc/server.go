package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/lydakis/omnibridge/internal/paths"
)

// Handler processes an IPC request and returns a response.
type Handler func(ctx context.Context, req *Request) *Response

var peerUIDMatchesCurrentUserFn = peerUIDMatchesCurrentUser

// Server listens for IPC connections on a Unix socket.
type Server struct {
	socketPath string
	nonce      string
	handler    Handler
	log        *slog.Logger
	listener   net.Listener
	base       context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets where rejected connections and handler panics are logged.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// NewServer creates a new IPC server.
func NewServer(socketPath, nonce string, handler Handler, opts ...ServerOption) *Server {
	s := &Server{
		socketPath: socketPath,
		nonce:      nonce,
		handler:    handler,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) logger() *slog.Logger {
	if s.log == nil {
		return slog.Default()
	}
	return s.log
}

// Start begins listening for connections. It removes any stale socket file
// first. Handler contexts derive from ctx and are cancelled by Stop.
func (s *Server) Start(ctx context.Context) error {
	if err := paths.EnsureDir(filepath.Dir(s.socketPath)); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		os.Remove(s.socketPath)
		return fmt.Errorf("setting socket permissions: %w", err)
	}
	s.listener = ln
	s.base, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// Stop closes the listener, cancels in-flight handlers and waits for them.
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	os.Remove(s.socketPath)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // listener closed
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	ok, err := peerUIDMatchesCurrentUserFn(conn)
	if err != nil {
		s.logger().Warn("rejected connection", "reason", "peer uid check failed", "err", err)
		writeResponse(conn, Err(ExitInternal, "peer uid check failed"))
		return
	}
	if !ok {
		s.logger().Warn("rejected connection", "reason", "peer uid mismatch")
		writeResponse(conn, Err(ExitInternal, "peer uid mismatch"))
		return
	}

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		writeResponse(conn, Err(ExitInternal, "invalid request"))
		return
	}
	if req.Nonce != s.nonce {
		s.logger().Warn("rejected connection", "reason", "nonce mismatch")
		writeResponse(conn, Err(ExitInternal, "nonce mismatch"))
		return
	}
	if req.Type == "" {
		writeResponse(conn, Err(ExitUsageErr, "missing request type"))
		return
	}

	base := s.base
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	defer cancel()

	// The client sends nothing after its request; a read returning means
	// it hung up.
	done := make(chan struct{})
	go func() {
		defer close(done)
		var buf [1]byte
		_, _ = conn.Read(buf[:])
		cancel()
	}()

	resp := s.serve(ctx, &req)
	_ = conn.SetReadDeadline(time.Now())
	<-done
	_ = conn.SetReadDeadline(time.Time{})
	writeResponse(conn, resp)
}

// serve runs the handler. A panic becomes an internal error response.
func (s *Server) serve(ctx context.Context, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger().Error("handler panic",
				"type", req.Type, "workspace", req.Workspace, "panic", r, "stack", string(debug.Stack()))
			resp = Err(ExitInternal, fmt.Sprintf("internal error handling %s request", req.Type))
		}
	}()
	if resp = s.handler(ctx, req); resp == nil {
		resp = &Response{}
	}
	return resp
}

func writeResponse(conn net.Conn, resp *Response) {
	_ = json.NewEncoder(conn).Encode(resp)
}
