package omnisharp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"
)

// SessionEventKind classifies what a LineSession read.
type SessionEventKind int

const (
	// SessionMessage is a stdout line that is not protocol framing.
	SessionMessage SessionEventKind = iota
	// SessionStdErr is a chunk of the error stream.
	SessionStdErr
	// SessionResponse carries a decoded response packet.
	SessionResponse
	// SessionEvent carries a decoded event packet.
	SessionEvent
	// SessionUnknownPacket is a JSON packet with an unrecognized Type.
	SessionUnknownPacket
)

// SessionMessageEvent is one item on a LineSession's event channel.
type SessionMessageEvent struct {
	Kind     SessionEventKind
	Text     string
	Response *ResponsePacket
	Event    *EventPacket
}

const sessionEventBuffer = 64

var utf8BOM = []byte("\xef\xbb\xbf")

// LineSession owns a process's standard streams and speaks the line
// protocol over them. It has a single producer of events (Run) and is meant
// to have a single consumer of Events.
type LineSession struct {
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	events chan SessionMessageEvent
	wake   chan struct{}

	mu     sync.Mutex
	outbox [][]byte
	closed bool
}

// NewLineSession wraps the given streams. stderr may be nil.
func NewLineSession(stdin io.WriteCloser, stdout, stderr io.Reader) *LineSession {
	return &LineSession{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		events: make(chan SessionMessageEvent, sessionEventBuffer),
		wake:   make(chan struct{}, 1),
	}
}

// Events returns the channel Run publishes to. It is closed when Run returns.
func (s *LineSession) Events() <-chan SessionMessageEvent {
	return s.events
}

// Run reads both output streams and flushes queued writes until stdout
// reaches EOF or ctx is done.
func (s *LineSession) Run(ctx context.Context) error {
	defer close(s.events)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.readLines(gctx)
	})
	if s.stderr != nil {
		g.Go(func() error {
			return s.readErrors(gctx)
		})
	}
	g.Go(func() error {
		return s.writeLoop(gctx)
	})
	return g.Wait()
}

// Send queues p for writing. It never blocks on the process.
func (s *LineSession) Send(p *RequestPacket) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode request %s: %w", p.Command, err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.outbox = append(s.outbox, data)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close stops accepting writes and closes the process's stdin.
func (s *LineSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.outbox = nil
	s.mu.Unlock()
	return s.stdin.Close()
}

func (s *LineSession) readLines(ctx context.Context) error {
	r := bufio.NewReader(s.stdout)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			if ev, ok := parseLine(line); ok {
				if !s.publish(ctx, ev) {
					return nil
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read stdout: %w", err)
		}
	}
}

func (s *LineSession) readErrors(ctx context.Context) error {
	buf := make([]byte, 4096)
	for {
		n, err := s.stderr.Read(buf)
		if n > 0 {
			chunk := bytes.TrimPrefix(buf[:n], utf8BOM)
			if len(chunk) > 0 {
				if !s.publish(ctx, SessionMessageEvent{Kind: SessionStdErr, Text: string(chunk)}) {
					return nil
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read stderr: %w", err)
		}
	}
}

func (s *LineSession) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		}

		s.mu.Lock()
		batch := s.outbox
		s.outbox = nil
		s.mu.Unlock()

		for _, line := range batch {
			if _, err := s.stdin.Write(line); err != nil {
				s.mu.Lock()
				closed := s.closed
				s.mu.Unlock()
				if closed {
					return nil
				}
				return fmt.Errorf("write request: %w", err)
			}
		}
	}
}

func (s *LineSession) publish(ctx context.Context, ev SessionMessageEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// parseLine classifies one stdout line. Blank lines, malformed JSON and
// packets without a Type yield false.
func parseLine(raw []byte) (SessionMessageEvent, bool) {
	line := bytes.TrimSpace(raw)
	line = bytes.TrimPrefix(line, utf8BOM)
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return SessionMessageEvent{}, false
	}
	if line[0] != '{' {
		return SessionMessageEvent{Kind: SessionMessage, Text: string(line)}, true
	}

	p, err := decodePacket(line)
	if err != nil {
		return SessionMessageEvent{}, false
	}
	switch p.Type {
	case PacketResponse:
		return SessionMessageEvent{Kind: SessionResponse, Response: p.Response}, true
	case PacketEvent:
		return SessionMessageEvent{Kind: SessionEvent, Event: p.Event}, true
	default:
		return SessionMessageEvent{
			Kind: SessionUnknownPacket,
			Text: fmt.Sprintf("Unknown packet type: %s", p.Type),
		}, true
	}
}
