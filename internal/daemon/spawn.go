package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/lydakis/omnibridge/internal/ipc"
	"github.com/lydakis/omnibridge/internal/paths"
	"golang.org/x/sys/unix"
)

// ArgDaemon is the hidden argv[1] that makes the binary run as the daemon.
const ArgDaemon = "__daemon"

const (
	readyTimeout = 5 * time.Second
	readyPoll    = 50 * time.Millisecond
	dialTimeout  = 500 * time.Millisecond
)

// Seams replaced in tests.
var (
	lockFn    = flockFile
	nonceFn   = readNonce
	dialFn    = socketAccepts
	verifyFn  = pingWithNonce
	launchFn  = launchDaemon
	awaitFn   = awaitReady
	commandFn = exec.Command
)

// liveness is what the runtime directory says about the daemon.
type liveness int

const (
	daemonAbsent liveness = iota // no nonce or nothing accepting on the socket
	daemonLive                   // a listener accepted the returned nonce
	daemonStale                  // a listener rejected every nonce on disk
)

// SpawnOrConnect returns the nonce of the running daemon, starting one first
// when none answers. Concurrent callers share a single spawn.
func SpawnOrConnect(ctx context.Context) (string, error) {
	if err := paths.EnsureDir(paths.RuntimeDir()); err != nil {
		return "", fmt.Errorf("creating runtime dir: %w", err)
	}

	unlock, err := lockFn(paths.LockPath())
	if err != nil {
		return "", fmt.Errorf("acquiring daemon lock: %w", err)
	}
	defer unlock() //nolint:errcheck

	nonce, state := checkDaemon(ctx)
	switch state {
	case daemonLive:
		return nonce, nil
	case daemonStale:
		os.Remove(paths.SocketPath()) //nolint:errcheck
		os.Remove(paths.StatePath())  //nolint:errcheck
	}

	if err := launchFn(); err != nil {
		return "", err
	}
	return awaitFn(ctx)
}

// Connect returns the nonce of a running daemon without spawning one. ok is
// false when no daemon answers.
func Connect(ctx context.Context) (nonce string, ok bool) {
	nonce, state := checkDaemon(ctx)
	return nonce, state == daemonLive
}

// checkDaemon checks the nonce on disk against the listener. The nonce is read
// a second time when the first is rejected, since a daemon restarting in
// between rewrites it.
func checkDaemon(ctx context.Context) (string, liveness) {
	nonce, err := nonceFn()
	if err != nil || !dialFn() {
		return "", daemonAbsent
	}
	if ok, err := verifyFn(ctx, nonce); err == nil && ok {
		return nonce, daemonLive
	}
	if again, err := nonceFn(); err == nil && again != nonce {
		if ok, err := verifyFn(ctx, again); err == nil && ok {
			return again, daemonLive
		}
	}
	return "", daemonStale
}

func pingWithNonce(ctx context.Context, nonce string) (bool, error) {
	resp, err := ipc.NewClient(paths.SocketPath(), nonce).Send(ctx, &ipc.Request{Type: ipc.TypePing})
	if err != nil {
		return false, err
	}
	return !strings.Contains(strings.ToLower(resp.Stderr), "nonce mismatch"), nil
}

// flockFile takes an exclusive flock on path and returns its release.
func flockFile(path string) (func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return func() error {
		if err := unix.Flock(fd, unix.LOCK_UN); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}, nil
}

func launchDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding executable: %w", err)
	}
	cmd, devNull, err := daemonCommand(exe)
	if err != nil {
		return err
	}
	defer devNull.Close()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning daemon: %w", err)
	}
	go cmd.Wait() //nolint:errcheck
	return nil
}

// daemonCommand builds the detached daemon invocation of exe. Its standard
// streams are the returned null device, which the caller closes after Start.
func daemonCommand(exe string) (*exec.Cmd, *os.File, error) {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	cmd := commandFn(exe, ArgDaemon)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = devNull, devNull, devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd, devNull, nil
}

func awaitReady(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	tick := time.NewTicker(readyPoll)
	defer tick.Stop()
	for {
		if nonce, err := readNonce(); err == nil && socketAccepts() {
			return nonce, nil
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			return "", fmt.Errorf("daemon not ready after %s: %w", readyTimeout, ctx.Err())
		}
	}
}

func socketAccepts() bool {
	conn, err := net.DialTimeout("unix", paths.SocketPath(), dialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func readNonce() (string, error) {
	data, err := os.ReadFile(paths.StatePath())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// writeNonce stores a fresh random nonce in the state file and returns it.
func writeNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	nonce := hex.EncodeToString(b)
	if err := os.WriteFile(paths.StatePath(), []byte(nonce+"\n"), 0600); err != nil {
		return "", fmt.Errorf("writing nonce: %w", err)
	}
	return nonce, nil
}
