package omnisharp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

var (
	childProcessIDsFn = childProcessIDs
	killProcessFn     = killProcess
)

// childProcessIDs lists the direct children of pid using ps.
func childProcessIDs(ctx context.Context, pid int) ([]int, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "ps", "-A", "-o", "ppid,pid")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		return nil, fmt.Errorf("listing processes: %s", msg)
	}
	return parseChildProcessIDs(stdout.Bytes(), pid), nil
}

// parseChildProcessIDs reads "ppid pid" rows and returns the pids whose parent
// is pid. The header and unparsable rows are skipped.
func parseChildProcessIDs(out []byte, pid int) []int {
	var children []int
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		ppid, err := strconv.Atoi(fields[0])
		if err != nil || ppid != pid {
			continue
		}
		child, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		children = append(children, child)
	}
	return children
}

func killProcess(pid int, sig syscall.Signal) error {
	if err := unix.Kill(pid, sig); err != nil && err != unix.ESRCH {
		return fmt.Errorf("signal %d to %d: %w", sig, pid, err)
	}
	return nil
}
