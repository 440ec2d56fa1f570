// Package restore runs "dotnet restore" for the projects of a workspace and
// reports its output on an event stream.
package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/lydakis/omnibridge/internal/omnisharp"
	"golang.org/x/sync/errgroup"
)

// ErrNoProjects is returned by All when the workspace has no .NET Core projects.
var ErrNoProjects = errors.New("no .NET Core projects found")

var execCommandFn = exec.CommandContext

const dotnet = "dotnet"

// All restores every .NET Core project in info, one directory at a time.
// A project whose restore process cannot be spawned stops the run.
func All(ctx context.Context, events *omnisharp.EventStream, info *omnisharp.WorkspaceInformationResponse) error {
	descriptors := omnisharp.DotNetCoreProjectDescriptors(info)
	if len(descriptors) == 0 {
		return ErrNoProjects
	}

	events.Post(omnisharp.RestoreStart{})
	for _, d := range descriptors {
		if err := Project(ctx, events, d.Directory, ""); err != nil {
			return err
		}
	}
	return nil
}

// Project runs "dotnet restore [filePath]" in dir. Output chunks are posted
// as RestoreProgress. Completion is posted as RestoreSucceeded whatever the
// exit code; only a failure to run the process is an error.
func Project(ctx context.Context, events *omnisharp.EventStream, dir, filePath string) error {
	args := []string{"restore"}
	if filePath != "" {
		args = append(args, filePath)
	}

	cmd := execCommandFn(ctx, dotnet, args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return failed(events, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return failed(events, err)
	}
	if err := cmd.Start(); err != nil {
		return failed(events, err)
	}

	var g errgroup.Group
	g.Go(func() error { return forward(events, stdout) })
	g.Go(func() error { return forward(events, stderr) })
	if err := g.Wait(); err != nil {
		events.Post(omnisharp.RestoreProgress{Message: fmt.Sprintf("ERROR: %v", err)})
	}

	code := 0
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return failed(events, err)
		}
		code = exitErr.ExitCode()
	}
	events.Post(omnisharp.RestoreSucceeded{Message: fmt.Sprintf("Done: %d.", code)})
	return nil
}

func forward(events *omnisharp.EventStream, r io.Reader) error {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			events.Post(omnisharp.RestoreProgress{Message: string(buf[:n])})
		}
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func failed(events *omnisharp.EventStream, err error) error {
	events.Post(omnisharp.RestoreFailed{Message: fmt.Sprintf("ERROR: %v", err)})
	return fmt.Errorf("dotnet restore: %w", err)
}
