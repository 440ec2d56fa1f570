// Package bootstrap checks that the programs a workspace server needs are
// installed.
package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/lydakis/omnibridge/internal/omnisharp"
)

type lookupPathFunc func(file string) (string, error)

// Check is the result of locating one prerequisite.
type Check struct {
	Name string
	Path string
	Err  error
}

// OK reports whether the prerequisite was found.
func (c Check) OK() bool { return c.Err == nil }

// CheckPrerequisites locates the server executable, the mono runtime when
// one is configured, and the dotnet CLI used by restore.
func CheckPrerequisites(opts omnisharp.Options) []Check {
	return checkPrerequisitesWithLookup(opts, exec.LookPath)
}

func checkPrerequisitesWithLookup(opts omnisharp.Options, lookup lookupPathFunc) []Check {
	if lookup == nil {
		lookup = exec.LookPath
	}

	info, err := omnisharp.ResolveLaunchInfo(opts.LaunchPath, opts.MonoPath, opts.InstallDir)
	checks := []Check{{Name: "omnisharp", Path: info.LaunchPath, Err: err}}

	if mono := strings.TrimSpace(opts.MonoPath); mono != "" {
		checks = append(checks, checkRuntime("mono", mono, lookup))
	}
	checks = append(checks, checkRuntime("dotnet", "dotnet", lookup))
	return checks
}

// checkRuntime resolves command on PATH, or stats it when it names a file.
func checkRuntime(name, command string, lookup lookupPathFunc) Check {
	if strings.ContainsRune(command, os.PathSeparator) {
		st, err := os.Stat(command)
		switch {
		case err != nil:
			return Check{Name: name, Path: command, Err: fmt.Errorf("required runtime %q not found", command)}
		case st.IsDir():
			return Check{Name: name, Path: command, Err: fmt.Errorf("required runtime %q is a directory", command)}
		}
		return Check{Name: name, Path: command}
	}

	path, err := lookup(command)
	if err != nil {
		return Check{Name: name, Err: fmt.Errorf("required runtime %q not found in PATH", command)}
	}
	return Check{Name: name, Path: path}
}

// Failed joins the errors of the checks that did not pass.
func Failed(checks []Check) error {
	var errs []error
	for _, c := range checks {
		if c.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, c.Err))
		}
	}
	return errors.Join(errs...)
}
