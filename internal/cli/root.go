// Package cli implements the omnibridge command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/lydakis/omnibridge/internal/bootstrap"
	"github.com/lydakis/omnibridge/internal/config"
	"github.com/lydakis/omnibridge/internal/daemon"
	"github.com/lydakis/omnibridge/internal/ipc"
	"github.com/lydakis/omnibridge/internal/omnisharp"
	"github.com/spf13/cobra"
)

var buildVersion = "dev"

func init() {
	buildVersion = resolveBuildVersion(buildVersion)
}

// Sender delivers a request to the daemon.
type Sender interface {
	Send(ctx context.Context, req *ipc.Request) (*ipc.Response, error)
}

type app struct {
	stdin  *os.File
	stdout io.Writer
	stderr io.Writer

	// connect spawns the daemon if needed; existing never does.
	connect  func(ctx context.Context) (Sender, error)
	existing func(ctx context.Context) (Sender, bool)
	loadCfg  func() (*config.Config, error)

	checkPrereqs func(omnisharp.Options) []bootstrap.Check

	workspace string
	verbose   bool
	exitCode  int
}

// exitError carries a process exit code with its message.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageErr(format string, args ...any) error {
	return &exitError{code: ipc.ExitUsageErr, err: fmt.Errorf(format, args...)}
}

func newApp() *app {
	return &app{
		stdin:    os.Stdin,
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		connect:  connectDaemon,
		existing: existingDaemon,
		loadCfg:  config.Load,

		checkPrereqs: bootstrap.CheckPrerequisites,
	}
}

func connectDaemon(ctx context.Context) (Sender, error) {
	nonce, err := daemon.SpawnOrConnect(ctx)
	if err != nil {
		return nil, err
	}
	return ipc.NewClient(ipc.SocketPath(), nonce), nil
}

func existingDaemon(ctx context.Context) (Sender, bool) {
	nonce, ok := daemon.Connect(ctx)
	if !ok {
		return nil, false
	}
	return ipc.NewClient(ipc.SocketPath(), nonce), true
}

// Run is the main CLI entry point. Returns an exit code.
func Run(args []string) int {
	return newApp().run(args)
}

func (a *app) run(args []string) int {
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(a.stderr, "omnibridge: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		if errors.Is(err, context.Canceled) {
			return ipc.ExitInternal
		}
		return ipc.ExitUsageErr
	}
	return a.exitCode
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "omnibridge",
		Short: "Talk to OmniSharp language servers from the command line",
		Long: `omnibridge keeps one OmniSharp server per workspace alive in a background
daemon and forwards requests to it. Commands act on the current directory
unless --workspace is given.`,
		Version:       buildVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&a.workspace, "workspace", "w", "", "workspace folder (default: current directory)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "print timing and cache details on stderr")
	root.SetVersionTemplate("omnibridge {{.Version}}\n")

	root.AddCommand(
		a.simpleCmd("status", "Show the workspace server state", ipc.TypeStatus),
		a.requestCmd(),
		a.restartCmd(),
		a.simpleCmd("stop", "Stop the workspace server", ipc.TypeStop),
		a.simpleCmd("targets", "List launch targets; the running one is marked with ✓", ipc.TypeTargets),
		a.simpleCmd("projects", "Show the projects loaded by the workspace server", ipc.TypeProjects),
		a.simpleCmd("delays", "Show per-command response latency buckets", ipc.TypeDelays),
		a.simpleCmd("restore", `Run "dotnet restore" for every .NET Core project in the workspace`, ipc.TypeRestore),
		a.initCmd(),
		a.doctorCmd(),
		a.skillCmd(),
		a.mcpCmd(),
		a.daemonCmd(),
	)
	return root
}

func (a *app) resolveWorkspace() (string, error) {
	ws := a.workspace
	if ws == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolving working directory: %w", err)
		}
		ws = cwd
	}
	abs, err := filepath.Abs(ws)
	if err != nil {
		return "", usageErr("invalid workspace %q: %v", ws, err)
	}
	return abs, nil
}

func (a *app) checkConfig() error {
	cfg, err := a.loadCfg()
	if err != nil {
		return &exitError{code: ipc.ExitInternal, err: err}
	}
	if err := config.ValidateForCurrentEnv(cfg); err != nil {
		return usageErr("invalid config: %v", err)
	}
	return nil
}

// send forwards req to the daemon, spawning it when needed, and writes the
// response the way every command reports results.
func (a *app) send(ctx context.Context, req *ipc.Request) error {
	if err := a.checkConfig(); err != nil {
		return err
	}
	ws, err := a.resolveWorkspace()
	if err != nil {
		return err
	}
	req.Workspace = ws
	req.Verbose = req.Verbose || a.verbose

	client, err := a.connect(ctx)
	if err != nil {
		return &exitError{code: ipc.ExitInternal, err: err}
	}
	resp, err := client.Send(ctx, req)
	if err != nil {
		return &exitError{code: ipc.ExitInternal, err: err}
	}
	a.writeResponse(resp)
	return nil
}

func (a *app) writeResponse(resp *ipc.Response) {
	if resp.Stderr != "" {
		if resp.ExitCode != ipc.ExitOK {
			fmt.Fprintf(a.stderr, "omnibridge: %s\n", resp.Stderr)
		} else {
			fmt.Fprintln(a.stderr, resp.Stderr)
		}
	}
	if resp.ExitCode == ipc.ExitOK {
		a.stdout.Write(resp.Content) //nolint:errcheck
	} else if len(resp.Content) > 0 {
		a.stderr.Write(resp.Content) //nolint:errcheck
	}
	a.exitCode = resp.ExitCode
}

func resolveBuildVersion(defaultVersion string) string {
	if defaultVersion != "" && defaultVersion != "dev" {
		return defaultVersion
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return defaultVersion
	}
	if info.Main.Version == "" || info.Main.Version == "(devel)" {
		return defaultVersion
	}
	return info.Main.Version
}
