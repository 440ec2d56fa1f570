package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lydakis/omnibridge/internal/bootstrap"
	"github.com/lydakis/omnibridge/internal/config"
	"github.com/lydakis/omnibridge/internal/ipc"
	"github.com/lydakis/omnibridge/internal/mcpserve"
	"github.com/lydakis/omnibridge/internal/paths"
	"github.com/lydakis/omnibridge/internal/skill"
	"github.com/spf13/cobra"
)

func (a *app) simpleCmd(use, short, typ string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.send(cmd.Context(), &ipc.Request{Type: typ})
		},
	}
}

func (a *app) requestCmd() *cobra.Command {
	var (
		pairs   []string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "request <command> [json]",
		Short: "Send a request to the workspace server",
		Long: `Send a request to the workspace server and print the response body.

The body is a JSON object given as the second argument, built from --arg
key=value pairs, or piped on stdin.`,
		Example: `  omnibridge request /findsymbols '{"Filter":"Main"}'
  omnibridge request /v2/codestructure --arg FileName=$PWD/Program.cs`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var positional string
			if len(args) == 2 {
				positional = args[1]
			}
			body, err := parseRequestArgs(positional, pairs, a.stdin, stdinIsTTY(a.stdin))
			if err != nil {
				return usageErr("%v", err)
			}
			req := &ipc.Request{Type: ipc.TypeRequest, Command: args[0], Args: body}
			if timeout > 0 {
				req.Timeout = &timeout
			}
			return a.send(cmd.Context(), req)
		},
	}
	cmd.Flags().StringArrayVar(&pairs, "arg", nil, "request field as key=value (repeatable; values are parsed as JSON when possible)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up on the request after this long")
	return cmd
}

func (a *app) restartCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the workspace server, or start it if stopped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.send(cmd.Context(), &ipc.Request{Type: ipc.TypeRestart, Target: target})
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "", "launch target path or label (see 'omnibridge targets')")
	return cmd
}

func (a *app) initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an example config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := paths.ConfigFile()
			if err := config.InitAt(path, force); err != nil {
				if errors.Is(err, config.ErrConfigExists) {
					return usageErr("%v (use --force to overwrite)", err)
				}
				return &exitError{code: ipc.ExitInternal, err: err}
			}
			fmt.Fprintf(a.stdout, "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func (a *app) doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that the server executable and dotnet are installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadCfg()
			if err != nil {
				return &exitError{code: ipc.ExitInternal, err: err}
			}
			if err := config.ValidateForCurrentEnv(cfg); err != nil {
				return usageErr("invalid config: %v", err)
			}
			ws, err := a.resolveWorkspace()
			if err != nil {
				return err
			}
			if err := config.MergeWorkspaceSettings(cfg, ws); err != nil && a.verbose {
				fmt.Fprintf(a.stderr, "omnibridge: workspace settings: %v\n", err)
			}

			checks := a.checkPrereqs(cfg.ServerOptions(ws))
			for _, c := range checks {
				if c.OK() {
					fmt.Fprintf(a.stdout, "ok       %-10s %s\n", c.Name, c.Path)
				} else {
					fmt.Fprintf(a.stdout, "missing  %-10s %v\n", c.Name, c.Err)
				}
			}
			if bootstrap.Failed(checks) != nil {
				return usageErr("prerequisites missing")
			}
			return nil
		},
	}
}

func (a *app) skillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skill",
		Short: "Manage the omnibridge agent skill",
	}

	var (
		dir   string
		links []string
	)
	install := &cobra.Command{
		Use:   "install",
		Short: "Install the omnibridge skill for coding agents",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			result, err := skill.Install(skill.InstallOptions{Dir: dir, LinkDirs: links})
			if err != nil {
				return &exitError{code: ipc.ExitInternal, err: fmt.Errorf("install skill: %w", err)}
			}
			fmt.Fprintf(a.stdout, "Installed skill file: %s\n", result.SkillFile)
			for _, l := range result.Links {
				fmt.Fprintf(a.stdout, "Linked: %s -> %s\n", l.Path, l.Target)
			}
			return nil
		},
	}
	install.Flags().StringVar(&dir, "dir", "", "skills directory (default: ~/.agents/skills)")
	install.Flags().StringArrayVar(&links, "link", nil, "also symlink the skill into this skills directory (repeatable)")
	cmd.AddCommand(install)
	return cmd
}

func (a *app) mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the workspace server as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.checkConfig(); err != nil {
				return err
			}
			ws, err := a.resolveWorkspace()
			if err != nil {
				return err
			}
			return mcpserve.Serve(lazySender{connect: a.connect}, ws, buildVersion)
		},
	}
}

// lazySender connects per call so a daemon that exited while idle is
// respawned on the next tool call.
type lazySender struct {
	connect func(ctx context.Context) (Sender, error)
}

func (s lazySender) Send(ctx context.Context, req *ipc.Request) (*ipc.Response, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	return client.Send(ctx, req)
}

func (a *app) daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the background daemon",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon and every workspace server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, ok := a.existing(cmd.Context())
			if !ok {
				fmt.Fprintln(a.stdout, "daemon not running")
				return nil
			}
			resp, err := client.Send(cmd.Context(), &ipc.Request{Type: ipc.TypeShutdown})
			if err != nil {
				return &exitError{code: ipc.ExitInternal, err: err}
			}
			a.writeResponse(resp)
			return nil
		},
	})
	return cmd
}
