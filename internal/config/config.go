package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/lydakis/omnibridge/internal/omnisharp"
	"github.com/lydakis/omnibridge/internal/paths"
)

// Defaults for keys left unset in config.toml.
const (
	DefaultIdleTimeout = 10 * time.Minute
)

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the config file and returns the parsed Config.
// If the config file does not exist, it returns an empty Config (no error).
func Load() (*Config, error) {
	return LoadFrom(paths.ConfigFile())
}

// LoadFrom reads and parses a config file at the given path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	expandConfigEnvVars(&cfg)
	return &cfg, nil
}

// Example returns a starter config with every default spelled out.
func Example() *Config {
	useTabs := true
	return &Config{
		Server: ServerConfig{
			LogLevel:        omnisharp.DefaultLogLevel,
			MaxConcurrency:  omnisharp.DefaultMaxConcurrency,
			StartupTimeout:  omnisharp.DefaultStartupTimeout.String(),
			ProjectDebounce: omnisharp.DefaultProjectDebounce.String(),
		},
		Formatting: FormattingConfig{
			UseTabs:         &useTabs,
			TabSize:         omnisharp.DefaultTabSize,
			IndentationSize: omnisharp.DefaultTabSize,
		},
		FilesExclude: map[string]bool{
			"**/.git":         true,
			"**/bin":          false,
			"**/obj":          false,
			"**/node_modules": true,
		},
		Daemon: DaemonConfig{
			IdleTimeout: DefaultIdleTimeout.String(),
		},
	}
}

func expandConfigEnvVars(cfg *Config) {
	if cfg == nil {
		return
	}

	for i := range cfg.FallbackSources {
		cfg.FallbackSources[i] = expandEnvVars(cfg.FallbackSources[i])
	}
	cfg.Server.LaunchPath = expandEnvVars(cfg.Server.LaunchPath)
	cfg.Server.MonoPath = expandEnvVars(cfg.Server.MonoPath)
	for k, v := range cfg.Server.Env {
		cfg.Server.Env[k] = expandEnvVars(v)
	}
	cfg.Daemon.MetricsAddr = expandEnvVars(cfg.Daemon.MetricsAddr)
}

// expandEnvVars replaces ${VAR_NAME} with the value of the environment variable.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarRe.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // leave unresolved vars as-is
	})
}

// IdleTimeout returns the daemon idle timeout, falling back to the default
// when unset or unparsable.
func (c *Config) IdleTimeout() time.Duration {
	if c == nil {
		return DefaultIdleTimeout
	}
	return parseDurationOr(c.Daemon.IdleTimeout, DefaultIdleTimeout)
}

// ServerOptions converts the config into launch options for a workspace.
// Durations are assumed valid; call Validate first to surface errors.
func (c *Config) ServerOptions(workspace string) omnisharp.Options {
	if c == nil {
		c = &Config{}
	}

	opts := omnisharp.Options{
		LaunchPath:       c.Server.LaunchPath,
		MonoPath:         c.Server.MonoPath,
		InstallDir:       paths.DataDir(),
		LogLevel:         c.Server.LogLevel,
		ExcludePaths:     c.ExcludePatterns(),
		MaxConcurrency:   c.Server.MaxConcurrency,
		StartupTimeout:   parseDurationOr(c.Server.StartupTimeout, 0),
		ProjectDebounce:  parseDurationOr(c.Server.ProjectDebounce, 0),
		WorkspaceFolders: []string{workspace},
		Formatting: omnisharp.Formatting{
			UseTabs:         true,
			TabSize:         c.Formatting.TabSize,
			IndentationSize: c.Formatting.IndentationSize,
		},
	}
	if c.Formatting.UseTabs != nil {
		opts.Formatting.UseTabs = *c.Formatting.UseTabs
	}

	keys := make([]string, 0, len(c.Server.Env))
	for k := range c.Server.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		opts.Env = append(opts.Env, k+"="+c.Server.Env[k])
	}
	return opts
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Clone returns a deep copy of c, so per-workspace merges leave the shared
// config untouched.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	return cloneConfig(c)
}
