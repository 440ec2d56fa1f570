package config

import (
	"errors"
	"fmt"
	"net"
	"path"
	"sort"
	"strings"
	"time"
)

var validLogLevels = map[string]struct{}{
	"trace":       {},
	"debug":       {},
	"information": {},
	"warning":     {},
	"error":       {},
	"critical":    {},
	"none":        {},
}

// Validate checks configuration invariants and returns actionable errors.
func Validate(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var errs []error
	errs = append(errs, validateServer(cfg.Server)...)
	errs = append(errs, validateFormatting(cfg.Formatting)...)
	errs = append(errs, validateDaemon(cfg.Daemon)...)

	patterns := make([]string, 0, len(cfg.FilesExclude))
	for pattern := range cfg.FilesExclude {
		patterns = append(patterns, pattern)
	}
	sort.Strings(patterns)
	for _, pattern := range patterns {
		if strings.TrimSpace(pattern) == "" {
			errs = append(errs, errors.New("files_exclude: empty glob"))
			continue
		}
		if _, err := path.Match(pattern, "probe"); err != nil {
			errs = append(errs, fmt.Errorf("files_exclude: invalid glob %q: %w", pattern, err))
		}
	}

	return errors.Join(errs...)
}

// ValidateForCurrentEnv checks config invariants after expanding ${ENV_VAR}
// placeholders against the current process environment.
func ValidateForCurrentEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	expanded := cloneConfig(cfg)
	expandConfigEnvVars(expanded)
	return Validate(expanded)
}

func cloneConfig(cfg *Config) *Config {
	if cfg == nil {
		return nil
	}

	cloned := *cfg
	cloned.FallbackSources = append([]string(nil), cfg.FallbackSources...)
	cloned.Server.Env = cloneStringMap(cfg.Server.Env)
	if cfg.FilesExclude != nil {
		cloned.FilesExclude = make(map[string]bool, len(cfg.FilesExclude))
		for k, v := range cfg.FilesExclude {
			cloned.FilesExclude[k] = v
		}
	}
	if cfg.Formatting.UseTabs != nil {
		val := *cfg.Formatting.UseTabs
		cloned.Formatting.UseTabs = &val
	}
	return &cloned
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func validateServer(srv ServerConfig) []error {
	var errs []error

	if srv.LogLevel != "" {
		if _, ok := validLogLevels[strings.ToLower(srv.LogLevel)]; !ok {
			errs = append(errs, fmt.Errorf("server.log_level: unknown level %q", srv.LogLevel))
		}
	}
	if srv.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("server.max_concurrency: must be >= 0, got %d", srv.MaxConcurrency))
	}
	errs = append(errs, validateDuration("server.startup_timeout", srv.StartupTimeout)...)
	errs = append(errs, validateDuration("server.project_debounce", srv.ProjectDebounce)...)

	for key := range srv.Env {
		if key == "" || strings.Contains(key, "=") {
			errs = append(errs, fmt.Errorf("server.env: invalid variable name %q", key))
		}
	}
	return errs
}

func validateFormatting(f FormattingConfig) []error {
	var errs []error
	if f.TabSize < 0 {
		errs = append(errs, fmt.Errorf("formatting.tab_size: must be > 0, got %d", f.TabSize))
	}
	if f.IndentationSize < 0 {
		errs = append(errs, fmt.Errorf("formatting.indentation_size: must be > 0, got %d", f.IndentationSize))
	}
	return errs
}

func validateDaemon(d DaemonConfig) []error {
	errs := validateDuration("daemon.idle_timeout", d.IdleTimeout)
	if d.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(d.MetricsAddr); err != nil {
			errs = append(errs, fmt.Errorf("daemon.metrics_addr: invalid address %q: %w", d.MetricsAddr, err))
		}
	}
	return errs
}

func validateDuration(key, raw string) []error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", key, raw, err)}
	}
	if d <= 0 {
		return []error{fmt.Errorf("%s: must be > 0, got %q", key, raw)}
	}
	return nil
}
