package config

import "sort"

// Config is the top-level omnibridge configuration.
type Config struct {
	Server          ServerConfig     `toml:"server"`
	Formatting      FormattingConfig `toml:"formatting"`
	FilesExclude    map[string]bool  `toml:"files_exclude"`
	FallbackSources []string         `toml:"fallback_sources"`
	Daemon          DaemonConfig     `toml:"daemon"`
}

// ServerConfig describes how the language server is launched.
type ServerConfig struct {
	LaunchPath      string            `toml:"launch_path"`
	MonoPath        string            `toml:"mono_path"`
	LogLevel        string            `toml:"log_level"`
	MaxConcurrency  int               `toml:"max_concurrency"`
	StartupTimeout  string            `toml:"startup_timeout"`
	ProjectDebounce string            `toml:"project_debounce"`
	Env             map[string]string `toml:"env"`
}

// FormattingConfig holds editor formatting passed to the server at launch.
// Nil UseTabs means unset so workspace settings can fill it.
type FormattingConfig struct {
	UseTabs         *bool `toml:"use_tabs"`
	TabSize         int   `toml:"tab_size"`
	IndentationSize int   `toml:"indentation_size"`
}

// DaemonConfig configures the background daemon.
type DaemonConfig struct {
	IdleTimeout string `toml:"idle_timeout"`
	MetricsAddr string `toml:"metrics_addr"`
}

// ExcludePatterns returns the enabled files_exclude globs, sorted.
func (c *Config) ExcludePatterns() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.FilesExclude))
	for pattern, enabled := range c.FilesExclude {
		if enabled {
			out = append(out, pattern)
		}
	}
	sort.Strings(out)
	return out
}
