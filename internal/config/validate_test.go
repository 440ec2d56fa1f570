package config

import (
	"strings"
	"testing"
)

func TestValidateAcceptsEmptyAndExampleConfig(t *testing.T) {
	if err := Validate(&Config{}); err != nil {
		t.Fatalf("Validate(empty) error = %v, want nil", err)
	}
	if err := Validate(Example()); err != nil {
		t.Fatalf("Validate(example) error = %v, want nil", err)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			LogLevel:        "loud",
			MaxConcurrency:  -1,
			StartupTimeout:  "abc",
			ProjectDebounce: "0s",
			Env:             map[string]string{"A=B": "x"},
		},
		Formatting:   FormattingConfig{TabSize: -2},
		FilesExclude: map[string]bool{"[": true},
		Daemon:       DaemonConfig{MetricsAddr: "no-port"},
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() error = nil, want non-nil")
	}

	msg := err.Error()
	for _, want := range []string{
		`server.log_level: unknown level "loud"`,
		"server.max_concurrency: must be >= 0",
		"server.startup_timeout: invalid duration",
		"server.project_debounce: must be > 0",
		"server.env: invalid variable name",
		"formatting.tab_size: must be > 0",
		"files_exclude: invalid glob",
		"daemon.metrics_addr: invalid address",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("Validate() error = %q, want %q", msg, want)
		}
	}
}

func TestValidateForCurrentEnvExpandsWithoutMutatingSource(t *testing.T) {
	t.Setenv("METRICS_PORT", "9464")
	cfg := &Config{Daemon: DaemonConfig{MetricsAddr: "127.0.0.1:${METRICS_PORT}"}}

	if err := ValidateForCurrentEnv(cfg); err != nil {
		t.Fatalf("ValidateForCurrentEnv() error = %v", err)
	}
	if cfg.Daemon.MetricsAddr != "127.0.0.1:${METRICS_PORT}" {
		t.Fatalf("source mutated: metrics_addr = %q", cfg.Daemon.MetricsAddr)
	}
}
