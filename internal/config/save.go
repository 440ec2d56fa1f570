package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ErrConfigExists is returned by InitAt when the target file already exists.
var ErrConfigExists = errors.New("config file already exists")

const configHeader = "# omnibridge configuration. ${ENV_VAR} placeholders are expanded at load.\n\n"

// InitAt writes the example config to path. It refuses to replace an
// existing file unless force is set.
func InitAt(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrConfigExists, path)
		}
	}
	return SaveTo(path, Example())
}

// SaveTo writes cfg to path atomically.
func SaveTo(path string, cfg *Config) error {
	if cfg == nil {
		cfg = &Config{}
	}

	var payload bytes.Buffer
	payload.WriteString(configHeader)
	if err := toml.NewEncoder(&payload).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}
	return writeFileAtomic(dir, path, payload.Bytes())
}

func writeFileAtomic(dir, path string, data []byte) error {
	tmpFile, err := os.CreateTemp(dir, ".config.toml.tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmpFile.Chmod(0o600); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("setting temp config permissions: %w", err)
	}
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("writing temp config file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("syncing temp config file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replacing config file: %w", err)
	}
	cleanup = false
	return nil
}
