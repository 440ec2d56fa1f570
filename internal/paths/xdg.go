package paths

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
)

const appName = "omnibridge"

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	h, _ := os.UserHomeDir()
	return h
}

func xdgDir(envVar string, fallbackParts ...string) string {
	if v := os.Getenv(envVar); v != "" {
		return filepath.Join(v, appName)
	}
	parts := append([]string{homeDir()}, fallbackParts...)
	parts = append(parts, appName)
	return filepath.Join(parts...)
}

// ConfigDir returns the config directory ($XDG_CONFIG_HOME/omnibridge).
func ConfigDir() string {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// CacheDir returns the cache directory ($XDG_CACHE_HOME/omnibridge).
func CacheDir() string {
	return xdgDir("XDG_CACHE_HOME", ".cache")
}

// StateDir returns the state directory ($XDG_STATE_HOME/omnibridge).
func StateDir() string {
	return xdgDir("XDG_STATE_HOME", ".local", "state")
}

// DataDir returns the data directory ($XDG_DATA_HOME/omnibridge). The
// language server install lives under DataDir/.omnisharp by default.
func DataDir() string {
	return xdgDir("XDG_DATA_HOME", ".local", "share")
}

// RuntimeDir returns the runtime directory for sockets and state.
// Falls back to StateDir if XDG_RUNTIME_DIR is unset.
func RuntimeDir() string {
	if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
		return filepath.Join(v, appName)
	}
	return StateDir()
}

// ConfigFile returns the path to config.toml.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// LogFile returns the path of the daemon log.
func LogFile() string {
	return filepath.Join(StateDir(), "daemon.log")
}

// SocketPath returns the path to the daemon Unix socket.
func SocketPath() string {
	return filepath.Join(RuntimeDir(), "daemon.sock")
}

// StatePath returns the path to the daemon state file (contains nonce).
func StatePath() string {
	return filepath.Join(RuntimeDir(), "daemon.state")
}

// LockPath returns the path to the daemon file lock.
func LockPath() string {
	return filepath.Join(RuntimeDir(), "daemon.lock")
}

// WorkspaceKey returns a stable short name for a workspace path, used to
// name per-workspace files.
func WorkspaceKey(workspace string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(workspace)))
	return filepath.Base(workspace) + "-" + hex.EncodeToString(sum[:6])
}

// EnsureDir creates a directory and parents if needed.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0700)
}
