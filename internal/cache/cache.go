// Package cache keeps the last workspace information snapshot per workspace
// on disk so project listings survive a stopped server or daemon restart.
package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/lydakis/omnibridge/internal/paths"
)

// DefaultTTL bounds how long a snapshot is served after it was taken.
const DefaultTTL = 24 * time.Hour

type entry struct {
	Workspace string          `json:"workspace"`
	Info      json.RawMessage `json:"info"`
	Created   time.Time       `json:"created"`
	Expires   time.Time       `json:"expires"`
}

// Get returns the cached snapshot for workspace. Expired or corrupt entries
// are removed and reported as a miss.
func Get(workspace string) (json.RawMessage, bool) {
	e, ok := getEntry(workspace)
	if !ok {
		return nil, false
	}
	return e.Info, true
}

// GetMetadata returns the snapshot age and ttl when a valid entry exists.
func GetMetadata(workspace string) (time.Duration, time.Duration, bool) {
	e, ok := getEntry(workspace)
	if !ok {
		return 0, 0, false
	}

	ttl := e.Expires.Sub(e.Created)
	if ttl < 0 {
		ttl = 0
	}
	age := time.Since(e.Created)
	if age < 0 {
		age = 0
	}
	return age, ttl, true
}

// Put stores info as the snapshot for workspace.
func Put(workspace string, info json.RawMessage, ttl time.Duration) error {
	dir := cacheDir()
	if err := paths.EnsureDir(dir); err != nil {
		return err
	}

	now := time.Now()
	data, err := json.Marshal(entry{
		Workspace: filepath.Clean(workspace),
		Info:      info,
		Created:   now,
		Expires:   now.Add(ttl),
	})
	if err != nil {
		return err
	}

	// Write then rename so a concurrent Get never sees a partial file.
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, entryPath(workspace)); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Delete drops the snapshot for workspace.
func Delete(workspace string) {
	_ = os.Remove(entryPath(workspace))
}

func getEntry(workspace string) (entry, bool) {
	path := entryPath(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		return entry{}, false
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil || e.Workspace != filepath.Clean(workspace) {
		_ = os.Remove(path)
		return entry{}, false
	}
	if time.Now().After(e.Expires) {
		_ = os.Remove(path)
		return entry{}, false
	}
	return e, true
}

func entryPath(workspace string) string {
	return filepath.Join(cacheDir(), paths.WorkspaceKey(workspace)+".json")
}

func cacheDir() string {
	return filepath.Join(paths.CacheDir(), "workspaces")
}
