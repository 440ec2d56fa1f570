package omnisharp

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WaitForProjectFiles blocks until a project marker (*.sln, *.csproj,
// project.json, *.csx, *.cake) is created under one of folders, or ctx is done.
// Directories created while waiting are watched too.
func WaitForProjectFiles(ctx context.Context, folders []string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	for _, folder := range folders {
		if err := watchTree(w, folder); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("watcher closed")
			}
			if !ev.Has(fsnotify.Create) {
				continue
			}
			if isProjectMarker(ev.Name) {
				return nil
			}
			if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
				// A directory moved in whole may already hold markers.
				_ = watchTree(w, ev.Name)
				if containsProjectMarker(ev.Name) {
					return nil
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("watcher closed")
			}
			return fmt.Errorf("watching project files: %w", err)
		}
	}
}

func watchTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return fmt.Errorf("watching %s: %w", root, err)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && skippedDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

func containsProjectMarker(root string) bool {
	found := false
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if isProjectMarker(path) {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}
