// Package skill installs the omnibridge agent skill.
package skill

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	// Name is the built-in skill folder name.
	Name = "omnibridge"
)

// InstallOptions controls where the skill is installed.
type InstallOptions struct {
	// Dir receives the skill folder. Empty means DefaultDir.
	Dir string
	// LinkDirs each get a symlink to the installed folder.
	LinkDirs []string
}

// Link is a symlink created for an agent skills directory.
type Link struct {
	Path   string
	Target string
}

// InstallResult describes where the skill was installed.
type InstallResult struct {
	SkillDir  string
	SkillFile string
	Links     []Link
}

var (
	//go:embed assets/omnibridge/SKILL.md
	embeddedSkillFS embed.FS
)

// DefaultDir returns the shared agent skills directory.
func DefaultDir() string {
	return filepath.Join(homeDir(), ".agents", "skills")
}

// Install writes the built-in skill and links it into opts.LinkDirs.
func Install(opts InstallOptions) (*InstallResult, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		dir = DefaultDir()
	}

	skillDir := filepath.Join(dir, Name)
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating skill directory: %w", err)
	}

	content, err := fs.ReadFile(embeddedSkillFS, "assets/omnibridge/SKILL.md")
	if err != nil {
		return nil, fmt.Errorf("reading embedded skill: %w", err)
	}

	skillFile := filepath.Join(skillDir, "SKILL.md")
	if err := os.WriteFile(skillFile, ensureTrailingNewline(content), 0o644); err != nil {
		return nil, fmt.Errorf("writing skill file: %w", err)
	}

	result := &InstallResult{SkillDir: skillDir, SkillFile: skillFile}
	for _, raw := range opts.LinkDirs {
		linkDir := strings.TrimSpace(raw)
		if linkDir == "" {
			continue
		}
		if err := os.MkdirAll(linkDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", linkDir, err)
		}
		linkPath := filepath.Join(linkDir, Name)
		target, err := ensureSymlink(skillDir, linkPath)
		if err != nil {
			return nil, fmt.Errorf("linking skill into %s: %w", linkDir, err)
		}
		result.Links = append(result.Links, Link{Path: linkPath, Target: target})
	}
	return result, nil
}

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	h, _ := os.UserHomeDir()
	return h
}

func ensureTrailingNewline(data []byte) []byte {
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return data
	}
	return append(data, '\n')
}

// ensureSymlink points linkPath at target, replacing a stale symlink. A
// regular file at linkPath is an error.
func ensureSymlink(target, linkPath string) (string, error) {
	if info, err := os.Lstat(linkPath); err == nil {
		if info.Mode()&os.ModeSymlink == 0 {
			return "", fmt.Errorf("path exists and is not a symlink: %s", linkPath)
		}
		existing, err := os.Readlink(linkPath)
		if err != nil {
			return "", fmt.Errorf("reading existing symlink: %w", err)
		}
		if samePath(resolveLinkTarget(linkPath, existing), target) {
			return existing, nil
		}
		if err := os.Remove(linkPath); err != nil {
			return "", fmt.Errorf("removing existing symlink: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("checking existing link: %w", err)
	}

	linkTarget := target
	if rel, err := filepath.Rel(filepath.Dir(linkPath), target); err == nil && rel != "" {
		linkTarget = rel
	}
	if err := os.Symlink(linkTarget, linkPath); err != nil {
		return "", fmt.Errorf("creating symlink: %w", err)
	}
	return linkTarget, nil
}

func resolveLinkTarget(linkPath, target string) string {
	if filepath.IsAbs(target) {
		return filepath.Clean(target)
	}
	return filepath.Clean(filepath.Join(filepath.Dir(linkPath), target))
}

func samePath(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	if a == b {
		return true
	}
	if resolved, err := filepath.EvalSymlinks(a); err == nil {
		a = resolved
	}
	if resolved, err := filepath.EvalSymlinks(b); err == nil {
		b = resolved
	}
	return a == b
}
