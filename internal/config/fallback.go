package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/tidwall/gjson"
)

// WorkspaceSettings is the subset of editor settings omnibridge honors.
type WorkspaceSettings struct {
	FilesExclude map[string]bool
	InsertSpaces *bool
	TabSize      int
}

// MergeWorkspaceSettings fills unset formatting keys and extends
// files_exclude from editor settings.json sources. Config values win for
// formatting; exclude globs are a union where the config file decides
// conflicting entries.
func MergeWorkspaceSettings(cfg *Config, workspace string) error {
	if cfg == nil {
		return nil
	}

	settings, err := loadSettingsSources(fallbackSourcePathsForWorkspace(cfg, workspace))
	for _, s := range settings {
		applySettings(cfg, s)
	}
	return err
}

func applySettings(cfg *Config, s WorkspaceSettings) {
	if cfg.Formatting.UseTabs == nil && s.InsertSpaces != nil {
		useTabs := !*s.InsertSpaces
		cfg.Formatting.UseTabs = &useTabs
	}
	if cfg.Formatting.TabSize == 0 && s.TabSize > 0 {
		cfg.Formatting.TabSize = s.TabSize
	}
	for pattern, enabled := range s.FilesExclude {
		if cfg.FilesExclude == nil {
			cfg.FilesExclude = make(map[string]bool)
		}
		if _, exists := cfg.FilesExclude[pattern]; exists {
			continue
		}
		cfg.FilesExclude[pattern] = enabled
	}
}

func loadSettingsSources(paths []string) ([]WorkspaceSettings, error) {
	var (
		out  []WorkspaceSettings
		errs []error
	)
	for _, path := range paths {
		s, err := LoadSettingsFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		out = append(out, s)
	}
	return out, errors.Join(errs...)
}

// LoadSettingsFile reads an editor settings.json. Comments and trailing
// commas are accepted.
func LoadSettingsFile(path string) (WorkspaceSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return WorkspaceSettings{}, err
	}
	return parseSettings(data)
}

func parseSettings(data []byte) (WorkspaceSettings, error) {
	clean := stripJSONC(data)
	if !gjson.ValidBytes(clean) {
		return WorkspaceSettings{}, errors.New("parsing settings JSON: invalid document")
	}
	doc := gjson.ParseBytes(clean)

	var s WorkspaceSettings
	if exclude := doc.Get(`files\.exclude`); exclude.IsObject() {
		s.FilesExclude = make(map[string]bool)
		exclude.ForEach(func(key, value gjson.Result) bool {
			// Conditional excludes ({"when": ...}) count as enabled.
			s.FilesExclude[key.String()] = value.IsObject() || value.Bool()
			return true
		})
	}
	if v := doc.Get(`editor\.insertSpaces`); v.IsBool() {
		b := v.Bool()
		s.InsertSpaces = &b
	}
	if v := doc.Get(`editor\.tabSize`); v.Type == gjson.Number && v.Int() > 0 {
		s.TabSize = int(v.Int())
	}
	return s, nil
}

// stripJSONC removes // and /* */ comments and trailing commas outside strings.
func stripJSONC(data []byte) []byte {
	out := make([]byte, 0, len(data))
	inString := false
	for i := 0; i < len(data); i++ {
		c := data[i]
		if inString {
			out = append(out, c)
			switch c {
			case '\\':
				if i+1 < len(data) {
					i++
					out = append(out, data[i])
				}
			case '"':
				inString = false
			}
			continue
		}

		switch {
		case c == '"':
			inString = true
			out = append(out, c)
		case c == '/' && i+1 < len(data) && data[i+1] == '/':
			for i < len(data) && data[i] != '\n' {
				i++
			}
			if i < len(data) {
				out = append(out, '\n')
			}
		case c == '/' && i+1 < len(data) && data[i+1] == '*':
			i += 2
			for i+1 < len(data) && !(data[i] == '*' && data[i+1] == '/') {
				i++
			}
			i++
		case c == '}' || c == ']':
			out = trimTrailingComma(out)
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}
	return out
}

func trimTrailingComma(out []byte) []byte {
	j := len(out) - 1
	for j >= 0 && (out[j] == ' ' || out[j] == '\t' || out[j] == '\n' || out[j] == '\r') {
		j--
	}
	if j >= 0 && out[j] == ',' {
		return append(out[:j], out[j+1:]...)
	}
	return out
}

func fallbackSourcePathsForWorkspace(cfg *Config, workspace string) []string {
	if cfg != nil && cfg.FallbackSources != nil {
		return compactPaths(cfg.FallbackSources)
	}
	return compactPaths(defaultFallbackSourcePaths(workspace))
}

// defaultFallbackSourcePaths lists workspace settings before user settings
// so the nearer file is applied first.
func defaultFallbackSourcePaths(workspace string) []string {
	out := []string{nearestUpwardPath(filepath.Join(".vscode", "settings.json"), workspace)}

	home, _ := os.UserHomeDir()
	if home == "" {
		return out
	}
	switch runtime.GOOS {
	case "darwin":
		out = append(out, filepath.Join(home, "Library", "Application Support", "Code", "User", "settings.json"))
	case "linux":
		out = append(out, filepath.Join(home, ".config", "Code", "User", "settings.json"))
	}
	return out
}

func nearestUpwardPath(relPath, cwd string) string {
	base := resolveWorkingDirectory(cwd)
	if base == "" {
		return ""
	}

	dir := base
	for {
		candidate := filepath.Join(dir, relPath)
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func resolveWorkingDirectory(cwd string) string {
	cwd = strings.TrimSpace(cwd)
	if cwd != "" {
		return filepath.Clean(cwd)
	}

	wd, err := os.Getwd()
	if err != nil || wd == "" {
		return ""
	}
	return filepath.Clean(wd)
}

func compactPaths(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}
	return out
}
