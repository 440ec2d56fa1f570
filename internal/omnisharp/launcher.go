package omnisharp

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// LaunchTargetKind says what a LaunchTarget points at.
type LaunchTargetKind int

const (
	KindSolution LaunchTargetKind = iota
	KindProjectJSON
	KindFolder
	KindScriptFile
	KindBuildScript
)

func (k LaunchTargetKind) String() string {
	switch k {
	case KindSolution:
		return "Solution"
	case KindProjectJSON:
		return "ProjectJson"
	case KindFolder:
		return "Folder"
	case KindScriptFile:
		return "Csx"
	case KindBuildScript:
		return "Cake"
	default:
		return "Unknown"
	}
}

// MarshalText renders the kind by name.
func (k LaunchTargetKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// LaunchTarget is a solution, project or folder the server can be started on.
type LaunchTarget struct {
	Label       string           `json:"label"`
	Description string           `json:"description"`
	Directory   string           `json:"directory"`
	Target      string           `json:"target"`
	Kind        LaunchTargetKind `json:"kind"`
}

const maxLaunchMatches = 10

var skippedDirs = map[string]bool{
	"node_modules":     true,
	".git":             true,
	"bower_components": true,
}

// FindLaunchTargets scans folders for project markers and ranks them into
// launch targets, sorted by directory. At most ten markers and ten .cs files
// are considered across all folders.
func FindLaunchTargets(folders []string) ([]LaunchTarget, error) {
	markers := 0
	sources := 0
	perFolder := make([][]string, len(folders))

	for i, folder := range folders {
		if markers >= maxLaunchMatches && sources >= maxLaunchMatches {
			break
		}
		err := filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == folder {
					return err
				}
				return nil
			}
			if d.IsDir() {
				if path != folder && skippedDirs[d.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			switch {
			case isProjectMarker(path):
				if markers < maxLaunchMatches {
					markers++
					perFolder[i] = append(perFolder[i], path)
				}
			case hasExt(path, ".cs"):
				if sources < maxLaunchMatches {
					sources++
					perFolder[i] = append(perFolder[i], path)
				}
			}
			if markers >= maxLaunchMatches && sources >= maxLaunchMatches {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", folder, err)
		}
	}

	var targets []LaunchTarget
	for i, folder := range folders {
		if len(perFolder[i]) == 0 {
			continue
		}
		targets = append(targets, rankLaunchTargets(folder, perFolder[i])...)
	}
	sort.SliceStable(targets, func(i, j int) bool { return targets[i].Directory < targets[j].Directory })
	return targets, nil
}

func rankLaunchTargets(folder string, files []string) []LaunchTarget {
	var (
		hasCsProj            bool
		hasSln               bool
		hasProjectJSON       bool
		hasProjectJSONAtRoot bool
		hasCsx               bool
		hasCake              bool
		hasCs                bool
		targets              []LaunchTarget
	)

	for _, f := range files {
		if hasExt(f, ".csproj") {
			hasCsProj = true
			break
		}
	}

	for _, f := range files {
		dir := filepath.Dir(f)
		switch {
		case hasCsProj && hasExt(f, ".sln"):
			hasSln = true
			targets = append(targets, LaunchTarget{
				Label:       filepath.Base(f),
				Description: relativeDescription(folder, dir),
				Directory:   dir,
				Target:      f,
				Kind:        KindSolution,
			})
		case isProjectJSON(f):
			hasProjectJSON = true
			hasProjectJSONAtRoot = hasProjectJSONAtRoot || dir == folder
			targets = append(targets, LaunchTarget{
				Label:       filepath.Base(f),
				Description: relativeDescription(folder, dir),
				Directory:   dir,
				Target:      dir,
				Kind:        KindProjectJSON,
			})
		case hasExt(f, ".csx"):
			hasCsx = true
		case hasExt(f, ".cake"):
			hasCake = true
		case hasExt(f, ".cs"):
			hasCs = true
		}
	}

	folderTarget := LaunchTarget{
		Label:     filepath.Base(folder),
		Directory: folder,
		Target:    folder,
		Kind:      KindFolder,
	}
	if (hasCsProj && !hasSln) || (hasProjectJSON && !hasProjectJSONAtRoot) {
		targets = append(targets, folderTarget)
	}
	if hasCsx {
		targets = append(targets, LaunchTarget{
			Label:       "CSX",
			Description: filepath.Base(folder),
			Directory:   folder,
			Target:      folder,
			Kind:        KindScriptFile,
		})
	}
	if hasCake {
		targets = append(targets, LaunchTarget{
			Label:       "Cake",
			Description: filepath.Base(folder),
			Directory:   folder,
			Target:      folder,
			Kind:        KindBuildScript,
		})
	}
	if hasCs && !hasSln && !hasCsProj && !hasProjectJSON {
		targets = append(targets, folderTarget)
	}
	return targets
}

func relativeDescription(folder, dir string) string {
	rel, err := filepath.Rel(folder, dir)
	if err != nil || rel == "." {
		return ""
	}
	return rel
}

func isProjectMarker(path string) bool {
	return hasExt(path, ".sln") || hasExt(path, ".csproj") || isProjectJSON(path) ||
		hasExt(path, ".csx") || hasExt(path, ".cake")
}

func isProjectJSON(path string) bool {
	return strings.EqualFold(filepath.Base(path), "project.json")
}

func hasExt(path, ext string) bool {
	return strings.EqualFold(filepath.Ext(path), ext)
}

// LaunchInfo locates the server executable.
type LaunchInfo struct {
	LaunchPath     string
	MonoLaunchPath string
}

// ResolveLaunchInfo returns launchPath when set, else the "run" script under
// installDir/.omnisharp. The executable must exist.
func ResolveLaunchInfo(launchPath, monoPath, installDir string) (LaunchInfo, error) {
	info := LaunchInfo{LaunchPath: launchPath, MonoLaunchPath: monoPath}
	if info.LaunchPath == "" {
		base := filepath.Join(installDir, ".omnisharp")
		info.LaunchPath = filepath.Join(base, "run")
		if info.MonoLaunchPath == "" {
			info.MonoLaunchPath = filepath.Join(base, "omnisharp", "OmniSharp.exe")
		}
	}

	st, err := os.Stat(info.LaunchPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return LaunchInfo{}, fmt.Errorf("%w: %s", ErrLaunchExecutableNotFound, info.LaunchPath)
		}
		return LaunchInfo{}, fmt.Errorf("checking %s: %w", info.LaunchPath, err)
	}
	if st.IsDir() {
		return LaunchInfo{}, fmt.Errorf("%w: %s is a directory", ErrLaunchExecutableNotFound, info.LaunchPath)
	}
	return info, nil
}

// LaunchResult is a started server process and its pipes.
type LaunchResult struct {
	Cmd      *exec.Cmd
	Command  string
	MonoPath string
	PID      int
	Stdin    io.WriteCloser
	Stdout   io.ReadCloser
	Stderr   io.ReadCloser
}

var execCommandFn = exec.Command

// LaunchProcess starts the server in cwd with args. env entries are appended
// to the current environment.
func LaunchProcess(info LaunchInfo, cwd string, args []string, env []string) (*LaunchResult, error) {
	cmd := execCommandFn(info.LaunchPath, args...)
	cmd.Dir = cwd
	if len(env) > 0 {
		base := cmd.Env
		if base == nil {
			base = os.Environ()
		}
		cmd.Env = append(base, env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", info.LaunchPath, err)
	}

	return &LaunchResult{
		Cmd:      cmd,
		Command:  info.LaunchPath,
		MonoPath: info.MonoLaunchPath,
		PID:      cmd.Process.Pid,
		Stdin:    stdin,
		Stdout:   stdout,
		Stderr:   stderr,
	}, nil
}
