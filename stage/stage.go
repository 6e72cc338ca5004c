// Package stage prepares the on-disk layout a run executes against: either a
// fresh temporary directory populated from client-supplied file contents
// (project mode) or an existing workspace root (workspace mode).
package stage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/deepinsight/kernel/pathutil"
	"github.com/deepinsight/kernel/wire"
)

// Project stages a client-supplied file set under a fresh temporary
// directory and returns the entry file's absolute path plus the directory
// to use as working directory and module search root. Cleanup removes the
// directory; callers must invoke it on every exit path.
func Project(files []wire.File, entry string) (entryPath, root string, cleanup func(), err error) {
	if len(files) == 0 {
		return "", "", nil, fmt.Errorf("no files supplied")
	}
	entryNorm, err := pathutil.Validate(entry)
	if err != nil {
		return "", "", nil, fmt.Errorf("invalid entry: %w", err)
	}

	fileMap := make(map[string]string, len(files))
	for _, f := range files {
		norm, err := pathutil.Validate(f.Path)
		if err != nil {
			return "", "", nil, fmt.Errorf("invalid file path %q: %w", f.Path, err)
		}
		fileMap[norm] = f.Content
	}
	if _, ok := fileMap[entryNorm]; !ok {
		return "", "", nil, fmt.Errorf("entry not found in files")
	}

	tmp, err := os.MkdirTemp("", "deepinsight_")
	if err != nil {
		return "", "", nil, fmt.Errorf("creating staging dir: %w", err)
	}
	cleanup = func() { os.RemoveAll(tmp) }

	for rel, content := range fileMap {
		target := filepath.Join(tmp, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			cleanup()
			return "", "", nil, fmt.Errorf("staging %s: %w", rel, err)
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			cleanup()
			return "", "", nil, fmt.Errorf("staging %s: %w", rel, err)
		}
	}

	return filepath.Join(tmp, filepath.FromSlash(entryNorm)), tmp, cleanup, nil
}

// Workspace verifies an existing root and entry file, returning the entry's
// absolute path.
func Workspace(root, entry string) (entryPath string, err error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("workspace_root is not a directory: %s", root)
	}
	entryNorm, err := pathutil.Validate(entry)
	if err != nil {
		return "", fmt.Errorf("invalid entry: %w", err)
	}
	full := filepath.Join(root, filepath.FromSlash(entryNorm))
	fi, err := os.Stat(full)
	if err != nil || fi.IsDir() {
		return "", fmt.Errorf("entry not found: %s", entry)
	}
	return full, nil
}

// VenvPythonExe looks for a local virtual environment under root/.venv and
// returns its interpreter path plus the bin/Scripts directory to prepend to
// PATH. ok is false when no venv is present.
func VenvPythonExe(root string) (pythonExe, binDir string, ok bool) {
	venv := filepath.Join(root, ".venv")
	candidates := []struct{ sub, exe string }{
		{"bin", "python"},
		{"Scripts", "python.exe"},
	}
	for _, c := range candidates {
		dir := filepath.Join(venv, c.sub)
		exe := filepath.Join(dir, c.exe)
		if fi, err := os.Stat(exe); err == nil && !fi.IsDir() {
			return exe, dir, true
		}
	}
	return "", "", false
}

// VenvDir returns root/.venv, used to populate VIRTUAL_ENV.
func VenvDir(root string) string {
	return filepath.Join(root, ".venv")
}
