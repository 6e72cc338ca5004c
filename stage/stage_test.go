package stage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/deepinsight/kernel/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectStagesFilesAndReturnsEntry(t *testing.T) {
	files := []wire.File{
		{Path: "main.py", Content: "from utils.math import add\nprint(add(1,2))\n"},
		{Path: "utils/__init__.py", Content: ""},
		{Path: "utils/math.py", Content: "def add(a,b):\n    return a+b\n"},
	}
	entryPath, root, cleanup, err := Project(files, "main.py")
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, filepath.Join(root, "main.py"), entryPath)
	content, err := os.ReadFile(filepath.Join(root, "utils", "math.py"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "def add")
}

func TestProjectRejectsMissingEntry(t *testing.T) {
	files := []wire.File{{Path: "main.py", Content: "print(1)"}}
	_, _, _, err := Project(files, "other.py")
	assert.Error(t, err)
}

func TestProjectRejectsTraversalPath(t *testing.T) {
	files := []wire.File{{Path: "../escape.py", Content: "x"}}
	_, _, _, err := Project(files, "../escape.py")
	assert.Error(t, err)
}

func TestProjectCleanupRemovesDir(t *testing.T) {
	files := []wire.File{{Path: "main.py", Content: "print(1)"}}
	_, root, cleanup, err := Project(files, "main.py")
	require.NoError(t, err)
	cleanup()
	_, err = os.Stat(root)
	assert.True(t, os.IsNotExist(err))
}

func TestWorkspaceRejectsMissingRoot(t *testing.T) {
	_, err := Workspace(filepath.Join(t.TempDir(), "nope"), "main.py")
	assert.Error(t, err)
}

func TestWorkspaceRejectsMissingEntry(t *testing.T) {
	dir := t.TempDir()
	_, err := Workspace(dir, "main.py")
	assert.Error(t, err)
}

func TestWorkspaceResolvesExistingEntry(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte("print(1)"), 0o644))
	entryPath, err := Workspace(dir, "main.py")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "main.py"), entryPath)
}

func TestVenvPythonExeDetectsUnixLayout(t *testing.T) {
	dir := t.TempDir()
	binDir := filepath.Join(dir, ".venv", "bin")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "python"), []byte(""), 0o755))

	exe, dir2, ok := VenvPythonExe(dir)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(binDir, "python"), exe)
	assert.Equal(t, binDir, dir2)
}

func TestVenvPythonExeAbsentReturnsNotOK(t *testing.T) {
	_, _, ok := VenvPythonExe(t.TempDir())
	assert.False(t, ok)
}
