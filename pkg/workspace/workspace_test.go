package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// initRepo creates a throwaway git repository with one commit on main, for
// tests that exercise real `git worktree` commands.
func initRepo(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "project")
	require.NoError(t, os.MkdirAll(root, 0o755))

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("x"), 0o644))
	run("add", ".")
	run("commit", "-m", "init")
	return root
}

func TestManager_CreateAndCleanup(t *testing.T) {
	root := initRepo(t)
	m := NewManager()

	wt, err := m.Create(context.Background(), root, "main", "agent-1234abcd", "builder", "task-5678efgh")
	require.NoError(t, err)
	require.DirExists(t, wt.Path)
	require.Equal(t, "feature/builder/task-task-5678efgh", wt.Branch)

	require.NoError(t, m.Cleanup(context.Background(), wt))
	require.NoDirExists(t, wt.Path)

	// Idempotent: cleaning up an already-removed worktree is not an error.
	require.NoError(t, m.Cleanup(context.Background(), wt))
}

func TestManager_CreateRejectsDuplicatePath(t *testing.T) {
	root := initRepo(t)
	m := NewManager()

	wt, err := m.Create(context.Background(), root, "main", "agent-1", "builder", "task-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Cleanup(context.Background(), wt) })

	_, err = m.Create(context.Background(), root, "main", "agent-1", "builder", "task-1")
	require.Error(t, err)
}

func TestManager_SweepOrphansRemovesOldWorktrees(t *testing.T) {
	root := initRepo(t)
	m := NewManager()

	wt, err := m.Create(context.Background(), root, "main", "agent-9", "builder", "task-9")
	require.NoError(t, err)

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(wt.Path, old, old))

	swept, err := m.SweepOrphans(context.Background(), root, 24*time.Hour)
	require.NoError(t, err)
	require.Contains(t, swept, wt.Path)
	require.NoDirExists(t, wt.Path)
}
