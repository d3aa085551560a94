// Package workspace manages git worktree lifecycles for task execution
//. It follows the git-CLI-shelling idiom used elsewhere in the
// pack (a thin `run(args...)` wrapper over os/exec) rather than a git
// library, since worktree management is a handful of plumbing commands.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentmesh/orchestrator/pkg/orcherr"
)

// Manager creates and tears down per-attempt worktrees rooted alongside a
// project's working directory.
type Manager struct{}

// NewManager returns a ready-to-use Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Worktree describes a checked-out working copy for one task attempt.
type Worktree struct {
	Path         string
	Branch       string
	ProjectRoot  string
	CreatedAt    time.Time
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// worktreeRoot computes <projectRoot>/../.git-worktrees/agent-<shortAgentId>/task-<shortTaskId>.
func worktreeRoot(projectRoot, agentID, taskID string) string {
	base := filepath.Join(filepath.Dir(projectRoot), ".git-worktrees")
	return filepath.Join(base, "agent-"+shortID(agentID), "task-"+shortID(taskID))
}

// FeatureBranch names the branch a worktree checks out.
func FeatureBranch(agentName, taskID string) string {
	return fmt.Sprintf("feature/%s/task-%s", agentName, taskID)
}

// Create checks out a new worktree from integrationBranch on a feature
// branch named feature/<agentName>/task-<taskID>. A worktree that cannot be
// created fails the attempt with a retryable KindTransient error.
func (m *Manager) Create(ctx context.Context, projectRoot, integrationBranch, agentID, agentName, taskID string) (*Worktree, error) {
	if integrationBranch == "" {
		integrationBranch = "main"
	}
	path := worktreeRoot(projectRoot, agentID, taskID)
	branch := FeatureBranch(agentName, taskID)

	if _, err := os.Stat(path); err == nil {
		return nil, orcherr.New(orcherr.KindTransient, "workspace.Create",
			fmt.Sprintf("worktree already exists at %s — two tasks must never share a worktree", path))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, orcherr.Wrap(orcherr.KindTransient, "workspace.Create", "creating worktree parent directory", err)
	}

	if _, err := runGit(ctx, projectRoot, "worktree", "add", "-b", branch, path, integrationBranch); err != nil {
		return nil, orcherr.Wrap(orcherr.KindTransient, "workspace.Create", "git worktree add failed", err)
	}

	return &Worktree{Path: path, Branch: branch, ProjectRoot: projectRoot, CreatedAt: time.Now()}, nil
}

// Cleanup removes a worktree and prunes its registration. It is idempotent:
// a missing path or an already-removed worktree is not an error.
func (m *Manager) Cleanup(ctx context.Context, w *Worktree) error {
	if _, err := os.Stat(w.Path); os.IsNotExist(err) {
		return nil
	}

	_, err := runGit(ctx, w.ProjectRoot, "worktree", "remove", "--force", w.Path)
	if err != nil {
		if !strings.Contains(err.Error(), "is not a working tree") {
			return orcherr.Wrap(orcherr.KindTransient, "workspace.Cleanup", "git worktree remove failed", err)
		}
	}
	_ = os.RemoveAll(w.Path)
	return nil
}

// CleanupFor removes the worktree belonging to (agentID, taskID) under
// projectRoot without requiring the original *Worktree handle — the
// Scheduler's merge-notification path runs long after the creating cycle
// returned, so it reconstructs the path from the same identity the tree is
// keyed by.
func (m *Manager) CleanupFor(ctx context.Context, projectRoot, agentID, taskID string) error {
	return m.Cleanup(ctx, &Worktree{
		Path:        worktreeRoot(projectRoot, agentID, taskID),
		ProjectRoot: projectRoot,
	})
}

// SweepOrphans removes worktrees under root older than threshold, for the
// Scheduler's orphan-sweep driver (default 24h).
func (m *Manager) SweepOrphans(ctx context.Context, projectRoot string, threshold time.Duration) ([]string, error) {
	root := filepath.Join(filepath.Dir(projectRoot), ".git-worktrees")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading worktree root: %w", err)
	}

	var swept []string
	cutoff := time.Now().Add(-threshold)
	for _, agentDir := range entries {
		agentPath := filepath.Join(root, agentDir.Name())
		taskDirs, err := os.ReadDir(agentPath)
		if err != nil {
			continue
		}
		for _, taskDir := range taskDirs {
			taskPath := filepath.Join(agentPath, taskDir.Name())
			info, err := taskDir.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			w := &Worktree{Path: taskPath, ProjectRoot: projectRoot}
			if err := m.Cleanup(ctx, w); err == nil {
				swept = append(swept, taskPath)
			}
		}
	}
	return swept, nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}
