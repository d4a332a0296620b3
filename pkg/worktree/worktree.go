// Package worktree creates and removes the git worktrees that
// `swarm spawn --worktree` runs workers in.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"swarm/pkg/protocol"
	"swarm/pkg/worker"
)

// CommandRunner runs an external command and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// Manager shells out to git.
type Manager struct {
	runner CommandRunner
}

// New returns a Manager using runner.
func New(runner CommandRunner) *Manager {
	return &Manager{runner: runner}
}

// Root returns the top level of the repository containing dir.
func (m *Manager) Root(ctx context.Context, dir string) (string, error) {
	out, err := m.runner.Run(ctx, "git", "-C", dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", protocol.Configf("worktree", "%s is not inside a git repository: %v", dir, err)
	}
	return strings.TrimSpace(out), nil
}

// Create adds <root>/.worktrees/<name> checked out on branch, creating the
// branch from HEAD when it does not exist yet. An empty branch means
// swarm/<name>.
func (m *Manager) Create(ctx context.Context, repo, name, branch string) (*worker.Worktree, error) {
	if err := protocol.ValidateWorkerName(name); err != nil {
		return nil, err
	}
	root, err := m.Root(ctx, repo)
	if err != nil {
		return nil, err
	}
	if branch == "" {
		branch = protocol.BranchPrefix + name
	}
	path := filepath.Join(root, protocol.WorktreesDir, name)
	if _, err := os.Stat(path); err == nil {
		return nil, protocol.Configf("worktree", "%s already exists", path)
	}

	args := []string{"-C", root, "worktree", "add"}
	if m.branchExists(ctx, root, branch) {
		args = append(args, path, branch)
	} else {
		args = append(args, "-b", branch, path, "HEAD")
	}
	if _, err := m.runner.Run(ctx, "git", args...); err != nil {
		return nil, fmt.Errorf("worktree add %s: %w", name, err)
	}
	return &worker.Worktree{Path: path, Branch: branch, BaseRepo: root}, nil
}

func (m *Manager) branchExists(ctx context.Context, root, branch string) bool {
	_, err := m.runner.Run(ctx, "git", "-C", root, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// Remove runs `git worktree remove --force`. The branch is kept.
func (m *Manager) Remove(ctx context.Context, wt worker.Worktree) error {
	_, err := m.runner.Run(ctx, "git", "-C", wt.BaseRepo, "worktree", "remove", "--force", wt.Path)
	if err != nil {
		return fmt.Errorf("worktree remove %s: %w", wt.Path, err)
	}
	return nil
}

// Prune drops git's bookkeeping for worktrees whose directories are gone.
func (m *Manager) Prune(ctx context.Context, repo string) error {
	if _, err := m.runner.Run(ctx, "git", "-C", repo, "worktree", "prune"); err != nil {
		return fmt.Errorf("worktree prune: %w", err)
	}
	return nil
}
