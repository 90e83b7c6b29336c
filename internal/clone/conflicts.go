package clone

import (
	"github.com/cloud-shuttle/clonemgr/internal/collab"
	"github.com/cloud-shuttle/clonemgr/internal/task"
	"github.com/cloud-shuttle/clonemgr/internal/worktree"
)

// registryConflicts adapts the Task Registry and the repository store to
// worktree.Conflicts, keeping the two populations is_worktree_of_repo
// checked separately: RepoWorktree consults already-materialized
// repositories (via the repository store), TaskWorktree consults
// in-flight, non-terminal clone tasks (via the Task Registry). See
// SPEC_FULL.md's supplemented-behavior item 2.
type registryConflicts struct {
	registry *task.Registry
	repos    collab.RepoStore
}

// NewConflicts returns the worktree.Conflicts implementation cmd/clonemgrd
// wires into the Worktree Placer.
func NewConflicts(r *task.Registry, repos collab.RepoStore) worktree.Conflicts {
	return &registryConflicts{registry: r, repos: repos}
}

func (c *registryConflicts) RepoWorktree(path string) bool {
	return c.repos.HasWorktree(path)
}

func (c *registryConflicts) TaskWorktree(path string) bool {
	return c.registry.WorktreeInUse(path, "")
}
