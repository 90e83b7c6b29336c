package task

import "sync"

// Registry is the in-memory repo_id -> Task map. It is the sole owner of
// Task objects: nothing else constructs, copies into, or frees one.
//
// The clone manager's event loop is single-threaded (every transition comes
// off one goroutine), so Registry does not need locking for that caller. The
// mutex here only guards the registry against the status-push hub and the
// CLI layer's read-only GetTask/ListTasks calls, which may run from other
// goroutines (HTTP handlers, the websocket broadcaster).
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// InsertOrReplace admits t, evicting and discarding any prior entry for the
// same RepoID. Per spec, admission of a new clone implicitly supersedes any
// terminal record of a previous attempt.
func (r *Registry) InsertOrReplace(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.RepoID] = t
}

// Lookup returns the task for repoID, or nil if none is registered.
func (r *Registry) Lookup(repoID string) *Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tasks[repoID]
}

// Remove drops repoID from the registry. No-op if absent.
func (r *Registry) Remove(repoID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, repoID)
}

// Iter calls fn for every registered task. fn must not call back into the
// registry.
func (r *Registry) Iter(fn func(*Task)) {
	r.mu.RLock()
	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.RUnlock()

	for _, t := range tasks {
		fn(t)
	}
}

// Len returns the number of registered tasks, terminal or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// WorktreeInUse reports whether path is already claimed by some other
// non-terminal task. Used by the Worktree Placer's "already in sync" check
// against the second of its two populations (see internal/worktree).
func (r *Registry) WorktreeInUse(path string, except string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, t := range r.tasks {
		if id == except {
			continue
		}
		if t.State.Terminal() {
			continue
		}
		if t.Worktree == path {
			return true
		}
	}
	return false
}
