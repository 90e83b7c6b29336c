package task

import "testing"

func TestRegistryInsertLookupRemove(t *testing.T) {
	r := NewRegistry()
	tk := &Task{RepoID: "r1", State: StateInit}
	r.InsertOrReplace(tk)

	if got := r.Lookup("r1"); got != tk {
		t.Fatalf("lookup returned %v, want %v", got, tk)
	}
	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1", r.Len())
	}

	r.Remove("r1")
	if got := r.Lookup("r1"); got != nil {
		t.Fatalf("lookup after remove = %v, want nil", got)
	}
	if r.Len() != 0 {
		t.Fatalf("len after remove = %d, want 0", r.Len())
	}
}

func TestRegistryInsertOrReplaceEvictsPrior(t *testing.T) {
	r := NewRegistry()
	first := &Task{RepoID: "r1", State: StateDone}
	r.InsertOrReplace(first)

	second := &Task{RepoID: "r1", State: StateInit}
	r.InsertOrReplace(second)

	got := r.Lookup("r1")
	if got != second {
		t.Fatalf("lookup returned %v, want the replacement task", got)
	}
}

func TestRegistryWorktreeInUse(t *testing.T) {
	r := NewRegistry()
	r.InsertOrReplace(&Task{RepoID: "r1", State: StateFetch, Worktree: "/tmp/foo"})
	r.InsertOrReplace(&Task{RepoID: "r2", State: StateDone, Worktree: "/tmp/bar"})

	if !r.WorktreeInUse("/tmp/foo", "") {
		t.Fatal("expected /tmp/foo to be in use by a non-terminal task")
	}
	if r.WorktreeInUse("/tmp/bar", "") {
		t.Fatal("terminal tasks must not count as holding their worktree")
	}
	if r.WorktreeInUse("/tmp/foo", "r1") {
		t.Fatal("except should exclude the task's own entry")
	}
}

func TestIterVisitsAll(t *testing.T) {
	r := NewRegistry()
	r.InsertOrReplace(&Task{RepoID: "r1"})
	r.InsertOrReplace(&Task{RepoID: "r2"})

	seen := map[string]bool{}
	r.Iter(func(t *Task) { seen[t.RepoID] = true })

	if !seen["r1"] || !seen["r2"] {
		t.Fatalf("iter visited %v, want both r1 and r2", seen)
	}
}
