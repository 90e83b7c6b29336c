package worktree

import (
	"os"
	"path/filepath"
	"testing"
)

type fakeConflicts struct {
	repoWorktrees map[string]bool
	taskWorktrees map[string]bool
}

func newFakeConflicts() *fakeConflicts {
	return &fakeConflicts{repoWorktrees: map[string]bool{}, taskWorktrees: map[string]bool{}}
}

func (f *fakeConflicts) RepoWorktree(path string) bool { return f.repoWorktrees[path] }
func (f *fakeConflicts) TaskWorktree(path string) bool { return f.taskWorktrees[path] }

func TestPlaceEmptyPathCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	candidate := filepath.Join(dir, "foo")

	p := New(newFakeConflicts())
	got, err := p.Place(candidate, false)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if got != candidate {
		t.Fatalf("got %q, want %q", got, candidate)
	}
	if info, err := os.Stat(got); err != nil || !info.IsDir() {
		t.Fatalf("expected directory at %q", got)
	}
}

func TestPlaceDryRunDoesNotCreate(t *testing.T) {
	dir := t.TempDir()
	candidate := filepath.Join(dir, "foo")

	p := New(newFakeConflicts())
	got, err := p.Place(candidate, true)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if got != candidate {
		t.Fatalf("got %q, want %q", got, candidate)
	}
	if _, err := os.Stat(got); !os.IsNotExist(err) {
		t.Fatalf("dry run must not create a directory, stat err = %v", err)
	}
}

func TestPlaceNonDirectoryCommitModeFails(t *testing.T) {
	dir := t.TempDir()
	candidate := filepath.Join(dir, "foo")
	if err := os.WriteFile(candidate, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := New(newFakeConflicts())
	if _, err := p.Place(candidate, false); err != ErrInvalidDirectory {
		t.Fatalf("err = %v, want ErrInvalidDirectory", err)
	}
}

func TestPlaceNonDirectoryDryRunDisambiguates(t *testing.T) {
	dir := t.TempDir()
	candidate := filepath.Join(dir, "foo")
	if err := os.WriteFile(candidate, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := New(newFakeConflicts())
	got, err := p.Place(candidate, true)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if got != candidate+"-1" {
		t.Fatalf("got %q, want %q", got, candidate+"-1")
	}
}

func TestPlaceAlreadyInSyncCommitModeFails(t *testing.T) {
	dir := t.TempDir()
	candidate := filepath.Join(dir, "foo")
	if err := os.MkdirAll(candidate, 0o755); err != nil {
		t.Fatal(err)
	}

	conflicts := newFakeConflicts()
	conflicts.repoWorktrees[candidate] = true

	p := New(conflicts)
	if _, err := p.Place(candidate, false); err != ErrAlreadyInSync {
		t.Fatalf("err = %v, want ErrAlreadyInSync", err)
	}
}

func TestPlaceAlreadyInSyncDryRunDisambiguates(t *testing.T) {
	dir := t.TempDir()
	candidate := filepath.Join(dir, "foo")
	if err := os.MkdirAll(candidate, 0o755); err != nil {
		t.Fatal(err)
	}

	conflicts := newFakeConflicts()
	conflicts.taskWorktrees[candidate] = true

	p := New(conflicts)
	got, err := p.Place(candidate, true)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if got != candidate+"-1" {
		t.Fatalf("got %q, want %q", got, candidate+"-1")
	}
}

func TestPlaceExistingUnrelatedDirectoryReused(t *testing.T) {
	dir := t.TempDir()
	candidate := filepath.Join(dir, "foo")
	if err := os.MkdirAll(candidate, 0o755); err != nil {
		t.Fatal(err)
	}

	p := New(newFakeConflicts())
	got, err := p.Place(candidate, false)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if got != candidate {
		t.Fatalf("got %q, want %q (reuse as-is)", got, candidate)
	}
}

func TestTrimsTrailingSeparators(t *testing.T) {
	dir := t.TempDir()
	candidate := filepath.Join(dir, "foo") + "///"

	p := New(newFakeConflicts())
	got, err := p.Place(candidate, true)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if got != filepath.Join(dir, "foo") {
		t.Fatalf("got %q, want trailing separators stripped", got)
	}
}

func TestGenDefaultReturnsNDistinctPathsWithNoMutation(t *testing.T) {
	dir := t.TempDir()
	p := New(newFakeConflicts())

	const n = 5
	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		path := p.GenDefault(dir, "foo")
		if seen[path] {
			t.Fatalf("duplicate path %q on iteration %d", path, i)
		}
		seen[path] = true
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("GenDefault must never create a directory, stat err = %v", err)
		}
	}

	want := []string{
		filepath.Join(dir, "foo"),
		filepath.Join(dir, "foo") + "-1",
		filepath.Join(dir, "foo") + "-2",
		filepath.Join(dir, "foo") + "-3",
		filepath.Join(dir, "foo") + "-4",
	}
	for _, w := range want {
		if !seen[w] {
			t.Fatalf("expected %q among generated paths, got %v", w, seen)
		}
	}
}

func TestValidateNamePrefix(t *testing.T) {
	if err := ValidateName("/tmp/parent/foo", "foo"); err != nil {
		t.Fatalf("ValidateName: %v", err)
	}
	if err := ValidateName("/tmp/parent/foo-1", "foo"); err != nil {
		t.Fatalf("ValidateName: %v, want nil for the -N disambiguation suffix", err)
	}
	if err := ValidateName("/tmp/parent/foo", "foo-project"); err == nil {
		t.Fatal("expected ErrInvalidDirectoryName when basename is shorter than repo_name")
	}
	if err := ValidateName("/tmp/parent/bar", "foo"); err != ErrInvalidDirectoryName {
		t.Fatalf("err = %v, want ErrInvalidDirectoryName", err)
	}
}
