package clone

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloud-shuttle/clonemgr/internal/collab"
	"github.com/cloud-shuttle/clonemgr/internal/store"
	"github.com/cloud-shuttle/clonemgr/internal/task"
	"github.com/cloud-shuttle/clonemgr/internal/worktree"
)

type harness struct {
	t        *testing.T
	dir      string
	store    *store.Store
	registry *task.Registry
	placer   *worktree.Placer
	peer     *collab.FakePeer
	transfer *collab.FakeTransfer
	repos    *collab.FakeRepoStore
	jobs     *collab.FakeJobExecutor
	mgr      *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "clonemgr.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	registry := task.NewRegistry()
	repos := collab.NewFakeRepoStore()
	placer := worktree.New(NewConflicts(registry, repos))
	peer := collab.NewFakePeer()
	transfer := collab.NewFakeTransfer(repos)
	jobs := collab.NewFakeJobExecutor()

	mgr := New(Deps{
		Store:        st,
		Registry:     registry,
		Placer:       placer,
		Peer:         peer,
		Transfer:     transfer,
		Repos:        repos,
		Jobs:         jobs,
		PollInterval: 20 * time.Millisecond,
	})
	if err := mgr.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(mgr.Stop)

	return &harness{t: t, dir: dir, store: st, registry: registry, placer: placer, peer: peer, transfer: transfer, repos: repos, jobs: jobs, mgr: mgr}
}

func validRepoID(n byte) string {
	id := []byte("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	id[0] = n
	return string(id)
}

func (h *harness) addReq(repoID string) AddTaskRequest {
	return AddTaskRequest{
		RepoID:         repoID,
		PeerID:         "peer-1",
		RepoName:       "myrepo",
		Token:          "tok",
		WorktreeParent: filepath.Join(h.dir, "myrepo"),
		PeerAddr:       "10.0.0.1",
		PeerPort:       "10001",
		Email:          "a@example.com",
	}
}

// deliverFetch drives the fake transfer's only outstanding download for
// repoID through to completion via the manager's public fetch sink. It
// marks the repo materialized locally first, exactly as the real transfer
// engine would before the fetch sink fires.
func (h *harness) deliverFetch(repoID string) {
	tk := h.registry.Lookup(repoID)
	if tk == nil {
		h.t.Fatalf("no task for %s", repoID)
	}
	h.mgr.OnRepoFetched(h.transfer.Complete(repoID))
}

func waitForState(t *testing.T, mgr *Manager, repoID string, want task.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tk := mgr.GetTask(repoID); tk != nil && tk.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	tk := mgr.GetTask(repoID)
	t.Fatalf("timed out waiting for %s to reach %s, got %+v", repoID, want, tk)
}

func TestEmptyWorktreeCloneReachesDone(t *testing.T) {
	h := newHarness(t)
	repoID := validRepoID('1')
	h.peer.SetConnected("peer-1", true)

	gotID, err := h.mgr.AddTask(h.addReq(repoID))
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if gotID != repoID {
		t.Fatalf("got %q, want %q", gotID, repoID)
	}

	waitForState(t, h.mgr, repoID, task.StateFetch)
	h.deliverFetch(repoID)
	waitForState(t, h.mgr, repoID, task.StateDone)

	if !h.repos.HeadSet(repoID) {
		t.Fatal("expected repo head to be set after DONE")
	}

	rows, err := h.store.Enumerate()
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no durable row once terminal, got %v", rows)
	}
}

func TestPreexistingWorktreeGoesThroughIndexAndMerge(t *testing.T) {
	h := newHarness(t)
	repoID := validRepoID('2')
	candidate := filepath.Join(h.dir, "myrepo")
	if err := os.MkdirAll(candidate, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(candidate, "existing.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	h.peer.SetConnected("peer-1", true)

	if _, err := h.mgr.AddTask(h.addReq(repoID)); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	waitForState(t, h.mgr, repoID, task.StateFetch)
	if tk := h.mgr.GetTask(repoID); tk.RootID == "" {
		t.Fatal("expected INDEX to have populated RootID before FETCH")
	}

	h.deliverFetch(repoID)
	waitForState(t, h.mgr, repoID, task.StateDone)
}

func TestEncryptedRepoWrongPassphraseFails(t *testing.T) {
	h := newHarness(t)
	repoID := validRepoID('3')
	h.peer.SetConnected("peer-1", true)
	h.repos.SetEncrypted(repoID, "correct-horse")

	req := h.addReq(repoID)
	req.Passphrase = "wrong"
	if _, err := h.mgr.AddTask(req); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	waitForState(t, h.mgr, repoID, task.StateFetch)
	h.deliverFetch(repoID)
	waitForState(t, h.mgr, repoID, task.StateError)

	if tk := h.mgr.GetTask(repoID); tk.Error != task.ErrorPassword {
		t.Fatalf("error kind = %v, want %v", tk.Error, task.ErrorPassword)
	}
}

func TestCancelDuringFetchCancelsTransfer(t *testing.T) {
	h := newHarness(t)
	repoID := validRepoID('4')
	h.peer.SetConnected("peer-1", true)

	if _, err := h.mgr.AddTask(h.addReq(repoID)); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	waitForState(t, h.mgr, repoID, task.StateFetch)

	if err := h.mgr.CancelTask(repoID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	waitForState(t, h.mgr, repoID, task.StateCancelPending)

	tk := h.mgr.GetTask(repoID)
	h.mgr.OnRepoFetched(collab.FetchResult{RepoID: repoID, TxID: tk.TxID, Canceled: true})
	waitForState(t, h.mgr, repoID, task.StateCanceled)
}

// TestFetchResultWithoutMaterializedRepoFailsInternal covers spec.md §4.5
// step 1: if the repository cannot be loaded locally once the fetch sink
// fires, the task must fail with ERROR(INTERNAL) rather than proceed to
// checkout or merge.
func TestFetchResultWithoutMaterializedRepoFailsInternal(t *testing.T) {
	h := newHarness(t)
	repoID := validRepoID('b')
	h.peer.SetConnected("peer-1", true)

	if _, err := h.mgr.AddTask(h.addReq(repoID)); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	waitForState(t, h.mgr, repoID, task.StateFetch)

	tk := h.mgr.GetTask(repoID)
	h.mgr.OnRepoFetched(collab.FetchResult{RepoID: repoID, TxID: tk.TxID})
	waitForState(t, h.mgr, repoID, task.StateError)

	if got := h.mgr.GetTask(repoID); got.Error != task.ErrorInternal {
		t.Fatalf("error kind = %v, want %v", got.Error, task.ErrorInternal)
	}
}

func TestCancelOnTerminalTaskIsNoOp(t *testing.T) {
	h := newHarness(t)
	repoID := validRepoID('5')
	h.peer.SetConnected("peer-1", true)

	if _, err := h.mgr.AddTask(h.addReq(repoID)); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	waitForState(t, h.mgr, repoID, task.StateFetch)
	h.deliverFetch(repoID)
	waitForState(t, h.mgr, repoID, task.StateDone)

	if err := h.mgr.CancelTask(repoID); err != nil {
		t.Fatalf("CancelTask on terminal task should be a no-op, got %v", err)
	}
}

// TestCrashBetweenFetchAndCheckoutRecoversAndRetries covers spec.md §8
// scenario 5: a crash after the repo materialized locally but before
// checkout entered. Recovery must observe repo-exists-but-no-head and jump
// straight to CHECKOUT, never re-entering FETCH.
func TestCrashBetweenFetchAndCheckoutRecoversAndRetries(t *testing.T) {
	h := newHarness(t)
	repoID := validRepoID('6')
	candidate := filepath.Join(h.dir, "myrepo")

	if err := h.store.Upsert(store.Row{
		RepoID:   repoID,
		RepoName: "myrepo",
		Token:    "tok",
		PeerID:   "peer-1",
		Worktree: candidate,
		PeerAddr: "10.0.0.1",
		PeerPort: "10001",
		Email:    "a@example.com",
	}); err != nil {
		t.Fatalf("seeding store: %v", err)
	}
	h.repos.MarkFetched(repoID) // exists, head not yet set: crashed before checkout
	h.peer.SetConnected("peer-1", true)

	registry := task.NewRegistry()
	placer := worktree.New(NewConflicts(registry, h.repos))
	mgr := New(Deps{
		Store:        h.store,
		Registry:     registry,
		Placer:       placer,
		Peer:         h.peer,
		Transfer:     h.transfer,
		Repos:        h.repos,
		Jobs:         h.jobs,
		PollInterval: 20 * time.Millisecond,
	})
	if err := mgr.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Stop()

	waitForState(t, mgr, repoID, task.StateDone)
	if got := h.transfer.DownloadCount(); got != 0 {
		t.Fatalf("expected recovery to skip FETCH entirely, but %d download(s) were enqueued", got)
	}
}

// TestCrashBetweenFetchAndCheckoutWithPreexistingContentRecoversViaMerge
// covers the same crash scenario but for a worktree that had content before
// the clone began: root_id does not survive a crash, so recovery must
// re-index before merging, without ever re-entering FETCH.
func TestCrashBetweenFetchAndCheckoutWithPreexistingContentRecoversViaMerge(t *testing.T) {
	h := newHarness(t)
	repoID := validRepoID('9')
	candidate := filepath.Join(h.dir, "myrepo")
	if err := os.MkdirAll(candidate, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(candidate, "existing.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := h.store.Upsert(store.Row{
		RepoID:   repoID,
		RepoName: "myrepo",
		Token:    "tok",
		PeerID:   "peer-1",
		Worktree: candidate,
		PeerAddr: "10.0.0.1",
		PeerPort: "10001",
		Email:    "a@example.com",
	}); err != nil {
		t.Fatalf("seeding store: %v", err)
	}
	h.repos.MarkFetched(repoID)
	h.peer.SetConnected("peer-1", true)

	registry := task.NewRegistry()
	placer := worktree.New(NewConflicts(registry, h.repos))
	mgr := New(Deps{
		Store:        h.store,
		Registry:     registry,
		Placer:       placer,
		Peer:         h.peer,
		Transfer:     h.transfer,
		Repos:        h.repos,
		Jobs:         h.jobs,
		PollInterval: 20 * time.Millisecond,
	})
	if err := mgr.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Stop()

	waitForState(t, mgr, repoID, task.StateDone)
	if got := h.transfer.DownloadCount(); got != 0 {
		t.Fatalf("expected recovery to skip FETCH entirely, but %d download(s) were enqueued", got)
	}
}

// TestReadmitAlreadyFetchedRepoJumpsToCheckout covers spec.md §9:
// re-admitting add_task for a repo that was fetched but never checked out
// must be idempotent with startup recovery — no second download, straight
// to CHECKOUT.
func TestReadmitAlreadyFetchedRepoJumpsToCheckout(t *testing.T) {
	h := newHarness(t)
	repoID := validRepoID('a')
	h.peer.SetConnected("peer-1", true)
	h.repos.MarkFetched(repoID)

	if _, err := h.mgr.AddTask(h.addReq(repoID)); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	waitForState(t, h.mgr, repoID, task.StateDone)
	if got := h.transfer.DownloadCount(); got != 0 {
		t.Fatalf("expected no download for an already-fetched repo, got %d", got)
	}
}

func TestDuplicateAdmissionRejected(t *testing.T) {
	h := newHarness(t)
	repoID := validRepoID('7')
	h.peer.SetConnected("peer-1", true)

	if _, err := h.mgr.AddTask(h.addReq(repoID)); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if _, err := h.mgr.AddTask(h.addReq(repoID)); err != ErrAlreadyInProgress {
		t.Fatalf("err = %v, want ErrAlreadyInProgress", err)
	}
}

func TestRemoveTaskRequiresTerminalState(t *testing.T) {
	h := newHarness(t)
	repoID := validRepoID('8')
	h.peer.SetConnected("peer-1", true)

	if _, err := h.mgr.AddTask(h.addReq(repoID)); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	waitForState(t, h.mgr, repoID, task.StateFetch)

	if err := h.mgr.RemoveTask(repoID); err != ErrNotTerminal {
		t.Fatalf("err = %v, want ErrNotTerminal", err)
	}

	h.deliverFetch(repoID)
	waitForState(t, h.mgr, repoID, task.StateDone)

	if err := h.mgr.RemoveTask(repoID); err != nil {
		t.Fatalf("RemoveTask: %v", err)
	}
	if tk := h.mgr.GetTask(repoID); tk != nil {
		t.Fatalf("expected task to be gone after RemoveTask, got %+v", tk)
	}
}
