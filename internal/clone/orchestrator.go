package clone

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/cloud-shuttle/clonemgr/internal/collab"
	"github.com/cloud-shuttle/clonemgr/internal/store"
	"github.com/cloud-shuttle/clonemgr/internal/task"
	"github.com/cloud-shuttle/clonemgr/internal/worktree"
)

// Everything in this file runs exclusively on the event loop goroutine: it
// is reached only from Manager.invoke/enqueue closures, Manager.recover
// (called before the loop starts), or Manager.pollConnections (called from
// the loop's own ticker case). None of it takes a lock on *task.Task because
// nothing else ever mutates one.

// addTask is AddTask's loop-goroutine body.
func (m *Manager) addTask(req AddTaskRequest) (string, error) {
	if len(req.RepoID) != 36 {
		return "", ErrInvalidRepoID
	}
	if existing := m.deps.Registry.Lookup(req.RepoID); existing != nil && !existing.State.Terminal() {
		return "", ErrAlreadyInProgress
	}
	if m.deps.Repos.Exists(req.RepoID) && m.deps.Repos.HeadSet(req.RepoID) {
		return "", ErrRepoExists
	}

	candidate := req.WorktreeParent
	if err := worktree.ValidateName(candidate, req.RepoName); err != nil {
		return "", ErrInvalidDirectoryName
	}

	preexisted := dirHasContent(candidate)

	path, err := m.deps.Placer.Place(candidate, false)
	if err != nil {
		switch err {
		case worktree.ErrInvalidDirectory:
			return "", ErrInvalidDirectory
		case worktree.ErrAlreadyInSync:
			return "", ErrRepoExists
		default:
			return "", err
		}
	}

	t := &task.Task{
		RepoID:     req.RepoID,
		PeerID:     req.PeerID,
		RepoName:   req.RepoName,
		Token:      req.Token,
		Worktree:   path,
		Passphrase: req.Passphrase,
		PeerAddr:   req.PeerAddr,
		PeerPort:   req.PeerPort,
		Email:      req.Email,
		State:      task.StateInit,
	}
	m.deps.Registry.InsertOrReplace(t)
	m.persist(t)

	switch {
	case m.deps.Repos.Exists(t.RepoID):
		// Exists but HeadSet was already ruled out above: this repo was
		// fetched by some earlier attempt and never checked out.
		m.resumeAfterFetch(t)
	case preexisted:
		m.startIndex(t, m.enterConnect)
	default:
		m.enterConnect(t)
	}

	return t.RepoID, nil
}

// cancelTask is CancelTask's loop-goroutine body.
func (m *Manager) cancelTask(repoID string) error {
	t := m.deps.Registry.Lookup(repoID)
	if t == nil {
		return ErrNotFound
	}
	if t.State.Terminal() || t.State == task.StateCancelPending {
		return nil
	}

	switch t.State {
	case task.StateInit, task.StateConnect:
		m.endStage(t.RepoID, fmt.Errorf("canceled"))
		m.finishCanceled(t)
	case task.StateFetch:
		m.transition(t, task.StateCancelPending)
		m.deps.Transfer.Cancel(t.TxID)
	default: // INDEX, CHECKOUT, MERGE: let the in-flight job finish, then stop
		m.transition(t, task.StateCancelPending)
	}
	return nil
}

// removeTask is RemoveTask's loop-goroutine body.
func (m *Manager) removeTask(repoID string) error {
	t := m.deps.Registry.Lookup(repoID)
	if t == nil {
		return ErrNotFound
	}
	if !t.State.Terminal() {
		return ErrNotTerminal
	}
	if t.TxID != "" {
		m.deps.Transfer.Remove(t.TxID)
	}
	m.deps.Registry.Remove(repoID)
	return nil
}

// startStage opens a tracer span for stage and remembers how to close it,
// keyed by repo_id, until the matching endStage call observes the stage's
// completion. Only one stage is ever in flight per task (the state machine
// never runs two asynchronous jobs for the same repo_id concurrently), so a
// single slot per repo_id is sufficient.
func (m *Manager) startStage(ctx context.Context, t *task.Task, stage string) context.Context {
	spanCtx, end := m.deps.Tracer.StartStage(ctx, t.RepoID, stage)
	m.stageEnd[t.RepoID] = end
	return spanCtx
}

// endStage closes whichever stage is currently open for repoID, if any.
// Safe to call even when no stage was opened (e.g. admission-time failures
// before any job was dispatched).
func (m *Manager) endStage(repoID string, err error) {
	end, ok := m.stageEnd[repoID]
	if !ok {
		return
	}
	delete(m.stageEnd, repoID)
	end(err)
}

// enterConnect moves t into CONNECT, kicks the peer layer, and advances
// immediately to FETCH if it is already reachable. Otherwise pollConnections
// picks it up on the next tick.
func (m *Manager) enterConnect(t *task.Task) {
	m.transition(t, task.StateConnect)
	m.startStage(context.Background(), t, "connect")
	delete(m.connectAttempts, t.RepoID)
	m.deps.Peer.Connect(t.PeerID, t.PeerAddr, t.PeerPort)
	if m.deps.Peer.Connected(t.PeerID) {
		m.startFetch(t)
	}
}

// pollConnections runs every tick; it is the connect pulse (every
// PollInterval, 5s by default).
func (m *Manager) pollConnections() {
	m.deps.Registry.Iter(func(t *task.Task) {
		if t.State != task.StateConnect {
			return
		}
		if m.deps.Peer.Connected(t.PeerID) {
			delete(m.connectAttempts, t.RepoID)
			m.startFetch(t)
			return
		}
		m.connectAttempts[t.RepoID]++
		if m.deps.MaxConnectAttempts > 0 && m.connectAttempts[t.RepoID] >= m.deps.MaxConnectAttempts {
			attempts := m.connectAttempts[t.RepoID]
			delete(m.connectAttempts, t.RepoID)
			err := fmt.Errorf("peer %s unreachable after %d attempts", t.PeerID, attempts)
			m.endStage(t.RepoID, err)
			m.fail(t, task.ErrorConnect, err)
		}
	})
}

// startFetch asks the transfer engine for a download and enters FETCH. The
// tx_id is recorded before the state flips, preserving "state=FETCH implies
// tx_id is set". The CONNECT span opened by enterConnect (if any) closes
// here; the FETCH span stays open until onRepoFetched fires.
func (m *Manager) startFetch(t *task.Task) {
	m.endStage(t.RepoID, nil)
	ctx := m.startStage(context.Background(), t, "fetch")
	txID, err := m.deps.Transfer.AddDownload(ctx, t.RepoID, t.PeerID, t.Token)
	if err != nil {
		m.endStage(t.RepoID, err)
		m.fail(t, task.ErrorFetch, err)
		return
	}
	t.TxID = txID
	m.transition(t, task.StateFetch)
}

// onRepoFetched is OnRepoFetched's loop-goroutine body.
func (m *Manager) onRepoFetched(result collab.FetchResult) {
	t := m.deps.Registry.Lookup(result.RepoID)
	if t == nil {
		return
	}
	if result.TxID != t.TxID {
		// A completion for some other transfer (e.g. one from an earlier,
		// superseded attempt at the same repo): not this task's fetch.
		return
	}
	if t.State == task.StateCancelPending {
		m.endStage(t.RepoID, fmt.Errorf("canceled"))
		m.finishCanceled(t)
		return
	}
	if t.State != task.StateFetch {
		return
	}
	if result.Canceled {
		m.endStage(t.RepoID, nil)
		m.finishCanceled(t)
		return
	}
	if result.Err != nil {
		m.endStage(t.RepoID, result.Err)
		m.fail(t, task.ErrorFetch, result.Err)
		return
	}
	if !m.deps.Repos.Exists(t.RepoID) {
		err := fmt.Errorf("repository %s not found locally after fetch", shortID(t.RepoID))
		m.endStage(t.RepoID, err)
		m.fail(t, task.ErrorInternal, err)
		return
	}
	m.endStage(t.RepoID, nil)

	// §4.5 step 2: record the token, email, and peer coordinates on the
	// now-local repository immediately after fetch, before checkout/merge
	// is scheduled — matching the original's on_repo_fetched, which calls
	// set_repo_token/set_repo_email/set_repo_relay_info before
	// start_checkout.
	m.deps.Repos.StampIdentity(t.RepoID, t.Token, t.Email, t.PeerAddr, t.PeerPort)

	if t.RootID != "" {
		// The worktree had content before this clone began; its tree hash
		// was computed during INDEX, so the freshly fetched head must be
		// merged against it rather than checked out wholesale.
		m.startMerge(t)
		return
	}
	m.startCheckout(t)
}

// startIndex computes the root tree hash of a pre-existing worktree, then
// hands the task to next once it succeeds. A fresh clone passes
// enterConnect (it still has to fetch); resumeAfterFetch passes startMerge
// (the repo is already fetched, only the merge is outstanding).
func (m *Manager) startIndex(t *task.Task, next func(*task.Task)) {
	m.transition(t, task.StateIndex)
	m.startStage(context.Background(), t, "index")
	m.deps.Jobs.Index(t.RepoID, t.Worktree, t.Passphrase, func(result collab.IndexResult) {
		m.enqueue(func() { m.onIndexDone(result, next) })
	})
}

func (m *Manager) onIndexDone(result collab.IndexResult, next func(*task.Task)) {
	t := m.deps.Registry.Lookup(result.RepoID)
	if t == nil {
		return
	}
	if t.State == task.StateCancelPending {
		m.endStage(t.RepoID, fmt.Errorf("canceled"))
		m.finishCanceled(t)
		return
	}
	if t.State != task.StateIndex {
		return
	}
	if result.Err != nil {
		m.endStage(t.RepoID, result.Err)
		m.fail(t, task.ErrorIndex, result.Err)
		return
	}
	m.endStage(t.RepoID, nil)
	t.RootID = result.RootID
	next(t)
}

// resumeAfterFetch is the INIT -> (CHECKOUT | MERGE) fork spec.md §4.4
// calls "repo already exists but unchecked": the repository was already
// fetched (RepoStore.Exists) but never checked out (!HeadSet), either
// because add_task was re-admitted for it (§9) or because startup recovery
// observed the same thing after a crash between fetch and checkout (§4.8
// scenario 5). Either way there is nothing left to fetch, so FETCH is
// skipped entirely.
//
// RootID does not survive a crash — the CloneTasks table has no root_id
// column (§6) — so a non-empty worktree is re-indexed before merging; an
// empty worktree goes straight to checkout. Re-indexing is harmless: it
// only reads the worktree, it does not touch the already-fetched repo.
func (m *Manager) resumeAfterFetch(t *task.Task) {
	if dirHasContent(t.Worktree) {
		m.startIndex(t, m.startMerge)
		return
	}
	m.startCheckout(t)
}

// startCheckout verifies any required passphrase before writing the fetched
// head into an empty worktree.
func (m *Manager) startCheckout(t *task.Task) {
	if m.deps.Repos.Encrypted(t.RepoID) && !m.deps.Repos.VerifyPassphrase(t.RepoID, t.Passphrase) {
		m.fail(t, task.ErrorPassword, fmt.Errorf("incorrect passphrase for repo %s", shortID(t.RepoID)))
		return
	}
	m.transition(t, task.StateCheckout)
	m.startStage(context.Background(), t, "checkout")
	m.deps.Jobs.Checkout(t.RepoID, t.Worktree, func(result collab.CheckoutResult) {
		m.enqueue(func() { m.onCheckoutDone(result) })
	})
}

func (m *Manager) onCheckoutDone(result collab.CheckoutResult) {
	t := m.deps.Registry.Lookup(result.RepoID)
	if t == nil {
		return
	}
	if t.State == task.StateCancelPending {
		m.endStage(t.RepoID, fmt.Errorf("canceled"))
		m.finishCanceled(t)
		return
	}
	if t.State != task.StateCheckout {
		return
	}
	if result.Err != nil {
		m.endStage(t.RepoID, result.Err)
		m.fail(t, task.ErrorCheckout, result.Err)
		return
	}
	m.endStage(t.RepoID, nil)
	m.finishDone(t)
}

// startMerge verifies any required passphrase, then fast-forwards or
// three-way merges the fetched head against the pre-existing worktree's
// indexed root.
func (m *Manager) startMerge(t *task.Task) {
	if m.deps.Repos.Encrypted(t.RepoID) && !m.deps.Repos.VerifyPassphrase(t.RepoID, t.Passphrase) {
		m.fail(t, task.ErrorPassword, fmt.Errorf("incorrect passphrase for repo %s", shortID(t.RepoID)))
		return
	}
	m.transition(t, task.StateMerge)
	m.startStage(context.Background(), t, "merge")
	m.deps.Jobs.Merge(t.RepoID, t.Worktree, t.RootID, func(result collab.MergeResult) {
		m.enqueue(func() { m.onMergeDone(result) })
	})
}

func (m *Manager) onMergeDone(result collab.MergeResult) {
	t := m.deps.Registry.Lookup(result.RepoID)
	if t == nil {
		return
	}
	if t.State == task.StateCancelPending {
		m.endStage(t.RepoID, fmt.Errorf("canceled"))
		m.finishCanceled(t)
		return
	}
	if t.State != task.StateMerge {
		return
	}
	if result.Err != nil {
		m.endStage(t.RepoID, result.Err)
		m.fail(t, task.ErrorMerge, result.Err)
		return
	}
	m.endStage(t.RepoID, nil)
	m.finishDone(t)
}

// finishDone records the repository's final worktree, then retires the
// task: its durable row is deleted and its state becomes terminal,
// together, so the "terminal implies no store row" invariant never has a
// gap an observer could see. Identity (token/email/peer) was already
// stamped in onRepoFetched, immediately after fetch (§4.5 step 2).
func (m *Manager) finishDone(t *task.Task) {
	m.deps.Repos.SetWorktree(t.RepoID, t.Worktree)
	t.Error = task.ErrorNone
	m.transition(t, task.StateDone)
	if err := m.deps.Store.Delete(t.RepoID); err != nil {
		log.Printf("deleting finished clone task %s: %v", shortID(t.RepoID), err)
	}
}

// finishCanceled retires t as CANCELED, absorbing whatever stage it was in.
func (m *Manager) finishCanceled(t *task.Task) {
	m.transition(t, task.StateCanceled)
	if err := m.deps.Store.Delete(t.RepoID); err != nil {
		log.Printf("deleting canceled clone task %s: %v", shortID(t.RepoID), err)
	}
}

// fail retires t as ERROR with the given classification.
func (m *Manager) fail(t *task.Task, kind task.ErrorKind, err error) {
	t.Error = kind
	m.transition(t, task.StateError)
	if derr := m.deps.Store.Delete(t.RepoID); derr != nil {
		log.Printf("deleting failed clone task %s: %v", shortID(t.RepoID), derr)
	}
	log.Printf("❌ clone %s failed in %s: %v", shortID(t.RepoID), kind, err)
}

// transition mutates t's state, logs it, feeds the tracer and status push
// hook, and keeps the durable row in sync for non-terminal states. Terminal
// transitions are followed immediately by an explicit Store.Delete in the
// caller (finishDone/finishCanceled/fail), never by persist here.
func (m *Manager) transition(t *task.Task, to task.State) {
	from := t.State
	t.State = to
	logTransition(t.RepoID, from, to)
	m.deps.Tracer.RecordTransition(t, from, to)
	if !to.Terminal() {
		m.persist(t)
	}
	if m.deps.OnTransition != nil {
		m.deps.OnTransition(t.Clone())
	}
}

func (m *Manager) persist(t *task.Task) {
	err := m.deps.Store.Upsert(store.Row{
		RepoID:     t.RepoID,
		RepoName:   t.RepoName,
		Token:      t.Token,
		PeerID:     t.PeerID,
		Worktree:   t.Worktree,
		Passphrase: t.Passphrase,
		PeerAddr:   t.PeerAddr,
		PeerPort:   t.PeerPort,
		Email:      t.Email,
	})
	if err != nil {
		log.Printf("persisting clone task %s: %v", shortID(t.RepoID), err)
	}
}

// recover rebuilds the registry from the durable store at startup. Only the
// nine admission fields survive a crash, so a recovered task restarts its
// pipeline from INIT rather than resuming whatever stage it was in, with
// one exception spec.md §4.8 calls out explicitly: a repo that was already
// fetched before the crash (RepoStore.Exists) but never checked out
// (!HeadSet) must not be fetched again — it jumps straight to the
// checkout/merge fork via resumeAfterFetch, the same fork a fresh
// re-admission of the same repo uses (§9).
func (m *Manager) recover(ctx context.Context) error {
	rows, err := m.deps.Store.Enumerate()
	if err != nil {
		return fmt.Errorf("enumerating clone tasks for recovery: %w", err)
	}

	for _, row := range rows {
		if m.deps.Repos.Exists(row.RepoID) && m.deps.Repos.HeadSet(row.RepoID) {
			// The clone actually finished before the crash; only the
			// terminal delete never made it to disk.
			if err := m.deps.Store.Delete(row.RepoID); err != nil {
				log.Printf("recovery: deleting completed clone task %s: %v", shortID(row.RepoID), err)
			}
			continue
		}

		t := &task.Task{
			RepoID:     row.RepoID,
			PeerID:     row.PeerID,
			RepoName:   row.RepoName,
			Token:      row.Token,
			Worktree:   row.Worktree,
			Passphrase: row.Passphrase,
			PeerAddr:   row.PeerAddr,
			PeerPort:   row.PeerPort,
			Email:      row.Email,
			State:      task.StateInit,
		}
		m.deps.Registry.InsertOrReplace(t)
		log.Printf("🔄 recovered clone task %s from durable store", shortID(t.RepoID))

		switch {
		case m.deps.Repos.Exists(t.RepoID):
			m.resumeAfterFetch(t)
		case dirHasContent(t.Worktree):
			m.startIndex(t, m.enterConnect)
		default:
			m.enterConnect(t)
		}
	}
	return nil
}

func dirHasContent(path string) bool {
	entries, err := os.ReadDir(path)
	if err != nil {
		return false
	}
	return len(entries) > 0
}
