package collab

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// FakePeer is an in-memory Peer used by tests and by cmd/clonemgrd's
// reference wiring. Connectivity is driven explicitly via SetConnected
// rather than any real network probing.
type FakePeer struct {
	mu        sync.Mutex
	connected map[string]bool
}

// NewFakePeer returns a FakePeer with no peers connected.
func NewFakePeer() *FakePeer {
	return &FakePeer{connected: make(map[string]bool)}
}

func (p *FakePeer) Connected(peerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected[peerID]
}

func (p *FakePeer) Connect(peerID, addr, port string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.connected[peerID]; !ok {
		p.connected[peerID] = false
	}
}

// SetConnected flips peerID's reachability, as if the relay layer had just
// established (or dropped) the session.
func (p *FakePeer) SetConnected(peerID string, connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected[peerID] = connected
}

// FakeTransfer is an in-memory Transfer. Downloads are tracked by tx_id and
// completed/canceled/errored explicitly by the test driving it, then
// delivered through the fetch sink the same way the real transfer engine
// would deliver a repo-fetched event.
type FakeTransfer struct {
	mu        sync.Mutex
	downloads map[string]string // txID -> repoID
	issued    int

	// repos is marked fetched by Complete, mirroring how the real transfer
	// engine materializes a repository locally before handing off to the
	// fetch sink. May be nil, in which case Complete only builds the result.
	repos *FakeRepoStore
}

// NewFakeTransfer returns an empty FakeTransfer. repos may be nil if the
// caller only ever drives fetch completion manually (never via Complete).
func NewFakeTransfer(repos *FakeRepoStore) *FakeTransfer {
	return &FakeTransfer{downloads: make(map[string]string), repos: repos}
}

func (f *FakeTransfer) AddDownload(ctx context.Context, repoID, peerID, token string) (string, error) {
	txID := uuid.NewString()
	f.mu.Lock()
	f.downloads[txID] = repoID
	f.issued++
	f.mu.Unlock()
	return txID, nil
}

func (f *FakeTransfer) Cancel(txID string) {
	// Does nothing; the test harness is expected to subsequently deliver
	// the canceled outcome via the fetch sink, exactly as the real engine
	// would report cancellation asynchronously.
}

func (f *FakeTransfer) Remove(txID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.downloads, txID)
}

// Complete simulates a successful download: it marks repoID as
// materialized locally (exists, head not yet set), exactly as the real
// transfer engine would before invoking the fetch sink, and returns the
// FetchResult for the caller to hand to Manager.OnRepoFetched.
func (f *FakeTransfer) Complete(repoID string) FetchResult {
	if f.repos != nil {
		f.repos.MarkFetched(repoID)
	}
	f.mu.Lock()
	var txID string
	for id, r := range f.downloads {
		if r == repoID {
			txID = id
			break
		}
	}
	f.mu.Unlock()
	return FetchResult{RepoID: repoID, TxID: txID}
}

// RepoIDFor returns the repo id a tx_id was issued for, for tests that need
// to construct a FetchResult.
func (f *FakeTransfer) RepoIDFor(txID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	repoID, ok := f.downloads[txID]
	return repoID, ok
}

// DownloadCount returns how many downloads have ever been enqueued via
// AddDownload (including ones since Remove'd), for tests asserting that a
// recovery or re-admission path did not re-fetch an already-fetched repo.
func (f *FakeTransfer) DownloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issued
}

// FakeRepoStore is an in-memory RepoStore.
type FakeRepoStore struct {
	mu        sync.Mutex
	exists    map[string]bool
	head      map[string]bool
	encrypted map[string]string // repoID -> correct passphrase
	worktree  map[string]string
}

// NewFakeRepoStore returns an empty FakeRepoStore.
func NewFakeRepoStore() *FakeRepoStore {
	return &FakeRepoStore{
		exists:    make(map[string]bool),
		head:      make(map[string]bool),
		encrypted: make(map[string]string),
		worktree:  make(map[string]string),
	}
}

func (s *FakeRepoStore) Exists(repoID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exists[repoID]
}

func (s *FakeRepoStore) HeadSet(repoID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head[repoID]
}

func (s *FakeRepoStore) Encrypted(repoID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.encrypted[repoID]
	return ok
}

func (s *FakeRepoStore) VerifyPassphrase(repoID, passphrase string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	want, ok := s.encrypted[repoID]
	if !ok {
		return true
	}
	return want == passphrase
}

func (s *FakeRepoStore) StampIdentity(repoID, token, email, peerAddr, peerPort string) {
	// Not recorded: tests assert on Exists/HeadSet, not identity
	// fields, which belong to the real repository store's domain.
}

// SetWorktree records repoID's final worktree path. The clone manager only
// calls this once a clone has fully succeeded, so — like the real
// repository store — it also marks repoID as existing with a checked-out
// head.
func (s *FakeRepoStore) SetWorktree(repoID, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.worktree[repoID] = path
	s.exists[repoID] = true
	s.head[repoID] = true
}

// HasWorktree reports whether path is the worktree of any repository this
// store knows about, regardless of which repoID it belongs to.
func (s *FakeRepoStore) HasWorktree(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.worktree {
		if p == path {
			return true
		}
	}
	return false
}

// MarkFetched simulates the transfer engine having materialized repoID
// locally without a head (the crash-between-fetch-and-checkout scenario).
func (s *FakeRepoStore) MarkFetched(repoID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exists[repoID] = true
	s.head[repoID] = false
}

// MarkCheckedOut simulates a completed checkout or merge.
func (s *FakeRepoStore) MarkCheckedOut(repoID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exists[repoID] = true
	s.head[repoID] = true
}

// SetEncrypted marks repoID as requiring passphrase to match.
func (s *FakeRepoStore) SetEncrypted(repoID, passphrase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encrypted[repoID] = passphrase
}

// FakeJobExecutor runs index/checkout/merge jobs synchronously in the
// calling goroutine, which is sufficient for deterministic tests; a real
// job executor would run them on a worker pool and call done from there.
type FakeJobExecutor struct {
	mu   sync.Mutex
	fail map[string]bool // repoID -> force the next job, of any kind, to fail
}

// NewFakeJobExecutor returns a FakeJobExecutor with every job succeeding by
// default.
func NewFakeJobExecutor() *FakeJobExecutor {
	return &FakeJobExecutor{fail: make(map[string]bool)}
}

// FailNext marks repoID's next job invocation (of any kind) as a failure.
func (e *FakeJobExecutor) FailNext(repoID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fail[repoID] = true
}

func (e *FakeJobExecutor) shouldFail(repoID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail[repoID] {
		delete(e.fail, repoID)
		return true
	}
	return false
}

func (e *FakeJobExecutor) Index(repoID, worktree, passphrase string, done func(IndexResult)) {
	if e.shouldFail(repoID) {
		done(IndexResult{RepoID: repoID, Err: fmt.Errorf("fake index failure")})
		return
	}
	done(IndexResult{RepoID: repoID, RootID: uuid.NewString()})
}

func (e *FakeJobExecutor) Checkout(repoID, worktree string, done func(CheckoutResult)) {
	if e.shouldFail(repoID) {
		done(CheckoutResult{RepoID: repoID, Err: fmt.Errorf("fake checkout failure")})
		return
	}
	done(CheckoutResult{RepoID: repoID})
}

func (e *FakeJobExecutor) Merge(repoID, worktree, rootID string, done func(MergeResult)) {
	if e.shouldFail(repoID) {
		done(MergeResult{RepoID: repoID, Err: fmt.Errorf("fake merge failure")})
		return
	}
	done(MergeResult{RepoID: repoID})
}
