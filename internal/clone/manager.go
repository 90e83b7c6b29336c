// Package clone implements the clone task state machine, the pipeline
// orchestrator that drives each stage's external collaborator, the
// connection poller, and startup recovery — the control plane that brings a
// remote repository into a local working tree.
package clone

import (
	"context"
	"log"
	"time"

	"github.com/cloud-shuttle/clonemgr/internal/collab"
	"github.com/cloud-shuttle/clonemgr/internal/store"
	"github.com/cloud-shuttle/clonemgr/internal/task"
	"github.com/cloud-shuttle/clonemgr/internal/worktree"
)

// AddTaskRequest carries the caller-facing add_task parameters.
type AddTaskRequest struct {
	RepoID   string
	PeerID   string
	RepoName string
	Token    string

	// Passphrase is optional; present only for encrypted repositories.
	Passphrase string

	// WorktreeParent is the caller-requested worktree path. Despite the
	// name (kept for fidelity with spec.md §6's external signature), the
	// Worktree Placer treats this as the candidate path itself, not a
	// directory to join with RepoName under — see DESIGN.md.
	WorktreeParent string

	PeerAddr string
	PeerPort string
	Email    string
}

// Deps bundles every external collaborator the manager needs, replacing
// the process-wide session singleton the original daemon read from.
type Deps struct {
	Store    *store.Store
	Registry *task.Registry
	Placer   *worktree.Placer
	Peer     collab.Peer
	Transfer collab.Transfer
	Repos    collab.RepoStore
	Jobs     collab.JobExecutor

	// PollInterval is how often CONNECT tasks are re-polled for peer
	// reachability. Defaults to 5s, matching §4.7.
	PollInterval time.Duration

	// MaxConnectAttempts bounds how many poll ticks a task may spend in
	// CONNECT before transitioning to ERROR(CONNECT); 0 means unlimited,
	// matching the original's indefinite stall. See SPEC_FULL.md item 6.
	MaxConnectAttempts int

	// OnTransition, if set, is called after every state change with the
	// task's new snapshot. Used by internal/statuspush to broadcast
	// status without internal/clone depending on it.
	OnTransition func(*task.Task)

	// Tracer, if set, wraps each pipeline stage in a span. See
	// internal/telemetry.
	Tracer Tracer
}

// Tracer is the subset of internal/telemetry's API the orchestrator needs,
// kept as a small interface here so internal/clone has no import-time
// dependency on the OpenTelemetry SDK.
type Tracer interface {
	StartStage(ctx context.Context, repoID string, stage string) (context.Context, func(err error))
	RecordTransition(t *task.Task, from, to task.State)
}

// Manager owns the Task Registry, the Task Store, and every state
// transition. Exactly one transition runs at a time: AddTask, CancelTask
// and RemoveTask hand their work to a single loop goroutine and wait for
// the result, the two event sinks queue theirs on the same loop without
// waiting, and GetTask/ListTasks read the registry directly, matching the
// single-threaded event loop described in spec.md §5.
type Manager struct {
	deps Deps

	connectAttempts map[string]int

	// stageEnd holds the in-flight span-closing callback for whichever
	// stage (CONNECT, INDEX, FETCH, CHECKOUT, MERGE) a task is
	// currently running, keyed by repo_id. Populated by startStage when a
	// stage begins, consumed and removed by endStage when its completion
	// fires.
	stageEnd map[string]func(error)

	ops      chan func()
	stopCh   chan struct{}
	stopped  chan struct{}
	interval time.Duration
}

// New constructs a Manager. Call Start to begin the event loop and
// connection poller.
func New(deps Deps) *Manager {
	if deps.PollInterval <= 0 {
		deps.PollInterval = 5 * time.Second
	}
	if deps.Tracer == nil {
		deps.Tracer = noopTracer{}
	}
	return &Manager{
		deps:            deps,
		connectAttempts: make(map[string]int),
		stageEnd:        make(map[string]func(error)),
		ops:             make(chan func(), 64),
		stopCh:          make(chan struct{}),
		stopped:         make(chan struct{}),
		interval:        deps.PollInterval,
	}
}

// Start runs recovery against the Task Store, then begins the event loop
// and the connection poller (every PollInterval, 5s by default). Must be
// called once before any other method.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.recover(ctx); err != nil {
		return err
	}
	go m.loop()
	return nil
}

// Stop halts the event loop and poller. Safe to call once after Start.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.stopped
}

func (m *Manager) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	defer close(m.stopped)

	for {
		select {
		case fn := <-m.ops:
			fn()
		case <-ticker.C:
			m.pollConnections()
		case <-m.stopCh:
			return
		}
	}
}

// invoke runs fn on the loop goroutine and blocks until it completes. Only
// ever called from outside the loop goroutine (public API, never from a
// job-completion callback) — calling it reentrantly from within the loop
// would deadlock.
func (m *Manager) invoke(fn func()) {
	done := make(chan struct{})
	m.ops <- func() {
		fn()
		close(done)
	}
	<-done
}

// enqueue schedules fn to run on the loop goroutine without waiting for it.
// Safe to call from any goroutine, including synchronously from within the
// loop itself (a job executor that completes inline).
func (m *Manager) enqueue(fn func()) {
	m.ops <- fn
}

// AddTask admits a new clone task. Admission-time validation errors are
// returned synchronously and do not create a task (spec.md §7).
func (m *Manager) AddTask(req AddTaskRequest) (string, error) {
	var repoID string
	var err error
	m.invoke(func() {
		repoID, err = m.addTask(req)
	})
	return repoID, err
}

// CancelTask requests cancellation. Returns ErrNotFound if the task is
// unknown; no-op if it is already terminal or already in CANCEL_PENDING.
func (m *Manager) CancelTask(repoID string) error {
	var err error
	m.invoke(func() {
		err = m.cancelTask(repoID)
	})
	return err
}

// RemoveTask deletes a terminal task from the registry, also asking the
// transfer engine to discard its bookkeeping if a tx_id was ever assigned.
func (m *Manager) RemoveTask(repoID string) error {
	var err error
	m.invoke(func() {
		err = m.removeTask(repoID)
	})
	return err
}

// GetTask returns the current snapshot for repoID, or nil if unknown. A
// status read never goes through the event loop: the registry's own mutex
// is enough for a single consistent read.
func (m *Manager) GetTask(repoID string) *task.Task {
	t := m.deps.Registry.Lookup(repoID)
	if t == nil {
		return nil
	}
	return t.Clone()
}

// ListTasks returns a snapshot of every registered task, terminal or not.
func (m *Manager) ListTasks() []*task.Task {
	var out []*task.Task
	m.deps.Registry.Iter(func(t *task.Task) {
		out = append(out, t.Clone())
	})
	return out
}

// OnRepoFetched is the event sink the transfer engine calls on fetch
// completion, keyed by tx_id. Only consulted for clone transfers; the
// caller is expected to have already filtered non-clone transfers, exactly
// as the original's `is_clone` guard did.
func (m *Manager) OnRepoFetched(result collab.FetchResult) {
	m.enqueue(func() {
		m.onRepoFetched(result)
	})
}

// OnCheckoutDone is the event sink the repository store calls when an
// empty-target checkout finishes.
func (m *Manager) OnCheckoutDone(result collab.CheckoutResult) {
	m.enqueue(func() {
		m.onCheckoutDone(result)
	})
}

// Sync blocks until every event enqueued before this call has been
// processed. Exists for deterministic tests driving fake collaborators
// whose completions arrive via enqueue rather than invoke.
func (m *Manager) Sync() {
	m.invoke(func() {})
}

func logTransition(repoID string, from, to task.State) {
	log.Printf("%s clone %s: %s -> %s", stageEmoji(to), shortID(repoID), from, to)
}

func shortID(repoID string) string {
	if len(repoID) > 8 {
		return repoID[:8]
	}
	return repoID
}

func stageEmoji(s task.State) string {
	switch s {
	case task.StateConnect:
		return "🔌"
	case task.StateIndex:
		return "📇"
	case task.StateFetch:
		return "⬇️"
	case task.StateCheckout:
		return "📦"
	case task.StateMerge:
		return "🔀"
	case task.StateDone:
		return "✅"
	case task.StateError:
		return "❌"
	case task.StateCancelPending, task.StateCanceled:
		return "🛑"
	default:
		return "🔄"
	}
}

type noopTracer struct{}

func (noopTracer) StartStage(ctx context.Context, repoID, stage string) (context.Context, func(error)) {
	return ctx, func(error) {}
}
func (noopTracer) RecordTransition(t *task.Task, from, to task.State) {}
