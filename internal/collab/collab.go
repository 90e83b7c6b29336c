// Package collab defines the interfaces through which the clone manager
// reaches its three external collaborators — the peer/connection layer,
// the transfer engine, and the repository store — plus the background job
// executor that runs their blocking work off the event loop.
//
// Real implementations of these interfaces (actual network transport, the
// actual object store) are out of scope for this repo; only the contracts
// and in-memory fakes used for tests and reference wiring live here.
package collab

import "context"

// Peer is the connection layer. The clone manager only ever asks it whether
// a peer is reachable and, once, to start trying.
type Peer interface {
	// Connected reports whether peerID is currently reachable.
	Connected(peerID string) bool
	// Connect registers peerID (addr:port) with the connection layer and
	// begins attempting to reach it. Non-blocking.
	Connect(peerID, addr, port string)
}

// FetchResult is delivered to the fetch completion sink.
type FetchResult struct {
	RepoID    string
	TxID      string
	Canceled  bool
	Err       error
}

// Transfer is the transport/transfer engine.
type Transfer interface {
	// AddDownload enqueues a clone download for repoID against peerID using
	// token, returning the transfer engine's handle (tx_id).
	AddDownload(ctx context.Context, repoID, peerID, token string) (txID string, err error)
	// Cancel asks the transfer engine to cancel an in-flight download. The
	// actual CANCELED/ERROR outcome arrives later via the fetch sink.
	Cancel(txID string)
	// Remove asks the transfer engine to forget a finished or canceled
	// download's bookkeeping.
	Remove(txID string)
}

// IndexResult is delivered by the job executor when an index job completes.
type IndexResult struct {
	RepoID string
	RootID string
	Err    error
}

// CheckoutResult is delivered by the repository store on checkout
// completion.
type CheckoutResult struct {
	RepoID string
	Err    error
}

// MergeResult is delivered by the job executor when a merge job completes.
type MergeResult struct {
	RepoID string
	Err    error
}

// RepoStore is the repository store: branches, commits, index I/O, the
// checkout worker, and the merge/unpack-trees algorithms.
type RepoStore interface {
	// Exists reports whether repoID has been materialized locally at all
	// (used by startup recovery).
	Exists(repoID string) bool
	// HeadSet reports whether repoID has a checked-out head (distinguishes
	// "fetched but never checked out" from "fully done" during recovery).
	HeadSet(repoID string) bool
	// Encrypted reports whether repoID requires a passphrase.
	Encrypted(repoID string) bool
	// VerifyPassphrase checks passphrase against repoID's key-verification
	// record.
	VerifyPassphrase(repoID, passphrase string) bool
	// StampIdentity records the token, email and peer coordinates on the
	// local repository after fetch.
	StampIdentity(repoID, token, email, peerAddr, peerPort string)
	// SetWorktree points repoID's worktree at path once a clone completes
	// successfully; implementations treat this as the signal that repoID
	// now exists locally with a checked-out head.
	SetWorktree(repoID, path string)
	// HasWorktree reports whether path is the current worktree of any
	// already-materialized repository. This is the "already a registered
	// repository's worktree" conflict population the Worktree Placer must
	// consult separately from in-flight clone tasks (§4.2 step 4).
	HasWorktree(path string) bool
}

// JobExecutor runs blocking index/checkout/merge work off the event loop
// and marshals each result back via the supplied callback, which the
// caller must schedule onto the event loop itself (the executor does not
// know about the loop).
type JobExecutor interface {
	// Index walks worktree, optionally encrypting with passphrase, and
	// calls done with the resulting tree hash.
	Index(repoID, worktree, passphrase string, done func(IndexResult))
	// Checkout writes the fetched head tree into an empty worktree and
	// calls done (also reachable via the checkout event sink).
	Checkout(repoID, worktree string, done func(CheckoutResult))
	// Merge performs the fast-forward-or-three-way merge described in §4.6
	// and calls done. The fast-forward check must walk rootID's full
	// ancestry from the fetched head, not just compare trees at HEAD: any
	// reachable commit whose tree matches rootID qualifies.
	Merge(repoID, worktree, rootID string, done func(MergeResult))
}
