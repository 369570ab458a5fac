// Package db defines the SQL engine surface the replication core drives, plus
// an in-memory implementation used by tests and single-process development.
//
// The engine keeps a totally-ordered commit log. Every commit has a 1-based
// index and a hash that is deterministic over the query text and the previous
// commit's hash, so two engines that agree on (commit count, hash) agree on
// the entire history.
package db

import (
	"errors"
	"sync"
	"time"
)

// ErrConflict is returned by Commit when the prepared transaction lost a
// concurrency race and must be rolled back.
var ErrConflict = errors.New("db: commit conflict")

// ErrCheckpointRequired is returned by BeginTransaction when the engine needs
// a checkpoint before a new transaction can start. Callers roll back, call
// WaitForCheckpoint, and retry.
var ErrCheckpointRequired = errors.New("db: checkpoint required")

// ErrNoSuchCommit is returned by GetCommit/GetCommits for out-of-range indexes.
var ErrNoSuchCommit = errors.New("db: no such commit")

// Commit is one entry of the replicated commit log.
type Commit struct {
	Index uint64
	Hash  string
	Query string
}

// Transaction is a locally committed transaction not yet streamed to peers.
type Transaction struct {
	ID    uint64
	Query string
	Hash  string
}

// Timing holds per-phase durations of the last transaction.
type Timing struct {
	Begin   time.Duration
	Write   time.Duration
	Prepare time.Duration
	Commit  time.Duration
}

// Total returns the summed duration across phases.
func (t Timing) Total() time.Duration {
	return t.Begin + t.Write + t.Prepare + t.Commit
}

// Engine is the storage interface consumed by the replication core.
// Implementations must be safe for concurrent use: the sync loop and the
// follower replication workers share one handle.
type Engine interface {
	// CommitCount returns the index of the newest committed transaction
	// (0 for an empty log).
	CommitCount() uint64

	// CommittedHash returns the hash of the newest commit, or "" when empty.
	CommittedHash() string

	// UncommittedHash returns the hash of the prepared-but-uncommitted
	// transaction, or "" when none is outstanding.
	UncommittedHash() string

	// UncommittedQuery returns the query of the outstanding transaction.
	UncommittedQuery() string

	// BeginTransaction opens a transaction. At most one may be outstanding.
	// May return ErrCheckpointRequired.
	BeginTransaction() error

	// WriteUnmodified applies a replicated query verbatim inside the open
	// transaction.
	WriteUnmodified(query string) error

	// Prepare freezes the open transaction and computes its hash. A failure
	// here means the database is corrupt; callers treat it as fatal.
	Prepare() error

	// Commit makes the prepared transaction durable, advancing the commit
	// count by exactly one. Returns ErrConflict on a commit race.
	Commit() error

	// Rollback abandons any open or prepared transaction. Safe to call when
	// nothing is outstanding.
	Rollback()

	// GetCommit returns the hash and query of commit i.
	GetCommit(i uint64) (hash, query string, err error)

	// GetCommits returns commits in [from, to] inclusive.
	GetCommits(from, to uint64) ([]Commit, error)

	// CommittedTransactions drains and returns transactions committed locally
	// since the previous call, in commit order.
	CommittedTransactions() []Transaction

	// WaitForCheckpoint blocks until the engine is ready for a new
	// transaction after ErrCheckpointRequired.
	WaitForCheckpoint()

	// LastTransactionTiming reports phase timings of the last transaction.
	LastTransactionTiming() Timing

	// CommitLock is the process-wide commit lock. The leader's sync loop
	// holds it for the whole window from broadcasting BEGIN_TRANSACTION to
	// resolving the commit, so local writers can't interleave.
	CommitLock() *sync.Mutex
}
