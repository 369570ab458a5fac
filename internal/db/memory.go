package db

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryEngine is an in-memory Engine. It models the commit log and hash
// chain faithfully but executes no SQL: WriteUnmodified records the query
// text untouched. Tests and single-node development use it directly.
type MemoryEngine struct {
	mu         sync.Mutex
	commitLock sync.Mutex

	log           []Commit
	committedHash string

	inTx             bool
	prepared         bool
	uncommittedQuery strings.Builder
	uncommittedHash  string

	unsent []Transaction
	timing Timing

	txStart time.Time

	// Test fault injection.
	failNextCommit      bool
	checkpointRemaining int
}

// NewMemoryEngine returns an empty in-memory engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{}
}

// HashCommit computes the chained hash for a query committed on top of
// prevHash. Deterministic across nodes: the whole cluster agrees on hashes as
// long as it agrees on history.
func HashCommit(prevHash, query string) string {
	sum := sha1.Sum([]byte(prevHash + query))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func (e *MemoryEngine) CommitCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return uint64(len(e.log))
}

func (e *MemoryEngine) CommittedHash() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.committedHash
}

func (e *MemoryEngine) UncommittedHash() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.uncommittedHash
}

func (e *MemoryEngine) UncommittedQuery() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.uncommittedQuery.String()
}

func (e *MemoryEngine) BeginTransaction() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.checkpointRemaining > 0 {
		e.checkpointRemaining--
		return ErrCheckpointRequired
	}
	if e.inTx {
		return fmt.Errorf("db: transaction already open")
	}
	e.inTx = true
	e.prepared = false
	e.uncommittedQuery.Reset()
	e.uncommittedHash = ""
	e.txStart = time.Now()
	return nil
}

func (e *MemoryEngine) WriteUnmodified(query string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.inTx {
		return fmt.Errorf("db: write outside transaction")
	}
	if e.prepared {
		return fmt.Errorf("db: write after prepare")
	}
	e.uncommittedQuery.WriteString(query)
	return nil
}

func (e *MemoryEngine) Prepare() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.inTx {
		return fmt.Errorf("db: prepare outside transaction")
	}
	e.prepared = true
	e.uncommittedHash = HashCommit(e.committedHash, e.uncommittedQuery.String())
	e.timing.Prepare = time.Since(e.txStart)
	return nil
}

func (e *MemoryEngine) Commit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.inTx || !e.prepared {
		return fmt.Errorf("db: commit without prepared transaction")
	}
	if e.failNextCommit {
		e.failNextCommit = false
		return ErrConflict
	}
	entry := Commit{
		Index: uint64(len(e.log)) + 1,
		Hash:  e.uncommittedHash,
		Query: e.uncommittedQuery.String(),
	}
	e.log = append(e.log, entry)
	e.committedHash = entry.Hash
	e.unsent = append(e.unsent, Transaction{ID: entry.Index, Query: entry.Query, Hash: entry.Hash})
	e.inTx = false
	e.prepared = false
	e.uncommittedQuery.Reset()
	e.uncommittedHash = ""
	e.timing.Commit = time.Since(e.txStart) - e.timing.Prepare
	return nil
}

func (e *MemoryEngine) Rollback() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inTx = false
	e.prepared = false
	e.uncommittedQuery.Reset()
	e.uncommittedHash = ""
}

func (e *MemoryEngine) GetCommit(i uint64) (string, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i == 0 || i > uint64(len(e.log)) {
		return "", "", ErrNoSuchCommit
	}
	c := e.log[i-1]
	return c.Hash, c.Query, nil
}

func (e *MemoryEngine) GetCommits(from, to uint64) ([]Commit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if from == 0 || from > to || to > uint64(len(e.log)) {
		return nil, ErrNoSuchCommit
	}
	out := make([]Commit, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, e.log[i-1])
	}
	return out, nil
}

func (e *MemoryEngine) CommittedTransactions() []Transaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.unsent
	e.unsent = nil
	return out
}

func (e *MemoryEngine) WaitForCheckpoint() {
	// The in-memory engine never has a real checkpoint to wait on; injected
	// ErrCheckpointRequired faults resolve on retry.
}

func (e *MemoryEngine) LastTransactionTiming() Timing {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timing
}

func (e *MemoryEngine) CommitLock() *sync.Mutex {
	return &e.commitLock
}

// SeedCommits appends count commits built from generated queries, bypassing
// the transaction flow. Test setup helper.
func (e *MemoryEngine) SeedCommits(count int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < count; i++ {
		query := fmt.Sprintf("INSERT INTO seed VALUES (%d);", len(e.log)+1)
		hash := HashCommit(e.committedHash, query)
		e.log = append(e.log, Commit{Index: uint64(len(e.log)) + 1, Hash: hash, Query: query})
		e.committedHash = hash
	}
}

// FailNextCommit makes the next Commit return ErrConflict. Test helper.
func (e *MemoryEngine) FailNextCommit() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNextCommit = true
}

// InjectCheckpointRequired makes the next n BeginTransaction calls return
// ErrCheckpointRequired. Test helper.
func (e *MemoryEngine) InjectCheckpointRequired(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkpointRemaining = n
}
