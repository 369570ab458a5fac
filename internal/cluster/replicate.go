package cluster

import (
	"errors"
	"strings"
	"time"

	"github.com/TomMD/Bedrock/internal/db"
	"github.com/TomMD/Bedrock/internal/wire"
)

// asyncIDPrefix marks transaction IDs that were committed on the leader
// without waiting for votes; followers never respond to them.
const asyncIDPrefix = "ASYNC_"

// spawnReplicationWorker starts a worker for one inbound BEGIN/COMMIT/
// ROLLBACK. Workers run in parallel and coordinate through replCond plus the
// toCommit/toRollback hash sets. There must be at least two workers able to
// run concurrently: a worker holding a prepared transaction is only released
// by another worker delivering its COMMIT or ROLLBACK verdict.
func (n *Node) spawnReplicationWorker(p *Peer, msg *wire.Message) {
	n.replWG.Add(1)
	go func() {
		defer n.replWG.Done()
		n.replicate(p, msg)
	}()
}

func (n *Node) replicate(p *Peer, msg *wire.Message) {
	switch msg.Method {
	case "COMMIT_TRANSACTION":
		// Publish under replMu so a BEGIN worker can't check the sets and
		// miss the wakeup.
		n.replMu.Lock()
		n.hashMu.Lock()
		n.toCommit[msg.Get("Hash")] = struct{}{}
		n.hashMu.Unlock()
		n.replCond.Broadcast()
		n.replMu.Unlock()
	case "ROLLBACK_TRANSACTION":
		n.replMu.Lock()
		n.hashMu.Lock()
		n.toRollback[msg.Get("NewHash")] = struct{}{}
		n.hashMu.Unlock()
		n.replCond.Broadcast()
		n.replMu.Unlock()
	case "BEGIN_TRANSACTION":
		n.replicateBegin(p, msg)
	}
}

// replicateBegin waits for the local log to reach NewCount-1, prepares the
// transaction, votes, then waits for the leader's verdict. Strict commit
// ordering falls out of the NewCount == commitCount+1 gate: commitCount only
// advances when the corresponding COMMIT applies.
func (n *Node) replicateBegin(p *Peer, msg *wire.Message) {
	newHash := msg.Get("NewHash")

	n.replMu.Lock()
	for {
		if n.replExit {
			n.replMu.Unlock()
			return
		}
		if msg.Uint("NewCount") == n.db.CommitCount()+1 {
			// Safe to drop the lock once our condition has passed; we don't
			// touch the DB while holding it so waiting workers can't block
			// new message intake.
			n.replMu.Unlock()
			if err := n.handleBeginTransaction(p, msg); err != nil {
				n.logger.Error("replication worker abandoning transaction",
					"node", n.name,
					"peer", p.Name,
					"error", err,
				)
				n.db.Rollback()
				return
			}
			break
		}
		n.replCond.Wait()
	}

	// Wait for the verdict on our hash.
	n.replMu.Lock()
	for {
		if n.replExit {
			n.replMu.Unlock()
			n.db.Rollback()
			return
		}
		n.hashMu.Lock()
		_, commit := n.toCommit[newHash]
		_, rollback := n.toRollback[newHash]
		n.hashMu.Unlock()

		if !commit && !rollback {
			n.replCond.Wait()
			continue
		}
		n.replMu.Unlock()

		var err error
		if commit {
			err = n.handleCommitTransaction(msg.Uint("NewCount"), newHash)
		} else {
			err = n.handleRollbackTransaction(msg)
		}

		n.hashMu.Lock()
		if commit {
			delete(n.toCommit, newHash)
		} else {
			delete(n.toRollback, newHash)
		}
		n.hashMu.Unlock()

		// Wake workers waiting on the DB to come up to date; take replMu so
		// none of them can check and miss this.
		n.replMu.Lock()
		n.replCond.Broadcast()
		n.replMu.Unlock()

		if err != nil {
			n.logger.Error("replication worker failed to finish transaction",
				"node", n.name,
				"peer", p.Name,
				"error", err,
			)
			n.db.Rollback()
		}
		return
	}
}

// handleBeginTransaction prepares the replicated transaction and votes
// APPROVE or DENY. A returned error is a precondition violation; the worker
// abandons the transaction without voting.
func (n *Node) handleBeginTransaction(p *Peer, msg *wire.Message) error {
	leaderSendTime := time.UnixMicro(msg.Int("leaderSendTime"))
	dequeued := n.clock.Now()

	for _, h := range []string{"ID", "NewCount", "NewHash"} {
		if !msg.Has(h) {
			return protoErrf("BEGIN_TRANSACTION", "missing %s", h)
		}
	}
	if n.State() != Following {
		return protoErrf("BEGIN_TRANSACTION", "not following")
	}
	if n.db.UncommittedHash() != "" {
		return protoErrf("BEGIN_TRANSACTION", "already in a transaction")
	}

	success := true
	for {
		n.db.WaitForCheckpoint()
		err := n.db.BeginTransaction()
		if errors.Is(err, db.ErrCheckpointRequired) {
			n.db.Rollback()
			n.logger.Info("retrying begin after checkpoint", "node", n.name)
			continue
		}
		if err == nil {
			if werr := n.db.WriteUnmodified(string(msg.Content)); werr != nil {
				err = werr
			} else if perr := n.db.Prepare(); perr != nil {
				err = perr
			} else if n.db.UncommittedHash() != msg.Get("NewHash") {
				n.logger.Warn("new hash mismatch",
					"node", n.name,
					"commit_count", n.db.CommitCount(),
					"committed_hash", n.db.CommittedHash(),
					"uncommitted_hash", n.db.UncommittedHash(),
					"message_hash", msg.Get("NewHash"),
				)
				err = errors.New("new hash mismatch")
			}
		}
		if err != nil {
			success = false
			n.db.Rollback()
		}
		break
	}

	// Vote, unless we're a permafollower or the transaction is async.
	if n.Priority() > 0 {
		if !strings.HasPrefix(msg.Get("ID"), asyncIDPrefix) {
			verb := "APPROVE_TRANSACTION"
			if !success {
				verb = "DENY_TRANSACTION"
			}
			response := wire.New(verb)
			response.SetUint("NewCount", n.db.CommitCount()+1)
			if success {
				response.Set("NewHash", n.db.UncommittedHash())
			} else {
				response.Set("NewHash", msg.Get("NewHash"))
			}
			response.Set("ID", msg.Get("ID"))
			n.leadPeerMu.Lock()
			lead := n.leadPeer
			n.leadPeerMu.Unlock()
			if lead == nil {
				return protoErrf("BEGIN_TRANSACTION", "no leader to vote to")
			}
			n.logger.Info("voting on replicated transaction",
				"node", n.name,
				"vote", verb,
				"new_count", n.db.CommitCount()+1,
				"hash", msg.Get("NewHash"),
			)
			n.sendToPeer(lead, response)
		} else {
			n.logger.Debug("skipping vote for async transaction", "node", n.name, "id", msg.Get("ID"))
		}
	} else {
		n.logger.Debug("permafollower keeping quiet on transaction",
			"node", n.name,
			"new_count", n.db.CommitCount()+1,
		)
	}

	n.logger.Info("replicated transaction prepared",
		"node", n.name,
		"new_count", msg.Uint("NewCount"),
		"transit_ms", dequeued.Sub(leaderSendTime).Milliseconds(),
		"apply_ms", n.clock.Now().Sub(dequeued).Milliseconds(),
	)
	return nil
}

// handleCommitTransaction commits the outstanding replicated transaction once
// the leader's COMMIT verdict arrives.
func (n *Node) handleCommitTransaction(commitCount uint64, commitHash string) error {
	start := n.clock.Now()
	if n.State() != Following {
		return protoErrf("COMMIT_TRANSACTION", "not following")
	}
	if n.db.UncommittedHash() == "" {
		return protoErrf("COMMIT_TRANSACTION", "no outstanding transaction")
	}
	if commitCount != n.db.CommitCount()+1 {
		return protoErrf("COMMIT_TRANSACTION", "commit count mismatch: got %d, expected %d",
			commitCount, n.db.CommitCount()+1)
	}
	if commitHash != n.db.UncommittedHash() {
		return protoErrf("COMMIT_TRANSACTION", "hash mismatch: %s != %s", commitHash, n.db.UncommittedHash())
	}
	if err := n.db.Commit(); err != nil {
		return protoErrf("COMMIT_TRANSACTION", "commit failed: %v", err)
	}

	// We're following; these never need streaming from us.
	n.db.CommittedTransactions()

	timing := n.db.LastTransactionTiming()
	n.logger.Info("committed follower transaction",
		"node", n.name,
		"commit", commitCount,
		"hash", commitHash,
		"total_ms", timing.Total().Milliseconds(),
	)
	n.metrics.ObserveReplicationApply(n.name, n.clock.Now().Sub(start))
	return nil
}

// handleRollbackTransaction abandons the outstanding replicated transaction.
func (n *Node) handleRollbackTransaction(msg *wire.Message) error {
	if !msg.Has("ID") {
		return protoErrf("ROLLBACK_TRANSACTION", "missing ID")
	}
	if n.State() != Following {
		return protoErrf("ROLLBACK_TRANSACTION", "not following")
	}
	if n.db.UncommittedHash() == "" {
		n.logger.Info("ROLLBACK_TRANSACTION with no outstanding transaction", "node", n.name)
	}
	n.db.Rollback()
	return nil
}

// stopReplicationWorkers signals the pipeline to exit, wakes everyone, and
// joins. Workers roll back any in-flight transaction on the way out.
func (n *Node) stopReplicationWorkers() {
	n.replMu.Lock()
	n.replExit = true
	n.replMu.Unlock()
	n.replCond.Broadcast()
	n.replWG.Wait()

	n.replMu.Lock()
	n.replExit = false
	n.replMu.Unlock()

	n.hashMu.Lock()
	n.toCommit = make(map[string]struct{})
	n.toRollback = make(map[string]struct{})
	n.hashMu.Unlock()
}
