package cluster

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/TomMD/Bedrock/internal/db"
	"github.com/TomMD/Bedrock/internal/wire"
)

// Update advances the state machine one tick. Returns true when the caller
// should tick again immediately (a transition happened and the new state has
// work to do), false when the node is waiting on the network or a timeout.
func (n *Node) Update() bool {
	now := n.clock.Now()
	n.logNetStats(now)

	switch n.state {
	case Searching:
		return n.updateSearching()
	case Synchronizing:
		return n.updateSynchronizing()
	case Waiting:
		return n.updateWaiting()
	case StandingUp:
		return n.updateStandingUp()
	case Leading, StandingDown:
		return n.updateLeading()
	case Subscribing:
		return n.updateSubscribing()
	case Following:
		return n.updateFollowing()
	}
	n.logger.Error("update in invalid state", "node", n.name, "state", int(n.state))
	return false
}

// updateSearching connects to peers, finds the freshest one, and decides
// whether to synchronize from it or proceed to WAITING.
func (n *Node) updateSearching() bool {
	if n.ShutdownComplete() {
		return false
	}

	// No peers: we are the cluster.
	if n.peers.Len() == 0 {
		n.logger.Info("no peers configured, jumping to LEADING", "node", n.name)
		n.changeState(Leading)
		n.leaderVersion = n.version
		return true
	}

	numFull, numLoggedIn := n.peers.fullPeerCounts(nil)
	n.metrics.SetLoggedInFullPeers(n.name, numLoggedIn)

	var freshest *Peer
	for _, p := range n.peers.All() {
		if p.loggedIn && (freshest == nil || p.commitCount > freshest.commitCount) {
			freshest = p
		}
	}

	// Keep searching until at least half the full peers are in, or until we
	// give up at the timeout.
	now := n.clock.Now()
	n.logger.Debug("searching for peers",
		"node", n.name,
		"logged_in_full", numLoggedIn,
		"full", numFull,
		"timeout_in", n.stateTimeout.Sub(now).String(),
	)
	if float64(numLoggedIn) < float64(numFull)/2.0 && now.Before(n.stateTimeout) {
		return false
	}
	if !now.Before(n.stateTimeout) {
		n.logger.Info("timeout searching for peers, continuing", "node", n.name)
	}

	if freshest == nil {
		n.logger.Info("unable to connect to any peer, WAITING", "node", n.name)
		n.changeState(Waiting)
		return true
	}

	local := n.db.CommitCount()
	switch {
	case freshest.commitCount == local:
		n.logger.Info("synchronized with the freshest peer, WAITING",
			"node", n.name, "peer", freshest.Name)
		n.changeState(Waiting)
		return true
	case freshest.commitCount < local:
		n.logger.Info("we are the freshest peer, WAITING", "node", n.name)
		n.changeState(Waiting)
		return true
	}

	// Somebody has commits we lack; pick a sync peer and catch up.
	n.updateSyncPeer()
	if n.syncPeer == nil {
		n.logger.Warn("no usable sync peer despite fresher data, WAITING", "node", n.name)
		n.changeState(Waiting)
		return true
	}
	n.sendToPeer(n.syncPeer, wire.New("SYNCHRONIZE"))
	n.changeState(Synchronizing)
	return true
}

// updateSynchronizing waits for the SYNCHRONIZE_RESPONSE, bailing out on
// timeout.
func (n *Node) updateSynchronizing() bool {
	if n.clock.Now().After(n.stateTimeout) {
		n.logger.Warn("timed out waiting for SYNCHRONIZE_RESPONSE, searching",
			"node", n.name)
		if n.syncPeer != nil {
			n.reconnectPeer(n.syncPeer)
			n.syncPeer = nil
		}
		n.changeState(Searching)
		return true
	}
	return false
}

// updateWaiting looks for a leader to subscribe to, a fresher peer to chase,
// or the opportunity to stand up ourselves.
func (n *Node) updateWaiting() bool {
	if n.shuttingDown.Load() {
		if !n.CommitInProgress() {
			// Halt the FSM here until shutdown completes.
			n.logger.Debug("graceful shutdown underway, waiting it out", "node", n.name)
			return false
		}
		// A commit is still outstanding; keep the FSM running so it can be
		// driven to completion by a new leader.
		n.logger.Info("graceful shutdown underway but commit outstanding, continuing", "node", n.name)
	}

	numFull, numLoggedIn := 0, 0
	var highestPriority, freshest, currentLeader *Peer
	for _, p := range n.peers.All() {
		if p.Permafollower {
			continue
		}
		numFull++
		if !p.loggedIn {
			continue
		}
		numLoggedIn++
		if freshest == nil || p.commitCount > freshest.commitCount {
			freshest = p
		}
		if highestPriority == nil || p.priority > highestPriority.priority {
			highestPriority = p
		}
		if p.state == StandingUp || p.state == Leading || p.state == StandingDown {
			if currentLeader != nil {
				n.logger.Warn("multiple peers trying to lead",
					"node", n.name,
					"peer", p.Name,
					"other", currentLeader.Name,
				)
			}
			currentLeader = p
		}
	}
	n.metrics.SetLoggedInFullPeers(n.name, numLoggedIn)

	if highestPriority == nil {
		n.logger.Info("configured to have peers but connected to none, re-SEARCHING", "node", n.name)
		n.changeState(Searching)
		return true
	}

	// A higher-priority LEADING peer: subscribe, even if we're behind; it
	// brings us up to speed during subscription.
	if currentLeader != nil && n.priority < highestPriority.priority && currentLeader.state == Leading {
		n.logger.Info("subscribing to leader", "node", n.name, "leader", currentLeader.Name)
		n.leadPeerMu.Lock()
		n.leadPeer = currentLeader
		n.leadPeerMu.Unlock()
		n.leaderVersion = currentLeader.version
		n.sendToPeer(currentLeader, wire.New("SUBSCRIBE"))
		n.changeState(Subscribing)
		return true
	}

	if freshest.commitCount > n.db.CommitCount() {
		n.logger.Info("lost synchronization while waiting, re-SEARCHING", "node", n.name)
		n.changeState(Searching)
		return true
	}

	// No leader and we're the highest real priority with quorum: stand up.
	if currentLeader == nil && numLoggedIn*2 >= numFull &&
		n.priority > 0 && n.priority > highestPriority.priority {
		n.logger.Info("no leader and we are highest priority, STANDINGUP",
			"node", n.name,
			"over", highestPriority.Name,
		)
		for _, p := range n.peers.All() {
			p.standupResponse = voteUnset
		}
		n.changeState(StandingUp)
		return true
	}

	n.logger.Debug("waiting",
		"node", n.name,
		"logged_in_full", numLoggedIn,
		"full", numFull,
		"priority", n.priority,
	)
	return false
}

// updateStandingUp tallies STANDUP_RESPONSEs; any deny or a timeout aborts.
func (n *Node) updateStandingUp() bool {
	if n.shuttingDown.Load() {
		n.logger.Info("shutting down while standing up, SEARCHING", "node", n.name)
		n.changeState(Searching)
		return true
	}

	allResponded := true
	numFull, numLoggedIn := 0, 0
	for _, p := range n.peers.All() {
		if p.Permafollower {
			continue
		}
		numFull++
		if !p.loggedIn {
			continue // not logged in: tacit approval
		}
		numLoggedIn++
		switch p.standupResponse {
		case voteUnset:
			allResponded = false
		case voteDeny:
			n.logger.Warn("standup denied, canceling and re-SEARCHING",
				"node", n.name, "peer", p.Name)
			n.changeState(Searching)
			return true
		}
	}

	if allResponded && numLoggedIn*2 >= numFull {
		n.logger.Info("all peers approved standup, LEADING", "node", n.name)
		n.changeState(Leading)
		n.leaderVersion = n.version
		return true
	}

	if n.clock.Now().After(n.stateTimeout) {
		n.logger.Warn("timed out waiting for standup approval, reconnecting all and re-SEARCHING",
			"node", n.name)
		n.reconnectAll()
		n.changeState(Searching)
		return true
	}
	return false
}

// updateLeading runs the write path shared by LEADING and STANDINGDOWN:
// stream async commits, resolve the in-flight distributed transaction, start
// a waiting one, and evaluate stand-down.
func (n *Node) updateLeading() bool {
	// Never send outstanding transactions mid-commit; they'd interleave with
	// the transaction in progress.
	if !n.CommitInProgress() {
		n.sendOutstandingTransactions()
	}

	if n.commitState == CommitCommitting {
		if !n.resolveCommit() {
			return false // waiting on more responses
		}
		// The transaction resolved either way; release the global lock that
		// was taken when the commit began.
		n.db.CommitLock().Unlock()
	}

	if n.commitState == CommitWaiting {
		n.beginDistributedTransaction()
		// Re-enter immediately so an ASYNC commit resolves this tick.
		return true
	}

	if n.state == Leading {
		standDownReason := ""
		if n.shuttingDown.Load() {
			// Stand down at priority 1 so we re-connect to the new leader and
			// drain our remaining commands before quitting.
			standDownReason = "graceful shutdown"
			n.stateMu.Lock()
			n.priority = 1
			n.stateMu.Unlock()
		} else {
			for _, p := range n.peers.All() {
				switch {
				case p.state == Leading:
					standDownReason = "found another LEADING peer " + p.Name
				case p.state == Waiting && p.priority > n.priority:
					standDownReason = "found higher priority WAITING peer " + p.Name
				case p.state == Waiting && p.commitCount > n.db.CommitCount():
					standDownReason = "found WAITING peer " + p.Name + " with more commits"
				}
			}
		}
		if standDownReason != "" {
			n.logger.Info("standing down", "node", n.name, "reason", standDownReason)
			n.changeState(StandingDown)
		}
	}

	if n.state == StandingDown {
		if n.clock.Now().After(n.standDownDeadline) {
			n.logger.Warn("timeout STANDINGDOWN, giving up on server and continuing", "node", n.name)
		} else if !n.server.CanStandDown() {
			n.logger.Debug("server not ready to stand down", "node", n.name)
			return false
		}
		n.logger.Info("stand-down complete, SEARCHING", "node", n.name)
		n.changeState(Searching)
		return true
	}
	return false
}

// resolveCommit tallies follower votes for the in-flight transaction.
// Returns false while the outcome is still open.
func (n *Node) resolveCommit() bool {
	numFullPeers := 0
	numFullFollowers := 0
	numResponded := 0
	numApproved := 0
	numDenied := 0
	for _, p := range n.peers.All() {
		if p.Permafollower {
			continue
		}
		numFullPeers++
		if !p.subscribed {
			continue
		}
		numFullFollowers++
		switch p.transactionResponse {
		case voteApprove:
			numResponded++
			numApproved++
		case voteDeny:
			numResponded++
			numDenied++
			n.logger.Warn("peer denied transaction", "node", n.name, "peer", p.Name)
		}
	}

	consistentEnough := false
	switch n.commitConsistency {
	case Async:
		consistentEnough = true
	case One:
		consistentEnough = numFullPeers == 0 || numApproved > 0
	case Quorum:
		consistentEnough = numApproved*2 >= numFullPeers
	}
	everybodyResponded := numResponded >= numFullFollowers

	n.logger.Debug("commit tally",
		"node", n.name,
		"full_peers", numFullPeers,
		"followers", numFullFollowers,
		"responded", numResponded,
		"approved", numApproved,
		"denied", numDenied,
		"consistency", n.commitConsistency.String(),
		"consistent_enough", consistentEnough,
	)

	_, span := n.startSpan(context.Background(), "cluster.commit.resolve",
		attribute.String("cluster.consistency", n.commitConsistency.String()),
		attribute.Int("cluster.approved", numApproved),
		attribute.Int("cluster.denied", numDenied),
	)
	defer span.End()

	switch {
	case numDenied > 0 || (everybodyResponded && !consistentEnough):
		n.logger.Warn("rolling back transaction: denied or not consistent enough",
			"node", n.name,
			"denied", numDenied,
			"approved", numApproved,
		)
		n.broadcastRollback()
		n.db.Rollback()
		n.commitState = CommitFailed
		n.metrics.IncCommitResult(n.name, n.commitConsistency.String(), "failed")
		return true
	case consistentEnough:
		err := n.db.Commit()
		if errors.Is(err, db.ErrConflict) {
			// Followers prepared this transaction; tell them to roll back.
			n.logger.Info("conflict committing distributed transaction, rolling back",
				"node", n.name,
				"consistency", n.commitConsistency.String(),
			)
			spanRecordError(span, err)
			n.broadcastRollback()
			n.db.Rollback()
			n.commitState = CommitFailed
			n.metrics.IncCommitResult(n.name, n.commitConsistency.String(), "conflict")
			return true
		}
		if err != nil {
			// Anything else out of commit means the engine is broken.
			n.logger.Error("commit failed fatally", "node", n.name, "error", err)
			panic("cluster: commit failed: " + err.Error())
		}

		timing := n.db.LastTransactionTiming()
		n.logger.Info("committed leader transaction",
			"node", n.name,
			"commit", n.db.CommitCount(),
			"hash", n.db.CommittedHash(),
			"consistency", n.commitConsistency.String(),
			"approved", numApproved,
			"of", numFullPeers,
			"total_ms", timing.Total().Milliseconds(),
		)
		commit := wire.New("COMMIT_TRANSACTION")
		commit.SetUint("ID", n.globals.lastSentTransactionID.Load()+1)
		n.sendToAllPeers(commit, true)

		// Everything through this commit is streamed; drain and advance.
		n.db.CommittedTransactions()
		n.globals.lastSentTransactionID.Store(n.db.CommitCount())
		n.commitState = CommitSuccess
		n.metrics.IncCommitResult(n.name, n.commitConsistency.String(), "success")
		n.metrics.ObserveCommitDuration(n.name, n.commitConsistency.String(), n.clock.Now().Sub(n.commitBegan))
		return true
	default:
		n.logger.Debug("waiting for more transaction responses",
			"node", n.name,
			"consistency", n.commitConsistency.String(),
		)
		return false
	}
}

func (n *Node) broadcastRollback() {
	rollback := wire.New("ROLLBACK_TRANSACTION")
	rollback.SetUint("ID", n.globals.lastSentTransactionID.Load()+1)
	rollback.Set("NewHash", n.db.UncommittedHash())
	n.sendToAllPeers(rollback, true)
}

// beginDistributedTransaction acquires the global commit lock, prepares the
// local work, and broadcasts BEGIN_TRANSACTION to subscribed followers. The
// lock stays held until resolveCommit finishes in a later tick.
func (n *Node) beginDistributedTransaction() {
	n.db.CommitLock().Lock()
	n.commitState = CommitCommitting
	n.commitBegan = n.clock.Now()
	n.logger.Debug("beginning distributed commit",
		"node", n.name,
		"consistency", n.commitConsistency.String(),
	)

	// With the lock held no new local commits can appear; flush the backlog
	// so it precedes this transaction on every follower.
	n.sendOutstandingTransactionsLocked()

	commitCount := n.db.CommitCount()

	// A failed prepare means the database is corrupt; nothing sane to do.
	if err := n.db.Prepare(); err != nil {
		n.logger.Error("prepare failed", "node", n.name, "error", err)
		panic("cluster: prepare failed: " + err.Error())
	}

	txn := n.buildBeginTransaction(commitCount)
	for _, p := range n.peers.All() {
		p.transactionResponse = voteUnset
	}
	n.sendToAllPeers(txn, true)
}

// buildBeginTransaction renders the BEGIN_TRANSACTION for the current
// uncommitted work on top of commitCount.
func (n *Node) buildBeginTransaction(commitCount uint64) *wire.Message {
	txn := wire.New("BEGIN_TRANSACTION")
	txn.SetUint("NewCount", commitCount+1)
	txn.Set("NewHash", n.db.UncommittedHash())
	txn.SetInt("leaderSendTime", n.clock.Now().UnixMicro())
	if n.commitConsistency == Async {
		txn.Set("ID", asyncIDPrefix+txn.Get("NewCount"))
	} else {
		txn.SetUint("ID", n.globals.lastSentTransactionID.Load()+1)
	}
	txn.Content = []byte(n.db.UncommittedQuery())
	return txn
}

// updateSubscribing waits for SUBSCRIPTION_APPROVED.
func (n *Node) updateSubscribing() bool {
	if n.clock.Now().After(n.stateTimeout) {
		n.logger.Warn("timed out waiting for SUBSCRIPTION_APPROVED, re-SEARCHING", "node", n.name)
		n.leadPeerMu.Lock()
		lead := n.leadPeer
		n.leadPeer = nil
		n.leadPeerMu.Unlock()
		if lead != nil {
			n.reconnectPeer(lead)
		}
		n.changeState(Searching)
		return true
	}
	return false
}

// updateFollowing watches the leader and unwinds when it goes away.
func (n *Node) updateFollowing() bool {
	if n.shuttingDown.Load() && n.isNothingBlockingShutdown() {
		n.logger.Info("stopping FOLLOWING to gracefully shut down, SEARCHING", "node", n.name)
		n.changeState(Searching)
		return false
	}

	n.leadPeerMu.Lock()
	lead := n.leadPeer
	n.leadPeerMu.Unlock()
	if lead == nil {
		n.logger.Warn("FOLLOWING without a lead peer, re-SEARCHING", "node", n.name)
		n.changeState(Searching)
		return true
	}
	if lead.state != Leading && lead.state != StandingDown {
		n.logger.Info("leader stepping down, re-queueing commands", "node", n.name, "leader", lead.Name)
		n.requeueEscalations()
		if n.db.UncommittedHash() != "" {
			n.logger.Warn("leader stepped down with transaction in progress, rolling back", "node", n.name)
			n.db.Rollback()
		}
		n.changeState(Searching)
		return true
	}
	return false
}
