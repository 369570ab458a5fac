package cluster

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/TomMD/Bedrock/internal/db"
	"github.com/TomMD/Bedrock/internal/wire"
)

// syncBatchSize caps how many commits a single SYNCHRONIZE_RESPONSE carries;
// the requester loops until it has caught up.
const syncBatchSize = 100

// updateSyncPeer picks the best peer to synchronize from: logged in, ahead of
// us, lowest non-zero latency; ties broken by highest commit count. A
// zero-latency peer is unmeasured, so any measured peer beats it.
func (n *Node) updateSyncPeer() {
	var newSyncPeer *Peer
	commitCount := n.db.CommitCount()
	for _, p := range n.peers.All() {
		if !p.loggedIn || p.commitCount <= commitCount {
			continue
		}
		switch {
		case newSyncPeer == nil:
			newSyncPeer = p
		case newSyncPeer.Latency() == p.Latency():
			if p.commitCount > newSyncPeer.commitCount {
				newSyncPeer = p
			}
		case newSyncPeer.Latency() == 0:
			newSyncPeer = p
		case p.Latency() != 0 && p.Latency() < newSyncPeer.Latency():
			newSyncPeer = p
		}
	}

	if n.syncPeer == newSyncPeer {
		return
	}

	// Log the switch and why the others lost, to diagnose far-away peers
	// being picked over near ones.
	var rejected []any
	for _, p := range n.peers.All() {
		if p == newSyncPeer || p == n.syncPeer {
			continue
		}
		switch {
		case !p.loggedIn:
			rejected = append(rejected, p.Name, "not logged in")
		case p.commitCount <= commitCount:
			rejected = append(rejected, p.Name, "behind")
		default:
			rejected = append(rejected, p.Name, p.Latency().String())
		}
	}
	args := []any{"node", n.name}
	if n.syncPeer != nil {
		args = append(args, "from", n.syncPeer.Name, "from_latency", n.syncPeer.Latency().String())
	} else {
		args = append(args, "from", "(none)")
	}
	if newSyncPeer != nil {
		args = append(args, "to", newSyncPeer.Name, "to_latency", newSyncPeer.Latency().String())
	} else {
		args = append(args, "to", "(none)")
	}
	n.logger.Info("updating synchronization peer", append(args, rejected...)...)
	n.syncPeer = newSyncPeer
}

// handleSynchronize serves a peer's catch-up request. While FOLLOWING the
// work is handed to the server so a busy replication pipeline doesn't starve
// it; in any other state we answer inline.
func (n *Node) handleSynchronize(p *Peer, msg *wire.Message) error {
	if n.state == Following {
		request := msg.Clone()
		request.SetUint("peerCommitCount", p.commitCount)
		request.Set("peerHash", p.committedHash)
		request.Set("peerName", p.Name)
		request.SetUint("targetCommit", n.syncTargetCommit())
		cmd := NewCommand(request)
		cmd.InitiatingPeer = p.Name
		n.server.AcceptCommand(cmd, true)
		return nil
	}
	response := wire.New("SYNCHRONIZE_RESPONSE")
	if err := n.queueSynchronize(p, response, false); err != nil {
		return err
	}
	n.sendToPeer(p, response)
	return nil
}

// HandleSynchronizeCommand services a SYNCHRONIZE command that was routed
// through the server while the node was FOLLOWING. Called from server worker
// threads; reads only the immutable engine log plus headers captured at
// routing time. Returns false if the command was not a peer sync request.
func (n *Node) HandleSynchronizeCommand(cmd *Command) bool {
	if cmd.Request == nil || cmd.Request.Method != "SYNCHRONIZE" {
		return false
	}
	peer := n.peers.Get(cmd.InitiatingPeer)
	if peer == nil {
		// Nobody to answer; the command is still handled.
		return true
	}
	response := wire.New("SYNCHRONIZE_RESPONSE")
	err := n.fillSynchronize(
		cmd.Request.Uint("peerCommitCount"),
		cmd.Request.Get("peerHash"),
		cmd.Request.Uint("targetCommit"),
		response,
		false,
	)
	if err != nil {
		// Any failure asks the peer to reconnect and start over.
		response = wire.New("RECONNECT")
		response.Set("Reason", err.Error())
	}
	cmd.Response = response
	cmd.Complete = true
	n.sendToPeer(peer, response)
	return true
}

// syncTargetCommit is the ceiling we synchronize peers up to: the last
// transaction actually broadcast when unsent commits remain, else everything.
func (n *Node) syncTargetCommit() uint64 {
	if n.globals.unsentTransactions.Load() {
		return n.globals.lastSentTransactionID.Load()
	}
	return n.db.CommitCount()
}

// queueSynchronize fills response with the commits peer is missing.
func (n *Node) queueSynchronize(p *Peer, response *wire.Message, sendAll bool) error {
	return n.fillSynchronize(p.commitCount, p.committedHash, n.syncTargetCommit(), response, sendAll)
}

// fillSynchronize is the stateless core of SYNCHRONIZE servicing: verify the
// requester's position against our log, then attach up to syncBatchSize
// commits (or everything, for subscriptions) as embedded COMMIT sub-messages.
func (n *Node) fillSynchronize(peerCommitCount uint64, peerHash string, targetCommit uint64, response *wire.Message, sendAll bool) error {
	_, span := n.startSpan(context.Background(), "cluster.synchronize.serve",
		attribute.Int64("cluster.peer_commit_count", int64(peerCommitCount)),
		attribute.Int64("cluster.target_commit", int64(targetCommit)),
	)
	defer span.End()

	if peerCommitCount > n.db.CommitCount() {
		err := divergencef("you have more data than me (%d > %d)", peerCommitCount, n.db.CommitCount())
		spanRecordError(span, err)
		return err
	}
	if peerCommitCount > 0 {
		// We share history up to the peer's head; make sure we agree on it.
		myHash, _, err := n.db.GetCommit(peerCommitCount)
		if err != nil {
			spanRecordError(span, err)
			return divergencef("error getting hash for commit %d: %v", peerCommitCount, err)
		}
		if myHash != peerHash {
			n.logger.Warn("hash mismatch against peer",
				"node", n.name,
				"commit", peerCommitCount,
				"peer_hash", peerHash,
				"our_hash", myHash,
			)
			err := divergencef("hash mismatch at commit %d", peerCommitCount)
			spanRecordError(span, err)
			return err
		}
		n.logger.Debug("peer's latest commit hash matches, synchronizing", "node", n.name)
	} else {
		n.logger.Debug("peer has no commits, synchronizing", "node", n.name)
	}

	if peerCommitCount == targetCommit {
		response.Set("NumCommits", "0")
		return nil
	}

	fromIndex := peerCommitCount + 1
	toIndex := targetCommit
	if !sendAll && toIndex > fromIndex+syncBatchSize-1 {
		toIndex = fromIndex + syncBatchSize - 1
	}
	commits, err := n.db.GetCommits(fromIndex, toIndex)
	if err != nil {
		spanRecordError(span, err)
		return divergencef("error getting commits %d-%d: %v", fromIndex, toIndex, err)
	}

	n.logger.Info("synchronizing commits to peer",
		"node", n.name,
		"from", fromIndex,
		"to", toIndex,
	)
	response.SetInt("NumCommits", int64(len(commits)))
	var content []byte
	for _, c := range commits {
		sub := wire.New("COMMIT")
		sub.SetUint("CommitIndex", c.Index)
		sub.Set("Hash", c.Hash)
		sub.Content = []byte(c.Query)
		content = append(content, sub.Serialize()...)
	}
	response.Content = content
	n.metrics.ObserveSynchronizeBatch(n.name, len(commits))
	return nil
}

// handleSynchronizeResponse applies a batch of commits from our sync peer and
// either finishes, asks for more, or aborts on divergence.
func (n *Node) handleSynchronizeResponse(p *Peer, msg *wire.Message) error {
	if n.state != Synchronizing {
		return protoErrf("SYNCHRONIZE_RESPONSE", "not synchronizing")
	}
	if n.syncPeer == nil {
		return protoErrf("SYNCHRONIZE_RESPONSE", "too late, gave up on you")
	}
	if p != n.syncPeer {
		return protoErrf("SYNCHRONIZE_RESPONSE", "sync peer mismatch")
	}

	n.logger.Info("beginning synchronization", "node", n.name, "peer", p.Name)
	if err := n.recvSynchronize(p, msg); err != nil {
		n.logger.Warn("synchronization failed, reconnecting and re-SEARCHING",
			"node", n.name, "error", err)
		n.reconnectPeer(p)
		n.syncPeer = nil
		n.changeState(Searching)
		return err
	}

	peerCommitCount := p.commitCount
	local := n.db.CommitCount()
	switch {
	case local == peerCommitCount:
		n.logger.Info("synchronization complete, WAITING",
			"node", n.name,
			"commit_count", local,
			"hash", n.db.CommittedHash(),
		)
		n.syncPeer = nil
		n.changeState(Waiting)
	case local > peerCommitCount:
		n.logger.Warn("we ended up with more data than our sync peer, reconnecting and re-SEARCHING",
			"node", n.name,
			"ours", local,
			"theirs", peerCommitCount,
		)
		n.reconnectPeer(p)
		n.syncPeer = nil
		n.changeState(Searching)
	default:
		n.logger.Info("synchronization underway",
			"node", n.name,
			"commit_count", local,
			"remaining", peerCommitCount-local,
		)
		n.updateSyncPeer()
		if n.syncPeer != nil {
			n.sendToPeer(n.syncPeer, wire.New("SYNCHRONIZE"))
		} else {
			n.logger.Warn("no usable sync peer but syncing unfinished, re-SEARCHING", "node", n.name)
			n.changeState(Searching)
			return nil
		}
		// Still alive: extend the deadline.
		n.stateTimeout = n.clock.Now().Add(synchronizingRecvTimeout + n.jitter(maxTimeoutJitter))
	}
	return nil
}

// recvSynchronize walks the embedded COMMIT sub-messages in order and applies
// each one, asserting the resulting hash chain matches the sender's.
func (n *Node) recvSynchronize(p *Peer, msg *wire.Message) error {
	if !msg.Has("NumCommits") {
		return protoErrf(msg.Method, "missing NumCommits")
	}
	remaining := msg.Int("NumCommits")
	content := msg.Content
	for len(content) > 0 {
		commit, consumed, err := wire.Parse(content)
		if err != nil {
			return protoErrf(msg.Method, "malformed embedded commit: %v", err)
		}
		content = content[consumed:]
		if commit.Method != "COMMIT" {
			return protoErrf(msg.Method, "expecting COMMIT, got %s", commit.Method)
		}
		if !commit.Has("CommitIndex") {
			return protoErrf(msg.Method, "missing CommitIndex")
		}
		if !commit.Has("Hash") {
			return protoErrf(msg.Method, "missing Hash")
		}
		if len(commit.Content) == 0 {
			n.logger.Warn("synchronized blank query", "node", n.name, "peer", p.Name)
		}
		if commit.Uint("CommitIndex") != n.db.CommitCount()+1 {
			return divergencef("commit index mismatch: got %d, expected %d",
				commit.Uint("CommitIndex"), n.db.CommitCount()+1)
		}

		if err := n.applySynchronizedCommit(commit); err != nil {
			return err
		}
		remaining--
	}
	if remaining != 0 {
		return protoErrf(msg.Method, "commits remaining at end: %d", remaining)
	}
	return nil
}

// applySynchronizedCommit begins, writes, prepares, and commits one received
// commit, retrying transparently when the engine wants a checkpoint first.
func (n *Node) applySynchronizedCommit(commit *wire.Message) error {
	for {
		n.db.WaitForCheckpoint()
		err := n.db.BeginTransaction()
		if errors.Is(err, db.ErrCheckpointRequired) {
			n.db.Rollback()
			n.logger.Info("retrying synchronize after checkpoint", "node", n.name)
			continue
		}
		if err != nil {
			n.db.Rollback()
			return divergencef("failed to begin transaction: %v", err)
		}
		if err := n.db.WriteUnmodified(string(commit.Content)); err != nil {
			n.db.Rollback()
			return divergencef("failed to write transaction: %v", err)
		}
		if err := n.db.Prepare(); err != nil {
			n.db.Rollback()
			return divergencef("failed to prepare transaction: %v", err)
		}
		break
	}
	if err := n.db.Commit(); err != nil {
		n.db.Rollback()
		return divergencef("failed to commit synchronized transaction: %v", err)
	}
	if n.db.CommittedHash() != commit.Get("Hash") {
		return divergencef("potential hash mismatch at commit %d", n.db.CommitCount())
	}
	return nil
}
