package cluster

import (
	"strings"

	"github.com/TomMD/Bedrock/internal/wire"
)

// onConnect sends our LOGIN as soon as the transport brings a session up.
func (n *Node) onConnect(p *Peer) {
	n.logger.Info("sending LOGIN", "node", n.name, "peer", p.Name)
	login := wire.New("LOGIN")
	login.SetInt("Priority", int64(n.priority))
	login.Set("State", n.state.String())
	login.Set("Version", n.version)
	if n.originalPriority == 0 {
		login.Set("Permafollower", "true")
	} else {
		login.Set("Permafollower", "false")
	}
	n.sendToPeer(p, login)
}

// onMessage classifies one inbound peer message and dispatches it. A non-nil
// error is a protocol fault; the caller resets the peer's session.
func (n *Node) onMessage(p *Peer, msg *wire.Message) error {
	n.logger.Debug("received message",
		"node", n.name,
		"peer", p.Name,
		"method", msg.Method,
	)

	// Every message stamps the sender's commit position.
	if !msg.Has("CommitCount") {
		return protoErrf(msg.Method, "missing CommitCount")
	}
	if !msg.Has("Hash") {
		return protoErrf(msg.Method, "missing Hash")
	}
	p.commitCount = msg.Uint("CommitCount")
	p.committedHash = msg.Get("Hash")

	if msg.Method == "LOGIN" {
		return n.handleLogin(p, msg)
	}
	if !p.loggedIn {
		return protoErrf(msg.Method, "not logged in")
	}

	switch msg.Method {
	case "STATE":
		return n.handleState(p, msg)
	case "STANDUP_RESPONSE":
		return n.handleStandupResponse(p, msg)
	case "SYNCHRONIZE":
		return n.handleSynchronize(p, msg)
	case "SYNCHRONIZE_RESPONSE":
		return n.handleSynchronizeResponse(p, msg)
	case "SUBSCRIBE":
		return n.handleSubscribe(p, msg)
	case "SUBSCRIPTION_APPROVED":
		return n.handleSubscriptionApproved(p, msg)
	case "BEGIN_TRANSACTION", "COMMIT_TRANSACTION", "ROLLBACK_TRANSACTION":
		n.spawnReplicationWorker(p, msg)
		return nil
	case "APPROVE_TRANSACTION", "DENY_TRANSACTION":
		return n.handleTransactionResponse(p, msg)
	case "ESCALATE":
		return n.handleEscalate(p, msg)
	case "ESCALATE_CANCEL":
		return n.handleEscalateCancel(p, msg)
	case "ESCALATE_RESPONSE":
		return n.handleEscalateResponse(p, msg)
	case "ESCALATE_ABORTED":
		return n.handleEscalateAborted(p, msg)
	case "CRASH_COMMAND", "BROADCAST_COMMAND":
		// Forwarded verbatim; the server knows what to do with these.
		n.logger.Info("forwarding command to server", "node", n.name, "method", msg.Method)
		cmd := NewCommand(msg.Clone())
		cmd.InitiatingPeer = p.Name
		n.server.AcceptCommand(cmd, true)
		return nil
	}
	return protoErrf(msg.Method, "unrecognized message")
}

// handleLogin validates the first message of a session. Peers can connect in
// any state.
func (n *Node) handleLogin(p *Peer, msg *wire.Message) error {
	if p.loggedIn {
		return protoErrf("LOGIN", "already logged in")
	}
	for _, h := range []string{"Priority", "State", "Version"} {
		if !msg.Has(h) {
			return protoErrf("LOGIN", "missing %s", h)
		}
	}
	priority := int(msg.Int("Priority"))
	permafollower := msg.Equals("Permafollower", "true")
	if p.Permafollower && (!permafollower || priority > 0) {
		return protoErrf("LOGIN", "peer %s is supposed to be a 0-priority permafollower", p.Name)
	}
	if !p.Permafollower && (permafollower || priority == 0) {
		return protoErrf("LOGIN", "peer %s is *not* supposed to be a 0-priority permafollower", p.Name)
	}
	// Two full peers must never share a priority; elections couldn't order
	// them.
	if n.priority > 0 && priority == n.priority {
		return protoErrf("LOGIN", "peer %s has our priority %d", p.Name, priority)
	}

	n.logger.Info("peer logged in",
		"node", n.name,
		"peer", p.Name,
		"peer_state", msg.Get("State"),
		"priority", priority,
		"commit_count", p.commitCount,
	)
	p.priority = priority
	p.loggedIn = true
	p.version = msg.Get("Version")
	p.state = ParseState(msg.Get("State"))
	n.server.OnNodeLogin(p)
	return nil
}

// handleState processes a peer's state broadcast: records it, polices the
// transition, and reacts (standup votes, stand-down cleanup).
func (n *Node) handleState(p *Peer, msg *wire.Message) error {
	if !msg.Has("State") {
		return protoErrf("STATE", "missing State")
	}
	if !msg.Has("Priority") {
		return protoErrf("STATE", "missing Priority")
	}
	from := p.state
	p.priority = int(msg.Int("Priority"))
	p.state = ParseState(msg.Get("State"))
	to := p.state

	if from == to {
		n.logger.Debug("peer reported new commits",
			"node", n.name,
			"peer", p.Name,
			"state", from.String(),
			"commit_count", p.commitCount,
		)
		return nil
	}

	n.logger.Info("peer switched state",
		"node", n.name,
		"peer", p.Name,
		"from", from.String(),
		"to", to.String(),
		"commit_count", p.commitCount,
	)
	if from != Unknown && !legalTransition(from, to) {
		n.logger.Warn("peer made invalid transition",
			"node", n.name,
			"peer", p.Name,
			"from", from.String(),
			"to", to.String(),
		)
	}

	if from == StandingDown && n.db.UncommittedHash() != "" {
		// The leader finished standing down; any transaction we were holding
		// open will never resolve.
		n.logger.Warn("peer stood down with our transaction outstanding, rolling back",
			"node", n.name,
			"peer", p.Name,
			"would_be_commit", n.db.CommitCount()+1,
		)
		n.db.Rollback()
	}

	switch to {
	case Searching:
		// Anything that goes wrong sends a node back to SEARCHING; reset the
		// state we had accumulated for it.
		p.subscribed = false
		p.transactionResponse = voteUnset
		p.standupResponse = voteUnset
	case StandingUp:
		n.respondToStandup(p, msg)
	}
	return nil
}

// respondToStandup votes on a peer's standup announcement, echoing its
// StateChangeCount so it can reject stale ballots.
func (n *Node) respondToStandup(p *Peer, msg *wire.Message) {
	response := wire.New("STANDUP_RESPONSE")
	response.Set("StateChangeCount", msg.Get("StateChangeCount"))
	response.Set("Response", "approve")

	if p.Permafollower {
		n.logger.Warn("permafollower trying to stand up, denying", "node", n.name, "peer", p.Name)
		response.Set("Response", "deny")
		response.Set("Reason", "You're a permafollower")
	}

	if n.state >= StandingUp && n.state <= StandingDown {
		// It's standing up while we're somewhere in the leadership window.
		if p.priority > n.priority {
			switch n.state {
			case StandingUp:
				n.logger.Warn("higher-priority peer standing up while we are STANDINGUP, SEARCHING",
					"node", n.name, "peer", p.Name)
				n.changeState(Searching)
			case Leading:
				n.logger.Warn("higher-priority peer standing up while we are LEADING, STANDINGDOWN",
					"node", n.name, "peer", p.Name)
				n.changeState(StandingDown)
			default:
				n.logger.Warn("higher-priority peer standing up while we are STANDINGDOWN, continuing",
					"node", n.name, "peer", p.Name)
			}
		} else {
			response.Set("Response", "deny")
			response.Set("Reason", "I am leading")
			if n.majoritySubscribed() {
				n.logger.Info("lower-priority peer standing up against a held majority, denying",
					"node", n.name, "peer", p.Name)
			} else {
				// No majority: the rest of the cluster may have moved on
				// without us. Reset everything to be safe. If a commit is in
				// flight we stand down first rather than jumping straight to
				// SEARCHING.
				n.logger.Warn("lower-priority peer standing up and we lack a majority, resetting",
					"node", n.name, "peer", p.Name, "state", n.state.String())
				n.reconnectAll()
				if n.CommitInProgress() && n.state == Leading {
					n.changeState(StandingDown)
				} else {
					n.changeState(Searching)
				}
			}
		}
	} else {
		for _, other := range n.peers.All() {
			if other == p {
				continue
			}
			if other.state == StandingUp || other.state == Leading || other.state == StandingDown {
				response.Set("Response", "deny")
				response.Set("Reason", "peer '"+other.Name+"' is '"+other.state.String()+"'")
				break
			}
		}
	}

	if response.Equals("Response", "approve") {
		n.logger.Info("approving standup request", "node", n.name, "peer", p.Name)
	} else {
		n.logger.Info("denying standup request",
			"node", n.name,
			"peer", p.Name,
			"reason", response.Get("Reason"),
		)
	}
	n.sendToPeer(p, response)
}

// handleStandupResponse records a vote for our current standup attempt.
func (n *Node) handleStandupResponse(p *Peer, msg *wire.Message) error {
	if n.state != StandingUp {
		n.logger.Info("STANDUP_RESPONSE while not STANDINGUP, ignoring late message", "node", n.name, "peer", p.Name)
		return nil
	}
	if msg.Has("StateChangeCount") && msg.Uint("StateChangeCount") != n.stateChangeCount {
		n.logger.Info("STANDUP_RESPONSE for old standup attempt, ignoring",
			"node", n.name,
			"peer", p.Name,
			"ballot", msg.Uint("StateChangeCount"),
			"current", n.stateChangeCount,
		)
		return nil
	}
	if !msg.Has("Response") {
		return protoErrf("STANDUP_RESPONSE", "missing Response")
	}
	if p.standupResponse != voteUnset {
		n.logger.Warn("duplicate standup response, competing leaders?",
			"node", n.name,
			"peer", p.Name,
			"had", p.standupResponse.String(),
			"got", msg.Get("Response"),
		)
	}
	if msg.Equals("Response", "approve") {
		n.logger.Info("received standup approval", "node", n.name, "peer", p.Name)
		p.standupResponse = voteApprove
	} else {
		n.logger.Warn("received standup denial",
			"node", n.name,
			"peer", p.Name,
			"reason", msg.Get("Reason"),
		)
		p.standupResponse = voteDeny
	}
	return nil
}

// handleSubscribe accepts a new follower: sends everything it's missing and,
// if a transaction is in flight, invites it into that too.
func (n *Node) handleSubscribe(p *Peer, _ *wire.Message) error {
	if n.state != Leading {
		return protoErrf("SUBSCRIBE", "not leading")
	}
	n.logger.Info("accepting new follower", "node", n.name, "peer", p.Name)
	response := wire.New("SUBSCRIPTION_APPROVED")
	if err := n.queueSynchronize(p, response, true); err != nil {
		return err
	}
	n.sendToPeer(p, response)
	if p.subscribed {
		n.logger.Warn("peer subscribed twice", "node", n.name, "peer", p.Name)
	}
	p.subscribed = true

	if n.commitState == CommitCommitting {
		n.logger.Info("inviting new follower into transaction underway",
			"node", n.name,
			"peer", p.Name,
			"hash", n.db.UncommittedHash(),
		)
		n.sendToPeer(p, n.buildBeginTransaction(n.db.CommitCount()))
	}
	return nil
}

// handleSubscriptionApproved finishes subscription: applies the attached
// commits and starts FOLLOWING.
func (n *Node) handleSubscriptionApproved(p *Peer, msg *wire.Message) error {
	if n.state != Subscribing {
		return protoErrf("SUBSCRIPTION_APPROVED", "not subscribing")
	}
	n.leadPeerMu.Lock()
	lead := n.leadPeer
	n.leadPeerMu.Unlock()
	if lead != p {
		return protoErrf("SUBSCRIPTION_APPROVED", "not subscribing to you")
	}
	if err := n.recvSynchronize(p, msg); err != nil {
		n.logger.Warn("subscription failed, reconnecting to leader and re-SEARCHING",
			"node", n.name, "error", err)
		n.reconnectPeer(p)
		n.changeState(Searching)
		return err
	}
	n.logger.Info("subscription complete, FOLLOWING",
		"node", n.name,
		"commit_count", n.db.CommitCount(),
		"hash", n.db.CommittedHash(),
	)
	n.changeState(Following)
	return nil
}

// handleTransactionResponse records an APPROVE/DENY vote, ignoring stale
// votes for transactions that already resolved.
func (n *Node) handleTransactionResponse(p *Peer, msg *wire.Message) error {
	for _, h := range []string{"ID", "NewCount", "NewHash"} {
		if !msg.Has(h) {
			return protoErrf(msg.Method, "missing %s", h)
		}
	}
	if n.state != Leading && n.state != StandingDown {
		return protoErrf(msg.Method, "not leading")
	}
	vote := voteApprove
	if msg.Method == "DENY_TRANSACTION" {
		vote = voteDeny
	}

	hashMatch := msg.Get("NewHash") == n.db.UncommittedHash()
	currentID := n.globals.lastSentTransactionID.Load() + 1
	if !hashMatch || msg.Uint("ID") != currentID {
		// A late vote for a transaction that already committed or rolled
		// back. Nothing to do; we already broadcast the outcome.
		n.logger.Info("late transaction response, ignoring",
			"node", n.name,
			"peer", p.Name,
			"method", msg.Method,
			"for_count", msg.Uint("NewCount"),
			"hash_match", hashMatch,
		)
		return nil
	}
	if msg.Uint("NewCount") != n.db.CommitCount()+1 {
		return protoErrf(msg.Method, "commit count mismatch: got %d, expected %d",
			msg.Uint("NewCount"), n.db.CommitCount()+1)
	}
	if p.Permafollower {
		return protoErrf(msg.Method, "permafollowers shouldn't approve/deny")
	}
	n.logger.Info("peer voted on transaction",
		"node", n.name,
		"peer", p.Name,
		"vote", vote.String(),
		"new_count", msg.Uint("NewCount"),
	)
	p.transactionResponse = vote
	return nil
}

// handleEscalate accepts a follower's escalated command while LEADING.
func (n *Node) handleEscalate(p *Peer, msg *wire.Message) error {
	if !msg.Has("ID") {
		return protoErrf("ESCALATE", "missing ID")
	}
	if n.state != Leading {
		if n.state != StandingDown {
			n.logger.Warn("ESCALATE while not leading, aborting command",
				"node", n.name, "peer", p.Name, "id", msg.Get("ID"))
		}
		aborted := wire.New("ESCALATE_ABORTED")
		aborted.Set("ID", msg.Get("ID"))
		aborted.Set("Reason", "not leading")
		n.sendToPeer(p, aborted)
		return nil
	}
	request, _, err := wire.Parse(msg.Content)
	if err != nil {
		return protoErrf("ESCALATE", "malformed request: %v", err)
	}
	if !p.subscribed {
		return protoErrf("ESCALATE", "not subscribed")
	}
	n.logger.Info("received escalated command",
		"node", n.name,
		"peer", p.Name,
		"id", msg.Get("ID"),
		"method", request.Method,
	)
	cmd := &Command{ID: msg.Get("ID"), InitiatingPeer: p.Name, Request: request}
	n.metrics.IncEscalation(n.name, "received")
	n.server.AcceptCommand(cmd, true)
	return nil
}

// handleEscalateCancel asks the server to cancel an escalated command; a
// command already committing is left alone.
func (n *Node) handleEscalateCancel(p *Peer, msg *wire.Message) error {
	if !msg.Has("ID") {
		return protoErrf("ESCALATE_CANCEL", "missing ID")
	}
	if n.state != Leading {
		n.logger.Warn("ESCALATE_CANCEL while not leading, ignoring", "node", n.name, "peer", p.Name)
		return nil
	}
	if !p.subscribed {
		return protoErrf("ESCALATE_CANCEL", "not subscribed")
	}
	id := strings.ToLower(msg.Get("ID"))
	n.logger.Info("canceling escalated command", "node", n.name, "peer", p.Name, "id", id)
	n.server.CancelCommand(id)
	return nil
}

// handleEscalateResponse completes a command we escalated to the leader.
func (n *Node) handleEscalateResponse(p *Peer, msg *wire.Message) error {
	if n.state != Following {
		return protoErrf("ESCALATE_RESPONSE", "not following")
	}
	if !msg.Has("ID") {
		return protoErrf("ESCALATE_RESPONSE", "missing ID")
	}
	response, _, err := wire.Parse(msg.Content)
	if err != nil {
		return protoErrf("ESCALATE_RESPONSE", "malformed content: %v", err)
	}

	id := msg.Get("ID")
	cmd, ok := n.escalated[id]
	if !ok {
		n.logger.Info("ESCALATE_RESPONSE for unknown command, ignoring", "node", n.name, "id", id)
		return nil
	}
	if !cmd.escalatedAt.IsZero() {
		n.logger.Info("escalation complete",
			"node", n.name,
			"id", id,
			"method", cmd.Request.Method,
			"elapsed_ms", n.clock.Now().Sub(cmd.escalatedAt).Milliseconds(),
		)
	}
	cmd.Response = response
	cmd.Complete = true
	delete(n.escalated, id)
	n.metrics.IncEscalation(n.name, "completed")
	n.server.AcceptCommand(cmd, false)
	return nil
}

// handleEscalateAborted re-queues a command the leader refused so the server
// can retry it against the next leader.
func (n *Node) handleEscalateAborted(p *Peer, msg *wire.Message) error {
	if n.state != Following {
		return protoErrf("ESCALATE_ABORTED", "not following")
	}
	if !msg.Has("ID") {
		return protoErrf("ESCALATE_ABORTED", "missing ID")
	}
	id := msg.Get("ID")
	n.logger.Info("escalation aborted",
		"node", n.name,
		"peer", p.Name,
		"id", id,
		"reason", msg.Get("Reason"),
	)
	cmd, ok := n.escalated[id]
	if !ok {
		n.logger.Warn("ESCALATE_ABORTED for unescalated command, ignoring", "node", n.name, "id", id)
		return nil
	}
	delete(n.escalated, id)
	n.metrics.IncEscalation(n.name, "aborted")
	n.server.AcceptCommand(cmd, false)
	return nil
}

// onDisconnect audits consistency when a peer session drops: leader loss,
// sync-peer loss, and quorum loss are all handled here.
func (n *Node) onDisconnect(p *Peer) {
	p.reset()

	n.leadPeerMu.Lock()
	lostLeader := n.leadPeer == p
	if lostLeader {
		n.leadPeer = nil
	}
	n.leadPeerMu.Unlock()

	if lostLeader {
		n.logger.Warn("lost our leader, re-SEARCHING", "node", n.name, "peer", p.Name)
		if n.db.UncommittedHash() != "" {
			// We'll never get the verdict for this transaction; roll back and
			// resynchronize on reconnect.
			n.logger.Warn("expected a transaction response but disconnected, rolling back",
				"node", n.name,
				"would_be_commit", n.db.CommitCount()+1,
			)
			n.db.Rollback()
		}
		n.requeueEscalations()
		n.changeState(Searching)
	}

	if n.syncPeer == p {
		n.logger.Warn("lost our synchronization peer, re-SEARCHING", "node", n.name, "peer", p.Name)
		n.syncPeer = nil
		n.changeState(Searching)
	}

	// A leader that loses quorum can't commit anything; drop out of the
	// leadership window. With a commit in flight we stand down first instead
	// of jumping straight to SEARCHING.
	if n.state == Leading || n.state == StandingUp || n.state == StandingDown {
		numFull, numLoggedIn := n.peers.fullPeerCounts(p)
		if numLoggedIn*2 < numFull {
			n.logger.Warn("lost quorum", "node", n.name, "state", n.state.String())
			if n.state == Leading && n.CommitInProgress() {
				n.changeState(StandingDown)
			} else {
				n.changeState(Searching)
			}
		}
	}
}
