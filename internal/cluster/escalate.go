package cluster

import (
	"github.com/TomMD/Bedrock/internal/wire"
)

// EscalateCommand sends a follower-originated command to the leader. With
// forget set, the command is fired and not tracked for a response. If the
// leader is missing or standing down, the command goes straight back to the
// server to retry later.
//
// Must be called from the node's update goroutine; the escalation table is
// owned by it.
func (n *Node) EscalateCommand(cmd *Command, forget bool) {
	n.leadPeerMu.Lock()
	lead := n.leadPeer
	n.leadPeerMu.Unlock()

	if lead == nil {
		n.logger.Warn("asked to escalate with no leader, letting server retry",
			"node", n.name, "id", cmd.ID)
		n.server.AcceptCommand(cmd, false)
		return
	}
	if lead.state == StandingDown {
		n.logger.Info("asked to escalate but leader standing down, letting server retry",
			"node", n.name, "id", cmd.ID)
		n.server.AcceptCommand(cmd, false)
		return
	}

	n.logger.Info("escalating command to leader",
		"node", n.name,
		"id", cmd.ID,
		"method", cmd.Request.Method,
		"leader", lead.Name,
	)

	escalate := wire.New("ESCALATE")
	escalate.Set("ID", cmd.ID)
	escalate.Content = cmd.Request.Serialize()

	// Mark escalated even when forgetting; cleanup paths key off it.
	cmd.escalated = true
	if forget {
		n.logger.Info("firing and forgetting command to leader", "node", n.name, "id", cmd.ID)
	} else {
		cmd.escalatedAt = n.clock.Now()
		n.escalated[cmd.ID] = cmd
	}
	n.metrics.IncEscalation(n.name, "sent")
	n.sendToPeer(lead, escalate)
}

// SendResponse wraps a completed escalated command's response in an
// ESCALATE_RESPONSE back to the peer that initiated it. Called by the server
// when it finishes a command stamped with an initiating peer.
func (n *Node) SendResponse(cmd *Command) {
	peer := n.peers.Get(cmd.InitiatingPeer)
	if peer == nil {
		n.logger.Warn("no initiating peer for escalated response",
			"node", n.name, "id", cmd.ID, "peer", cmd.InitiatingPeer)
		return
	}
	escalate := wire.New("ESCALATE_RESPONSE")
	escalate.Set("ID", cmd.ID)
	if cmd.Response != nil {
		escalate.Content = cmd.Response.Serialize()
	}
	n.logger.Info("sending ESCALATE_RESPONSE",
		"node", n.name,
		"peer", peer.Name,
		"id", cmd.ID,
	)
	n.sendToPeer(peer, escalate)
}

// EscalatedCommandMethods lists the request methods of commands currently
// escalated; used in shutdown diagnostics.
func (n *Node) EscalatedCommandMethods() []string {
	out := make([]string, 0, len(n.escalated))
	for _, cmd := range n.escalated {
		out = append(out, cmd.Request.Method)
	}
	return out
}

// requeueEscalations hands every escalated command back to the server to be
// retried against the next leader.
func (n *Node) requeueEscalations() {
	for id, cmd := range n.escalated {
		n.logger.Info("re-queueing escalated command",
			"node", n.name,
			"id", id,
			"method", cmd.Request.Method,
		)
		n.metrics.IncEscalation(n.name, "requeued")
		n.server.AcceptCommand(cmd, false)
	}
	n.escalated = make(map[string]*Command)
}
