package cluster

import (
	"time"

	"github.com/TomMD/Bedrock/internal/wire"
)

// BeginShutdown starts a graceful shutdown, giving the node wait to finish
// outstanding work before it abandons escalations and stops. Redundant calls
// are ignored.
func (n *Node) BeginShutdown(wait time.Duration) {
	if n.shuttingDown.Swap(true) {
		return
	}
	n.logger.Info("beginning graceful shutdown", "node", n.name, "deadline", wait.String())
	n.shutdownDeadline = n.clock.Now().Add(wait)
}

// ShuttingDown reports whether a graceful shutdown has begun.
func (n *Node) ShuttingDown() bool { return n.shuttingDown.Load() }

// isNothingBlockingShutdown reports whether no outstanding work pins the
// node: no open transaction, no commit in flight, and no escalated commands.
func (n *Node) isNothingBlockingShutdown() bool {
	if n.db.UncommittedHash() != "" {
		return false
	}
	if n.CommitInProgress() {
		return false
	}
	if len(n.escalated) > 0 {
		return false
	}
	return true
}

// ShutdownComplete reports whether the node has fully quiesced. Past the
// shutdown deadline it abandons leftover escalations with a synthetic
// failure and forces SEARCHING.
func (n *Node) ShutdownComplete() bool {
	if !n.shuttingDown.Load() {
		return false
	}

	if n.clock.Now().After(n.shutdownDeadline) {
		n.logger.Warn("graceful shutdown timed out, killing non-gracefully", "node", n.name)
		if len(n.escalated) > 0 {
			n.logger.Warn("abandoning escalated commands",
				"node", n.name,
				"count", len(n.escalated),
			)
			for id, cmd := range n.escalated {
				cmd.Response = wire.New("500 Abandoned")
				cmd.Complete = true
				n.metrics.IncEscalation(n.name, "abandoned")
				n.server.AcceptCommand(cmd, false)
				delete(n.escalated, id)
			}
		}
		n.changeState(Searching)
		return true
	}

	// Only SEARCHING, SYNCHRONIZING, and WAITING are shutdown states.
	if n.state > Waiting {
		n.logger.Info("can't gracefully shut down yet",
			"node", n.name,
			"state", n.state.String(),
			"commit_in_progress", n.CommitInProgress(),
			"escalated", len(n.escalated),
		)
		for id, cmd := range n.escalated {
			n.logger.Info("escalated command remaining at shutdown",
				"node", n.name,
				"id", id,
				"method", cmd.Request.Method,
				"escalated_ago", n.clock.Now().Sub(cmd.escalatedAt).String(),
			)
		}
		return false
	}

	if n.isNothingBlockingShutdown() {
		n.logger.Info("graceful shutdown complete", "node", n.name)
		return true
	}
	n.logger.Info("can't gracefully shut down yet, waiting on commands",
		"node", n.name,
		"commit_in_progress", n.CommitInProgress(),
		"escalated", len(n.escalated),
	)
	return false
}
