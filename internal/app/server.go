package app

import (
	"sync"

	"github.com/TomMD/Bedrock/internal/cluster"
	"github.com/TomMD/Bedrock/internal/wire"
)

// CommandQueue is a minimal command server implementing cluster.Server for
// the node process. Real SQL command execution lives outside the replication
// core; this queue services the protocol paths the core depends on (peer
// SYNCHRONIZE requests routed through the server, escalated command
// completion, re-queues, and stand-down quiescence).
type CommandQueue struct {
	logger Logger

	mu       sync.Mutex
	node     *cluster.Node
	pending  map[string]*cluster.Command
	canceled map[string]bool
}

// NewCommandQueue returns an empty queue. Bind must be called before the node
// starts delivering commands.
func NewCommandQueue(logger Logger) *CommandQueue {
	return &CommandQueue{
		logger:   logger,
		pending:  make(map[string]*cluster.Command),
		canceled: make(map[string]bool),
	}
}

// Bind attaches the node after construction; the queue and node reference
// each other.
func (q *CommandQueue) Bind(node *cluster.Node) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.node = node
}

// AcceptCommand receives new peer commands and completed or re-queued ones.
func (q *CommandQueue) AcceptCommand(cmd *cluster.Command, isNew bool) {
	q.mu.Lock()
	node := q.node
	canceled := q.canceled[cmd.ID]
	delete(q.canceled, cmd.ID)
	q.mu.Unlock()

	// Peer SYNCHRONIZE requests routed through the server while FOLLOWING.
	if node != nil && node.HandleSynchronizeCommand(cmd) {
		return
	}

	if cmd.Complete {
		q.logger.Info("command complete",
			"id", cmd.ID,
			"method", cmd.Request.Method,
			"response", responseMethod(cmd),
		)
		q.mu.Lock()
		delete(q.pending, cmd.ID)
		q.mu.Unlock()
		return
	}
	if canceled {
		q.logger.Info("dropping canceled command", "id", cmd.ID)
		return
	}

	if isNew && cmd.InitiatingPeer != "" && node != nil {
		// An escalated command from a follower. Execution is out of scope
		// here: acknowledge and route the response back over the escalation
		// channel.
		cmd.Response = wire.New("200 OK")
		cmd.Complete = true
		node.SendResponse(cmd)
		return
	}

	q.mu.Lock()
	q.pending[cmd.ID] = cmd
	q.mu.Unlock()
	q.logger.Info("command queued", "id", cmd.ID, "method", cmd.Request.Method, "new", isNew)
}

// CancelCommand drops a queued command; commands already handed off are left
// to finish.
func (q *CommandQueue) CancelCommand(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[id]; ok {
		delete(q.pending, id)
		q.logger.Info("command canceled", "id", id)
		return
	}
	q.canceled[id] = true
}

// OnNodeLogin is notified when a peer completes its LOGIN exchange.
func (q *CommandQueue) OnNodeLogin(peer *cluster.Peer) {
	q.logger.Info("peer logged in to cluster", "peer", peer.Name, "state", peer.State().String())
}

// CanStandDown reports whether the queue has quiesced.
func (q *CommandQueue) CanStandDown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0
}

func responseMethod(cmd *cluster.Command) string {
	if cmd.Response == nil {
		return ""
	}
	return cmd.Response.Method
}
