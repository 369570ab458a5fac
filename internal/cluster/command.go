package cluster

import (
	"time"

	"github.com/google/uuid"

	"github.com/TomMD/Bedrock/internal/wire"
)

// Command is a client command flowing between the command server and the
// node. On a follower it may be escalated to the leader; on the leader it may
// have been created from a peer's ESCALATE.
type Command struct {
	// ID uniquely identifies the command across escalation hops.
	ID string

	// InitiatingPeer names the peer that escalated this command to us, or ""
	// for locally originated commands.
	InitiatingPeer string

	Request  *wire.Message
	Response *wire.Message

	// Complete is set once Response is final and the command can be handed
	// back to the caller.
	Complete bool

	escalated   bool
	escalatedAt time.Time
}

// NewCommand wraps a request in a command with a fresh unique ID.
func NewCommand(request *wire.Message) *Command {
	return &Command{ID: uuid.NewString(), Request: request}
}

// Escalated reports whether this command was sent to a leader.
func (c *Command) Escalated() bool { return c.escalated }

// Server is the command server consumed by the node. It runs its own worker
// threads outside the core.
type Server interface {
	// AcceptCommand hands the server a command: a brand-new one from a peer
	// (isNew true), or a completed/re-queued one coming back (isNew false).
	AcceptCommand(cmd *Command, isNew bool)

	// CancelCommand cancels a queued command unless it is already committing.
	CancelCommand(id string)

	// OnNodeLogin tells the server a peer completed its LOGIN exchange.
	OnNodeLogin(peer *Peer)

	// CanStandDown reports whether the server has quiesced enough for the
	// node to finish standing down.
	CanStandDown() bool
}
