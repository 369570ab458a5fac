// Package cluster implements the distributed consensus and replication core
// of a leader-follower SQL database cluster.
//
// A Node maintains a single totally-ordered commit log replicated across its
// peers, elects a leader by priority, synchronizes lagging peers, and drives
// two-phase distributed commits at ASYNC/ONE/QUORUM consistency. The node is
// a nine-state machine advanced by the periodic Update tick and by inbound
// peer messages; see update.go for the state logic and handlers.go for the
// message routing table.
//
// The SQL engine, the peer transport, and the command server are external
// collaborators consumed through the db.Engine, Link, and Server interfaces.
package cluster

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/TomMD/Bedrock/internal/db"
	"github.com/TomMD/Bedrock/internal/wire"
)

// LeaderGlobals carries the leader-side process-wide commit streaming state:
// the ID of the last transaction broadcast to followers and the flag marking
// that locally committed transactions still await streaming. It is created at
// node construction and shared with local writers that commit outside the
// distributed path.
type LeaderGlobals struct {
	lastSentTransactionID atomic.Uint64
	unsentTransactions    atomic.Bool
}

// MarkUnsentTransactions flags that local commits exist which have not been
// streamed to followers yet. Local writers call this after committing.
func (g *LeaderGlobals) MarkUnsentTransactions() {
	g.unsentTransactions.Store(true)
}

// LastSentTransactionID returns the newest transaction ID broadcast to
// followers.
func (g *LeaderGlobals) LastSentTransactionID() uint64 {
	return g.lastSentTransactionID.Load()
}

// NodeConfig holds the static identity of a node.
type NodeConfig struct {
	Name    string
	Version string

	// Priority determines election order. 0 marks a permafollower that can
	// never lead; higher wins.
	Priority int

	// FirstTimeout bounds the initial SEARCHING state; zero uses the default
	// receive timeout.
	FirstTimeout time.Duration
}

type eventKind int

const (
	eventMessage eventKind = iota
	eventConnect
	eventDisconnect
)

type nodeEvent struct {
	kind eventKind
	peer *Peer
	msg  *wire.Message
}

// Node is one member of the replication cluster.
type Node struct {
	name    string
	version string

	db     db.Engine
	server Server
	peers  *Registry

	// stateMu guards state for outside observers; the sync goroutine is the
	// only writer and takes it exclusively around every transition.
	stateMu          sync.RWMutex
	state            State
	priority         int
	originalPriority int
	stateChangeCount uint64
	stateTimeout     time.Time
	leaderVersion    string

	commitState       CommitState
	commitConsistency Consistency
	commitBegan       time.Time

	// leadPeerMu serializes access to leadPeer so escalation, which runs on
	// server threads, sees a consistent target.
	leadPeerMu sync.Mutex
	leadPeer   *Peer

	syncPeer *Peer

	escalated map[string]*Command

	// Follower replication pipeline. Workers coordinate through replCond and
	// the two hash sets; replExit tells them to roll back and leave.
	replMu     sync.Mutex
	replCond   *sync.Cond
	replExit   bool
	replWG     sync.WaitGroup
	hashMu     sync.Mutex
	toCommit   map[string]struct{}
	toRollback map[string]struct{}

	globals *LeaderGlobals

	shuttingDown     atomic.Bool
	shutdownDeadline time.Time

	standDownDeadline time.Time

	inbox chan nodeEvent

	clock   Clock
	jitter  jitterFunc
	logger  Logger
	metrics Metrics
	tracer  oteltrace.Tracer

	lastNetStat time.Time
}

// Option customizes a Node at construction.
type Option func(*Node)

// WithMetrics installs a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(n *Node) {
		if m != nil {
			n.metrics = m
		}
	}
}

// WithClock installs an alternate clock (tests).
func WithClock(c Clock) Option {
	return func(n *Node) {
		if c != nil {
			n.clock = c
		}
	}
}

// WithJitter installs an alternate timeout-jitter source (tests).
func WithJitter(j jitterFunc) Option {
	return func(n *Node) {
		if j != nil {
			n.jitter = j
		}
	}
}

// WithTracer installs an alternate trace provider.
func WithTracer(t oteltrace.Tracer) Option {
	return func(n *Node) {
		if t != nil {
			n.tracer = t
		}
	}
}

// NewNode creates a node over the given peers. The node starts in SEARCHING
// and sends LOGIN on each link as it comes up; its first STATE broadcast
// comes with its first state change.
func NewNode(cfg NodeConfig, peers []*Peer, engine db.Engine, server Server, logger Logger, opts ...Option) (*Node, error) {
	if engine == nil {
		return nil, ErrNilEngine
	}
	if server == nil {
		return nil, ErrNilServer
	}
	if logger == nil {
		return nil, ErrNilLogger
	}
	if cfg.Priority < 0 {
		return nil, fmt.Errorf("cluster: negative priority %d", cfg.Priority)
	}

	n := &Node{
		name:             cfg.Name,
		version:          cfg.Version,
		db:               engine,
		server:           server,
		peers:            NewRegistry(peers),
		state:            Searching,
		priority:         -1, // transient until first WAITING
		originalPriority: cfg.Priority,
		escalated:        make(map[string]*Command),
		toCommit:         make(map[string]struct{}),
		toRollback:       make(map[string]struct{}),
		globals:          &LeaderGlobals{},
		inbox:            make(chan nodeEvent, 256),
		clock:            stdClock{},
		jitter:           defaultJitter,
		logger:           logger,
		metrics:          noopMetrics{},
		tracer:           otel.Tracer("bedrock.cluster"),
	}
	n.replCond = sync.NewCond(&n.replMu)
	for _, opt := range opts {
		opt(n)
	}

	firstTimeout := cfg.FirstTimeout
	if firstTimeout <= 0 {
		firstTimeout = defaultRecvTimeout
	}
	n.stateTimeout = n.clock.Now().Add(firstTimeout)
	n.lastNetStat = n.clock.Now()
	n.metrics.SetNodeState(n.name, n.state.String())
	return n, nil
}

// Name returns the node's cluster name.
func (n *Node) Name() string { return n.name }

// Version returns the node's version string.
func (n *Node) Version() string { return n.version }

// State returns the node's current state. Safe from any goroutine.
func (n *Node) State() State {
	n.stateMu.RLock()
	defer n.stateMu.RUnlock()
	return n.state
}

// Priority returns the node's current effective priority. Safe from any
// goroutine.
func (n *Node) Priority() int {
	n.stateMu.RLock()
	defer n.stateMu.RUnlock()
	return n.priority
}

// Globals returns the leader-side streaming state shared with local writers.
func (n *Node) Globals() *LeaderGlobals { return n.globals }

// Peers returns the peer registry.
func (n *Node) Peers() *Registry { return n.peers }

// LeaderVersion returns the version string of the cluster's current leader,
// or "" when there is none.
func (n *Node) LeaderVersion() string { return n.leaderVersion }

// LeaderState returns the observed state of our lead peer, or Unknown when we
// have none. Safe from any goroutine.
func (n *Node) LeaderState() State {
	n.leadPeerMu.Lock()
	defer n.leadPeerMu.Unlock()
	if n.leadPeer == nil {
		return Unknown
	}
	return n.leadPeer.state
}

// CommitInProgress reports whether a distributed commit is underway.
func (n *Node) CommitInProgress() bool {
	return n.commitState == CommitWaiting || n.commitState == CommitCommitting
}

// CommitResult returns the state of the most recent commit attempt.
func (n *Node) CommitResult() CommitState { return n.commitState }

// StartCommit records that the caller wants the prepared local work committed
// across the cluster at the given consistency. The next Update tick performs
// the actual distributed commit.
func (n *Node) StartCommit(consistency Consistency) {
	if n.CommitInProgress() {
		panic("cluster: StartCommit while commit in progress")
	}
	n.commitState = CommitWaiting
	n.commitConsistency = consistency
}

// OnPeerConnect is called by the transport when a session to peer comes up.
func (n *Node) OnPeerConnect(peerName string) {
	n.enqueue(nodeEvent{kind: eventConnect, peer: n.peers.Get(peerName)})
}

// OnPeerDisconnect is called by the transport when a session is lost.
func (n *Node) OnPeerDisconnect(peerName string) {
	n.enqueue(nodeEvent{kind: eventDisconnect, peer: n.peers.Get(peerName)})
}

// OnPeerMessage is called by the transport for each inbound message.
func (n *Node) OnPeerMessage(peerName string, msg *wire.Message) {
	n.enqueue(nodeEvent{kind: eventMessage, peer: n.peers.Get(peerName), msg: msg})
}

func (n *Node) enqueue(ev nodeEvent) {
	if ev.peer == nil {
		n.logger.Warn("event for unknown peer dropped", "node", n.name)
		return
	}
	n.inbox <- ev
}

// Run drives the node until ctx is canceled or a graceful shutdown (begun
// with BeginShutdown) completes: it drains peer events, ticks the state
// machine, and sleeps between ticks. All state-machine work happens on this
// one goroutine.
func (n *Node) Run(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		n.drainEvents()
		for n.Update() {
		}
		if n.shuttingDown.Load() && n.ShutdownComplete() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case ev := <-n.inbox:
			n.handleEvent(ev)
		case <-ticker.C:
		}
	}
}

func (n *Node) drainEvents() {
	for {
		select {
		case ev := <-n.inbox:
			n.handleEvent(ev)
		default:
			return
		}
	}
}

func (n *Node) handleEvent(ev nodeEvent) {
	switch ev.kind {
	case eventConnect:
		n.onConnect(ev.peer)
	case eventDisconnect:
		n.onDisconnect(ev.peer)
	case eventMessage:
		if err := n.onMessage(ev.peer, ev.msg); err != nil {
			n.logger.Warn("message handling failed, resetting peer session",
				"node", n.name,
				"peer", ev.peer.Name,
				"method", ev.msg.Method,
				"error", err,
			)
			n.metrics.IncProtocolError(n.name, ev.msg.Method)
			n.reconnectPeer(ev.peer)
		}
	}
}

// changeState performs a state transition with all entry/exit side effects
// and broadcasts the new state to every connected peer.
//
// It can run while the sync loop holds the global SQL commit lock during
// COMMITTING (quorum loss on disconnect, a standup challenge, the shutdown
// deadline). A switch to STANDINGDOWN keeps the lock for resolveCommit;
// leaving LEADING/STANDINGDOWN for any other state releases it below.
func (n *Node) changeState(newState State) {
	// Only the sync goroutine transitions state, so reading n.state without
	// the lock here is safe. Leaving FOLLOWING joins the replication workers
	// BEFORE taking the state lock: workers read State() under the shared
	// lock and would deadlock against us otherwise.
	oldState := n.state
	if newState == oldState {
		return
	}
	if oldState == Following {
		n.stopReplicationWorkers()
	}

	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	n.logger.Info("switching state",
		"node", n.name,
		"from", oldState.String(),
		"to", newState.String(),
	)
	n.metrics.IncStateTransition(n.name, oldState.String(), newState.String())

	var timeout time.Duration
	switch newState {
	case StandingUp:
		// Two nodes standing up simultaneously deadlock waiting on each
		// other; keep this short.
		timeout = standupTimeout + n.jitter(maxTimeoutJitter)
	case Searching, Subscribing:
		timeout = defaultRecvTimeout + n.jitter(maxTimeoutJitter)
	case Synchronizing:
		timeout = synchronizingRecvTimeout + n.jitter(maxTimeoutJitter)
	}
	n.stateTimeout = n.clock.Now().Add(timeout)
	if timeout == 0 {
		n.stateTimeout = time.Time{}
	}

	// Leaving the write-capable states: fail any in-flight commit and flush
	// unsent transactions before the new leader takes over.
	if (oldState == Leading || oldState == StandingDown) && newState != Leading && newState != StandingDown {
		n.leaderVersion = ""
		// While COMMITTING the sync loop owns the global commit lock; it must
		// be released on this exit path after the rollback and the final
		// flush to the new leader.
		holdingCommitLock := n.commitState == CommitCommitting
		if n.CommitInProgress() {
			n.logger.Warn("leaving write state with commit in progress, canceling",
				"node", n.name,
				"commit_state", n.commitState.String(),
			)
			n.commitState = CommitFailed
			n.db.Rollback()
		}
		if holdingCommitLock {
			n.sendOutstandingTransactionsLocked()
			n.db.CommitLock().Unlock()
		} else {
			n.sendOutstandingTransactions()
		}
	}

	// No lead peer outside SUBSCRIBING/FOLLOWING.
	if newState < Subscribing {
		n.leadPeerMu.Lock()
		n.leadPeer = nil
		n.leadPeerMu.Unlock()
	}

	switch newState {
	case Leading:
		// Seed streaming state so last_sent tracks the local commit count.
		lock := n.db.CommitLock()
		lock.Lock()
		n.globals.unsentTransactions.Store(false)
		n.globals.lastSentTransactionID.Store(n.db.CommitCount())
		n.db.CommittedTransactions() // drain: already durable everywhere we care
		lock.Unlock()
	case StandingDown:
		n.standDownDeadline = n.clock.Now().Add(standDownTimeout)
	case Searching:
		if len(n.escalated) > 0 {
			// Not supposed to happen; drop them and log the state we came
			// from for diagnosis.
			n.logger.Warn("entering SEARCHING with escalated commands, clearing",
				"node", n.name,
				"from", oldState.String(),
				"count", len(n.escalated),
			)
			n.escalated = make(map[string]*Command)
		}
	case Waiting:
		// First WAITING is where the node takes its real priority.
		n.priority = n.originalPriority
	}

	n.state = newState
	n.stateChangeCount++
	n.metrics.SetNodeState(n.name, newState.String())

	state := wire.New("STATE")
	state.SetUint("StateChangeCount", n.stateChangeCount)
	state.Set("State", n.state.String())
	state.SetInt("Priority", int64(n.priority))
	n.sendToAllPeers(state, false)
}

// sendToPeer stamps the message with our commit position and sends it.
func (n *Node) sendToPeer(p *Peer, msg *wire.Message) {
	link := p.currentLink()
	if link == nil {
		n.logger.Warn("no session to peer, discarding message",
			"node", n.name,
			"peer", p.Name,
			"method", msg.Method,
		)
		return
	}
	out := msg.Clone()
	out.SetUint("CommitCount", n.db.CommitCount())
	out.Set("Hash", n.db.CommittedHash())
	if err := link.Send(out.Serialize()); err != nil {
		n.logger.Warn("send to peer failed",
			"node", n.name,
			"peer", p.Name,
			"method", msg.Method,
			"error", err,
		)
	}
}

// sendToAllPeers stamps and serializes once, then sends to every connected
// peer, or only to subscribed peers (transaction traffic).
func (n *Node) sendToAllPeers(msg *wire.Message, subscribedOnly bool) {
	out := msg.Clone()
	if !out.Has("CommitCount") {
		out.SetUint("CommitCount", n.db.CommitCount())
	}
	if !out.Has("Hash") {
		out.Set("Hash", n.db.CommittedHash())
	}
	data := out.Serialize()
	for _, p := range n.peers.All() {
		if subscribedOnly && !p.subscribed {
			continue
		}
		if link := p.currentLink(); link != nil {
			if err := link.Send(data); err != nil {
				n.logger.Warn("broadcast to peer failed",
					"node", n.name,
					"peer", p.Name,
					"method", msg.Method,
					"error", err,
				)
			}
		}
	}
}

// Broadcast sends an arbitrary message to one peer or, with a nil peer, to
// everyone connected. Used by the server for CRASH/BROADCAST commands.
func (n *Node) Broadcast(msg *wire.Message, peer *Peer) {
	if peer != nil {
		n.sendToPeer(peer, msg)
		return
	}
	n.sendToAllPeers(msg, false)
}

// reconnectPeer tears down a peer's session so the transport re-establishes
// it, clearing the login marker.
func (n *Node) reconnectPeer(p *Peer) {
	if link := p.currentLink(); link != nil {
		n.logger.Info("reconnecting peer", "node", n.name, "peer", p.Name)
		link.Shutdown()
	}
	p.loggedIn = false
}

func (n *Node) reconnectAll() {
	for _, p := range n.peers.All() {
		n.reconnectPeer(p)
	}
}

// majoritySubscribed reports whether a majority of full peers is subscribed.
func (n *Node) majoritySubscribed() bool {
	numFull, numSubscribed := 0, 0
	for _, p := range n.peers.All() {
		if p.Permafollower {
			continue
		}
		numFull++
		if p.subscribed {
			numSubscribed++
		}
	}
	return numSubscribed*2 >= numFull
}

// logNetStats emits the periodic per-peer traffic line.
func (n *Node) logNetStats(now time.Time) {
	if now.Sub(n.lastNetStat) < 10*time.Second {
		return
	}
	elapsed := now.Sub(n.lastNetStat)
	n.lastNetStat = now
	args := []any{"node", n.name, "elapsed_ms", elapsed.Milliseconds()}
	for _, p := range n.peers.All() {
		if link := p.currentLink(); link != nil {
			args = append(args, p.Name, fmt.Sprintf("sent=%d recv=%d", link.SentBytes(), link.RecvBytes()))
			link.ResetCounters()
		} else {
			args = append(args, p.Name, "no session")
		}
	}
	n.logger.Info("network stats", args...)
}
