package cluster

import (
	"sync"
	"sync/atomic"
	"time"
)

//go:generate mockgen -source=peer.go -destination=link_mock_test.go -package=cluster

// Link is one peer's transport session: a reliable, FIFO message stream. The
// transport owns reconnection; Shutdown kills the current session so the
// transport establishes a fresh one.
type Link interface {
	// Send writes one serialized message to the peer.
	Send(data []byte) error

	// Shutdown tears down the current session. The transport reconnects.
	Shutdown()

	// SentBytes and RecvBytes report traffic since the last ResetCounters.
	SentBytes() uint64
	RecvBytes() uint64
	ResetCounters()
}

// voteResponse is a recorded approve/deny from a peer, or unset.
type voteResponse int

const (
	voteUnset voteResponse = iota
	voteApprove
	voteDeny
)

func (v voteResponse) String() string {
	switch v {
	case voteApprove:
		return "approve"
	case voteDeny:
		return "deny"
	}
	return ""
}

// Peer is the persistent record of one configured cluster peer. All fields
// except link and latency are owned by the node's sync goroutine; link is
// attached and detached by the transport, and latency is written by the
// transport's ping loop.
type Peer struct {
	Name          string
	Host          string
	Permafollower bool

	state         State
	loggedIn      bool
	priority      int
	version       string
	commitCount   uint64
	committedHash string
	subscribed    bool

	standupResponse     voteResponse
	transactionResponse voteResponse

	latencyUS atomic.Int64

	linkMu sync.Mutex
	link   Link
}

// State returns the last observed remote state.
func (p *Peer) State() State { return p.state }

// LoggedIn reports whether the LOGIN exchange has completed this session.
func (p *Peer) LoggedIn() bool { return p.loggedIn }

// Priority returns the peer's announced priority.
func (p *Peer) Priority() int { return p.priority }

// Version returns the peer's announced version string.
func (p *Peer) Version() string { return p.version }

// CommitCount returns the peer's last stamped commit count.
func (p *Peer) CommitCount() uint64 { return p.commitCount }

// CommittedHash returns the peer's last stamped committed hash.
func (p *Peer) CommittedHash() string { return p.committedHash }

// Subscribed reports whether this peer receives transaction broadcasts
// (leader-side marker).
func (p *Peer) Subscribed() bool { return p.subscribed }

// Latency returns the transport-measured round-trip latency, or 0 when
// unknown.
func (p *Peer) Latency() time.Duration {
	return time.Duration(p.latencyUS.Load()) * time.Microsecond
}

// SetLatency records a transport latency measurement.
func (p *Peer) SetLatency(d time.Duration) {
	p.latencyUS.Store(int64(d / time.Microsecond))
}

// AttachLink installs the transport session for this peer.
func (p *Peer) AttachLink(l Link) {
	p.linkMu.Lock()
	defer p.linkMu.Unlock()
	p.link = l
}

// DetachLink removes the transport session, if it is still the given one.
func (p *Peer) DetachLink(l Link) {
	p.linkMu.Lock()
	defer p.linkMu.Unlock()
	if p.link == l || l == nil {
		p.link = nil
	}
}

func (p *Peer) currentLink() Link {
	p.linkMu.Lock()
	defer p.linkMu.Unlock()
	return p.link
}

// Link returns the attached transport session, or nil.
func (p *Peer) Link() Link { return p.currentLink() }

// Connected reports whether a transport session is attached.
func (p *Peer) Connected() bool { return p.currentLink() != nil }

// reset clears per-session peer state on disconnect.
func (p *Peer) reset() {
	p.loggedIn = false
	p.subscribed = false
	p.standupResponse = voteUnset
	p.transactionResponse = voteUnset
	p.state = Searching
}

// Registry holds the fixed set of configured peers. Peers live for the
// node's lifetime; only their attributes mutate.
type Registry struct {
	peers  []*Peer
	byName map[string]*Peer
}

// NewRegistry builds a registry from the configured peer set.
func NewRegistry(peers []*Peer) *Registry {
	r := &Registry{byName: make(map[string]*Peer, len(peers))}
	for _, p := range peers {
		r.peers = append(r.peers, p)
		r.byName[p.Name] = p
	}
	return r
}

// All returns the peers in configuration order.
func (r *Registry) All() []*Peer { return r.peers }

// Get returns the peer with the given name, or nil.
func (r *Registry) Get(name string) *Peer { return r.byName[name] }

// Len returns the number of configured peers.
func (r *Registry) Len() int { return len(r.peers) }

// fullPeerCounts returns how many non-permafollower peers are configured and
// how many of those are logged in, optionally skipping one peer (used when
// evaluating quorum at the moment of that peer's disconnect).
func (r *Registry) fullPeerCounts(skip *Peer) (full, loggedIn int) {
	for _, p := range r.peers {
		if p == skip || p.Permafollower {
			continue
		}
		full++
		if p.loggedIn {
			loggedIn++
		}
	}
	return full, loggedIn
}
