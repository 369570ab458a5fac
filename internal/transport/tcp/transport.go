// Package tcp provides the peer transport: one reliable, auto-reconnecting
// message stream per configured peer, carrying wire.Message frames.
//
// Sessions handshake with a transport-level NODE_LOGIN naming the dialing
// node, and exchange PING/PONG to measure per-peer latency for sync-peer
// selection. Exactly one session exists per peer pair: the node with the
// lexicographically smaller name dials, the other accepts.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TomMD/Bedrock/internal/cluster"
	"github.com/TomMD/Bedrock/internal/wire"
)

const (
	dialRetryMin = 250 * time.Millisecond
	dialRetryMax = 10 * time.Second
	pingInterval = 5 * time.Second
)

// Core is what the transport needs from the cluster node.
type Core interface {
	OnPeerConnect(peerName string)
	OnPeerDisconnect(peerName string)
	OnPeerMessage(peerName string, msg *wire.Message)
}

// Transport maintains sessions to all configured peers.
type Transport struct {
	nodeName   string
	listenAddr string
	peers      *cluster.Registry
	core       Core
	logger     cluster.Logger

	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a transport for the given peer set. Start must be called to
// begin listening and dialing.
func New(nodeName, listenAddr string, peers *cluster.Registry, core Core, logger cluster.Logger) *Transport {
	return &Transport{
		nodeName:   nodeName,
		listenAddr: listenAddr,
		peers:      peers,
		core:       core,
		logger:     logger,
		sessions:   make(map[string]*session),
	}
}

// Start begins accepting inbound sessions and dialing outbound ones.
func (t *Transport) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("tcp: listen %s: %w", t.listenAddr, err)
	}
	t.ln = ln
	ctx, t.cancel = context.WithCancel(ctx)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.acceptLoop(ctx)
	}()

	for _, p := range t.peers.All() {
		if t.nodeName < p.Name {
			t.wg.Add(1)
			go func(p *cluster.Peer) {
				defer t.wg.Done()
				t.dialLoop(ctx, p)
			}(p)
		}
	}
	return nil
}

// Stop tears down the listener and all sessions and waits for goroutines.
func (t *Transport) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	if t.ln != nil {
		_ = t.ln.Close()
	}
	t.mu.Lock()
	for _, s := range t.sessions {
		s.close()
	}
	t.mu.Unlock()
	t.wg.Wait()
}

// Addr returns the bound listen address.
func (t *Transport) Addr() net.Addr {
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

func (t *Transport) acceptLoop(ctx context.Context) {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("accept failed", "transport", t.nodeName, "error", err)
			continue
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handleInbound(ctx, conn)
		}()
	}
}

// handleInbound waits for the dialer's NODE_LOGIN, matches it against the
// configured peers, and runs the session.
func (t *Transport) handleInbound(ctx context.Context, conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	msg, buf, err := readOneMessage(conn, nil)
	if err != nil {
		t.logger.Warn("inbound handshake failed", "transport", t.nodeName, "error", err)
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	if msg.Method != "NODE_LOGIN" || msg.Get("Name") == "" {
		t.logger.Warn("inbound connection without NODE_LOGIN, dropping",
			"transport", t.nodeName, "method", msg.Method)
		_ = conn.Close()
		return
	}
	peer := t.peers.Get(msg.Get("Name"))
	if peer == nil {
		t.logger.Warn("NODE_LOGIN from unknown peer, dropping",
			"transport", t.nodeName, "name", msg.Get("Name"))
		_ = conn.Close()
		return
	}
	t.runSession(ctx, peer, conn, buf)
}

// dialLoop keeps one outbound session alive to a peer, retrying with backoff.
func (t *Transport) dialLoop(ctx context.Context, peer *cluster.Peer) {
	backoff := dialRetryMin
	for ctx.Err() == nil {
		conn, err := net.DialTimeout("tcp", peer.Host, 5*time.Second)
		if err != nil {
			t.logger.Debug("dial failed",
				"transport", t.nodeName, "peer", peer.Name, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, dialRetryMax)
			continue
		}
		backoff = dialRetryMin

		login := wire.New("NODE_LOGIN")
		login.Set("Name", t.nodeName)
		if _, err := conn.Write(login.Serialize()); err != nil {
			_ = conn.Close()
			continue
		}
		t.runSession(ctx, peer, conn, nil)
	}
}

// runSession installs the session as the peer's link and pumps messages until
// the connection dies. Blocks for the session's lifetime.
func (t *Transport) runSession(ctx context.Context, peer *cluster.Peer, conn net.Conn, initial []byte) {
	s := newSession(peer, conn)

	t.mu.Lock()
	if old := t.sessions[peer.Name]; old != nil {
		old.close()
	}
	t.sessions[peer.Name] = s
	t.mu.Unlock()

	peer.AttachLink(s)
	t.core.OnPeerConnect(peer.Name)
	t.logger.Info("session established", "transport", t.nodeName, "peer", peer.Name)

	pingCtx, stopPing := context.WithCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		s.pingLoop(pingCtx)
	}()

	s.readLoop(t, initial)

	stopPing()
	peer.DetachLink(s)
	t.core.OnPeerDisconnect(peer.Name)
	t.logger.Info("session lost", "transport", t.nodeName, "peer", peer.Name)

	t.mu.Lock()
	if t.sessions[peer.Name] == s {
		delete(t.sessions, peer.Name)
	}
	t.mu.Unlock()
}

// session is one live connection to a peer. It implements cluster.Link.
type session struct {
	peer *cluster.Peer
	conn net.Conn

	writeMu sync.Mutex
	sent    atomic.Uint64
	recv    atomic.Uint64

	closeOnce sync.Once
}

func newSession(peer *cluster.Peer, conn net.Conn) *session {
	return &session{peer: peer, conn: conn}
}

// Send writes one serialized message. Writes are serialized so frames never
// interleave; FIFO per peer comes from the single underlying stream.
func (s *session) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.conn.Write(data)
	s.sent.Add(uint64(n))
	return err
}

// Shutdown implements cluster.Link: kill this session so the transport
// reconnects.
func (s *session) Shutdown() { s.close() }

func (s *session) SentBytes() uint64 { return s.sent.Load() }
func (s *session) RecvBytes() uint64 { return s.recv.Load() }
func (s *session) ResetCounters() {
	s.sent.Store(0)
	s.recv.Store(0)
}

func (s *session) close() {
	s.closeOnce.Do(func() { _ = s.conn.Close() })
}

// readLoop parses frames off the stream. PING/PONG are handled here; all
// other messages go up to the core.
func (s *session) readLoop(t *Transport, buf []byte) {
	defer s.close()
	chunk := make([]byte, 64*1024)
	for {
		for {
			msg, consumed, err := wire.Parse(buf)
			if errors.Is(err, wire.ErrIncomplete) {
				break
			}
			if err != nil {
				t.logger.Warn("malformed frame, dropping session",
					"transport", t.nodeName, "peer", s.peer.Name, "error", err)
				return
			}
			buf = buf[consumed:]
			s.handleFrame(t, msg)
		}

		n, err := s.conn.Read(chunk)
		if n > 0 {
			s.recv.Add(uint64(n))
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return
		}
	}
}

func (s *session) handleFrame(t *Transport, msg *wire.Message) {
	switch msg.Method {
	case "PING":
		pong := wire.New("PONG")
		pong.Set("Timestamp", msg.Get("Timestamp"))
		_ = s.Send(pong.Serialize())
	case "PONG":
		sentAt := time.UnixMicro(msg.Int("Timestamp"))
		s.peer.SetLatency(time.Since(sentAt))
	default:
		t.core.OnPeerMessage(s.peer.Name, msg)
	}
}

// pingLoop measures round-trip latency for sync-peer selection.
func (s *session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping := wire.New("PING")
			ping.SetInt("Timestamp", time.Now().UnixMicro())
			if err := s.Send(ping.Serialize()); err != nil {
				return
			}
		}
	}
}

// readOneMessage reads from conn until one full message parses, returning the
// message and any extra buffered bytes.
func readOneMessage(conn net.Conn, buf []byte) (*wire.Message, []byte, error) {
	chunk := make([]byte, 4096)
	for {
		msg, consumed, err := wire.Parse(buf)
		if err == nil {
			return msg, buf[consumed:], nil
		}
		if !errors.Is(err, wire.ErrIncomplete) {
			return nil, nil, err
		}
		n, rerr := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if rerr != nil {
			return nil, nil, rerr
		}
	}
}
