package cluster

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/TomMD/Bedrock/internal/db"
	"github.com/TomMD/Bedrock/internal/wire"
)

func testLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock drives state timeouts deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeLink records every message sent to a peer.
type fakeLink struct {
	mu        sync.Mutex
	sent      []*wire.Message
	shutdowns int
	sendErr   error
}

func (l *fakeLink) Send(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	msg, _, err := wire.Parse(data)
	if err != nil {
		panic("fakeLink: unparseable outbound message: " + err.Error())
	}
	l.sent = append(l.sent, msg)
	return nil
}

func (l *fakeLink) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.shutdowns++
}

func (l *fakeLink) SentBytes() uint64 { return 0 }
func (l *fakeLink) RecvBytes() uint64 { return 0 }
func (l *fakeLink) ResetCounters()    {}

func (l *fakeLink) messages() []*wire.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*wire.Message, len(l.sent))
	copy(out, l.sent)
	return out
}

// last returns the newest sent message with the given method, or nil.
func (l *fakeLink) last(method string) *wire.Message {
	msgs := l.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Method == method {
			return msgs[i]
		}
	}
	return nil
}

func (l *fakeLink) count(method string) int {
	n := 0
	for _, m := range l.messages() {
		if m.Method == method {
			n++
		}
	}
	return n
}

func (l *fakeLink) shutdownCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shutdowns
}

func (l *fakeLink) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = nil
}

// fakeServer records what the node hands to the command server.
type acceptedCommand struct {
	cmd   *Command
	isNew bool
}

type fakeServer struct {
	mu          sync.Mutex
	accepted    []acceptedCommand
	canceled    []string
	logins      []string
	standDownOK bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{standDownOK: true}
}

func (s *fakeServer) AcceptCommand(cmd *Command, isNew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted = append(s.accepted, acceptedCommand{cmd: cmd, isNew: isNew})
}

func (s *fakeServer) CancelCommand(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = append(s.canceled, id)
}

func (s *fakeServer) OnNodeLogin(peer *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logins = append(s.logins, peer.Name)
}

func (s *fakeServer) CanStandDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.standDownOK
}

func (s *fakeServer) setCanStandDown(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.standDownOK = ok
}

func (s *fakeServer) acceptedCommands() []acceptedCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]acceptedCommand, len(s.accepted))
	copy(out, s.accepted)
	return out
}

type testEnv struct {
	node   *Node
	engine *db.MemoryEngine
	server *fakeServer
	clock  *fakeClock
	links  map[string]*fakeLink
}

// testPeer builds a connected, not-yet-logged-in peer.
func testPeer(name string) *Peer {
	return &Peer{Name: name, Host: name + ":9000"}
}

// newTestEnv builds a node over the given peers with a fake clock, no timeout
// jitter, and a fake link attached to every peer.
func newTestEnv(t *testing.T, name string, priority int, peers ...*Peer) *testEnv {
	t.Helper()
	engine := db.NewMemoryEngine()
	server := newFakeServer()
	clock := newFakeClock()

	node, err := NewNode(
		NodeConfig{Name: name, Version: "test-1.0", Priority: priority},
		peers,
		engine,
		server,
		testLogger(),
		WithClock(clock),
		WithJitter(func(time.Duration) time.Duration { return 0 }),
	)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}

	links := make(map[string]*fakeLink, len(peers))
	for _, p := range peers {
		link := &fakeLink{}
		p.AttachLink(link)
		links[p.Name] = link
	}
	return &testEnv{node: node, engine: engine, server: server, clock: clock, links: links}
}

// login marks a peer logged in by delivering its LOGIN message.
func (e *testEnv) login(t *testing.T, p *Peer, priority int, state State, commitCount uint64, hash string) {
	t.Helper()
	login := wire.New("LOGIN")
	login.SetUint("CommitCount", commitCount)
	login.Set("Hash", hash)
	login.SetInt("Priority", int64(priority))
	login.Set("State", state.String())
	login.Set("Version", "test-1.0")
	if p.Permafollower {
		login.Set("Permafollower", "true")
	} else {
		login.Set("Permafollower", "false")
	}
	if err := e.node.onMessage(p, login); err != nil {
		t.Fatalf("login %s: %v", p.Name, err)
	}
}

// deliver routes a crafted peer message through the router, failing the test
// on a protocol error.
func (e *testEnv) deliver(t *testing.T, p *Peer, msg *wire.Message) {
	t.Helper()
	if err := e.node.onMessage(p, msg); err != nil {
		t.Fatalf("deliver %s from %s: %v", msg.Method, p.Name, err)
	}
}

// peerMsg builds a message stamped with the sender's commit position.
func peerMsg(method string, commitCount uint64, hash string) *wire.Message {
	m := wire.New(method)
	m.SetUint("CommitCount", commitCount)
	m.Set("Hash", hash)
	return m
}

// stateMsg builds a peer STATE broadcast.
func stateMsg(state State, priority int, commitCount uint64, hash string, changeCount uint64) *wire.Message {
	m := peerMsg("STATE", commitCount, hash)
	m.Set("State", state.String())
	m.SetInt("Priority", int64(priority))
	m.SetUint("StateChangeCount", changeCount)
	return m
}

// tick runs Update until it stops asking for immediate re-entry.
func (e *testEnv) tick() {
	for e.node.Update() {
	}
}

// waitFor polls until cond holds or the deadline passes. Used where real
// replication worker goroutines are involved.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
