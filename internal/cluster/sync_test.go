package cluster

import (
	"strings"
	"testing"
	"time"

	"github.com/TomMD/Bedrock/internal/db"
	"github.com/TomMD/Bedrock/internal/wire"
)

func TestUpdateSyncPeer_PrefersLowestNonZeroLatency(t *testing.T) {
	slow, fast, unmeasured := testPeer("slow"), testPeer("fast"), testPeer("zero")
	env := newTestEnv(t, "a", 100, slow, fast, unmeasured)
	for _, p := range []*Peer{slow, fast, unmeasured} {
		p.loggedIn = true
		p.commitCount = 10
	}
	slow.SetLatency(80 * time.Millisecond)
	fast.SetLatency(5 * time.Millisecond)
	// unmeasured stays at 0: unknown is treated as slowest.

	env.node.updateSyncPeer()

	if env.node.syncPeer != fast {
		t.Fatalf("expected fastest measured peer, got %v", env.node.syncPeer.Name)
	}
}

func TestUpdateSyncPeer_TiesBrokenByCommitCount(t *testing.T) {
	p1, p2 := testPeer("p1"), testPeer("p2")
	env := newTestEnv(t, "a", 100, p1, p2)
	for _, p := range []*Peer{p1, p2} {
		p.loggedIn = true
	}
	p1.commitCount = 10
	p2.commitCount = 20

	env.node.updateSyncPeer()

	if env.node.syncPeer != p2 {
		t.Fatalf("expected higher commit count to win the tie, got %v", env.node.syncPeer.Name)
	}
}

func TestUpdateSyncPeer_SkipsBehindAndLoggedOutPeers(t *testing.T) {
	behind, out := testPeer("behind"), testPeer("out")
	env := newTestEnv(t, "a", 100, behind, out)
	env.engine.SeedCommits(5)
	behind.loggedIn = true
	behind.commitCount = 3
	out.commitCount = 10 // ahead but not logged in

	env.node.updateSyncPeer()

	if env.node.syncPeer != nil {
		t.Fatalf("expected no usable sync peer, got %v", env.node.syncPeer.Name)
	}
}

func TestFillSynchronize_RejectsPeerWithMoreData(t *testing.T) {
	env := newTestEnv(t, "a", 100, testPeer("b"))
	env.engine.SeedCommits(2)

	response := wire.New("SYNCHRONIZE_RESPONSE")
	err := env.node.fillSynchronize(5, "H", 2, response, false)
	if err == nil || !IsDivergenceError(err) {
		t.Fatalf("expected divergence error, got %v", err)
	}
	if !strings.Contains(err.Error(), "more data than me") {
		t.Fatalf("unexpected reason: %v", err)
	}
}

func TestFillSynchronize_DetectsFork(t *testing.T) {
	env := newTestEnv(t, "a", 100, testPeer("b"))
	env.engine.SeedCommits(5)

	response := wire.New("SYNCHRONIZE_RESPONSE")
	err := env.node.fillSynchronize(5, "FORKEDHASH", 5, response, false)
	if err == nil || !IsDivergenceError(err) {
		t.Fatalf("expected divergence error for hash mismatch, got %v", err)
	}
	if !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("unexpected reason: %v", err)
	}
}

func TestFillSynchronize_SendsBatches(t *testing.T) {
	env := newTestEnv(t, "a", 100, testPeer("b"))
	env.engine.SeedCommits(250)

	response := wire.New("SYNCHRONIZE_RESPONSE")
	if err := env.node.fillSynchronize(0, "", 250, response, false); err != nil {
		t.Fatalf("fill: %v", err)
	}
	// One batch: commits 1..100.
	if got := response.Uint("NumCommits"); got != syncBatchSize {
		t.Fatalf("expected %d commits in a batch, got %d", syncBatchSize, got)
	}

	// sendAll attaches everything, as SUBSCRIPTION_APPROVED needs.
	all := wire.New("SUBSCRIPTION_APPROVED")
	if err := env.node.fillSynchronize(0, "", 250, all, true); err != nil {
		t.Fatalf("fill all: %v", err)
	}
	if got := all.Uint("NumCommits"); got != 250 {
		t.Fatalf("expected all 250 commits, got %d", got)
	}
}

func TestRecvSynchronize_AppliesCommitsInOrder(t *testing.T) {
	source := db.NewMemoryEngine()
	source.SeedCommits(5)
	sourceEnv := newTestEnv(t, "src", 100, testPeer("x"))
	sourceEnv.engine.SeedCommits(5)

	response := wire.New("SYNCHRONIZE_RESPONSE")
	if err := sourceEnv.node.fillSynchronize(0, "", 5, response, true); err != nil {
		t.Fatalf("fill: %v", err)
	}

	peerB := testPeer("b")
	env := newTestEnv(t, "a", 100, peerB)
	if err := env.node.recvSynchronize(peerB, response); err != nil {
		t.Fatalf("recv: %v", err)
	}

	if env.engine.CommitCount() != 5 {
		t.Fatalf("expected 5 commits applied, got %d", env.engine.CommitCount())
	}
	if env.engine.CommittedHash() != source.CommittedHash() {
		t.Fatalf("hash chains diverged after synchronization")
	}
}

func TestRecvSynchronize_RejectsGap(t *testing.T) {
	peerB := testPeer("b")
	env := newTestEnv(t, "a", 100, peerB)

	commit := wire.New("COMMIT")
	commit.SetUint("CommitIndex", 3) // local log is empty; expecting 1
	commit.Set("Hash", "H3")
	commit.Content = []byte("q")
	response := wire.New("SYNCHRONIZE_RESPONSE")
	response.SetInt("NumCommits", 1)
	response.Content = commit.Serialize()

	err := env.node.recvSynchronize(peerB, response)
	if err == nil || !IsDivergenceError(err) {
		t.Fatalf("expected divergence error for index gap, got %v", err)
	}
}

func TestRecvSynchronize_DetectsHashMismatchAfterApply(t *testing.T) {
	peerB := testPeer("b")
	env := newTestEnv(t, "a", 100, peerB)

	commit := wire.New("COMMIT")
	commit.SetUint("CommitIndex", 1)
	commit.Set("Hash", "NOT_THE_REAL_HASH")
	commit.Content = []byte("INSERT INTO t VALUES (1);")
	response := wire.New("SYNCHRONIZE_RESPONSE")
	response.SetInt("NumCommits", 1)
	response.Content = commit.Serialize()

	err := env.node.recvSynchronize(peerB, response)
	if err == nil || !IsDivergenceError(err) {
		t.Fatalf("expected potential hash mismatch, got %v", err)
	}
}

func TestRecvSynchronize_RetriesOnCheckpointRequired(t *testing.T) {
	sourceEnv := newTestEnv(t, "src", 100, testPeer("x"))
	sourceEnv.engine.SeedCommits(2)
	response := wire.New("SYNCHRONIZE_RESPONSE")
	if err := sourceEnv.node.fillSynchronize(0, "", 2, response, true); err != nil {
		t.Fatalf("fill: %v", err)
	}

	peerB := testPeer("b")
	env := newTestEnv(t, "a", 100, peerB)
	env.engine.InjectCheckpointRequired(1)

	if err := env.node.recvSynchronize(peerB, response); err != nil {
		t.Fatalf("expected transparent retry, got %v", err)
	}
	if env.engine.CommitCount() != 2 {
		t.Fatalf("expected both commits applied after retry")
	}
}

func TestSynchronizeResponse_CatchUpThenWaiting(t *testing.T) {
	peerB := testPeer("b")
	env := newTestEnv(t, "a", 100, peerB)

	// Source of truth for what b would send.
	sourceEnv := newTestEnv(t, "bsrc", 100, testPeer("x"))
	sourceEnv.engine.SeedCommits(3)

	env.login(t, peerB, 90, Waiting, 3, sourceEnv.engine.CommittedHash())
	env.tick() // -> SYNCHRONIZING

	response := peerMsg("SYNCHRONIZE_RESPONSE", 3, sourceEnv.engine.CommittedHash())
	if err := sourceEnv.node.fillSynchronize(0, "", 3, response, false); err != nil {
		t.Fatalf("fill: %v", err)
	}
	env.deliver(t, peerB, response)

	if got := env.node.State(); got != Waiting {
		t.Fatalf("expected WAITING after full catch-up, got %v", got)
	}
	if env.engine.CommitCount() != 3 {
		t.Fatalf("expected 3 commits applied")
	}
	if env.node.syncPeer != nil {
		t.Fatalf("expected sync peer cleared")
	}
}

func TestSynchronizeResponse_PartialBatchRequestsMore(t *testing.T) {
	peerB := testPeer("b")
	env := newTestEnv(t, "a", 100, peerB)

	sourceEnv := newTestEnv(t, "bsrc", 100, testPeer("x"))
	sourceEnv.engine.SeedCommits(150)

	env.login(t, peerB, 90, Waiting, 150, sourceEnv.engine.CommittedHash())
	env.tick() // -> SYNCHRONIZING
	env.links["b"].clear()

	response := peerMsg("SYNCHRONIZE_RESPONSE", 150, sourceEnv.engine.CommittedHash())
	if err := sourceEnv.node.fillSynchronize(0, "", 150, response, false); err != nil {
		t.Fatalf("fill: %v", err)
	}
	env.deliver(t, peerB, response)

	if got := env.node.State(); got != Synchronizing {
		t.Fatalf("expected to stay SYNCHRONIZING, got %v", got)
	}
	if env.links["b"].count("SYNCHRONIZE") != 1 {
		t.Fatalf("expected another SYNCHRONIZE request")
	}
	if env.engine.CommitCount() != syncBatchSize {
		t.Fatalf("expected partial application, got %d", env.engine.CommitCount())
	}
}

func TestSynchronizeResponse_ForkReturnsToSearching(t *testing.T) {
	peerB := testPeer("b")
	env := newTestEnv(t, "a", 100, peerB)
	env.login(t, peerB, 90, Waiting, 5, "THEIRHASH")
	env.tick() // -> SYNCHRONIZING

	// b claims commit 1 with a hash that doesn't match what applying the
	// query produces.
	commit := wire.New("COMMIT")
	commit.SetUint("CommitIndex", 1)
	commit.Set("Hash", "FORKED")
	commit.Content = []byte("INSERT INTO t VALUES (1);")
	response := peerMsg("SYNCHRONIZE_RESPONSE", 5, "THEIRHASH")
	response.SetInt("NumCommits", 1)
	response.Content = commit.Serialize()

	err := env.node.onMessage(peerB, response)
	if err == nil {
		t.Fatalf("expected synchronization error")
	}
	if got := env.node.State(); got != Searching {
		t.Fatalf("expected SEARCHING after fork detection, got %v", got)
	}
	if env.links["b"].shutdownCount() == 0 {
		t.Fatalf("expected offending peer reconnected")
	}
	// The local chain keeps its own deterministic hash; the peer's forked
	// claim is never adopted.
	if env.engine.CommittedHash() == "FORKED" {
		t.Fatalf("forked hash must not be adopted")
	}
}

func TestSynchronizeResponse_RejectedFromWrongPeer(t *testing.T) {
	peerB, peerC := testPeer("b"), testPeer("c")
	env := newTestEnv(t, "a", 100, peerB, peerC)
	env.login(t, peerB, 90, Waiting, 5, "H")
	env.login(t, peerC, 80, Waiting, 5, "H")
	env.tick() // -> SYNCHRONIZING with one of them

	other := peerC
	if env.node.syncPeer == peerC {
		other = peerB
	}
	response := peerMsg("SYNCHRONIZE_RESPONSE", 5, "H")
	response.SetInt("NumCommits", 0)
	if err := env.node.onMessage(other, response); err == nil || !IsProtocolError(err) {
		t.Fatalf("expected sync peer mismatch fault, got %v", err)
	}
}

func TestHandleSynchronize_InlineOutsideFollowing(t *testing.T) {
	peerB := testPeer("b")
	env := newTestEnv(t, "a", 100, peerB)
	env.engine.SeedCommits(2)
	env.login(t, peerB, 90, Searching, 0, "")

	env.deliver(t, peerB, peerMsg("SYNCHRONIZE", 0, ""))

	resp := env.links["b"].last("SYNCHRONIZE_RESPONSE")
	if resp == nil {
		t.Fatalf("expected inline SYNCHRONIZE_RESPONSE")
	}
	if resp.Uint("NumCommits") != 2 {
		t.Fatalf("expected 2 commits attached, got %d", resp.Uint("NumCommits"))
	}
}

func TestHandleSynchronize_RoutedThroughServerWhileFollowing(t *testing.T) {
	peerB, leader := testPeer("b"), testPeer("lead")
	env := newTestEnv(t, "a", 90, peerB, leader)
	env.engine.SeedCommits(4)
	env.login(t, peerB, 80, Searching, 0, "")
	env.login(t, leader, 100, Leading, 4, env.engine.CommittedHash())
	env.node.changeState(Waiting)
	env.node.leadPeerMu.Lock()
	env.node.leadPeer = leader
	env.node.leadPeerMu.Unlock()
	env.node.changeState(Subscribing)
	env.node.changeState(Following)

	env.deliver(t, peerB, peerMsg("SYNCHRONIZE", 1, mustCommitHash(t, env, 1)))

	accepted := env.server.acceptedCommands()
	if len(accepted) != 1 {
		t.Fatalf("expected sync request routed to server, got %d", len(accepted))
	}
	cmd := accepted[0].cmd
	if cmd.Request.Method != "SYNCHRONIZE" || cmd.InitiatingPeer != "b" {
		t.Fatalf("unexpected routed command: %+v", cmd.Request.Method)
	}

	// A server worker services it statelessly.
	if !env.node.HandleSynchronizeCommand(cmd) {
		t.Fatalf("expected HandleSynchronizeCommand to claim the command")
	}
	resp := env.links["b"].last("SYNCHRONIZE_RESPONSE")
	if resp == nil {
		t.Fatalf("expected response sent to requesting peer")
	}
	if resp.Uint("NumCommits") != 3 {
		t.Fatalf("expected commits 2..4 attached, got %d", resp.Uint("NumCommits"))
	}
}

func mustCommitHash(t *testing.T, env *testEnv, index uint64) string {
	t.Helper()
	hash, _, err := env.engine.GetCommit(index)
	if err != nil {
		t.Fatalf("get commit %d: %v", index, err)
	}
	return hash
}

// ferry shuttles messages between two in-process nodes until traffic stops.
type ferry struct {
	t         *testing.T
	envA      *testEnv
	envB      *testEnv
	peerOfA   *Peer // a's record of b
	peerOfB   *Peer // b's record of a
	consumedA int   // messages consumed from a's link to b
	consumedB int
}

func (f *ferry) pump() bool {
	moved := false
	aOut := f.envA.links[f.peerOfA.Name].messages()
	for _, msg := range aOut[f.consumedA:] {
		f.consumedA++
		moved = true
		if err := f.envB.node.onMessage(f.peerOfB, msg); err != nil {
			f.t.Fatalf("b rejected %s: %v", msg.Method, err)
		}
	}
	bOut := f.envB.links[f.peerOfB.Name].messages()
	for _, msg := range bOut[f.consumedB:] {
		f.consumedB++
		moved = true
		if err := f.envA.node.onMessage(f.peerOfA, msg); err != nil {
			f.t.Fatalf("a rejected %s: %v", msg.Method, err)
		}
	}
	return moved
}

func (f *ferry) settle() {
	for i := 0; i < 200; i++ {
		f.envA.tick()
		f.envB.tick()
		if !f.pump() {
			return
		}
	}
	f.t.Fatalf("cluster did not settle")
}

// TestTwoNodeClusterFormsLeaderFollower drives two real nodes through the
// whole handshake: LOGIN, synchronization of 10 commits, election, and
// subscription.
func TestTwoNodeClusterFormsLeaderFollower(t *testing.T) {
	peerB := testPeer("b") // a's record of b
	peerA := testPeer("a") // b's record of a
	envA := newTestEnv(t, "a", 100, peerB)
	envB := newTestEnv(t, "b", 90, peerA)
	envA.engine.SeedCommits(10)

	f := &ferry{t: t, envA: envA, envB: envB, peerOfA: peerB, peerOfB: peerA}

	envA.node.onConnect(peerB)
	envB.node.onConnect(peerA)
	f.settle()

	if got := envA.node.State(); got != Leading {
		t.Fatalf("expected a LEADING, got %v", got)
	}
	if got := envB.node.State(); got != Following {
		t.Fatalf("expected b FOLLOWING, got %v", got)
	}
	if envB.engine.CommitCount() != 10 {
		t.Fatalf("expected b synchronized to commit 10, got %d", envB.engine.CommitCount())
	}
	if envB.engine.CommittedHash() != envA.engine.CommittedHash() {
		t.Fatalf("hash chains diverged during synchronization")
	}
	if !peerB.Subscribed() {
		t.Fatalf("expected leader to mark b subscribed")
	}
}

// TestTwoNodeQuorumCommitReplicates continues the scenario above with a
// distributed QUORUM write flowing through the real follower pipeline.
func TestTwoNodeQuorumCommitReplicates(t *testing.T) {
	peerB := testPeer("b")
	peerA := testPeer("a")
	envA := newTestEnv(t, "a", 100, peerB)
	envB := newTestEnv(t, "b", 90, peerA)
	envA.engine.SeedCommits(10)

	f := &ferry{t: t, envA: envA, envB: envB, peerOfA: peerB, peerOfB: peerA}
	envA.node.onConnect(peerB)
	envB.node.onConnect(peerA)
	f.settle()

	if err := envA.engine.BeginTransaction(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := envA.engine.WriteUnmodified("INSERT INTO t VALUES (11);"); err != nil {
		t.Fatalf("write: %v", err)
	}
	envA.node.StartCommit(Quorum)
	envA.tick() // broadcasts BEGIN
	f.pump()    // BEGIN reaches b, spawning a replication worker

	// The worker prepares asynchronously and votes APPROVE back to a.
	waitFor(t, func() bool {
		return envB.links["a"].count("APPROVE_TRANSACTION") == 1
	}, "follower approval")
	f.pump()
	envA.tick() // commit resolves
	f.pump()    // COMMIT_TRANSACTION reaches b

	if envA.node.CommitResult() != CommitSuccess {
		t.Fatalf("expected SUCCESS on leader, got %v", envA.node.CommitResult())
	}
	waitFor(t, func() bool { return envB.engine.CommitCount() == 11 }, "follower commit")
	if envB.engine.CommittedHash() != envA.engine.CommittedHash() {
		t.Fatalf("hash chains diverged after distributed commit")
	}
	if got := envA.node.Globals().LastSentTransactionID(); got != 11 {
		t.Fatalf("expected last sent transaction 11, got %d", got)
	}
}
