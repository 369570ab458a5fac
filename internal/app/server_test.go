package app

import (
	"io"
	"log/slog"
	"testing"

	"github.com/TomMD/Bedrock/internal/cluster"
	"github.com/TomMD/Bedrock/internal/wire"
)

func testLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCommandQueue_StandDownWhenEmpty(t *testing.T) {
	q := NewCommandQueue(testLogger())
	if !q.CanStandDown() {
		t.Fatalf("empty queue must allow stand-down")
	}

	cmd := cluster.NewCommand(wire.New("Query"))
	q.AcceptCommand(cmd, false)
	if q.CanStandDown() {
		t.Fatalf("queued work must block stand-down")
	}
}

func TestCommandQueue_CancelDropsPendingCommand(t *testing.T) {
	q := NewCommandQueue(testLogger())
	cmd := cluster.NewCommand(wire.New("Query"))
	q.AcceptCommand(cmd, false)

	q.CancelCommand(cmd.ID)

	if !q.CanStandDown() {
		t.Fatalf("expected canceled command removed")
	}
}

func TestCommandQueue_CancelBeforeArrivalDropsOnAccept(t *testing.T) {
	q := NewCommandQueue(testLogger())
	cmd := cluster.NewCommand(wire.New("Query"))

	q.CancelCommand(cmd.ID)
	q.AcceptCommand(cmd, false)

	if !q.CanStandDown() {
		t.Fatalf("expected pre-canceled command dropped")
	}
}

func TestCommandQueue_CompletedCommandClearsPending(t *testing.T) {
	q := NewCommandQueue(testLogger())
	cmd := cluster.NewCommand(wire.New("Query"))
	q.AcceptCommand(cmd, false)

	cmd.Response = wire.New("200 OK")
	cmd.Complete = true
	q.AcceptCommand(cmd, false)

	if !q.CanStandDown() {
		t.Fatalf("expected completed command cleared")
	}
}
