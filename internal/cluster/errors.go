package cluster

import (
	"errors"
	"fmt"
)

// ErrNilEngine is returned when NewNode is called without a database engine.
var ErrNilEngine = errors.New("cluster: nil engine")

// ErrNilServer is returned when NewNode is called without a command server.
var ErrNilServer = errors.New("cluster: nil server")

// ErrNilLogger is returned when NewNode is called without a logger.
var ErrNilLogger = errors.New("cluster: nil logger")

// protocolError is a per-message fault: a peer sent something that violates
// the protocol's preconditions. The offending session is reset via reconnect;
// the state machine carries on.
type protocolError struct {
	method string
	reason string
}

func (e *protocolError) Error() string {
	return fmt.Sprintf("cluster: protocol error in %s: %s", e.method, e.reason)
}

func protoErrf(method, format string, args ...any) error {
	return &protocolError{method: method, reason: fmt.Sprintf(format, args...)}
}

// IsProtocolError reports whether err is a per-message protocol fault.
func IsProtocolError(err error) bool {
	var pe *protocolError
	return errors.As(err, &pe)
}

// divergenceError is fatal to a synchronization attempt: the peer's history
// conflicts with ours (fork) or is impossibly positioned. The node returns to
// SEARCHING and reconnects the offending peer rather than guessing.
type divergenceError struct {
	reason string
}

func (e *divergenceError) Error() string {
	return "cluster: divergence: " + e.reason
}

func divergencef(format string, args ...any) error {
	return &divergenceError{reason: fmt.Sprintf(format, args...)}
}

// IsDivergenceError reports whether err marks conflicting peer histories.
func IsDivergenceError(err error) bool {
	var de *divergenceError
	return errors.As(err, &de)
}
