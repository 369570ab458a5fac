package cluster

// State is the position of a node (or an observed peer) in the replication
// state machine.
type State int

// Node states, in lifecycle order. The ordering is meaningful: states at or
// above Subscribing have a lead peer, and Leading/StandingDown are the
// write-capable states.
const (
	Searching State = iota
	Synchronizing
	Waiting
	StandingUp
	Leading
	StandingDown
	Subscribing
	Following
	Unknown
)

var stateNames = map[State]string{
	Searching:     "SEARCHING",
	Synchronizing: "SYNCHRONIZING",
	Waiting:       "WAITING",
	StandingUp:    "STANDINGUP",
	Leading:       "LEADING",
	StandingDown:  "STANDINGDOWN",
	Subscribing:   "SUBSCRIBING",
	Following:     "FOLLOWING",
	Unknown:       "UNKNOWN",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseState maps a wire state name to a State, returning Unknown for
// anything unrecognized.
func ParseState(name string) State {
	for s, n := range stateNames {
		if n == name {
			return s
		}
	}
	return Unknown
}

// legalTransition reports whether a from→to transition is part of the state
// diagram. Anything else observed on a peer is anomalous (logged, not fatal).
func legalTransition(from, to State) bool {
	switch from {
	case Searching:
		return to == Synchronizing || to == Waiting || to == Leading
	case Synchronizing:
		return to == Searching || to == Waiting
	case Waiting:
		return to == Searching || to == StandingUp || to == Subscribing
	case StandingUp:
		return to == Searching || to == Leading
	case Leading:
		return to == Searching || to == StandingDown
	case StandingDown:
		return to == Searching
	case Subscribing:
		return to == Searching || to == Following
	case Following:
		return to == Searching
	}
	return false
}

// CommitState tracks the leader's progress through a distributed commit.
type CommitState int

// Commit states. Waiting means a commit has been requested but not yet begun;
// Committing means BEGIN_TRANSACTION is out and we're counting responses.
const (
	CommitUninitialized CommitState = iota
	CommitWaiting
	CommitCommitting
	CommitSuccess
	CommitFailed
)

func (c CommitState) String() string {
	switch c {
	case CommitUninitialized:
		return "UNINITIALIZED"
	case CommitWaiting:
		return "WAITING"
	case CommitCommitting:
		return "COMMITTING"
	case CommitSuccess:
		return "SUCCESS"
	case CommitFailed:
		return "FAILED"
	}
	return "UNINITIALIZED"
}

// Consistency is the write consistency level of a distributed commit.
type Consistency int

// Consistency levels: Async commits immediately, One waits for a single
// approval, Quorum for a majority of full peers.
const (
	Async Consistency = iota
	One
	Quorum
)

var consistencyNames = [...]string{"ASYNC", "ONE", "QUORUM"}

func (c Consistency) String() string {
	if c >= Async && c <= Quorum {
		return consistencyNames[c]
	}
	return "ASYNC"
}

// ParseConsistency maps a consistency name to its level, defaulting to Quorum
// for unrecognized input (the safe end).
func ParseConsistency(name string) Consistency {
	for i, n := range consistencyNames {
		if n == name {
			return Consistency(i)
		}
	}
	return Quorum
}
