package cluster

import "time"

// Metrics captures the metric sinks used by the node implementation.
type Metrics interface {
	SetNodeState(node string, state string)
	IncStateTransition(node, from, to string)
	IncCommitResult(node, consistency, result string)
	ObserveCommitDuration(node, consistency string, d time.Duration)
	ObserveSynchronizeBatch(node string, commits int)
	ObserveReplicationApply(node string, d time.Duration)
	SetLoggedInFullPeers(node string, count int)
	IncProtocolError(node, method string)
	IncEscalation(node, result string)
}

type noopMetrics struct{}

func (noopMetrics) SetNodeState(string, string)                         {}
func (noopMetrics) IncStateTransition(string, string, string)           {}
func (noopMetrics) IncCommitResult(string, string, string)              {}
func (noopMetrics) ObserveCommitDuration(string, string, time.Duration) {}
func (noopMetrics) ObserveSynchronizeBatch(string, int)                 {}
func (noopMetrics) ObserveReplicationApply(string, time.Duration)       {}
func (noopMetrics) SetLoggedInFullPeers(string, int)                    {}
func (noopMetrics) IncProtocolError(string, string)                     {}
func (noopMetrics) IncEscalation(string, string)                        {}
