//revive:disable:var-naming
//revive:disable:exported
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus exposes application metrics and can be injected into the cluster
// core. It implements internal/cluster.Metrics through method set
// compatibility, without importing that package.
type Prometheus struct {
	nodeState            *prometheus.GaugeVec
	stateTransitionTotal *prometheus.CounterVec
	commitTotal          *prometheus.CounterVec
	commitDuration       *prometheus.HistogramVec
	synchronizeBatchSize *prometheus.HistogramVec
	replicationApplyDur  *prometheus.HistogramVec
	loggedInFullPeers    *prometheus.GaugeVec
	protocolErrorTotal   *prometheus.CounterVec
	escalationTotal      *prometheus.CounterVec
}

func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Prometheus{
		nodeState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "bedrock",
				Subsystem: "cluster",
				Name:      "node_state",
				Help:      "1 for the node's current state, 0 for the others.",
			},
			[]string{"node", "state"},
		),
		stateTransitionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bedrock",
				Subsystem: "cluster",
				Name:      "state_transition_total",
				Help:      "State machine transitions by from/to pair.",
			},
			[]string{"node", "from", "to"},
		),
		commitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bedrock",
				Subsystem: "cluster",
				Name:      "commit_total",
				Help:      "Distributed commit outcomes by consistency level.",
			},
			[]string{"node", "consistency", "result"},
		),
		commitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "bedrock",
				Subsystem: "cluster",
				Name:      "commit_duration_seconds",
				Help:      "Time from broadcasting BEGIN_TRANSACTION to resolving the commit.",
				Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2},
			},
			[]string{"node", "consistency"},
		),
		synchronizeBatchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "bedrock",
				Subsystem: "cluster",
				Name:      "synchronize_batch_commits",
				Help:      "Commits attached to one SYNCHRONIZE_RESPONSE.",
				Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
			},
			[]string{"node"},
		),
		replicationApplyDur: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "bedrock",
				Subsystem: "cluster",
				Name:      "replication_apply_duration_seconds",
				Help:      "Follower-side time to apply one replicated COMMIT.",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5},
			},
			[]string{"node"},
		),
		loggedInFullPeers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "bedrock",
				Subsystem: "cluster",
				Name:      "logged_in_full_peers",
				Help:      "Non-permafollower peers currently logged in.",
			},
			[]string{"node"},
		),
		protocolErrorTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bedrock",
				Subsystem: "cluster",
				Name:      "protocol_error_total",
				Help:      "Per-message protocol faults by method.",
			},
			[]string{"node", "method"},
		),
		escalationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bedrock",
				Subsystem: "cluster",
				Name:      "escalation_total",
				Help:      "Escalated command lifecycle events by result.",
			},
			[]string{"node", "result"},
		),
	}

	if err := m.register(reg); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Prometheus) register(reg prometheus.Registerer) error {
	if err := registerOrReuseGaugeVec(reg, &m.nodeState); err != nil {
		return fmt.Errorf("register node state gauge: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.stateTransitionTotal); err != nil {
		return fmt.Errorf("register state transition counter: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.commitTotal); err != nil {
		return fmt.Errorf("register commit counter: %w", err)
	}
	if err := registerOrReuseHistogramVec(reg, &m.commitDuration); err != nil {
		return fmt.Errorf("register commit duration histogram: %w", err)
	}
	if err := registerOrReuseHistogramVec(reg, &m.synchronizeBatchSize); err != nil {
		return fmt.Errorf("register synchronize batch histogram: %w", err)
	}
	if err := registerOrReuseHistogramVec(reg, &m.replicationApplyDur); err != nil {
		return fmt.Errorf("register replication apply histogram: %w", err)
	}
	if err := registerOrReuseGaugeVec(reg, &m.loggedInFullPeers); err != nil {
		return fmt.Errorf("register logged in peers gauge: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.protocolErrorTotal); err != nil {
		return fmt.Errorf("register protocol error counter: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.escalationTotal); err != nil {
		return fmt.Errorf("register escalation counter: %w", err)
	}
	return nil
}

func registerOrReuseHistogramVec(reg prometheus.Registerer, c **prometheus.HistogramVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func registerOrReuseCounterVec(reg prometheus.Registerer, c **prometheus.CounterVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func registerOrReuseGaugeVec(reg prometheus.Registerer, c **prometheus.GaugeVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.GaugeVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

// clusterStates mirrors the state names the core reports; the gauge keeps a
// full one-hot vector per node so dashboards can plot the active state.
var clusterStates = []string{
	"SEARCHING", "SYNCHRONIZING", "WAITING", "STANDINGUP",
	"LEADING", "STANDINGDOWN", "SUBSCRIBING", "FOLLOWING", "UNKNOWN",
}

func (m *Prometheus) SetNodeState(node, state string) {
	for _, s := range clusterStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.nodeState.WithLabelValues(node, s).Set(v)
	}
}

func (m *Prometheus) IncStateTransition(node, from, to string) {
	m.stateTransitionTotal.WithLabelValues(node, from, to).Inc()
}

func (m *Prometheus) IncCommitResult(node, consistency, result string) {
	m.commitTotal.WithLabelValues(node, consistency, result).Inc()
}

func (m *Prometheus) ObserveCommitDuration(node, consistency string, d time.Duration) {
	m.commitDuration.WithLabelValues(node, consistency).Observe(d.Seconds())
}

func (m *Prometheus) ObserveSynchronizeBatch(node string, commits int) {
	if commits < 0 {
		commits = 0
	}
	m.synchronizeBatchSize.WithLabelValues(node).Observe(float64(commits))
}

func (m *Prometheus) ObserveReplicationApply(node string, d time.Duration) {
	m.replicationApplyDur.WithLabelValues(node).Observe(d.Seconds())
}

func (m *Prometheus) SetLoggedInFullPeers(node string, count int) {
	m.loggedInFullPeers.WithLabelValues(node).Set(float64(count))
}

func (m *Prometheus) IncProtocolError(node, method string) {
	m.protocolErrorTotal.WithLabelValues(node, method).Inc()
}

func (m *Prometheus) IncEscalation(node, result string) {
	m.escalationTotal.WithLabelValues(node, result).Inc()
}
