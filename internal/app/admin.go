package app

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registerRuntimeCollectorsOnce sync.Once

// adminServer builds the HTTP surface: Prometheus metrics, a JSON status
// endpoint, and pprof.
func (a *App) adminServer() (*http.Server, net.Listener, error) {
	if a.config.AdminAddr == "" {
		return nil, nil, nil
	}

	var regErr error
	registerRuntimeCollectorsOnce.Do(func() {
		if err := prometheus.DefaultRegisterer.Register(collectors.NewGoCollector()); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				regErr = fmt.Errorf("metrics register go collector: %w", err)
				return
			}
		}
		if err := prometheus.DefaultRegisterer.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				regErr = fmt.Errorf("metrics register process collector: %w", err)
				return
			}
		}
	})
	if regErr != nil {
		return nil, nil, regErr
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/status", a.handleStatus)

	r.HandleFunc("/debug/pprof/", pprof.Index)
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	r.Handle("/debug/pprof/allocs", pprof.Handler("allocs"))
	r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	r.Handle("/debug/pprof/mutex", pprof.Handler("mutex"))

	lis, err := net.Listen("tcp", a.config.AdminAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen admin %s: %w", a.config.AdminAddr, err)
	}

	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv, lis, nil
}

type peerStatus struct {
	Name        string `json:"name"`
	State       string `json:"state"`
	LoggedIn    bool   `json:"logged_in"`
	Priority    int    `json:"priority"`
	CommitCount uint64 `json:"commit_count"`
	Subscribed  bool   `json:"subscribed"`
	LatencyUS   int64  `json:"latency_us"`
}

type nodeStatus struct {
	Node          string       `json:"node"`
	State         string       `json:"state"`
	Priority      int          `json:"priority"`
	Version       string       `json:"version"`
	LeaderVersion string       `json:"leader_version,omitempty"`
	ShuttingDown  bool         `json:"shutting_down"`
	Peers         []peerStatus `json:"peers"`
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := nodeStatus{
		Node:          a.node.Name(),
		State:         a.node.State().String(),
		Priority:      a.node.Priority(),
		Version:       a.node.Version(),
		LeaderVersion: a.node.LeaderVersion(),
		ShuttingDown:  a.node.ShuttingDown(),
	}
	for _, p := range a.node.Peers().All() {
		status.Peers = append(status.Peers, peerStatus{
			Name:        p.Name,
			State:       p.State().String(),
			LoggedIn:    p.LoggedIn(),
			Priority:    p.Priority(),
			CommitCount: p.CommitCount(),
			Subscribed:  p.Subscribed(),
			LatencyUS:   p.Latency().Microseconds(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		a.logger.Warn("status encode failed", "error", err)
	}
}
