// Package app wires the cluster node, storage engine, command server, and
// peer transport into a runnable process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/TomMD/Bedrock/internal/cluster"
	"github.com/TomMD/Bedrock/internal/transport/tcp"
)

// Logger is the logging interface required by App.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// App owns the node lifecycle. All dependencies are injected.
type App struct {
	config    Config
	logger    Logger
	node      *cluster.Node
	transport *tcp.Transport
	server    *CommandQueue
}

// New validates dependencies and constructs a runnable application.
func New(cfg Config, logger Logger, node *cluster.Node, transport *tcp.Transport, server *CommandQueue) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("app: nil logger")
	}
	if node == nil {
		return nil, fmt.Errorf("app: nil node")
	}
	if transport == nil {
		return nil, fmt.Errorf("app: nil transport")
	}
	if server == nil {
		return nil, fmt.Errorf("app: nil command server")
	}
	return &App{
		config:    cfg,
		logger:    logger,
		node:      node,
		transport: transport,
		server:    server,
	}, nil
}

// Run starts the transport, admin surface, and node loop, blocking until ctx
// is canceled and the node has gracefully shut down.
func (a *App) Run(ctx context.Context) error {
	shutdownTracing, err := a.initTracing(ctx)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			a.logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	transportCtx, stopTransport := context.WithCancel(context.Background())
	defer stopTransport()
	if err := a.transport.Start(transportCtx); err != nil {
		return err
	}
	defer a.transport.Stop()

	adminSrv, adminLis, err := a.adminServer()
	if err != nil {
		return err
	}
	if adminSrv != nil {
		go func() {
			if serveErr := adminSrv.Serve(adminLis); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				a.logger.Warn("admin server failed", "error", serveErr)
			}
		}()
		defer shutdownHTTPServer(adminSrv, a.logger, "admin server")
	}

	a.logger.Info("node started",
		"node", a.config.NodeName,
		"listen_addr", a.config.ListenAddr,
		"admin_addr", a.config.AdminAddr,
		"priority", a.config.Priority,
		"peers", len(a.config.Peers),
	)

	nodeCtx, stopNode := context.WithCancel(context.Background())
	nodeDone := make(chan struct{})
	go func() {
		defer close(nodeDone)
		a.node.Run(nodeCtx)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown requested", "node", a.config.NodeName)
	a.node.BeginShutdown(a.config.ShutdownWait)

	// The node loop exits on its own once the graceful shutdown protocol
	// completes (or its deadline abandons leftover work); the extra timer
	// only guards against a wedged loop.
	select {
	case <-nodeDone:
	case <-time.After(a.config.ShutdownWait + 5*time.Second):
		a.logger.Warn("forcing node loop shutdown", "node", a.config.NodeName)
		stopNode()
		<-nodeDone
	}
	stopNode()
	return nil
}

func shutdownHTTPServer(srv *http.Server, logger Logger, name string) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn(name+" shutdown failed", "error", err)
	}
}
