// Package main implements the node process that runs the replication core
// and its peer transport.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	apppkg "github.com/TomMD/Bedrock/internal/app"
	"github.com/TomMD/Bedrock/internal/cluster"
	"github.com/TomMD/Bedrock/internal/db"
	obsmetrics "github.com/TomMD/Bedrock/internal/observability/metrics"
	"github.com/TomMD/Bedrock/internal/transport/tcp"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "node: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("BEDROCK_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := apppkg.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	slog.SetDefault(newLogger(cfg.LogLevel))
	logger := slog.Default()

	peers := make([]*cluster.Peer, 0, len(cfg.Peers))
	for _, pc := range cfg.Peers {
		peers = append(peers, &cluster.Peer{
			Name:          pc.Name,
			Host:          pc.Host,
			Permafollower: pc.Permafollower,
		})
	}

	engine := db.NewMemoryEngine()
	queue := apppkg.NewCommandQueue(logger)

	prom, err := obsmetrics.NewPrometheus(nil)
	if err != nil {
		return err
	}

	node, err := cluster.NewNode(
		cluster.NodeConfig{
			Name:     cfg.NodeName,
			Version:  cfg.Version,
			Priority: cfg.Priority,
		},
		peers,
		engine,
		queue,
		logger,
		cluster.WithMetrics(prom),
	)
	if err != nil {
		return err
	}
	queue.Bind(node)

	transport := tcp.New(cfg.NodeName, cfg.ListenAddr, node.Peers(), node, logger)

	app, err := apppkg.New(cfg, logger, node, transport, queue)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return app.Run(ctx)
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
