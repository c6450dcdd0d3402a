// Package main runs a shardgrid node: one member of a cluster holding a
// consistency-aware sharded map, reachable over HTTP.
//
// Every node keeps a full copy of every shard. A write is applied locally
// under the configured consistency and shipped to the peers as a logical op
// (POST /replicate). Peers are probed by a health monitor; when one recovers
// the node rejoins, re-resolving its shard array before serving further
// calls.
//
// Configuration is read from the YAML file named by SHARDGRID_CONFIG
// (default: shardgrid.yaml when present, built-in defaults otherwise).
// LOG_LEVEL overrides the configured log level.
//
// Example usage:
//
//	SHARDGRID_CONFIG=node1.yaml ./node
//
//	curl -X PUT 'localhost:8081/map/user:123?ttl=60' -d 'Alice'
//	curl localhost:8081/map/user:123
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/shardgrid/internal/config"
	"github.com/dreamware/shardgrid/internal/logging"
)

const defaultConfigPath = "shardgrid.yaml"

// exit is a variable so tests can intercept fatal errors.
var exit = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		logger := logging.New(os.Stderr, "info", "json", "")
		logger.Error().Err(err).Msg("invalid configuration")
		exit(1)
		return
	}
	logger := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format, cfg.Node.ID)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("node failed")
		exit(1)
	}
}

// loadConfig reads the configuration file, falling back to defaults when
// the default path does not exist.
func loadConfig() (*config.Config, error) {
	path := config.PathFromEnv(defaultConfigPath)
	if path == defaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}

// run serves the node until ctx is done, then shuts down gracefully.
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	node, err := NewNode(cfg, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Node.Listen,
		Handler:           node.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	monitorCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if len(node.Peers()) > 0 {
		go node.monitor.Start(monitorCtx, node.Peers)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", cfg.Node.Listen).Str("addr", cfg.Node.Addr).
			Str("map", cfg.Map.Name).Int("shards", cfg.Map.ShardCount).Int("peers", len(node.Peers())).
			Msg("node listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown")
	}
	node.monitor.Stop()
	logger.Info().Msg("node stopped")
	return nil
}
