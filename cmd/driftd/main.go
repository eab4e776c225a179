// Command driftd is the driftkit replication server: it loads
// configuration from the environment, wires the event log, writer,
// compactor and collection registry, and serves HTTP+WebSocket until an
// interrupt or TERM signal arrives. It starts the listener in a
// goroutine, waits for a shutdown signal, then shuts down with a bounded
// timeout.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftkit/driftkit/internal/collection"
	"github.com/driftkit/driftkit/internal/compactor"
	"github.com/driftkit/driftkit/internal/config"
	"github.com/driftkit/driftkit/internal/eventlog"
	"github.com/driftkit/driftkit/internal/logging"
	"github.com/driftkit/driftkit/internal/server"
	"github.com/driftkit/driftkit/internal/writer"
)

func main() {
	cfg := config.LoadServer()

	logging.Init(logging.Config{Level: logging.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	log := logging.Component("driftd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("environment", cfg.Environment).Strs("collections", cfg.Collections).Msg("starting driftd")

	deps, closePool, err := buildDeps(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire server dependencies")
	}
	defer closePool()

	srv, err := server.New(ctx, cfg, deps)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct server")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("listening")
		errCh <- srv.Start(ctx, addr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server stopped unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("forced shutdown")
	} else {
		log.Info().Msg("server shut down cleanly")
	}
}

// buildDeps assembles server.Deps from cfg: a Postgres-backed event log
// and writer if DATABASE_URL is set, otherwise an in-memory pair useful
// for local development and demos; a Redis broadcaster if REDIS_URL is
// set, otherwise single-instance local fanout.
func buildDeps(ctx context.Context, cfg *config.ServerConfig) (server.Deps, func(), error) {
	registry := collection.NewRegistry()
	for _, name := range cfg.Collections {
		registry.Register(collection.New(name, nil))
	}

	noop := func() {}

	if cfg.DatabaseURL == "" {
		log := eventlog.NewMemoryEventLog()
		w := writer.New(writer.NewMemoryBackend(log), registry, collection.NewMemoryVersionStore())
		deps := server.Deps{Log: log, Writer: w, Registry: registry, Compactor: compactor.New(log, registry)}
		broadcaster, err := maybeRedisBroadcaster(cfg)
		if err != nil {
			return server.Deps{}, noop, err
		}
		deps.Broadcaster = broadcaster
		return deps, noop, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return server.Deps{}, noop, fmt.Errorf("connect to database: %w", err)
	}

	log := eventlog.NewPostgresEventLog(pool)
	if err := log.EnsureSchema(ctx); err != nil {
		pool.Close()
		return server.Deps{}, noop, fmt.Errorf("ensure event log schema: %w", err)
	}
	backend := writer.NewPostgresBackend(pool)
	if err := backend.EnsureSchema(ctx); err != nil {
		pool.Close()
		return server.Deps{}, noop, fmt.Errorf("ensure writer schema: %w", err)
	}
	versions := collection.NewPostgresVersionStore(pool)
	if err := versions.EnsureSchema(ctx); err != nil {
		pool.Close()
		return server.Deps{}, noop, fmt.Errorf("ensure version schema: %w", err)
	}

	w := writer.New(backend, registry, versions)
	deps := server.Deps{Log: log, Writer: w, Registry: registry, Compactor: compactor.New(log, registry)}
	broadcaster, err := maybeRedisBroadcaster(cfg)
	if err != nil {
		pool.Close()
		return server.Deps{}, noop, err
	}
	deps.Broadcaster = broadcaster

	return deps, func() { pool.Close() }, nil
}

func maybeRedisBroadcaster(cfg *config.ServerConfig) (server.Broadcaster, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	b, err := server.NewRedisBroadcaster(cfg.RedisURL, cfg.RedisChannelPrefix)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return b, nil
}
