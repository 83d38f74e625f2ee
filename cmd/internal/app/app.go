// Package app wires the modgate runtime: config, logging, persistence, the
// pub/sub bus, HTTP routes, and the WebSocket module gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"modgate/cmd/internal/bus"
	"modgate/cmd/internal/gateway"
	"modgate/cmd/internal/store"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the modgate server runtime: it owns the HTTP server wiring, the bus
// listener, and the lifecycle of the store and bus.
type App struct {
	cfg Config
	log Logger

	store     store.Store
	dbPool    *pgxpool.Pool
	dbEnabled bool

	bus      bus.Bus
	ws       *gateway.WSGateway
	listener *gateway.BusListener
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	st, dbPool, dbEnabled, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	b, err := newBus(cfg, log)
	if err != nil {
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, err
	}

	reg := gateway.NewRegistry()
	handlers := gateway.NewHandlers(log, st, b, reg)
	ws := gateway.NewWSGateway(log, reg, st, handlers)
	listener := gateway.NewBusListener(log, reg, st, b)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		bus:       b,
		ws:        ws,
		listener:  listener,
	}, nil
}

// Run starts the bus listener and HTTP server, and blocks until context
// cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	listenerErr := make(chan error, 1)
	go func() {
		if err := a.listener.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			listenerErr <- err
		}
	}()

	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled, "redis", a.cfg.RedisAddr != "")

	srvErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-srvErr:
		a.log.Error("server.fail", "err", err)
		runErr = err
	case err := <-listenerErr:
		a.log.Error("bus.listener.fail", "err", err)
		runErr = err
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	if err := a.bus.Close(); err != nil {
		a.log.Error("bus.close.fail", "err", err)
	}
	if err := a.store.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return runErr
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between Postgres-backed persistence and the in-memory
// dev store.
//
// Ownership model: the app owns the pool lifecycle; PostgresStore.Close()
// is a no-op.
func newStore(ctx context.Context, cfg Config, log Logger) (store.Store, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return store.NewInMemoryStore(), nil, false, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, err
	}

	st, err := store.NewPostgresStore(pool, store.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return st, pool, true, nil
}

// newBus decides between Redis pub/sub and the in-process bus.
func newBus(cfg Config, log Logger) (bus.Bus, error) {
	if cfg.RedisAddr == "" {
		log.Info("bus.inmemory")
		return bus.NewInMemoryBus(), nil
	}

	b, err := bus.NewRedisBus(log, bus.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, err
	}
	log.Info("bus.redis", "addr", cfg.RedisAddr)
	return b, nil
}
