package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/con2/emticketen/internal/app"
	"github.com/con2/emticketen/internal/clock"
	"github.com/con2/emticketen/internal/config"
	"github.com/con2/emticketen/internal/storage/memory"
	"github.com/con2/emticketen/internal/storage/postgres"
	"github.com/con2/emticketen/internal/store"
	transporthttp "github.com/con2/emticketen/internal/transport/http"
	"github.com/con2/emticketen/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		port        string
		backend     string
		databaseURL string
		logLevel    string
	)
	flagSet := pflag.NewFlagSet("emticketen", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML config file")
	flagSet.StringVar(&port, "port", "", "HTTP listen port (overrides PORT)")
	flagSet.StringVar(&backend, "store", "", "storage backend: postgres or memory")
	flagSet.StringVar(&databaseURL, "database-url", "", "Postgres connection string (overrides DATABASE_URL)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	config.LoadEnvFile(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("port") {
		cfg.Server.Port = port
	}
	if flagSet.Changed("store") {
		cfg.Store.Backend = config.Backend(backend)
	}
	if flagSet.Changed("database-url") {
		cfg.Store.DatabaseURL = databaseURL
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := config.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, health, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	isolation, err := store.ParseIsolation(cfg.Controller.Isolation)
	if err != nil {
		return err
	}
	clk := clock.NewSystem()
	ctl := app.NewController(st, app.ControllerConfig{
		MaxAttempts: cfg.Controller.MaxAttempts,
		BaseBackoff: cfg.Controller.BaseBackoff,
		MaxBackoff:  cfg.Controller.MaxBackoff,
		OpTimeout:   cfg.Controller.OpTimeout,
		Isolation:   isolation,
	}, logger)

	reclaimer := app.NewReclaimer(ctl, clk,
		app.WithReclaimInterval(cfg.Reclaimer.Interval),
		app.WithBatchSize(cfg.Reclaimer.BatchSize),
		app.WithParallelism(cfg.Reclaimer.Parallelism),
		app.WithReclaimerLogger(logger),
	)
	claimerOpts := []app.ClaimerOption{
		app.WithHoldTTL(cfg.Claims.DefaultHoldTTL),
		app.WithMaxHoldTTL(cfg.Claims.MaxHoldTTL),
		app.WithAllowPartial(cfg.Claims.AllowPartial),
		app.WithClaimerLogger(logger),
	}
	if cfg.Claims.ReclaimBeforeClaim {
		claimerOpts = append(claimerOpts, app.WithReclaimBeforeClaim(reclaimer))
	}

	mux := transporthttp.NewRouter(transporthttp.Services{
		Pools:     app.NewPoolService(ctl, clk),
		Claimer:   app.NewClaimer(ctl, clk, claimerOpts...),
		Finalizer: app.NewFinalizer(ctl, clk),
		Reclaimer: reclaimer,
		Health:    health,
	})
	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           transporthttp.RequestLogger(transporthttp.CORS(cfg.Server.CORSOrigins, mux), logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sweepDone := make(chan error, 1)
	go func() {
		sweepDone <- reclaimer.Run(ctx)
	}()

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- server.ListenAndServe()
	}()
	logger.Info("listening", "port", cfg.Server.Port, "store", cfg.Store.Backend)

	var runErr error
	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("serve: %w", err)
		}
		stop()
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server shutdown", "err", err)
	}
	if err := <-sweepDone; err != nil {
		logger.Error("reclaimer stopped", "err", err)
	}
	logger.Info("stopped")
	return runErr
}

// openStore connects the configured backend. The returned health check is nil
// for the memory store.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Store, transporthttp.HealthCheck, func(), error) {
	if cfg.Backend == config.BackendMemory {
		logger.Warn("using the in-memory store; data is lost on exit")
		return memory.New(), nil, func() {}, nil
	}

	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(startupCtx, poolCfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to db: %w", err)
	}
	if err := pool.Ping(startupCtx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("db ping: %w", err)
	}
	if err := migrations.Apply(startupCtx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	return postgres.NewStore(pool), pool.Ping, pool.Close, nil
}
