package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Oz-Networks/fxn-protocol-sdk/internal/api"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/config"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/crypto"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/directory"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/handlers"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/hub"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/offer"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/pipeline"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/registry"
	"github.com/Oz-Networks/fxn-protocol-sdk/internal/store"
)

const serverStopTimeout = 5 * time.Second

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	zerolog.SetGlobalLevel(cfg.Level())

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Addr()).Msg("failed to listen")
	}

	if err := run(ctx, cfg, ln, logger); err != nil {
		logger.Error().Err(err).Msg("agent stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("agent stopped")
}

// run serves the viewer API on ln and polls the registry until ctx is
// cancelled. An in-flight cycle gets cfg.ShutdownGrace to finish and is
// abandoned after that.
func run(ctx context.Context, cfg *config.Config, ln net.Listener, logger zerolog.Logger) error {
	defer ln.Close()

	priv, err := crypto.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("AGENT_PRIVATE_KEY: %w", err)
	}
	signer, err := crypto.NewSigner(priv)
	if err != nil {
		return err
	}

	// Outcome ledger: PostgreSQL when configured, SQLite otherwise
	var ledger store.Ledger
	switch {
	case cfg.DatabaseURL != "":
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres connection failed: %w", err)
		}
		ledger = pg
		logger.Info().Msg("connected to PostgreSQL")
	case cfg.SQLitePath != "":
		lite, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite open failed: %w", err)
		}
		ledger = lite
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite ledger")
	}
	if ledger != nil {
		defer ledger.Close()
	}

	// Redis mirrors viewer history and backs the rate limiter
	var redisStore *store.RedisStore
	var hubOpts []hub.Option
	routerOpts := api.Options{}
	if cfg.RedisURL != "" {
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL, cfg.AgentName)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		hubOpts = append(hubOpts, hub.WithStore(redisStore))
		routerOpts.Counter = redisStore
		logger.Info().Msg("connected to Redis")
	}

	statusHub := hub.New(logger, hubOpts...)
	if err := statusHub.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("could not restore status history")
	}

	registryClient := registry.NewClient(cfg.RegistryURL, cfg.HTTPTimeout)
	defer registryClient.CloseIdleConnections()

	var pipe pipeline.Pipeline = pipeline.Unavailable{}
	if cfg.PipelineURL != "" {
		httpPipe := pipeline.NewHTTP(cfg.PipelineURL, cfg.HTTPTimeout, statusHub, logger)
		defer httpPipe.CloseIdleConnections()
		pipe = httpPipe
	} else {
		logger.Warn().Msg("PIPELINE_URL not set, work requests will be answered with errors")
	}

	var engineOpts []offer.Option
	if ledger != nil {
		engineOpts = append(engineOpts, offer.WithLedger(ledger))
	}
	engine := offer.New(offer.Config{
		AgentName:    cfg.AgentName,
		PollInterval: cfg.PollInterval,
		RetryDelay:   cfg.RetryDelay,
		CallTimeout:  cfg.HTTPTimeout,
	}, registryClient, signer, pipe, statusHub, logger, engineOpts...)
	defer engine.CloseIdleConnections()

	finder := directory.NewClient(cfg.DirectoryURL, cfg.HTTPTimeout, statusHub, logger)
	defer finder.CloseIdleConnections()

	routerOpts.Deps = handlers.Deps{
		AgentName: cfg.AgentName,
		Provider:  signer.Identity(),
		Status:    statusHub,
		Ledger:    ledger,
		Finder:    finder,
	}
	if redisStore != nil {
		routerOpts.Deps.Redis = redisStore
	}
	routerOpts.WS = statusHub.ServeWS

	srv := &http.Server{
		Handler:           api.NewRouter(logger, routerOpts),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	engineDone := make(chan struct{})
	stopped := make(chan struct{})

	g.Go(func() error {
		defer close(engineDone)
		return engine.Run(gctx)
	})

	g.Go(func() error {
		return statusHub.Run(gctx)
	})

	g.Go(func() error {
		logger.Info().
			Str("addr", ln.Addr().String()).
			Str("env", cfg.Env).
			Str("provider", signer.Identity()).
			Msg("starting provider agent")

		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		defer close(stopped)
		<-gctx.Done()
		logger.Info().Msg("shutting down...")

		grace := time.NewTimer(cfg.ShutdownGrace)
		defer grace.Stop()
		select {
		case <-engineDone:
		case <-grace.C:
			logger.Warn().Dur("grace", cfg.ShutdownGrace).Msg("abandoning in-flight cycle at end of grace period")
		}

		stopCtx, cancel := context.WithTimeout(context.Background(), serverStopTimeout)
		defer cancel()
		if err := srv.Shutdown(stopCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	<-stopped
	select {
	case <-engineDone:
		return g.Wait()
	default:
		// The abandoned cycle keeps its goroutine until its per-call
		// timeouts expire; nothing waits for it.
		return nil
	}
}
