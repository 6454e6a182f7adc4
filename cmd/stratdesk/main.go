// Command stratdesk runs the strategy control console backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/stratdesk/internal/cache"
	"github.com/coachpo/stratdesk/internal/channel"
	"github.com/coachpo/stratdesk/internal/engine"
	"github.com/coachpo/stratdesk/internal/fallback"
	"github.com/coachpo/stratdesk/internal/infra/config"
	"github.com/coachpo/stratdesk/internal/infra/persistence/migrations"
	"github.com/coachpo/stratdesk/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/stratdesk/internal/infra/server/http"
	"github.com/coachpo/stratdesk/internal/infra/telemetry"
	"github.com/coachpo/stratdesk/internal/notify"
)

const (
	defaultConfigPath        = "config/app.yaml"
	stratdeskLoggerPrefix    = "stratdesk "
	shutdownTimeout          = 30 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	channelShutdownTimeout   = 5 * time.Second
	fallbackShutdownTimeout  = 5 * time.Second
	cacheShutdownTimeout     = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	controlReadHeaderTimeout = 5 * time.Second
	databaseConnectTimeout   = 15 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newLogger(stratdeskLoggerPrefix)
	configPath := resolveConfigPath(cfgPathFlag)

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file %s not found, using defaults", configPath)
	}
	logger.Printf("configuration initialised: env=%s, strategies=%d, cache=%s",
		appCfg.Environment, len(appCfg.Strategies), appCfg.Cache.Driver)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	catalog, err := appCfg.Catalog()
	if err != nil {
		logger.Fatalf("build strategy catalog: %v", err)
	}

	store, err := openCache(ctx, logger, appCfg.Cache)
	if err != nil {
		logger.Fatalf("open cache: %v", err)
	}

	ws, err := channel.NewWebsocket(websocketConfig(appCfg.Channel), newLogger("channel "))
	if err != nil {
		logger.Fatalf("initialise channel: %v", err)
	}

	feed := notify.NewFeed(appCfg.Notifications.Capacity, newLogger("notify "))
	engineOpts := []engine.Option{
		engine.WithLogger(newLogger("engine ")),
		engine.WithNotifier(feed),
		engine.WithConfig(engineConfig(appCfg.Sync)),
	}

	var (
		loader *fallback.Loader
		runner *fallback.Runner
	)
	if appCfg.Fallback.Enabled {
		loader, runner, err = initFallback(ctx, logger, appCfg.Fallback)
		if err != nil {
			logger.Fatalf("initialise fallback runtime: %v", err)
		}
		engineOpts = append(engineOpts, engine.WithLocalRunner(runner))
	}

	eng, err := engine.New(catalog, ws, store.Store, engineOpts...)
	if err != nil {
		logger.Fatalf("initialise engine: %v", err)
	}
	eng.Watch(func(t engine.Transition) {
		logger.Printf("strategy %s: %s -> %s (%s)", t.StrategyID, t.From, t.To, t.Reason)
	})
	if runner != nil {
		runner.OnEvent(eng.HandleEvent)
	}
	ws.OnMessage(eng.Deliver)
	ws.OnStateChange(eng.ChannelStateChanged)

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := eng.Run(ctx); err != nil {
			logger.Printf("engine: %v", err)
		}
	})
	if err := ws.Start(ctx); err != nil {
		logger.Fatalf("start channel: %v", err)
	}
	logger.Printf("backend channel connecting to %s", appCfg.Channel.URL)

	handlerOpts := httpserver.Options{
		Environment:   appCfg.Environment,
		Engine:        eng,
		Notifications: feed,
		Channel:       ws,
	}
	if loader != nil {
		handlerOpts.Modules = loader
	}
	apiServer := buildAPIServer(appCfg.APIServer, httpserver.NewHandler(handlerOpts))
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("control API listening on %s", apiServer.Addr)

	logger.Print("stratdesk started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:        apiServer,
		serverTimeout: appCfg.APIServer.ShutdownTimeout,
		mainCancel:    cancel,
		channel:       ws,
		lifecycle:     &lifecycle,
		runner:        runner,
		engine:        eng,
		cache:         store,
		telemetry:     telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger(prefix string) *log.Logger {
	return log.New(os.Stdout, prefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.Config{
		Enabled:        cfg.EnableMetrics,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		OTLPInsecure:   cfg.OTLPInsecure,
		MetricInterval: cfg.MetricInterval,
		ServiceName:    cfg.ServiceName,
		Environment:    string(env),
	}
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if provider.Enabled() {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", cfg.OTLPEndpoint, cfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func websocketConfig(cfg config.ChannelConfig) channel.WebsocketConfig {
	return channel.WebsocketConfig{
		URL:                  cfg.URL,
		PingInterval:         cfg.PingInterval,
		PingTimeout:          cfg.PingTimeout,
		WriteTimeout:         cfg.WriteTimeout,
		MaxReconnectInterval: cfg.MaxReconnectInterval,
		SendInterval:         cfg.SendInterval,
		SendBurst:            cfg.SendBurst,
		QueueSize:            cfg.QueueSize,
		ReadLimit:            cfg.ReadLimit,
	}
}

func engineConfig(cfg config.SyncConfig) engine.Config {
	return engine.Config{
		StartTimeout:    cfg.StartTimeout,
		StopGrace:       cfg.StopGrace,
		FallbackCeiling: cfg.FallbackCeiling,
		Debounce:        cfg.Debounce,
		PullInterval:    cfg.PullInterval,
		QueueSize:       cfg.QueueSize,
	}
}

// cacheHandle bundles the run-state store with the resources behind it.
type cacheHandle struct {
	Store       cache.Store
	writeBehind *cache.WriteBehind
	pool        *pgxpool.Pool
}

// Close drains queued writes and releases the database pool.
func (h *cacheHandle) Close(ctx context.Context) error {
	var err error
	if h.writeBehind != nil {
		err = h.writeBehind.Flush(ctx)
	}
	if h.pool != nil {
		h.pool.Close()
	}
	return err
}

func openCache(ctx context.Context, logger *log.Logger, cfg config.CacheConfig) (*cacheHandle, error) {
	handle := &cacheHandle{}
	switch cfg.Driver {
	case config.CacheMemory:
		handle.Store = cache.NewMemoryStore()
	case config.CacheFile:
		fileStore, err := cache.OpenFileStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		handle.Store = fileStore
		logger.Printf("cache: file store at %s", fileStore.Path())
	case config.CachePostgres:
		db := cfg.Database
		if db.RunMigrations {
			migrateCtx, cancel := context.WithTimeout(ctx, databaseConnectTimeout)
			err := migrations.Apply(migrateCtx, db.DSN, db.MigrationsDir, logger)
			cancel()
			if err != nil {
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		connectCtx, cancel := context.WithTimeout(ctx, databaseConnectTimeout)
		pool, err := postgres.Connect(connectCtx, postgres.PoolConfig{
			DSN:             db.DSN,
			MaxConns:        db.MaxConns,
			MinConns:        db.MinConns,
			MaxConnLifetime: db.MaxConnLifetime,
			MaxConnIdleTime: db.MaxConnIdleTime,
		})
		cancel()
		if err != nil {
			return nil, err
		}
		postgres.ObservePoolMetrics(pool, "cache")
		handle.pool = pool
		handle.Store = postgres.NewCacheStore(pool, db.QueryTimeout)
		logger.Printf("cache: postgres store connected")
	default:
		return nil, fmt.Errorf("unsupported cache driver %q", cfg.Driver)
	}

	if cfg.WriteBehind {
		wb, err := cache.NewWriteBehind(handle.Store, cfg.QueueSize, func(err error) {
			logger.Printf("cache write-behind: %v", err)
		})
		if err != nil {
			_ = handle.Close(ctx)
			return nil, err
		}
		handle.writeBehind = wb
		handle.Store = wb
	}
	return handle, nil
}

func initFallback(ctx context.Context, logger *log.Logger, cfg config.FallbackConfig) (*fallback.Loader, *fallback.Runner, error) {
	fallbackLogger := newLogger("fallback ")
	loader, err := fallback.NewLoader(cfg.Directory, fallbackLogger)
	if err != nil {
		return nil, nil, err
	}
	if err := loader.Refresh(ctx); err != nil {
		logger.Printf("fallback scripts: %v", err)
	}
	logger.Printf("fallback scripts loaded from %s: %d", loader.Root(), len(loader.List()))
	return loader, fallback.NewRunner(loader, fallbackLogger), nil
}

func buildAPIServer(cfg config.APIServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("control server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server        *http.Server
	serverTimeout time.Duration
	mainCancel    context.CancelFunc
	channel       *channel.Websocket
	lifecycle     *conc.WaitGroup
	runner        *fallback.Runner
	engine        *engine.Engine
	cache         *cacheHandle
	telemetry     *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		timeout := cfg.serverTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownStep("stopping control server", timeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.channel != nil {
		shutdownStep("closing backend channel", channelShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.channel.Close)
		})
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			if err := waitFor(stepCtx, cfg.lifecycle.Wait); err != nil {
				return fmt.Errorf("timeout waiting for goroutines: %w", err)
			}
			return nil
		})
	}

	if cfg.runner != nil {
		shutdownStep("stopping local executions", fallbackShutdownTimeout, cfg.runner.Close)
	}

	if cfg.engine != nil {
		shutdownStep("stopping engine", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.engine.Close)
		})
	}

	if cfg.cache != nil {
		shutdownStep("flushing cache", cacheShutdownTimeout, cfg.cache.Close)
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}

// waitFor runs fn in a goroutine and waits until it returns or ctx ends.
func waitFor(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
