package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/botchat/internal/adapter/knowledge"
	"github.com/xiaot623/botchat/internal/adapter/workflow"
	"github.com/xiaot623/botchat/internal/auth"
	"github.com/xiaot623/botchat/internal/broker"
	"github.com/xiaot623/botchat/internal/config"
	"github.com/xiaot623/botchat/internal/gateway"
	"github.com/xiaot623/botchat/internal/hub"
	"github.com/xiaot623/botchat/internal/logging"
	"github.com/xiaot623/botchat/internal/metrics"
	"github.com/xiaot623/botchat/internal/policy"
	store "github.com/xiaot623/botchat/internal/repository"
	"github.com/xiaot623/botchat/internal/service"
	"github.com/xiaot623/botchat/internal/settings"
	"github.com/xiaot623/botchat/internal/stats"
	transport "github.com/xiaot623/botchat/internal/transport/http"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the public and internal HTTP servers",
	Long:  `Configuration is read from the environment (HTTP_PORT, STORE_DRIVER, BROKER_DRIVER, WORKFLOW_BASE_URL, ...).`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load()
		logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting botchat",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("internal_port", cfg.InternalPort),
		zap.String("store", cfg.StoreDriver),
		zap.String("broker", cfg.BrokerDriver),
		zap.String("workflow_url", cfg.WorkflowURL()))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var rdb *redis.Client
	if cfg.StoreDriver == "redis" || cfg.BrokerDriver == "redis" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}
	}

	db, err := openStore(cfg, rdb, m)
	if err != nil {
		return err
	}
	defer db.Close()

	b, err := openBroker(cfg, rdb, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	policyEngine, err := policy.NewDefaultEngine(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	var provider settings.Provider = settings.Static(settings.Default())
	var watcher *settings.Watcher
	if cfg.SettingsFile != "" {
		watcher, err = settings.NewWatcher(cfg.SettingsFile, logger)
		if err != nil {
			return fmt.Errorf("failed to load settings: %w", err)
		}
		provider = watcher
	}

	var searcher knowledge.Searcher = knowledge.Noop{}
	if cfg.QdrantURL != "" && cfg.OpenAIAPIKey != "" {
		qs, err := knowledge.NewQdrantSearcher(knowledge.Config{
			URL:        cfg.QdrantURL,
			Collection: cfg.QdrantCollection,
			APIKey:     cfg.QdrantAPIKey,
		}, knowledge.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbeddingModel))
		if err != nil {
			return fmt.Errorf("failed to initialize knowledge search: %w", err)
		}
		defer qs.Close()
		searcher = qs
	}

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.ElevatedRoles)
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET is empty; every connection is a guest and the admin API is closed")
	}

	connHub := hub.NewHub(logger, m)
	svc := service.New(service.Config{
		BotName:         cfg.BotName,
		DefaultChannel:  cfg.DefaultChannel,
		WorkflowTimeout: cfg.WorkflowTimeout,
		TypingInterval:  cfg.TypingInterval,
		TypingStopDelay: cfg.TypingStopDelay,
		TypingMaxAge:    cfg.TypingMaxAge,
		KnowledgeTopK:   cfg.KnowledgeTopK,
		CTAIdle:         cfg.CTAIdle,
	}, service.Deps{
		Store:      db,
		Emitter:    gateway.NewEmitter(b),
		Dispatcher: workflow.NewDispatcher(cfg.WorkflowURL(), cfg.WorkflowTimeout, logger),
		Knowledge:  searcher,
		Settings:   provider,
		Policy:     policyEngine,
		Logger:     logger,
		Metrics:    m,
	})

	gw := gateway.NewServer(gateway.Config{
		PingInterval:   cfg.PingInterval,
		WriteTimeout:   cfg.WriteTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
	}, connHub, b, verifier, policyEngine, svc, logger)

	external := transport.NewExternalServer(svc, stats.NewEngine(db), gw, verifier, logger)
	internal := transport.NewInternalServer(svc, connHub, reg, logger)

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go connHub.Run(hubCtx)
	if err := gw.Start(hubCtx); err != nil {
		return fmt.Errorf("failed to subscribe to broker: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listen(external, cfg.HTTPPort) })
	g.Go(func() error { return listen(internal, cfg.InternalPort) })
	if watcher != nil {
		g.Go(func() error { return watcher.Watch(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down botchat")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		if err := external.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("external server: %w", err))
		}
		// Shutdown leaves hijacked websockets open; stopping the hub closes them.
		stopHub()
		if err := svc.Drain(shutdownCtx); err != nil {
			logger.Warn("in-flight dispatches abandoned", zap.Error(err))
		}
		svc.Close()
		if err := internal.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("internal server: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("botchat stopped")
	return nil
}

func listen(e *echo.Echo, port int) error {
	if err := e.Start(fmt.Sprintf(":%d", port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func openStore(cfg *config.Config, rdb *redis.Client, m *metrics.Metrics) (store.Store, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		db, err := store.NewSQLiteStore(cfg.DatabaseURL, store.WithMetrics(m))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize store: %w", err)
		}
		return db, nil
	case "redis":
		return store.NewRedisStore(rdb, store.WithKeyPrefix(cfg.RedisPrefix), store.WithMetrics(m)), nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

func openBroker(cfg *config.Config, rdb *redis.Client, logger *zap.Logger) (broker.Broker, error) {
	switch cfg.BrokerDriver {
	case "local":
		return broker.NewLocal(), nil
	case "redis":
		return broker.NewRedis(rdb, cfg.RedisPrefix, logger), nil
	default:
		return nil, fmt.Errorf("unknown BROKER_DRIVER %q", cfg.BrokerDriver)
	}
}
