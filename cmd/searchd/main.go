package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aapais/kbsearch/internal/indexer"
	"github.com/aapais/kbsearch/internal/indexer/tokenizer"
	"github.com/aapais/kbsearch/internal/ingestion"
	"github.com/aapais/kbsearch/internal/ingestion/consumer"
	"github.com/aapais/kbsearch/internal/searcher"
	"github.com/aapais/kbsearch/internal/searcher/cache"
	"github.com/aapais/kbsearch/internal/searcher/handler"
	"github.com/aapais/kbsearch/internal/searcher/parser"
	"github.com/aapais/kbsearch/internal/store"
	"github.com/aapais/kbsearch/pkg/config"
	"github.com/aapais/kbsearch/pkg/health"
	"github.com/aapais/kbsearch/pkg/kafka"
	"github.com/aapais/kbsearch/pkg/logger"
	"github.com/aapais/kbsearch/pkg/metrics"
	"github.com/aapais/kbsearch/pkg/middleware"
	"github.com/aapais/kbsearch/pkg/postgres"
	pkgredis "github.com/aapais/kbsearch/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting kb search service", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background()) //nolint:errcheck
	}

	tok := tokenizer.New(cfg.Tokenizer.CustomTerms)
	engine := indexer.NewEngine(tok, m)

	pg, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pg.Close()

	corpus := store.New(pg)
	docs, err := corpus.LoadAll(ctx)
	if err != nil {
		slog.Error("failed to load corpus", "error", err)
		os.Exit(1)
	}
	engine.Rebuild(docs)

	var remote *cache.RemoteLayer
	var redisClient *pkgredis.Client
	if cfg.Redis.Enabled {
		redisClient, err = pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, remote cache layer disabled", "error", err)
		} else {
			defer redisClient.Close()
			remote = cache.NewRemoteLayer(redisClient, cfg.Redis.CacheTTL)
			slog.Info("remote cache layer enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}

	mc, err := cache.New(cfg.Cache, remote, m)
	if err != nil {
		slog.Error("failed to build cache layers", "error", err)
		os.Exit(1)
	}

	s := searcher.New(engine, parser.New(tok), mc, cfg.Search, m)

	invalidateProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.CacheInvalidate)
	defer invalidateProducer.Close()
	applier := ingestion.NewApplier(engine, s, invalidateProducer, cfg.Search.Categories)

	consumers := consumer.New(cfg.Kafka, applier)
	consumers.Start(ctx)
	defer consumers.Close()

	checker := health.NewChecker()
	checker.Register("index", func(ctx context.Context) health.ComponentHealth {
		snap := engine.Snapshot()
		if err := snap.Verify(); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{
			Status:  health.StatusUp,
			Message: fmt.Sprintf("%d documents, generation %d", snap.Stats().DocumentCount, snap.Generation()),
		}
	})
	checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
		if err := pg.DB.PingContext(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
		if redisClient == nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "not configured"}
		}
		if err := redisClient.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})

	h := handler.New(s, engine, applier)

	mux := http.NewServeMux()
	h.Register(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	if m != nil {
		chain = middleware.Metrics(m)(chain)
	}
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("kb search service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("kb search service stopped")
}
