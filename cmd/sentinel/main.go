package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/dns-sentinel/internal/audit"
	"github.com/xela07ax/dns-sentinel/internal/connectors"
	"github.com/xela07ax/dns-sentinel/internal/console"
	"github.com/xela07ax/dns-sentinel/internal/domain"
	"github.com/xela07ax/dns-sentinel/internal/engine"
	"github.com/xela07ax/dns-sentinel/internal/enrich"
	"github.com/xela07ax/dns-sentinel/internal/infra"
	"github.com/xela07ax/dns-sentinel/internal/output"
	"github.com/xela07ax/dns-sentinel/internal/policy"
	"github.com/xela07ax/dns-sentinel/internal/repository"
	"github.com/xela07ax/dns-sentinel/internal/repository/duckdb"
	"github.com/xela07ax/dns-sentinel/internal/repository/postgres"
	"github.com/xela07ax/dns-sentinel/internal/risk"
)

var version = "dev" // подставляется через -ldflags на сборке

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (yaml)")
		once        = flag.Bool("once", false, "run a single evaluation pass and exit")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("dns-sentinel", version)
		return
	}

	cfg, err := infra.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("dns-sentinel starting",
		zap.String("version", version),
		zap.String("backend", cfg.Source.Backend))

	// Контекст жизни процесса: SIGINT/SIGTERM гасят фоновые горутины
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Источник данных (логи резолвера + хранилище вердиктов)
	var src repository.DataSource
	var journalStorage audit.Storage = &audit.ZapStorage{Logger: logger}

	switch cfg.Source.Backend {
	case "postgres":
		pgSrc, err := postgres.NewSource(appCtx, cfg.Postgres, logger)
		if err != nil {
			logger.Fatal("postgres init failed", zap.Error(err))
		}
		src = pgSrc
		repo, err := postgres.NewJournalRepo(appCtx, pgSrc)
		if err != nil {
			logger.Fatal("journal schema init failed", zap.Error(err))
		}
		journalStorage = repo
	case "duckdb":
		src, err = duckdb.NewSource(cfg.DuckDB, logger)
		if err != nil {
			logger.Fatal("duckdb init failed", zap.Error(err))
		}
	default:
		logger.Fatal("unknown source backend", zap.String("backend", cfg.Source.Backend))
	}
	defer src.Close()

	// 2. Redis (опционально): L2-кэш вердиктов и сигналы allowlist
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(appCtx).Err(); err != nil {
			logger.Warn("redis unreachable, continuing without L2 cache", zap.Error(err))
			rdb = nil
		}
	}

	cache := engine.NewEvalCache(rdb, cfg.Pipeline.EvaluationTTL, logger)
	if evaluated, err := src.FetchAlreadyEvaluated(appCtx, cfg.Pipeline.EvaluationTTL); err != nil {
		logger.Warn("cache warmup skipped", zap.Error(err))
	} else {
		names := make([]string, 0, len(evaluated))
		for d := range evaluated {
			names = append(names, d)
		}
		if err := cache.Warmup(appCtx, names); err != nil {
			logger.Warn("cache warmup failed", zap.Error(err))
		}
	}

	allow := policy.NewAllowlist(cfg.KnownGood, logger)
	if rdb != nil {
		go engine.ListenAllowlistSignals(appCtx, rdb, allow, logger)
	}

	// 3. Метрики
	reg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(reg)

	// 4. Обогащение
	coordinator, err := enrich.NewCoordinator(cfg.Enrichment, logger)
	if err != nil {
		logger.Fatal("enrichment init failed", zap.Error(err))
	}
	coordinator.SetObserver(func(source string, status domain.SourceStatus) {
		metrics.EnrichmentResults.WithLabelValues(source, string(status)).Inc()
	})
	logger.Info("enrichment sources ready", zap.Strings("sources", coordinator.SourceNames()))

	// 5. Модели: первичная за обвязкой надежности, вторичная как есть
	primary := engine.NewReliabilityWrapper(connectors.NewOllama(cfg.Model), cfg.Model)
	primary.SetStateObserver(func(open bool) {
		if open {
			metrics.CircuitBreakerState.Set(1)
		} else {
			metrics.CircuitBreakerState.Set(0)
		}
	})

	var secondary connectors.Provider
	var analyzer *risk.Analyzer
	if cfg.Escalation.BaseURL != "" {
		secondary = connectors.NewChatAPI(cfg.Escalation)
		analyzer = risk.NewAnalyzer(cfg.Escalation.ConfidenceThreshold, logger)
		logger.Info("escalation enabled", zap.String("model", cfg.Escalation.Model))
	}

	classifier := engine.NewClassifier(engine.ClassifierDeps{
		Primary:    primary,
		Secondary:  secondary,
		Analyzer:   analyzer,
		Logger:     logger,
		System:     cfg.Prompts.System,
		EscSystem:  cfg.Prompts.EscalationSystem,
		Corrective: cfg.Prompts.Corrective,
		MaxRetries: cfg.Model.MaxRetries,
	})

	// 6. Журнал прогонов и каналы отчета
	journal := audit.NewJournal(journalStorage, logger)
	journal.Start()
	defer journal.Stop()

	var sinks []output.Sink
	if cfg.Output.Console {
		sinks = append(sinks, &output.ConsoleSink{W: os.Stdout})
	}
	if cfg.Output.WebhookURL != "" {
		sinks = append(sinks, output.NewWebhookSink(cfg.Output.WebhookURL, cfg.Output.Timeout))
	}

	// 7. Сборка пайплайна
	pipeline := engine.NewPipeline(engine.PipelineDeps{
		Aggregator: engine.NewAggregator(src, allow, cache,
			cfg.Pipeline.Lookback, cfg.Pipeline.EvaluationTTL, cfg.Pipeline.BatchSize, logger),
		Coordinator:  coordinator,
		Classifier:   classifier,
		Source:       src,
		Cache:        cache,
		Metrics:      metrics,
		Journal:      journal,
		Sinks:        sinks,
		Logger:       logger,
		PriorContext: cfg.Pipeline.PriorContext,
		RunTimeout:   cfg.Pipeline.RunTimeout,
	})

	// 8. Служебный HTTP-сервер
	var opsSrv *http.Server
	if cfg.Ops.Enabled {
		opsSrv = &http.Server{
			Addr:    cfg.Ops.Addr,
			Handler: console.NewOpsServer(pipeline, src, reg, logger),
		}
		go func() {
			logger.Info("ops server started", zap.String("addr", cfg.Ops.Addr))
			if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("ops server failed", zap.Error(err))
			}
		}()
	}

	// 9. Режимы запуска: разовый прогон или демон с интервалом
	if *once {
		_, runErr := pipeline.Run(appCtx)
		shutdownOps(opsSrv, logger)
		if runErr != nil {
			// os.Exit не исполняет defer, ресурсы закрываем руками
			logger.Error("run failed", zap.Error(runErr))
			journal.Stop()
			src.Close()
			_ = logger.Sync()
			os.Exit(1)
		}
		return
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.Pipeline.Interval)
	defer ticker.Stop()

	logger.Info("daemon mode", zap.Duration("interval", cfg.Pipeline.Interval))
	runOnce := func() {
		if _, err := pipeline.Run(appCtx); err != nil {
			logger.Error("run failed", zap.Error(err))
		}
	}
	runOnce()

	for {
		select {
		case <-ticker.C:
			runOnce()
		case sig := <-stop:
			logger.Info("shutting down", zap.String("signal", sig.String()))
			cancel()
			shutdownOps(opsSrv, logger)
			return
		}
	}
}

func shutdownOps(srv *http.Server, logger *zap.Logger) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("ops server shutdown failed", zap.Error(err))
	}
}
