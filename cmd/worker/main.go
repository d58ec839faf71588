package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mailtriage/config"
	"mailtriage/contracts"
	"mailtriage/internal/cache"
	"mailtriage/internal/category"
	"mailtriage/internal/contextsel"
	"mailtriage/internal/llm"
	"mailtriage/internal/mqhandler"
	"mailtriage/internal/pipeline"
	"mailtriage/internal/repository"
	"mailtriage/internal/retrieval"
	"mailtriage/internal/rulefilter"
	"mailtriage/internal/telemetry"
	"mailtriage/pkg/db"
	"mailtriage/pkg/logger"
	"mailtriage/pkg/mq"
	"mailtriage/pkg/outbox"
	pkgredis "mailtriage/pkg/redis"
	"mailtriage/pkg/util"
)

func main() {
	log := logger.NewLogger()
	defer log.Sync()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	rdb := pkgredis.NewRedisClient(cfg.Redis)
	defer rdb.Close()

	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to create MQ publisher", zap.Error(err))
	}
	defer publisher.Close()
	if err := publisher.SetupDLQ(contracts.RoutingKeyEmailReceived); err != nil {
		log.Fatal("Failed to set up DLQ", zap.Error(err))
	}

	// 规则与类目都在启动时加载并校验，启动后只读
	rules, err := rulefilter.LoadRuleset(cfg.Pipeline.RulesPath)
	if err != nil {
		log.Fatal("Failed to load ruleset", zap.Error(err))
	}
	categories, err := category.LoadDefinitions(cfg.Pipeline.CategoriesPath)
	if err != nil {
		log.Fatal("Failed to load categories", zap.Error(err))
	}

	scoreCache := cache.NewRedisCache(rdb, "mailtriage", log)
	llmClient := llm.NewClient(cfg.Services.OpenAI, scoreCache, cfg.Pipeline.CacheTTL, log)
	scoringClient := llm.NewScoringClient(cfg.Services.RerankURL, cfg.Services.TokenizerURL, scoreCache, cfg.Pipeline.CacheTTL)
	retrievalClient := retrieval.NewClient(cfg.Services.RetrievalURL, cfg.Services.CorpusRef)

	chain := category.NewChain(llmClient, scoringClient, category.Config{
		ShortlistSize:    cfg.Pipeline.ShortlistSize,
		SimilarityFloor:  cfg.Pipeline.SimilarityFloor,
		SkipRerankAbove:  cfg.Pipeline.SkipRerankAbove,
		SimilarityWeight: cfg.Pipeline.RefereeSimilarityWeight,
		RerankWeight:     cfg.Pipeline.RefereeRerankWeight,
	}, log)

	obRepo := outbox.NewRepository(pool)
	runRepo := repository.NewRunRepository(pool, obRepo)

	orchestrator := pipeline.NewOrchestrator(cfg.Pipeline, pipeline.Deps{
		Filter:         rulefilter.New(rules, cfg.Pipeline.KeepThreshold, cfg.Pipeline.TriageBand),
		Triager:        llmClient,
		Chain:          chain,
		Categories:     categories,
		Retriever:      retrievalClient,
		Selector:       contextsel.NewSelector(scoringClient, log),
		Generator:      llmClient,
		Recorder:       telemetry.NewRecorder(telemetry.NewZapSink(log), log),
		Store:          runRepo,
		SystemPreamble: cfg.Pipeline.SystemPreamble,
		Logger:         log,
	})

	deduper := util.NewDeduper(rdb, cfg.Pipeline.DedupeTTL, log)
	handler := mqhandler.NewEmailHandler(orchestrator, deduper, publisher, log)

	consumer, err := mq.NewConsumer(
		cfg.MQ.URL,
		contracts.EmailQueueName,
		contracts.RoutingKeyEmailReceived,
		int64(cfg.Pipeline.WorkerConcurrency),
		log,
	)
	if err != nil {
		log.Fatal("Failed to create consumer", zap.Error(err))
	}
	defer consumer.Close()
	consumer.SetHandler(handler.Handle)

	dispatcher := outbox.NewDispatcher(obRepo, publisher, log)
	go dispatcher.Start(ctx)

	// worker 自己的 /metrics 端口
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		if err := http.ListenAndServe(":9091", mux); err != nil && err != http.ErrServerClosed {
			log.Error("Metrics server stopped", zap.Error(err))
		}
	}()

	log.Info("Worker started",
		zap.String("queue", contracts.EmailQueueName),
		zap.Int("concurrency", cfg.Pipeline.WorkerConcurrency),
	)

	if err := consumer.StartConsuming(ctx); err != nil && ctx.Err() == nil {
		log.Fatal("Consumer stopped unexpectedly", zap.Error(err))
	}

	log.Info("Worker shut down")
}
