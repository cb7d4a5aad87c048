package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/docflow/internal/admission"
	"github.com/you/docflow/internal/api"
	"github.com/you/docflow/internal/breaker"
	"github.com/you/docflow/internal/clients"
	"github.com/you/docflow/internal/config"
	"github.com/you/docflow/internal/costs"
	"github.com/you/docflow/internal/degrade"
	"github.com/you/docflow/internal/domain"
	"github.com/you/docflow/internal/lifecycle"
	"github.com/you/docflow/internal/objstore"
	"github.com/you/docflow/internal/pipeline"
	"github.com/you/docflow/internal/queue"
	"github.com/you/docflow/internal/storage"
)

func main() {
	cfg := config.Load()

	log, err := buildLogger(cfg.AppEnv)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := storage.Migrate(cfg.PostgresDSN, cfg.MigrationsDir); err != nil {
		log.Fatal("migrations failed", zap.Error(err))
	}

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres pool", zap.Error(err))
	}
	defer db.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	objects, err := buildObjectStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("object store", zap.Error(err))
	}

	store := storage.New(db)
	q := queue.New(rdb)
	ledger := costs.NewLedger(rdb, costs.Rates{
		"parser":   cfg.ParserCostPerMB,
		"embedder": cfg.EmbedderCostPerMB,
	}, costs.Limits{HourlyCeiling: cfg.HourlyCostCeiling, DailyCeiling: cfg.DailyCostCeiling})

	// explicit context objects, built once and passed by reference
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		OpenTimeout:      cfg.BreakerOpenTimeout(),
		OnStateChange: func(name string, from, to breaker.State) {
			log.Warn("breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	degraded := degrade.NewRegistry()

	parser := clients.NewStageClient("parser", getenv("PARSER_URL", "http://localhost:9101/v1/parse"), 30*time.Second)
	chunker := clients.NewStageClient("chunker", getenv("CHUNKER_URL", "http://localhost:9103/v1/chunk"), 30*time.Second)
	embedder := clients.NewStageClient("embedder", getenv("EMBEDDER_URL", "http://localhost:9102/v1/embed"), 30*time.Second)

	ingestion := degrade.NewManager("ingestion", 30*time.Second, log)
	ingestion.AddFallback(&degrade.Func{
		StrategyName: "park-for-later",
		ServedAt:     degrade.Minimal,
		Fn: func(ctx context.Context, req any) (any, error) {
			job, ok := req.(*domain.Job)
			if !ok {
				return nil, errors.Errorf("park-for-later: unexpected request %T", req)
			}
			return nil, q.Enqueue(ctx, stageOf(job.Status), job.ID, time.Now().Add(time.Minute))
		},
	})
	retrieval := degrade.NewManager("retrieval", 10*time.Second, log)
	retrieval.AddFallback(degrade.NewCached("last-known-good", degrade.Degraded, cacheKey))
	retrieval.AddFallback(&degrade.Static{
		StrategyName: "unavailable-notice",
		ServedAt:     degrade.Minimal,
		Value:        "retrieval is temporarily unavailable; results may be incomplete",
	})
	storageMgr := degrade.NewManager("storage", 15*time.Second, log)
	storageMgr.AddFallback(degrade.NewCached("last-known-good", degrade.Degraded, cacheKey))
	storageMgr.AddFallback(&degrade.Static{
		StrategyName: "storage-unavailable-notice",
		ServedAt:     degrade.Minimal,
		Value:        "document storage is temporarily unavailable",
	})
	degraded.Register(ingestion)
	degraded.Register(retrieval)
	degraded.Register(storageMgr)

	services := lifecycle.NewManager(log, 5*time.Second)
	mustRegister(log, services, lifecycle.Service{
		Name:        "postgres",
		HealthCheck: func(ctx context.Context) error { return db.Ping(ctx) },
	})
	mustRegister(log, services, lifecycle.Service{
		Name:        "redis",
		HealthCheck: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})
	mustRegister(log, services, lifecycle.Service{
		Name:      "object-store",
		DependsOn: []string{"postgres"},
	})
	mustRegister(log, services, lifecycle.Service{
		Name:        "parser",
		DependsOn:   []string{"object-store"},
		Breaker:     breakers.Get("parser"),
		HealthCheck: parser.Healthcheck(getenv("PARSER_HEALTH_URL", "http://localhost:9101/health")),
	})
	mustRegister(log, services, lifecycle.Service{
		Name:        "chunker",
		DependsOn:   []string{"object-store"},
		Breaker:     breakers.Get("chunker"),
		HealthCheck: chunker.Healthcheck(getenv("CHUNKER_HEALTH_URL", "http://localhost:9103/health")),
	})
	mustRegister(log, services, lifecycle.Service{
		Name:        "embedder",
		DependsOn:   []string{"object-store"},
		Breaker:     breakers.Get("embedder"),
		HealthCheck: embedder.Healthcheck(getenv("EMBEDDER_HEALTH_URL", "http://localhost:9102/health")),
	})
	if err := services.Start(ctx); err != nil {
		log.Fatal("service bring-up", zap.Error(err))
	}
	services.Sweep(ctx)

	machine := pipeline.NewMachine(store, q, objects, breakers, ingestion, pipeline.DefaultConfig(), log)
	controller := admission.NewController(store, services, ledger, objects, admission.Config{
		MaxConcurrentPerOwner: cfg.MaxConcurrentPerOwner,
		MaxSize:               cfg.MaxUploadBytes,
		HardServices:          []string{"postgres"},
		SoftServices:          []string{"parser", "chunker", "embedder"},
		URLExpiry:             cfg.WriteURLExpiry(),
		MaxRetries:            cfg.MaxStageRetries,
	}, log)

	server := api.NewServer(controller, machine, store, breakers, degraded, services, log)
	httpServer := &http.Server{Addr: cfg.APIAddr, Handler: server.Router()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return machine.RunWorker(gctx, queue.StageParse, func(ctx context.Context) (string, error) {
			return q.Dequeue(ctx, queue.StageParse, 5*time.Second)
		}, parser)
	})
	g.Go(func() error {
		return machine.RunWorker(gctx, queue.StageChunk, func(ctx context.Context) (string, error) {
			return q.Dequeue(ctx, queue.StageChunk, 5*time.Second)
		}, chunker)
	})
	g.Go(func() error {
		return machine.RunWorker(gctx, queue.StageEmbed, func(ctx context.Context) (string, error) {
			return q.Dequeue(ctx, queue.StageEmbed, 5*time.Second)
		}, embedder)
	})
	g.Go(func() error {
		tick := time.NewTicker(cfg.HealthSweepInterval())
		defer tick.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-tick.C:
				services.Sweep(gctx)
			}
		}
	})

	<-gctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if err := services.Stop(shutdownCtx); err != nil {
		log.Warn("service teardown", zap.Error(err))
	}
	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error("shutdown", zap.Error(err))
	}
}

func buildLogger(appEnv string) (*zap.Logger, error) {
	if appEnv == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// buildObjectStore picks GCS when a bucket is configured, otherwise the
// in-process store for local development.
func buildObjectStore(ctx context.Context, cfg config.Config, log *zap.Logger) (objstore.Store, error) {
	if cfg.GCSBucket != "" {
		return objstore.NewGCS(ctx, cfg.GCSBucket, cfg.GCSCredentialsFile)
	}
	log.Warn("GCS_BUCKET unset, using in-memory object store")
	return objstore.NewMemory(), nil
}

func mustRegister(log *zap.Logger, m *lifecycle.Manager, svc lifecycle.Service) {
	if err := m.Register(svc); err != nil {
		log.Fatal("service registration", zap.String("service", svc.Name), zap.Error(err))
	}
}

func stageOf(s domain.Status) string {
	switch s.RequeueStatus() {
	case domain.Chunking:
		return queue.StageChunk
	case domain.EmbeddingQueued:
		return queue.StageEmbed
	default:
		return queue.StageParse
	}
}

func cacheKey(req any) string {
	if s, ok := req.(string); ok {
		return s
	}
	return "default"
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
