// Package backend wires together the backend binary's runtime: the
// Postgres pool and control-plane store, Redis client, ingest queue and
// worker pool, every pipeline stage, the Pipeline Scheduler, and the
// HTTP surface (Ingestion Front Door + admin diagnostics + Prometheus
// exposition). It is the backend's equivalent of cmd/gastrolog/main.go's
// run() function, generalized from one orchestrator+server pair into
// this system's queue/scheduler/stage topology.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"centinela/internal/adminapi"
	"centinela/internal/aicache"
	aicachepg "centinela/internal/aicache/postgres"
	"centinela/internal/aiclient"
	"centinela/internal/aidispatch"
	"centinela/internal/archive"
	archivememory "centinela/internal/archive/memory"
	archives3 "centinela/internal/archive/s3"
	"centinela/internal/auth"
	"centinela/internal/batch"
	"centinela/internal/config"
	configpostgres "centinela/internal/config/postgres"
	"centinela/internal/dispatch"
	"centinela/internal/ingestapi"
	"centinela/internal/ingestworker"
	"centinela/internal/logging"
	"centinela/internal/metrics"
	"centinela/internal/normalize"
	"centinela/internal/notify"
	"centinela/internal/queue"
	"centinela/internal/ratelimit"
	"centinela/internal/rules"
	"centinela/internal/schedule"
	"centinela/internal/store/postgres"
)

// normalizeBatchSize is how many RawEvents the Normalize stage claims
// per pipeline tick (spec §5: "Normalize(500)").
const normalizeBatchSize = 500

// pipelineCron runs the sequential Normalize->Detect->AI-dispatch->
// Batch->Send job once a minute (spec §5: "default every 60 s").
const pipelineCron = "* * * * *"

// archiveCron runs the cold-storage archival job once a day (SPEC_FULL
// §3.P: "a daily job").
const archiveCron = "0 3 * * *"

// Backend owns every long-running component of the backend process.
type Backend struct {
	logger *slog.Logger

	pool *pgxpool.Pool
	rdb  *redis.Client

	scheduler *schedule.Scheduler
	worker    *ingestworker.Worker
	httpSrv   *http.Server
	geo       *normalize.MaxMindGeoIP

	metrics *metrics.Pipeline
}

// New builds every backend component from cfg and wires them together.
// It does not start anything; call Run to begin serving.
func New(ctx context.Context, cfg *config.BackendConfig, logger *slog.Logger) (*Backend, error) {
	logger = logging.Default(logger)

	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisHost + ":" + cfg.RedisPort,
		Password: cfg.RedisPassword,
	})

	store := postgres.New(pool)
	cacheStore := aicachepg.New(pool)
	configStore := configpostgres.New(pool)

	if err := config.Bootstrap(ctx, configStore); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap control-plane config: %w", err)
	}
	if err := seedRateTiers(ctx, cfg, configStore); err != nil {
		pool.Close()
		return nil, fmt.Errorf("seed rate tiers: %w", err)
	}

	metricsPipeline := metrics.NewPipeline()

	q := queue.New(rdb, "ingest")
	worker := ingestworker.New(ingestworker.Config{
		Queue:  q,
		Store:  store,
		Redis:  rdb,
		Logger: logger,
	})

	accelerator := aicache.NewRedisCache(rdb, time.Duration(cfg.AICacheTTLDays)*24*time.Hour, logger)
	cache := aicache.New(aicache.Config{
		Store:       cacheStore,
		TTLDays:     cfg.AICacheTTLDays,
		NewID:       newID,
		Accelerator: accelerator,
	})

	aiClient := aiclient.New(aiclient.Config{
		BaseURL: cfg.ATAOrchestratorURL,
		Cache:   cache,
		Store:   store,
		Logger:  logger,
		NewID:   newID,
	})

	var geo normalize.GeoLookup
	var geoReader *normalize.MaxMindGeoIP
	if cfg.GeoIPDBPath != "" {
		maxmind, err := normalize.OpenMaxMindGeoIP(cfg.GeoIPDBPath)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("open geoip database: %w", err)
		}
		geo = maxmind
		geoReader = maxmind
	}

	normalizer := normalize.New(normalize.Config{
		Store:  store,
		Geo:    geo,
		Logger: logger,
		NewID:  newID,
	})

	rulesEngine := rules.New(rules.Config{
		Store: store,
		Rules: func(ctx context.Context) ([]rules.Rule, error) {
			cfgRules, err := configStore.ListRules(ctx)
			if err != nil {
				return nil, err
			}
			out := make([]rules.Rule, len(cfgRules))
			for i, r := range cfgRules {
				out[i] = rules.FromConfig(r)
			}
			return out, nil
		},
		Logger:   logger,
		NewID:    newID,
		Escalate: true,
	})

	aiStage := aidispatch.New(aidispatch.Config{
		Store:  store,
		Client: aiClient,
		Logger: logger,
	})

	signal := notify.NewSignal()
	batcher := batch.New(batch.Config{
		Store:  store,
		Signal: signal,
		Logger: logger,
		NewID:  newID,
	})

	sender := dispatch.NewSMTPSender(dispatch.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Secure:   cfg.SMTPSecure,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPass,
		From:     cfg.SMTPFrom,
	})
	dispatcher := dispatch.New(dispatch.Config{
		Store:  store,
		Sender: sender,
		Logger: logger,
		NewID:  newID,
	})

	archiveBackend, err := buildArchiveBackend(cfg, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("build archive backend: %w", err)
	}
	archiver := archive.New(archive.Config{
		Store:     store,
		Backend:   archiveBackend,
		Retention: cfg.ArchiveRetention,
		Logger:    logger,
	})

	scheduler, err := schedule.New(logger, func(key string) *schedule.Lease {
		return schedule.NewLease(rdb, key, 30*time.Second)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("build scheduler: %w", err)
	}

	if err := scheduler.AddJob("pipeline", "normalize, detect, ai-dispatch, batch, send", pipelineCron,
		pipelineTask(metricsPipeline, logger, normalizer, rulesEngine, aiStage, batcher, dispatcher)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("register pipeline job: %w", err)
	}
	if err := scheduler.AddJob("archive", "archive and delete aged raw events", archiveCron,
		archiveTask(metricsPipeline, archiver)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("register archive job: %w", err)
	}

	limiter := ratelimit.New(rdb)
	gate := auth.New(configStore, logger)

	ingestAPI := ingestapi.New(ingestapi.Config{
		Queue:       q,
		ConfigStore: configStore,
		Limiter:     limiter,
		Logger:      logger,
	})
	adminAPI := adminapi.New(adminapi.Config{
		Store: store,
		Gate:  gate,
	})

	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Content-Encoding"},
	}))
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Mount("/", ingestAPI.Routes())
	mux.Mount("/v1/admin", adminAPI.Routes())
	mux.Handle("/metrics-prom", metricsPipeline.Handler())

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Backend{
		logger:    logger,
		pool:      pool,
		rdb:       rdb,
		scheduler: scheduler,
		worker:    worker,
		httpSrv:   httpSrv,
		geo:       geoReader,
		metrics:   metricsPipeline,
	}, nil
}

// Run starts the worker pool and HTTP server, and blocks until ctx is
// cancelled, then shuts everything down in reverse order: HTTP server,
// scheduler, worker pool, then the shared pool/client handles.
func (b *Backend) Run(ctx context.Context) error {
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	errCh := make(chan error, 2)
	workerDone := make(chan struct{})

	go func() {
		defer close(workerDone)
		if err := b.worker.Run(ctx); err != nil {
			errCh <- fmt.Errorf("ingest worker: %w", err)
		}
	}()

	go func() {
		b.logger.Info("http server listening", "addr", b.httpSrv.Addr)
		if err := b.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		b.logger.Error("backend component failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b.logger.Info("stopping http server")
	if err := b.httpSrv.Shutdown(shutdownCtx); err != nil {
		b.logger.Error("http server shutdown error", "error", err)
	}

	b.logger.Info("stopping scheduler")
	if err := b.scheduler.Stop(); err != nil {
		b.logger.Error("scheduler stop error", "error", err)
	}

	b.logger.Info("stopping ingest worker")
	cancelRun()
	<-workerDone

	b.pool.Close()
	if err := b.rdb.Close(); err != nil {
		b.logger.Error("redis close error", "error", err)
	}
	if b.geo != nil {
		if err := b.geo.Close(); err != nil {
			b.logger.Error("geoip close error", "error", err)
		}
	}

	b.logger.Info("shutdown complete")
	return nil
}

// seedRateTiers seeds the four reference tiers from process config on
// first boot only: RateTier/PutRateTier round-trips through an
// upsert, so seeding unconditionally on every restart would overwrite
// tier values an operator has since customized through the
// control-plane Store. A tier already present is left alone.
func seedRateTiers(ctx context.Context, cfg *config.BackendConfig, store config.RuleStore) error {
	tiers := map[string]config.RateLimit{
		"free":       {MaxRequests: cfg.RateLimitFree, WindowSeconds: 60},
		"basic":      {MaxRequests: cfg.RateLimitBasic, WindowSeconds: 60},
		"pro":        {MaxRequests: cfg.RateLimitPro, WindowSeconds: 60},
		"enterprise": {MaxRequests: cfg.RateLimitEnterprise, WindowSeconds: 60},
	}
	for tier, limit := range tiers {
		if _, err := store.RateTier(ctx, tier); err == nil {
			continue
		}
		if err := store.PutRateTier(ctx, tier, limit); err != nil {
			return err
		}
	}
	return nil
}

func buildArchiveBackend(cfg *config.BackendConfig, logger *slog.Logger) (archive.Backend, error) {
	switch cfg.ArchiveBackend {
	case "s3":
		factory := archives3.NewFactory()
		return factory(map[string]string{
			archives3.ParamBucket: cfg.ArchiveBucket,
			archives3.ParamRegion: cfg.ArchiveRegion,
			archives3.ParamPrefix: cfg.ArchivePrefix,
		}, logger)
	default:
		factory := archivememory.NewFactory()
		skip := "false"
		if cfg.ArchiveBucket == "" {
			skip = "true"
		}
		return factory(map[string]string{archivememory.ParamSkipWrite: skip}, logger)
	}
}

func newID() string { return uuid.NewString() }
