package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chronica-ai/timeline/pkg/adjudication"
	"github.com/chronica-ai/timeline/pkg/common/config"
	"github.com/chronica-ai/timeline/pkg/common/database"
	"github.com/chronica-ai/timeline/pkg/common/kafka"
	"github.com/chronica-ai/timeline/pkg/common/logger"
	"github.com/chronica-ai/timeline/pkg/episode"
	"github.com/chronica-ai/timeline/pkg/export"
	"github.com/chronica-ai/timeline/pkg/extraction"
	"github.com/chronica-ai/timeline/pkg/gaps"
	"github.com/chronica-ai/timeline/pkg/monitor"
	"github.com/chronica-ai/timeline/pkg/observability/metrics"
	"github.com/chronica-ai/timeline/pkg/pipeline"
	"github.com/chronica-ai/timeline/pkg/policy"
	"github.com/chronica-ai/timeline/pkg/review"
	"github.com/chronica-ai/timeline/pkg/timeline"
	"github.com/chronica-ai/timeline/pkg/warehouse"
	"github.com/gorilla/mux"
)

func main() {
	logger.Init("timeline-service")
	cfg := config.Load()

	// An invalid policy must stop the service before any patient is touched.
	pol, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("invalid extraction policy")
	}

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}

	eventRepo := timeline.NewRepository(db)
	gapRepo := gaps.NewRepository(db)
	adjRepo := adjudication.NewRepository(db)
	decisionRepo := review.NewRepository(db)
	for name, migrate := range map[string]func() error{
		"timeline_events":      eventRepo.AutoMigrate,
		"extraction_gaps":      gapRepo.AutoMigrate,
		"adjudication_records": adjRepo.AutoMigrate,
		"review_decisions":     decisionRepo.AutoMigrate,
	} {
		if err := migrate(); err != nil {
			logger.Log.WithError(err).WithField("table", name).Fatal("failed to migrate tables")
		}
	}

	providers := []warehouse.Provider{
		warehouse.NewTableProvider(db, "procedures", "warehouse_procedures", "patient_id"),
		warehouse.NewTableProvider(db, "scheduling", "warehouse_appointments", "patient_id"),
		warehouse.NewTableProvider(db, "treatment_plans", "warehouse_treatment_plans", "patient_id"),
		warehouse.NewTableProvider(db, "documents", "warehouse_documents", "patient_id"),
	}
	if cfg.WarehouseBaseURL != "" {
		providers = []warehouse.Provider{
			warehouse.NewHTTPProvider(cfg, "procedures", "/api/v1/procedures"),
			warehouse.NewHTTPProvider(cfg, "scheduling", "/api/v1/appointments"),
			warehouse.NewHTTPProvider(cfg, "treatment_plans", "/api/v1/treatment-plans"),
			warehouse.NewHTTPProvider(cfg, "documents", "/api/v1/documents"),
		}
	}

	normalizer := timeline.NewNormalizer(
		timeline.ProcedureAdapter{},
		timeline.SchedulingAdapter{},
		timeline.TreatmentPlanAdapter{},
		timeline.DocumentAdapter{},
	)

	oracle := extraction.NewHTTPOracle(cfg)
	cache := extraction.NewDocumentCache(database.GetRedis(), cfg.DocumentCacheTTL)
	extractor := extraction.NewCachingExtractor(
		extraction.NewHTTPTextExtractor(cfg.DocExtractorBaseURL, cfg.CollaboratorTimeout),
		cache,
	)

	producer := kafka.NewProducer("timeline-export")
	defer producer.Close()
	dlqProducer := kafka.NewProducer("timeline-export-dlq")
	defer dlqProducer.Close()

	runner := pipeline.NewRunner(pipeline.RunnerOptions{
		Providers:   providers,
		Normalizer:  normalizer,
		Builder:     timeline.NewBuilder(pol.DedupSimilarity),
		Clusterer:   episode.NewClusterer(pol.RequiredFields()),
		Identifier:  gaps.NewIdentifier(pol),
		Adjudicator: adjudication.New(pol),
		Monitor:     monitor.New(pol),
		NewTiers: func() *extraction.TierManager {
			return extraction.NewTierManager(extraction.TierManagerOptions{
				Policy:         pol,
				Oracle:         oracle,
				Extractor:      extractor,
				Updater:        eventRepo,
				RetryAttempts:  cfg.RetryAttempts,
				RetryBaseDelay: cfg.RetryBaseDelay,
			})
		},
		Policy:        pol,
		Events:        eventRepo,
		Gaps:          gapRepo,
		Adjudications: adjRepo,
		Sink:          export.NewKafkaSink(producer, dlqProducer, "timeline-service"),
		MaxConcurrent: cfg.MaxConcurrentPatients,
	})

	handler := pipeline.NewHTTPHandler(runner, eventRepo, gapRepo, adjRepo, decisionRepo)

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w)
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	handler.Register(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Timeline Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Timeline Service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	if err := database.ClosePostgres(); err != nil {
		logger.Log.WithError(err).Warn("failed to close postgres")
	}
	if err := database.CloseRedis(); err != nil {
		logger.Log.WithError(err).Warn("failed to close redis")
	}
	logger.Log.Info("Timeline Service stopped")
}
