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
	"github.com/chronica-ai/timeline/pkg/common/logger"
	"github.com/chronica-ai/timeline/pkg/extraction"
	"github.com/chronica-ai/timeline/pkg/gaps"
	"github.com/chronica-ai/timeline/pkg/observability/metrics"
	"github.com/chronica-ai/timeline/pkg/policy"
	"github.com/chronica-ai/timeline/pkg/review"
	"github.com/gorilla/mux"
)

func main() {
	logger.Init("review-service")
	cfg := config.Load()

	pol, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("invalid extraction policy")
	}

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}

	gapRepo := gaps.NewRepository(db)
	decisionRepo := review.NewRepository(db)
	if err := gapRepo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate gap tables")
	}
	if err := decisionRepo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate decision tables")
	}

	// Extraction happens in the timeline service. Reopened gaps go back to
	// PENDING in storage and are picked up on the patient's next run, so no
	// tier manager is wired here.
	handler := review.NewHTTPHandler(
		decisionRepo,
		gapRepo,
		nil,
		extraction.NewHTTPOracle(cfg),
		adjudication.New(pol),
	)

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
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, "8082"),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": "8082",
		}).Info("Review Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Review Service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	if err := database.ClosePostgres(); err != nil {
		logger.Log.WithError(err).Warn("failed to close postgres")
	}
	logger.Log.Info("Review Service stopped")
}
