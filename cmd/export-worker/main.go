package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/chronica-ai/timeline/pkg/common/config"
	"github.com/chronica-ai/timeline/pkg/common/kafka"
	"github.com/chronica-ai/timeline/pkg/common/logger"
	"github.com/chronica-ai/timeline/pkg/export"
)

func main() {
	logger.Init("export-worker")
	cfg := config.Load()

	consumer := kafka.NewConsumer("timeline-export", cfg.KafkaGroupID)
	defer consumer.Close()

	worker := export.NewWorker(consumer, cfg.ExportDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		logger.Log.WithField("dir", cfg.ExportDir).Info("Export Worker started")
		done <- worker.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Log.Info("Shutting down Export Worker...")
		cancel()
		<-done
	case err := <-done:
		if err != nil && err != context.Canceled {
			logger.Log.WithError(err).Error("export worker stopped")
		}
	}

	logger.Log.Info("Export Worker stopped")
}
