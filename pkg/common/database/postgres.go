package database

import (
	"fmt"
	"sync"
	"time"

	"github.com/chronica-ai/timeline/pkg/common/config"
	"github.com/chronica-ai/timeline/pkg/common/logger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	db     *gorm.DB
	dbOnce sync.Once
)

func GetPostgres() (*gorm.DB, error) {
	var err error
	dbOnce.Do(func() {
		cfg := config.Load()
		dsn := fmt.Sprintf(
			"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
			cfg.PostgresHost,
			cfg.PostgresUser,
			cfg.PostgresPassword,
			cfg.PostgresDB,
			cfg.PostgresPort,
			cfg.PostgresSSLMode,
		)

		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			logger.Log.WithError(err).Error("Failed to connect to PostgreSQL")
			return
		}

		// The pipeline fans out per patient; every concurrent run touches the
		// event, gap, adjudication and decision tables through this pool.
		sqlDB, derr := db.DB()
		if derr != nil {
			err = derr
			logger.Log.WithError(derr).Error("Failed to access PostgreSQL pool")
			return
		}
		sqlDB.SetMaxOpenConns(cfg.PostgresMaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.PostgresMaxIdleConns)
		sqlDB.SetConnMaxLifetime(time.Hour)

		logger.Log.WithFields(map[string]interface{}{
			"max_open_conns": cfg.PostgresMaxOpenConns,
			"max_idle_conns": cfg.PostgresMaxIdleConns,
		}).Info("Connected to PostgreSQL")
	})

	return db, err
}

func ClosePostgres() error {
	if db != nil {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}
