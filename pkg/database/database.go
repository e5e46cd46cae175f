package database

import (
	"b3cifuzz/config"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// NewDBConnection opens the results database. It returns nil when no
// DATABASE_URL is configured, which disables the SQL sink.
func NewDBConnection(appConfig *config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	if appConfig.DatabaseURL == "" {
		logger.Debug("DATABASE_URL not set, sql sink disabled")
		return nil, nil
	}
	db, err := gorm.Open(postgres.Open(appConfig.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Warn("failed to connect database, sql sink disabled", zap.Error(err))
		return nil, nil
	}
	if err := db.AutoMigrate(&Bug{}, &Run{}); err != nil {
		logger.Warn("failed to migrate result tables, sql sink disabled", zap.Error(err))
		return nil, nil
	}
	logger.Debug("connected to database")
	return db, nil
}
