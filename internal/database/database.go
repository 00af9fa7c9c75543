package database

import (
	"errors"
	"fmt"

	"council-trade-bot/internal/apperr"
	"council-trade-bot/internal/config"
	"council-trade-bot/internal/ladder"
	"council-trade-bot/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// NewDatabase opens the configured database and migrates the schema. The
// ladder is seeded at its initial state on first run.
func NewDatabase(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Database.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.Database.DSN)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("%w: unsupported database driver %q", apperr.ErrConfiguration, cfg.Database.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to database: %v", apperr.ErrPersistence, err)
	}

	if cfg.Database.Driver != "postgres" {
		// One writer at a time keeps SQLite from returning SQLITE_BUSY under
		// concurrent jobs.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := AutoMigrate(db, ladder.Initial(cfg.Ladder)); err != nil {
		return nil, err
	}
	return db, nil
}

// AutoMigrate creates or updates the tables and seeds the singleton rows.
// Existing data is kept so a restart resumes PENDING trades.
func AutoMigrate(db *gorm.DB, initial ladder.State) error {
	if err := db.AutoMigrate(
		&models.Signal{},
		&models.Trade{},
		&models.Level{},
		&models.ModulePerformance{},
		&models.BotControl{},
	); err != nil {
		return fmt.Errorf("%w: failed to auto-migrate database: %v", apperr.ErrPersistence, err)
	}

	if err := db.FirstOrCreate(&models.BotControl{ID: 1}).Error; err != nil {
		return fmt.Errorf("%w: failed to seed bot control: %v", apperr.ErrPersistence, err)
	}

	var last models.Level
	err := db.Order("id DESC").First(&last).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row := levelRow(initial, "INIT", nil, 0, nowUTC())
		if err := db.Create(&row).Error; err != nil {
			return fmt.Errorf("%w: failed to seed ladder: %v", apperr.ErrPersistence, err)
		}
	case err != nil:
		return fmt.Errorf("%w: failed to read ladder: %v", apperr.ErrPersistence, err)
	}
	return nil
}
