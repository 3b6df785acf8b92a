package db

import (
	"fmt"

	"github.com/stenoworks/steno/internal/config"
	"github.com/stenoworks/steno/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Session{},
		&models.Message{},
		&models.ActiveSession{},
		&models.Job{},
		&models.DeferredReview{},
		&models.AuditRecord{},
		&models.ProxyService{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedProxyServices upserts ProxyService rows from the watchdog config so
// probe state survives restarts.
func SeedProxyServices(db *gorm.DB, services []config.ProxyService) error {
	for _, svc := range services {
		row := models.ProxyService{
			Name:         svc.Name,
			ProbeURL:     svc.ProbeURL,
			StartCommand: svc.StartCommand,
			Status:       models.ProxyUnknown,
		}
		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"probe_url", "start_command"}),
		}).Create(&row)
		if result.Error != nil {
			return fmt.Errorf("db: seed proxy service %q: %w", svc.Name, result.Error)
		}
	}
	return nil
}
