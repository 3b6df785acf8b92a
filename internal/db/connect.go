// Package db opens and migrates the shared document store.
package db

import (
	"fmt"

	"github.com/stenoworks/steno/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DSN builds a MySQL DSN from store settings.
func DSN(cfg config.StoreConfig) string {
	cred := cfg.User
	if cfg.Password != "" {
		cred += ":" + cfg.Password
	}
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?parseTime=true", cred, cfg.Host, cfg.Port, cfg.Database)
}

// Connect opens a GORM connection to the configured store. SQLite is used
// when sqlite_path is set; otherwise MySQL. Multiple deployments may point
// at the same MySQL database; runtime scoping keeps their data disjoint.
func Connect(cfg config.StoreConfig) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if cfg.SQLitePath != "" {
		d, err := gorm.Open(sqlite.Open(cfg.SQLitePath), gcfg)
		if err != nil {
			return nil, fmt.Errorf("db: open sqlite %s: %w", cfg.SQLitePath, err)
		}
		return d, nil
	}

	d, err := gorm.Open(mysql.Open(DSN(cfg)), gcfg)
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
	}
	return d, nil
}
