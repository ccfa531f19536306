package storage

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenGorm returns a gorm handle over the DB's pool and installs plugins on
// it. Entity writes made through the handle fire the plugins' callbacks.
func (db *DB) OpenGorm(plugins ...gorm.Plugin) (*gorm.DB, error) {
	sqlDB := stdlib.OpenDBFromPool(db.pool)

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open gorm: %w", err)
	}
	for _, p := range plugins {
		if err := gdb.Use(p); err != nil {
			return nil, fmt.Errorf("storage: install gorm plugin %s: %w", p.Name(), err)
		}
	}
	db.logger.Debug("storage: gorm handle ready", "plugins", len(plugins))
	return gdb, nil
}
