package db

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"spacegate/internal/models"
)

// Open opens (or creates) the sqlite database at path and migrates the
// schema. The bot and the web server open the same file; WAL plus the busy
// timeout let the two processes interleave transactions without immediate
// SQLITE_BUSY failures.
func Open(path string) (*gorm.DB, error) {
	conn, err := gorm.Open(sqlite.Open(path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// SQLite works best with a single writer per process; cap the pool.
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := conn.AutoMigrate(
		&models.Account{},
		&models.ChatUser{},
		&models.ProcessedEvent{},
		&models.SyncCursor{},
	); err != nil {
		return nil, err
	}

	return conn, nil
}
