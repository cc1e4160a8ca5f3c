package database

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens a database connection. DSNs beginning with "sqlite://" use
// the SQLite driver (local runs and tests); everything else is PostgreSQL.
func Connect(dsn string, logLevel logger.LogLevel) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	}

	var (
		db  *gorm.DB
		err error
	)
	if path, ok := strings.CutPrefix(dsn, "sqlite://"); ok {
		db, err = gorm.Open(sqlite.Open(path), cfg)
	} else {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Println("Database connection established")
	return db, nil
}

// AutoMigrate runs database migrations
func AutoMigrate(db *gorm.DB) error {
	log.Println("Running database migrations...")

	err := db.AutoMigrate(
		&TestCaseRun{},
		&TestCaseImpact{},
		&ImpactHistory{},
		&APIKeySettings{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Println("Database migrations completed successfully")
	return nil
}

// GetAPIKeySettings returns the stored admin credentials, or nil when no
// credentials have been persisted yet
func GetAPIKeySettings(db *gorm.DB) (*APIKeySettings, error) {
	var settings APIKeySettings
	err := db.First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

// SaveAPIKeySettings persists the admin password hash, replacing any
// previously stored hash
func SaveAPIKeySettings(db *gorm.DB, passwordHash string) error {
	existing, err := GetAPIKeySettings(db)
	if err != nil {
		return err
	}
	if existing == nil {
		return db.Create(&APIKeySettings{PasswordHash: passwordHash}).Error
	}
	return db.Model(existing).Update("password_hash", passwordHash).Error
}

// Close closes the underlying database connection
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
