package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"jmxcluster/pkg/models"
	"jmxcluster/pkg/storage"
)

const maxHistory = 500

var _ storage.AuditStore = (*AuditStore)(nil)

// AuditStore records ownership events in Postgres.
type AuditStore struct {
	db *gorm.DB
}

// NewAuditStore opens the GORM connection and migrates the event table.
func NewAuditStore(connString string) (*AuditStore, error) {
	config := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	}

	db, err := gorm.Open(postgres.Open(connString), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&models.OwnershipEvent{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return &AuditStore{db: db}, nil
}

func (s *AuditStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record persists one event.
func (s *AuditStore) Record(ctx context.Context, event *models.OwnershipEvent) error {
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// History returns the latest events of a target, newest first.
func (s *AuditStore) History(ctx context.Context, target string, limit int) ([]models.OwnershipEvent, error) {
	if limit <= 0 || limit > maxHistory {
		limit = maxHistory
	}

	var events []models.OwnershipEvent
	// SELECT * FROM ownership_events WHERE target = ? ORDER BY occurred_at DESC LIMIT ?
	result := s.db.WithContext(ctx).
		Where("target = ?", target).
		Order("occurred_at desc").
		Limit(limit).
		Find(&events)

	if result.Error != nil {
		return nil, fmt.Errorf("failed to list history: %w", result.Error)
	}
	return events, nil
}

// LastGained returns the latest OWNERSHIP_GAINED event of a target.
func (s *AuditStore) LastGained(ctx context.Context, target string) (*models.OwnershipEvent, error) {
	var event models.OwnershipEvent
	result := s.db.WithContext(ctx).
		Where("target = ? AND kind = ?", target, models.EventOwnershipGained).
		Order("occurred_at desc").
		First(&event)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &event, nil
}
