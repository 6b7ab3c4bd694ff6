// Package audit persists a durable trail of administrative token actions:
// who issued or revoked which token, and what its state was at the time.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	ActionIssued  = "token_issued"
	ActionRevoked = "token_revoked"
)

type entry struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	TokenID string            `gorm:"type:text;index"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (entry) TableName() string { return "token_audit" }

// Recorder writes audit entries through GORM. The table is created by the
// store migrations.
type Recorder struct {
	db *gorm.DB
}

func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// Open establishes a PostgreSQL backed GORM session for audit writes.
func Open(dsn string) (*gorm.DB, error) {
	database, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := database.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetMaxOpenConns(5)
	sqlDB.SetMaxIdleConns(2)

	return database, nil
}

// Close releases the underlying sql.DB resources.
func Close(database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record appends one audit entry.
func (r *Recorder) Record(ctx context.Context, actor, action string, tokenID uuid.UUID, details map[string]any) error {
	e := entry{
		Actor:   actor,
		Action:  action,
		TokenID: tokenID.String(),
		Details: datatypes.JSONMap(details),
	}
	return r.db.WithContext(ctx).Create(&e).Error
}
