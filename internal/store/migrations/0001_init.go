package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Token struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	TokenType   string         `gorm:"type:text;not null;index"`
	Resources   datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time      `gorm:"type:timestamptz;not null"`
	ExpiresAt   time.Time      `gorm:"type:timestamptz;not null;index"`
	MaxUses     int            `gorm:"type:integer;not null"`
	CurrentUses int            `gorm:"type:integer;not null;default:0"`
	UsageLog    datatypes.JSON `gorm:"type:jsonb"`
	Revoked     bool           `gorm:"type:boolean;not null;default:false"`
	ExpiredAt   *time.Time     `gorm:"type:timestamptz;index"`
	Version     int64          `gorm:"type:bigint;not null;default:0"`
}

func (Token) TableName() string { return "tokens" }

type Audit struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	TokenID string            `gorm:"type:text;index"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Audit) TableName() string { return "token_audit" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(
		&Token{},
		&Audit{},
	)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&Audit{},
		&Token{},
	)
}
