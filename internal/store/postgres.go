package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	_ "tokend/internal/store/migrations"
	"tokend/internal/token"
)

// defaultTimeout bounds every statement so a hung database surfaces as
// ErrUnavailable instead of blocking the redemption hot path.
const defaultTimeout = 5 * time.Second

// Postgres stores token records in a versioned table. Update relies on a
// conditional write (WHERE version = seen), so a concurrent writer bumps
// the version out from under us and the statement affects zero rows.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Open creates a pgx connection pool for dsn and verifies connectivity.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	// Prefer simple protocol for compatibility with tools like goose.
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// Migrate runs all embedded migrations against the provided pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("nil pool provided")
	}

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	sqlDB, err := goose.OpenDBWithDriver("pgx", pool.Config().ConnConfig.ConnString())
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	return goose.UpContext(ctx, sqlDB, "migrations")
}

type tokenRow struct {
	ID          uuid.UUID  `db:"id"`
	TokenType   string     `db:"token_type"`
	Resources   []byte     `db:"resources"`
	CreatedAt   time.Time  `db:"created_at"`
	ExpiresAt   time.Time  `db:"expires_at"`
	MaxUses     int        `db:"max_uses"`
	CurrentUses int        `db:"current_uses"`
	UsageLog    []byte     `db:"usage_log"`
	Revoked     bool       `db:"revoked"`
	ExpiredAt   *time.Time `db:"expired_at"`
	Version     int64      `db:"version"`
}

func (r tokenRow) toToken() (token.Token, error) {
	tok := token.Token{
		ID:          r.ID,
		Type:        r.TokenType,
		CreatedAt:   r.CreatedAt.UTC(),
		ExpiresAt:   r.ExpiresAt.UTC(),
		MaxUses:     r.MaxUses,
		CurrentUses: r.CurrentUses,
		Revoked:     r.Revoked,
		Version:     uint64(r.Version),
	}
	if r.ExpiredAt != nil {
		ts := r.ExpiredAt.UTC()
		tok.ExpiredAt = &ts
	}
	if len(r.Resources) > 0 {
		if err := json.Unmarshal(r.Resources, &tok.Resources); err != nil {
			return token.Token{}, fmt.Errorf("decode resources: %w", err)
		}
	}
	if len(r.UsageLog) > 0 {
		var unix []int64
		if err := json.Unmarshal(r.UsageLog, &unix); err != nil {
			return token.Token{}, fmt.Errorf("decode usage log: %w", err)
		}
		for _, ts := range unix {
			tok.UsageLog = append(tok.UsageLog, time.Unix(ts, 0).UTC())
		}
	}
	return tok, nil
}

func encodeColumns(tok token.Token) (resources, usageLog []byte, err error) {
	resources, err = json.Marshal(tok.Resources)
	if err != nil {
		return nil, nil, fmt.Errorf("encode resources: %w", err)
	}
	unix := make([]int64, 0, len(tok.UsageLog))
	for _, ts := range tok.UsageLog {
		unix = append(unix, ts.Unix())
	}
	usageLog, err = json.Marshal(unix)
	if err != nil {
		return nil, nil, fmt.Errorf("encode usage log: %w", err)
	}
	return resources, usageLog, nil
}

const tokenColumns = `id, token_type, resources, created_at, expires_at, max_uses, current_uses, usage_log, revoked, expired_at, version`

func (s *Postgres) Put(ctx context.Context, tok token.Token) error {
	resources, usageLog, err := encodeColumns(tok)
	if err != nil {
		return err
	}

	query := `
        INSERT INTO tokens (id, token_type, resources, created_at, expires_at, max_uses, current_uses, usage_log, revoked, expired_at, version)
        VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7, $8::jsonb, $9, $10, 1)
        ON CONFLICT (id) DO UPDATE SET
            token_type = EXCLUDED.token_type,
            resources = EXCLUDED.resources,
            expires_at = EXCLUDED.expires_at,
            max_uses = EXCLUDED.max_uses,
            current_uses = EXCLUDED.current_uses,
            usage_log = EXCLUDED.usage_log,
            revoked = EXCLUDED.revoked,
            expired_at = EXCLUDED.expired_at,
            version = tokens.version + 1;
    `

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if _, err := s.pool.Exec(ctx, query,
		tok.ID, tok.Type, string(resources), tok.CreatedAt.UTC(), tok.ExpiresAt.UTC(),
		tok.MaxUses, tok.CurrentUses, string(usageLog), tok.Revoked, tok.ExpiredAt,
	); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, id uuid.UUID) (token.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var row tokenRow
	err := pgxscan.Get(ctx, s.pool, &row, `SELECT `+tokenColumns+` FROM tokens WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return token.Token{}, ErrNotFound
		}
		return token.Token{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return row.toToken()
}

func (s *Postgres) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if _, err := s.pool.Exec(ctx, `DELETE FROM tokens WHERE id = $1`, id); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Postgres) Scan(ctx context.Context) ([]token.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var rows []tokenRow
	if err := pgxscan.Select(ctx, s.pool, &rows, `SELECT `+tokenColumns+` FROM tokens`); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	out := make([]token.Token, 0, len(rows))
	for _, row := range rows {
		tok, err := row.toToken()
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, nil
}

func (s *Postgres) Update(ctx context.Context, id uuid.UUID, fn Mutator) (token.Token, error) {
	tok, err := s.Get(ctx, id)
	if err != nil {
		return token.Token{}, err
	}
	seen := tok.Version

	updated, err := fn(tok)
	if err != nil {
		return token.Token{}, err
	}
	updated.ID = id

	resources, usageLog, err := encodeColumns(updated)
	if err != nil {
		return token.Token{}, err
	}

	query := `
        UPDATE tokens
        SET resources = $3::jsonb, expires_at = $4, max_uses = $5, current_uses = $6,
            usage_log = $7::jsonb, revoked = $8, expired_at = $9, version = version + 1
        WHERE id = $1 AND version = $2;
    `

	writeCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	tag, err := s.pool.Exec(writeCtx, query,
		id, int64(seen), string(resources), updated.ExpiresAt.UTC(),
		updated.MaxUses, updated.CurrentUses, string(usageLog), updated.Revoked, updated.ExpiredAt,
	)
	if err != nil {
		return token.Token{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		// Either a concurrent writer bumped the version or the record
		// was purged between the read and the write.
		if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return token.Token{}, ErrNotFound
		}
		return token.Token{}, ErrConflict
	}

	updated.Version = seen + 1
	return updated, nil
}
