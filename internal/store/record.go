package store

import (
	"time"

	"github.com/google/uuid"

	"tokend/internal/token"
)

// record is the JSON wire shape shared by backends that serialize whole
// token records (Redis payloads, Postgres jsonb columns).
type record struct {
	ID          uuid.UUID        `json:"id"`
	Type        string           `json:"token_type"`
	Resources   []token.Resource `json:"resources"`
	CreatedAt   int64            `json:"created_at"`
	ExpiresAt   int64            `json:"expires_at"`
	MaxUses     int              `json:"max_uses"`
	CurrentUses int              `json:"current_uses"`
	UsageLog    []int64          `json:"usage_log,omitempty"`
	Revoked     bool             `json:"revoked"`
	ExpiredAt   *int64           `json:"expired_at,omitempty"`
	Version     uint64           `json:"version"`
}

func encodeRecord(tok token.Token) record {
	rec := record{
		ID:          tok.ID,
		Type:        tok.Type,
		Resources:   tok.Resources,
		CreatedAt:   tok.CreatedAt.Unix(),
		ExpiresAt:   tok.ExpiresAt.Unix(),
		MaxUses:     tok.MaxUses,
		CurrentUses: tok.CurrentUses,
		Revoked:     tok.Revoked,
		Version:     tok.Version,
	}
	for _, ts := range tok.UsageLog {
		rec.UsageLog = append(rec.UsageLog, ts.Unix())
	}
	if tok.ExpiredAt != nil {
		unix := tok.ExpiredAt.Unix()
		rec.ExpiredAt = &unix
	}
	return rec
}

func (r record) toToken() token.Token {
	tok := token.Token{
		ID:          r.ID,
		Type:        r.Type,
		Resources:   r.Resources,
		CreatedAt:   time.Unix(r.CreatedAt, 0).UTC(),
		ExpiresAt:   time.Unix(r.ExpiresAt, 0).UTC(),
		MaxUses:     r.MaxUses,
		CurrentUses: r.CurrentUses,
		Revoked:     r.Revoked,
		Version:     r.Version,
	}
	for _, unix := range r.UsageLog {
		tok.UsageLog = append(tok.UsageLog, time.Unix(unix, 0).UTC())
	}
	if r.ExpiredAt != nil {
		ts := time.Unix(*r.ExpiredAt, 0).UTC()
		tok.ExpiredAt = &ts
	}
	return tok
}
