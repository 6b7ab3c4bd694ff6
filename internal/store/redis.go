package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tokend/internal/token"
)

const redisKeyPrefix = "token:"

// Redis stores token records as JSON under prefixed keys. Atomicity for
// Update comes from WATCH: a concurrent write between the read and the
// transactional write fails the transaction, surfaced as ErrConflict.
type Redis struct {
	client redis.UniversalClient

	// retention pads the key TTL past the token's expiry so swept-but-
	// retained records survive for ListExpired. The sweep remains the
	// authority for actual deletion; the TTL is a backstop against
	// records orphaned by a sweeper outage.
	retention time.Duration
}

var _ Store = (*Redis)(nil)

func NewRedis(client redis.UniversalClient, retention time.Duration) *Redis {
	return &Redis{client: client, retention: retention}
}

func redisKey(id uuid.UUID) string {
	return redisKeyPrefix + id.String()
}

func (s *Redis) Put(ctx context.Context, tok token.Token) error {
	tok.Version++
	payload, err := json.Marshal(encodeRecord(tok))
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}

	ttl := time.Until(tok.ExpiresAt) + s.retention
	if ttl <= 0 {
		ttl = s.retention
	}
	if err := s.client.Set(ctx, redisKey(tok.ID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Redis) Get(ctx context.Context, id uuid.UUID) (token.Token, error) {
	data, err := s.client.Get(ctx, redisKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return token.Token{}, ErrNotFound
		}
		return token.Token{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return decodeToken(data)
}

func (s *Redis) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.client.Del(ctx, redisKey(id)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Redis) Scan(ctx context.Context) ([]token.Token, error) {
	var out []token.Token

	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			// Key expired between SCAN and GET.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		tok, err := decodeToken(data)
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

func (s *Redis) Update(ctx context.Context, id uuid.UUID, fn Mutator) (token.Token, error) {
	key := redisKey(id)
	var out token.Token

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		tok, err := decodeToken(data)
		if err != nil {
			return err
		}

		updated, err := fn(tok)
		if err != nil {
			return err
		}
		updated.ID = id
		updated.Version = tok.Version + 1

		payload, err := json.Marshal(encodeRecord(updated))
		if err != nil {
			return fmt.Errorf("encode token: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, redis.KeepTTL)
			return nil
		})
		if err != nil {
			return err
		}
		out = updated
		return nil
	}, key)

	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, redis.TxFailedErr):
		return token.Token{}, ErrConflict
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnavailable):
		return token.Token{}, err
	default:
		return token.Token{}, err
	}
}

func decodeToken(data []byte) (token.Token, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return token.Token{}, fmt.Errorf("decode token: %w", err)
	}
	return rec.toToken(), nil
}
