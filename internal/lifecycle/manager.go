// Package lifecycle orchestrates the token state machine: issuance,
// redemption, revocation, and the retention sweep. A token moves from
// Active to exactly one of Exhausted, Expired, or Revoked (first observer
// wins, recorded once in ExpiredAt) and is purged only by the sweep.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tokend/internal/audit"
	"tokend/internal/store"
	"tokend/internal/token"
	"tokend/pkg/bus"
)

const (
	// redeemAttempts bounds optimistic-concurrency retries on the hot
	// path before the conflict is surfaced.
	redeemAttempts = 3
	// revokeAttempts is higher: a revoke that appears to fail must not
	// leave the token usable, so we try harder before giving up.
	revokeAttempts = 6

	retryBackoff = 10 * time.Millisecond
)

// Publisher emits lifecycle events. Implemented by bus.Bus.
type Publisher interface {
	Publish(ctx context.Context, subj string, ev bus.Event) error
}

// Auditor records administrative actions. Implemented by audit.Recorder.
type Auditor interface {
	Record(ctx context.Context, actor, action string, tokenID uuid.UUID, details map[string]any) error
}

// Config carries the manager's collaborators and policy knobs.
type Config struct {
	Policies  token.PolicySet
	Detector  token.Detector
	Retention time.Duration
	// UnlimitedTTL substitutes for an explicit TTL override of zero,
	// which the auth gateway uses to mean "no limit".
	UnlimitedTTL time.Duration
	Publisher    Publisher
	Auditor      Auditor
	Logger       zerolog.Logger
	Now          func() time.Time
}

// Manager coordinates all token mutation through the store's atomic
// compare-and-update. It takes no global lock; the only contended resource
// is an individual token record.
type Manager struct {
	store        store.Store
	policies     token.PolicySet
	detector     token.Detector
	retention    time.Duration
	unlimitedTTL time.Duration
	publisher    Publisher
	auditor      Auditor
	logger       zerolog.Logger
	now          func() time.Time
}

// New validates cfg and builds a Manager.
func New(st store.Store, cfg Config) (*Manager, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if len(cfg.Policies) == 0 {
		cfg.Policies = token.DefaultPolicies()
	}
	if err := cfg.Policies.Validate(); err != nil {
		return nil, err
	}
	if cfg.Detector == (token.Detector{}) {
		cfg.Detector = token.DefaultDetector()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.UnlimitedTTL <= 0 {
		cfg.UnlimitedTTL = 365 * 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Manager{
		store:        st,
		policies:     cfg.Policies,
		detector:     cfg.Detector,
		retention:    cfg.Retention,
		unlimitedTTL: cfg.UnlimitedTTL,
		publisher:    cfg.Publisher,
		auditor:      cfg.Auditor,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}, nil
}

// Retention returns the configured retention window for terminal records.
func (m *Manager) Retention() time.Duration { return m.retention }

// Detector returns the anomaly detector shared with the query service.
func (m *Manager) Detector() token.Detector { return m.detector }

// IssueRequest describes a new token. TTL and MaxUses override the type's
// policy defaults when set; a TTL override of zero duration requests the
// unlimited lifetime.
type IssueRequest struct {
	Type      string
	Resources []token.Resource
	TTL       *time.Duration
	MaxUses   *int
	Actor     string
}

// Issue creates and stores a new token record.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (token.Token, error) {
	policy, ok := m.policies.Lookup(req.Type)
	if !ok {
		return token.Token{}, fmt.Errorf("%w: unknown token type %q", token.ErrInvalidRequest, req.Type)
	}
	if len(req.Resources) == 0 {
		return token.Token{}, fmt.Errorf("%w: at least one resource is required", token.ErrInvalidRequest)
	}
	for _, res := range req.Resources {
		switch res.Level {
		case token.LevelStudy, token.LevelSeries, token.LevelInstance:
		default:
			return token.Token{}, fmt.Errorf("%w: unknown resource level %q", token.ErrInvalidRequest, res.Level)
		}
		if res.DicomUID == "" && res.OrthancID == "" {
			return token.Token{}, fmt.Errorf("%w: resource needs a dicom_uid or orthanc_id", token.ErrInvalidRequest)
		}
	}

	ttl := policy.TTL
	if req.TTL != nil {
		ttl = *req.TTL
		if ttl == 0 {
			ttl = m.unlimitedTTL
		}
		if ttl < 0 {
			return token.Token{}, fmt.Errorf("%w: ttl must not be negative", token.ErrInvalidRequest)
		}
	}
	maxUses := policy.MaxUses
	if req.MaxUses != nil {
		if *req.MaxUses <= 0 {
			return token.Token{}, fmt.Errorf("%w: max_uses must be positive", token.ErrInvalidRequest)
		}
		maxUses = *req.MaxUses
	}

	now := m.now().UTC()
	tok := token.Token{
		ID:        uuid.New(),
		Type:      req.Type,
		Resources: append([]token.Resource(nil), req.Resources...),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		MaxUses:   maxUses,
	}

	if err := m.store.Put(ctx, tok); err != nil {
		return token.Token{}, err
	}

	issuedTotal.WithLabelValues(tok.Type).Inc()
	m.publish(ctx, bus.SubjectIssued, bus.Event{
		TokenID:   tok.ID.String(),
		TokenType: tok.Type,
		MaxUses:   tok.MaxUses,
		Actor:     req.Actor,
		At:        now,
	})
	m.audit(ctx, req.Actor, audit.ActionIssued, tok.ID, map[string]any{
		"token_type": tok.Type,
		"max_uses":   tok.MaxUses,
		"expires_at": tok.ExpiresAt.Unix(),
	})

	return tok, nil
}

// Get returns the stored record for id without consuming quota.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (token.Token, error) {
	return m.store.Get(ctx, id)
}

// RedemptionResult reports the post-increment state of a granted redemption.
type RedemptionResult struct {
	Token            token.Token
	RemainingUses    int
	RemainingSeconds int64
	Suspicious       bool
}

// Redeem consumes one unit of the token's quota. Invalid tokens get their
// ExpiredAt stamped on first observation and fail with InvalidError; the
// stamp persists even though the redemption is denied. Exactly one of two
// racing redemptions that would cross MaxUses succeeds.
func (m *Manager) Redeem(ctx context.Context, id uuid.UUID) (RedemptionResult, error) {
	now := m.now().UTC()

	var invalid *token.InvalidError
	updated, err := m.updateWithRetry(ctx, id, redeemAttempts, func(tok token.Token) (token.Token, error) {
		invalid = nil
		if ev := token.Evaluate(tok, now); !ev.Valid {
			invalid = &token.InvalidError{Reason: token.InvalidReason(tok, now)}
			tok.StampExpired(now)
			return tok, nil
		}
		tok.RecordUse(now)
		return tok, nil
	})
	if err != nil {
		redemptionsTotal.WithLabelValues(outcomeError).Inc()
		return RedemptionResult{}, err
	}
	if invalid != nil {
		redemptionsTotal.WithLabelValues(string(invalid.Reason)).Inc()
		return RedemptionResult{}, invalid
	}

	ev := token.Evaluate(updated, now)
	suspicious := m.detector.Suspicious(updated, now)

	redemptionsTotal.WithLabelValues(outcomeGranted).Inc()
	m.publish(ctx, bus.SubjectRedeemed, bus.Event{
		TokenID:     updated.ID.String(),
		TokenType:   updated.Type,
		CurrentUses: updated.CurrentUses,
		MaxUses:     updated.MaxUses,
		Suspicious:  suspicious,
		At:          now,
	})
	if suspicious {
		suspiciousTotal.Inc()
		m.publish(ctx, bus.SubjectSuspicious, bus.Event{
			TokenID:     updated.ID.String(),
			TokenType:   updated.Type,
			CurrentUses: updated.CurrentUses,
			MaxUses:     updated.MaxUses,
			Suspicious:  true,
			At:          now,
		})
	}

	return RedemptionResult{
		Token:            updated,
		RemainingUses:    ev.RemainingUses,
		RemainingSeconds: ev.RemainingSeconds,
		Suspicious:       suspicious,
	}, nil
}

// Revoke marks the token invalid regardless of remaining quota or time.
// Revoking an already-revoked token succeeds silently.
func (m *Manager) Revoke(ctx context.Context, id uuid.UUID, actor string) error {
	now := m.now().UTC()

	updated, err := m.updateWithRetry(ctx, id, revokeAttempts, func(tok token.Token) (token.Token, error) {
		tok.Revoked = true
		tok.StampExpired(now)
		return tok, nil
	})
	if err != nil {
		return err
	}

	revocationsTotal.Inc()
	m.publish(ctx, bus.SubjectRevoked, bus.Event{
		TokenID:     updated.ID.String(),
		TokenType:   updated.Type,
		CurrentUses: updated.CurrentUses,
		MaxUses:     updated.MaxUses,
		Actor:       actor,
		At:          now,
	})
	m.audit(ctx, actor, audit.ActionRevoked, updated.ID, map[string]any{
		"token_type":   updated.Type,
		"current_uses": updated.CurrentUses,
		"max_uses":     updated.MaxUses,
		"created_at":   updated.CreatedAt.Unix(),
	})

	return nil
}

// Sweep stamps ExpiredAt on records first observed invalid here and purges
// records whose stamp is older than the retention window. It returns the
// purge count. Purely janitorial; runs only on the sweeper's schedule.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.now().UTC()

	toks, err := m.store.Scan(ctx)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, tok := range toks {
		if tok.ExpiredAt == nil {
			if token.Evaluate(tok, now).Valid {
				continue
			}
			_, err := m.updateWithRetry(ctx, tok.ID, redeemAttempts, func(t token.Token) (token.Token, error) {
				t.StampExpired(now)
				return t, nil
			})
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				m.logger.Warn().Err(err).Stringer("token_id", tok.ID).Msg("sweep: stamp expired")
			}
			continue
		}

		if now.Sub(*tok.ExpiredAt) > m.retention {
			if err := m.store.Delete(ctx, tok.ID); err != nil {
				m.logger.Warn().Err(err).Stringer("token_id", tok.ID).Msg("sweep: delete")
				continue
			}
			purged++
		}
	}

	if purged > 0 {
		sweepPurgedTotal.Add(float64(purged))
		m.publish(ctx, bus.SubjectSwept, bus.Event{Purged: purged, At: now})
	}
	return purged, nil
}

func (m *Manager) updateWithRetry(ctx context.Context, id uuid.UUID, attempts int, fn store.Mutator) (token.Token, error) {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return token.Token{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * retryBackoff):
			}
		}

		tok, err := m.store.Update(ctx, id, fn)
		if err == nil {
			return tok, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return token.Token{}, err
		}
		lastErr = err
	}
	return token.Token{}, lastErr
}

func (m *Manager) publish(ctx context.Context, subj string, ev bus.Event) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, subj, ev); err != nil {
		m.logger.Warn().Err(err).Str("subject", subj).Msg("publish event")
	}
}

func (m *Manager) audit(ctx context.Context, actor, action string, id uuid.UUID, details map[string]any) {
	if m.auditor == nil {
		return
	}
	if actor == "" {
		actor = "unknown"
	}
	if err := m.auditor.Record(ctx, actor, action, id, details); err != nil {
		m.logger.Error().Err(err).Str("action", action).Stringer("token_id", id).Msg("write audit entry")
	}
}
