// Package query serves read-only dashboard aggregations. Every call scans
// the store fresh; no state is cached between calls, trading staleness risk
// away for simplicity at the expected catalog sizes.
package query

import (
	"context"
	"sort"
	"time"

	"tokend/internal/store"
	"tokend/internal/token"
)

// Annotated pairs a token record with its advisory suspicion flag.
type Annotated struct {
	token.Token
	Suspicious bool
}

// Stats summarizes the active token population.
type Stats struct {
	TotalActive int
	ByType      map[string]int
	ByUsage     map[token.UsageBucket]int
}

// Service aggregates token records for the dashboard.
type Service struct {
	store     store.Store
	detector  token.Detector
	buckets   token.BucketThresholds
	retention time.Duration
}

// New builds a query service. Zero-value thresholds fall back to defaults.
func New(st store.Store, detector token.Detector, buckets token.BucketThresholds, retention time.Duration) *Service {
	if buckets == (token.BucketThresholds{}) {
		buckets = token.DefaultBucketThresholds()
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Service{store: st, detector: detector, buckets: buckets, retention: retention}
}

// ListActive returns currently valid tokens, newest first.
func (s *Service) ListActive(ctx context.Context, now time.Time) ([]Annotated, error) {
	toks, err := s.store.Scan(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Annotated, 0, len(toks))
	for _, tok := range toks {
		if !token.Evaluate(tok, now).Valid {
			continue
		}
		out = append(out, Annotated{Token: tok, Suspicious: s.detector.Suspicious(tok, now)})
	}
	sortNewestFirst(out)
	return out, nil
}

// ListExpired returns terminal tokens still inside the retention window,
// newest expiry first.
func (s *Service) ListExpired(ctx context.Context, now time.Time) ([]Annotated, error) {
	toks, err := s.store.Scan(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Annotated, 0)
	for _, tok := range toks {
		if tok.ExpiredAt == nil || now.Sub(*tok.ExpiredAt) > s.retention {
			continue
		}
		out = append(out, Annotated{Token: tok, Suspicious: s.detector.Suspicious(tok, now)})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiredAt.After(*out[j].ExpiredAt)
	})
	return out, nil
}

// Stats counts active tokens by type and by usage bucket.
func (s *Service) Stats(ctx context.Context, now time.Time) (Stats, error) {
	toks, err := s.store.Scan(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		ByType:  make(map[string]int),
		ByUsage: make(map[token.UsageBucket]int),
	}
	for _, tok := range toks {
		if !token.Evaluate(tok, now).Valid {
			continue
		}
		stats.TotalActive++
		stats.ByType[tok.Type]++
		stats.ByUsage[s.buckets.Bucket(tok)]++
	}
	return stats, nil
}

func sortNewestFirst(toks []Annotated) {
	sort.Slice(toks, func(i, j int) bool {
		return toks[i].CreatedAt.After(toks[j].CreatedAt)
	})
}
