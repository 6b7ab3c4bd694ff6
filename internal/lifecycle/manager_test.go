package lifecycle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tokend/internal/lifecycle"
	"tokend/internal/store"
	"tokend/internal/token"
	"tokend/pkg/bus"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakePublisher struct {
	mu     sync.Mutex
	events map[string][]bus.Event
}

func (p *fakePublisher) Publish(ctx context.Context, subj string, ev bus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		p.events = make(map[string][]bus.Event)
	}
	p.events[subj] = append(p.events[subj], ev)
	return nil
}

func (p *fakePublisher) count(subj string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events[subj])
}

type fakeAuditor struct {
	mu      sync.Mutex
	actions []string
}

func (a *fakeAuditor) Record(ctx context.Context, actor, action string, tokenID uuid.UUID, details map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
	return nil
}

func newManager(t *testing.T, st store.Store, clk *fakeClock, pub *fakePublisher) *lifecycle.Manager {
	t.Helper()
	cfg := lifecycle.Config{
		Retention: 24 * time.Hour,
		Logger:    zerolog.Nop(),
		Now:       clk.Now,
	}
	if pub != nil {
		cfg.Publisher = pub
	}
	m, err := lifecycle.New(st, cfg)
	if err != nil {
		t.Fatalf("lifecycle.New: %v", err)
	}
	return m
}

func TestIssueValidation(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, store.NewMemory(), newClock(), nil)

	study := []token.Resource{{Level: token.LevelStudy, DicomUID: "1.2.3"}}
	negative := -time.Hour
	zeroUses := 0

	tests := []struct {
		name string
		req  lifecycle.IssueRequest
	}{
		{"unknown type", lifecycle.IssueRequest{Type: "bogus", Resources: study}},
		{"no resources", lifecycle.IssueRequest{Type: token.TypeOHIFPublication}},
		{"bad level", lifecycle.IssueRequest{
			Type:      token.TypeOHIFPublication,
			Resources: []token.Resource{{Level: "patient", DicomUID: "1"}},
		}},
		{"resource without identifiers", lifecycle.IssueRequest{
			Type:      token.TypeOHIFPublication,
			Resources: []token.Resource{{Level: token.LevelStudy}},
		}},
		{"negative ttl", lifecycle.IssueRequest{Type: token.TypeOHIFPublication, Resources: study, TTL: &negative}},
		{"zero max uses", lifecycle.IssueRequest{Type: token.TypeOHIFPublication, Resources: study, MaxUses: &zeroUses}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Issue(ctx, tt.req)
			if !errors.Is(err, token.ErrInvalidRequest) {
				t.Fatalf("Issue = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestIssueDefaultsAndOverrides(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	m := newManager(t, store.NewMemory(), clk, nil)
	study := []token.Resource{{Level: token.LevelStudy, DicomUID: "1.2.3"}}

	tok, err := m.Issue(ctx, lifecycle.IssueRequest{Type: token.TypeOHIFPublication, Resources: study})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if tok.MaxUses != 50 {
		t.Fatalf("MaxUses = %d, want policy default 50", tok.MaxUses)
	}
	if got := tok.ExpiresAt.Sub(tok.CreatedAt); got != 7*24*time.Hour {
		t.Fatalf("lifetime = %v, want policy default 168h", got)
	}

	ttl := 30 * time.Minute
	uses := 2
	tok, err = m.Issue(ctx, lifecycle.IssueRequest{
		Type: token.TypeOHIFPublication, Resources: study, TTL: &ttl, MaxUses: &uses,
	})
	if err != nil {
		t.Fatalf("Issue with overrides: %v", err)
	}
	if tok.MaxUses != 2 || tok.ExpiresAt.Sub(tok.CreatedAt) != 30*time.Minute {
		t.Fatalf("overrides not applied: %+v", tok)
	}

	// A zero TTL override asks for the unlimited lifetime.
	unlimited := time.Duration(0)
	tok, err = m.Issue(ctx, lifecycle.IssueRequest{
		Type: token.TypeInstantLink, Resources: study, TTL: &unlimited,
	})
	if err != nil {
		t.Fatalf("Issue unlimited: %v", err)
	}
	if got := tok.ExpiresAt.Sub(tok.CreatedAt); got != 365*24*time.Hour {
		t.Fatalf("unlimited lifetime = %v, want 8760h", got)
	}
}

func TestRedeemQuota(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	st := store.NewMemory()
	m := newManager(t, st, clk, nil)

	uses := 3
	tok, err := m.Issue(ctx, lifecycle.IssueRequest{
		Type:      token.TypeOHIFPublication,
		Resources: []token.Resource{{Level: token.LevelStudy, DicomUID: "1.2.3"}},
		MaxUses:   &uses,
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	for i := 0; i < 3; i++ {
		res, err := m.Redeem(ctx, tok.ID)
		if err != nil {
			t.Fatalf("Redeem %d: %v", i+1, err)
		}
		if res.RemainingUses != 2-i {
			t.Fatalf("RemainingUses = %d, want %d", res.RemainingUses, 2-i)
		}
	}

	_, err = m.Redeem(ctx, tok.ID)
	var inv *token.InvalidError
	if !errors.As(err, &inv) || inv.Reason != token.ReasonUsesExhausted {
		t.Fatalf("fourth Redeem = %v, want uses_exhausted", err)
	}

	// The denial stamps the terminal transition exactly once.
	stored, err := st.Get(ctx, tok.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.ExpiredAt == nil {
		t.Fatal("denied redemption did not stamp ExpiredAt")
	}
	stamp := *stored.ExpiredAt

	clk.Advance(time.Hour)
	if _, err := m.Redeem(ctx, tok.ID); err == nil {
		t.Fatal("redeem after exhaustion succeeded")
	}
	stored, _ = st.Get(ctx, tok.ID)
	if !stored.ExpiredAt.Equal(stamp) {
		t.Fatalf("ExpiredAt moved from %v to %v", stamp, *stored.ExpiredAt)
	}
}

func TestRedeemTimeExpired(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	st := store.NewMemory()
	m := newManager(t, st, clk, nil)

	ttl := time.Hour
	tok, err := m.Issue(ctx, lifecycle.IssueRequest{
		Type:      token.TypeStonePublication,
		Resources: []token.Resource{{Level: token.LevelSeries, DicomUID: "1.2.3.4"}},
		TTL:       &ttl,
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	clk.Advance(2 * time.Hour)

	_, err = m.Redeem(ctx, tok.ID)
	var inv *token.InvalidError
	if !errors.As(err, &inv) || inv.Reason != token.ReasonTimeExpired {
		t.Fatalf("Redeem = %v, want time_expired", err)
	}

	stored, _ := st.Get(ctx, tok.ID)
	if stored.ExpiredAt == nil || !stored.ExpiredAt.Equal(clk.Now()) {
		t.Fatalf("ExpiredAt = %v, want %v", stored.ExpiredAt, clk.Now())
	}
	if stored.CurrentUses != 0 {
		t.Fatalf("denied redemption consumed quota: CurrentUses = %d", stored.CurrentUses)
	}
}

func TestRedeemUnknownToken(t *testing.T) {
	m := newManager(t, store.NewMemory(), newClock(), nil)
	if _, err := m.Redeem(context.Background(), uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Redeem = %v, want ErrNotFound", err)
	}
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	st := store.NewMemory()
	pub := &fakePublisher{}
	m := newManager(t, st, clk, pub)

	tok, err := m.Issue(ctx, lifecycle.IssueRequest{
		Type:      token.TypeOHIFPublication,
		Resources: []token.Resource{{Level: token.LevelStudy, OrthancID: "aa11"}},
		Actor:     "alice",
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if err := m.Revoke(ctx, tok.ID, "alice"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	_, err = m.Redeem(ctx, tok.ID)
	var inv *token.InvalidError
	if !errors.As(err, &inv) || inv.Reason != token.ReasonRevoked {
		t.Fatalf("Redeem after revoke = %v, want revoked", err)
	}

	// Revoking again is a silent success and keeps the original stamp.
	stored, _ := st.Get(ctx, tok.ID)
	stamp := *stored.ExpiredAt
	clk.Advance(time.Hour)
	if err := m.Revoke(ctx, tok.ID, "alice"); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
	stored, _ = st.Get(ctx, tok.ID)
	if !stored.ExpiredAt.Equal(stamp) {
		t.Fatalf("ExpiredAt moved from %v to %v", stamp, *stored.ExpiredAt)
	}

	if err := m.Revoke(ctx, uuid.New(), "alice"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Revoke unknown = %v, want ErrNotFound", err)
	}

	if got := pub.count(bus.SubjectRevoked); got != 2 {
		t.Fatalf("revoked events = %d, want 2", got)
	}
}

func TestRedeemConcurrent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	m := newManager(t, st, newClock(), nil)

	maxUses := 5
	const extra = 3
	tok, err := m.Issue(ctx, lifecycle.IssueRequest{
		Type:      token.TypeOHIFPublication,
		Resources: []token.Resource{{Level: token.LevelStudy, DicomUID: "1.2.3"}},
		MaxUses:   &maxUses,
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan error, maxUses+extra)
	for i := 0; i < maxUses+extra; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Redeem(ctx, tok.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	granted, exhausted := 0, 0
	for err := range results {
		switch {
		case err == nil:
			granted++
		default:
			var inv *token.InvalidError
			if !errors.As(err, &inv) || inv.Reason != token.ReasonUsesExhausted {
				t.Fatalf("unexpected redeem error: %v", err)
			}
			exhausted++
		}
	}
	if granted != maxUses || exhausted != extra {
		t.Fatalf("granted = %d, exhausted = %d, want %d and %d", granted, exhausted, maxUses, extra)
	}

	stored, _ := st.Get(ctx, tok.ID)
	if stored.CurrentUses != maxUses {
		t.Fatalf("CurrentUses = %d, want %d", stored.CurrentUses, maxUses)
	}
}

// conflictStore fails the first n Update calls with ErrConflict to exercise
// the bounded retry.
type conflictStore struct {
	store.Store
	mu        sync.Mutex
	conflicts int
}

func (c *conflictStore) Update(ctx context.Context, id uuid.UUID, fn store.Mutator) (token.Token, error) {
	c.mu.Lock()
	if c.conflicts > 0 {
		c.conflicts--
		c.mu.Unlock()
		return token.Token{}, store.ErrConflict
	}
	c.mu.Unlock()
	return c.Store.Update(ctx, id, fn)
}

func TestRedeemRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	cs := &conflictStore{Store: mem, conflicts: 2}
	m := newManager(t, cs, newClock(), nil)

	tok, err := m.Issue(ctx, lifecycle.IssueRequest{
		Type:      token.TypeOHIFPublication,
		Resources: []token.Resource{{Level: token.LevelStudy, DicomUID: "1.2.3"}},
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := m.Redeem(ctx, tok.ID); err != nil {
		t.Fatalf("Redeem with transient conflicts: %v", err)
	}

	cs.mu.Lock()
	cs.conflicts = 100
	cs.mu.Unlock()
	if _, err := m.Redeem(ctx, tok.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("Redeem under persistent conflict = %v, want ErrConflict", err)
	}
}

func TestSuspiciousRedemption(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	pub := &fakePublisher{}
	m := newManager(t, store.NewMemory(), clk, pub)

	uses := 100
	tok, err := m.Issue(ctx, lifecycle.IssueRequest{
		Type:      token.TypeOHIFPublication,
		Resources: []token.Resource{{Level: token.LevelStudy, DicomUID: "1.2.3"}},
		MaxUses:   &uses,
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Eleven redemptions within the first hour exceed the 10/hour rate.
	var last lifecycle.RedemptionResult
	for i := 0; i < 11; i++ {
		clk.Advance(time.Minute)
		last, err = m.Redeem(ctx, tok.ID)
		if err != nil {
			t.Fatalf("Redeem %d: %v", i+1, err)
		}
	}
	if !last.Suspicious {
		t.Fatal("eleventh redemption within an hour not flagged")
	}
	if pub.count(bus.SubjectSuspicious) == 0 {
		t.Fatal("no suspicious event published")
	}
	if got := pub.count(bus.SubjectRedeemed); got != 11 {
		t.Fatalf("redeemed events = %d, want 11", got)
	}
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	st := store.NewMemory()
	pub := &fakePublisher{}
	m := newManager(t, st, clk, pub)

	now := clk.Now()
	study := []token.Resource{{Level: token.LevelStudy, DicomUID: "1.2.3"}}

	active := token.Token{
		ID: uuid.New(), Type: token.TypeOHIFPublication, Resources: study,
		CreatedAt: now, ExpiresAt: now.Add(time.Hour), MaxUses: 5,
	}
	unstamped := token.Token{
		ID: uuid.New(), Type: token.TypeOHIFPublication, Resources: study,
		CreatedAt: now.Add(-3 * time.Hour), ExpiresAt: now.Add(-2 * time.Hour), MaxUses: 5,
	}
	staleStamp := now.Add(-48 * time.Hour)
	stale := token.Token{
		ID: uuid.New(), Type: token.TypeOHIFPublication, Resources: study,
		CreatedAt: now.Add(-72 * time.Hour), ExpiresAt: now.Add(-50 * time.Hour),
		MaxUses: 5, ExpiredAt: &staleStamp,
	}
	recentStamp := now.Add(-time.Hour)
	recent := token.Token{
		ID: uuid.New(), Type: token.TypeOHIFPublication, Resources: study,
		CreatedAt: now.Add(-10 * time.Hour), ExpiresAt: now.Add(-2 * time.Hour),
		MaxUses: 5, ExpiredAt: &recentStamp,
	}
	for _, tok := range []token.Token{active, unstamped, stale, recent} {
		if err := st.Put(ctx, tok); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	purged, err := m.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}

	if _, err := st.Get(ctx, stale.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("stale record survived the sweep")
	}
	if _, err := st.Get(ctx, active.ID); err != nil {
		t.Fatal("active record was purged")
	}
	if _, err := st.Get(ctx, recent.ID); err != nil {
		t.Fatal("record inside the retention window was purged")
	}

	got, err := st.Get(ctx, unstamped.ID)
	if err != nil {
		t.Fatal("unstamped invalid record was purged")
	}
	if got.ExpiredAt == nil || !got.ExpiredAt.Equal(now) {
		t.Fatalf("sweep did not stamp ExpiredAt: %v", got.ExpiredAt)
	}

	if got := pub.count(bus.SubjectSwept); got != 1 {
		t.Fatalf("swept events = %d, want 1", got)
	}

	// Advance past retention: the freshly stamped records fall out too.
	clk.Advance(25 * time.Hour)
	purged, err = m.Sweep(ctx)
	if err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if purged != 2 {
		t.Fatalf("second sweep purged = %d, want 2", purged)
	}
}

func TestAuditRecords(t *testing.T) {
	ctx := context.Background()
	aud := &fakeAuditor{}
	m, err := lifecycle.New(store.NewMemory(), lifecycle.Config{
		Auditor: aud,
		Logger:  zerolog.Nop(),
		Now:     newClock().Now,
	})
	if err != nil {
		t.Fatalf("lifecycle.New: %v", err)
	}

	tok, err := m.Issue(ctx, lifecycle.IssueRequest{
		Type:      token.TypeOHIFPublication,
		Resources: []token.Resource{{Level: token.LevelStudy, DicomUID: "1.2.3"}},
		Actor:     "alice",
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := m.Revoke(ctx, tok.ID, "bob"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	aud.mu.Lock()
	defer aud.mu.Unlock()
	if len(aud.actions) != 2 || aud.actions[0] != "token_issued" || aud.actions[1] != "token_revoked" {
		t.Fatalf("audit actions = %v", aud.actions)
	}
}
