package token

import (
	"fmt"
	"time"
)

// Known token type variants. The issuance policy set decides which of these
// a deployment actually accepts.
const (
	TypeOHIFPublication    = "ohif-viewer-publication"
	TypeStonePublication   = "stone-viewer-publication"
	TypeVolViewPublication = "volview-viewer-publication"
	TypeInstantLink        = "viewer-instant-link"
)

// Policy carries the per-type issuance defaults: how many redemptions a new
// token gets and how long it lives.
type Policy struct {
	MaxUses int
	TTL     time.Duration
}

// PolicySet maps token types to their issuance policy. Issuing an unknown
// type fails with ErrInvalidRequest.
type PolicySet map[string]Policy

// Validate checks every policy has a positive quota and lifetime.
func (ps PolicySet) Validate() error {
	for typ, p := range ps {
		if typ == "" {
			return fmt.Errorf("policy with empty token type")
		}
		if p.MaxUses <= 0 {
			return fmt.Errorf("policy %q: max_uses must be positive", typ)
		}
		if p.TTL <= 0 {
			return fmt.Errorf("policy %q: ttl must be positive", typ)
		}
	}
	return nil
}

// Lookup returns the policy for typ, or false for an unknown type.
func (ps PolicySet) Lookup(typ string) (Policy, bool) {
	p, ok := ps[typ]
	return p, ok
}

// DefaultPolicies mirrors the stock deployment: 50 uses over 7 days for
// every viewer variant the auth gateway knows about.
func DefaultPolicies() PolicySet {
	stock := Policy{MaxUses: 50, TTL: 7 * 24 * time.Hour}
	return PolicySet{
		TypeOHIFPublication:    stock,
		TypeStonePublication:   stock,
		TypeVolViewPublication: stock,
		TypeInstantLink:        stock,
	}
}
