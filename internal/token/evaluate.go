package token

import "time"

// Evaluation is the outcome of checking a token's quota and expiry at a
// point in time. RemainingSeconds is negative once the expiry has passed.
type Evaluation struct {
	Valid            bool
	RemainingSeconds int64
	RemainingUses    int
}

// Evaluate computes remaining time and uses for tok at now. It has no side
// effects; callers decide what to do with an invalid result.
func Evaluate(tok Token, now time.Time) Evaluation {
	remainingSeconds := int64(tok.ExpiresAt.Sub(now) / time.Second)
	remainingUses := tok.MaxUses - tok.CurrentUses

	return Evaluation{
		Valid:            !tok.Revoked && remainingSeconds > 0 && remainingUses > 0,
		RemainingSeconds: remainingSeconds,
		RemainingUses:    remainingUses,
	}
}

// InvalidReason classifies why an invalid token failed evaluation. Revoked
// wins over expiry, expiry over exhaustion, so a token that is several
// things at once reports a stable reason.
func InvalidReason(tok Token, now time.Time) Reason {
	switch {
	case tok.Revoked:
		return ReasonRevoked
	case !now.Before(tok.ExpiresAt):
		return ReasonTimeExpired
	default:
		return ReasonUsesExhausted
	}
}
