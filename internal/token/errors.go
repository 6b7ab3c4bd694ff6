package token

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest marks malformed issuance input: empty resources or an
// unknown token type. Callers must fix the request; it is never retried.
var ErrInvalidRequest = errors.New("invalid request")

// Reason classifies why a token is no longer redeemable.
type Reason string

const (
	ReasonRevoked       Reason = "revoked"
	ReasonTimeExpired   Reason = "time_expired"
	ReasonUsesExhausted Reason = "uses_exhausted"
)

// InvalidError reports a redemption against a token that is revoked,
// expired, or out of uses. It is terminal: the caller is denied access and
// must not retry.
type InvalidError struct {
	Reason Reason
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("token invalid: %s", e.Reason)
}

// AsInvalid unwraps err into an InvalidError if it carries one.
func AsInvalid(err error) (*InvalidError, bool) {
	var ie *InvalidError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}
