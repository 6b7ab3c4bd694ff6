package server

import (
	"time"

	"tokend/internal/query"
	"tokend/internal/token"
)

type tokenView struct {
	ID               string           `json:"id"`
	TokenType        string           `json:"token_type"`
	Resources        []token.Resource `json:"resources"`
	CreatedAt        int64            `json:"created_at"`
	ExpiresAt        int64            `json:"expires_at"`
	RemainingSeconds int64            `json:"remaining_seconds"`
	CurrentUses      int              `json:"current_uses"`
	MaxUses          int              `json:"max_uses"`
	Suspicious       bool             `json:"suspicious"`
	ExpiredAt        *int64           `json:"expired_at,omitempty"`
}

func toView(a query.Annotated, now time.Time) tokenView {
	ev := token.Evaluate(a.Token, now)
	view := tokenView{
		ID:               a.ID.String(),
		TokenType:        a.Type,
		Resources:        a.Resources,
		CreatedAt:        a.CreatedAt.Unix(),
		ExpiresAt:        a.ExpiresAt.Unix(),
		RemainingSeconds: ev.RemainingSeconds,
		CurrentUses:      a.CurrentUses,
		MaxUses:          a.MaxUses,
		Suspicious:       a.Suspicious,
	}
	if view.RemainingSeconds < 0 {
		view.RemainingSeconds = 0
	}
	if a.ExpiredAt != nil {
		unix := a.ExpiredAt.Unix()
		view.ExpiredAt = &unix
	}
	return view
}

func toViews(list []query.Annotated, now time.Time) []tokenView {
	views := make([]tokenView, 0, len(list))
	for _, a := range list {
		views = append(views, toView(a, now))
	}
	return views
}
