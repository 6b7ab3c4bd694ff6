package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	issuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokend_tokens_issued_total",
		Help: "Tokens issued, by token type.",
	}, []string{"token_type"})

	redemptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokend_redemptions_total",
		Help: "Redemption attempts, by outcome.",
	}, []string{"outcome"})

	revocationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokend_revocations_total",
		Help: "Tokens revoked by an administrator.",
	})

	suspiciousTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokend_suspicious_redemptions_total",
		Help: "Redemptions whose post-increment usage velocity was flagged.",
	})

	sweepPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokend_sweep_purged_total",
		Help: "Token records purged past their retention window.",
	})
)

const (
	outcomeGranted = "granted"
	outcomeError   = "error"
)
