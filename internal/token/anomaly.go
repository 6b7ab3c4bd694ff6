package token

import "time"

// Detector flags suspicious redemption velocity. The thresholds encode a
// policy judgment and are therefore configuration, not constants. The flag
// is advisory telemetry only and must never block a redemption.
type Detector struct {
	// RateThreshold is the sustained redemptions-per-hour rate above
	// which a token is flagged.
	RateThreshold float64
	// BurstUses and BurstWindow flag a token that burns through many
	// uses shortly after issuance, even if the hourly rate looks sane.
	BurstUses   int
	BurstWindow time.Duration
}

// DefaultDetector returns the stock thresholds: more than 10 uses/hour
// sustained, or 50+ uses within the first 4 hours.
func DefaultDetector() Detector {
	return Detector{
		RateThreshold: 10,
		BurstUses:     50,
		BurstWindow:   4 * time.Hour,
	}
}

// Suspicious reports whether tok's usage velocity looks abnormal at now.
// Elapsed time is floored at one hour so brand-new tokens do not divide by
// a near-zero interval.
func (d Detector) Suspicious(tok Token, now time.Time) bool {
	hours := now.Sub(tok.CreatedAt).Hours()
	if hours < 1 {
		hours = 1
	}

	if float64(tok.CurrentUses)/hours > d.RateThreshold {
		return true
	}
	return tok.CurrentUses >= d.BurstUses && now.Sub(tok.CreatedAt) < d.BurstWindow
}
