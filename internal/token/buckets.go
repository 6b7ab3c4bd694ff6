package token

// UsageBucket groups tokens by how much of their quota is consumed, for
// dashboard aggregation.
type UsageBucket string

const (
	BucketLow    UsageBucket = "low"
	BucketMedium UsageBucket = "medium"
	BucketHigh   UsageBucket = "high"
)

// BucketThresholds are the quota-consumption ratios separating low from
// medium and medium from high usage.
type BucketThresholds struct {
	Low    float64
	Medium float64
}

// DefaultBucketThresholds classifies up to 50% consumed as low and up to
// 75% as medium.
func DefaultBucketThresholds() BucketThresholds {
	return BucketThresholds{Low: 0.5, Medium: 0.75}
}

// Bucket classifies tok's quota consumption.
func (b BucketThresholds) Bucket(tok Token) UsageBucket {
	if tok.MaxUses <= 0 {
		return BucketHigh
	}
	ratio := float64(tok.CurrentUses) / float64(tok.MaxUses)
	switch {
	case ratio <= b.Low:
		return BucketLow
	case ratio <= b.Medium:
		return BucketMedium
	default:
		return BucketHigh
	}
}
