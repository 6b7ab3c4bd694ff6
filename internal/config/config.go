package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"

	"tokend/internal/token"
)

// Config holds runtime configuration for the token service.
type Config struct {
	Addr string `env:"ADDR,default=:8080"`

	// StoreBackend selects the token store: memory, redis, or postgres.
	StoreBackend string `env:"STORE_BACKEND,default=redis"`
	RedisAddr    string `env:"REDIS_ADDR,default=redis:6379"`
	RedisDB      int    `env:"REDIS_DB,default=0"`
	DBDSN        string `env:"DB_DSN"`

	NATSURL        string   `env:"NATS_URL"`
	OTLPEndpoint   string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=*"`

	// PublicBaseURL is used when building share links; when empty the
	// request's forwarded host is used instead.
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`

	// PolicyFile points at an optional YAML file with per-type issuance
	// policies. Without it every known type gets the env defaults.
	PolicyFile             string        `env:"POLICY_FILE"`
	DefaultMaxUses         int           `env:"DEFAULT_TOKEN_MAX_USES,default=50"`
	DefaultValidity        time.Duration `env:"DEFAULT_TOKEN_VALIDITY,default=168h"`
	UnlimitedTokenDuration time.Duration `env:"UNLIMITED_TOKEN_DURATION,default=8760h"`

	RetentionWindow time.Duration `env:"RETENTION_WINDOW,default=24h"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL,default=1h"`

	AnomalyRateThreshold float64       `env:"ANOMALY_RATE_THRESHOLD,default=10"`
	AnomalyBurstUses     int           `env:"ANOMALY_BURST_USES,default=50"`
	AnomalyBurstWindow   time.Duration `env:"ANOMALY_BURST_WINDOW,default=4h"`

	UsageBucketLow    float64 `env:"USAGE_BUCKET_LOW,default=0.5"`
	UsageBucketMedium float64 `env:"USAGE_BUCKET_MEDIUM,default=0.75"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Detector builds the anomaly detector from the configured thresholds.
func (c Config) Detector() token.Detector {
	return token.Detector{
		RateThreshold: c.AnomalyRateThreshold,
		BurstUses:     c.AnomalyBurstUses,
		BurstWindow:   c.AnomalyBurstWindow,
	}
}

// Buckets builds the usage-bucket thresholds for the stats service.
func (c Config) Buckets() token.BucketThresholds {
	return token.BucketThresholds{Low: c.UsageBucketLow, Medium: c.UsageBucketMedium}
}
