package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper runs the retention sweep on a fixed interval until its context is
// cancelled. It is the only thing that destroys token records.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	logger   zerolog.Logger
}

func NewSweeper(m *Manager, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{manager: m, interval: interval, logger: logger}
}

// Run blocks, sweeping every interval, until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := s.manager.Sweep(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("retention sweep")
				continue
			}
			if purged > 0 {
				s.logger.Info().Int("purged", purged).Msg("retention sweep")
			}
		}
	}
}
