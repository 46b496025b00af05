package valet

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// processedRetention is how long message ids are remembered for de-duplication.
const processedRetention = 48 * time.Hour

type intakeSweeper interface {
	AbandonExpiredIntakes(ctx context.Context) (int, error)
}

type messagePruner interface {
	PruneProcessedMessages(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Sweeper drops abandoned intakes and old de-duplication records.
type Sweeper struct {
	intakes  intakeSweeper
	pruner   messagePruner
	interval time.Duration
	logger   *zerolog.Logger
}

func NewSweeper(intakes intakeSweeper, pruner messagePruner, interval time.Duration, logger *zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{intakes: intakes, pruner: pruner, interval: interval, logger: logger}
}

// Start sweeps every interval until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("Intake sweeper started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep.
func (s *Sweeper) RunOnce(ctx context.Context) {
	n, err := s.intakes.AbandonExpiredIntakes(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Intake sweep failed")
	} else if n > 0 {
		s.logger.Info().Int("abandoned", n).Msg("Abandoned expired intakes")
	}

	if s.pruner == nil {
		return
	}
	pruned, err := s.pruner.PruneProcessedMessages(ctx, processedRetention)
	if err != nil {
		s.logger.Error().Err(err).Msg("Pruning processed messages failed")
	} else if pruned > 0 {
		s.logger.Debug().Int64("pruned", pruned).Msg("Pruned processed messages")
	}
}
