package workers

import (
	"context"
	"log/slog"
	"time"
)

type TradeSweeper interface {
	FailStale(ctx context.Context, cutoff time.Time) (int, error)
}

// StaleTradeSweeper fails trades that stopped moving before reaching a
// terminal state, typically after a crash. They are never retried.
type StaleTradeSweeper struct {
	logger     *slog.Logger
	trades     TradeSweeper
	staleAfter time.Duration
	now        func() time.Time
}

func NewStaleTradeSweeper(logger *slog.Logger, trades TradeSweeper, staleAfter time.Duration) *StaleTradeSweeper {
	return &StaleTradeSweeper{
		logger:     logger.With("component", "stale_trade_sweeper"),
		trades:     trades,
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *StaleTradeSweeper) Name() string { return "stale_trade_sweeper" }

func (s *StaleTradeSweeper) Run(ctx context.Context) error {
	s.logger.Debug("Sweeping stale trades", "older_than", s.staleAfter.String())

	count, err := s.trades.FailStale(ctx, s.now().Add(-s.staleAfter))
	if err != nil {
		return err
	}

	if count > 0 {
		s.logger.Warn("Failed stale trades", "count", count, "older_than", s.staleAfter.String())
	} else {
		s.logger.Debug("No stale trades")
	}
	return nil
}
