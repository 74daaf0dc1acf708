package workers

import (
	"context"
	"log/slog"
	"time"
)

type ReservationReleaser interface {
	ReleaseExpired(ctx context.Context, olderThan time.Duration) int
}

// ReservationJanitor frees limit reservations whose trade flow was lost,
// including those held for trades with an unknown outcome.
type ReservationJanitor struct {
	logger *slog.Logger
	guard  ReservationReleaser
	ttl    time.Duration
}

func NewReservationJanitor(logger *slog.Logger, guard ReservationReleaser, ttl time.Duration) *ReservationJanitor {
	return &ReservationJanitor{
		logger: logger.With("component", "reservation_janitor"),
		guard:  guard,
		ttl:    ttl,
	}
}

func (j *ReservationJanitor) Name() string { return "reservation_janitor" }

func (j *ReservationJanitor) Run(ctx context.Context) error {
	if released := j.guard.ReleaseExpired(ctx, j.ttl); released > 0 {
		j.logger.Warn("Released expired reservations", "count", released, "ttl", j.ttl.String())
	}
	return nil
}
