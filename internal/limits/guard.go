// Package limits is the per-user admission control for trades.
package limits

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sand/solana-trading-bot/backend/internal/entities"
	"github.com/sand/solana-trading-bot/backend/internal/metrics"
)

const (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour

	DefaultLockTimeout = 5 * time.Second
)

// Source provides the durable side of the rolling counters.
type Source interface {
	// CompletedSince aggregates completed trades with completed_at after since.
	CompletedSince(ctx context.Context, userID int64, since time.Time) (entities.Counters, error)
	// DailyLimit is the user's SOL volume ceiling for a rolling day.
	DailyLimit(ctx context.Context, userID int64) (decimal.Decimal, error)
}

type Config struct {
	MinTradeSOL      decimal.Decimal
	MaxTradeSOL      decimal.Decimal
	MaxTradesPerHour int
	MaxTradesPerDay  int
	// LockTimeout bounds the wait for a user's critical section.
	LockTimeout time.Duration
}

// Reservation is a provisional claim against a user's ceilings.
type Reservation struct {
	ID        uuid.UUID       `json:"id"`
	UserID    int64           `json:"user_id"`
	AmountSOL decimal.Decimal `json:"amount_sol"`
	CreatedAt time.Time       `json:"created_at"`
}

type reservationState int

const (
	stateProvisional reservationState = iota
	stateCommitted
	stateReleased
)

type entry struct {
	res   Reservation
	state reservationState
	at    time.Time // last state change
}

// Usage is a point-in-time view of a user's counters.
type Usage struct {
	UserID              int64           `json:"user_id"`
	HourTrades          int             `json:"hour_trades"`
	DayTrades           int             `json:"day_trades"`
	DayVolumeSOL        decimal.Decimal `json:"day_volume_sol"`
	PendingReservations int             `json:"pending_reservations"`
	PendingVolumeSOL    decimal.Decimal `json:"pending_volume_sol"`
	DailyLimitSOL       decimal.Decimal `json:"daily_limit_sol"`
}

type Guard struct {
	logger  *slog.Logger
	source  Source
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time

	locks *keyedMutex

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	byUser  map[int64]map[uuid.UUID]*entry // provisional only
}

type Option func(*Guard)

func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guard) {
		g.metrics = m
	}
}

func NewGuard(logger *slog.Logger, source Source, cfg Config, opts ...Option) *Guard {
	g := &Guard{
		logger:  logger.With("component", "limit_guard"),
		source:  source,
		cfg:     cfg,
		now:     time.Now,
		locks:   newKeyedMutex(),
		entries: make(map[uuid.UUID]*entry),
		byUser:  make(map[int64]map[uuid.UUID]*entry),
	}
	if g.cfg.LockTimeout <= 0 {
		g.cfg.LockTimeout = DefaultLockTimeout
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// lockUser waits at most LockTimeout for the user's section. Only the wait
// is bounded, work done under the lock keeps the caller's context.
func (g *Guard) lockUser(ctx context.Context, userID int64) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.LockTimeout)
	defer cancel()

	unlock, err := g.locks.Lock(waitCtx, userID)
	if err != nil {
		if ctx.Err() == nil {
			return nil, fmt.Errorf("%w: user %d after %s", ErrLockTimeout, userID, g.cfg.LockTimeout)
		}
		return nil, fmt.Errorf("acquire user lock: %w", err)
	}
	return unlock, nil
}

// TryReserve admits amountSOL for userID only if none of the four
// ceilings would be exceeded including this trade. Calls for the same user
// are totally ordered.
func (g *Guard) TryReserve(ctx context.Context, userID int64, amountSOL decimal.Decimal) (Reservation, error) {
	// single trade bounds need no counters and win over aggregate ones
	if err := g.checkSingle(amountSOL); err != nil {
		g.metrics.LimitDecision(false)
		return Reservation{}, err
	}

	unlock, err := g.lockUser(ctx, userID)
	if err != nil {
		return Reservation{}, err
	}
	defer unlock()

	now := g.now()
	usage, err := g.usage(ctx, userID, now)
	if err != nil {
		return Reservation{}, err
	}

	if err = g.checkAggregate(usage, amountSOL); err != nil {
		g.metrics.LimitDecision(false)
		g.logger.InfoContext(ctx, "trade rejected by limits", "user_id", userID, "amount_sol", amountSOL.String(), "reason", err)
		return Reservation{}, err
	}

	res := Reservation{ID: uuid.New(), UserID: userID, AmountSOL: amountSOL, CreatedAt: now}
	g.mu.Lock()
	e := &entry{res: res, state: stateProvisional, at: now}
	g.entries[res.ID] = e
	if g.byUser[userID] == nil {
		g.byUser[userID] = make(map[uuid.UUID]*entry)
	}
	g.byUser[userID][res.ID] = e
	g.mu.Unlock()

	g.metrics.LimitDecision(true)
	return res, nil
}

func (g *Guard) checkSingle(amount decimal.Decimal) error {
	if g.cfg.MaxTradeSOL.IsPositive() && amount.GreaterThan(g.cfg.MaxTradeSOL) {
		return &LimitExceededError{Reason: ReasonSingleTradeMax, Limit: g.cfg.MaxTradeSOL, Attempted: amount}
	}
	if amount.LessThan(g.cfg.MinTradeSOL) || !amount.IsPositive() {
		return &LimitExceededError{Reason: ReasonSingleTradeMin, Limit: g.cfg.MinTradeSOL, Attempted: amount}
	}
	return nil
}

func (g *Guard) checkAggregate(u Usage, amount decimal.Decimal) error {
	if g.cfg.MaxTradesPerHour > 0 && u.HourTrades+u.PendingReservations+1 > g.cfg.MaxTradesPerHour {
		return &LimitExceededError{
			Reason:    ReasonHourlyTrades,
			Limit:     decimal.NewFromInt(int64(g.cfg.MaxTradesPerHour)),
			Attempted: decimal.NewFromInt(int64(u.HourTrades + u.PendingReservations + 1)),
		}
	}
	if g.cfg.MaxTradesPerDay > 0 && u.DayTrades+u.PendingReservations+1 > g.cfg.MaxTradesPerDay {
		return &LimitExceededError{
			Reason:    ReasonDailyTrades,
			Limit:     decimal.NewFromInt(int64(g.cfg.MaxTradesPerDay)),
			Attempted: decimal.NewFromInt(int64(u.DayTrades + u.PendingReservations + 1)),
		}
	}
	total := u.DayVolumeSOL.Add(u.PendingVolumeSOL).Add(amount)
	if total.GreaterThan(u.DailyLimitSOL) {
		return &LimitExceededError{Reason: ReasonDailyVolume, Limit: u.DailyLimitSOL, Attempted: total}
	}
	return nil
}

// usage must be called with the user lock held.
func (g *Guard) usage(ctx context.Context, userID int64, now time.Time) (Usage, error) {
	hour, err := g.source.CompletedSince(ctx, userID, now.Add(-hourWindow))
	if err != nil {
		return Usage{}, fmt.Errorf("load hourly counters: %w", err)
	}
	day, err := g.source.CompletedSince(ctx, userID, now.Add(-dayWindow))
	if err != nil {
		return Usage{}, fmt.Errorf("load daily counters: %w", err)
	}
	limit, err := g.source.DailyLimit(ctx, userID)
	if err != nil {
		return Usage{}, fmt.Errorf("load daily limit: %w", err)
	}

	u := Usage{
		UserID:           userID,
		HourTrades:       hour.Trades,
		DayTrades:        day.Trades,
		DayVolumeSOL:     day.VolumeSOL,
		PendingVolumeSOL: decimal.Zero,
		DailyLimitSOL:    limit,
	}

	g.mu.Lock()
	for _, e := range g.byUser[userID] {
		u.PendingReservations++
		u.PendingVolumeSOL = u.PendingVolumeSOL.Add(e.res.AmountSOL)
	}
	g.mu.Unlock()

	return u, nil
}

// Commit turns a provisional reservation into durable usage. persist must
// write the durable counters (the completed trade) in one unit of work; it
// runs inside the user's critical section so no admission can observe the
// trade counted twice or not at all. Committing twice is a no-op.
func (g *Guard) Commit(ctx context.Context, res Reservation, persist func(ctx context.Context) error) error {
	unlock, err := g.lockUser(ctx, res.UserID)
	if err != nil {
		return err
	}
	defer unlock()

	g.mu.Lock()
	e, ok := g.entries[res.ID]
	g.mu.Unlock()

	switch {
	case !ok:
		return fmt.Errorf("%w: %s", ErrUnknownReservation, res.ID)
	case e.state == stateCommitted:
		return nil
	case e.state == stateReleased:
		return fmt.Errorf("%w: %s", ErrReservationReleased, res.ID)
	}

	if persist != nil {
		if err = persist(ctx); err != nil {
			return err
		}
	}

	g.settle(e, stateCommitted)
	return nil
}

// Release drops a provisional reservation without touching durable
// counters. Releasing an unknown, released or committed reservation is a
// no-op.
func (g *Guard) Release(ctx context.Context, res Reservation) {
	unlock, err := g.locks.Lock(context.WithoutCancel(ctx), res.UserID)
	if err != nil {
		return
	}
	defer unlock()

	g.mu.Lock()
	e, ok := g.entries[res.ID]
	g.mu.Unlock()
	if !ok || e.state != stateProvisional {
		return
	}

	g.settle(e, stateReleased)
}

func (g *Guard) settle(e *entry, state reservationState) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e.state = state
	e.at = g.now()
	if users := g.byUser[e.res.UserID]; users != nil {
		delete(users, e.res.ID)
		if len(users) == 0 {
			delete(g.byUser, e.res.UserID)
		}
	}
}

// Snapshot reports the counters TryReserve would evaluate right now.
func (g *Guard) Snapshot(ctx context.Context, userID int64) (Usage, error) {
	unlock, err := g.lockUser(ctx, userID)
	if err != nil {
		return Usage{}, err
	}
	defer unlock()

	return g.usage(ctx, userID, g.now())
}

// ReleaseExpired releases provisional reservations older than olderThan and
// forgets settled ones past the same age. It returns how many provisional
// reservations were released.
func (g *Guard) ReleaseExpired(ctx context.Context, olderThan time.Duration) int {
	cutoff := g.now().Add(-olderThan)

	g.mu.Lock()
	var stale []Reservation
	for id, e := range g.entries {
		if !e.at.Before(cutoff) {
			continue
		}
		if e.state == stateProvisional {
			stale = append(stale, e.res)
			continue
		}
		delete(g.entries, id)
	}
	g.mu.Unlock()

	for _, res := range stale {
		g.logger.WarnContext(ctx, "releasing expired reservation",
			"reservation_id", res.ID, "user_id", res.UserID, "amount_sol", res.AmountSOL.String())
		g.Release(ctx, res)
	}
	return len(stale)
}
