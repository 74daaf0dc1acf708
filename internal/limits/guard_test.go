package limits

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sand/solana-trading-bot/backend/internal/entities"
)

type completed struct {
	userID int64
	amount decimal.Decimal
	at     time.Time
}

// memSource is a durable store stand in. The small sleep widens the race
// window between reading counters and reserving.
type memSource struct {
	mu     sync.Mutex
	trades []completed
	limit  decimal.Decimal
	delay  time.Duration
	err    error
}

func (m *memSource) CompletedSince(_ context.Context, userID int64, since time.Time) (entities.Counters, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return entities.Counters{}, m.err
	}
	c := entities.Counters{VolumeSOL: decimal.Zero}
	for _, t := range m.trades {
		if t.userID == userID && t.at.After(since) {
			c.Trades++
			c.VolumeSOL = c.VolumeSOL.Add(t.amount)
		}
	}
	return c, nil
}

func (m *memSource) DailyLimit(context.Context, int64) (decimal.Decimal, error) {
	return m.limit, nil
}

func (m *memSource) persist(userID int64, amount decimal.Decimal, at time.Time) func(context.Context) error {
	return func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.trades = append(m.trades, completed{userID: userID, amount: amount, at: at})
		return nil
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func defaultConfig() Config {
	return Config{
		MinTradeSOL:      d("0.01"),
		MaxTradeSOL:      d("100"),
		MaxTradesPerHour: 10,
		MaxTradesPerDay:  50,
	}
}

func newGuard(src Source, cfg Config, clk *clock) *Guard {
	return NewGuard(slog.New(slog.NewTextHandler(io.Discard, nil)), src, cfg, WithClock(clk.Now))
}

func reason(t *testing.T, err error) Reason {
	t.Helper()
	var le *LimitExceededError
	require.ErrorAs(t, err, &le)
	require.ErrorIs(t, err, ErrLimitExceeded)
	return le.Reason
}

func TestGuard_DailyVolumeScenario(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	src := &memSource{limit: d("100")}
	g := newGuard(src, defaultConfig(), clk)

	first, err := g.TryReserve(ctx, 1, d("60"))
	require.NoError(t, err)

	_, err = g.TryReserve(ctx, 1, d("50"))
	assert.Equal(t, ReasonDailyVolume, reason(t, err))

	require.NoError(t, g.Commit(ctx, first, src.persist(1, first.AmountSOL, clk.Now())))

	_, err = g.TryReserve(ctx, 1, d("30"))
	require.NoError(t, err)

	usage, err := g.Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.True(t, usage.DayVolumeSOL.Equal(d("60")))
	assert.True(t, usage.PendingVolumeSOL.Equal(d("30")))
	assert.Equal(t, 1, usage.PendingReservations)
}

func TestGuard_RollingWindowNotCalendar(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2025, 3, 1, 23, 30, 0, 0, time.UTC)}
	src := &memSource{limit: d("100")}
	g := newGuard(src, defaultConfig(), clk)

	res, err := g.TryReserve(ctx, 1, d("90"))
	require.NoError(t, err)
	require.NoError(t, g.Commit(ctx, res, src.persist(1, res.AmountSOL, clk.Now())))

	// past midnight but inside the trailing 24h
	clk.Advance(time.Hour)
	_, err = g.TryReserve(ctx, 1, d("20"))
	assert.Equal(t, ReasonDailyVolume, reason(t, err))

	clk.Advance(23 * time.Hour)
	_, err = g.TryReserve(ctx, 1, d("20"))
	require.NoError(t, err)
}

func TestGuard_MostSpecificReasonWins(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Now()}
	src := &memSource{limit: d("5")}
	cfg := defaultConfig()
	cfg.MaxTradeSOL = d("10")
	cfg.MaxTradesPerHour = 1
	g := newGuard(src, cfg, clk)

	_, err := g.TryReserve(ctx, 1, d("1"))
	require.NoError(t, err)

	// violates single trade max, hourly count and daily volume at once
	_, err = g.TryReserve(ctx, 1, d("11"))
	assert.Equal(t, ReasonSingleTradeMax, reason(t, err))

	// violates hourly count and daily volume
	_, err = g.TryReserve(ctx, 1, d("6"))
	assert.Equal(t, ReasonHourlyTrades, reason(t, err))

	_, err = g.TryReserve(ctx, 1, d("0.001"))
	assert.Equal(t, ReasonSingleTradeMin, reason(t, err))
}

func TestGuard_TradeCountCeilings(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Now()}
	src := &memSource{limit: d("1000")}
	cfg := defaultConfig()
	cfg.MaxTradesPerHour = 2
	cfg.MaxTradesPerDay = 3
	g := newGuard(src, cfg, clk)

	for i := 0; i < 2; i++ {
		res, err := g.TryReserve(ctx, 7, d("1"))
		require.NoError(t, err)
		require.NoError(t, g.Commit(ctx, res, src.persist(7, res.AmountSOL, clk.Now())))
	}
	_, err := g.TryReserve(ctx, 7, d("1"))
	assert.Equal(t, ReasonHourlyTrades, reason(t, err))

	clk.Advance(61 * time.Minute)
	res, err := g.TryReserve(ctx, 7, d("1"))
	require.NoError(t, err)
	require.NoError(t, g.Commit(ctx, res, src.persist(7, res.AmountSOL, clk.Now())))

	clk.Advance(61 * time.Minute)
	_, err = g.TryReserve(ctx, 7, d("1"))
	assert.Equal(t, ReasonDailyTrades, reason(t, err))
}

func TestGuard_ConcurrentReservationsAdmitExactlyOne(t *testing.T) {
	for i := 0; i < 50; i++ {
		clk := &clock{now: time.Now()}
		src := &memSource{limit: d("100"), delay: time.Millisecond}
		g := newGuard(src, defaultConfig(), clk)

		var admitted, rejected atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := g.TryReserve(context.Background(), 42, d("60"))
				switch {
				case err == nil:
					admitted.Add(1)
				case errors.Is(err, ErrLimitExceeded):
					rejected.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		close(start)
		wg.Wait()

		require.Equal(t, int32(1), admitted.Load())
		require.Equal(t, int32(1), rejected.Load())
	}
}

func TestGuard_ConcurrentTradesNeverExceedDailyLimit(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Now()}
	src := &memSource{limit: d("100")}
	cfg := defaultConfig()
	cfg.MaxTradesPerHour = 1000
	cfg.MaxTradesPerDay = 1000
	g := newGuard(src, cfg, clk)

	amounts := []string{"7", "13", "3.5", "21", "0.5", "9", "17", "11"}
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(amount decimal.Decimal, fail bool) {
			defer wg.Done()
			res, err := g.TryReserve(ctx, 9, amount)
			if err != nil {
				return
			}
			if fail {
				g.Release(ctx, res)
				return
			}
			assert.NoError(t, g.Commit(ctx, res, src.persist(9, amount, clk.Now())))
		}(d(amounts[i%len(amounts)]), i%5 == 0)
	}
	wg.Wait()

	usage, err := g.Snapshot(ctx, 9)
	require.NoError(t, err)
	assert.True(t, usage.DayVolumeSOL.LessThanOrEqual(d("100")), usage.DayVolumeSOL.String())
	assert.Zero(t, usage.PendingReservations)
}

func TestGuard_CommitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Now()}
	src := &memSource{limit: d("100")}
	g := newGuard(src, defaultConfig(), clk)

	res, err := g.TryReserve(ctx, 1, d("10"))
	require.NoError(t, err)

	persist := src.persist(1, res.AmountSOL, clk.Now())
	require.NoError(t, g.Commit(ctx, res, persist))
	require.NoError(t, g.Commit(ctx, res, persist))

	usage, err := g.Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.DayTrades)
	assert.True(t, usage.DayVolumeSOL.Equal(d("10")))

	// release after commit must not undo anything
	g.Release(ctx, res)
	usage, err = g.Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.True(t, usage.DayVolumeSOL.Equal(d("10")))
}

func TestGuard_ReleaseFreesCapacity(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Now()}
	src := &memSource{limit: d("100")}
	g := newGuard(src, defaultConfig(), clk)

	res, err := g.TryReserve(ctx, 1, d("80"))
	require.NoError(t, err)
	_, err = g.TryReserve(ctx, 1, d("30"))
	require.ErrorIs(t, err, ErrLimitExceeded)

	g.Release(ctx, res)
	g.Release(ctx, res)

	_, err = g.TryReserve(ctx, 1, d("30"))
	require.NoError(t, err)

	err = g.Commit(ctx, res, nil)
	require.ErrorIs(t, err, ErrReservationReleased)
}

func TestGuard_CommitPersistFailureKeepsReservation(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Now()}
	src := &memSource{limit: d("100")}
	g := newGuard(src, defaultConfig(), clk)

	res, err := g.TryReserve(ctx, 1, d("10"))
	require.NoError(t, err)

	boom := errors.New("db down")
	err = g.Commit(ctx, res, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	usage, err := g.Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.PendingReservations)

	require.NoError(t, g.Commit(ctx, res, src.persist(1, res.AmountSOL, clk.Now())))
}

func TestGuard_ReleaseExpired(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Now()}
	src := &memSource{limit: d("100")}
	g := newGuard(src, defaultConfig(), clk)

	old, err := g.TryReserve(ctx, 1, d("50"))
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)
	_, err = g.TryReserve(ctx, 1, d("10"))
	require.NoError(t, err)

	assert.Equal(t, 1, g.ReleaseExpired(ctx, time.Hour))

	usage, err := g.Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.PendingReservations)
	assert.True(t, usage.PendingVolumeSOL.Equal(d("10")))

	require.ErrorIs(t, g.Commit(ctx, old, nil), ErrReservationReleased)
}

func TestGuard_SourceErrorIsNotALimit(t *testing.T) {
	src := &memSource{limit: d("100"), err: errors.New("connection refused")}
	g := newGuard(src, defaultConfig(), &clock{now: time.Now()})

	_, err := g.TryReserve(context.Background(), 1, d("1"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLimitExceeded)
}

func TestKeyedMutex_CancelledWaiter(t *testing.T) {
	k := newKeyedMutex()
	unlock, err := k.Lock(context.Background(), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Zero(t, k.size())
}

func TestGuard_LockWaitIsBounded(t *testing.T) {
	src := &memSource{limit: d("100")}
	cfg := defaultConfig()
	cfg.LockTimeout = 20 * time.Millisecond
	g := newGuard(src, cfg, &clock{now: time.Now()})

	res, err := g.TryReserve(context.Background(), 1, d("1"))
	require.NoError(t, err)

	// another trade of the same user sits in the critical section
	unlock, err := g.locks.Lock(context.Background(), 1)
	require.NoError(t, err)

	start := time.Now()
	_, err = g.TryReserve(context.Background(), 1, d("1"))
	require.ErrorIs(t, err, ErrLockTimeout)
	assert.NotErrorIs(t, err, ErrLimitExceeded)
	assert.Less(t, time.Since(start), time.Second)

	require.ErrorIs(t, g.Commit(context.Background(), res, nil), ErrLockTimeout)

	// a caller that gives up first sees its own cancellation
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.TryReserve(ctx, 1, d("1"))
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrLockTimeout)

	unlock()
	require.NoError(t, g.Commit(context.Background(), res, nil))
}
