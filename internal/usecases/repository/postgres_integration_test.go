//go:build integration

package repository

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sand/solana-trading-bot/backend/internal/entities"
	"github.com/sand/solana-trading-bot/backend/migrations"
	"github.com/sand/solana-trading-bot/backend/pkg/database"
)

func setupPostgres(t *testing.T) *database.Postgres {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("trading_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, database.RunMigrations(logger, connStr, migrations.FS))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return database.NewFromPool(pool)
}

type fixture struct {
	trades  *TradesRepository
	users   *UsersRepository
	wallets *WalletsRepository
	wallet  entities.Wallet
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	pg := setupPostgres(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := fixture{
		trades:  NewTradesRepository(logger, pg),
		users:   NewUsersRepository(logger, pg),
		wallets: NewWalletsRepository(logger, pg),
	}

	_, err := f.users.Upsert(t.Context(), entities.User{
		ID:              7,
		FirstName:       "Alice",
		IsActive:        true,
		DailyTradeLimit: decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	f.wallet = entities.Wallet{
		ID:                  uuid.New(),
		UserID:              7,
		PublicKey:           "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		EncryptedKey:        []byte{0x53, 0x4b, 0x01},
		EncryptionAlgorithm: "argon2id+aes-256-gcm",
		WalletType:          entities.WalletTypeHot,
		Name:                "main",
		IsDefault:           true,
		IsActive:            true,
		BalanceSOL:          decimal.Zero,
		LastSyncedAt:        now,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	require.NoError(t, f.wallets.Insert(t.Context(), f.wallet))
	return f
}

func (f fixture) newTrade(key string) entities.Trade {
	sol := entities.Token{Symbol: "SOL", Mint: entities.NativeSOLMint, Decimals: 9}
	usdc := entities.Token{Symbol: "USDC", Mint: entities.USDCMint, Decimals: 6}
	intent := entities.TradeIntent{
		UserID:         7,
		InputMint:      sol.Mint,
		OutputMint:     usdc.Mint,
		Amount:         decimal.RequireFromString("1.5"),
		IdempotencyKey: key,
	}
	return entities.NewTrade(intent, f.wallet.ID, sol, usdc, intent.Amount, 50, time.Now().UTC().Truncate(time.Microsecond))
}

func TestTradesRepository_Lifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	trade := f.newTrade("k1")
	require.NoError(t, f.trades.Insert(ctx, trade))
	require.ErrorIs(t, f.trades.Insert(ctx, f.newTrade("k1")), entities.ErrConflict)

	got, err := f.trades.FindByIdempotencyKey(ctx, 7, "k1")
	require.NoError(t, err)
	assert.Equal(t, trade.ID, got.ID)
	assert.True(t, got.InputAmount.Equal(decimal.RequireFromString("1.5")))

	_, err = f.trades.UpdateStatus(ctx, trade.ID, entities.TradeUpdate{Status: entities.TradeStatusExecuting, QuoteID: "q-1"})
	require.NoError(t, err)

	_, err = f.trades.RecordSignature(ctx, trade.ID, "sig-1")
	require.NoError(t, err)

	completed, err := f.trades.CompleteTrade(ctx, trade.ID, entities.TradeUpdate{
		OutputAmount: decimal.NewNullDecimal(decimal.RequireFromString("217.5")),
		Price:        decimal.NewNullDecimal(decimal.RequireFromString("145")),
	})
	require.NoError(t, err)
	assert.Equal(t, entities.TradeStatusCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)

	stored, err := f.trades.FindBySignature(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, entities.TradeStatusCompleted, stored.Status)
	assert.Equal(t, "q-1", stored.QuoteID)
	assert.True(t, stored.OutputAmount.Equal(decimal.RequireFromString("217.5")))

	user, err := f.users.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, user.TotalTrades)
	assert.True(t, user.TotalVolumeSOL.Equal(decimal.RequireFromString("1.5")))

	counters, err := f.trades.RollingCounters(ctx, 7, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Trades)
	assert.True(t, counters.VolumeSOL.Equal(decimal.RequireFromString("1.5")))

	// terminal trades never move again
	_, err = f.trades.UpdateStatus(ctx, trade.ID, entities.TradeUpdate{Status: entities.TradeStatusFailed})
	require.ErrorIs(t, err, entities.ErrInvalidTransition)
	stored, err = f.trades.Get(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.TradeStatusCompleted, stored.Status)
}

func TestTradesRepository_SignatureIsUnique(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	a, b := f.newTrade(""), f.newTrade("")
	require.NoError(t, f.trades.Insert(ctx, a))
	require.NoError(t, f.trades.Insert(ctx, b))

	_, err := f.trades.RecordSignature(ctx, a.ID, "dup")
	require.NoError(t, err)
	_, err = f.trades.RecordSignature(ctx, b.ID, "dup")
	require.ErrorIs(t, err, entities.ErrConflict)
}

func TestTradesRepository_ConcurrentTransitionsAreLinearizable(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	trade := f.newTrade("")
	require.NoError(t, f.trades.Insert(ctx, trade))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded []entities.TradeStatus
	)
	for _, status := range []entities.TradeStatus{entities.TradeStatusFailed, entities.TradeStatusCancelled} {
		for range 5 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := f.trades.UpdateStatus(ctx, trade.ID, entities.TradeUpdate{Status: status}); err == nil {
					mu.Lock()
					succeeded = append(succeeded, status)
					mu.Unlock()
				}
			}()
		}
	}
	wg.Wait()

	require.Len(t, succeeded, 1)
	stored, err := f.trades.Get(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, succeeded[0], stored.Status)
}

func TestTradesRepository_ListAndStale(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	for range 3 {
		require.NoError(t, f.trades.Insert(ctx, f.newTrade("")))
	}

	trades, err := f.trades.List(ctx, entities.TradeFilter{UserID: 7, Status: entities.TradeStatusPending, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, trades, 2)

	stale, err := f.trades.ListStale(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, stale, 3)

	stale, err = f.trades.ListStale(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestWalletsRepository_DefaultSwitch(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	second := f.wallet
	second.ID = uuid.New()
	second.PublicKey = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
	second.IsDefault = false
	second.EncryptedKey = nil
	second.WalletType = entities.WalletTypePhantom
	require.NoError(t, f.wallets.Insert(ctx, second))

	dup := second
	dup.ID = uuid.New()
	require.ErrorIs(t, f.wallets.Insert(ctx, dup), entities.ErrConflict)

	require.NoError(t, f.wallets.SetDefault(ctx, 7, second.ID))
	def, err := f.wallets.DefaultWallet(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, second.ID, def.ID)
	assert.Empty(t, def.EncryptedKey)

	first, err := f.wallets.FindWallet(ctx, f.wallet.ID)
	require.NoError(t, err)
	assert.False(t, first.IsDefault)
	assert.Equal(t, f.wallet.EncryptedKey, first.EncryptedKey)

	require.ErrorIs(t, f.wallets.SetDefault(ctx, 7, uuid.New()), entities.ErrNotFound)

	require.NoError(t, f.wallets.UpdateBalance(ctx, first.ID, decimal.RequireFromString("3.25"), time.Now()))
	require.NoError(t, f.wallets.Deactivate(ctx, second.ID))
	_, err = f.wallets.DefaultWallet(ctx, 7)
	require.ErrorIs(t, err, entities.ErrNotFound)

	active, err := f.wallets.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.True(t, active[0].BalanceSOL.Equal(decimal.RequireFromString("3.25")))
}

func TestUsersRepository(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	require.NoError(t, f.users.SetDailyLimit(ctx, 7, decimal.NewFromInt(5)))
	u, err := f.users.Upsert(ctx, entities.User{ID: 7, FirstName: "Alice", TelegramUsername: "alice", IsActive: true})
	require.NoError(t, err)
	assert.Equal(t, "alice", u.TelegramUsername)
	assert.True(t, u.DailyTradeLimit.Equal(decimal.NewFromInt(5)))

	require.NoError(t, f.users.SetActive(ctx, 7, false))
	require.ErrorIs(t, f.users.SetActive(ctx, 8, false), entities.ErrNotFound)

	_, err = f.users.Upsert(ctx, entities.User{ID: 8, TelegramUsername: "alice", IsActive: true})
	require.ErrorIs(t, err, entities.ErrConflict)

	users, err := f.users.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.False(t, users[0].IsActive)
}
