package usecases

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sand/solana-trading-bot/backend/internal/chain"
	"github.com/sand/solana-trading-bot/backend/internal/core/ports"
	"github.com/sand/solana-trading-bot/backend/internal/entities"
	"github.com/sand/solana-trading-bot/backend/internal/jupiter"
	"github.com/sand/solana-trading-bot/backend/internal/keyvault"
	"github.com/sand/solana-trading-bot/backend/internal/limits"
	"github.com/sand/solana-trading-bot/backend/internal/pkg/retry"
	"github.com/sand/solana-trading-bot/backend/internal/usecases/repository/memory"
)

const testUserID int64 = 1001

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func swapPayload(payer solana.PublicKey) ([]byte, error) {
	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(1_000, payer, solana.NewWallet().PublicKey()).Build()},
		solana.Hash{7},
		solana.TransactionPayer(payer),
	)
	if err != nil {
		return nil, err
	}
	return tx.MarshalBinary()
}

type fakeQuotes struct {
	mu       sync.Mutex
	calls    int
	err      error
	entered  chan struct{}
	release  chan struct{}
	outPayer *solana.PublicKey
}

func (f *fakeQuotes) GetQuote(ctx context.Context, req entities.QuoteRequest) (entities.Quote, error) {
	f.mu.Lock()
	f.calls++
	err, entered, release := f.err, f.entered, f.release
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return entities.Quote{}, ctx.Err()
		}
	}
	if err != nil {
		return entities.Quote{}, err
	}

	now := time.Now()
	return entities.Quote{
		ID:          uuid.NewString(),
		InputMint:   req.InputMint,
		OutputMint:  req.OutputMint,
		InAmount:    req.Amount,
		OutAmount:   145_230_000,
		SlippageBps: req.SlippageBps,
		FetchedAt:   now,
		ExpiresAt:   now.Add(time.Minute),
	}, nil
}

func (f *fakeQuotes) BuildSwap(_ context.Context, _ entities.Quote, userPublicKey string) (entities.SwapTransaction, error) {
	payer := solana.MustPublicKeyFromBase58(userPublicKey)
	if f.outPayer != nil {
		payer = *f.outPayer
	}
	payload, err := swapPayload(payer)
	if err != nil {
		return entities.SwapTransaction{}, err
	}
	return entities.SwapTransaction{Payload: payload, LastValidBlockHeight: 1_000}, nil
}

func (f *fakeQuotes) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSubmitter struct {
	mu      sync.Mutex
	calls   int
	err     error
	entered chan struct{}
	release chan struct{}
}

func (f *fakeSubmitter) Submit(_ context.Context, tx *solana.Transaction, _ uint64) (chain.Submission, error) {
	f.mu.Lock()
	f.calls++
	err, entered, release := f.err, f.entered, f.release
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return chain.Submission{}, err
	}
	return chain.Submission{Signature: tx.Signatures[0], Slot: 42}, nil
}

func (f *fakeSubmitter) Balance(context.Context, string) (decimal.Decimal, error) {
	return decimal.RequireFromString("1.5"), nil
}

func (f *fakeSubmitter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type eventRecorder struct {
	mu        sync.Mutex
	events    []entities.Trade
	onPublish func(entities.Trade)
}

func (r *eventRecorder) Publish(trade entities.Trade) {
	r.mu.Lock()
	r.events = append(r.events, trade)
	hook := r.onPublish
	r.mu.Unlock()

	if hook != nil {
		hook(trade)
	}
}

func (r *eventRecorder) statuses(id uuid.UUID) []entities.TradeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []entities.TradeStatus
	for _, e := range r.events {
		if e.ID == id {
			out = append(out, e.Status)
		}
	}
	return out
}

type harness struct {
	store     *memory.Store
	guard     *limits.Guard
	quotes    *fakeQuotes
	submitter *fakeSubmitter
	events    *eventRecorder
	wallets   *WalletService
	svc       *TradeService
	wallet    entities.Wallet
}

func newHarness(t *testing.T, quotes ports.QuoteGateway) *harness {
	t.Helper()
	logger := discardLogger()

	h := &harness{
		store:     memory.New(),
		submitter: &fakeSubmitter{},
		events:    &eventRecorder{},
	}
	if quotes == nil {
		h.quotes = &fakeQuotes{}
		quotes = h.quotes
	}

	_, err := h.store.Users().Upsert(t.Context(), entities.User{
		ID:              testUserID,
		FirstName:       "Alice",
		IsActive:        true,
		DailyTradeLimit: decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	vault, err := keyvault.New(logger, h.store.Wallets(), []byte("0123456789abcdef0123456789abcdef"),
		keyvault.WithKDF(keyvault.Argon2idParams(1, 64, 1)))
	require.NoError(t, err)
	t.Cleanup(vault.Close)

	h.guard = limits.NewGuard(logger, LimitSource{
		Ledger:            h.store.Trades(),
		Users:             h.store.Users(),
		DefaultDailyLimit: decimal.NewFromInt(100),
	}, limits.Config{
		MinTradeSOL:      decimal.RequireFromString("0.01"),
		MaxTradeSOL:      decimal.NewFromInt(100),
		MaxTradesPerHour: 10,
		MaxTradesPerDay:  50,
	})

	h.wallets = NewWalletService(logger, h.store.Wallets(), h.store.Users(), vault, h.submitter)
	wallet, mnemonic, err := h.wallets.CreateWallet(t.Context(), testUserID, "main")
	require.NoError(t, err)
	mnemonic.Wipe()
	h.wallet = wallet

	h.svc = NewTradeService(logger, TradeConfig{MaxSlippageBps: 200}, TradeDeps{
		Ledger:    h.store.Trades(),
		Users:     h.store.Users(),
		Wallets:   h.store.Wallets(),
		Quotes:    quotes,
		Signers:   VaultSigners{Vault: vault},
		Submitter: h.submitter,
		Guard:     h.guard,
		Events:    h.events,
	})
	return h
}

func buyIntent(amount string) entities.TradeIntent {
	return entities.TradeIntent{
		UserID:     testUserID,
		InputMint:  entities.NativeSOLMint,
		OutputMint: entities.USDCMint,
		Amount:     decimal.RequireFromString(amount),
	}
}

func (h *harness) trades(t *testing.T) []entities.Trade {
	t.Helper()
	trades, err := h.store.Trades().List(t.Context(), entities.TradeFilter{})
	require.NoError(t, err)
	return trades
}

func TestExecute_CompletesBuy(t *testing.T) {
	h := newHarness(t, nil)

	trade, err := h.svc.Execute(t.Context(), buyIntent("1"))
	require.NoError(t, err)

	assert.Equal(t, entities.TradeStatusCompleted, trade.Status)
	assert.Equal(t, entities.TradeTypeBuy, trade.TradeType)
	assert.Equal(t, h.wallet.ID, trade.WalletID)
	assert.Equal(t, "SOL", trade.InputSymbol)
	assert.Equal(t, "USDC", trade.OutputSymbol)
	assert.NotEmpty(t, trade.TransactionSignature)
	assert.NotEmpty(t, trade.QuoteID)
	assert.True(t, trade.OutputAmount.Equal(decimal.RequireFromString("145.23")), trade.OutputAmount.String())
	assert.True(t, trade.Price.Equal(decimal.RequireFromString("145.23")), trade.Price.String())
	assert.Equal(t, ports.DefaultSlippageBps, trade.SlippageBps)
	require.NotNil(t, trade.CompletedAt)

	assert.Equal(t, []entities.TradeStatus{
		entities.TradeStatusPending,
		entities.TradeStatusExecuting,
		entities.TradeStatusCompleted,
	}, h.events.statuses(trade.ID))

	usage, err := h.guard.Snapshot(t.Context(), testUserID)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.DayTrades)
	assert.Zero(t, usage.PendingReservations)

	user, err := h.store.Users().Get(t.Context(), testUserID)
	require.NoError(t, err)
	assert.Equal(t, 1, user.TotalTrades)
	assert.True(t, user.TotalVolumeSOL.Equal(decimal.NewFromInt(1)))

	bySig, err := h.store.Trades().FindBySignature(t.Context(), trade.TransactionSignature)
	require.NoError(t, err)
	assert.Equal(t, trade.ID, bySig.ID)
}

func TestExecute_InvalidIntentCreatesNoRecord(t *testing.T) {
	h := newHarness(t, nil)

	external, err := h.wallets.AddExternalWallet(t.Context(), testUserID, "ledger", solana.NewWallet().PublicKey().String(), entities.WalletTypeLedger)
	require.NoError(t, err)

	_, err = h.store.Users().Upsert(t.Context(), entities.User{ID: 2002, IsActive: false})
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*entities.TradeIntent)
	}{
		{"zero amount", func(i *entities.TradeIntent) { i.Amount = decimal.Zero }},
		{"negative amount", func(i *entities.TradeIntent) { i.Amount = decimal.NewFromInt(-1) }},
		{"unknown input mint", func(i *entities.TradeIntent) { i.InputMint = "not-a-mint" }},
		{"unknown output mint", func(i *entities.TradeIntent) { i.OutputMint = solana.NewWallet().PublicKey().String() }},
		{"same mint", func(i *entities.TradeIntent) { i.OutputMint = entities.NativeSOLMint }},
		{"slippage above ceiling", func(i *entities.TradeIntent) { i.MaxSlippageBps = 201 }},
		{"negative slippage", func(i *entities.TradeIntent) { i.MaxSlippageBps = -5 }},
		{"excess precision", func(i *entities.TradeIntent) { i.Amount = decimal.RequireFromString("0.0000000001") }},
		{"missing sol valuation", func(i *entities.TradeIntent) {
			i.InputMint, i.OutputMint = entities.USDCMint, entities.BONKMint
		}},
		{"unknown user", func(i *entities.TradeIntent) { i.UserID = 999 }},
		{"inactive user", func(i *entities.TradeIntent) { i.UserID = 2002 }},
		{"foreign wallet", func(i *entities.TradeIntent) { i.WalletID = uuid.New() }},
		{"wallet without key", func(i *entities.TradeIntent) { i.WalletID = external.ID }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent := buyIntent("1")
			tt.mutate(&intent)

			_, err := h.svc.Execute(t.Context(), intent)
			require.ErrorIs(t, err, ErrInvalidIntent)
			assert.Equal(t, err, PublicError(err))
		})
	}

	assert.Empty(t, h.trades(t))
	assert.Zero(t, h.quotes.Calls())
}

func TestExecute_SwapUsesCallerValuation(t *testing.T) {
	h := newHarness(t, nil)

	intent := entities.TradeIntent{
		UserID:     testUserID,
		InputMint:  entities.USDCMint,
		OutputMint: entities.BONKMint,
		Amount:     decimal.NewFromInt(150),
		AmountSOL:  decimal.RequireFromString("1.02"),
	}
	trade, err := h.svc.Execute(t.Context(), intent)
	require.NoError(t, err)

	assert.Equal(t, entities.TradeTypeSwap, trade.TradeType)
	assert.True(t, trade.AmountSOL.Equal(decimal.RequireFromString("1.02")))
}

func TestExecute_IdempotencyKeyReturnsExistingTrade(t *testing.T) {
	h := newHarness(t, nil)

	intent := buyIntent("2")
	intent.IdempotencyKey = "msg-42"

	first, err := h.svc.Execute(t.Context(), intent)
	require.NoError(t, err)
	second, err := h.svc.Execute(t.Context(), intent)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, h.trades(t), 1)
	assert.Equal(t, 1, h.quotes.Calls())
	assert.Equal(t, 1, h.submitter.Calls())

	usage, err := h.guard.Snapshot(t.Context(), testUserID)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.DayTrades)
	assert.True(t, usage.DayVolumeSOL.Equal(decimal.NewFromInt(2)))
	assert.Zero(t, usage.PendingReservations)
}

func TestExecute_FailedTradeFreesIdempotencyKey(t *testing.T) {
	h := newHarness(t, nil)
	h.quotes.err = jupiter.ErrQuoteUnavailable

	intent := buyIntent("1")
	intent.IdempotencyKey = "retry-me"

	failed, err := h.svc.Execute(t.Context(), intent)
	require.ErrorIs(t, err, jupiter.ErrQuoteUnavailable)
	assert.Equal(t, entities.TradeStatusFailed, failed.Status)

	h.quotes.mu.Lock()
	h.quotes.err = nil
	h.quotes.mu.Unlock()

	retried, err := h.svc.Execute(t.Context(), intent)
	require.NoError(t, err)
	assert.NotEqual(t, failed.ID, retried.ID)
	assert.Equal(t, entities.TradeStatusCompleted, retried.Status)
}

func TestExecute_DailyVolumeScenario(t *testing.T) {
	h := newHarness(t, nil)

	first, err := h.svc.Execute(t.Context(), buyIntent("60"))
	require.NoError(t, err)
	assert.Equal(t, entities.TradeStatusCompleted, first.Status)

	rejected, err := h.svc.Execute(t.Context(), buyIntent("50"))
	var limitErr *limits.LimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, limits.ReasonDailyVolume, limitErr.Reason)
	assert.Equal(t, entities.TradeStatusFailed, rejected.Status)
	assert.Contains(t, rejected.ErrorMessage, "daily volume")
	assert.Equal(t, err, PublicError(err))

	third, err := h.svc.Execute(t.Context(), buyIntent("30"))
	require.NoError(t, err)
	assert.Equal(t, entities.TradeStatusCompleted, third.Status)

	counters, err := h.store.Trades().RollingCounters(t.Context(), testUserID, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, counters.Trades)
	assert.True(t, counters.VolumeSOL.Equal(decimal.NewFromInt(90)))

	// only two quotes were requested, the rejected trade never left admission
	assert.Equal(t, 2, h.quotes.Calls())
}

func TestExecute_ConcurrentTradesNeverExceedDailyLimit(t *testing.T) {
	h := newHarness(t, nil)

	const workers = 8
	var (
		wg        sync.WaitGroup
		completed atomic.Int32
		limited   atomic.Int32
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			trade, err := h.svc.Execute(context.Background(), buyIntent("30"))
			switch {
			case err == nil && trade.Status == entities.TradeStatusCompleted:
				completed.Add(1)
			case errors.Is(err, limits.ErrLimitExceeded):
				limited.Add(1)
			default:
				t.Errorf("unexpected outcome: %v %v", trade.Status, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), completed.Load())
	assert.Equal(t, int32(workers-3), limited.Load())

	counters, err := h.store.Trades().RollingCounters(t.Context(), testUserID, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.True(t, counters.VolumeSOL.LessThanOrEqual(decimal.NewFromInt(100)))
}

func TestExecute_QuoteTimeoutsThenSucceeds(t *testing.T) {
	var quoteCalls atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/quote":
			if quoteCalls.Add(1) <= 2 {
				time.Sleep(150 * time.Millisecond)
				return
			}
			_, _ = fmt.Fprintf(w, `{"inputMint":%q,"outputMint":%q,"inAmount":%q,"outAmount":"145230000",`+
				`"otherAmountThreshold":"144503850","swapMode":"ExactIn","slippageBps":50,"priceImpactPct":"0.001",`+
				`"routePlan":[],"contextSlot":245000000}`,
				r.URL.Query().Get("inputMint"), r.URL.Query().Get("outputMint"), r.URL.Query().Get("amount"))
		case "/swap":
			var req struct {
				UserPublicKey string `json:"userPublicKey"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			payload, err := swapPayload(solana.MustPublicKeyFromBase58(req.UserPublicKey))
			if err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"swapTransaction":      base64.StdEncoding.EncodeToString(payload),
				"lastValidBlockHeight": 1_000,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := jupiter.NewClient(discardLogger(), jupiter.Config{
		BaseURL: srv.URL,
		Timeout: 50 * time.Millisecond,
		Retry: retry.Policy{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Multiplier:     2,
		},
		QuoteTTL: time.Minute,
	})
	h := newHarness(t, client)

	trade, err := h.svc.Execute(t.Context(), buyIntent("1"))
	require.NoError(t, err)

	assert.Equal(t, int32(3), quoteCalls.Load())
	assert.Equal(t, entities.TradeStatusCompleted, trade.Status)
	assert.Contains(t, h.events.statuses(trade.ID), entities.TradeStatusExecuting)
	assert.True(t, trade.OutputAmount.Equal(decimal.RequireFromString("145.23")))
}

func TestExecute_QuoteUnavailableReleasesReservation(t *testing.T) {
	h := newHarness(t, nil)
	h.quotes.err = fmt.Errorf("%w: retries exhausted", jupiter.ErrQuoteUnavailable)

	trade, err := h.svc.Execute(t.Context(), buyIntent("1"))
	require.ErrorIs(t, err, jupiter.ErrQuoteUnavailable)
	assert.Equal(t, entities.TradeStatusFailed, trade.Status)
	assert.False(t, trade.OutcomeUnknown)
	assert.Equal(t, errTradeFailed, PublicError(err))

	usage, err := h.guard.Snapshot(t.Context(), testUserID)
	require.NoError(t, err)
	assert.Zero(t, usage.PendingReservations)
	assert.Zero(t, usage.DayTrades)
	assert.Zero(t, h.submitter.Calls())
}

func TestExecute_SubmissionFailedReleasesReservation(t *testing.T) {
	h := newHarness(t, nil)
	h.submitter.err = fmt.Errorf("%w: custom program error 0x1771", chain.ErrSubmissionFailed)

	trade, err := h.svc.Execute(t.Context(), buyIntent("1"))
	require.ErrorIs(t, err, chain.ErrSubmissionFailed)
	assert.Equal(t, entities.TradeStatusFailed, trade.Status)
	assert.NotEmpty(t, trade.TransactionSignature)
	assert.Contains(t, trade.ErrorMessage, "0x1771")

	usage, err := h.guard.Snapshot(t.Context(), testUserID)
	require.NoError(t, err)
	assert.Zero(t, usage.PendingReservations)
}

func TestExecute_UnknownOutcomeIsFlaggedAndHeld(t *testing.T) {
	h := newHarness(t, nil)
	h.submitter.err = fmt.Errorf("%w: not confirmed within 60s", chain.ErrUnknownOutcome)

	trade, err := h.svc.Execute(t.Context(), buyIntent("5"))
	require.ErrorIs(t, err, chain.ErrUnknownOutcome)

	assert.Equal(t, entities.TradeStatusFailed, trade.Status)
	assert.True(t, trade.OutcomeUnknown)
	assert.True(t, strings.HasPrefix(trade.ErrorMessage, entities.UnknownOutcomeMarker))
	assert.NotEmpty(t, trade.TransactionSignature)
	assert.Equal(t, 1, h.submitter.Calls())
	assert.Equal(t, errTradeFailed, PublicError(err))

	usage, err := h.guard.Snapshot(t.Context(), testUserID)
	require.NoError(t, err)
	assert.Zero(t, usage.DayTrades)
	assert.Equal(t, 1, usage.PendingReservations)
	assert.True(t, usage.PendingVolumeSOL.Equal(decimal.NewFromInt(5)))

	user, err := h.store.Users().Get(t.Context(), testUserID)
	require.NoError(t, err)
	assert.Zero(t, user.TotalTrades)
}

func TestExecute_SignerMismatchFails(t *testing.T) {
	h := newHarness(t, nil)
	stranger := solana.NewWallet().PublicKey()
	h.quotes.outPayer = &stranger

	trade, err := h.svc.Execute(t.Context(), buyIntent("1"))
	require.Error(t, err)
	assert.Equal(t, entities.TradeStatusFailed, trade.Status)
	assert.Empty(t, trade.TransactionSignature)
	assert.Zero(t, h.submitter.Calls())

	usage, err := h.guard.Snapshot(t.Context(), testUserID)
	require.NoError(t, err)
	assert.Zero(t, usage.PendingReservations)
}

func TestExecute_DryRunFailsWithoutCounting(t *testing.T) {
	h := newHarness(t, nil)
	h.submitter.err = chain.ErrDryRun

	trade, err := h.svc.Execute(t.Context(), buyIntent("1"))
	require.ErrorIs(t, err, chain.ErrDryRun)
	assert.Equal(t, entities.TradeStatusFailed, trade.Status)

	usage, err := h.guard.Snapshot(t.Context(), testUserID)
	require.NoError(t, err)
	assert.Zero(t, usage.PendingReservations)
	assert.Zero(t, usage.DayTrades)
}

func TestCancel_DuringQuote(t *testing.T) {
	h := newHarness(t, nil)
	h.quotes.entered = make(chan struct{})
	h.quotes.release = make(chan struct{})

	type result struct {
		trade entities.Trade
		err   error
	}
	done := make(chan result, 1)
	go func() {
		trade, err := h.svc.Execute(context.Background(), buyIntent("1"))
		done <- result{trade, err}
	}()

	<-h.quotes.entered
	trades := h.trades(t)
	require.Len(t, trades, 1)
	require.NoError(t, h.svc.Cancel(t.Context(), trades[0].ID))
	close(h.quotes.release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, entities.TradeStatusCancelled, res.trade.Status)
	assert.Zero(t, h.submitter.Calls())

	usage, err := h.guard.Snapshot(t.Context(), testUserID)
	require.NoError(t, err)
	assert.Zero(t, usage.PendingReservations)

	// cancelling again is a no-op
	require.NoError(t, h.svc.Cancel(t.Context(), trades[0].ID))
}

func TestCancel_AfterFailureIsTooLate(t *testing.T) {
	h := newHarness(t, nil)
	h.quotes.err = fmt.Errorf("%w: retries exhausted", jupiter.ErrQuoteUnavailable)

	var cancelErr error
	h.events.onPublish = func(trade entities.Trade) {
		// the flight is still registered while the failure is published
		if trade.Status == entities.TradeStatusFailed {
			cancelErr = h.svc.Cancel(context.Background(), trade.ID)
		}
	}

	trade, err := h.svc.Execute(t.Context(), buyIntent("1"))
	require.ErrorIs(t, err, jupiter.ErrQuoteUnavailable)
	assert.Equal(t, entities.TradeStatusFailed, trade.Status)
	require.ErrorIs(t, cancelErr, ErrTooLateToCancel)

	got, err := h.store.Trades().Get(t.Context(), trade.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.TradeStatusFailed, got.Status)
}

func TestCancel_BeforeFailureWins(t *testing.T) {
	h := newHarness(t, nil)
	h.quotes.entered = make(chan struct{})
	h.quotes.release = make(chan struct{})
	h.quotes.err = fmt.Errorf("%w: retries exhausted", jupiter.ErrQuoteUnavailable)

	type result struct {
		trade entities.Trade
		err   error
	}
	done := make(chan result, 1)
	go func() {
		trade, err := h.svc.Execute(context.Background(), buyIntent("1"))
		done <- result{trade, err}
	}()

	<-h.quotes.entered
	trades := h.trades(t)
	require.Len(t, trades, 1)
	require.NoError(t, h.svc.Cancel(t.Context(), trades[0].ID))
	close(h.quotes.release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, entities.TradeStatusCancelled, res.trade.Status)

	usage, err := h.guard.Snapshot(t.Context(), testUserID)
	require.NoError(t, err)
	assert.Zero(t, usage.PendingReservations)
}

func TestCancel_AfterSubmitIsTooLate(t *testing.T) {
	h := newHarness(t, nil)
	h.submitter.entered = make(chan struct{})
	h.submitter.release = make(chan struct{})

	done := make(chan entities.Trade, 1)
	go func() {
		trade, _ := h.svc.Execute(context.Background(), buyIntent("1"))
		done <- trade
	}()

	<-h.submitter.entered
	trades := h.trades(t)
	require.Len(t, trades, 1)
	require.ErrorIs(t, h.svc.Cancel(t.Context(), trades[0].ID), ErrTooLateToCancel)
	close(h.submitter.release)

	trade := <-done
	assert.Equal(t, entities.TradeStatusCompleted, trade.Status)
	require.ErrorIs(t, h.svc.Cancel(t.Context(), trade.ID), ErrTooLateToCancel)
}

func TestCancel_OrphanedAndUnknownTrades(t *testing.T) {
	h := newHarness(t, nil)

	require.ErrorIs(t, h.svc.Cancel(t.Context(), uuid.New()), ErrTradeNotFound)

	sol, _ := chain.DefaultRegistry().ByMint(entities.NativeSOLMint)
	usdc, _ := chain.DefaultRegistry().ByMint(entities.USDCMint)
	orphan := entities.NewTrade(buyIntent("1"), h.wallet.ID, sol, usdc, decimal.NewFromInt(1), 50, time.Now().UTC())
	require.NoError(t, h.store.Trades().Insert(t.Context(), orphan))

	require.NoError(t, h.svc.Cancel(t.Context(), orphan.ID))
	got, err := h.svc.Get(t.Context(), orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.TradeStatusCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)

	signed := entities.NewTrade(buyIntent("1"), h.wallet.ID, sol, usdc, decimal.NewFromInt(1), 50, time.Now().UTC())
	require.NoError(t, h.store.Trades().Insert(t.Context(), signed))
	_, err = h.store.Trades().RecordSignature(t.Context(), signed.ID, solana.Signature{9}.String())
	require.NoError(t, err)
	require.ErrorIs(t, h.svc.Cancel(t.Context(), signed.ID), ErrTooLateToCancel)
}

func TestFailStale(t *testing.T) {
	h := newHarness(t, nil)

	sol, _ := chain.DefaultRegistry().ByMint(entities.NativeSOLMint)
	usdc, _ := chain.DefaultRegistry().ByMint(entities.USDCMint)
	old := time.Now().UTC().Add(-time.Hour)

	pending := entities.NewTrade(buyIntent("1"), h.wallet.ID, sol, usdc, decimal.NewFromInt(1), 50, old)
	require.NoError(t, h.store.Trades().Insert(t.Context(), pending))

	executing := entities.NewTrade(buyIntent("1"), h.wallet.ID, sol, usdc, decimal.NewFromInt(1), 50, old)
	require.NoError(t, h.store.Trades().Insert(t.Context(), executing))
	_, err := h.store.Trades().UpdateStatus(t.Context(), executing.ID, entities.TradeUpdate{Status: entities.TradeStatusExecuting, At: old})
	require.NoError(t, err)
	_, err = h.store.Trades().RecordSignature(t.Context(), executing.ID, solana.Signature{3}.String())
	require.NoError(t, err)

	fresh, err := h.svc.Execute(t.Context(), buyIntent("1"))
	require.NoError(t, err)

	swept, err := h.svc.FailStale(t.Context(), time.Now().UTC().Add(-10*time.Minute))
	require.NoError(t, err)
	// the signature write touched updated_at, so only the pending one is stale
	assert.Equal(t, 1, swept)

	swept, err = h.svc.FailStale(t.Context(), time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := h.svc.Get(t.Context(), pending.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.TradeStatusFailed, got.Status)
	assert.False(t, got.OutcomeUnknown)

	got, err = h.svc.Get(t.Context(), executing.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.TradeStatusFailed, got.Status)
	assert.True(t, got.OutcomeUnknown)

	got, err = h.svc.Get(t.Context(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.TradeStatusCompleted, got.Status)
}

func TestListTrades(t *testing.T) {
	h := newHarness(t, nil)

	for range 3 {
		_, err := h.svc.Execute(t.Context(), buyIntent("1"))
		require.NoError(t, err)
	}

	trades, err := h.svc.ListTrades(t.Context(), entities.TradeFilter{UserID: testUserID, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, trades, 2)

	trades, err = h.svc.ListTrades(t.Context(), entities.TradeFilter{Status: entities.TradeStatusFailed})
	require.NoError(t, err)
	assert.Empty(t, trades)

	_, err = h.svc.ListTrades(t.Context(), entities.TradeFilter{Status: "DONE"})
	require.ErrorIs(t, err, ErrInvalidIntent)
}
