package usecases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sand/solana-trading-bot/backend/internal/chain"
	"github.com/sand/solana-trading-bot/backend/internal/core/ports"
	"github.com/sand/solana-trading-bot/backend/internal/entities"
	"github.com/sand/solana-trading-bot/backend/internal/limits"
	"github.com/sand/solana-trading-bot/backend/internal/metrics"
)

// error kinds reported to the error-rate signal
const (
	errKindQuote             = "quote"
	errKindBuild             = "build"
	errKindAuth              = "auth"
	errKindSubmission        = "submission"
	errKindUnknownOutcome    = "unknown_outcome"
	errKindInternal          = "internal"
	errKindInvalidTransition = "invalid_transition"
)

const cancelledMessage = "cancelled by user"

type TradeConfig struct {
	MaxSlippageBps     int
	DefaultSlippageBps int
}

type TradeDeps struct {
	Ledger    ports.TradeLedger
	Users     ports.UserRepository
	Wallets   ports.WalletRepository
	Quotes    ports.QuoteGateway
	Signers   ports.SignerProvider
	Submitter ports.Submitter
	Guard     ports.LimitGuard
	Tokens    *chain.Registry
	Events    ports.TradeEvents // optional
	Metrics   *metrics.Metrics  // optional
}

// flight is the in-process state of a trade that is being executed.
type flight struct {
	mu        sync.Mutex
	cancelled bool
	submitted bool
	finished  bool // a terminal write has started
}

// finish closes the flight to new cancellations and reports whether one was
// requested before submission.
func (f *flight) finish() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = true
	return f.cancelled && !f.submitted
}

// TradeService drives a trade intent through quote, sign and submit while
// keeping the ledger and the limit guard consistent.
type TradeService struct {
	logger *slog.Logger
	cfg    TradeConfig
	deps   TradeDeps
	now    func() time.Time

	mu      sync.Mutex
	flights map[uuid.UUID]*flight
}

func NewTradeService(logger *slog.Logger, cfg TradeConfig, deps TradeDeps) *TradeService {
	if cfg.DefaultSlippageBps <= 0 {
		cfg.DefaultSlippageBps = ports.DefaultSlippageBps
	}
	if deps.Tokens == nil {
		deps.Tokens = chain.DefaultRegistry()
	}
	return &TradeService{
		logger:  logger.With("component", "trade_service"),
		cfg:     cfg,
		deps:    deps,
		now:     func() time.Time { return time.Now().UTC() },
		flights: make(map[uuid.UUID]*flight),
	}
}

// validated is an intent that passed every check that needs no side effect.
type validated struct {
	intent      entities.TradeIntent
	wallet      entities.Wallet
	input       entities.Token
	output      entities.Token
	baseUnits   uint64
	amountSOL   decimal.Decimal
	slippageBps int
}

func (s *TradeService) validate(ctx context.Context, intent entities.TradeIntent) (validated, error) {
	v := validated{intent: intent}

	if !intent.Amount.IsPositive() {
		return v, invalidIntent("amount must be positive")
	}

	var ok bool
	if v.input, ok = s.deps.Tokens.ByMint(intent.InputMint); !ok {
		return v, invalidIntent("unknown input token %q", intent.InputMint)
	}
	if v.output, ok = s.deps.Tokens.ByMint(intent.OutputMint); !ok {
		return v, invalidIntent("unknown output token %q", intent.OutputMint)
	}
	if v.input.Mint == v.output.Mint {
		return v, invalidIntent("input and output token are the same")
	}

	v.slippageBps = intent.MaxSlippageBps
	if v.slippageBps == 0 {
		v.slippageBps = s.cfg.DefaultSlippageBps
	}
	if v.slippageBps < 0 || (s.cfg.MaxSlippageBps > 0 && v.slippageBps > s.cfg.MaxSlippageBps) {
		return v, invalidIntent("slippage %d bps is outside 1..%d", v.slippageBps, s.cfg.MaxSlippageBps)
	}

	units, err := chain.ToBaseUnits(intent.Amount, v.input.Decimals)
	if err != nil {
		return v, invalidIntent("%v", err)
	}
	v.baseUnits = units

	switch {
	case v.input.Mint == entities.NativeSOLMint:
		v.amountSOL = intent.Amount
	case intent.AmountSOL.IsPositive():
		v.amountSOL = intent.AmountSOL
	default:
		return v, invalidIntent("amount_sol is required when SOL is not the input token")
	}

	user, err := s.deps.Users.Get(ctx, intent.UserID)
	if errors.Is(err, entities.ErrNotFound) {
		return v, invalidIntent("user %d is not registered", intent.UserID)
	}
	if err != nil {
		return v, fmt.Errorf("load user: %w", err)
	}
	if !user.IsActive {
		return v, invalidIntent("user %d is deactivated", intent.UserID)
	}

	if intent.WalletID == uuid.Nil {
		v.wallet, err = s.deps.Wallets.DefaultWallet(ctx, intent.UserID)
	} else {
		v.wallet, err = s.deps.Wallets.FindWallet(ctx, intent.WalletID)
	}
	if errors.Is(err, entities.ErrNotFound) {
		return v, invalidIntent("wallet not found")
	}
	if err != nil {
		return v, fmt.Errorf("load wallet: %w", err)
	}
	if v.wallet.UserID != intent.UserID || !v.wallet.IsActive {
		return v, invalidIntent("wallet %s is not an active wallet of user %d", v.wallet.ID, intent.UserID)
	}
	if !v.wallet.HoldsKey() {
		return v, invalidIntent("wallet %s cannot be signed by the bot", v.wallet.ID)
	}

	return v, nil
}

// Execute runs one intent to a terminal state, or returns the existing
// trade when the idempotency key was seen before.
func (s *TradeService) Execute(ctx context.Context, intent entities.TradeIntent) (entities.Trade, error) {
	v, err := s.validate(ctx, intent)
	if err != nil {
		if errors.Is(err, ErrInvalidIntent) {
			s.logger.InfoContext(ctx, "trade intent rejected", "user_id", intent.UserID, "error", err)
		} else {
			s.deps.Metrics.TradeError(errKindInternal)
		}
		return entities.Trade{}, err
	}

	if intent.IdempotencyKey != "" {
		existing, err := s.deps.Ledger.FindByIdempotencyKey(ctx, intent.UserID, intent.IdempotencyKey)
		if err == nil {
			s.logger.InfoContext(ctx, "returning existing trade for idempotency key", "trade_id", existing.ID, "user_id", intent.UserID)
			return existing, nil
		}
		if !errors.Is(err, entities.ErrNotFound) {
			s.deps.Metrics.TradeError(errKindInternal)
			return entities.Trade{}, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	started := s.now()
	trade := entities.NewTrade(intent, v.wallet.ID, v.input, v.output, v.amountSOL, v.slippageBps, started)

	f := &flight{}
	s.mu.Lock()
	s.flights[trade.ID] = f
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.flights, trade.ID)
		s.mu.Unlock()
	}()

	if err = s.deps.Ledger.Insert(ctx, trade); err != nil {
		if errors.Is(err, entities.ErrConflict) && intent.IdempotencyKey != "" {
			existing, findErr := s.deps.Ledger.FindByIdempotencyKey(ctx, intent.UserID, intent.IdempotencyKey)
			if findErr == nil {
				return existing, nil
			}
		}
		s.deps.Metrics.TradeError(errKindInternal)
		return entities.Trade{}, fmt.Errorf("insert trade: %w", err)
	}
	s.deps.Metrics.TradeStarted()
	s.publish(trade)

	s.logger.InfoContext(ctx, "trade created",
		"trade_id", trade.ID,
		"user_id", trade.UserID,
		"type", trade.TradeType,
		"input", trade.InputSymbol,
		"output", trade.OutputSymbol,
		"amount", trade.InputAmount.String(),
		"amount_sol", trade.AmountSOL.String(),
	)

	return s.run(ctx, trade, v, f, started)
}

func (s *TradeService) run(ctx context.Context, trade entities.Trade, v validated, f *flight, started time.Time) (entities.Trade, error) {
	// ledger writes must land even when the caller goes away mid-flight
	wctx := context.WithoutCancel(ctx)

	res, err := s.deps.Guard.TryReserve(ctx, trade.UserID, trade.AmountSOL)
	if err != nil {
		kind := errKindInternal
		if errors.Is(err, limits.ErrLimitExceeded) {
			kind = ""
		}
		return s.fail(wctx, f, trade, nil, err, kind, started)
	}
	reservation := &res

	if t, done := s.checkpoint(wctx, trade, f, reservation); done {
		return t, nil
	}

	quote, err := s.deps.Quotes.GetQuote(ctx, entities.QuoteRequest{
		InputMint:   v.input.Mint,
		OutputMint:  v.output.Mint,
		Amount:      v.baseUnits,
		SlippageBps: v.slippageBps,
	})
	if err != nil {
		return s.fail(wctx, f, trade, reservation, err, errKindQuote, started)
	}

	if t, done := s.checkpoint(wctx, trade, f, reservation); done {
		return t, nil
	}

	executing, err := s.transition(wctx, trade, entities.TradeUpdate{
		Status:  entities.TradeStatusExecuting,
		QuoteID: quoteRef(quote),
	})
	if err != nil {
		return s.fail(wctx, f, trade, reservation, err, errKindInvalidTransition, started)
	}
	trade = executing

	swap, err := s.deps.Quotes.BuildSwap(ctx, quote, v.wallet.PublicKey)
	if err != nil {
		return s.fail(wctx, f, trade, reservation, err, errKindBuild, started)
	}

	tx, err := chain.DecodeTransaction(swap.Payload)
	if err != nil {
		return s.fail(wctx, f, trade, reservation, err, errKindBuild, started)
	}

	signer, err := s.deps.Signers.Signer(ctx, v.wallet.ID)
	if err != nil {
		return s.fail(wctx, f, trade, reservation, err, errKindAuth, started)
	}
	sig, err := signer.SignTransaction(ctx, tx)
	if err != nil {
		return s.fail(wctx, f, trade, reservation, err, errKindAuth, started)
	}

	// the signature is on record before anything reaches the network
	signed, err := s.deps.Ledger.RecordSignature(wctx, trade.ID, sig.String())
	if err != nil {
		kind := errKindInternal
		if errors.Is(err, entities.ErrConflict) {
			kind = errKindSubmission
			err = fmt.Errorf("%w: signature %s already belongs to another trade", chain.ErrSubmissionFailed, sig)
		}
		return s.fail(wctx, f, trade, reservation, err, kind, started)
	}
	trade = signed

	f.mu.Lock()
	if f.cancelled {
		f.mu.Unlock()
		return s.cancel(wctx, trade, reservation), nil
	}
	f.submitted = true
	f.mu.Unlock()

	sub, err := s.deps.Submitter.Submit(wctx, tx, swap.LastValidBlockHeight)
	switch {
	case errors.Is(err, chain.ErrUnknownOutcome):
		return s.fail(wctx, f, trade, reservation, err, errKindUnknownOutcome, started)
	case errors.Is(err, chain.ErrDryRun):
		return s.fail(wctx, f, trade, reservation, err, "", started)
	case err != nil:
		return s.fail(wctx, f, trade, reservation, err, errKindSubmission, started)
	}

	return s.complete(wctx, trade, reservation, v, quote, sub, started)
}

func (s *TradeService) complete(ctx context.Context, trade entities.Trade, res *limits.Reservation, v validated, quote entities.Quote, sub chain.Submission, started time.Time) (entities.Trade, error) {
	outAmount := chain.FromBaseUnits(quote.OutAmount, v.output.Decimals)
	price := decimal.Zero
	if trade.InputAmount.IsPositive() {
		price = outAmount.DivRound(trade.InputAmount, 12)
	}

	var completed entities.Trade
	err := s.deps.Guard.Commit(ctx, *res, func(ctx context.Context) error {
		var err error
		completed, err = s.deps.Ledger.CompleteTrade(ctx, trade.ID, entities.TradeUpdate{
			Status:               entities.TradeStatusCompleted,
			At:                   s.now(),
			TransactionSignature: sub.Signature.String(),
			OutputAmount:         decimal.NewNullDecimal(outAmount),
			Price:                decimal.NewNullDecimal(price),
		})
		return err
	})
	if err != nil {
		// the transaction landed, so this is a bookkeeping failure the
		// operator has to reconcile
		s.deps.Metrics.TradeError(errKindInternal)
		s.logger.ErrorContext(ctx, "confirmed trade could not be recorded as completed",
			"trade_id", trade.ID,
			"signature", sub.Signature.String(),
			"error", err,
		)
		return trade, fmt.Errorf("record completed trade %s: %w", trade.ID, err)
	}

	s.deps.Metrics.TradeCompleted(completed.AmountSOL, s.now().Sub(started))
	s.logger.InfoContext(ctx, "trade completed",
		"trade_id", completed.ID,
		"user_id", completed.UserID,
		"signature", completed.TransactionSignature,
		"slot", sub.Slot,
		"output_amount", completed.OutputAmount.String(),
	)
	s.publish(completed)
	return completed, nil
}

// fail moves the trade to Failed. The reservation is released unless the
// transaction may have landed, in which case it stays held until an
// operator reconciles the trade.
func (s *TradeService) fail(ctx context.Context, f *flight, trade entities.Trade, res *limits.Reservation, cause error, kind string, started time.Time) (entities.Trade, error) {
	if f.finish() {
		// the caller was already told the cancellation took
		s.logger.InfoContext(ctx, "cancel requested before failure", "trade_id", trade.ID, "error", cause)
		return s.cancel(ctx, trade, res), nil
	}

	unknown := errors.Is(cause, chain.ErrUnknownOutcome)
	if res != nil && !unknown {
		s.deps.Guard.Release(ctx, *res)
	}

	msg := cause.Error()
	if unknown {
		msg = entities.UnknownOutcomeMarker + ": " + msg
	}

	failed, err := s.transition(ctx, trade, entities.TradeUpdate{
		Status:         entities.TradeStatusFailed,
		ErrorMessage:   msg,
		OutcomeUnknown: unknown,
	})
	if err != nil {
		s.deps.Metrics.TradeError(errKindInvalidTransition)
		return trade, errors.Join(cause, err)
	}

	s.deps.Metrics.TradeFailed(s.now().Sub(started))
	if kind != "" {
		s.deps.Metrics.TradeError(kind)
	}

	switch {
	case errors.Is(cause, limits.ErrLimitExceeded):
		s.logger.InfoContext(ctx, "trade rejected by limits", "trade_id", trade.ID, "user_id", trade.UserID, "reason", cause)
	case unknown:
		s.logger.ErrorContext(ctx, "trade outcome unknown, manual reconciliation required",
			"trade_id", trade.ID,
			"user_id", trade.UserID,
			"signature", failed.TransactionSignature,
			"error", cause,
		)
	default:
		s.logger.WarnContext(ctx, "trade failed", "trade_id", trade.ID, "user_id", trade.UserID, "kind", kind, "error", cause)
	}

	s.publish(failed)
	return failed, cause
}

// checkpoint honours a pending cancellation request between steps.
func (s *TradeService) checkpoint(ctx context.Context, trade entities.Trade, f *flight, res *limits.Reservation) (entities.Trade, bool) {
	f.mu.Lock()
	cancelled := f.cancelled
	f.mu.Unlock()
	if !cancelled {
		return trade, false
	}
	return s.cancel(ctx, trade, res), true
}

func (s *TradeService) cancel(ctx context.Context, trade entities.Trade, res *limits.Reservation) entities.Trade {
	if res != nil {
		s.deps.Guard.Release(ctx, *res)
	}
	cancelled, err := s.transition(ctx, trade, entities.TradeUpdate{
		Status:       entities.TradeStatusCancelled,
		ErrorMessage: cancelledMessage,
	})
	if err != nil {
		s.deps.Metrics.TradeError(errKindInvalidTransition)
		s.logger.ErrorContext(ctx, "failed to cancel trade", "trade_id", trade.ID, "error", err)
		return trade
	}
	s.logger.InfoContext(ctx, "trade cancelled", "trade_id", trade.ID, "user_id", trade.UserID)
	s.publish(cancelled)
	return cancelled
}

func (s *TradeService) transition(ctx context.Context, trade entities.Trade, update entities.TradeUpdate) (entities.Trade, error) {
	if update.At.IsZero() {
		update.At = s.now()
	}
	next, err := s.deps.Ledger.UpdateStatus(ctx, trade.ID, update)
	if err != nil {
		if errors.Is(err, entities.ErrInvalidTransition) {
			s.logger.ErrorContext(ctx, "trade state machine violation",
				"trade_id", trade.ID,
				"from", trade.Status,
				"to", update.Status,
				"error", err,
			)
		}
		return trade, fmt.Errorf("update trade %s to %s: %w", trade.ID, update.Status, err)
	}
	if update.Status == entities.TradeStatusExecuting {
		s.publish(next)
	}
	return next, nil
}

// Cancel stops a trade that has not been submitted yet. A trade that is
// being executed by this process is cancelled at its next step boundary.
func (s *TradeService) Cancel(ctx context.Context, tradeID uuid.UUID) error {
	s.mu.Lock()
	f, inFlight := s.flights[tradeID]
	s.mu.Unlock()

	if inFlight {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case f.submitted:
			return ErrTooLateToCancel
		case f.cancelled:
			return nil
		case f.finished:
			return ErrTooLateToCancel
		}
		f.cancelled = true
		return nil
	}

	trade, err := s.Get(ctx, tradeID)
	if err != nil {
		return err
	}
	switch {
	case trade.Status == entities.TradeStatusCancelled:
		return nil
	case trade.Status.IsTerminal(), trade.TransactionSignature != "":
		return ErrTooLateToCancel
	}

	// orphaned by a restart, nothing is running for it any more
	cancelled, err := s.transition(ctx, trade, entities.TradeUpdate{
		Status:       entities.TradeStatusCancelled,
		ErrorMessage: cancelledMessage,
	})
	if errors.Is(err, entities.ErrInvalidTransition) {
		return ErrTooLateToCancel
	}
	if err != nil {
		return err
	}
	s.publish(cancelled)
	return nil
}

func (s *TradeService) Get(ctx context.Context, tradeID uuid.UUID) (entities.Trade, error) {
	trade, err := s.deps.Ledger.Get(ctx, tradeID)
	if errors.Is(err, entities.ErrNotFound) {
		return entities.Trade{}, fmt.Errorf("%w: %s", ErrTradeNotFound, tradeID)
	}
	return trade, err
}

func (s *TradeService) ListTrades(ctx context.Context, filter entities.TradeFilter) ([]entities.Trade, error) {
	if filter.Limit == 0 {
		filter.Limit = ports.DefaultListLimit
	}
	if filter.Limit > ports.MaxListLimit {
		filter.Limit = ports.MaxListLimit
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidIntent, filter.Status)
	}
	return s.deps.Ledger.List(ctx, filter)
}

// FailStale marks trades that have not moved since before cutoff as
// failed. A trade with a recorded signature may have landed, so it is
// flagged as an unknown outcome instead of being released.
func (s *TradeService) FailStale(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := s.deps.Ledger.ListStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale trades: %w", err)
	}

	swept := 0
	for _, trade := range stale {
		s.mu.Lock()
		_, inFlight := s.flights[trade.ID]
		s.mu.Unlock()
		if inFlight {
			continue
		}

		update := entities.TradeUpdate{
			Status:       entities.TradeStatusFailed,
			ErrorMessage: "abandoned before reaching a terminal state",
		}
		if trade.TransactionSignature != "" {
			update.ErrorMessage = entities.UnknownOutcomeMarker + ": " + update.ErrorMessage
			update.OutcomeUnknown = true
		}

		failed, err := s.transition(ctx, trade, update)
		if err != nil {
			s.logger.WarnContext(ctx, "failed to sweep stale trade", "trade_id", trade.ID, "error", err)
			continue
		}
		swept++
		s.publish(failed)
	}

	s.deps.Metrics.TradesSwept(swept)
	return swept, nil
}

func (s *TradeService) publish(trade entities.Trade) {
	if s.deps.Events != nil {
		s.deps.Events.Publish(trade)
	}
}

func quoteRef(q entities.Quote) string {
	if q.ID != "" {
		return q.ID
	}
	return fmt.Sprintf("%s:%d", q.InputMint, q.ContextSlot)
}

var (
	_ ports.TradeExecutor     = (*TradeService)(nil)
	_ ports.TradeQueryService = (*TradeService)(nil)
)
