package entities

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrInvalidTransition guards the trade state machine. Seeing it in
// production means two writers raced on the same trade.
var ErrInvalidTransition = errors.New("invalid trade status transition")

// UnknownOutcomeMarker prefixes the error message of trades whose
// transaction may or may not have landed on chain.
const UnknownOutcomeMarker = "unknown outcome"

type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "PENDING"
	TradeStatusExecuting TradeStatus = "EXECUTING"
	TradeStatusCompleted TradeStatus = "COMPLETED"
	TradeStatusFailed    TradeStatus = "FAILED"
	TradeStatusCancelled TradeStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition may leave s.
func (s TradeStatus) IsTerminal() bool {
	switch s {
	case TradeStatusCompleted, TradeStatusFailed, TradeStatusCancelled:
		return true
	default:
		return false
	}
}

func (s TradeStatus) Valid() bool {
	switch s {
	case TradeStatusPending, TradeStatusExecuting, TradeStatusCompleted, TradeStatusFailed, TradeStatusCancelled:
		return true
	default:
		return false
	}
}

var allowedTransitions = map[TradeStatus][]TradeStatus{
	TradeStatusPending:   {TradeStatusExecuting, TradeStatusFailed, TradeStatusCancelled},
	TradeStatusExecuting: {TradeStatusCompleted, TradeStatusFailed, TradeStatusCancelled},
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to TradeStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type TradeType string

const (
	TradeTypeBuy  TradeType = "BUY"
	TradeTypeSell TradeType = "SELL"
	TradeTypeSwap TradeType = "SWAP"
)

// Trade is a snapshot of one attempted swap. It is treated as a value:
// state changes go through Apply, which returns a new snapshot.
type Trade struct {
	ID       uuid.UUID `json:"id"`
	UserID   int64     `json:"user_id"`
	WalletID uuid.UUID `json:"wallet_id"`

	TradeType    TradeType       `json:"trade_type"`
	InputMint    string          `json:"input_mint"`
	OutputMint   string          `json:"output_mint"`
	InputSymbol  string          `json:"input_symbol"`
	OutputSymbol string          `json:"output_symbol"`
	InputAmount  decimal.Decimal `json:"input_amount"`
	OutputAmount decimal.Decimal `json:"output_amount"`
	AmountSOL    decimal.Decimal `json:"amount_sol"` // volume counted against limits
	Price        decimal.Decimal `json:"price"`
	SlippageBps  int             `json:"slippage_bps"`

	TransactionSignature string      `json:"transaction_signature,omitempty"`
	Status               TradeStatus `json:"status"`
	ErrorMessage         string      `json:"error_message,omitempty"`
	OutcomeUnknown       bool        `json:"outcome_unknown"`
	QuoteID              string      `json:"jupiter_quote_id,omitempty"`
	IdempotencyKey       string      `json:"idempotency_key,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewTrade builds the Pending snapshot for a validated intent.
func NewTrade(intent TradeIntent, walletID uuid.UUID, input, output Token, amountSOL decimal.Decimal, slippageBps int, now time.Time) Trade {
	return Trade{
		ID:             uuid.New(),
		UserID:         intent.UserID,
		WalletID:       walletID,
		TradeType:      ClassifyTrade(intent.InputMint, intent.OutputMint),
		InputMint:      input.Mint,
		OutputMint:     output.Mint,
		InputSymbol:    input.Symbol,
		OutputSymbol:   output.Symbol,
		InputAmount:    intent.Amount,
		OutputAmount:   decimal.Zero,
		AmountSOL:      amountSOL,
		Price:          decimal.Zero,
		SlippageBps:    slippageBps,
		Status:         TradeStatusPending,
		IdempotencyKey: intent.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// ClassifyTrade derives the trade type from which side holds SOL.
func ClassifyTrade(inputMint, outputMint string) TradeType {
	switch {
	case inputMint == NativeSOLMint:
		return TradeTypeBuy
	case outputMint == NativeSOLMint:
		return TradeTypeSell
	default:
		return TradeTypeSwap
	}
}

// TradeUpdate describes one status transition and the fields it carries.
// Zero values leave the current field untouched.
type TradeUpdate struct {
	Status               TradeStatus
	At                   time.Time
	TransactionSignature string
	OutputAmount         decimal.NullDecimal
	Price                decimal.NullDecimal
	QuoteID              string
	ErrorMessage         string
	OutcomeUnknown       bool
}

// Apply is the transition function of the trade state machine. It never
// mutates t; on success the returned snapshot carries the new status.
func (t Trade) Apply(u TradeUpdate) (Trade, error) {
	if t.Status.IsTerminal() {
		return t, fmt.Errorf("%w: trade %s is already %s", ErrInvalidTransition, t.ID, t.Status)
	}
	if !CanTransition(t.Status, u.Status) {
		return t, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, u.Status)
	}
	if u.Status == TradeStatusCompleted && u.TransactionSignature == "" && t.TransactionSignature == "" {
		return t, fmt.Errorf("%w: completed trade requires a transaction signature", ErrInvalidTransition)
	}
	if t.TransactionSignature != "" && u.TransactionSignature != "" && t.TransactionSignature != u.TransactionSignature {
		return t, fmt.Errorf("%w: transaction signature is already set", ErrInvalidTransition)
	}

	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	next := t
	next.Status = u.Status
	next.UpdatedAt = at
	if u.TransactionSignature != "" {
		next.TransactionSignature = u.TransactionSignature
	}
	if u.OutputAmount.Valid {
		next.OutputAmount = u.OutputAmount.Decimal
	}
	if u.Price.Valid {
		next.Price = u.Price.Decimal
	}
	if u.QuoteID != "" {
		next.QuoteID = u.QuoteID
	}
	if u.ErrorMessage != "" {
		next.ErrorMessage = u.ErrorMessage
	}
	if u.OutcomeUnknown {
		next.OutcomeUnknown = true
	}
	if next.Status.IsTerminal() {
		completedAt := at
		next.CompletedAt = &completedAt
	}

	return next, nil
}

// WithSignature records the transaction signature ahead of submission so a
// crash after sending still leaves a trail. The status does not change.
func (t Trade) WithSignature(sig string, at time.Time) (Trade, error) {
	if t.Status.IsTerminal() {
		return t, fmt.Errorf("%w: trade %s is already %s", ErrInvalidTransition, t.ID, t.Status)
	}
	if sig == "" {
		return t, fmt.Errorf("%w: empty transaction signature", ErrInvalidTransition)
	}
	if t.TransactionSignature != "" && t.TransactionSignature != sig {
		return t, fmt.Errorf("%w: transaction signature is already set", ErrInvalidTransition)
	}

	next := t
	next.TransactionSignature = sig
	next.UpdatedAt = at
	return next, nil
}

// Counters is the aggregate of completed trades inside a rolling window.
type Counters struct {
	Trades    int
	VolumeSOL decimal.Decimal
}

// TradeFilter narrows admin listings. Zero values mean "any".
type TradeFilter struct {
	UserID int64
	Status TradeStatus
	Limit  uint64
	Offset uint64
}
