package entities

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TradeIntent is what the chat front end asks for. Amount is expressed in
// whole units of the input token.
type TradeIntent struct {
	UserID         int64           `json:"user_id"`
	WalletID       uuid.UUID       `json:"wallet_id,omitempty"` // zero means the user's default wallet
	InputMint      string          `json:"input_mint"`
	OutputMint     string          `json:"output_mint"`
	Amount         decimal.Decimal `json:"amount"`
	MaxSlippageBps int             `json:"max_slippage_bps"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`

	// AmountSOL is the caller's SOL valuation, required when SOL is not the
	// input side because limits are SOL denominated.
	AmountSOL decimal.Decimal `json:"amount_sol,omitempty"`
}
