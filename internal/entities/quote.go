package entities

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// RouteStep is one hop of a quoted route.
type RouteStep struct {
	AMMKey     string `json:"amm_key"`
	Label      string `json:"label,omitempty"`
	InputMint  string `json:"input_mint"`
	OutputMint string `json:"output_mint"`
	InAmount   uint64 `json:"in_amount"`
	OutAmount  uint64 `json:"out_amount"`
	FeeAmount  uint64 `json:"fee_amount"`
	FeeMint    string `json:"fee_mint"`
	Percent    int    `json:"percent"`
}

// Quote is a priced, short-lived route proposal. Amounts are in base units.
type Quote struct {
	ID                   string          `json:"id"`
	InputMint            string          `json:"input_mint"`
	OutputMint           string          `json:"output_mint"`
	InAmount             uint64          `json:"in_amount"`
	OutAmount            uint64          `json:"out_amount"`
	OtherAmountThreshold uint64          `json:"other_amount_threshold"`
	SwapMode             string          `json:"swap_mode"`
	SlippageBps          int             `json:"slippage_bps"`
	PriceImpactPct       decimal.Decimal `json:"price_impact_pct"`
	RoutePlan            []RouteStep     `json:"route_plan"`
	ContextSlot          uint64          `json:"context_slot"`
	FetchedAt            time.Time       `json:"fetched_at"`
	ExpiresAt            time.Time       `json:"expires_at"`

	// Raw is the provider response verbatim, echoed back when building the swap.
	Raw json.RawMessage `json:"-"`
}

// Expired reports whether the quote can no longer be used at now.
func (q Quote) Expired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && !now.Before(q.ExpiresAt)
}

// SwapTransaction is the unsigned transaction returned by the swap builder.
type SwapTransaction struct {
	Payload                   []byte `json:"-"` // wire encoded transaction
	LastValidBlockHeight      uint64 `json:"last_valid_block_height"`
	PrioritizationFeeLamports uint64 `json:"prioritization_fee_lamports"`
}

// QuoteRequest carries the amount in base units of the input mint.
type QuoteRequest struct {
	InputMint   string
	OutputMint  string
	Amount      uint64
	SlippageBps int
}
