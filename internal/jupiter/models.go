package jupiter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sand/solana-trading-bot/backend/internal/entities"
)

type quoteResponse struct {
	InputMint            string          `json:"inputMint"`
	OutputMint           string          `json:"outputMint"`
	InAmount             string          `json:"inAmount"`
	OutAmount            string          `json:"outAmount"`
	OtherAmountThreshold string          `json:"otherAmountThreshold"`
	SwapMode             string          `json:"swapMode"`
	SlippageBps          int             `json:"slippageBps"`
	PriceImpactPct       string          `json:"priceImpactPct"`
	RoutePlan            []routePlanStep `json:"routePlan"`
	ContextSlot          uint64          `json:"contextSlot"`
	TimeTaken            float64         `json:"timeTaken"`
}

type routePlanStep struct {
	SwapInfo struct {
		AMMKey     string `json:"ammKey"`
		Label      string `json:"label"`
		InputMint  string `json:"inputMint"`
		OutputMint string `json:"outputMint"`
		InAmount   string `json:"inAmount"`
		OutAmount  string `json:"outAmount"`
		FeeAmount  string `json:"feeAmount"`
		FeeMint    string `json:"feeMint"`
	} `json:"swapInfo"`
	Percent int `json:"percent"`
}

type swapRequest struct {
	QuoteResponse             json.RawMessage `json:"quoteResponse"`
	UserPublicKey             string          `json:"userPublicKey"`
	WrapAndUnwrapSol          bool            `json:"wrapAndUnwrapSol"`
	UseSharedAccounts         bool            `json:"useSharedAccounts"`
	DynamicComputeUnitLimit   bool            `json:"dynamicComputeUnitLimit"`
	PrioritizationFeeLamports *uint64         `json:"prioritizationFeeLamports,omitempty"`
	AsLegacyTransaction       bool            `json:"asLegacyTransaction,omitempty"`
}

type swapResponse struct {
	SwapTransaction           string `json:"swapTransaction"`
	LastValidBlockHeight      uint64 `json:"lastValidBlockHeight"`
	PrioritizationFeeLamports uint64 `json:"prioritizationFeeLamports"`
}

type errorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode"`
}

func (r quoteResponse) toQuote(raw json.RawMessage, fetchedAt time.Time, ttl time.Duration) (entities.Quote, error) {
	inAmount, err := parseAmount("inAmount", r.InAmount)
	if err != nil {
		return entities.Quote{}, err
	}
	outAmount, err := parseAmount("outAmount", r.OutAmount)
	if err != nil {
		return entities.Quote{}, err
	}
	threshold, err := parseAmount("otherAmountThreshold", r.OtherAmountThreshold)
	if err != nil {
		return entities.Quote{}, err
	}

	impact := decimal.Zero
	if r.PriceImpactPct != "" {
		if impact, err = decimal.NewFromString(r.PriceImpactPct); err != nil {
			return entities.Quote{}, fmt.Errorf("priceImpactPct %q: %w", r.PriceImpactPct, err)
		}
	}

	steps := make([]entities.RouteStep, 0, len(r.RoutePlan))
	for _, step := range r.RoutePlan {
		info := step.SwapInfo
		// step amounts are informational, a bad one should not void the quote
		in, _ := strconv.ParseUint(info.InAmount, 10, 64)
		out, _ := strconv.ParseUint(info.OutAmount, 10, 64)
		fee, _ := strconv.ParseUint(info.FeeAmount, 10, 64)
		steps = append(steps, entities.RouteStep{
			AMMKey:     info.AMMKey,
			Label:      info.Label,
			InputMint:  info.InputMint,
			OutputMint: info.OutputMint,
			InAmount:   in,
			OutAmount:  out,
			FeeAmount:  fee,
			FeeMint:    info.FeeMint,
			Percent:    step.Percent,
		})
	}

	return entities.Quote{
		ID:                   fmt.Sprintf("%d:%s:%s:%d", r.ContextSlot, r.InputMint, r.OutputMint, inAmount),
		InputMint:            r.InputMint,
		OutputMint:           r.OutputMint,
		InAmount:             inAmount,
		OutAmount:            outAmount,
		OtherAmountThreshold: threshold,
		SwapMode:             r.SwapMode,
		SlippageBps:          r.SlippageBps,
		PriceImpactPct:       impact,
		RoutePlan:            steps,
		ContextSlot:          r.ContextSlot,
		FetchedAt:            fetchedAt,
		ExpiresAt:            fetchedAt.Add(ttl),
		Raw:                  raw,
	}, nil
}

func parseAmount(field, v string) (uint64, error) {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", field, v, err)
	}
	return n, nil
}
