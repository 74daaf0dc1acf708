package chain

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/sand/solana-trading-bot/backend/internal/entities"
)

var (
	ErrUnknownToken     = errors.New("unknown token")
	ErrInvalidAmount    = errors.New("invalid token amount")
	ErrExcessPrecision  = errors.New("amount is finer than the token's smallest unit")
	ErrAmountOutOfRange = errors.New("amount does not fit into base units")
)

const LamportsPerSOL = solana.LAMPORTS_PER_SOL

// DefaultTokens are the mints the bot trades out of the box.
var DefaultTokens = []entities.Token{
	{Symbol: "SOL", Mint: entities.NativeSOLMint, Decimals: 9},
	{Symbol: "USDC", Mint: entities.USDCMint, Decimals: 6},
	{Symbol: "USDT", Mint: entities.USDTMint, Decimals: 6},
	{Symbol: "BONK", Mint: entities.BONKMint, Decimals: 5},
	{Symbol: "RAY", Mint: entities.RAYMint, Decimals: 6},
	{Symbol: "ORCA", Mint: entities.ORCAMint, Decimals: 6},
}

// Registry resolves tokens by mint or symbol. It is read-only after
// construction and safe for concurrent use.
type Registry struct {
	byMint   map[string]entities.Token
	bySymbol map[string]entities.Token
}

func NewRegistry(tokens ...entities.Token) (*Registry, error) {
	r := &Registry{
		byMint:   make(map[string]entities.Token, len(tokens)),
		bySymbol: make(map[string]entities.Token, len(tokens)),
	}

	for _, t := range tokens {
		if _, err := solana.PublicKeyFromBase58(t.Mint); err != nil {
			return nil, fmt.Errorf("token %s: invalid mint %q: %w", t.Symbol, t.Mint, err)
		}
		if t.Decimals < 0 || t.Decimals > 18 {
			return nil, fmt.Errorf("token %s: decimals %d out of range", t.Symbol, t.Decimals)
		}
		sym := strings.ToUpper(t.Symbol)
		if _, dup := r.bySymbol[sym]; dup {
			return nil, fmt.Errorf("token %s registered twice", sym)
		}
		t.Symbol = sym
		r.byMint[t.Mint] = t
		r.bySymbol[sym] = t
	}

	return r, nil
}

func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultTokens...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) ByMint(mint string) (entities.Token, bool) {
	t, ok := r.byMint[mint]
	return t, ok
}

func (r *Registry) BySymbol(symbol string) (entities.Token, bool) {
	t, ok := r.bySymbol[strings.ToUpper(symbol)]
	return t, ok
}

// Resolve accepts either a symbol or a mint address.
func (r *Registry) Resolve(s string) (entities.Token, error) {
	if t, ok := r.ByMint(s); ok {
		return t, nil
	}
	if t, ok := r.BySymbol(s); ok {
		return t, nil
	}
	return entities.Token{}, fmt.Errorf("%w: %s", ErrUnknownToken, s)
}

// Tokens lists the registry sorted by symbol.
func (r *Registry) Tokens() []entities.Token {
	symbols := maps.Keys(r.bySymbol)
	slices.Sort(symbols)

	out := make([]entities.Token, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, r.bySymbol[s])
	}
	return out
}

// ToBaseUnits converts a whole-unit amount to the integer smallest unit.
// Amounts finer than the token allows are rejected instead of rounded.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (uint64, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s with %d decimals", ErrExcessPrecision, amount, decimals)
	}
	if shifted.GreaterThan(decimal.NewFromUint64(math.MaxUint64)) {
		return 0, fmt.Errorf("%w: %s", ErrAmountOutOfRange, amount)
	}

	return shifted.BigInt().Uint64(), nil
}

func FromBaseUnits(units uint64, decimals int32) decimal.Decimal {
	return decimal.NewFromUint64(units).Shift(-decimals)
}

func LamportsToSOL(lamports uint64) decimal.Decimal {
	return FromBaseUnits(lamports, 9)
}
