package ports

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sand/solana-trading-bot/backend/internal/chain"
	"github.com/sand/solana-trading-bot/backend/internal/entities"
	"github.com/sand/solana-trading-bot/backend/internal/keyvault"
	"github.com/sand/solana-trading-bot/backend/internal/limits"
)

// TradeLedger is the durable record of trades and the source of truth for
// "has this already happened".
type TradeLedger interface {
	Insert(ctx context.Context, trade entities.Trade) error
	// UpdateStatus applies update under a row lock. A terminal trade is
	// left untouched and entities.ErrInvalidTransition is returned.
	UpdateStatus(ctx context.Context, id uuid.UUID, update entities.TradeUpdate) (entities.Trade, error)
	RecordSignature(ctx context.Context, id uuid.UUID, signature string) (entities.Trade, error)
	// CompleteTrade moves the trade to Completed and bumps the owner's
	// counters in one unit of work.
	CompleteTrade(ctx context.Context, id uuid.UUID, update entities.TradeUpdate) (entities.Trade, error)
	Get(ctx context.Context, id uuid.UUID) (entities.Trade, error)
	FindBySignature(ctx context.Context, signature string) (entities.Trade, error)
	// FindByIdempotencyKey ignores Failed trades.
	FindByIdempotencyKey(ctx context.Context, userID int64, key string) (entities.Trade, error)
	RollingCounters(ctx context.Context, userID int64, since time.Time) (entities.Counters, error)
	List(ctx context.Context, filter entities.TradeFilter) ([]entities.Trade, error)
	ListStale(ctx context.Context, updatedBefore time.Time) ([]entities.Trade, error)
}

type UserRepository interface {
	Get(ctx context.Context, id int64) (entities.User, error)
	Upsert(ctx context.Context, user entities.User) (entities.User, error)
	SetActive(ctx context.Context, id int64, active bool) error
	SetDailyLimit(ctx context.Context, id int64, limit decimal.Decimal) error
	Touch(ctx context.Context, id int64, at time.Time) error
	List(ctx context.Context, limit, offset uint64) ([]entities.User, error)
}

type WalletRepository interface {
	FindWallet(ctx context.Context, id uuid.UUID) (entities.Wallet, error)
	DefaultWallet(ctx context.Context, userID int64) (entities.Wallet, error)
	ListByUser(ctx context.Context, userID int64) ([]entities.Wallet, error)
	ListActive(ctx context.Context) ([]entities.Wallet, error)
	Insert(ctx context.Context, wallet entities.Wallet) error
	// SetDefault clears the previous default of the owner in the same unit
	// of work.
	SetDefault(ctx context.Context, userID int64, walletID uuid.UUID) error
	Deactivate(ctx context.Context, walletID uuid.UUID) error
	UpdateBalance(ctx context.Context, walletID uuid.UUID, balanceSOL decimal.Decimal, at time.Time) error
}

type QuoteGateway interface {
	GetQuote(ctx context.Context, req entities.QuoteRequest) (entities.Quote, error)
	BuildSwap(ctx context.Context, quote entities.Quote, userPublicKey string) (entities.SwapTransaction, error)
}

// Signer signs for exactly one wallet without exposing its key.
type Signer interface {
	PublicKey() solana.PublicKey
	SignTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
}

type SignerProvider interface {
	Signer(ctx context.Context, walletID uuid.UUID) (Signer, error)
}

type Submitter interface {
	Submit(ctx context.Context, tx *solana.Transaction, lastValidBlockHeight uint64) (chain.Submission, error)
	Balance(ctx context.Context, account string) (decimal.Decimal, error)
}

type LimitGuard interface {
	TryReserve(ctx context.Context, userID int64, amountSOL decimal.Decimal) (limits.Reservation, error)
	Commit(ctx context.Context, res limits.Reservation, persist func(ctx context.Context) error) error
	Release(ctx context.Context, res limits.Reservation)
	Snapshot(ctx context.Context, userID int64) (limits.Usage, error)
	ReleaseExpired(ctx context.Context, olderThan time.Duration) int
}

// TradeEvents receives every trade snapshot after a state change.
type TradeEvents interface {
	Publish(trade entities.Trade)
}

type TradeExecutor interface {
	Execute(ctx context.Context, intent entities.TradeIntent) (entities.Trade, error)
	Cancel(ctx context.Context, tradeID uuid.UUID) error
	Get(ctx context.Context, tradeID uuid.UUID) (entities.Trade, error)
}

type TradeQueryService interface {
	ListTrades(ctx context.Context, filter entities.TradeFilter) ([]entities.Trade, error)
	Get(ctx context.Context, tradeID uuid.UUID) (entities.Trade, error)
}

type UserService interface {
	Register(ctx context.Context, user entities.User) (entities.User, error)
	Get(ctx context.Context, id int64) (entities.User, error)
	ListUsers(ctx context.Context, limit, offset uint64) ([]entities.User, error)
	SetActive(ctx context.Context, id int64, active bool) error
	SetDailyLimit(ctx context.Context, id int64, limit decimal.Decimal) error
	Usage(ctx context.Context, id int64) (limits.Usage, error)
}

type WalletService interface {
	CreateWallet(ctx context.Context, userID int64, name string) (entities.Wallet, *keyvault.Secret, error)
	ImportWallet(ctx context.Context, userID int64, name, mnemonic string) (entities.Wallet, error)
	AddExternalWallet(ctx context.Context, userID int64, name, publicKey string, walletType entities.WalletType) (entities.Wallet, error)
	ListWallets(ctx context.Context, userID int64) ([]entities.Wallet, error)
	SetDefault(ctx context.Context, userID int64, walletID uuid.UUID) error
	Deactivate(ctx context.Context, userID int64, walletID uuid.UUID) error
	SyncBalances(ctx context.Context) (int, error)
}
