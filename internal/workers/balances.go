package workers

import (
	"context"
	"log/slog"
)

type BalanceSyncer interface {
	SyncBalances(ctx context.Context) (int, error)
}

// BalanceRefresher keeps the cached SOL balance of active wallets fresh.
type BalanceRefresher struct {
	logger  *slog.Logger
	wallets BalanceSyncer
}

func NewBalanceRefresher(logger *slog.Logger, wallets BalanceSyncer) *BalanceRefresher {
	return &BalanceRefresher{
		logger:  logger.With("component", "balance_refresher"),
		wallets: wallets,
	}
}

func (b *BalanceRefresher) Name() string { return "balance_refresher" }

// Run reports partial failures but keeps whatever balances it refreshed.
func (b *BalanceRefresher) Run(ctx context.Context) error {
	updated, err := b.wallets.SyncBalances(ctx)
	b.logger.Debug("Refreshed wallet balances", "updated", updated)
	return err
}
