package usecases

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sand/solana-trading-bot/backend/internal/core/ports"
	"github.com/sand/solana-trading-bot/backend/internal/entities"
	"github.com/sand/solana-trading-bot/backend/internal/keyvault"
)

// VaultSigners hands out keyvault signers behind the ports.SignerProvider
// interface.
type VaultSigners struct {
	Vault *keyvault.Vault
}

func (p VaultSigners) Signer(ctx context.Context, walletID uuid.UUID) (ports.Signer, error) {
	signer, err := p.Vault.Signer(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return signer, nil
}

// LimitSource feeds the limit guard from the ledger and the user table.
type LimitSource struct {
	Ledger ports.TradeLedger
	Users  ports.UserRepository
	// DefaultDailyLimit applies to users without a positive limit of their own.
	DefaultDailyLimit decimal.Decimal
}

func (s LimitSource) CompletedSince(ctx context.Context, userID int64, since time.Time) (entities.Counters, error) {
	return s.Ledger.RollingCounters(ctx, userID, since)
}

func (s LimitSource) DailyLimit(ctx context.Context, userID int64) (decimal.Decimal, error) {
	user, err := s.Users.Get(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	if user.DailyTradeLimit.IsPositive() {
		return user.DailyTradeLimit, nil
	}
	return s.DefaultDailyLimit, nil
}
