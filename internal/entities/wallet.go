package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type WalletType string

const (
	WalletTypeHot      WalletType = "HOT"
	WalletTypeLedger   WalletType = "LEDGER"
	WalletTypePhantom  WalletType = "PHANTOM"
	WalletTypeSolflare WalletType = "SOLFLARE"
)

// Wallet represents a custodial wallet in our system. EncryptedKey is the
// self-describing keyvault blob and is never serialized to clients.
type Wallet struct {
	ID                  uuid.UUID       `json:"id"`
	UserID              int64           `json:"user_id"`
	PublicKey           string          `json:"public_key"`
	EncryptedKey        []byte          `json:"-"`
	EncryptionAlgorithm string          `json:"encryption_algorithm,omitempty"`
	WalletType          WalletType      `json:"wallet_type"`
	Name                string          `json:"name"`
	IsDefault           bool            `json:"is_default"`
	IsActive            bool            `json:"is_active"`
	BalanceSOL          decimal.Decimal `json:"balance_sol"`
	LastSyncedAt        time.Time       `json:"last_synced_at"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// HoldsKey reports whether the bot can sign for this wallet itself.
func (w Wallet) HoldsKey() bool {
	return w.WalletType == WalletTypeHot && len(w.EncryptedKey) > 0
}
