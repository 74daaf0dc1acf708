package usecases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sand/solana-trading-bot/backend/internal/core/ports"
	"github.com/sand/solana-trading-bot/backend/internal/entities"
	"github.com/sand/solana-trading-bot/backend/internal/keyvault"
)

// KeySealer encrypts a freshly generated private key for storage.
type KeySealer interface {
	Seal(privateKey *keyvault.Secret) ([]byte, string, error)
}

// BalanceReader is the part of the network client the wallet sync needs.
type BalanceReader interface {
	Balance(ctx context.Context, account string) (decimal.Decimal, error)
}

type WalletService struct {
	logger   *slog.Logger
	wallets  ports.WalletRepository
	users    ports.UserRepository
	sealer   KeySealer
	balances BalanceReader
	now      func() time.Time
}

func NewWalletService(logger *slog.Logger, wallets ports.WalletRepository, users ports.UserRepository, sealer KeySealer, balances BalanceReader) *WalletService {
	return &WalletService{
		logger:   logger.With("component", "wallet_service"),
		wallets:  wallets,
		users:    users,
		sealer:   sealer,
		balances: balances,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateWallet generates a custodial hot wallet. The returned mnemonic is
// the only copy outside the encrypted blob; the caller shows it once and
// wipes it.
func (ws *WalletService) CreateWallet(ctx context.Context, userID int64, name string) (entities.Wallet, *keyvault.Secret, error) {
	kp, err := keyvault.GenerateKeypair()
	if err != nil {
		return entities.Wallet{}, nil, fmt.Errorf("generate keypair: %w", err)
	}
	defer kp.PrivateKey.Wipe()

	wallet, err := ws.storeHot(ctx, userID, name, kp)
	if err != nil {
		kp.Mnemonic.Wipe()
		return entities.Wallet{}, nil, err
	}

	ws.logger.InfoContext(ctx, "Generated new wallet", "user_id", userID, "address", wallet.PublicKey)
	return wallet, kp.Mnemonic, nil
}

// ImportWallet restores a hot wallet from a BIP-39 mnemonic.
func (ws *WalletService) ImportWallet(ctx context.Context, userID int64, name, mnemonic string) (entities.Wallet, error) {
	kp, err := keyvault.KeypairFromMnemonic(mnemonic)
	if err != nil {
		return entities.Wallet{}, fmt.Errorf("%w: %w", ErrInvalidWallet, err)
	}
	defer kp.Wipe()

	wallet, err := ws.storeHot(ctx, userID, name, kp)
	if err != nil {
		return entities.Wallet{}, err
	}

	ws.logger.InfoContext(ctx, "Imported wallet", "user_id", userID, "address", wallet.PublicKey)
	return wallet, nil
}

func (ws *WalletService) storeHot(ctx context.Context, userID int64, name string, kp *keyvault.Keypair) (entities.Wallet, error) {
	blob, alg, err := ws.sealer.Seal(kp.PrivateKey)
	if err != nil {
		return entities.Wallet{}, fmt.Errorf("seal private key: %w", err)
	}

	wallet := ws.newWallet(userID, name, kp.PublicKey.String(), entities.WalletTypeHot)
	wallet.EncryptedKey = blob
	wallet.EncryptionAlgorithm = alg

	return ws.insert(ctx, wallet)
}

// AddExternalWallet tracks a wallet whose key the bot never holds, such as
// a hardware or browser wallet.
func (ws *WalletService) AddExternalWallet(ctx context.Context, userID int64, name, publicKey string, walletType entities.WalletType) (entities.Wallet, error) {
	switch walletType {
	case entities.WalletTypeLedger, entities.WalletTypePhantom, entities.WalletTypeSolflare:
	default:
		return entities.Wallet{}, fmt.Errorf("%w: wallet type %q cannot be added without a key", ErrInvalidWallet, walletType)
	}

	pub, err := solana.PublicKeyFromBase58(strings.TrimSpace(publicKey))
	if err != nil {
		return entities.Wallet{}, fmt.Errorf("%w: bad public key: %w", ErrInvalidWallet, err)
	}

	return ws.insert(ctx, ws.newWallet(userID, name, pub.String(), walletType))
}

func (ws *WalletService) newWallet(userID int64, name, publicKey string, walletType entities.WalletType) entities.Wallet {
	now := ws.now()
	if name == "" {
		name = string(walletType) + " " + publicKey[:4]
	}
	return entities.Wallet{
		ID:           uuid.New(),
		UserID:       userID,
		PublicKey:    publicKey,
		WalletType:   walletType,
		Name:         name,
		IsActive:     true,
		BalanceSOL:   decimal.Zero,
		LastSyncedAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// insert makes the first wallet of a user the default one.
func (ws *WalletService) insert(ctx context.Context, wallet entities.Wallet) (entities.Wallet, error) {
	if _, err := ws.users.Get(ctx, wallet.UserID); err != nil {
		if errors.Is(err, entities.ErrNotFound) {
			return entities.Wallet{}, fmt.Errorf("%w: %d", ErrUserNotFound, wallet.UserID)
		}
		return entities.Wallet{}, fmt.Errorf("load user: %w", err)
	}

	_, err := ws.wallets.DefaultWallet(ctx, wallet.UserID)
	switch {
	case errors.Is(err, entities.ErrNotFound):
		wallet.IsDefault = true
	case err != nil:
		return entities.Wallet{}, fmt.Errorf("load default wallet: %w", err)
	}

	if err = ws.wallets.Insert(ctx, wallet); err != nil {
		if errors.Is(err, entities.ErrConflict) {
			return entities.Wallet{}, fmt.Errorf("%w: wallet %s is already registered", ErrInvalidWallet, wallet.PublicKey)
		}
		return entities.Wallet{}, fmt.Errorf("insert wallet: %w", err)
	}
	return wallet, nil
}

func (ws *WalletService) ListWallets(ctx context.Context, userID int64) ([]entities.Wallet, error) {
	return ws.wallets.ListByUser(ctx, userID)
}

func (ws *WalletService) SetDefault(ctx context.Context, userID int64, walletID uuid.UUID) error {
	wallet, err := ws.owned(ctx, userID, walletID)
	if err != nil {
		return err
	}
	if !wallet.IsActive {
		return fmt.Errorf("%w: wallet %s is deactivated", ErrInvalidWallet, walletID)
	}
	return ws.wallets.SetDefault(ctx, userID, walletID)
}

func (ws *WalletService) Deactivate(ctx context.Context, userID int64, walletID uuid.UUID) error {
	if _, err := ws.owned(ctx, userID, walletID); err != nil {
		return err
	}
	if err := ws.wallets.Deactivate(ctx, walletID); err != nil {
		return fmt.Errorf("deactivate wallet: %w", err)
	}
	ws.logger.InfoContext(ctx, "Wallet deactivated", "user_id", userID, "wallet_id", walletID)
	return nil
}

func (ws *WalletService) owned(ctx context.Context, userID int64, walletID uuid.UUID) (entities.Wallet, error) {
	wallet, err := ws.wallets.FindWallet(ctx, walletID)
	if errors.Is(err, entities.ErrNotFound) || (err == nil && wallet.UserID != userID) {
		return entities.Wallet{}, fmt.Errorf("%w: %s", ErrWalletNotFound, walletID)
	}
	if err != nil {
		return entities.Wallet{}, fmt.Errorf("load wallet: %w", err)
	}
	return wallet, nil
}

// SyncBalances refreshes the cached SOL balance of every active wallet and
// returns how many were updated. One failing wallet does not stop the rest.
func (ws *WalletService) SyncBalances(ctx context.Context) (int, error) {
	wallets, err := ws.wallets.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active wallets: %w", err)
	}

	var errs []error
	synced := 0
	for _, w := range wallets {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		balance, err := ws.balances.Balance(ctx, w.PublicKey)
		if err != nil {
			ws.logger.WarnContext(ctx, "Failed to fetch wallet balance", "wallet_id", w.ID, "address", w.PublicKey, "error", err)
			errs = append(errs, err)
			continue
		}
		if err = ws.wallets.UpdateBalance(ctx, w.ID, balance, ws.now()); err != nil {
			errs = append(errs, err)
			continue
		}
		synced++
	}

	return synced, errors.Join(errs...)
}

var _ ports.WalletService = (*WalletService)(nil)
