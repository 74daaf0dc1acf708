package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	tx "github.com/Thiht/transactor/pgx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/sand/solana-trading-bot/backend/internal/entities"
	"github.com/sand/solana-trading-bot/backend/pkg/database"
)

const walletSelect = `SELECT id, user_id, public_key, COALESCE(encrypted_private_key, ''::bytea), encryption_algorithm,
       wallet_type, name, is_default, is_active, balance_sol, last_synced_at, created_at, updated_at
  FROM wallets`

// WalletsRepository stores custodial and external wallets. It also serves
// as the keyvault's blob store.
type WalletsRepository struct {
	logger     *slog.Logger
	db         tx.DBGetter
	transactor *tx.Transactor
}

func NewWalletsRepository(logger *slog.Logger, pg *database.Postgres) *WalletsRepository {
	return &WalletsRepository{
		logger:     logger,
		db:         pg.DBGetter,
		transactor: pg.Transactor,
	}
}

func scanWallet(row pgx.Row) (entities.Wallet, error) {
	var w entities.Wallet
	err := row.Scan(
		&w.ID, &w.UserID, &w.PublicKey, &w.EncryptedKey, &w.EncryptionAlgorithm,
		&w.WalletType, &w.Name, &w.IsDefault, &w.IsActive, &w.BalanceSOL,
		&w.LastSyncedAt, &w.CreatedAt, &w.UpdatedAt,
	)
	return w, err
}

func (r *WalletsRepository) findOne(ctx context.Context, what, query string, args ...any) (entities.Wallet, error) {
	w, err := scanWallet(r.db(ctx).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return entities.Wallet{}, fmt.Errorf("%s: %w", what, entities.ErrNotFound)
	}
	if err != nil {
		return entities.Wallet{}, fmt.Errorf("failed to query wallet by %s: %w", what, err)
	}
	return w, nil
}

// FindWallet retrieves a wallet by its id.
func (r *WalletsRepository) FindWallet(ctx context.Context, id uuid.UUID) (entities.Wallet, error) {
	return r.findOne(ctx, "wallet "+id.String(), walletSelect+" WHERE id = $1", id)
}

func (r *WalletsRepository) DefaultWallet(ctx context.Context, userID int64) (entities.Wallet, error) {
	return r.findOne(ctx, fmt.Sprintf("default wallet of user %d", userID),
		walletSelect+" WHERE user_id = $1 AND is_default AND is_active", userID)
}

// ListByUser retrieves all wallets of a user, oldest first.
func (r *WalletsRepository) ListByUser(ctx context.Context, userID int64) ([]entities.Wallet, error) {
	return r.collect(ctx, walletSelect+" WHERE user_id = $1 ORDER BY created_at", userID)
}

func (r *WalletsRepository) ListActive(ctx context.Context) ([]entities.Wallet, error) {
	return r.collect(ctx, walletSelect+" WHERE is_active ORDER BY created_at")
}

func (r *WalletsRepository) collect(ctx context.Context, query string, args ...any) ([]entities.Wallet, error) {
	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallets: %w", err)
	}

	wallets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (entities.Wallet, error) {
		return scanWallet(row)
	})
	if err != nil {
		r.logger.Error("failed to collect wallets rows", "error", err)
		return nil, fmt.Errorf("failed to collect wallets rows: %w", err)
	}
	return wallets, nil
}

func (r *WalletsRepository) Insert(ctx context.Context, w entities.Wallet) error {
	var encrypted []byte
	if len(w.EncryptedKey) > 0 {
		encrypted = w.EncryptedKey
	}

	_, err := r.db(ctx).Exec(ctx, `
		INSERT INTO wallets (id, user_id, public_key, encrypted_private_key, encryption_algorithm, wallet_type,
		                     name, is_default, is_active, balance_sol, last_synced_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		w.ID, w.UserID, w.PublicKey, encrypted, w.EncryptionAlgorithm, w.WalletType,
		w.Name, w.IsDefault, w.IsActive, w.BalanceSOL, w.LastSyncedAt, w.CreatedAt, w.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("wallet %s: %w", w.PublicKey, entities.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to insert wallet: %w", err)
	}

	r.logger.Info("Wallet added", "wallet_id", w.ID, "address", w.PublicKey, "user", w.UserID, "type", w.WalletType)
	return nil
}

// SetDefault moves the default flag in one transaction so the partial
// unique index never sees two defaults.
func (r *WalletsRepository) SetDefault(ctx context.Context, userID int64, walletID uuid.UUID) error {
	return r.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		_, err := r.db(ctx).Exec(ctx,
			"UPDATE wallets SET is_default = FALSE, updated_at = NOW() WHERE user_id = $1 AND is_default AND id <> $2",
			userID, walletID)
		if err != nil {
			return fmt.Errorf("failed to clear default wallet: %w", err)
		}

		tag, err := r.db(ctx).Exec(ctx,
			"UPDATE wallets SET is_default = TRUE, updated_at = NOW() WHERE id = $1 AND user_id = $2",
			walletID, userID)
		if err != nil {
			return fmt.Errorf("failed to set default wallet: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("wallet %s: %w", walletID, entities.ErrNotFound)
		}
		return nil
	})
}

func (r *WalletsRepository) Deactivate(ctx context.Context, walletID uuid.UUID) error {
	tag, err := r.db(ctx).Exec(ctx,
		"UPDATE wallets SET is_active = FALSE, is_default = FALSE, updated_at = NOW() WHERE id = $1", walletID)
	if err != nil {
		return fmt.Errorf("failed to deactivate wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet %s: %w", walletID, entities.ErrNotFound)
	}
	return nil
}

func (r *WalletsRepository) UpdateBalance(ctx context.Context, walletID uuid.UUID, balanceSOL decimal.Decimal, at time.Time) error {
	tag, err := r.db(ctx).Exec(ctx,
		"UPDATE wallets SET balance_sol = $2, last_synced_at = $3 WHERE id = $1", walletID, balanceSOL, at)
	if err != nil {
		return fmt.Errorf("failed to update wallet balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet %s: %w", walletID, entities.ErrNotFound)
	}
	return nil
}
