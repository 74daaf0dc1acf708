package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	tx "github.com/Thiht/transactor/pgx"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/sand/solana-trading-bot/backend/internal/entities"
	"github.com/sand/solana-trading-bot/backend/pkg/database"
)

var userColumns = []string{
	"id", "COALESCE(telegram_username, '')", "first_name", "COALESCE(last_name, '')", "COALESCE(language_code, '')",
	"is_admin", "is_active", "daily_trade_limit", "total_trades", "total_volume_sol",
	"created_at", "updated_at", "last_active_at",
}

type UsersRepository struct {
	logger *slog.Logger
	db     tx.DBGetter
}

func NewUsersRepository(logger *slog.Logger, pg *database.Postgres) *UsersRepository {
	return &UsersRepository{logger: logger, db: pg.DBGetter}
}

func scanUser(row pgx.Row) (entities.User, error) {
	var u entities.User
	err := row.Scan(
		&u.ID, &u.TelegramUsername, &u.FirstName, &u.LastName, &u.LanguageCode,
		&u.IsAdmin, &u.IsActive, &u.DailyTradeLimit, &u.TotalTrades, &u.TotalVolumeSOL,
		&u.CreatedAt, &u.UpdatedAt, &u.LastActiveAt,
	)
	return u, err
}

func (r *UsersRepository) Get(ctx context.Context, id int64) (entities.User, error) {
	query, args, err := psql.Select(userColumns...).From("users").Where("id = ?", id).ToSql()
	if err != nil {
		return entities.User{}, err
	}

	u, err := scanUser(r.db(ctx).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return entities.User{}, fmt.Errorf("user %d: %w", id, entities.ErrNotFound)
	}
	if err != nil {
		return entities.User{}, fmt.Errorf("failed to query user: %w", err)
	}
	return u, nil
}

// Upsert inserts a new user or refreshes the profile of an existing one.
// Flags, limits and counters of an existing user are left alone.
func (r *UsersRepository) Upsert(ctx context.Context, u entities.User) (entities.User, error) {
	query := `
		INSERT INTO users (id, telegram_username, first_name, last_name, language_code, is_admin, is_active, daily_trade_limit)
		VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		   SET telegram_username = EXCLUDED.telegram_username,
		       first_name = EXCLUDED.first_name,
		       last_name = EXCLUDED.last_name,
		       language_code = EXCLUDED.language_code,
		       updated_at = NOW(),
		       last_active_at = NOW()
		RETURNING ` + joinColumns(userColumns)

	saved, err := scanUser(r.db(ctx).QueryRow(ctx, query,
		u.ID, u.TelegramUsername, u.FirstName, u.LastName, u.LanguageCode, u.IsAdmin, u.IsActive, u.DailyTradeLimit))
	if isUniqueViolation(err) {
		return entities.User{}, fmt.Errorf("telegram username %q: %w", u.TelegramUsername, entities.ErrConflict)
	}
	if err != nil {
		return entities.User{}, fmt.Errorf("failed to upsert user: %w", err)
	}
	return saved, nil
}

func (r *UsersRepository) exec(ctx context.Context, id int64, query string, args ...any) error {
	tag, err := r.db(ctx).Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d: %w", id, entities.ErrNotFound)
	}
	return nil
}

func (r *UsersRepository) SetActive(ctx context.Context, id int64, active bool) error {
	return r.exec(ctx, id, "UPDATE users SET is_active = $2, updated_at = NOW() WHERE id = $1", active)
}

func (r *UsersRepository) SetDailyLimit(ctx context.Context, id int64, limit decimal.Decimal) error {
	return r.exec(ctx, id, "UPDATE users SET daily_trade_limit = $2, updated_at = NOW() WHERE id = $1", limit)
}

func (r *UsersRepository) Touch(ctx context.Context, id int64, at time.Time) error {
	return r.exec(ctx, id, "UPDATE users SET last_active_at = $2 WHERE id = $1", at)
}

func (r *UsersRepository) List(ctx context.Context, limit, offset uint64) ([]entities.User, error) {
	q := psql.Select(userColumns...).From("users").OrderBy("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	users, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (entities.User, error) {
		return scanUser(row)
	})
	if err != nil {
		r.logger.Error("failed to collect user rows", "error", err)
		return nil, err
	}
	return users, nil
}
