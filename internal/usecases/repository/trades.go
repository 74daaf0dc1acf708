package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	tx "github.com/Thiht/transactor/pgx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sand/solana-trading-bot/backend/internal/entities"
	"github.com/sand/solana-trading-bot/backend/pkg/database"
)

var tradeColumns = []string{
	"id", "user_id", "wallet_id", "trade_type",
	"input_mint", "output_mint", "input_symbol", "output_symbol",
	"input_amount", "output_amount", "amount_sol", "price", "slippage_bps",
	"transaction_signature", "status", "COALESCE(error_message, '')", "outcome_unknown",
	"COALESCE(jupiter_quote_id, '')", "idempotency_key",
	"created_at", "updated_at", "completed_at",
}

var tradeSelect = "SELECT " + joinColumns(tradeColumns) + " FROM trades"

// TradesRepository is the postgres TradeLedger. Every status change locks
// the row, runs the state machine in Go and writes the result back.
type TradesRepository struct {
	logger *slog.Logger

	db         tx.DBGetter
	transactor *tx.Transactor
}

func NewTradesRepository(logger *slog.Logger, pg *database.Postgres) *TradesRepository {
	return &TradesRepository{logger: logger, db: pg.DBGetter, transactor: pg.Transactor}
}

func scanTrade(row pgx.Row) (entities.Trade, error) {
	var t entities.Trade
	err := row.Scan(
		&t.ID, &t.UserID, &t.WalletID, &t.TradeType,
		&t.InputMint, &t.OutputMint, &t.InputSymbol, &t.OutputSymbol,
		&t.InputAmount, &t.OutputAmount, &t.AmountSOL, &t.Price, &t.SlippageBps,
		&t.TransactionSignature, &t.Status, &t.ErrorMessage, &t.OutcomeUnknown,
		&t.QuoteID, &t.IdempotencyKey,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	)
	return t, err
}

func (r *TradesRepository) Insert(ctx context.Context, t entities.Trade) error {
	_, err := r.db(ctx).Exec(ctx, `
		INSERT INTO trades (id, user_id, wallet_id, trade_type, input_mint, output_mint, input_symbol, output_symbol,
		                    input_amount, output_amount, amount_sol, price, slippage_bps, status, idempotency_key,
		                    created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		t.ID, t.UserID, t.WalletID, t.TradeType, t.InputMint, t.OutputMint, t.InputSymbol, t.OutputSymbol,
		t.InputAmount, t.OutputAmount, t.AmountSOL, t.Price, t.SlippageBps, t.Status, t.IdempotencyKey,
		t.CreatedAt, t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("trade %s: %w", t.ID, entities.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// mutate loads the trade under FOR UPDATE, applies fn and stores the
// snapshot it returns. It must run inside a transaction.
func (r *TradesRepository) mutate(ctx context.Context, id uuid.UUID, fn func(entities.Trade) (entities.Trade, error)) (entities.Trade, error) {
	cur, err := scanTrade(r.db(ctx).QueryRow(ctx, tradeSelect+" WHERE id = $1 FOR UPDATE", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return entities.Trade{}, fmt.Errorf("trade %s: %w", id, entities.ErrNotFound)
	}
	if err != nil {
		return entities.Trade{}, fmt.Errorf("failed to lock trade: %w", err)
	}

	next, err := fn(cur)
	if err != nil {
		return cur, err
	}

	_, err = r.db(ctx).Exec(ctx, `
		UPDATE trades
		   SET status = $2, transaction_signature = $3, output_amount = $4, price = $5,
		       error_message = NULLIF($6, ''), outcome_unknown = $7, jupiter_quote_id = NULLIF($8, ''),
		       updated_at = $9, completed_at = $10
		 WHERE id = $1`,
		next.ID, next.Status, next.TransactionSignature, next.OutputAmount, next.Price,
		next.ErrorMessage, next.OutcomeUnknown, next.QuoteID,
		next.UpdatedAt, next.CompletedAt,
	)
	if isUniqueViolation(err) {
		return cur, fmt.Errorf("signature %s: %w", next.TransactionSignature, entities.ErrConflict)
	}
	if err != nil {
		return cur, fmt.Errorf("failed to update trade: %w", err)
	}
	return next, nil
}

func (r *TradesRepository) UpdateStatus(ctx context.Context, id uuid.UUID, update entities.TradeUpdate) (entities.Trade, error) {
	var out entities.Trade
	err := r.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		var err error
		out, err = r.mutate(ctx, id, func(t entities.Trade) (entities.Trade, error) {
			return t.Apply(update)
		})
		return err
	})
	return out, err
}

func (r *TradesRepository) RecordSignature(ctx context.Context, id uuid.UUID, signature string) (entities.Trade, error) {
	var out entities.Trade
	err := r.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		var err error
		out, err = r.mutate(ctx, id, func(t entities.Trade) (entities.Trade, error) {
			return t.WithSignature(signature, time.Now().UTC())
		})
		return err
	})
	return out, err
}

// CompleteTrade writes the Completed snapshot and the owner's running
// totals in one transaction.
func (r *TradesRepository) CompleteTrade(ctx context.Context, id uuid.UUID, update entities.TradeUpdate) (entities.Trade, error) {
	update.Status = entities.TradeStatusCompleted

	var out entities.Trade
	err := r.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		var err error
		out, err = r.mutate(ctx, id, func(t entities.Trade) (entities.Trade, error) {
			return t.Apply(update)
		})
		if err != nil {
			return err
		}

		_, err = r.db(ctx).Exec(ctx, `
			UPDATE users
			   SET total_trades = total_trades + 1,
			       total_volume_sol = total_volume_sol + $2,
			       last_active_at = $3,
			       updated_at = $3
			 WHERE id = $1`,
			out.UserID, out.AmountSOL, out.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update user totals: %w", err)
		}
		return nil
	})
	return out, err
}

func (r *TradesRepository) findOne(ctx context.Context, what string, query string, args ...any) (entities.Trade, error) {
	t, err := scanTrade(r.db(ctx).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return entities.Trade{}, fmt.Errorf("%s: %w", what, entities.ErrNotFound)
	}
	if err != nil {
		return entities.Trade{}, fmt.Errorf("failed to query trade by %s: %w", what, err)
	}
	return t, nil
}

func (r *TradesRepository) Get(ctx context.Context, id uuid.UUID) (entities.Trade, error) {
	return r.findOne(ctx, "trade "+id.String(), tradeSelect+" WHERE id = $1", id)
}

func (r *TradesRepository) FindBySignature(ctx context.Context, signature string) (entities.Trade, error) {
	return r.findOne(ctx, "signature "+signature, tradeSelect+" WHERE transaction_signature = $1 AND $1 <> ''", signature)
}

func (r *TradesRepository) FindByIdempotencyKey(ctx context.Context, userID int64, key string) (entities.Trade, error) {
	return r.findOne(ctx, "idempotency key "+key,
		tradeSelect+" WHERE user_id = $1 AND idempotency_key = $2 AND $2 <> '' AND status <> 'FAILED'",
		userID, key)
}

func (r *TradesRepository) RollingCounters(ctx context.Context, userID int64, since time.Time) (entities.Counters, error) {
	var c entities.Counters
	err := r.db(ctx).QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount_sol), 0)
		  FROM trades
		 WHERE user_id = $1 AND status = 'COMPLETED' AND completed_at > $2`,
		userID, since,
	).Scan(&c.Trades, &c.VolumeSOL)
	if err != nil {
		return entities.Counters{}, fmt.Errorf("failed to aggregate trades: %w", err)
	}
	return c, nil
}

func (r *TradesRepository) List(ctx context.Context, filter entities.TradeFilter) ([]entities.Trade, error) {
	q := psql.Select(tradeColumns...).From("trades").OrderBy("created_at DESC")
	if filter.UserID != 0 {
		q = q.Where(sq.Eq{"user_id": filter.UserID})
	}
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": filter.Status})
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build trade query: %w", err)
	}
	return r.collect(ctx, query, args...)
}

func (r *TradesRepository) ListStale(ctx context.Context, updatedBefore time.Time) ([]entities.Trade, error) {
	return r.collect(ctx, tradeSelect+" WHERE status IN ('PENDING', 'EXECUTING') AND updated_at < $1 ORDER BY updated_at", updatedBefore)
}

func (r *TradesRepository) collect(ctx context.Context, query string, args ...any) ([]entities.Trade, error) {
	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}

	trades, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (entities.Trade, error) {
		return scanTrade(row)
	})
	if err != nil {
		r.logger.Error("failed to collect trade rows", "error", err)
		return nil, err
	}
	return trades, nil
}
