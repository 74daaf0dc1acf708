package usecases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/sand/solana-trading-bot/backend/internal/core/ports"
	"github.com/sand/solana-trading-bot/backend/internal/entities"
	"github.com/sand/solana-trading-bot/backend/internal/limits"
)

type UserService struct {
	logger       *slog.Logger
	users        ports.UserRepository
	guard        ports.LimitGuard
	defaultLimit decimal.Decimal
}

func NewUserService(logger *slog.Logger, users ports.UserRepository, guard ports.LimitGuard, defaultLimit decimal.Decimal) *UserService {
	return &UserService{
		logger:       logger.With("component", "user_service"),
		users:        users,
		guard:        guard,
		defaultLimit: defaultLimit,
	}
}

// Register creates the user on first contact and refreshes the profile on
// every later one. The telegram id is the user id.
func (us *UserService) Register(ctx context.Context, user entities.User) (entities.User, error) {
	if user.ID <= 0 {
		return entities.User{}, fmt.Errorf("%w: user id must be positive", ErrInvalidIntent)
	}
	if !user.DailyTradeLimit.IsPositive() {
		user.DailyTradeLimit = us.defaultLimit
	}
	user.IsActive = true
	user.TotalVolumeSOL = decimal.Zero

	saved, err := us.users.Upsert(ctx, user)
	if err != nil {
		return entities.User{}, fmt.Errorf("upsert user: %w", err)
	}
	return saved, nil
}

func (us *UserService) Get(ctx context.Context, id int64) (entities.User, error) {
	user, err := us.users.Get(ctx, id)
	if errors.Is(err, entities.ErrNotFound) {
		return entities.User{}, fmt.Errorf("%w: %d", ErrUserNotFound, id)
	}
	return user, err
}

func (us *UserService) ListUsers(ctx context.Context, limit, offset uint64) ([]entities.User, error) {
	if limit == 0 {
		limit = ports.DefaultListLimit
	}
	return us.users.List(ctx, min(limit, ports.MaxListLimit), offset)
}

func (us *UserService) SetActive(ctx context.Context, id int64, active bool) error {
	if err := us.users.SetActive(ctx, id, active); err != nil {
		if errors.Is(err, entities.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrUserNotFound, id)
		}
		return err
	}
	us.logger.InfoContext(ctx, "user activity changed", "user_id", id, "active", active)
	return nil
}

func (us *UserService) SetDailyLimit(ctx context.Context, id int64, limit decimal.Decimal) error {
	if limit.IsNegative() {
		return fmt.Errorf("%w: daily limit must not be negative", ErrInvalidIntent)
	}
	if err := us.users.SetDailyLimit(ctx, id, limit); err != nil {
		if errors.Is(err, entities.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrUserNotFound, id)
		}
		return err
	}
	us.logger.InfoContext(ctx, "daily limit changed", "user_id", id, "limit_sol", limit.String())
	return nil
}

func (us *UserService) Usage(ctx context.Context, id int64) (limits.Usage, error) {
	if _, err := us.Get(ctx, id); err != nil {
		return limits.Usage{}, err
	}
	return us.guard.Snapshot(ctx, id)
}

var _ ports.UserService = (*UserService)(nil)
