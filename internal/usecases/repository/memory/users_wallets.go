package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sand/solana-trading-bot/backend/internal/entities"
)

type Users struct{ s *Store }

func (r *Users) Get(_ context.Context, id int64) (entities.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[id]
	if !ok {
		return entities.User{}, fmt.Errorf("user %d: %w", id, entities.ErrNotFound)
	}
	return u, nil
}

// Upsert keeps counters, flags and limits of an existing user and only
// refreshes the profile fields.
func (r *Users) Upsert(_ context.Context, user entities.User) (entities.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := time.Now().UTC()
	cur, ok := r.s.users[user.ID]
	if !ok {
		if user.CreatedAt.IsZero() {
			user.CreatedAt = now
		}
		user.UpdatedAt = now
		user.LastActiveAt = now
		r.s.users[user.ID] = user
		return user, nil
	}

	cur.TelegramUsername = user.TelegramUsername
	cur.FirstName = user.FirstName
	cur.LastName = user.LastName
	cur.LanguageCode = user.LanguageCode
	cur.UpdatedAt = now
	cur.LastActiveAt = now
	r.s.users[user.ID] = cur
	return cur, nil
}

func (r *Users) update(id int64, fn func(*entities.User)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[id]
	if !ok {
		return fmt.Errorf("user %d: %w", id, entities.ErrNotFound)
	}
	fn(&u)
	r.s.users[id] = u
	return nil
}

func (r *Users) SetActive(_ context.Context, id int64, active bool) error {
	return r.update(id, func(u *entities.User) {
		u.IsActive = active
		u.UpdatedAt = time.Now().UTC()
	})
}

func (r *Users) SetDailyLimit(_ context.Context, id int64, limit decimal.Decimal) error {
	return r.update(id, func(u *entities.User) {
		u.DailyTradeLimit = limit
		u.UpdatedAt = time.Now().UTC()
	})
}

func (r *Users) Touch(_ context.Context, id int64, at time.Time) error {
	return r.update(id, func(u *entities.User) {
		u.LastActiveAt = at
	})
}

func (r *Users) List(_ context.Context, limit, offset uint64) ([]entities.User, error) {
	r.s.mu.Lock()
	out := make([]entities.User, 0, len(r.s.users))
	for _, u := range r.s.users {
		out = append(out, u)
	}
	r.s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, limit, offset), nil
}

type Wallets struct{ s *Store }

func (r *Wallets) FindWallet(_ context.Context, id uuid.UUID) (entities.Wallet, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	w, ok := r.s.wallets[id]
	if !ok {
		return entities.Wallet{}, fmt.Errorf("wallet %s: %w", id, entities.ErrNotFound)
	}
	return w, nil
}

func (r *Wallets) DefaultWallet(_ context.Context, userID int64) (entities.Wallet, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, w := range r.s.wallets {
		if w.UserID == userID && w.IsDefault && w.IsActive {
			return w, nil
		}
	}
	return entities.Wallet{}, fmt.Errorf("default wallet of user %d: %w", userID, entities.ErrNotFound)
}

func (r *Wallets) ListByUser(_ context.Context, userID int64) ([]entities.Wallet, error) {
	return r.filter(func(w entities.Wallet) bool { return w.UserID == userID }), nil
}

func (r *Wallets) ListActive(_ context.Context) ([]entities.Wallet, error) {
	return r.filter(func(w entities.Wallet) bool { return w.IsActive }), nil
}

func (r *Wallets) filter(keep func(entities.Wallet) bool) []entities.Wallet {
	r.s.mu.Lock()
	out := make([]entities.Wallet, 0)
	for _, w := range r.s.wallets {
		if keep(w) {
			out = append(out, w)
		}
	}
	r.s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *Wallets) Insert(_ context.Context, wallet entities.Wallet) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.users[wallet.UserID]; !ok {
		return fmt.Errorf("user %d: %w", wallet.UserID, entities.ErrNotFound)
	}
	for _, w := range r.s.wallets {
		if w.ID == wallet.ID || w.PublicKey == wallet.PublicKey {
			return fmt.Errorf("wallet %s: %w", wallet.PublicKey, entities.ErrConflict)
		}
		if wallet.IsDefault && w.UserID == wallet.UserID && w.IsDefault {
			return fmt.Errorf("default wallet of user %d: %w", wallet.UserID, entities.ErrConflict)
		}
	}
	r.s.wallets[wallet.ID] = wallet
	return nil
}

func (r *Wallets) SetDefault(_ context.Context, userID int64, walletID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	target, ok := r.s.wallets[walletID]
	if !ok || target.UserID != userID {
		return fmt.Errorf("wallet %s: %w", walletID, entities.ErrNotFound)
	}

	now := time.Now().UTC()
	for id, w := range r.s.wallets {
		if w.UserID == userID && w.IsDefault && id != walletID {
			w.IsDefault = false
			w.UpdatedAt = now
			r.s.wallets[id] = w
		}
	}
	target.IsDefault = true
	target.UpdatedAt = now
	r.s.wallets[walletID] = target
	return nil
}

func (r *Wallets) Deactivate(_ context.Context, walletID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	w, ok := r.s.wallets[walletID]
	if !ok {
		return fmt.Errorf("wallet %s: %w", walletID, entities.ErrNotFound)
	}
	w.IsActive = false
	w.IsDefault = false
	w.UpdatedAt = time.Now().UTC()
	r.s.wallets[walletID] = w
	return nil
}

func (r *Wallets) UpdateBalance(_ context.Context, walletID uuid.UUID, balanceSOL decimal.Decimal, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	w, ok := r.s.wallets[walletID]
	if !ok {
		return fmt.Errorf("wallet %s: %w", walletID, entities.ErrNotFound)
	}
	w.BalanceSOL = balanceSOL
	w.LastSyncedAt = at
	r.s.wallets[walletID] = w
	return nil
}

func page[T any](items []T, limit, offset uint64) []T {
	if offset >= uint64(len(items)) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < uint64(len(items)) {
		items = items[:limit]
	}
	return items
}
