// Package memory is an in-process implementation of the repositories,
// used by tests and by local dry-run mode.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sand/solana-trading-bot/backend/internal/entities"
)

// Store is the shared backing state. Trades, Users and Wallets are the
// repository views over it.
type Store struct {
	mu      sync.Mutex
	trades  map[uuid.UUID]entities.Trade
	users   map[int64]entities.User
	wallets map[uuid.UUID]entities.Wallet
}

func New() *Store {
	return &Store{
		trades:  make(map[uuid.UUID]entities.Trade),
		users:   make(map[int64]entities.User),
		wallets: make(map[uuid.UUID]entities.Wallet),
	}
}

func (s *Store) Trades() *Trades   { return &Trades{s} }
func (s *Store) Users() *Users     { return &Users{s} }
func (s *Store) Wallets() *Wallets { return &Wallets{s} }

type Trades struct{ s *Store }

func (r *Trades) Insert(_ context.Context, trade entities.Trade) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.trades[trade.ID]; ok {
		return fmt.Errorf("trade %s: %w", trade.ID, entities.ErrConflict)
	}
	if trade.IdempotencyKey != "" {
		for _, t := range r.s.trades {
			if t.UserID == trade.UserID && t.IdempotencyKey == trade.IdempotencyKey && t.Status != entities.TradeStatusFailed {
				return fmt.Errorf("idempotency key %q: %w", trade.IdempotencyKey, entities.ErrConflict)
			}
		}
	}
	r.s.trades[trade.ID] = trade
	return nil
}

func (r *Trades) UpdateStatus(_ context.Context, id uuid.UUID, update entities.TradeUpdate) (entities.Trade, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.applyLocked(id, update)
}

func (s *Store) applyLocked(id uuid.UUID, update entities.TradeUpdate) (entities.Trade, error) {
	cur, ok := s.trades[id]
	if !ok {
		return entities.Trade{}, fmt.Errorf("trade %s: %w", id, entities.ErrNotFound)
	}
	next, err := cur.Apply(update)
	if err != nil {
		return cur, err
	}
	if err = s.checkSignatureLocked(next); err != nil {
		return cur, err
	}
	s.trades[id] = next
	return next, nil
}

func (s *Store) checkSignatureLocked(t entities.Trade) error {
	if t.TransactionSignature == "" {
		return nil
	}
	for id, other := range s.trades {
		if id != t.ID && other.TransactionSignature == t.TransactionSignature {
			return fmt.Errorf("signature %s: %w", t.TransactionSignature, entities.ErrConflict)
		}
	}
	return nil
}

func (r *Trades) RecordSignature(_ context.Context, id uuid.UUID, signature string) (entities.Trade, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cur, ok := r.s.trades[id]
	if !ok {
		return entities.Trade{}, fmt.Errorf("trade %s: %w", id, entities.ErrNotFound)
	}
	next, err := cur.WithSignature(signature, time.Now().UTC())
	if err != nil {
		return cur, err
	}
	if err = r.s.checkSignatureLocked(next); err != nil {
		return cur, err
	}
	r.s.trades[id] = next
	return next, nil
}

func (r *Trades) CompleteTrade(_ context.Context, id uuid.UUID, update entities.TradeUpdate) (entities.Trade, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	update.Status = entities.TradeStatusCompleted
	next, err := r.s.applyLocked(id, update)
	if err != nil {
		return next, err
	}

	if u, ok := r.s.users[next.UserID]; ok {
		u.TotalTrades++
		u.TotalVolumeSOL = u.TotalVolumeSOL.Add(next.AmountSOL)
		u.LastActiveAt = *next.CompletedAt
		u.UpdatedAt = *next.CompletedAt
		r.s.users[next.UserID] = u
	}
	return next, nil
}

func (r *Trades) Get(_ context.Context, id uuid.UUID) (entities.Trade, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.trades[id]
	if !ok {
		return entities.Trade{}, fmt.Errorf("trade %s: %w", id, entities.ErrNotFound)
	}
	return t, nil
}

func (r *Trades) FindBySignature(_ context.Context, signature string) (entities.Trade, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, t := range r.s.trades {
		if signature != "" && t.TransactionSignature == signature {
			return t, nil
		}
	}
	return entities.Trade{}, fmt.Errorf("signature %s: %w", signature, entities.ErrNotFound)
}

func (r *Trades) FindByIdempotencyKey(_ context.Context, userID int64, key string) (entities.Trade, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, t := range r.s.trades {
		if key != "" && t.UserID == userID && t.IdempotencyKey == key && t.Status != entities.TradeStatusFailed {
			return t, nil
		}
	}
	return entities.Trade{}, fmt.Errorf("idempotency key %q: %w", key, entities.ErrNotFound)
}

func (r *Trades) RollingCounters(_ context.Context, userID int64, since time.Time) (entities.Counters, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c := entities.Counters{VolumeSOL: decimal.Zero}
	for _, t := range r.s.trades {
		if t.UserID == userID && t.Status == entities.TradeStatusCompleted && t.CompletedAt != nil && t.CompletedAt.After(since) {
			c.Trades++
			c.VolumeSOL = c.VolumeSOL.Add(t.AmountSOL)
		}
	}
	return c, nil
}

func (r *Trades) List(_ context.Context, filter entities.TradeFilter) ([]entities.Trade, error) {
	r.s.mu.Lock()
	out := make([]entities.Trade, 0, len(r.s.trades))
	for _, t := range r.s.trades {
		if filter.UserID != 0 && t.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t)
	}
	r.s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	return page(out, filter.Limit, filter.Offset), nil
}

func (r *Trades) ListStale(_ context.Context, updatedBefore time.Time) ([]entities.Trade, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []entities.Trade
	for _, t := range r.s.trades {
		if !t.Status.IsTerminal() && t.UpdatedAt.Before(updatedBefore) {
			out = append(out, t)
		}
	}
	return out, nil
}
