package limits

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrLimitExceeded       = errors.New("trade limit exceeded")
	ErrUnknownReservation  = errors.New("unknown reservation")
	ErrReservationReleased = errors.New("reservation was already released")
	ErrLockTimeout         = errors.New("timed out waiting for user limit lock")
)

type Reason string

const (
	ReasonSingleTradeMax Reason = "single_trade_max"
	ReasonSingleTradeMin Reason = "single_trade_min"
	ReasonHourlyTrades   Reason = "hourly_trade_count"
	ReasonDailyTrades    Reason = "daily_trade_count"
	ReasonDailyVolume    Reason = "daily_volume"
)

// LimitExceededError says which ceiling rejected the trade and by how much.
type LimitExceededError struct {
	Reason    Reason
	Limit     decimal.Decimal
	Attempted decimal.Decimal
}

func (e *LimitExceededError) Error() string {
	switch e.Reason {
	case ReasonSingleTradeMax:
		return fmt.Sprintf("trade amount %s SOL exceeds the maximum of %s SOL per trade", e.Attempted, e.Limit)
	case ReasonSingleTradeMin:
		return fmt.Sprintf("trade amount %s SOL is below the minimum of %s SOL", e.Attempted, e.Limit)
	case ReasonHourlyTrades:
		return fmt.Sprintf("hourly trade limit of %s reached", e.Limit)
	case ReasonDailyTrades:
		return fmt.Sprintf("daily trade limit of %s reached", e.Limit)
	case ReasonDailyVolume:
		return fmt.Sprintf("daily volume would reach %s SOL, limit is %s SOL", e.Attempted, e.Limit)
	default:
		return fmt.Sprintf("limit %s exceeded", e.Reason)
	}
}

func (e *LimitExceededError) Is(target error) bool {
	return target == ErrLimitExceeded
}
