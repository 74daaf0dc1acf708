package usecases

import (
	"errors"
	"fmt"

	"github.com/sand/solana-trading-bot/backend/internal/limits"
)

var (
	ErrInvalidIntent   = errors.New("invalid trade intent")
	ErrTooLateToCancel = errors.New("trade can no longer be cancelled")
	ErrTradeNotFound   = errors.New("trade not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrWalletNotFound  = errors.New("wallet not found")
	ErrInvalidWallet   = errors.New("invalid wallet")

	errTradeFailed = errors.New("trade failed, please try again later")
)

func invalidIntent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidIntent, fmt.Sprintf(format, args...))
}

// PublicError is what the chat front end may show. Only validation and
// limit errors keep their detail, everything else is logged server side
// and collapsed into a generic message.
func PublicError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidIntent), errors.Is(err, limits.ErrLimitExceeded),
		errors.Is(err, ErrTooLateToCancel), errors.Is(err, ErrTradeNotFound):
		return err
	default:
		return errTradeFailed
	}
}
