package entities

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is keyed by the Telegram user id.
type User struct {
	ID               int64           `json:"id"`
	TelegramUsername string          `json:"telegram_username,omitempty"`
	FirstName        string          `json:"first_name"`
	LastName         string          `json:"last_name,omitempty"`
	LanguageCode     string          `json:"language_code,omitempty"`
	IsAdmin          bool            `json:"is_admin"`
	IsActive         bool            `json:"is_active"`
	DailyTradeLimit  decimal.Decimal `json:"daily_trade_limit"`
	TotalTrades      int             `json:"total_trades"`
	TotalVolumeSOL   decimal.Decimal `json:"total_volume_sol"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	LastActiveAt     time.Time       `json:"last_active_at"`
}
