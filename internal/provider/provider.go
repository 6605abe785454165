package provider

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/QuantCanary/canary-trader/internal/model"
)

// Account is the static view of one trading account.
type Account struct {
	ID          string
	Broker      string
	AccountType string // e.g. "standard", "prop", "funded"
	Balance     decimal.Decimal
	Currency    string
	Active      bool
	Demo        bool
}

// Trade is one executed trade with realized outcome.
type Trade struct {
	ID         string
	AccountID  string
	Instrument string
	Direction  string // "long" or "short"
	OpenedAt   time.Time
	ClosedAt   time.Time
	// ReturnPct is the realized P&L as a fraction of risked capital.
	ReturnPct decimal.Decimal
	ProfitUSD decimal.Decimal
}

// Window names an aggregation period for performance queries.
type Window string

const (
	WindowDaily   Window = "daily"
	WindowWeekly  Window = "weekly"
	WindowMonthly Window = "monthly"
)

// MarketState is the current snapshot for one instrument.
type MarketState struct {
	Instrument    string
	Price         decimal.Decimal
	Volatility    float64 // annualized, as a fraction
	TrendStrength float64 // -1 (strong down) .. +1 (strong up)
	Regime        string  // "trending", "ranging", "volatile"
	Timestamp     time.Time
}

// AccountProvider lists and describes trading accounts.
type AccountProvider interface {
	ListAccounts(ctx context.Context) ([]Account, error)
	GetAccount(ctx context.Context, accountID string) (Account, error)
}

// TradeProvider fetches recent trades for an account, newest first.
type TradeProvider interface {
	RecentTrades(ctx context.Context, accountID string, limit int) ([]Trade, error)
}

// PerformanceProvider fetches aggregated performance for an account.
type PerformanceProvider interface {
	Performance(ctx context.Context, accountID string, window Window) (model.PerformanceMetrics, error)
}

// MarketProvider serves current market state per instrument. Used only by
// the shadow validator.
type MarketProvider interface {
	MarketState(ctx context.Context, instrument string) (MarketState, error)
}

// ChangeApplicator applies and reverts changes on accounts. Both operations
// must be idempotent: re-applying an applied change (or re-reverting) is a
// no-op, not an error.
type ChangeApplicator interface {
	Apply(ctx context.Context, accountID string, change model.Change) error
	Revert(ctx context.Context, accountID string, change model.Change) error
	// DisableStrategy halts trading of the tested component on an account.
	DisableStrategy(ctx context.Context, accountID, component string) error
	// EmergencyStop immediately flattens and halts the account.
	EmergencyStop(ctx context.Context, accountID string) error
}

// SuggestionSource yields candidate changes from the upstream idea engine.
type SuggestionSource interface {
	NextSuggestions(ctx context.Context, limit int) ([]model.Suggestion, error)
}
