package sim

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/QuantCanary/canary-trader/internal/model"
	"github.com/QuantCanary/canary-trader/internal/provider"
)

func newProvider() *Provider {
	return New(Config{Accounts: 14, Seed: 42, Instruments: []string{"EURUSD", "GBPUSD"}})
}

func TestAccountsAreStable(t *testing.T) {
	p := newProvider()
	accounts, err := p.ListAccounts(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(accounts) != 14 {
		t.Fatalf("accounts: got %d, want 14", len(accounts))
	}
	if accounts[0].ID != "acct-001" || !accounts[0].Demo {
		t.Fatalf("first account: %+v", accounts[0])
	}
	if accounts[1].Demo {
		t.Fatal("only every seventh account is demo")
	}
	for _, acc := range accounts {
		if !acc.Active || acc.Balance.IsNegative() {
			t.Fatalf("account %s: %+v", acc.ID, acc)
		}
	}

	got, err := p.GetAccount(context.Background(), "acct-003")
	if err != nil || got.ID != "acct-003" {
		t.Fatalf("get: %v %+v", err, got)
	}
	if _, err := p.GetAccount(context.Background(), "ghost"); err == nil {
		t.Fatal("unknown account must error")
	}
}

func TestApplyShiftsEdge(t *testing.T) {
	p := newProvider()
	ctx := context.Background()
	change := model.Change{ID: "sugg-001-c1", Parameter: "p", OldValue: "1", NewValue: "2"}

	before := p.edge("acct-002")
	if err := p.Apply(ctx, "acct-002", change); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !p.Applied("acct-002", change.ID) {
		t.Fatal("change not recorded")
	}
	after := p.edge("acct-002")
	if after == before {
		t.Fatal("applied change must shift the account's edge")
	}

	// Idempotent: applying twice counts once.
	_ = p.Apply(ctx, "acct-002", change)
	if p.edge("acct-002") != after {
		t.Fatal("double apply must not double the shift")
	}

	if err := p.Revert(ctx, "acct-002", change); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if p.Applied("acct-002", change.ID) {
		t.Fatal("revert must clear the change")
	}
	if p.edge("acct-002") != before {
		t.Fatal("revert must restore the original edge")
	}
}

func TestEmergencyStopZeroesEdge(t *testing.T) {
	p := newProvider()
	if err := p.EmergencyStop(context.Background(), "acct-004"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !p.Stopped("acct-004") {
		t.Fatal("stop not recorded")
	}
	if p.edge("acct-004") != 0 {
		t.Fatal("stopped account must not trade an edge")
	}
}

func TestRecentTrades(t *testing.T) {
	p := newProvider()
	trades, err := p.RecentTrades(context.Background(), "acct-005", 25)
	if err != nil {
		t.Fatalf("trades: %v", err)
	}
	if len(trades) != 25 {
		t.Fatalf("got %d trades, want 25", len(trades))
	}
	for _, tr := range trades {
		if tr.AccountID != "acct-005" {
			t.Fatalf("trade for wrong account: %s", tr.AccountID)
		}
		if tr.Instrument != "EURUSD" && tr.Instrument != "GBPUSD" {
			t.Fatalf("unexpected instrument: %s", tr.Instrument)
		}
		if !tr.ClosedAt.After(tr.OpenedAt) {
			t.Fatal("trade closes after it opens")
		}
	}
}

func TestPerformanceWindows(t *testing.T) {
	p := newProvider()
	ctx := context.Background()
	daily, err := p.Performance(ctx, "acct-006", provider.WindowDaily)
	if err != nil {
		t.Fatalf("daily: %v", err)
	}
	monthly, err := p.Performance(ctx, "acct-006", provider.WindowMonthly)
	if err != nil {
		t.Fatalf("monthly: %v", err)
	}
	if daily.TradeCount != 12 || monthly.TradeCount != 240 {
		t.Fatalf("window sizes: daily %d, monthly %d", daily.TradeCount, monthly.TradeCount)
	}
	if monthly.WinRate.IsNegative() || monthly.WinRate.GreaterThan(decimal.NewFromInt(1)) {
		t.Fatalf("win rate: %s", monthly.WinRate)
	}
	if monthly.Volatility.IsZero() {
		t.Fatal("volatility should be positive over 240 noisy trades")
	}
	if monthly.MaxDrawdown.IsNegative() {
		t.Fatalf("drawdown: %s", monthly.MaxDrawdown)
	}
}

func TestMarketStateBounds(t *testing.T) {
	p := newProvider()
	ms, err := p.MarketState(context.Background(), "EURUSD")
	if err != nil {
		t.Fatalf("market state: %v", err)
	}
	if ms.Volatility < 0.01 {
		t.Fatalf("volatility floor: %f", ms.Volatility)
	}
	switch ms.Regime {
	case "trending", "ranging", "volatile":
	default:
		t.Fatalf("unknown regime %q", ms.Regime)
	}
	if ms.TrendStrength < -1 || ms.TrendStrength > 1 {
		t.Fatalf("trend strength: %f", ms.TrendStrength)
	}
}

func TestSuggestionBacklogDrains(t *testing.T) {
	p := newProvider()
	ctx := context.Background()

	first, err := p.NextSuggestions(ctx, 3)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("first batch: got %d, want 3", len(first))
	}
	rest, _ := p.NextSuggestions(ctx, 10)
	if len(rest) != 2 {
		t.Fatalf("second batch: got %d, want 2", len(rest))
	}
	empty, _ := p.NextSuggestions(ctx, 10)
	if len(empty) != 0 {
		t.Fatal("backlog must drain")
	}

	for _, s := range append(first, rest...) {
		if s.ID == "" || s.Component == "" || len(s.Changes) != 1 {
			t.Fatalf("malformed suggestion: %+v", s)
		}
		if s.Score < 0.55 || s.Score >= 0.95 {
			t.Fatalf("score out of range: %f", s.Score)
		}
	}
}
