// Package sim is a deterministic in-process provider backend. It exists so
// the whole pipeline can run end to end with no broker connectivity: every
// quantity is drawn from a seeded generator, and applied changes shift an
// account's return distribution so treatments actually measure something.
package sim

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/QuantCanary/canary-trader/internal/model"
	"github.com/QuantCanary/canary-trader/internal/provider"
)

type Config struct {
	Accounts    int
	Seed        int64
	Instruments []string
}

// Provider implements every provider interface against synthetic state.
type Provider struct {
	cfg      Config
	accounts []provider.Account

	mu       sync.Mutex
	rng      *rand.Rand
	applied  map[string]map[string]bool // accountID → changeID
	disabled map[string]map[string]bool // accountID → component
	stopped  map[string]bool
	backlog  []model.Suggestion
}

var brokers = []string{"alpari", "icmarkets", "pepperstone"}
var accountTypes = []string{"standard", "prop"}

func New(cfg Config) *Provider {
	if cfg.Accounts <= 0 {
		cfg.Accounts = 40
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	p := &Provider{
		cfg:      cfg,
		rng:      rng,
		applied:  make(map[string]map[string]bool),
		disabled: make(map[string]map[string]bool),
		stopped:  make(map[string]bool),
	}
	for i := 0; i < cfg.Accounts; i++ {
		balance := 500 + rng.Float64()*99500
		p.accounts = append(p.accounts, provider.Account{
			ID:          fmt.Sprintf("acct-%03d", i+1),
			Broker:      brokers[i%len(brokers)],
			AccountType: accountTypes[i%len(accountTypes)],
			Balance:     decimal.NewFromFloat(balance).Round(2),
			Currency:    "USD",
			Active:      true,
			Demo:        i%7 == 0,
		})
	}
	p.backlog = p.seedSuggestions()
	return p
}

func (p *Provider) ListAccounts(_ context.Context) ([]provider.Account, error) {
	return append([]provider.Account(nil), p.accounts...), nil
}

func (p *Provider) GetAccount(_ context.Context, accountID string) (provider.Account, error) {
	for _, acc := range p.accounts {
		if acc.ID == accountID {
			return acc, nil
		}
	}
	return provider.Account{}, fmt.Errorf("account %s not found", accountID)
}

// edge returns the account's per-trade expectancy including the shift from
// every change currently applied to it. The shift is a stable function of
// the change ID, so repeated measurements agree.
func (p *Provider) edge(accountID string) float64 {
	base := 0.0008 + 0.0004*hashUnit(accountID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped[accountID] {
		return 0
	}
	for changeID := range p.applied[accountID] {
		base += 0.0015 * (hashUnit(changeID) - 0.35)
	}
	return base
}

func (p *Provider) RecentTrades(_ context.Context, accountID string, limit int) ([]provider.Trade, error) {
	edge := p.edge(accountID)
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()
	trades := make([]provider.Trade, 0, limit)
	for i := 0; i < limit; i++ {
		ret := edge + p.rng.NormFloat64()*0.01
		direction := "long"
		if p.rng.Float64() < 0.5 {
			direction = "short"
		}
		closed := now.Add(-time.Duration(i) * 37 * time.Minute)
		trades = append(trades, provider.Trade{
			ID:         fmt.Sprintf("%s-t%05d", accountID, i),
			AccountID:  accountID,
			Instrument: p.cfg.Instruments[i%max(1, len(p.cfg.Instruments))],
			Direction:  direction,
			OpenedAt:   closed.Add(-45 * time.Minute),
			ClosedAt:   closed,
			ReturnPct:  decimal.NewFromFloat(ret).Round(8),
			ProfitUSD:  decimal.NewFromFloat(ret * 1000).Round(2),
		})
	}
	return trades, nil
}

func (p *Provider) Performance(ctx context.Context, accountID string, window provider.Window) (model.PerformanceMetrics, error) {
	n := 60
	switch window {
	case provider.WindowDaily:
		n = 12
	case provider.WindowMonthly:
		n = 240
	}
	trades, err := p.RecentTrades(ctx, accountID, n)
	if err != nil {
		return model.PerformanceMetrics{}, err
	}

	var wins int
	var total, sumSq float64
	equity, peak, maxDD := 1.0, 1.0, 0.0
	for _, tr := range trades {
		r, _ := tr.ReturnPct.Float64()
		if r > 0 {
			wins++
		}
		total += r
		sumSq += r * r
		equity *= 1 + r
		if equity > peak {
			peak = equity
		}
		if dd := (peak - equity) / peak; dd > maxDD {
			maxDD = dd
		}
	}
	mean := total / float64(n)
	variance := sumSq/float64(n) - mean*mean
	vol := math.Sqrt(math.Max(variance, 0))

	m := model.PerformanceMetrics{
		TradeCount:  n,
		WinRate:     decimal.NewFromFloat(float64(wins) / float64(n)).Round(8),
		Expectancy:  decimal.NewFromFloat(mean).Round(8),
		TotalReturn: decimal.NewFromFloat(total).Round(8),
		MaxDrawdown: decimal.NewFromFloat(maxDD).Round(8),
		Volatility:  decimal.NewFromFloat(vol).Round(8),
	}
	if vol > 0 {
		m.Sharpe = decimal.NewFromFloat(mean / vol).Round(8)
	}
	return m, nil
}

// MarketState is a slow sinusoid over wall time plus seeded noise, so
// regimes shift over hours rather than flickering per call.
func (p *Provider) MarketState(_ context.Context, instrument string) (provider.MarketState, error) {
	now := time.Now().UTC()
	phase := float64(now.Unix()%86400)/86400*2*math.Pi + hashUnit(instrument)*math.Pi

	p.mu.Lock()
	noise := p.rng.NormFloat64()
	p.mu.Unlock()

	vol := 0.12 + 0.08*math.Abs(math.Sin(phase)) + 0.01*noise
	trend := 0.6 * math.Sin(phase/2)
	regime := "ranging"
	switch {
	case math.Abs(trend) > 0.35:
		regime = "trending"
	case vol > 0.17:
		regime = "volatile"
	}
	return provider.MarketState{
		Instrument:    instrument,
		Price:         decimal.NewFromFloat(1 + hashUnit(instrument)).Round(5),
		Volatility:    math.Max(vol, 0.01),
		TrendStrength: trend,
		Regime:        regime,
		Timestamp:     now,
	}, nil
}

func (p *Provider) Apply(_ context.Context, accountID string, change model.Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.applied[accountID] == nil {
		p.applied[accountID] = make(map[string]bool)
	}
	p.applied[accountID][change.ID] = true
	return nil
}

func (p *Provider) Revert(_ context.Context, accountID string, change model.Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.applied[accountID], change.ID)
	return nil
}

func (p *Provider) DisableStrategy(_ context.Context, accountID, component string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disabled[accountID] == nil {
		p.disabled[accountID] = make(map[string]bool)
	}
	p.disabled[accountID][component] = true
	return nil
}

func (p *Provider) EmergencyStop(_ context.Context, accountID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped[accountID] = true
	return nil
}

// Applied reports whether a change is currently applied to an account.
func (p *Provider) Applied(accountID, changeID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied[accountID][changeID]
}

// Stopped reports whether an account was emergency stopped.
func (p *Provider) Stopped(accountID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped[accountID]
}

func (p *Provider) NextSuggestions(_ context.Context, limit int) ([]model.Suggestion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if limit > len(p.backlog) {
		limit = len(p.backlog)
	}
	out := append([]model.Suggestion(nil), p.backlog[:limit]...)
	p.backlog = p.backlog[limit:]
	return out, nil
}

func (p *Provider) seedSuggestions() []model.Suggestion {
	specs := []struct {
		component  string
		typ        model.ChangeType
		risk       model.RiskLevel
		priority   string
		hypothesis string
		parameter  string
		oldV, newV string
	}{
		{"trend_follower", model.ChangeParameter, model.RiskLow, "normal",
			"wider trailing stop reduces premature exits", "trailing_stop_pips", "20", "35"},
		{"mean_reverter", model.ChangeParameter, model.RiskMedium, "normal",
			"tighter entry band improves fill quality", "entry_band_sigma", "2.0", "2.5"},
		{"breakout_scanner", model.ChangeAlgorithm, model.RiskMedium, "high",
			"volume confirmation filters false breakouts", "volume_filter", "off", "on"},
		{"position_sizer", model.ChangeFeature, model.RiskHigh, "critical",
			"volatility scaled sizing caps tail losses", "sizing_mode", "fixed", "vol_scaled"},
		{"news_filter", model.ChangeStrategy, model.RiskLow, "normal",
			"pausing around tier-1 news avoids spread spikes", "news_pause_minutes", "0", "15"},
	}

	var out []model.Suggestion
	for i, sp := range specs {
		id := fmt.Sprintf("sugg-%03d", i+1)
		out = append(out, model.Suggestion{
			ID:         id,
			Hypothesis: sp.hypothesis,
			Type:       sp.typ,
			Component:  sp.component,
			Risk:       sp.risk,
			Priority:   sp.priority,
			Score:      0.55 + 0.4*hashUnit(id),
			Complexity: 1 + int(hashUnit(sp.component)*8),
			Changes: []model.Change{{
				ID:        id + "-c1",
				Type:      sp.typ,
				Component: sp.component,
				Parameter: sp.parameter,
				OldValue:  sp.oldV,
				NewValue:  sp.newV,
				Rollback:  "restore " + sp.parameter + "=" + sp.oldV,
			}},
		})
	}
	return out
}

// hashUnit maps a string to a stable value in [0, 1).
func hashUnit(s string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return float64(h.Sum32()%10000) / 10000
}
