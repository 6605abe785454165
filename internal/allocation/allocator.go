package allocation

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/QuantCanary/canary-trader/internal/model"
	"github.com/QuantCanary/canary-trader/internal/provider"
	"github.com/QuantCanary/canary-trader/internal/registry"
)

type Config struct {
	MinBalanceUSD     float64
	MinStageDuration  time.Duration
	MinStageTrades    int
	MaxTradeCountSkew float64 // max allowed |treatment-control| trade-count gap, as a fraction
}

// Allocator partitions eligible accounts into control and treatment groups
// per rollout stage and keeps the advertised stage percentage exact.
type Allocator struct {
	cfg        Config
	accounts   provider.AccountProvider
	applicator provider.ChangeApplicator
	reg        *registry.Registry

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg Config, accounts provider.AccountProvider, applicator provider.ChangeApplicator, reg *registry.Registry, rng *rand.Rand) *Allocator {
	if cfg.MaxTradeCountSkew <= 0 {
		cfg.MaxTradeCountSkew = 0.5
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Allocator{cfg: cfg, accounts: accounts, applicator: applicator, reg: reg, rng: rng}
}

// Allocate builds control and treatment groups for a fresh rollout stage.
// Accounts are stratified by (broker, account type, balance tier), shuffled
// and split within each stratum, then rebalanced globally so the treatment
// count equals round(total * stagePct / 100) exactly. All eligible accounts
// are claimed in the registry before any change is applied; per-account
// change failures demote the account to control and are reported as issues.
func (a *Allocator) Allocate(ctx context.Context, test *model.ImprovementTest, stagePct int) (control, treatment *model.TestGroup, issues []string, err error) {
	eligible, err := a.eligibleAccounts(ctx, test)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(eligible) == 0 {
		return nil, nil, nil, fmt.Errorf("no eligible accounts for test %s", test.ID)
	}

	controlIDs, treatmentIDs := a.stratifiedSplit(eligible, stagePct)

	all := append(append([]string(nil), controlIDs...), treatmentIDs...)
	if err := a.reg.Allocate(test.ID, all); err != nil {
		return nil, nil, nil, err
	}

	treatmentIDs, demoted, issues := a.applyChanges(ctx, test.Changes, treatmentIDs)
	controlIDs = append(controlIDs, demoted...)

	control = &model.TestGroup{Type: model.GroupControl, AccountIDs: controlIDs, AllocationPct: 100 - stagePct}
	treatment = &model.TestGroup{Type: model.GroupTreatment, AccountIDs: treatmentIDs, AllocationPct: stagePct}
	return control, treatment, issues, nil
}

// Reallocate adjusts existing groups to a new stage percentage, moving the
// smallest number of accounts. Increases promote random control accounts,
// applying every pending change before an account counts as treatment.
// Decreases demote the most recently promoted accounts back to control
// without reverting changes; reverting is the rollback monitor's job.
func (a *Allocator) Reallocate(ctx context.Context, test *model.ImprovementTest, newPct int) (control, treatment *model.TestGroup, issues []string, err error) {
	if test.Control == nil || test.Treatment == nil {
		return nil, nil, nil, fmt.Errorf("test %s has no groups to reallocate", test.ID)
	}
	controlIDs := append([]string(nil), test.Control.AccountIDs...)
	treatmentIDs := append([]string(nil), test.Treatment.AccountIDs...)

	total := len(controlIDs) + len(treatmentIDs)
	target := exactTarget(total, newPct)

	switch {
	case target > len(treatmentIDs):
		need := target - len(treatmentIDs)
		if need > len(controlIDs) {
			need = len(controlIDs)
		}
		a.rngMu.Lock()
		a.rng.Shuffle(len(controlIDs), func(i, j int) {
			controlIDs[i], controlIDs[j] = controlIDs[j], controlIDs[i]
		})
		a.rngMu.Unlock()

		promoted := controlIDs[:need]
		controlIDs = controlIDs[need:]
		promoted, demoted, applyIssues := a.applyChanges(ctx, test.Changes, promoted)
		issues = applyIssues
		treatmentIDs = append(treatmentIDs, promoted...)
		controlIDs = append(controlIDs, demoted...)

	case target < len(treatmentIDs):
		drop := len(treatmentIDs) - target
		demoted := treatmentIDs[len(treatmentIDs)-drop:]
		treatmentIDs = treatmentIDs[:len(treatmentIDs)-drop]
		controlIDs = append(controlIDs, demoted...)
	}

	control = &model.TestGroup{Type: model.GroupControl, AccountIDs: controlIDs, AllocationPct: 100 - newPct, Baseline: test.Control.Baseline, Current: test.Control.Current}
	treatment = &model.TestGroup{Type: model.GroupTreatment, AccountIDs: treatmentIDs, AllocationPct: newPct, Baseline: test.Treatment.Baseline, Current: test.Treatment.Current}
	return control, treatment, issues, nil
}

// StageComplete evaluates the stage-completion guard: minimum duration,
// minimum treatment trades, and a data-quality check that treatment and
// control trade counts are not more than the configured fraction apart.
func (a *Allocator) StageComplete(t *model.ImprovementTest, now time.Time) (bool, string) {
	if elapsed := now.Sub(t.PhaseStartedAt); elapsed < a.cfg.MinStageDuration {
		return false, fmt.Sprintf("stage duration %s < minimum %s", elapsed.Round(time.Minute), a.cfg.MinStageDuration)
	}
	var treatTrades, ctrlTrades int
	if t.Treatment != nil && t.Treatment.Current != nil {
		treatTrades = t.Treatment.Current.TradeCount
	}
	if t.Control != nil && t.Control.Current != nil {
		ctrlTrades = t.Control.Current.TradeCount
	}
	if treatTrades < a.cfg.MinStageTrades {
		return false, fmt.Sprintf("treatment trades %d < minimum %d", treatTrades, a.cfg.MinStageTrades)
	}
	// A silent group invalidates the comparison.
	larger := math.Max(float64(treatTrades), float64(ctrlTrades))
	if larger > 0 {
		skew := math.Abs(float64(treatTrades)-float64(ctrlTrades)) / larger
		if skew > a.cfg.MaxTradeCountSkew {
			return false, fmt.Sprintf("trade-count skew %.0f%% exceeds %.0f%%", skew*100, a.cfg.MaxTradeCountSkew*100)
		}
	}
	return true, ""
}

func (a *Allocator) eligibleAccounts(ctx context.Context, test *model.ImprovementTest) ([]provider.Account, error) {
	accounts, err := a.accounts.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	minBalance := decimal.NewFromFloat(a.cfg.MinBalanceUSD)
	var eligible []provider.Account
	for _, acc := range accounts {
		if !acc.Active {
			continue
		}
		if owner, taken := a.reg.AllocatedTo(acc.ID); taken && owner != test.ID {
			continue
		}
		if acc.Balance.LessThan(minBalance) {
			continue
		}
		if test.Risk == model.RiskHigh && acc.Demo {
			continue
		}
		eligible = append(eligible, acc)
	}
	return eligible, nil
}

// stratifiedSplit shuffles and splits each stratum by the stage ratio, then
// moves accounts between groups until the global treatment count matches the
// exact target, so per-stratum rounding never changes the advertised
// percentage.
func (a *Allocator) stratifiedSplit(eligible []provider.Account, stagePct int) (controlIDs, treatmentIDs []string) {
	strata := make(map[string][]string)
	var keys []string
	for _, acc := range eligible {
		k := stratumKey(acc)
		if _, seen := strata[k]; !seen {
			keys = append(keys, k)
		}
		strata[k] = append(strata[k], acc.ID)
	}
	sort.Strings(keys)

	a.rngMu.Lock()
	for _, k := range keys {
		ids := strata[k]
		a.rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
		cut := int(math.Round(float64(len(ids)) * float64(stagePct) / 100))
		treatmentIDs = append(treatmentIDs, ids[:cut]...)
		controlIDs = append(controlIDs, ids[cut:]...)
	}
	a.rngMu.Unlock()

	target := exactTarget(len(eligible), stagePct)
	for len(treatmentIDs) > target {
		last := treatmentIDs[len(treatmentIDs)-1]
		treatmentIDs = treatmentIDs[:len(treatmentIDs)-1]
		controlIDs = append(controlIDs, last)
	}
	for len(treatmentIDs) < target && len(controlIDs) > 0 {
		last := controlIDs[len(controlIDs)-1]
		controlIDs = controlIDs[:len(controlIDs)-1]
		treatmentIDs = append(treatmentIDs, last)
	}
	return controlIDs, treatmentIDs
}

// applyChanges applies every change to each account, idempotently. Accounts
// where any change fails are demoted rather than counted as treatment.
func (a *Allocator) applyChanges(ctx context.Context, changes []model.Change, accountIDs []string) (applied, demoted []string, issues []string) {
	for _, acc := range accountIDs {
		failed := false
		for _, ch := range changes {
			if err := a.applicator.Apply(ctx, acc, ch); err != nil {
				issues = append(issues, fmt.Sprintf("apply %s to %s: %v", ch.ID, acc, err))
				failed = true
				break
			}
		}
		if failed {
			demoted = append(demoted, acc)
		} else {
			applied = append(applied, acc)
		}
	}
	return applied, demoted, issues
}

func stratumKey(acc provider.Account) string {
	return acc.Broker + "|" + acc.AccountType + "|" + balanceTier(acc.Balance)
}

func balanceTier(balance decimal.Decimal) string {
	switch {
	case balance.LessThan(decimal.NewFromInt(10_000)):
		return "small"
	case balance.LessThan(decimal.NewFromInt(50_000)):
		return "medium"
	default:
		return "large"
	}
}

func exactTarget(total, pct int) int {
	return int(math.Round(float64(total) * float64(pct) / 100))
}
