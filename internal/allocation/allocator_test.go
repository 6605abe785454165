package allocation

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/QuantCanary/canary-trader/internal/model"
	"github.com/QuantCanary/canary-trader/internal/provider"
	"github.com/QuantCanary/canary-trader/internal/registry"
)

type fakeAccounts struct {
	accounts []provider.Account
}

func (f *fakeAccounts) ListAccounts(context.Context) ([]provider.Account, error) {
	return f.accounts, nil
}

func (f *fakeAccounts) GetAccount(_ context.Context, id string) (provider.Account, error) {
	for _, a := range f.accounts {
		if a.ID == id {
			return a, nil
		}
	}
	return provider.Account{}, fmt.Errorf("not found")
}

type fakeApplicator struct {
	applied map[string]int
	failOn  map[string]bool
}

func newFakeApplicator() *fakeApplicator {
	return &fakeApplicator{applied: make(map[string]int), failOn: make(map[string]bool)}
}

func (f *fakeApplicator) Apply(_ context.Context, accountID string, _ model.Change) error {
	if f.failOn[accountID] {
		return fmt.Errorf("broker rejected")
	}
	f.applied[accountID]++
	return nil
}

func (f *fakeApplicator) Revert(context.Context, string, model.Change) error    { return nil }
func (f *fakeApplicator) DisableStrategy(context.Context, string, string) error { return nil }
func (f *fakeApplicator) EmergencyStop(context.Context, string) error           { return nil }

func makeAccounts(n int) []provider.Account {
	brokers := []string{"alpari", "icmarkets"}
	out := make([]provider.Account, n)
	for i := range out {
		out[i] = provider.Account{
			ID:          fmt.Sprintf("acc-%03d", i),
			Broker:      brokers[i%2],
			AccountType: "standard",
			Balance:     decimal.NewFromInt(int64(2000 + i*1000)),
			Active:      true,
		}
	}
	return out
}

func testSubject() *model.ImprovementTest {
	return &model.ImprovementTest{
		ID:    "test-1",
		Risk:  model.RiskLow,
		Phase: model.RolloutPhase(25),
		Changes: []model.Change{
			{ID: "c1", Parameter: "trailing_stop_pips", OldValue: "20", NewValue: "35"},
		},
		PhaseStartedAt: time.Now().Add(-100 * time.Hour),
	}
}

func newAllocator(accounts []provider.Account, app *fakeApplicator, reg *registry.Registry) *Allocator {
	return New(Config{
		MinBalanceUSD:    1000,
		MinStageDuration: 72 * time.Hour,
		MinStageTrades:   30,
	}, &fakeAccounts{accounts: accounts}, app, reg, rand.New(rand.NewSource(42)))
}

func TestAllocateExactTarget(t *testing.T) {
	reg := registry.New()
	a := newAllocator(makeAccounts(40), newFakeApplicator(), reg)

	control, treatment, issues, err := a.Allocate(context.Background(), testSubject(), 25)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if len(issues) != 0 {
		t.Fatalf("unexpected issues: %v", issues)
	}
	if got := len(treatment.AccountIDs); got != 10 {
		t.Fatalf("treatment size: got %d, want exactly 10 of 40", got)
	}
	if got := len(control.AccountIDs); got != 30 {
		t.Fatalf("control size: got %d, want 30", got)
	}
}

func TestAllocateDisjointGroups(t *testing.T) {
	reg := registry.New()
	a := newAllocator(makeAccounts(20), newFakeApplicator(), reg)

	control, treatment, _, err := a.Allocate(context.Background(), testSubject(), 50)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	seen := make(map[string]bool)
	for _, id := range control.AccountIDs {
		seen[id] = true
	}
	for _, id := range treatment.AccountIDs {
		if seen[id] {
			t.Fatalf("account %s in both groups", id)
		}
	}
}

func TestAllocateSkipsIneligible(t *testing.T) {
	accounts := makeAccounts(10)
	accounts[0].Active = false
	accounts[1].Balance = decimal.NewFromInt(100)
	reg := registry.New()
	if err := reg.Allocate("other-test", []string{accounts[2].ID}); err != nil {
		t.Fatalf("pre-allocate: %v", err)
	}

	a := newAllocator(accounts, newFakeApplicator(), reg)
	control, treatment, _, err := a.Allocate(context.Background(), testSubject(), 50)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	total := len(control.AccountIDs) + len(treatment.AccountIDs)
	if total != 7 {
		t.Fatalf("eligible pool: got %d, want 7", total)
	}
	for _, id := range append(control.AccountIDs, treatment.AccountIDs...) {
		if id == accounts[0].ID || id == accounts[1].ID || id == accounts[2].ID {
			t.Fatalf("ineligible account %s was allocated", id)
		}
	}
}

func TestAllocateHighRiskExcludesDemo(t *testing.T) {
	accounts := makeAccounts(10)
	accounts[3].Demo = true
	a := newAllocator(accounts, newFakeApplicator(), registry.New())

	subject := testSubject()
	subject.Risk = model.RiskHigh
	control, treatment, _, err := a.Allocate(context.Background(), subject, 50)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	for _, id := range append(control.AccountIDs, treatment.AccountIDs...) {
		if id == accounts[3].ID {
			t.Fatal("demo account allocated to a high-risk test")
		}
	}
}

func TestAllocateAppliesChangesToTreatmentOnly(t *testing.T) {
	app := newFakeApplicator()
	a := newAllocator(makeAccounts(20), app, registry.New())

	control, treatment, _, err := a.Allocate(context.Background(), testSubject(), 50)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	for _, id := range treatment.AccountIDs {
		if app.applied[id] != 1 {
			t.Fatalf("treatment account %s: %d applications, want 1", id, app.applied[id])
		}
	}
	for _, id := range control.AccountIDs {
		if app.applied[id] != 0 {
			t.Fatalf("control account %s received a change", id)
		}
	}
}

func TestAllocateDemotesOnApplyFailure(t *testing.T) {
	accounts := makeAccounts(10)
	app := newFakeApplicator()
	for _, acc := range accounts {
		app.failOn[acc.ID] = true
	}
	a := newAllocator(accounts, app, registry.New())

	control, treatment, issues, err := a.Allocate(context.Background(), testSubject(), 50)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if len(treatment.AccountIDs) != 0 {
		t.Fatalf("all applications failed, treatment should be empty, got %d", len(treatment.AccountIDs))
	}
	if len(control.AccountIDs) != 10 {
		t.Fatalf("failed accounts must be demoted to control, got %d", len(control.AccountIDs))
	}
	if len(issues) != 5 {
		t.Fatalf("issues: got %d, want 5", len(issues))
	}
}

func TestReallocateIncrease(t *testing.T) {
	reg := registry.New()
	app := newFakeApplicator()
	a := newAllocator(makeAccounts(40), app, reg)
	subject := testSubject()

	control, treatment, _, err := a.Allocate(context.Background(), subject, 25)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	subject.Control = control
	subject.Treatment = treatment

	control, treatment, _, err = a.Reallocate(context.Background(), subject, 50)
	if err != nil {
		t.Fatalf("reallocate: %v", err)
	}
	if got := len(treatment.AccountIDs); got != 20 {
		t.Fatalf("treatment after increase: got %d, want 20", got)
	}
	for _, id := range treatment.AccountIDs {
		if app.applied[id] != 1 {
			t.Fatalf("promoted account %s missing change application", id)
		}
	}
}

func TestReallocateDecreaseDemotesNewestFirst(t *testing.T) {
	a := newAllocator(makeAccounts(10), newFakeApplicator(), registry.New())
	subject := testSubject()
	subject.Control = &model.TestGroup{Type: model.GroupControl, AccountIDs: []string{"c1", "c2"}}
	subject.Treatment = &model.TestGroup{
		Type:       model.GroupTreatment,
		AccountIDs: []string{"t1", "t2", "t3", "t4", "t5", "t6", "t7", "t8"},
	}

	control, treatment, _, err := a.Reallocate(context.Background(), subject, 30)
	if err != nil {
		t.Fatalf("reallocate: %v", err)
	}
	if got := len(treatment.AccountIDs); got != 3 {
		t.Fatalf("treatment after decrease: got %d, want 3", got)
	}
	for i, id := range []string{"t1", "t2", "t3"} {
		if treatment.AccountIDs[i] != id {
			t.Fatalf("oldest members must stay: got %v", treatment.AccountIDs)
		}
	}
	if len(control.AccountIDs) != 7 {
		t.Fatalf("control after decrease: got %d, want 7", len(control.AccountIDs))
	}
}

func TestStageCompleteGuards(t *testing.T) {
	a := newAllocator(makeAccounts(10), newFakeApplicator(), registry.New())
	now := time.Now()

	subject := testSubject()
	subject.PhaseStartedAt = now.Add(-time.Hour)
	if ok, _ := a.StageComplete(subject, now); ok {
		t.Fatal("stage must not complete before minimum duration")
	}

	subject.PhaseStartedAt = now.Add(-100 * time.Hour)
	subject.Treatment = &model.TestGroup{Current: &model.PerformanceMetrics{TradeCount: 10}}
	subject.Control = &model.TestGroup{Current: &model.PerformanceMetrics{TradeCount: 40}}
	if ok, _ := a.StageComplete(subject, now); ok {
		t.Fatal("stage must not complete under the treatment trade floor")
	}

	subject.Treatment.Current.TradeCount = 35
	subject.Control.Current.TradeCount = 200
	if ok, reason := a.StageComplete(subject, now); ok {
		t.Fatalf("trade-count skew should block completion: %s", reason)
	}

	subject.Control.Current.TradeCount = 50
	if ok, reason := a.StageComplete(subject, now); !ok {
		t.Fatalf("all guards met, expected completion: %s", reason)
	}
}
