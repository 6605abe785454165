package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/QuantCanary/canary-trader/internal/model"
)

func sampleTest(id string, created time.Time) *model.ImprovementTest {
	return &model.ImprovementTest{
		ID:             id,
		Component:      "trend_follower",
		Phase:          model.PhaseShadow,
		CreatedAt:      created,
		PhaseStartedAt: created,
		UpdatedAt:      created,
	}
}

func TestMemorySaveLoadIsolation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	orig := sampleTest("a", time.Now())
	if err := m.SaveTest(ctx, orig); err != nil {
		t.Fatalf("save: %v", err)
	}

	orig.Component = "mutated-after-save"
	loaded, err := m.LoadTests(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("got %d tests, want 1", len(loaded))
	}
	if loaded[0].Component != "trend_follower" {
		t.Fatal("store must hold its own copy")
	}

	loaded[0].Component = "mutated-after-load"
	again, _ := m.LoadTests(ctx)
	if again[0].Component != "trend_follower" {
		t.Fatal("loaded tests must be isolated copies")
	}
}

func TestMemoryLoadOrderedByCreation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now()
	_ = m.SaveTest(ctx, sampleTest("newer", base.Add(time.Hour)))
	_ = m.SaveTest(ctx, sampleTest("older", base))

	loaded, _ := m.LoadTests(ctx)
	if loaded[0].ID != "older" || loaded[1].ID != "newer" {
		t.Fatalf("expected creation order, got %s then %s", loaded[0].ID, loaded[1].ID)
	}
}

func TestMemoryRollbacks(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	d := &model.RollbackDecision{
		ID:           "d1",
		TestID:       "a",
		Severity:     model.SeverityAutomatic,
		TriggerValue: decimal.NewFromFloat(-0.12),
		CreatedAt:    time.Now(),
	}
	if err := m.SaveRollback(ctx, d, nil); err != nil {
		t.Fatalf("save rollback: %v", err)
	}

	got, err := m.LoadRollbacks(ctx, "a")
	if err != nil {
		t.Fatalf("load rollbacks: %v", err)
	}
	if len(got) != 1 || got[0].ID != "d1" {
		t.Fatalf("unexpected rollbacks: %+v", got)
	}
	if other, _ := m.LoadRollbacks(ctx, "b"); len(other) != 0 {
		t.Fatal("rollbacks leak across tests")
	}
}

func TestMemoryPurgeArchived(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	old := sampleTest("old", now.Add(-100*24*time.Hour))
	old.Phase = model.PhaseCompleted
	old.Archived = true
	archivedAt := now.Add(-95 * 24 * time.Hour)
	old.ArchivedAt = &archivedAt

	fresh := sampleTest("fresh", now.Add(-10*24*time.Hour))
	fresh.Phase = model.PhaseCompleted
	fresh.Archived = true
	freshAt := now.Add(-5 * 24 * time.Hour)
	fresh.ArchivedAt = &freshAt

	live := sampleTest("live", now.Add(-200*24*time.Hour))

	for _, tt := range []*model.ImprovementTest{old, fresh, live} {
		_ = m.SaveTest(ctx, tt)
	}
	_ = m.SaveRollback(ctx, &model.RollbackDecision{ID: "d1", TestID: "old", CreatedAt: now}, nil)

	removed, err := m.PurgeArchived(ctx, now.Add(-90*24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed: got %d, want 1", removed)
	}

	loaded, _ := m.LoadTests(ctx)
	if len(loaded) != 2 {
		t.Fatalf("remaining tests: got %d, want 2", len(loaded))
	}
	for _, tt := range loaded {
		if tt.ID == "old" {
			t.Fatal("expired archive must be gone")
		}
	}
	if rbs, _ := m.LoadRollbacks(ctx, "old"); len(rbs) != 0 {
		t.Fatal("purging a test must drop its rollbacks too")
	}
}

func TestOpenDefaultsToMemory(t *testing.T) {
	s, err := Open(Config{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := s.(*Memory); !ok {
		t.Fatalf("empty driver should yield the memory store, got %T", s)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
