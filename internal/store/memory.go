package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/QuantCanary/canary-trader/internal/model"
)

// Memory keeps everything in process. Used in sim mode and tests.
type Memory struct {
	mu        sync.RWMutex
	tests     map[string]*model.ImprovementTest
	rollbacks map[string][]*model.RollbackDecision
}

func NewMemory() *Memory {
	return &Memory{
		tests:     make(map[string]*model.ImprovementTest),
		rollbacks: make(map[string][]*model.RollbackDecision),
	}
}

func (m *Memory) SaveTest(_ context.Context, t *model.ImprovementTest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tests[t.ID] = t.Clone()
	return nil
}

func (m *Memory) LoadTests(_ context.Context) ([]*model.ImprovementTest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.ImprovementTest, 0, len(m.tests))
	for _, t := range m.tests {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SaveRollback(_ context.Context, decision *model.RollbackDecision, _ *model.RollbackResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := *decision
	m.rollbacks[decision.TestID] = append(m.rollbacks[decision.TestID], &d)
	return nil
}

func (m *Memory) LoadRollbacks(_ context.Context, testID string) ([]*model.RollbackDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.RollbackDecision, 0, len(m.rollbacks[testID]))
	for _, d := range m.rollbacks[testID] {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) PurgeArchived(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, t := range m.tests {
		if t.Archived && t.ArchivedAt != nil && t.ArchivedAt.Before(before) {
			delete(m.tests, id)
			delete(m.rollbacks, id)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Close() error { return nil }
