package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/QuantCanary/canary-trader/internal/model"
)

// Registry owns all improvement tests and the account→test allocation map.
// A coarse lock guards structural changes (add/archive/remove); each test
// additionally carries its own lock so slow tests never block the rest.
// Callers must not perform provider I/O inside Update callbacks: snapshot,
// compute, then commit.
type Registry struct {
	mu          sync.RWMutex
	tests       map[string]*model.ImprovementTest
	locks       map[string]*sync.Mutex
	allocations map[string]string // accountID → testID
}

func New() *Registry {
	return &Registry{
		tests:       make(map[string]*model.ImprovementTest),
		locks:       make(map[string]*sync.Mutex),
		allocations: make(map[string]string),
	}
}

// Add registers a new test.
func (r *Registry) Add(t *model.ImprovementTest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tests[t.ID]; exists {
		return fmt.Errorf("test %s already registered", t.ID)
	}
	r.tests[t.ID] = t
	r.locks[t.ID] = &sync.Mutex{}
	return nil
}

// Get returns a deep copy of the test, safe to read without locks.
func (r *Registry) Get(id string) (*model.ImprovementTest, bool) {
	r.mu.RLock()
	t, ok := r.tests[id]
	if !ok {
		r.mu.RUnlock()
		return nil, false
	}
	lock := r.locks[id]
	r.mu.RUnlock()

	lock.Lock()
	defer lock.Unlock()
	return t.Clone(), true
}

// List returns clones of all tests, ordered by creation time.
func (r *Registry) List() []*model.ImprovementTest {
	return r.snapshot(func(*model.ImprovementTest) bool { return true })
}

// Active returns clones of all non-terminal, non-archived tests.
func (r *Registry) Active() []*model.ImprovementTest {
	return r.snapshot((*model.ImprovementTest).Active)
}

func (r *Registry) snapshot(keep func(*model.ImprovementTest) bool) []*model.ImprovementTest {
	r.mu.RLock()
	ids := make([]string, 0, len(r.tests))
	for id := range r.tests {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var out []*model.ImprovementTest
	for _, id := range ids {
		if t, ok := r.Get(id); ok && keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ActiveCount reports how many tests are still in flight.
func (r *Registry) ActiveCount() int {
	return len(r.Active())
}

// HasActiveTarget reports whether an active test already targets the given
// improvement type and component. Used to block duplicate concurrent
// experiments.
func (r *Registry) HasActiveTarget(typ model.ChangeType, component string) bool {
	for _, t := range r.Active() {
		if t.Type == typ && t.Component == component {
			return true
		}
	}
	return false
}

// Update runs fn against the live test under its per-test lock. Transitions
// applied by fn are serialized per test, so phase changes are observed in
// order. fn must not block on provider I/O.
func (r *Registry) Update(id string, fn func(*model.ImprovementTest) error) error {
	r.mu.RLock()
	t, ok := r.tests[id]
	if !ok {
		r.mu.RUnlock()
		return fmt.Errorf("test %s not found", id)
	}
	lock := r.locks[id]
	r.mu.RUnlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(t)
}

// Allocate atomically assigns accounts to a test. It fails without side
// effects if any account already belongs to another active test: allocation
// uniqueness is enforced here, at allocation time, not post-hoc.
func (r *Registry) Allocate(testID string, accountIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, acc := range accountIDs {
		if owner, taken := r.allocations[acc]; taken && owner != testID {
			return fmt.Errorf("account %s already allocated to test %s", acc, owner)
		}
	}
	for _, acc := range accountIDs {
		r.allocations[acc] = testID
	}
	return nil
}

// Release frees every account held by the test.
func (r *Registry) Release(testID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for acc, owner := range r.allocations {
		if owner == testID {
			delete(r.allocations, acc)
		}
	}
}

// AllocatedTo returns the test currently holding an account.
func (r *Registry) AllocatedTo(accountID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.allocations[accountID]
	return id, ok
}

// AllocatedCount reports how many accounts are held across all tests.
func (r *Registry) AllocatedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.allocations)
}

// Archive flags a terminal test as archived and frees its accounts.
func (r *Registry) Archive(id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tests[id]
	if !ok {
		return fmt.Errorf("test %s not found", id)
	}
	if !t.Phase.Terminal() {
		return fmt.Errorf("test %s is %s, only terminal tests archive", id, t.Phase)
	}
	t.Archived = true
	archived := now
	t.ArchivedAt = &archived
	t.UpdatedAt = now
	for acc, owner := range r.allocations {
		if owner == id {
			delete(r.allocations, acc)
		}
	}
	return nil
}

// Remove drops an archived test from memory (it stays in the store).
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tests, id)
	delete(r.locks, id)
}
