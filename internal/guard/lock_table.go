package guard

import (
	"sync"

	"infinite-experiment/warden/internal/metrics"
)

// Key identifies one member of one guild
type Key struct {
	UserID  string
	GuildID string
}

// LockTable is an advisory, reference-counted lock keyed by member. It never
// blocks: callers check it before mutating platform state so that live
// handlers and the scheduler do not both correct the same member.
type LockTable struct {
	mu      sync.Mutex
	counts  map[Key]int
	metrics *metrics.MetricsRegistry
}

// NewLockTable creates an empty table. m may be nil.
func NewLockTable(m *metrics.MetricsRegistry) *LockTable {
	return &LockTable{
		counts:  make(map[Key]int),
		metrics: m,
	}
}

// Hold marks key as busy and returns its release. Holds nest; the entry is
// pruned once every release has run. Calling a release twice is harmless.
func (t *LockTable) Hold(key Key) (release func()) {
	t.mu.Lock()
	t.counts[key]++
	t.observe()
	t.mu.Unlock()

	return t.releaser(key)
}

// TryHold holds key only if nobody else does
func (t *LockTable) TryHold(key Key) (release func(), ok bool) {
	t.mu.Lock()
	if t.counts[key] > 0 {
		t.mu.Unlock()
		return func() {}, false
	}
	t.counts[key] = 1
	t.observe()
	t.mu.Unlock()

	return t.releaser(key), true
}

// IsLocked reports whether key is currently held
func (t *LockTable) IsLocked(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[key] > 0
}

// Do runs fn while holding key; the hold is released on every path.
func (t *LockTable) Do(key Key, fn func() error) error {
	release := t.Hold(key)
	defer release()
	return fn()
}

// Len is the number of keys currently held
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts)
}

func (t *LockTable) releaser(key Key) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if t.counts[key] <= 1 {
				delete(t.counts, key)
			} else {
				t.counts[key]--
			}
			t.observe()
		})
	}
}

// observe must be called with t.mu held
func (t *LockTable) observe() {
	if t.metrics != nil {
		t.metrics.GuardEntries.Set(float64(len(t.counts)))
	}
}
