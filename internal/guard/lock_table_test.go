package guard

import (
	"errors"
	"sync"
	"testing"

	"infinite-experiment/warden/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var member = Key{UserID: "u1", GuildID: "g1"}

func TestHold_ReentrantAndPruned(t *testing.T) {
	m := metrics.NewMetricsRegistryWith(prometheus.NewRegistry())
	table := NewLockTable(m)

	outer := table.Hold(member)
	inner := table.Hold(member)
	assert.True(t, table.IsLocked(member))
	assert.Equal(t, 1, table.Len())
	assert.Equal(t, 1.0, promtest.ToFloat64(m.GuardEntries))

	inner()
	assert.True(t, table.IsLocked(member))

	outer()
	assert.False(t, table.IsLocked(member))
	assert.Equal(t, 0, table.Len())
	assert.Equal(t, 0.0, promtest.ToFloat64(m.GuardEntries))
}

func TestHold_ReleaseIsIdempotent(t *testing.T) {
	table := NewLockTable(nil)

	first := table.Hold(member)
	second := table.Hold(member)

	first()
	first()
	assert.True(t, table.IsLocked(member), "double release must not drop the other holder")

	second()
	assert.Equal(t, 0, table.Len())
}

func TestTryHold_BusyEntity(t *testing.T) {
	table := NewLockTable(nil)

	release, ok := table.TryHold(member)
	require.True(t, ok)

	noop, ok := table.TryHold(member)
	assert.False(t, ok)
	noop()
	assert.True(t, table.IsLocked(member))

	other, ok := table.TryHold(Key{UserID: "u2", GuildID: "g1"})
	assert.True(t, ok)
	other()

	release()
	_, ok = table.TryHold(member)
	assert.True(t, ok)
}

func TestDo_ReleasesOnErrorAndPanic(t *testing.T) {
	table := NewLockTable(nil)
	boom := errors.New("boom")

	err := table.Do(member, func() error {
		assert.True(t, table.IsLocked(member))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, table.IsLocked(member))

	assert.Panics(t, func() {
		_ = table.Do(member, func() error { panic("bad") })
	})
	assert.False(t, table.IsLocked(member))
	assert.Equal(t, 0, table.Len())
}

func TestTryHold_SingleWinnerUnderContention(t *testing.T) {
	table := NewLockTable(nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	start := make(chan struct{})
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok := table.TryHold(member); ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, winners)
}
