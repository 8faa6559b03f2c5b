package addrmap

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreshMapEverythingUnmapped(t *testing.T) {
	m := New(16, 16)
	e, ok := m.LookupLtoP(5, nil)
	require.True(t, ok)
	assert.False(t, e.HasBlock)
	assert.EqualValues(t, LtopEmpty, e.Addr)
}

func TestUpdateMapInstallsForwardAndReverse(t *testing.T) {
	m := New(4, 4)
	require.NoError(t, m.UpdateMap(0, 2, 0, 0, 2, Primary))

	e, ok := m.LookupLtoP(0, nil)
	require.True(t, ok)
	assert.EqualValues(t, 2, e.Addr)

	l, ok := m.LookupPtoL(2)
	require.True(t, ok)
	assert.EqualValues(t, 0, l)
}

func TestUpdateMapInvalidatesPreviousMapping(t *testing.T) {
	m := New(4, 4)
	var invalidated []int
	m.Invalidate = func(poolID, blockID uint32, hostPage int) error {
		invalidated = append(invalidated, hostPage)
		return nil
	}

	require.NoError(t, m.UpdateMap(0, 1, 0, 0, 1, Primary))
	require.NoError(t, m.UpdateMap(0, 3, 0, 0, 3, Primary))

	assert.Equal(t, []int{1}, invalidated)

	// old physical slot 1 must be poisoned.
	_, ok := m.LookupPtoL(1)
	assert.False(t, ok)

	// new physical slot 3 must point back to L=0.
	l, ok := m.LookupPtoL(3)
	require.True(t, ok)
	assert.EqualValues(t, 0, l)
}

func TestInvalidateFailureWarnsButDoesNotAbortRemap(t *testing.T) {
	m := New(4, 4)
	m.Invalidate = func(poolID, blockID uint32, hostPage int) error {
		return assertErr
	}
	var warned bool
	m.WarnInvariant = func(format string, args ...interface{}) { warned = true }

	require.NoError(t, m.UpdateMap(0, 1, 0, 0, 1, Primary))
	require.NoError(t, m.UpdateMap(0, 2, 0, 0, 2, Primary))
	assert.True(t, warned)

	e, _ := m.LookupLtoP(0, nil)
	assert.EqualValues(t, 2, e.Addr)
}

var assertErr = assertError{}

type assertError struct{}

func (assertError) Error() string { return "already invalidated" }

func TestShadowMapIndependentOfPrimary(t *testing.T) {
	m := New(4, 8)
	m.EnableShadow()

	require.NoError(t, m.UpdateMap(1, 4, 0, 0, 0, Primary))
	require.NoError(t, m.UpdateMap(1, 5, 1, 0, 0, Shadow))

	primary, ok := m.LookupLtoP(1, nil)
	require.True(t, ok)
	assert.EqualValues(t, 4, primary.Addr)

	shadow, ok := m.LookupShadow(1)
	require.True(t, ok)
	assert.EqualValues(t, 5, shadow.Addr)
}

func TestTrimShadowPoisonsReverse(t *testing.T) {
	m := New(4, 8)
	m.EnableShadow()
	require.NoError(t, m.UpdateMap(1, 5, 1, 0, 0, Shadow))
	m.TrimShadow(1)

	_, ok := m.LookupShadow(1)
	assert.False(t, ok)
	_, ok = m.LookupPtoL(5)
	assert.False(t, ok)
}

func TestClassifyCopy(t *testing.T) {
	m := New(4, 8)
	m.EnableShadow()
	require.NoError(t, m.UpdateMap(1, 4, 0, 0, 0, Primary))
	require.NoError(t, m.UpdateMap(1, 5, 1, 0, 0, Shadow))

	assert.Equal(t, MapPrimary, m.ClassifyCopy(1, 4))
	assert.Equal(t, MapShadow, m.ClassifyCopy(1, 5))
	assert.Equal(t, MapSingle, m.ClassifyCopy(1, 99))
}

func TestRangeLockerBlocksOverlap(t *testing.T) {
	rl := NewRangeLocker()
	rl.Lock(0, 4)

	unlocked := make(chan struct{})
	go func() {
		rl.Lock(2, 4) // overlaps [0,4)
		close(unlocked)
	}()

	select {
	case <-unlocked:
		t.Fatal("overlapping lock should not have been granted yet")
	case <-time.After(50 * time.Millisecond):
	}

	rl.Unlock(0, 4)
	select {
	case <-unlocked:
	case <-time.After(time.Second):
		t.Fatal("overlapping lock should have been granted after release")
	}
}

func TestRangeLockerAllowsDisjointRanges(t *testing.T) {
	rl := NewRangeLocker()
	var wg sync.WaitGroup
	for _, start := range []int64{0, 10, 20, 30} {
		wg.Add(1)
		go func(s int64) {
			defer wg.Done()
			rl.Lock(s, 4)
			rl.Unlock(s, 4)
		}(start)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disjoint ranges should not block each other")
	}
}
