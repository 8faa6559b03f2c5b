package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBlockStartsFree(t *testing.T) {
	b := New(1, 0, 4, 1)
	assert.Equal(t, Free, b.State())
	assert.False(t, b.IsFull())
	np, no := b.Cursor()
	assert.Equal(t, 0, np)
	assert.Equal(t, 0, no)
}

func TestAdvanceCursorFillsBlock(t *testing.T) {
	b := New(1, 0, 4, 1)
	for i := 0; i < 4; i++ {
		assert.False(t, b.IsFull(), "should not be full before 4 advances")
		b.AdvanceCursor()
	}
	assert.True(t, b.IsFull())
	assert.Equal(t, Full, b.State())
}

func TestAdvanceCursorPacksOffsets(t *testing.T) {
	b := New(1, 0, 2, 4) // 2 flash pages, 4 host pages packed per flash page
	for i := 0; i < 7; i++ {
		np, no := b.AdvanceCursor()
		_ = np
		_ = no
	}
	np, no := b.Cursor()
	assert.Equal(t, 1, np)
	assert.Equal(t, 3, no)
	assert.False(t, b.IsFull())
	b.AdvanceCursor()
	assert.True(t, b.IsFull())
}

func TestInvalidatePageSetsBitAndCounter(t *testing.T) {
	b := New(1, 0, 4, 1)
	require.NoError(t, b.InvalidatePage(2))
	assert.True(t, b.IsPageInvalid(2))
	assert.EqualValues(t, 1, b.NrInvalidPages())
}

func TestInvalidateAlreadySetBitIsInvariantViolation(t *testing.T) {
	b := New(1, 0, 4, 1)
	require.NoError(t, b.InvalidatePage(0))
	err := b.InvalidatePage(0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestBitmapFullAfterAllPagesInvalidated(t *testing.T) {
	b := New(1, 0, 4, 1)
	for i := 0; i < 4; i++ {
		require.NoError(t, b.InvalidatePage(i))
	}
	assert.True(t, b.BitmapFull())
}

func TestFirstValidHostPage(t *testing.T) {
	b := New(1, 0, 4, 1)
	require.NoError(t, b.InvalidatePage(0))
	require.NoError(t, b.InvalidatePage(1))
	page, ok := b.FirstValidHostPage()
	require.True(t, ok)
	assert.Equal(t, 2, page)
}

func TestReleaseRefFiresOnReleaseAtZero(t *testing.T) {
	b := New(1, 0, 4, 1)
	b.Reset() // refCount = 1
	b.AcquireRef()
	released := false
	b.SetOnRelease(func(*Block) { released = true })
	b.ReleaseRef()
	assert.False(t, released, "should not release while one ref remains")
	b.ReleaseRef()
	assert.True(t, released)
}

func TestResetClearsEverything(t *testing.T) {
	b := New(1, 0, 4, 1)
	b.AdvanceCursor()
	require.NoError(t, b.InvalidatePage(0))
	b.SetGCRunning(true)
	b.SetAP(7, true)

	b.Reset()

	np, no := b.Cursor()
	assert.Equal(t, 0, np)
	assert.Equal(t, 0, no)
	assert.EqualValues(t, 0, b.NrInvalidPages())
	assert.False(t, b.GCRunning())
	_, owned := b.APID()
	assert.False(t, owned)
	assert.Equal(t, Free, b.State())
	assert.EqualValues(t, 1, b.RefCount())
}

func TestFastSlowPosition(t *testing.T) {
	pagesPerBlock := 16
	// first four fast
	for i := 0; i < 4; i++ {
		assert.True(t, FastSlowPosition(i, pagesPerBlock), "page %d should be fast", i)
	}
	// last four slow
	for i := pagesPerBlock - 4; i < pagesPerBlock; i++ {
		assert.False(t, FastSlowPosition(i, pagesPerBlock), "page %d should be slow", i)
	}
	// middle pattern: slow, slow, fast, fast starting at index 4
	want := []bool{false, false, true, true, false, false, true, true}
	for i, w := range want {
		idx := 4 + i
		assert.Equal(t, w, FastSlowPosition(idx, pagesPerBlock), "page %d", idx)
	}
}
