package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openchannelssd/ftl/internal/addrmap"
	"github.com/openchannelssd/ftl/internal/appendpoint"
	"github.com/openchannelssd/ftl/internal/config"
	"github.com/openchannelssd/ftl/internal/hint"
	"github.com/openchannelssd/ftl/internal/pool"
)

// newTestContext builds a primed context: every append point already
// holds a current block, and map invalidations reach the blocks.
func newTestContext(t *testing.T, nrPools, blocksPerPool, pagesPerBlock, apsPerPool int) *Context {
	t.Helper()

	var pools []*pool.Pool
	var aps []*appendpoint.AppendPoint
	for i := 0; i < nrPools; i++ {
		p := pool.New(uint32(i), blocksPerPool, pagesPerBlock, 1)
		pools = append(pools, p)
		for a := 0; a < apsPerPool; a++ {
			ap := appendpoint.New(uint32(i*apsPerPool+a), p, 25, 500, 1500)
			b, err := p.GetBlock(false)
			require.NoError(t, err)
			require.NoError(t, ap.SetAPCur(b))
			aps = append(aps, ap)
		}
	}

	nrPages := nrPools * blocksPerPool * pagesPerBlock
	m := addrmap.New(nrPages, nrPages)
	m.Invalidate = func(poolID, blockID uint32, hostPage int) error {
		return pools[poolID].Block(blockID).InvalidatePage(hostPage)
	}

	return &Context{
		Pools:           pools,
		AppendPoints:    aps,
		Map:             m,
		PagesPerLogical: 8,
	}
}

func TestRoundRobinSpreadsAcrossAppendPoints(t *testing.T) {
	ctx := newTestContext(t, 2, 4, 8, 1)
	e := NewRoundRobin()
	require.NoError(t, e.Init(ctx))

	seen := make(map[uint32]bool)
	for l := int64(0); l < 4; l++ {
		entry, err := e.MapPage(l, false, addrmap.ForwardEntry{})
		require.NoError(t, err)
		require.True(t, entry.HasBlock)
		seen[entry.PoolID] = true
	}
	assert.Len(t, seen, 2, "writes should land in both pools")
}

func TestRoundRobinOverwriteInvalidatesOldPage(t *testing.T) {
	ctx := newTestContext(t, 1, 4, 8, 1)
	e := NewRoundRobin()
	require.NoError(t, e.Init(ctx))

	first, err := e.MapPage(0, false, addrmap.ForwardEntry{})
	require.NoError(t, err)
	second, err := e.MapPage(0, false, addrmap.ForwardEntry{})
	require.NoError(t, err)
	require.NotEqual(t, first.Addr, second.Addr)

	b := ctx.Pools[first.PoolID].Block(first.BlockID)
	assert.True(t, b.IsPageInvalid(first.HostPage))

	_, ok := ctx.Map.LookupPtoL(first.Addr)
	assert.False(t, ok, "old reverse entry must be poisoned")
}

func TestRoundRobinExhaustionReturnsNoMapping(t *testing.T) {
	ctx := newTestContext(t, 1, 2, 2, 1)
	e := NewRoundRobin()
	require.NoError(t, e.Init(ctx))

	// 2 blocks x 2 pages, one block held by the AP, one in GC reserve:
	// only the AP's two pages are reachable.
	var err error
	for l := int64(0); l < 8; l++ {
		if _, err = e.MapPage(l, false, addrmap.ForwardEntry{}); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, ErrNoMapping)
}

func TestSwapHintedWriteLandsOnFastPage(t *testing.T) {
	ctx := newTestContext(t, 1, 4, 16, 1)
	hints := hint.NewStore()
	e := NewSwap(hints)
	require.NoError(t, e.Init(ctx))

	require.True(t, hints.Send(hint.Info{
		StartLBA: 0, Count: 4, IsWrite: true, Flags: hint.FlagSwap,
	}, hint.FlagSwap))

	entry, err := e.MapPage(0, false, addrmap.ForwardEntry{})
	require.NoError(t, err)

	b := ctx.Pools[entry.PoolID].Block(entry.BlockID)
	flashPage := entry.HostPage / b.HostPagesPerFP()
	assert.True(t, fastPositionOf(ctx, entry), "hinted swap write should take a fast position, got flash page %d", flashPage)
}

func TestSwapGCOfSlowPageUsesPlainAllocation(t *testing.T) {
	ctx := newTestContext(t, 1, 4, 16, 1)
	e := NewSwap(hint.NewStore())
	require.NoError(t, e.Init(ctx))

	// Fabricate an old entry sitting in the slow tail of a block.
	old := addrmap.ForwardEntry{Addr: 14, PoolID: 0, BlockID: 0, HostPage: 14, HasBlock: true}
	require.False(t, fastPositionOf(ctx, old))

	entry, err := e.MapPage(3, true, old)
	require.NoError(t, err)
	assert.True(t, entry.HasBlock)
}

func TestLatencyHintedWriteCreatesTwoCopiesInDistinctPools(t *testing.T) {
	ctx := newTestContext(t, 2, 4, 8, 1)
	hints := hint.NewStore()
	e := NewLatency(hints)
	require.NoError(t, e.Init(ctx))

	require.True(t, hints.Send(hint.Info{
		StartLBA: 7, Count: 1, IsWrite: true, Flags: hint.FlagLatency,
	}, hint.FlagLatency))

	primary, err := e.MapPage(7, false, addrmap.ForwardEntry{})
	require.NoError(t, err)

	shadow, ok := e.ShadowEntry(7)
	require.True(t, ok, "hinted latency write must leave a shadow copy")
	assert.NotEqual(t, primary.PoolID, shadow.PoolID, "copies must live in distinct pools")
	assert.NotEqual(t, primary.Addr, shadow.Addr)
}

func TestLatencyUnhintedWriteHasNoShadow(t *testing.T) {
	ctx := newTestContext(t, 2, 4, 8, 1)
	e := NewLatency(hint.NewStore())
	require.NoError(t, e.Init(ctx))

	_, err := e.MapPage(3, false, addrmap.ForwardEntry{})
	require.NoError(t, err)
	_, ok := e.ShadowEntry(3)
	assert.False(t, ok)
}

func TestLatencyPrimaryUpdateTrimsOldShadow(t *testing.T) {
	ctx := newTestContext(t, 2, 4, 8, 1)
	hints := hint.NewStore()
	e := NewLatency(hints)
	require.NoError(t, e.Init(ctx))

	require.True(t, hints.Send(hint.Info{
		StartLBA: 7, Count: 1, IsWrite: true, Flags: hint.FlagLatency,
	}, hint.FlagLatency))
	_, err := e.MapPage(7, false, addrmap.ForwardEntry{})
	require.NoError(t, err)
	oldShadow, ok := e.ShadowEntry(7)
	require.True(t, ok)

	// Unhinted overwrite: primary moves, stale shadow goes away.
	_, err = e.MapPage(7, false, addrmap.ForwardEntry{})
	require.NoError(t, err)
	_, ok = e.ShadowEntry(7)
	assert.False(t, ok)

	sb := ctx.Pools[oldShadow.PoolID].Block(oldShadow.BlockID)
	assert.True(t, sb.IsPageInvalid(oldShadow.HostPage), "trimmed shadow page must be invalidated on its block")
}

func TestLatencyLookupPrefersShadowWhenPrimaryPoolBusy(t *testing.T) {
	ctx := newTestContext(t, 2, 4, 8, 1)
	hints := hint.NewStore()
	e := NewLatency(hints)
	require.NoError(t, e.Init(ctx))

	require.True(t, hints.Send(hint.Info{
		StartLBA: 7, Count: 1, IsWrite: true, Flags: hint.FlagLatency,
	}, hint.FlagLatency))
	primary, err := e.MapPage(7, false, addrmap.ForwardEntry{})
	require.NoError(t, err)
	shadow, ok := e.ShadowEntry(7)
	require.True(t, ok)

	entry, ok := e.LookupLtoP(7)
	require.True(t, ok)
	assert.Equal(t, primary.Addr, entry.Addr, "idle primary pool serves the primary copy")

	ctx.Pools[primary.PoolID].SetActive(true)
	entry, ok = e.LookupLtoP(7)
	require.True(t, ok)
	assert.Equal(t, shadow.Addr, entry.Addr, "busy primary pool diverts the read to the shadow")
}

func TestLatencyGCRoutesShadowCopyBackToShadowMap(t *testing.T) {
	ctx := newTestContext(t, 2, 4, 8, 1)
	hints := hint.NewStore()
	e := NewLatency(hints)
	require.NoError(t, e.Init(ctx))

	require.True(t, hints.Send(hint.Info{
		StartLBA: 7, Count: 1, IsWrite: true, Flags: hint.FlagLatency,
	}, hint.FlagLatency))
	primary, err := e.MapPage(7, false, addrmap.ForwardEntry{})
	require.NoError(t, err)
	oldShadow, ok := e.ShadowEntry(7)
	require.True(t, ok)

	_, err = e.MapPage(7, true, oldShadow)
	require.NoError(t, err)

	newShadow, ok := e.ShadowEntry(7)
	require.True(t, ok)
	assert.NotEqual(t, oldShadow.Addr, newShadow.Addr, "shadow copy must have moved")

	entry, ok := e.ctx.Map.LookupLtoP(7, nil)
	require.True(t, ok)
	assert.Equal(t, primary.Addr, entry.Addr, "primary copy must be untouched")
}

func TestPackReservesLastAPPerPool(t *testing.T) {
	ctx := newTestContext(t, 2, 8, 8, 2)
	e := NewPack(hint.NewStore())
	require.NoError(t, e.Init(ctx))

	assert.Len(t, e.PackAPIndices(), 2)
	for _, idx := range e.PackAPIndices() {
		// With two APs per pool, the reserved AP is the pool's second.
		assert.Equal(t, 1, idx%2)
	}
}

func TestPackHintedWritesConcentrateByInode(t *testing.T) {
	ctx := newTestContext(t, 2, 8, 8, 2)
	hints := hint.NewStore()
	e := NewPack(hints)
	require.NoError(t, e.Init(ctx))

	require.True(t, hints.Send(hint.Info{
		Ino: 42, StartLBA: 0, Count: 8, IsWrite: true, Flags: hint.FlagPack,
	}, hint.FlagPack))

	var pools []uint32
	for l := int64(0); l < 6; l++ {
		entry, err := e.MapPage(l, false, addrmap.ForwardEntry{})
		require.NoError(t, err)
		pools = append(pools, entry.PoolID)
	}
	for _, pid := range pools[1:] {
		assert.Equal(t, pools[0], pid, "one inode's writes should stay in one pack AP's pool")
	}

	bound := false
	for _, idx := range e.PackAPIndices() {
		if ino, ok := e.AssociatedInode(idx); ok && ino == 42 {
			bound = true
		}
	}
	assert.True(t, bound, "a pack AP must be associated with the inode")
}

func TestPackUnhintedWriteUsesFallbackAPs(t *testing.T) {
	ctx := newTestContext(t, 2, 8, 8, 2)
	e := NewPack(hint.NewStore())
	require.NoError(t, e.Init(ctx))

	for l := int64(0); l < 4; l++ {
		_, err := e.MapPage(l, false, addrmap.ForwardEntry{})
		require.NoError(t, err)
	}
	for _, idx := range e.PackAPIndices() {
		_, bound := e.AssociatedInode(idx)
		assert.False(t, bound, "unhinted writes must not bind pack APs")
	}
}

func TestFactorySelectsEngines(t *testing.T) {
	hints := hint.NewStore()
	for selector, want := range map[string]Capability{
		"none":    0,
		"swap":    0,
		"latency": CapDualWrite,
		"pack":    0,
	} {
		e, err := New(config.Engine(selector), hints)
		require.NoError(t, err, selector)
		assert.Equal(t, want, e.Capabilities(), selector)
	}
	_, err := New(config.Engine("bogus"), hints)
	assert.Error(t, err)
}
