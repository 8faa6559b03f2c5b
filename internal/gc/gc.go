// Package gc implements the per-pool garbage collector: a periodic kick
// selects victim blocks by invalid-page count, valid pages are migrated
// through the engine, and emptied blocks are erased and returned to the
// free list. Each pool has one collector task draining a message channel
// instead of sharing a global work queue.
package gc

import (
	"context"
	"strconv"
	"time"

	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/openchannelssd/ftl/internal/addrmap"
	"github.com/openchannelssd/ftl/internal/appendpoint"
	"github.com/openchannelssd/ftl/internal/block"
	"github.com/openchannelssd/ftl/internal/device"
	"github.com/openchannelssd/ftl/internal/engine"
	"github.com/openchannelssd/ftl/internal/logging"
	"github.com/openchannelssd/ftl/internal/metrics"
	"github.com/openchannelssd/ftl/internal/pool"
)

// LimitInverse: collection runs while fewer than 1/LimitInverse of a
// pool's blocks are free.
const LimitInverse = 2

// maxConcurrentMigrations bounds how many block migrations run at once
// across all pools, so GC I/O never starves host request allocation.
const maxConcurrentMigrations = 4

type msgKind int

const (
	startCollect msgKind = iota
	recycleBlock
	releaseBlock
)

type msg struct {
	kind    msgKind
	blockID uint32
}

// Config wires the collector to the core.
type Config struct {
	Pools   []*pool.Pool
	Map     *addrmap.AddressMap
	Engine  engine.Engine
	Context *engine.Context
	Device  device.Device
	Metrics *metrics.Registry

	PageSize       int
	SectorsPerPage int
	BlocksPerPool  int
	Period         time.Duration
}

// GC owns one collector goroutine per pool plus the periodic timer.
type GC struct {
	cfg Config

	group  *errgroup.Group
	cancel context.CancelFunc
	chans  []chan msg
	sem    *semaphore.Weighted
}

func New(cfg Config) *GC {
	if cfg.SectorsPerPage <= 0 {
		cfg.SectorsPerPage = 8
	}
	g := &GC{
		cfg:   cfg,
		chans: make([]chan msg, len(cfg.Pools)),
		sem:   semaphore.NewWeighted(maxConcurrentMigrations),
	}
	for i := range g.chans {
		g.chans[i] = make(chan msg, cfg.Pools[i].NrBlocks()*2+4)
	}
	return g
}

// Start launches the per-pool collectors and the periodic kick timer.
func (g *GC) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	g.cancel = cancel
	g.group, ctx = errgroup.WithContext(ctx)

	for i := range g.cfg.Pools {
		i := i
		g.group.Go(func() error {
			return g.collectorLoop(ctx, i)
		})
	}
	g.group.Go(func() error {
		ticker := time.NewTicker(g.cfg.Period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				g.Kick()
			}
		}
	})
}

// Stop cancels the timer and collectors and waits for them to drain.
func (g *GC) Stop() {
	if g.cancel == nil {
		return
	}
	g.cancel()
	g.group.Wait()
}

// Kick enqueues a collect pass on every pool. Kicks arriving while a
// pool's channel is saturated are dropped; the timer retries next cycle.
func (g *GC) Kick() {
	for i := range g.chans {
		select {
		case g.chans[i] <- msg{kind: startCollect}:
		default:
		}
	}
}

// NotifyRecycle marks a block as a fresh collection candidate, called
// from endio when a block's committed count reaches capacity.
func (g *GC) NotifyRecycle(poolID, blockID uint32) {
	if int(poolID) >= len(g.chans) {
		return
	}
	select {
	case g.chans[poolID] <- msg{kind: recycleBlock, blockID: blockID}:
	default:
	}
}

func (g *GC) collectorLoop(ctx context.Context, poolIdx int) error {
	p := g.cfg.Pools[poolIdx]
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-g.chans[poolIdx]:
			switch m.kind {
			case startCollect:
				g.collect(ctx, p)
			case recycleBlock:
				// The block entered prio_list at endio time; a fresh
				// candidate is a good moment to check the free level.
				g.collect(ctx, p)
			case releaseBlock:
				g.release(ctx, p, p.Block(m.blockID))
			}
		}
	}
}

// collect selects victims until the pool has at least nr_blocks /
// LimitInverse free blocks or no victim has any invalid pages.
func (g *GC) collect(ctx context.Context, p *pool.Pool) {
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.GCCycles.Inc()
	}

	need := p.NrBlocks() / LimitInverse
	for p.NrFreeBlocks() < need {
		victim := g.selectVictim(p)
		if victim == nil {
			return
		}
		if !victim.IsFull() {
			logging.Errorf("gc: pool %d block %d chosen as victim but not full", p.ID(), victim.ID())
			p.MarkFull(victim.ID())
			return
		}
		if g.cfg.Metrics != nil {
			g.cfg.Metrics.GCVictims.Inc()
		}

		victim.SetGCRunning(true)
		// Detach the victim from any append point still pointing at it,
		// so its post-erase reincarnation cannot be written through a
		// stale cursor.
		for _, ap := range g.cfg.Context.AppendPoints {
			ap.DropCurIf(victim)
		}
		poolID := p.ID()
		blockID := victim.ID()
		victim.SetOnRelease(func(*block.Block) {
			select {
			case g.chans[poolID] <- msg{kind: releaseBlock, blockID: blockID}:
			default:
				// Channel saturated; run inline rather than lose the
				// block.
				g.release(ctx, p, p.Block(blockID))
			}
		})
		// Drop the pool's base reference; outstanding I/O holds the rest.
		victim.ReleaseRef()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// selectVictim picks the prio-list block with the most invalid pages,
// removing it from the list. Nil when the list is empty or the best
// candidate has nothing to reclaim.
func (g *GC) selectVictim(p *pool.Pool) *block.Block {
	candidates := p.PrioCandidates()
	if len(candidates) == 0 {
		return nil
	}
	var best *block.Block
	for _, id := range candidates {
		b := p.Block(id)
		if best == nil || b.NrInvalidPages() > best.NrInvalidPages() {
			best = b
		}
	}
	if best == nil || best.NrInvalidPages() == 0 {
		return nil
	}
	p.RemoveFromPrio(best.ID())
	return best
}

// release migrates the victim's remaining valid pages, erases it, and
// puts it back on the free list. A migration or erase failure leaves the
// block out of the free list; already-relocated pages stay relocated, so
// a later pass resumes where this one stopped.
func (g *GC) release(ctx context.Context, p *pool.Pool, b *block.Block) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer g.sem.Release(1)

	if err := g.moveValidPages(ctx, p, b); err != nil {
		logging.Errorf("gc: pool %d block %d migration aborted: %v", p.ID(), b.ID(), err)
		if g.cfg.Metrics != nil {
			g.cfg.Metrics.GCErrors.Inc()
		}
		b.SetGCRunning(false)
		p.MarkFull(b.ID())
		b.AcquireRef()
		return
	}

	b.MarkErasing()
	globalID := p.ID()*uint32(g.cfg.BlocksPerPool) + b.ID()
	if err := g.cfg.Device.EraseBlock(ctx, globalID); err != nil {
		logging.Errorf("gc: erase of pool %d block %d failed, marking bad: %v", p.ID(), b.ID(), err)
		if g.cfg.Metrics != nil {
			g.cfg.Metrics.GCErrors.Inc()
		}
		b.SetGCRunning(false)
		b.MarkBad()
		// The block does not return to the free list.
		return
	}

	b.SetGCRunning(false)
	p.PutBlock(b.ID())
	for _, ap := range g.cfg.Context.AppendPoints {
		if ap.Pool().ID() == p.ID() {
			ap.RecordErase()
			break
		}
	}
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.FreeBlocks.WithLabelValues(poolLabel(p.ID())).Set(float64(p.NrFreeBlocks()))
	}
	logging.Debugf("gc: pool %d block %d erased and freed", p.ID(), b.ID())
}

// moveValidPages walks the invalid bitmap's zero bits: each still-valid
// page is read back, re-placed through the engine (which invalidates the
// old position as a side effect of the map update), and written to its
// new home.
func (g *GC) moveValidPages(ctx context.Context, p *pool.Pool, b *block.Block) error {
	buf := make([]byte, g.cfg.PageSize)
	for {
		hostPage, ok := b.FirstValidHostPage()
		if !ok {
			return nil
		}

		oldPhys := g.physIndex(p, b, hostPage)
		l, mapped := g.cfg.Map.LookupPtoL(oldPhys)
		if !mapped {
			// Written but superseded without the bit set would be a map
			// corruption; a page never committed simply has no owner.
			// Either way there is nothing to save.
			if err := b.InvalidatePage(hostPage); err != nil {
				return errors.Annotatef(err, "orphan page %d", hostPage)
			}
			continue
		}

		g.cfg.Map.LockRange(l, 1)

		// A host write may have superseded this page while we waited for
		// the range; the bit flips under the reverse-map lock, so check
		// again.
		if b.IsPageInvalid(hostPage) {
			g.cfg.Map.UnlockRange(l, 1)
			continue
		}

		readReq := &device.Request{
			Sector:  uint64(oldPhys) * uint64(g.cfg.SectorsPerPage),
			Dir:     device.Read,
			Payload: buf,
		}
		if st := g.cfg.Device.Submit(ctx, readReq); st != device.OK {
			g.cfg.Map.UnlockRange(l, 1)
			return errors.Errorf("gc read of P=%d failed with %v", oldPhys, st)
		}

		oldEntry := addrmap.ForwardEntry{
			Addr: oldPhys, PoolID: p.ID(), BlockID: b.ID(), HostPage: hostPage, HasBlock: true,
		}
		newEntry, err := g.cfg.Engine.MapPage(l, true, oldEntry)
		if err != nil {
			g.cfg.Map.UnlockRange(l, 1)
			return errors.Annotatef(err, "gc remap of L=%d", l)
		}

		writeReq := &device.Request{
			Sector:  uint64(newEntry.Addr) * uint64(g.cfg.SectorsPerPage),
			Dir:     device.Write,
			Payload: buf,
		}
		if st := g.cfg.Device.Submit(ctx, writeReq); st != device.OK {
			g.cfg.Map.UnlockRange(l, 1)
			return errors.Errorf("gc write of L=%d to P=%d failed with %v", l, newEntry.Addr, st)
		}
		if nb := g.blockOf(newEntry); nb != nil && nb.IncrCommit() {
			for _, np := range g.cfg.Pools {
				if np.ID() == newEntry.PoolID {
					np.MarkFull(newEntry.BlockID)
				}
			}
		}

		g.cfg.Map.UnlockRange(l, 1)
		if g.cfg.Metrics != nil {
			g.cfg.Metrics.GCPagesMoved.Inc()
		}
	}
}

func (g *GC) blockOf(e addrmap.ForwardEntry) *block.Block {
	for _, p := range g.cfg.Pools {
		if p.ID() == e.PoolID {
			return p.Block(e.BlockID)
		}
	}
	return nil
}

// physIndex mirrors the engine context's dense physical numbering.
func (g *GC) physIndex(p *pool.Pool, b *block.Block, hostPage int) int64 {
	return g.cfg.Context.PhysIndex(appendpoint.PhysAddr{PoolID: p.ID(), BlockID: b.ID(), Page: hostPage})
}

func poolLabel(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
