// Package appendpoint implements the append point: a write cursor bound
// to one current block and one emergency block for collection writes,
// drawing fresh blocks from its pool when full.
package appendpoint

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/openchannelssd/ftl/internal/block"
	"github.com/openchannelssd/ftl/internal/pool"
)

// ErrExhausted surfaces pool.ErrExhausted when an AP cannot obtain a new
// block.
var ErrExhausted = errors.New("appendpoint: pool exhausted")

// PhysAddr names one physical host page relative to its pool:
// (blockID, hostPage).
type PhysAddr struct {
	PoolID  uint32
	BlockID uint32
	Page    int // host page index within the block
}

// AppendPoint is a write cursor bound to a pool.
type AppendPoint struct {
	mu sync.Mutex

	id   uint32
	pool *pool.Pool

	cur   *block.Block
	gcCur *block.Block

	// EnginePrivate is opaque engine-private state, e.g. the pack
	// engine's inode association.
	EnginePrivate atomic.Value

	readTiming, writeTiming, eraseTiming int // microseconds, for simulated accounting
	nrReads, nrWrites, nrErases          uint64
}

// New creates an AppendPoint bound to pool p with no current block.
func New(id uint32, p *pool.Pool, readUS, writeUS, eraseUS int) *AppendPoint {
	return &AppendPoint{id: id, pool: p, readTiming: readUS, writeTiming: writeUS, eraseTiming: eraseUS}
}

func (ap *AppendPoint) ID() uint32      { return ap.id }
func (ap *AppendPoint) Pool() *pool.Pool { return ap.pool }

// Cur returns the current block, or nil if none is installed.
func (ap *AppendPoint) Cur() *block.Block {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return ap.cur
}

func (ap *AppendPoint) GCCur() *block.Block {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return ap.gcCur
}

// SetAPCur atomically swaps the AP's current block. The old block, if
// any, must be full; it is dissociated and the new one is installed and
// associated.
func (ap *AppendPoint) SetAPCur(newBlock *block.Block) error {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return ap.setAPCurLocked(newBlock)
}

func (ap *AppendPoint) setAPCurLocked(newBlock *block.Block) error {
	if ap.cur != nil {
		if !ap.cur.IsFull() {
			return errors.New("appendpoint: cannot swap cur, old block is not full")
		}
		ap.cur.SetAP(0, false)
	}
	ap.cur = newBlock
	if newBlock != nil {
		newBlock.SetAP(ap.id, true)
	}
	return nil
}

// AllocPhys reserves the next page within b. fastOnly rejects pages whose
// physical position is not "fast" per block.FastSlowPosition.
func AllocPhys(b *block.Block, fastOnly bool) (PhysAddr, error) {
	hostPage, err := b.ReserveNextPage(fastOnly)
	if err != nil {
		return PhysAddr{}, err
	}
	return PhysAddr{PoolID: b.PoolID(), BlockID: b.ID(), Page: hostPage}, nil
}

// SetGCCur swaps the emergency block reserved for collection writes,
// under the same full-before-swap contract as SetAPCur.
func (ap *AppendPoint) SetGCCur(newBlock *block.Block) error {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return ap.setGCCurLocked(newBlock)
}

func (ap *AppendPoint) setGCCurLocked(newBlock *block.Block) error {
	if ap.gcCur != nil {
		if !ap.gcCur.IsFull() {
			return errors.New("appendpoint: cannot swap gc_cur, old block is not full")
		}
		ap.gcCur.SetAP(0, false)
	}
	ap.gcCur = newBlock
	if newBlock != nil {
		newBlock.SetAP(ap.id, true)
	}
	return nil
}

// DropCurIf detaches b from this AP if it is the current or emergency
// block, so a block headed into collection can be recycled without the
// AP later writing into its reincarnation.
func (ap *AppendPoint) DropCurIf(b *block.Block) {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	if ap.cur == b {
		ap.cur = nil
		b.SetAP(0, false)
	}
	if ap.gcCur == b {
		ap.gcCur = nil
		b.SetAP(0, false)
	}
}

// AllocAddrFromAP loops: try AllocPhys on the cursor block; on Full,
// request a new block from the pool and retry. Collection writes run on
// the emergency gc_cur cursor, kept apart from host data, and may dip
// into the pool's reserve.
func (ap *AppendPoint) AllocAddrFromAP(isGC bool) (PhysAddr, error) {
	ap.mu.Lock()
	defer ap.mu.Unlock()

	for attempts := 0; attempts < 3; attempts++ {
		cur := ap.cur
		if isGC {
			cur = ap.gcCur
		}

		if cur != nil {
			addr, err := AllocPhys(cur, false)
			if err == nil {
				return addr, nil
			}
			if !errors.Is(err, block.ErrFull) {
				return PhysAddr{}, err
			}
			ap.pool.MarkFull(cur.ID())
		}

		nb, err := ap.pool.GetBlock(isGC)
		if err != nil {
			return PhysAddr{}, ErrExhausted
		}
		if isGC {
			err = ap.setGCCurLocked(nb)
		} else {
			err = ap.setAPCurLocked(nb)
		}
		if err != nil {
			ap.pool.PutBlock(nb.ID())
			return PhysAddr{}, err
		}
	}
	return PhysAddr{}, ErrExhausted
}

// AllocPhysFastest iterates append points round-robin (by caller-supplied
// order) and tries AllocPhys(fast=true) on each; returns ok=false if none
// succeed so the caller can fall back to the slow path.
func AllocPhysFastest(aps []*AppendPoint) (PhysAddr, *AppendPoint, bool) {
	for _, ap := range aps {
		cur := ap.Cur()
		if cur == nil {
			continue
		}
		addr, err := AllocPhys(cur, true)
		if err == nil {
			return addr, ap, true
		}
	}
	return PhysAddr{}, nil, false
}

func (ap *AppendPoint) RecordRead()  { atomic.AddUint64(&ap.nrReads, 1) }
func (ap *AppendPoint) RecordWrite() { atomic.AddUint64(&ap.nrWrites, 1) }
func (ap *AppendPoint) RecordErase() { atomic.AddUint64(&ap.nrErases, 1) }

func (ap *AppendPoint) Counters() (reads, writes, erases uint64) {
	return atomic.LoadUint64(&ap.nrReads), atomic.LoadUint64(&ap.nrWrites), atomic.LoadUint64(&ap.nrErases)
}

func (ap *AppendPoint) Timings() (readUS, writeUS, eraseUS int) {
	return ap.readTiming, ap.writeTiming, ap.eraseTiming
}
