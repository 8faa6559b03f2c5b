// Package pool implements the per-channel block container: free, used,
// and priority lists, an optional serial-access gate, and the coupling
// point for the channel's garbage collector. Blocks live in a pool-owned
// arena and the lists hold block ids, not pointers.
package pool

import (
	"errors"
	"sync"

	"github.com/openchannelssd/ftl/internal/block"
	"github.com/openchannelssd/ftl/internal/logging"
)

// ErrExhausted is returned when GetBlock finds no free block to hand
// out.
var ErrExhausted = errors.New("pool: exhausted")

// GCReserve is the number of blocks held back from ordinary allocation
// so the collector can always make progress even when the pool is
// otherwise full.
const GCReserve = 1

// Pool owns an arena of blocks for one channel.
type Pool struct {
	mu sync.Mutex

	id     uint32
	arena  []*block.Block // index == block id within pool
	free   []uint32       // block ids, head = next to hand out
	used   map[uint32]bool
	prio   []uint32 // block ids eligible for GC (full blocks only)
	isPrio map[uint32]bool

	isActive    bool
	waitingBios []func()

	nrBlocks     int
	nrFreeBlocks int
}

// New creates a pool of nrBlocks blocks, each with pagesPerBlock flash
// pages and hostPagesPerFP host pages packed per flash page. All blocks
// start Free.
func New(id uint32, nrBlocks, pagesPerBlock, hostPagesPerFP int) *Pool {
	p := &Pool{
		id:       id,
		arena:    make([]*block.Block, nrBlocks),
		used:     make(map[uint32]bool),
		isPrio:   make(map[uint32]bool),
		nrBlocks: nrBlocks,
	}
	p.free = make([]uint32, nrBlocks)
	for i := 0; i < nrBlocks; i++ {
		b := block.New(uint32(i), id, pagesPerBlock, hostPagesPerFP)
		p.arena[i] = b
		p.free[i] = uint32(i)
	}
	p.nrFreeBlocks = nrBlocks
	return p
}

func (p *Pool) ID() uint32 { return p.id }

// Block returns the block with the given id within this pool.
func (p *Pool) Block(id uint32) *block.Block {
	return p.arena[id]
}

func (p *Pool) NrBlocks() int { return p.nrBlocks }

func (p *Pool) NrFreeBlocks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nrFreeBlocks
}

// GetBlock removes the head of the free list, marks it used, resets it,
// and returns it. isGC permits dipping into the small GC reserve even
// when ordinary callers would see Exhausted; non-GC callers must not set
// it.
func (p *Pool) GetBlock(isGC bool) (*block.Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	reserve := 0
	if !isGC {
		reserve = GCReserve
	}
	if len(p.free) <= reserve {
		return nil, ErrExhausted
	}

	id := p.free[0]
	p.free = p.free[1:]
	p.nrFreeBlocks--
	p.used[id] = true

	b := p.arena[id]
	b.Reset()

	logging.Debugf("pool %d: handed out block %d (gc=%v, free remaining=%d)", p.id, id, isGC, p.nrFreeBlocks)
	return b, nil
}

// PutBlock moves a block from used to the tail of the free list; the
// tail position round-robins wear across blocks. The caller must ensure
// every host page has been invalidated first.
func (p *Pool) PutBlock(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.used, id)
	if p.isPrio[id] {
		p.removePrioLocked(id)
	}
	p.free = append(p.free, id)
	p.nrFreeBlocks++
	logging.Debugf("pool %d: block %d returned to free list (free now=%d)", p.id, id, p.nrFreeBlocks)
}

// MarkFull adds a block to the priority (GC-eligible) list once its cursor
// reaches capacity. Only full blocks may be in prio_list.
func (p *Pool) MarkFull(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isPrio[id] {
		return
	}
	p.isPrio[id] = true
	p.prio = append(p.prio, id)
}

func (p *Pool) removePrioLocked(id uint32) {
	for i, pid := range p.prio {
		if pid == id {
			p.prio = append(p.prio[:i], p.prio[i+1:]...)
			break
		}
	}
	delete(p.isPrio, id)
}

// RemoveFromPrio takes a block out of the GC-eligible list, e.g. when it
// is chosen as a victim.
func (p *Pool) RemoveFromPrio(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removePrioLocked(id)
}

// PrioCandidates returns a snapshot of the current priority list ids. The
// pool's collector goroutine scans this snapshot for the
// max-invalid-pages victim without holding the pool lock.
func (p *Pool) PrioCandidates() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint32, len(p.prio))
	copy(out, p.prio)
	return out
}

// FreeBlockIDs returns a snapshot of the free list, in hand-out order.
func (p *Pool) FreeBlockIDs() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint32, len(p.free))
	copy(out, p.free)
	return out
}

// UsedBlockIDs returns a snapshot of the blocks currently in use.
func (p *Pool) UsedBlockIDs() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint32, 0, len(p.used))
	for id := range p.used {
		out = append(out, id)
	}
	return out
}

// SetActive toggles the optional serial-access mode.
func (p *Pool) SetActive(active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isActive = active
}

func (p *Pool) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isActive
}

// Enqueue queues a submission while the pool is in serial-access mode.
func (p *Pool) Enqueue(submit func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waitingBios = append(p.waitingBios, submit)
}

// DequeueOne pops and runs the next queued submission, called from
// completion handling.
func (p *Pool) DequeueOne() {
	p.mu.Lock()
	if len(p.waitingBios) == 0 {
		p.mu.Unlock()
		return
	}
	next := p.waitingBios[0]
	p.waitingBios = p.waitingBios[1:]
	p.mu.Unlock()
	next()
}

// Flush drains and runs every queued submission, used at teardown.
func (p *Pool) Flush() {
	p.mu.Lock()
	pending := p.waitingBios
	p.waitingBios = nil
	p.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}
