// Package block implements the erase unit: a write cursor, a per-page
// invalid-page bitmap, and a reference count that gates when the block
// may be erased. A Block never holds a pointer to its Pool or
// AppendPoint, only their numeric ids.
package block

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// State is the block lifecycle position.
type State int

const (
	Free State = iota
	Open
	Full
	Victim
	Erasing
	Bad
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Open:
		return "open"
	case Full:
		return "full"
	case Victim:
		return "victim"
	case Erasing:
		return "erasing"
	case Bad:
		return "bad"
	default:
		return "unknown"
	}
}

var (
	// ErrFull is returned by the append-point allocator when a block's
	// write cursor has reached capacity, or when a fast-only reservation
	// finds the cursor on a slow page.
	ErrFull = errors.New("block: full")
	// ErrInvariant marks a contract violation: these are
	// treated as fatal assertions, not recoverable conditions.
	ErrInvariant = errors.New("block: invariant violation")
)

// Block is one erase unit. PagesPerBlock and the bitmap word width are
// fixed at construction; HostPagesPerBlock may exceed PagesPerBlock when
// several host pages pack into one flash page.
type Block struct {
	mu sync.Mutex

	id     uint32
	poolID uint32

	// apID is nil when the block is not currently owned by an append
	// point (free, full-but-unowned, victim, erasing).
	apID *uint32

	pagesPerBlock     int
	hostPagesPerBlock int
	hostPagesPerFP    int

	nextPage   int
	nextOffset int

	invalidBitmap  []uint64
	nrInvalidPages uint32

	dataSize     uint32
	dataCmntSize uint32

	state     State
	gcRunning bool

	refCount int32

	// onRelease fires once, outside the block's lock, when refCount
	// reaches zero after having been positive. The GC uses this to queue
	// the block-release work item.
	onRelease func(b *Block)
}

// New creates a block in state Free, owned by no append point.
func New(id, poolID uint32, pagesPerBlock, hostPagesPerFP int) *Block {
	if hostPagesPerFP <= 0 {
		hostPagesPerFP = 1
	}
	hostPagesPerBlock := pagesPerBlock * hostPagesPerFP
	words := (hostPagesPerBlock + 63) / 64
	if words == 0 {
		words = 1
	}
	b := &Block{
		id:                id,
		poolID:            poolID,
		pagesPerBlock:     pagesPerBlock,
		hostPagesPerBlock: hostPagesPerBlock,
		hostPagesPerFP:    hostPagesPerFP,
		invalidBitmap:     make([]uint64, words),
		state:             Free,
	}
	return b
}

func (b *Block) ID() uint32     { return b.id }
func (b *Block) PoolID() uint32 { return b.poolID }

// APID returns the owning append point id, if any.
func (b *Block) APID() (uint32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.apID == nil {
		return 0, false
	}
	return *b.apID, true
}

// SetAP installs or clears the owning append point. Called by the
// appendpoint package's SetAPCur, SetGCCur and DropCurIf (the AP
// layer serializes this per AP, so no extra lock is needed here beyond the
// block's own mutex for the assignment itself).
func (b *Block) SetAP(apID uint32, owned bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if owned {
		id := apID
		b.apID = &id
		b.state = Open
	} else {
		b.apID = nil
	}
}

func (b *Block) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Block) setState(s State) {
	b.state = s
}

// PagesPerBlock, HostPagesPerBlock, HostPagesPerFP expose the fixed
// geometry this block was constructed with.
func (b *Block) PagesPerBlock() int     { return b.pagesPerBlock }
func (b *Block) HostPagesPerBlock() int { return b.hostPagesPerBlock }
func (b *Block) HostPagesPerFP() int    { return b.hostPagesPerFP }

// IsFull reports whether the write cursor has reached capacity.
func (b *Block) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isFull()
}

func (b *Block) isFull() bool {
	return b.nextPage >= b.pagesPerBlock
}

// Cursor returns the current (nextPage, nextOffset) pair.
func (b *Block) Cursor() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextPage, b.nextOffset
}

// AdvanceCursor moves the cursor one host page forward.
func (b *Block) AdvanceCursor() (newNextPage, newNextOffset int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceCursorLocked()
	return b.nextPage, b.nextOffset
}

func (b *Block) advanceCursorLocked() {
	b.nextOffset++
	if b.nextOffset == b.hostPagesPerFP {
		b.nextOffset = 0
		b.nextPage++
	}
	if b.isFull() {
		b.setState(Full)
	}
}

// ReserveNextPage hands out the host page under the cursor and advances
// it, in one critical section so concurrent allocators never receive the
// same page. fastOnly rejects cursors sitting on a slow flash-page
// position.
func (b *Block) ReserveNextPage(fastOnly bool) (hostPage int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isFull() {
		return 0, ErrFull
	}
	if fastOnly && !FastSlowPosition(b.nextPage, b.pagesPerBlock) {
		return 0, ErrFull
	}
	hostPage = b.nextPage*b.hostPagesPerFP + b.nextOffset
	b.advanceCursorLocked()
	b.dataSize++
	return hostPage, nil
}

// NrInvalidPages returns the live invalid-page counter.
func (b *Block) NrInvalidPages() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nrInvalidPages
}

// InvalidatePage sets the bit for hostPage in the invalid bitmap and bumps
// the counter. An already-set bit means two owners believed they held the
// same physical page; that is a broken contract, not a condition to
// recover from.
func (b *Block) InvalidatePage(hostPage int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.invalidatePageLocked(hostPage)
}

func (b *Block) invalidatePageLocked(hostPage int) error {
	if hostPage < 0 || hostPage >= b.hostPagesPerBlock {
		return fmt.Errorf("%w: host page %d out of range [0,%d)", ErrInvariant, hostPage, b.hostPagesPerBlock)
	}
	word, bit := hostPage/64, uint(hostPage%64)
	if b.invalidBitmap[word]&(1<<bit) != 0 {
		return fmt.Errorf("%w: host page %d already invalidated on block %d", ErrInvariant, hostPage, b.id)
	}
	b.invalidBitmap[word] |= 1 << bit
	b.nrInvalidPages++
	return nil
}

// IsPageInvalid reports the bit for hostPage without mutating state.
func (b *Block) IsPageInvalid(hostPage int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	word, bit := hostPage/64, uint(hostPage%64)
	if word >= len(b.invalidBitmap) {
		return false
	}
	return b.invalidBitmap[word]&(1<<bit) != 0
}

// FirstValidHostPage returns the lowest-numbered host page whose bit is
// clear, for the collector's migration scan. ok is false once every bit
// is set.
func (b *Block) FirstValidHostPage() (page int, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for word := 0; word < len(b.invalidBitmap); word++ {
		w := b.invalidBitmap[word]
		if w == ^uint64(0) {
			continue
		}
		for bit := 0; bit < 64; bit++ {
			hostPage := word*64 + bit
			if hostPage >= b.hostPagesPerBlock {
				return 0, false
			}
			if w&(1<<uint(bit)) == 0 {
				return hostPage, true
			}
		}
	}
	return 0, false
}

// BitmapFull reports whether every host page has been invalidated, the
// migration loop's stop condition.
func (b *Block) BitmapFull() bool {
	_, ok := b.FirstValidHostPage()
	return !ok
}

// IncrCommit bumps dataCmntSize on write completion. It reports whether
// the block just reached capacity.
func (b *Block) IncrCommit() (reachedCapacity bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dataCmntSize++
	return int(b.dataCmntSize) >= b.hostPagesPerBlock
}

// DataSize/DataCmntSize expose the write-buffer and device-acked counters.
func (b *Block) DataSize() uint32     { b.mu.Lock(); defer b.mu.Unlock(); return b.dataSize }
func (b *Block) DataCmntSize() uint32 { b.mu.Lock(); defer b.mu.Unlock(); return b.dataCmntSize }


// GCRunning reports the collection-in-progress flag readers yield on.
func (b *Block) GCRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gcRunning
}

func (b *Block) SetGCRunning(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gcRunning = v
	if v {
		b.setState(Victim)
	}
}

// AcquireRef increments the outstanding-I/O reference count.
func (b *Block) AcquireRef() {
	atomic.AddInt32(&b.refCount, 1)
}

// ReleaseRef decrements the reference count and invokes OnRelease exactly
// once when it reaches zero; the callback is consumed so a transient
// acquire/release after that point cannot fire it again.
func (b *Block) ReleaseRef() {
	n := atomic.AddInt32(&b.refCount, -1)
	if n < 0 {
		panic(fmt.Sprintf("%v: block %d refcount went negative", ErrInvariant, b.id))
	}
	if n == 0 {
		b.mu.Lock()
		cb := b.onRelease
		b.onRelease = nil
		b.mu.Unlock()
		if cb != nil {
			cb(b)
		}
	}
}

// MarkErasing flags the block as under erase.
func (b *Block) MarkErasing() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Erasing
}

// MarkBad takes the block out of rotation after a persistent erase
// failure.
func (b *Block) MarkBad() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Bad
}

// SetOnRelease installs the release callback the next zero-crossing of
// the reference count will fire.
func (b *Block) SetOnRelease(fn func(*Block)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRelease = fn
}

func (b *Block) RefCount() int32 {
	return atomic.LoadInt32(&b.refCount)
}

// Reset zeroes the bitmap, cursor, and counters and re-initializes the
// reference count to 1 (the pool itself holds the initial reference until
// an AP claims the block). Called under the pool lock at acquisition.
func (b *Block) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.invalidBitmap {
		b.invalidBitmap[i] = 0
	}
	b.nrInvalidPages = 0
	b.nextPage = 0
	b.nextOffset = 0
	b.dataSize = 0
	b.dataCmntSize = 0
	b.gcRunning = false
	b.apID = nil
	b.state = Free
	b.onRelease = nil
	atomic.StoreInt32(&b.refCount, 1)
}

// FastSlowPosition classifies a flash-page position within the block:
// the first four pages are fast, the last four are slow, and in between
// a repeating {slow, slow, fast, fast} pattern applies.
func FastSlowPosition(flashPageIndex, pagesPerBlock int) (fast bool) {
	if flashPageIndex < 4 {
		return true
	}
	if flashPageIndex >= pagesPerBlock-4 {
		return false
	}
	switch (flashPageIndex - 4) % 4 {
	case 0, 1:
		return false
	default:
		return true
	}
}
