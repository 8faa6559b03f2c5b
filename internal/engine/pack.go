package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/openchannelssd/ftl/internal/addrmap"
	"github.com/openchannelssd/ftl/internal/appendpoint"
	"github.com/openchannelssd/ftl/internal/device"
	"github.com/openchannelssd/ftl/internal/hint"
	"github.com/openchannelssd/ftl/internal/logging"
)

// APDisassociateTime is how long a pack append point stays bound to an
// inode with no further writes before another inode may take it over.
const APDisassociateTime = 5 * time.Second

// packAssoc is the inode association carried in a pack append point's
// engine-private slot.
type packAssoc struct {
	mu    sync.Mutex
	ino   uint64 // 0 = unassociated
	since time.Time
}

// Pack reserves the last append point of each pool for hinted writes that
// carry an inode number, so one file's pages land together in the same
// blocks. A write hinted with an inode prefers the pack AP already bound
// to that inode, then an unbound (or aged-out) pack AP it can take over,
// and finally falls back to the ordinary append points.
type Pack struct {
	ctx     *Context
	hints   *hint.Store
	counter uint64

	packAPs    []int // indices into ctx.AppendPoints
	nonPackAPs []int
}

func NewPack(hints *hint.Store) *Pack { return &Pack{hints: hints} }

func (e *Pack) Init(ctx *Context) error {
	e.ctx = ctx

	// The last AP of each pool is the pack AP, its association carried in
	// the AP's engine-private slot; every other AP serves unhinted
	// traffic.
	lastPerPool := make(map[uint32]int)
	for i, ap := range ctx.AppendPoints {
		lastPerPool[ap.Pool().ID()] = i
	}
	isPack := make(map[int]bool)
	for _, idx := range lastPerPool {
		isPack[idx] = true
	}
	for i := range ctx.AppendPoints {
		if isPack[i] {
			e.packAPs = append(e.packAPs, i)
			ctx.AppendPoints[i].EnginePrivate.Store(&packAssoc{})
		} else {
			e.nonPackAPs = append(e.nonPackAPs, i)
		}
	}
	if len(e.nonPackAPs) == 0 {
		// Single AP per pool: pack APs double as the fallback path.
		e.nonPackAPs = e.packAPs
	}
	return nil
}

// assocOf returns the association slot of a pack AP, nil for others.
func (e *Pack) assocOf(idx int) *packAssoc {
	v := e.ctx.AppendPoints[idx].EnginePrivate.Load()
	if v == nil {
		return nil
	}
	return v.(*packAssoc)
}

func (e *Pack) Exit() error              { return nil }
func (e *Pack) Capabilities() Capability { return 0 }

func (e *Pack) PoolGetBlk(apIndex int, isGC bool) error {
	ap := e.ctx.AppendPoints[apIndex]
	b, err := ap.Pool().GetBlock(isGC)
	if err != nil {
		return ErrNoMapping
	}
	return ap.SetAPCur(b)
}

func (e *Pack) MapPage(l int64, isGC bool, oldEntry addrmap.ForwardEntry) (addrmap.ForwardEntry, error) {
	var h *hint.Info
	if !isGC && e.hints != nil {
		h = e.hints.Find(l, true, hint.FlagPack)
	}
	if h != nil && e.ctx.Metrics != nil {
		e.ctx.Metrics.HintMatches.Inc()
	}

	var addr appendpoint.PhysAddr
	var err error
	if h != nil && h.Ino != 0 {
		addr, err = e.allocPackAddr(h.Ino)
	} else {
		addr, err = e.allocFallback(isGC)
	}
	if err != nil {
		if e.ctx.Metrics != nil {
			e.ctx.Metrics.OutOfSpace.Inc()
		}
		return addrmap.ForwardEntry{}, ErrNoMapping
	}

	phys := e.ctx.PhysIndex(addr)
	if err := e.ctx.Map.UpdateMap(l, phys, addr.PoolID, addr.BlockID, addr.Page, addrmap.Primary); err != nil {
		return addrmap.ForwardEntry{}, err
	}
	if e.ctx.Metrics != nil {
		e.ctx.Metrics.PagesAllocated.Inc()
	}
	return addrmap.ForwardEntry{Addr: phys, PoolID: addr.PoolID, BlockID: addr.BlockID, HostPage: addr.Page, HasBlock: true}, nil
}

// allocPackAddr finds a pack AP for the inode and allocates from it:
// first the AP already bound to the inode, then an unbound or aged-out
// one it can take over, and only then the ordinary APs.
func (e *Pack) allocPackAddr(ino uint64) (appendpoint.PhysAddr, error) {
	// Previously associated AP.
	for _, idx := range e.packAPs {
		a := e.assocOf(idx)
		a.mu.Lock()
		bound := a.ino == ino
		a.mu.Unlock()
		if !bound {
			continue
		}
		addr, err := e.allocFromPackAP(idx, a)
		if err == nil {
			return addr, nil
		}
	}

	// Take over an empty pack AP, or one whose association has aged out.
	now := time.Now()
	for _, idx := range e.packAPs {
		a := e.assocOf(idx)
		a.mu.Lock()
		free := a.ino == 0 || now.Sub(a.since) > APDisassociateTime
		if free {
			if a.ino != 0 {
				logging.Infof("pack: ap %d association with inode %d aged out, rebinding to %d",
					e.ctx.AppendPoints[idx].ID(), a.ino, ino)
			}
			a.ino = ino
			a.since = now
		}
		a.mu.Unlock()
		if !free {
			continue
		}
		addr, err := e.allocFromPackAP(idx, a)
		if err == nil {
			return addr, nil
		}
	}

	// Every pack AP is bound elsewhere or exhausted.
	return e.allocFallback(false)
}

// allocFromPackAP allocates from one pack AP and clears the inode
// association once the AP's current block fills and is dissociated.
func (e *Pack) allocFromPackAP(idx int, a *packAssoc) (appendpoint.PhysAddr, error) {
	ap := e.ctx.AppendPoints[idx]
	addr, err := ap.AllocAddrFromAP(false)
	if err != nil {
		return appendpoint.PhysAddr{}, err
	}
	a.mu.Lock()
	a.since = time.Now()
	a.mu.Unlock()
	if cur := ap.Cur(); cur != nil && cur.IsFull() {
		a.mu.Lock()
		a.ino = 0
		a.mu.Unlock()
	}
	return addr, nil
}

// allocFallback round-robins over the non-pack append points.
func (e *Pack) allocFallback(isGC bool) (appendpoint.PhysAddr, error) {
	n := len(e.nonPackAPs)
	if n == 0 {
		return appendpoint.PhysAddr{}, ErrNoMapping
	}
	var lastErr error
	for i := 0; i < n; i++ {
		idx := e.nonPackAPs[atomic.AddUint64(&e.counter, 1)%uint64(n)]
		addr, err := e.ctx.AppendPoints[idx].AllocAddrFromAP(isGC)
		if err == nil {
			return addr, nil
		}
		lastErr = err
	}
	return appendpoint.PhysAddr{}, lastErr
}

// AssociatedInode reports the inode currently bound to the pack AP at
// apIndex, for observability and tests.
func (e *Pack) AssociatedInode(apIndex int) (uint64, bool) {
	a := e.assocOf(apIndex)
	if a == nil {
		return 0, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ino, a.ino != 0
}

// PackAPIndices exposes which append points are reserved for pack writes.
func (e *Pack) PackAPIndices() []int { return e.packAPs }

func (e *Pack) LookupLtoP(l int64) (addrmap.ForwardEntry, bool) {
	return e.ctx.Map.LookupLtoP(l, e.ctx.BlockGCRunning)
}

func (e *Pack) ReadRQ(req *device.Request, l int64, entry addrmap.ForwardEntry)  {}
func (e *Pack) WriteRQ(req *device.Request, l int64, entry addrmap.ForwardEntry) {}
