// Package pipeline translates host block requests into device requests:
// it locks the logical range, asks the engine for a physical placement
// (writes) or a translation (reads), rewrites the request's sector, and
// runs completion accounting. Per-request state lives in a side table
// keyed by a request id rather than behind an opaque pointer in the
// request itself.
package pipeline

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/openchannelssd/ftl/internal/addrmap"
	"github.com/openchannelssd/ftl/internal/block"
	"github.com/openchannelssd/ftl/internal/device"
	"github.com/openchannelssd/ftl/internal/engine"
	"github.com/openchannelssd/ftl/internal/logging"
	"github.com/openchannelssd/ftl/internal/metrics"
	"github.com/openchannelssd/ftl/internal/pool"
)

// SectorsPerPage is how many 512-byte sectors one exposed page spans.
const SectorsPerPage = 8

// PerRequestData is the transient state of one in-flight request.
type PerRequestData struct {
	ID      uuid.UUID
	APIndex int
	L       int64
	Entry   addrmap.ForwardEntry
	GC      bool
	Write   bool
	Start   time.Time
}

// Config wires the pipeline to its collaborators.
type Config struct {
	Engine  engine.Engine
	Context *engine.Context
	Device  device.Device
	Metrics *metrics.Registry

	// KickGC is invoked when a write cannot be placed, before Busy is
	// returned to the host.
	KickGC func()

	// Recycle is invoked from endio when a block's committed-page count
	// reaches capacity, making it a garbage-collection candidate.
	Recycle func(poolID, blockID uint32)

	// SerializePools queues submissions while a pool is active instead of
	// letting the device interleave them.
	SerializePools bool

	// NoWaits disables the simulated device latency applied at
	// completion time.
	NoWaits bool

	APsPerPool    int
	BlocksPerPool int
}

// Pipeline is the read/write request path.
type Pipeline struct {
	cfg Config

	mu       sync.Mutex
	inflight map[uuid.UUID]*PerRequestData
}

func New(cfg Config) *Pipeline {
	if cfg.APsPerPool <= 0 {
		cfg.APsPerPool = 1
	}
	return &Pipeline{cfg: cfg, inflight: make(map[uuid.UUID]*PerRequestData)}
}

// apIndexForBlock maps a block back to the append point that owns its
// writes, so completion accounting credits the right AP without chasing
// pointers: pools contribute APsPerPool consecutive indices, and block
// ids within a pool split evenly across them.
func (pl *Pipeline) apIndexForBlock(poolID, blockID uint32) int {
	apsPerPool := pl.cfg.APsPerPool
	idx := int(poolID) * apsPerPool
	if pl.cfg.BlocksPerPool > 0 {
		span := pl.cfg.BlocksPerPool / apsPerPool
		if span == 0 {
			span = 1
		}
		sub := int(blockID) / span
		if sub >= apsPerPool {
			sub = apsPerPool - 1
		}
		idx += sub
	}
	if idx >= len(pl.cfg.Context.AppendPoints) {
		idx = len(pl.cfg.Context.AppendPoints) - 1
	}
	return idx
}

func (pl *Pipeline) poolByID(id uint32) *pool.Pool {
	for _, p := range pl.cfg.Context.Pools {
		if p.ID() == id {
			return p
		}
	}
	return nil
}

func (pl *Pipeline) blockOf(e addrmap.ForwardEntry) *block.Block {
	p := pl.poolByID(e.PoolID)
	if p == nil {
		return nil
	}
	return p.Block(e.BlockID)
}

// Submit runs one host request through the pipeline and returns its
// completion status. The payload must span exactly one exposed page.
func (pl *Pipeline) Submit(ctx context.Context, req *device.Request) device.Status {
	l := int64(req.Sector) / SectorsPerPage
	if l < 0 || int(l) >= pl.cfg.Context.Map.NrLogical() {
		logging.Warnf("pipeline: sector %d maps to L=%d outside the device", req.Sector, l)
		return device.Error
	}

	switch req.Dir {
	case device.Read:
		return pl.submitRead(ctx, req, l)
	case device.Write:
		return pl.submitWrite(ctx, req, l)
	default:
		return device.Error
	}
}

func (pl *Pipeline) submitRead(ctx context.Context, req *device.Request, l int64) device.Status {
	m := pl.cfg.Context.Map
	m.LockRange(l, 1)

	entry, ok := pl.cfg.Engine.LookupLtoP(l)
	for !ok {
		// The owning block is mid-GC; the relocation is about to rewrite
		// this mapping. Drop the range so the collector can migrate the
		// page, yield, and retry until the new entry is visible.
		m.UnlockRange(l, 1)
		runtime.Gosched()
		m.LockRange(l, 1)
		entry, ok = pl.cfg.Engine.LookupLtoP(l)
	}

	if !entry.HasBlock {
		// Never written: the payload is zero-filled here and the device
		// is not touched.
		m.UnlockRange(l, 1)
		if pl.cfg.Metrics != nil {
			pl.cfg.Metrics.ReadMisses.Inc()
		}
		for i := range req.Payload {
			req.Payload[i] = 0
		}
		return device.OK
	}

	prd := &PerRequestData{
		ID:      uuid.New(),
		APIndex: pl.apIndexForBlock(entry.PoolID, entry.BlockID),
		L:       l,
		Entry:   entry,
		Start:   time.Now(),
	}
	pl.track(prd)

	offset := req.Sector % SectorsPerPage
	req.Sector = uint64(entry.Addr)*SectorsPerPage + offset
	pl.cfg.Engine.ReadRQ(req, l, entry)

	b := pl.blockOf(entry)
	if b != nil {
		b.AcquireRef()
	}

	status := pl.deviceSubmit(ctx, req, entry.PoolID)

	if b != nil {
		b.ReleaseRef()
	}
	pl.endio(prd, status)
	if pl.cfg.Metrics != nil {
		pl.cfg.Metrics.ReadHits.Inc()
	}
	return status
}

func (pl *Pipeline) submitWrite(ctx context.Context, req *device.Request, l int64) device.Status {
	m := pl.cfg.Context.Map
	m.LockRange(l, 1)

	entry, err := pl.cfg.Engine.MapPage(l, false, addrmap.ForwardEntry{})
	if err != nil {
		m.UnlockRange(l, 1)
		if pl.cfg.KickGC != nil {
			pl.cfg.KickGC()
		}
		logging.Debugf("pipeline: write L=%d has no placement, returning busy: %v", l, errors.Trace(err))
		return device.Busy
	}

	prd := &PerRequestData{
		ID:      uuid.New(),
		APIndex: pl.apIndexForBlock(entry.PoolID, entry.BlockID),
		L:       l,
		Entry:   entry,
		Write:   true,
		Start:   time.Now(),
	}
	pl.track(prd)

	b := pl.blockOf(entry)
	if b != nil {
		b.AcquireRef()
	}

	offset := req.Sector % SectorsPerPage
	req.Sector = uint64(entry.Addr)*SectorsPerPage + offset
	pl.cfg.Engine.WriteRQ(req, l, entry)

	status := pl.deviceSubmit(ctx, req, entry.PoolID)

	// Dual-write engines keep a second copy; duplicate the payload to the
	// shadow location.
	if status == device.OK {
		if dw, ok := pl.cfg.Engine.(engine.DualWriter); ok {
			if shadow, has := dw.ShadowEntry(l); has && shadow.Addr != entry.Addr {
				shadowReq := &device.Request{
					Sector:    uint64(shadow.Addr)*SectorsPerPage + offset,
					NrSectors: req.NrSectors,
					Dir:       device.Write,
					Payload:   req.Payload,
				}
				if st := pl.deviceSubmit(ctx, shadowReq, shadow.PoolID); st != device.OK {
					logging.Warnf("pipeline: shadow write for L=%d failed with %v", l, st)
				} else if sb := pl.blockOf(shadow); sb != nil {
					pl.commitBlock(shadow, sb)
				}
			}
		}
	}

	if b != nil {
		b.ReleaseRef()
	}
	pl.endio(prd, status)
	return status
}

// deviceSubmit hands the rewritten request to the device, honoring the
// optional pool-serialize mode: while the target pool is active, the
// submission is queued on the pool; each completed submission clears the
// active flag and starts the next queued one.
func (pl *Pipeline) deviceSubmit(ctx context.Context, req *device.Request, poolID uint32) device.Status {
	if !pl.cfg.SerializePools {
		return pl.cfg.Device.Submit(ctx, req)
	}

	p := pl.poolByID(poolID)
	if p == nil {
		return pl.cfg.Device.Submit(ctx, req)
	}

	done := make(chan device.Status, 1)
	run := func() {
		done <- pl.cfg.Device.Submit(ctx, req)
	}
	if p.IsActive() {
		p.Enqueue(run)
	} else {
		p.SetActive(true)
		run()
	}
	st := <-done
	p.SetActive(false)
	p.DequeueOne()
	return st
}

func (pl *Pipeline) track(prd *PerRequestData) {
	pl.mu.Lock()
	pl.inflight[prd.ID] = prd
	pl.mu.Unlock()
}

// Inflight reports the number of tracked requests, for tests and stats.
func (pl *Pipeline) Inflight() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return len(pl.inflight)
}

// endio releases the range lock, credits the append point, and on a
// completed write bumps the target block's committed count; a block whose
// committed count reaches capacity becomes a recycle candidate.
func (pl *Pipeline) endio(prd *PerRequestData, status device.Status) {
	m := pl.cfg.Context.Map
	m.UnlockRange(prd.L, 1)

	ap := pl.cfg.Context.AppendPoints[prd.APIndex]
	if !pl.cfg.NoWaits {
		// Simulated device latency, per the AP's channel timings.
		readUS, writeUS, _ := ap.Timings()
		if prd.Write {
			time.Sleep(time.Duration(writeUS) * time.Microsecond)
		} else {
			time.Sleep(time.Duration(readUS) * time.Microsecond)
		}
	}
	if prd.Write {
		ap.RecordWrite()
		if status == device.OK {
			if b := pl.blockOf(prd.Entry); b != nil {
				pl.commitBlock(prd.Entry, b)
			}
		}
	} else {
		ap.RecordRead()
	}

	if !prd.GC {
		pl.mu.Lock()
		delete(pl.inflight, prd.ID)
		pl.mu.Unlock()
	}
}

func (pl *Pipeline) commitBlock(entry addrmap.ForwardEntry, b *block.Block) {
	if !b.IncrCommit() {
		return
	}
	if p := pl.poolByID(entry.PoolID); p != nil {
		p.MarkFull(entry.BlockID)
	}
	if pl.cfg.Recycle != nil {
		pl.cfg.Recycle(entry.PoolID, entry.BlockID)
	}
}
