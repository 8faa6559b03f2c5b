// Package engine implements the pluggable placement policy: a small
// interface choosing which append point (and, for the latency engine,
// which pair of append points) services each write. Optional behaviors
// are modeled as explicit capability flags plus narrow interfaces rather
// than nullable function pointers.
package engine

import (
	"errors"

	"github.com/openchannelssd/ftl/internal/addrmap"
	"github.com/openchannelssd/ftl/internal/appendpoint"
	"github.com/openchannelssd/ftl/internal/device"
	"github.com/openchannelssd/ftl/internal/metrics"
	"github.com/openchannelssd/ftl/internal/pool"
)

// ErrNoMapping is returned by MapPage when the engine could not place the
// write (allocator exhaustion); the pipeline translates this to Busy and
// kicks the GC.
var ErrNoMapping = errors.New("engine: no mapping available")

// Capability declares which extra behaviors an engine supports;
// non-applicable methods are simply absent rather than no-op pointers.
type Capability uint32

const (
	CapAllocPhysHook Capability = 1 << iota
	CapGCPrivate
	CapDualWrite
)

// Context bundles the shared core state every engine implementation
// dispatches against: the pools and append points it was constructed
// over, the address map, and the metrics registry.
type Context struct {
	Pools          []*pool.Pool
	AppendPoints   []*appendpoint.AppendPoint // flat, in pool order
	Map            *addrmap.AddressMap
	Metrics        *metrics.Registry
	PagesPerLogical int
}

// Engine is the placement-policy vtable.
type Engine interface {
	Init(ctx *Context) error
	Exit() error
	Capabilities() Capability

	// PoolGetBlk claims a fresh block for the append point at apIndex.
	// The core's allocation path does not call it: when an AP's current
	// block fills, AppendPoint.AllocAddrFromAP draws the next block itself.
	PoolGetBlk(apIndex int, isGC bool) error

	// MapPage places a write for logical address l, updating the address
	// map, and returns the entry it installed. oldEntry is the zero value
	// for ordinary host writes; for GC-triggered remaps (isGC) it carries
	// the victim's forward entry so engines that bias placement by the
	// old physical position (e.g. swap's fast/slow, latency's
	// primary/shadow disambiguation) have it without a side channel.
	MapPage(l int64, isGC bool, oldEntry addrmap.ForwardEntry) (addrmap.ForwardEntry, error)

	// LookupLtoP resolves a read, preferring whichever copy the engine
	// decides is best (only the latency engine has more than one copy to
	// choose from).
	LookupLtoP(l int64) (addrmap.ForwardEntry, bool)

	// ReadRQ/WriteRQ let an engine observe/annotate the rewritten
	// request before submission (e.g. the swap engine's simulated
	// latency penalty).
	ReadRQ(req *device.Request, l int64, entry addrmap.ForwardEntry)
	WriteRQ(req *device.Request, l int64, entry addrmap.ForwardEntry)
}

// AllocPhysHooker is the optional capability for engines that bias raw
// physical allocation.
type AllocPhysHooker interface {
	AllocPhysHook(b interface{}, fastOnly bool) (appendpoint.PhysAddr, error)
}

// GCPrivateHooker is the optional capability for engines that need to run
// bookkeeping around a GC sweep.
type GCPrivateHooker interface {
	BeginGCPrivate()
	EndGCPrivate()
}

// DualWriter is the optional capability of engines that keep a second
// copy of some writes; the pipeline duplicates the payload to the shadow
// location after the primary submit.
type DualWriter interface {
	ShadowEntry(l int64) (addrmap.ForwardEntry, bool)
}

// BlockGCRunning reports whether the named block is mid-collection;
// lookups seeing true must yield and retry so they observe the relocated
// mapping.
func (ctx *Context) BlockGCRunning(poolID, blockID uint32) bool {
	p := ctx.poolByID(poolID)
	if p == nil {
		return false
	}
	return p.Block(blockID).GCRunning()
}

func (ctx *Context) poolByID(id uint32) *pool.Pool {
	for _, p := range ctx.Pools {
		if p.ID() == id {
			return p
		}
	}
	return nil
}

// PhysIndex turns a pool-relative PhysAddr into the dense physical index
// the address map's reverse vector is keyed by: pools are concatenated in
// Pools order, blocks within a pool in block-id order, host pages within
// a block in host-page order.
func (ctx *Context) PhysIndex(addr appendpoint.PhysAddr) int64 {
	var base int64
	for _, p := range ctx.Pools {
		if p.ID() == addr.PoolID {
			base += int64(addr.BlockID) * int64(p.Block(0).HostPagesPerBlock())
			base += int64(addr.Page)
			return base
		}
		base += int64(p.NrBlocks()) * int64(p.Block(0).HostPagesPerBlock())
	}
	return base
}
