// Package ftl assembles the flash translation layer: pools of erase
// blocks fed to append points, a logical-to-physical address map, a
// pluggable placement engine, the request pipeline, and the per-pool
// garbage collector, all sitting on an opaque block device.
package ftl

import (
	"context"

	"github.com/juju/errors"

	"github.com/openchannelssd/ftl/internal/addrmap"
	"github.com/openchannelssd/ftl/internal/appendpoint"
	"github.com/openchannelssd/ftl/internal/config"
	"github.com/openchannelssd/ftl/internal/device"
	"github.com/openchannelssd/ftl/internal/engine"
	"github.com/openchannelssd/ftl/internal/gc"
	"github.com/openchannelssd/ftl/internal/hint"
	"github.com/openchannelssd/ftl/internal/ioctl"
	"github.com/openchannelssd/ftl/internal/logging"
	"github.com/openchannelssd/ftl/internal/metrics"
	"github.com/openchannelssd/ftl/internal/pipeline"
	"github.com/openchannelssd/ftl/internal/pool"
)

const (
	// ExposedPageSize is the page size presented to the host.
	ExposedPageSize = 4096
	// FlashPageSize is the physical flash page size.
	FlashPageSize = 4096
	// SectorsPerPage is how many 512-byte sectors one exposed page spans.
	SectorsPerPage = pipeline.SectorsPerPage
)

// FTL is one translated device instance.
type FTL struct {
	cfg config.Config
	dev device.Device

	pools []*pool.Pool
	aps   []*appendpoint.AppendPoint
	m     *addrmap.AddressMap
	eng   engine.Engine
	ectx  *engine.Context
	hints *hint.Store
	pipe  *pipeline.Pipeline
	gc    *gc.GC
	ioc   *ioctl.Handler
	met   *metrics.Registry

	cancel context.CancelFunc
}

// New constructs and starts an FTL over dev. Configuration errors are
// returned synchronously; nothing is left running on failure.
func New(ctx context.Context, cfg config.Config, dev device.Device) (*FTL, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := dev.Identify(ctx); err != nil {
		return nil, errors.Annotate(err, "ftl: device identify")
	}

	hostPagesPerFP := FlashPageSize / ExposedPageSize
	if cfg.HostPagesPerFP > 0 {
		hostPagesPerFP = cfg.HostPagesPerFP
	}

	f := &FTL{
		cfg:   cfg,
		dev:   dev,
		hints: hint.NewStore(),
		met:   metrics.New("core"),
	}

	// Channel descriptors, where the device offers them, refine the
	// configured timings per channel.
	readUS := int(cfg.ReadTiming.Microseconds())
	writeUS := int(cfg.WriteTiming.Microseconds())
	eraseUS := int(cfg.EraseTiming.Microseconds())

	for i := 0; i < cfg.NrPools; i++ {
		p := pool.New(uint32(i), cfg.BlocksPerPool, cfg.PagesPerBlock, hostPagesPerFP)
		f.pools = append(f.pools, p)

		tR, tW, tE := readUS, writeUS, eraseUS
		if info, err := dev.IdentifyChannel(ctx, i); err == nil {
			if info.TRead > 0 {
				tR = info.TRead
			}
			if info.TWrite > 0 {
				tW = info.TWrite
			}
			if info.TErase > 0 {
				tE = info.TErase
			}
		}
		for a := 0; a < cfg.APsPerPool; a++ {
			apID := uint32(i*cfg.APsPerPool + a)
			ap := appendpoint.New(apID, p, tR, tW, tE)
			b, err := p.GetBlock(false)
			if err != nil {
				return nil, errors.Annotatef(err, "ftl: priming ap %d", apID)
			}
			if err := ap.SetAPCur(b); err != nil {
				return nil, errors.Trace(err)
			}
			f.aps = append(f.aps, ap)
		}
	}

	hostPagesPerBlock := cfg.PagesPerBlock * hostPagesPerFP
	nrPages := cfg.NrPools * cfg.BlocksPerPool * hostPagesPerBlock
	f.m = addrmap.New(nrPages, nrPages)
	f.m.Invalidate = f.invalidateBlockPage
	f.m.WarnInvariant = logging.Warnf

	eng, err := engine.New(cfg.Engine, f.hints)
	if err != nil {
		return nil, errors.Trace(err)
	}
	f.eng = eng
	f.ectx = &engine.Context{
		Pools:           f.pools,
		AppendPoints:    f.aps,
		Map:             f.m,
		Metrics:         f.met,
		PagesPerLogical: SectorsPerPage,
	}
	if err := f.eng.Init(f.ectx); err != nil {
		return nil, errors.Annotate(err, "ftl: engine init")
	}

	f.gc = gc.New(gc.Config{
		Pools:          f.pools,
		Map:            f.m,
		Engine:         f.eng,
		Context:        f.ectx,
		Device:         dev,
		Metrics:        f.met,
		PageSize:       ExposedPageSize,
		SectorsPerPage: SectorsPerPage,
		BlocksPerPool:  cfg.BlocksPerPool,
		Period:         cfg.GCPeriod,
	})

	f.pipe = pipeline.New(pipeline.Config{
		Engine:         f.eng,
		Context:        f.ectx,
		Device:         dev,
		Metrics:        f.met,
		KickGC:         f.gc.Kick,
		Recycle:        f.gc.NotifyRecycle,
		SerializePools: cfg.Flags&config.FlagPoolSerialize != 0,
		NoWaits:        cfg.Flags&config.FlagNoWaits != 0,
		APsPerPool:     cfg.APsPerPool,
		BlocksPerPool:  cfg.BlocksPerPool,
	})

	f.ioc = ioctl.NewHandler(f.hints, engine.HintFlags(cfg.Engine), func(cmd uint32, arg []byte) (uint64, error) {
		return 0, errors.Errorf("device: unsupported command %#x", cmd)
	}, f.met)

	runCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.gc.Start(runCtx)

	logging.Infof("ftl: started with engine=%s pools=%d blocks/pool=%d pages/block=%d",
		cfg.Engine, cfg.NrPools, cfg.BlocksPerPool, cfg.PagesPerBlock)
	return f, nil
}

// invalidateBlockPage marks the superseded physical position invalid on
// its owning block.
func (f *FTL) invalidateBlockPage(poolID, blockID uint32, hostPage int) error {
	if int(poolID) >= len(f.pools) {
		return errors.Errorf("ftl: invalidate on unknown pool %d", poolID)
	}
	if err := f.pools[poolID].Block(blockID).InvalidatePage(hostPage); err != nil {
		return err
	}
	f.met.PagesInvalidated.Inc()
	return nil
}

// Submit runs one host request through the pipeline.
func (f *FTL) Submit(ctx context.Context, req *device.Request) device.Status {
	return f.pipe.Submit(ctx, req)
}

// WritePage writes one exposed page at logical page l.
func (f *FTL) WritePage(ctx context.Context, l int64, payload []byte) device.Status {
	req := &device.Request{
		Sector:    uint64(l) * SectorsPerPage,
		NrSectors: SectorsPerPage,
		Dir:       device.Write,
		Payload:   payload,
	}
	return f.Submit(ctx, req)
}

// ReadPage reads one exposed page at logical page l into out.
func (f *FTL) ReadPage(ctx context.Context, l int64, out []byte) device.Status {
	req := &device.Request{
		Sector:    uint64(l) * SectorsPerPage,
		NrSectors: SectorsPerPage,
		Dir:       device.Read,
		Payload:   out,
	}
	return f.Submit(ctx, req)
}

// Ioctl dispatches a control command; unknown commands fall through to
// the device driver.
func (f *FTL) Ioctl(cmd uint32, arg []byte) (uint64, error) {
	return f.ioc.Ioctl(cmd, arg)
}

// SubmitHint installs an in-process hint payload, returning how many
// entries the active engine accepted.
func (f *FTL) SubmitHint(p *hint.Payload) int {
	return f.ioc.SubmitPayload(p)
}

// KickGC schedules a collection pass on every pool.
func (f *FTL) KickGC() { f.gc.Kick() }

// Engine exposes the installed placement engine, for observability.
func (f *FTL) Engine() engine.Engine { return f.eng }

// Pool returns the pool with the given id.
func (f *FTL) Pool(id uint32) *pool.Pool { return f.pools[id] }

// Map exposes the address map, for invariant checks in tests and stats.
func (f *FTL) Map() *addrmap.AddressMap { return f.m }

// Metrics returns this instance's metric set for registration.
func (f *FTL) Metrics() *metrics.Registry { return f.met }

// Stats is a point-in-time snapshot of per-pool state.
type Stats struct {
	FreeBlocks   []int
	InvalidPages []uint32
}

func (f *FTL) Stats() Stats {
	s := Stats{}
	for _, p := range f.pools {
		s.FreeBlocks = append(s.FreeBlocks, p.NrFreeBlocks())
		var invalid uint32
		for i := 0; i < p.NrBlocks(); i++ {
			invalid += p.Block(uint32(i)).NrInvalidPages()
		}
		s.InvalidPages = append(s.InvalidPages, invalid)
	}
	return s
}

// Close stops the collector, drains queued submissions, and shuts the
// engine down.
func (f *FTL) Close() error {
	f.gc.Stop()
	f.cancel()
	for _, p := range f.pools {
		p.Flush()
	}
	return f.eng.Exit()
}
