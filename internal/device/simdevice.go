package device

import (
	"context"
	"fmt"
	"sync"
)

// SimDevice is a deterministic in-memory Device used by tests, cmd/ftlctl,
// and the GC's read/write/erase path. It stores one flash-page-sized slot
// per physical page and never fails unless explicitly told to.
type SimDevice struct {
	mu    sync.RWMutex
	pages map[uint64][]byte

	pageSize   int
	channels   []ChannelInfo
	failErase  map[uint32]bool
	failSubmit bool
}

// NewSimDevice builds a simulator with the given channel geometry and
// flash page size.
func NewSimDevice(channels []ChannelInfo, pageSize int) *SimDevice {
	return &SimDevice{
		pages:     make(map[uint64][]byte),
		pageSize:  pageSize,
		channels:  channels,
		failErase: make(map[uint32]bool),
	}
}

func (d *SimDevice) Identify(ctx context.Context) error { return nil }

func (d *SimDevice) IdentifyChannel(ctx context.Context, idx int) (ChannelInfo, error) {
	if idx < 0 || idx >= len(d.channels) {
		return ChannelInfo{}, fmt.Errorf("simdevice: channel %d out of range", idx)
	}
	return d.channels[idx], nil
}

// Submit writes or reads req.Payload at the physical sector already
// rewritten into req.Sector by the pipeline.
func (d *SimDevice) Submit(ctx context.Context, req *Request) Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failSubmit {
		return Error
	}

	switch req.Dir {
	case Write:
		buf := make([]byte, len(req.Payload))
		copy(buf, req.Payload)
		d.pages[req.Sector] = buf
	case Read:
		if buf, ok := d.pages[req.Sector]; ok {
			copy(req.Payload, buf)
		} else {
			for i := range req.Payload {
				req.Payload[i] = 0
			}
		}
	}
	return OK
}

func (d *SimDevice) EraseBlock(ctx context.Context, blockID uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failErase[blockID] {
		return fmt.Errorf("simdevice: erase of block %d failed (injected)", blockID)
	}
	return nil
}

// SetFailErase injects a persistent erase failure for a specific block,
// to exercise the bad-block path.
func (d *SimDevice) SetFailErase(blockID uint32, fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failErase[blockID] = fail
}

// SetFailSubmit makes every subsequent Submit fail, to exercise the
// device-I/O-error path.
func (d *SimDevice) SetFailSubmit(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failSubmit = fail
}
