// Package ioctl implements the control-command surface: an identity
// query answering a fixed magic number, hint submission from user space
// (an encoded payload blob) or from in-process callers (a typed payload),
// and pass-through of unrecognized commands to the underlying device
// driver.
package ioctl

import (
	"github.com/juju/errors"

	"github.com/openchannelssd/ftl/internal/hint"
	"github.com/openchannelssd/ftl/internal/logging"
	"github.com/openchannelssd/ftl/internal/metrics"
)

// Magic is the identity answered by CmdID.
const Magic = uint64('O')<<8 | 0x40

// Command numbers.
const (
	CmdID uint32 = 0x4F40 + iota
	CmdUserHint
	CmdKernelHint
)

// Forwarder receives commands the handler does not recognize.
type Forwarder func(cmd uint32, arg []byte) (uint64, error)

// Handler dispatches control commands against the hint store.
type Handler struct {
	hints       *hint.Store
	engineFlags hint.Flag
	forward     Forwarder
	met         *metrics.Registry
}

func NewHandler(hints *hint.Store, engineFlags hint.Flag, forward Forwarder, met *metrics.Registry) *Handler {
	return &Handler{hints: hints, engineFlags: engineFlags, forward: forward, met: met}
}

// Ioctl executes one command. CmdUserHint takes the encoded payload in
// arg; CmdKernelHint takes an already-decoded payload via SubmitPayload
// and rejects the raw form.
func (h *Handler) Ioctl(cmd uint32, arg []byte) (uint64, error) {
	switch cmd {
	case CmdID:
		return Magic, nil
	case CmdUserHint:
		p, err := hint.Decode(arg)
		if err != nil {
			if h.met != nil {
				h.met.HintDropped.Inc()
			}
			return 0, errors.Annotate(err, "ioctl: user hint rejected")
		}
		return uint64(h.SubmitPayload(p)), nil
	case CmdKernelHint:
		return 0, errors.New("ioctl: kernel hint requires SubmitPayload, not a raw blob")
	default:
		if h.forward == nil {
			return 0, errors.Errorf("ioctl: unknown command %#x and no device forwarder", cmd)
		}
		return h.forward(cmd, arg)
	}
}

// SubmitPayload installs an in-process hint payload, returning how many
// entries the active engine accepted.
func (h *Handler) SubmitPayload(p *hint.Payload) int {
	accepted := h.hints.Apply(p, h.engineFlags)
	dropped := int(p.Count) - accepted
	if dropped > 0 {
		logging.Debugf("ioctl: dropped %d hint entries outside engine flag set %#x", dropped, h.engineFlags)
		if h.met != nil {
			h.met.HintDropped.Add(float64(dropped))
		}
	}
	return accepted
}
