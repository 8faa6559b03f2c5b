package ioctl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openchannelssd/ftl/internal/hint"
)

func TestIDQueryReturnsMagic(t *testing.T) {
	h := NewHandler(hint.NewStore(), hint.FlagSwap, nil, nil)
	got, err := h.Ioctl(CmdID, nil)
	require.NoError(t, err)
	assert.Equal(t, Magic, got)
}

func TestUserHintRoundTrip(t *testing.T) {
	store := hint.NewStore()
	h := NewHandler(store, hint.FlagSwap|hint.FlagIoctl, nil, nil)

	p := &hint.Payload{IsWrite: 1, Flags: uint32(hint.FlagSwap), Count: 1}
	p.Data[0] = hint.InoHint{Ino: 3, StartLBA: 0, Count: 4}

	accepted, err := h.Ioctl(CmdUserHint, p.Encode())
	require.NoError(t, err)
	assert.EqualValues(t, 1, accepted)
	assert.NotNil(t, store.Find(2, true, hint.FlagSwap))
}

func TestMalformedUserHintRejected(t *testing.T) {
	h := NewHandler(hint.NewStore(), hint.FlagSwap, nil, nil)
	_, err := h.Ioctl(CmdUserHint, []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestKernelHintSubmitsTypedPayload(t *testing.T) {
	store := hint.NewStore()
	h := NewHandler(store, hint.FlagPack|hint.FlagIoctl, nil, nil)

	p := &hint.Payload{IsWrite: 1, Flags: uint32(hint.FlagPack), Count: 1}
	p.Data[0] = hint.InoHint{Ino: 11, StartLBA: 8, Count: 2}
	assert.Equal(t, 1, h.SubmitPayload(p))
	assert.NotNil(t, store.Find(8, true, hint.FlagPack))

	// The raw command form is reserved for encoded user payloads.
	_, err := h.Ioctl(CmdKernelHint, nil)
	assert.Error(t, err)
}

func TestUnknownCommandForwardsToDevice(t *testing.T) {
	var forwarded uint32
	h := NewHandler(hint.NewStore(), 0, func(cmd uint32, arg []byte) (uint64, error) {
		forwarded = cmd
		return 99, nil
	}, nil)

	got, err := h.Ioctl(0xdead, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 99, got)
	assert.EqualValues(t, 0xdead, forwarded)
}

func TestHintOutsideEngineFlagSetIsDropped(t *testing.T) {
	store := hint.NewStore()
	h := NewHandler(store, hint.FlagSwap, nil, nil)

	p := &hint.Payload{IsWrite: 1, Flags: uint32(hint.FlagLatency), Count: 1}
	p.Data[0] = hint.InoHint{StartLBA: 0, Count: 4}
	assert.Zero(t, h.SubmitPayload(p))
	assert.Zero(t, store.Len())
}
