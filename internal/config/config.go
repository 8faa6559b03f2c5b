// Package config holds the at-construction-time configuration: device
// path, engine selector, pool/block/page geometry, and the optional GC
// period and simulated timings. A Config can be built programmatically
// (for embedding and tests) or loaded from an INI file.
package config

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"
)

// Engine selects the placement policy installed at construction time.
type Engine string

const (
	EngineNone    Engine = "none"
	EngineSwap    Engine = "swap"
	EngineLatency Engine = "latency"
	EnginePack    Engine = "pack"
)

// Flag bits recognized by the engine/hint layer.
type Flag uint32

const (
	FlagSwap           Flag = 1 << 0
	FlagLatency        Flag = 1 << 1
	FlagPack           Flag = 1 << 2
	FlagPoolSerialize  Flag = 1 << 3
	FlagFastSlowPages  Flag = 1 << 4
	FlagNoWaits        Flag = 1 << 5
)

// Config is the device constructor argument.
type Config struct {
	DevicePath string
	Engine     Engine

	NrPools        int
	BlocksPerPool  int
	PagesPerBlock  int
	APsPerPool     int
	HostPagesPerFP int // host pages packed per flash page, >= 1

	Flags Flag

	GCPeriod    time.Duration
	ReadTiming  time.Duration
	WriteTiming time.Duration
	EraseTiming time.Duration
}

// Default returns a Config with the standard defaults filled in. Callers
// still must supply DevicePath, NrPools, BlocksPerPool and PagesPerBlock.
func Default() Config {
	return Config{
		Engine:         EngineNone,
		APsPerPool:     1,
		HostPagesPerFP: 1,
		GCPeriod:       10 * time.Second,
		ReadTiming:     25 * time.Microsecond,
		WriteTiming:    500 * time.Microsecond,
		EraseTiming:    1500 * time.Microsecond,
	}
}

// Validate applies the config-error checks a constructor must perform
// synchronously.
func (c *Config) Validate() error {
	if c.NrPools <= 0 {
		return fmt.Errorf("config: nr_pools must be > 0, got %d", c.NrPools)
	}
	if c.BlocksPerPool <= 0 {
		return fmt.Errorf("config: blocks_per_pool must be > 0, got %d", c.BlocksPerPool)
	}
	if c.PagesPerBlock <= 0 {
		return fmt.Errorf("config: pages_per_block must be > 0, got %d", c.PagesPerBlock)
	}
	if c.APsPerPool <= 0 {
		c.APsPerPool = 1
	}
	if c.HostPagesPerFP <= 0 {
		c.HostPagesPerFP = 1
	}
	// MAX_INVALID_PAGES_STORAGE bound: the invalid-page bitmap is a slice
	// of 64-bit words sized to hold every host page of a block, so it never
	// truncates; this check only caps host-pages-per-block at a fixed size.
	hostPagesPerBlock := c.PagesPerBlock * c.HostPagesPerFP
	const maxInvalidPagesStorage = 1 << 20 // generous bound; real devices are far smaller
	if hostPagesPerBlock > maxInvalidPagesStorage {
		return fmt.Errorf("config: host pages per block %d exceeds bitmap bound %d", hostPagesPerBlock, maxInvalidPagesStorage)
	}
	if c.GCPeriod < time.Second {
		c.GCPeriod = time.Second
	}
	switch c.Engine {
	case "", EngineNone, EngineSwap, EngineLatency, EnginePack:
	default:
		return fmt.Errorf("config: unknown engine %q", c.Engine)
	}
	if c.Engine == EngineLatency && c.NrPools < 2 {
		return fmt.Errorf("config: latency engine requires at least 2 pools, got %d", c.NrPools)
	}
	return nil
}

// Load reads an INI file and overlays it
// onto a Default() config.
func Load(path string) (Config, error) {
	c := Default()

	raw, err := ini.Load(path)
	if err != nil {
		return c, fmt.Errorf("config: load %s: %w", path, err)
	}
	sec := raw.Section("ftl")

	if k, err := sec.GetKey("device_path"); err == nil {
		c.DevicePath = k.Value()
	}
	if k, err := sec.GetKey("engine"); err == nil {
		c.Engine = Engine(k.Value())
	}
	if k, err := sec.GetKey("nr_pools"); err == nil {
		c.NrPools = k.MustInt(c.NrPools)
	}
	if k, err := sec.GetKey("blocks_per_pool"); err == nil {
		c.BlocksPerPool = k.MustInt(c.BlocksPerPool)
	}
	if k, err := sec.GetKey("pages_per_block"); err == nil {
		c.PagesPerBlock = k.MustInt(c.PagesPerBlock)
	}
	if k, err := sec.GetKey("aps_per_pool"); err == nil {
		c.APsPerPool = k.MustInt(c.APsPerPool)
	}
	if k, err := sec.GetKey("gc_period"); err == nil {
		if d, perr := time.ParseDuration(k.Value()); perr == nil {
			c.GCPeriod = d
		}
	}
	if k, err := sec.GetKey("read_timing"); err == nil {
		if d, perr := time.ParseDuration(k.Value()); perr == nil {
			c.ReadTiming = d
		}
	}
	if k, err := sec.GetKey("write_timing"); err == nil {
		if d, perr := time.ParseDuration(k.Value()); perr == nil {
			c.WriteTiming = d
		}
	}
	if k, err := sec.GetKey("erase_timing"); err == nil {
		if d, perr := time.ParseDuration(k.Value()); perr == nil {
			c.EraseTiming = d
		}
	}

	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}
