package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchContract(t *testing.T) {
	c := Default()
	assert.Equal(t, EngineNone, c.Engine)
	assert.Equal(t, 1, c.APsPerPool)
	assert.Equal(t, 10*time.Second, c.GCPeriod)
	assert.Equal(t, 25*time.Microsecond, c.ReadTiming)
	assert.Equal(t, 500*time.Microsecond, c.WriteTiming)
	assert.Equal(t, 1500*time.Microsecond, c.EraseTiming)
}

func TestValidateRejectsBadGeometry(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"no pools":        func(c *Config) { c.NrPools = 0 },
		"no blocks":       func(c *Config) { c.BlocksPerPool = 0 },
		"no pages":        func(c *Config) { c.PagesPerBlock = 0 },
		"unknown engine":  func(c *Config) { c.Engine = "wearlevel" },
		"latency 1 pool":  func(c *Config) { c.Engine = EngineLatency; c.NrPools = 1 },
		"bitmap overflow": func(c *Config) { c.PagesPerBlock = 1 << 22 },
	} {
		c := Default()
		c.NrPools, c.BlocksPerPool, c.PagesPerBlock = 2, 8, 16
		mutate(&c)
		assert.Error(t, c.Validate(), name)
	}
}

func TestValidateClampsGCPeriod(t *testing.T) {
	c := Default()
	c.NrPools, c.BlocksPerPool, c.PagesPerBlock = 1, 4, 4
	c.GCPeriod = 100 * time.Millisecond
	require.NoError(t, c.Validate())
	assert.Equal(t, time.Second, c.GCPeriod)
}

func TestLoadOverlaysIniOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ftl.ini")
	require.NoError(t, os.WriteFile(path, []byte(`
[ftl]
device_path = /dev/nvme0n1
engine = swap
nr_pools = 4
blocks_per_pool = 32
pages_per_block = 64
aps_per_pool = 2
gc_period = 2s
write_timing = 800us
`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/nvme0n1", c.DevicePath)
	assert.Equal(t, EngineSwap, c.Engine)
	assert.Equal(t, 4, c.NrPools)
	assert.Equal(t, 32, c.BlocksPerPool)
	assert.Equal(t, 64, c.PagesPerBlock)
	assert.Equal(t, 2, c.APsPerPool)
	assert.Equal(t, 2*time.Second, c.GCPeriod)
	assert.Equal(t, 800*time.Microsecond, c.WriteTiming)
	assert.Equal(t, 25*time.Microsecond, c.ReadTiming, "unset keys keep defaults")
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.ini"))
	assert.Error(t, err)
}
