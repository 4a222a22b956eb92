package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	cfg, err := New(WithSources("/tmp/pool.db"))
	require.NoError(t, err)

	assert.Equal(t, OpenReadWrite, cfg.Mode)
	assert.Equal(t, uint8(28), cfg.ChunkCapacityLog2)
	assert.Equal(t, uint64(512), cfg.HistoryLength)
	assert.Equal(t, 30*time.Second, cfg.CompactionInterval)
}

func TestNew_AppliesOptions(t *testing.T) {
	cfg, err := New(
		WithSources("/tmp/a.db", "/tmp/b.db"),
		WithMode(OpenReadOnly),
		WithHistoryLength(128),
		WithChunkCapacityLog2(20),
		WithCompaction(time.Minute, 1<<20),
		WithCatalog("/tmp/catalog.bbolt"),
		WithIOExec(512, 64, 16, 1024),
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"/tmp/a.db", "/tmp/b.db"}, cfg.Sources)
	assert.Equal(t, OpenReadOnly, cfg.Mode)
	assert.Equal(t, uint64(128), cfg.HistoryLength)
	assert.Equal(t, uint8(20), cfg.ChunkCapacityLog2)
	assert.Equal(t, time.Minute, cfg.CompactionInterval)
	assert.Equal(t, int64(1<<20), cfg.CompactionBudget)
	assert.Equal(t, "/tmp/catalog.bbolt", cfg.CatalogPath)
	assert.Equal(t, uint32(512), cfg.URingEntries)
	assert.Equal(t, uint32(1024), cfg.MaxInflightReads)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"no sources", func(c *Config) { c.Sources = nil }, true},
		{"chunk log2 too small", func(c *Config) { c.ChunkCapacityLog2 = 4 }, true},
		{"chunk log2 too large", func(c *Config) { c.ChunkCapacityLog2 = 64 }, true},
		{"zero interleave", func(c *Config) { c.InterleaveChunks = 0 }, true},
		{"zero inflight reads", func(c *Config) { c.MaxInflightReads = 0 }, true},
		{"zero rd buffers", func(c *Config) { c.RDBuffers = 0 }, true},
		{"valid", func(c *Config) {}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Sources = []string{"/tmp/pool.db"}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
