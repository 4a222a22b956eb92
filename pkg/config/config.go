// Package config holds the configuration surface for opening a pool,
// executor, and MPT store, mirroring the plain-struct Config pattern the
// rest of the tree uses for NewWorker/NewBoltStore style constructors.
package config

import (
	"fmt"
	"time"
)

// OpenMode selects how a pool's backing files are opened.
type OpenMode int

const (
	// OpenReadWrite opens the pool for mutation by a single writer.
	OpenReadWrite OpenMode = iota
	// OpenReadOnly opens the pool as a read-only view (pkg/roview).
	OpenReadOnly
)

// Config is the full set of knobs needed to open a pool, its async I/O
// executor, and the MPT store layered on top.
type Config struct {
	// Device/pool geometry.
	Sources          []string // backing file or block device paths
	Mode             OpenMode
	ChunkCapacityLog2 uint8 // chunk size = 1 << ChunkCapacityLog2 bytes
	InterleaveChunks  uint32

	// Async I/O executor.
	URingEntries uint32
	SQThreadCPU  int // -1 disables SQ polling thread affinity
	RDBuffers    uint32
	WRBuffers    uint32
	MaxInflightReads uint32

	// MPT/version retention.
	HistoryLength uint64

	// Background maintenance.
	CompactionInterval time.Duration
	CompactionBudget   int64 // slow-list chunks visited (and tombstones swept) per compaction; 0 does no compaction work

	// Diagnostics.
	CatalogPath string // bbolt audit ledger path, empty disables the catalog
}

// Option mutates a Config during construction.
type Option func(*Config)

// WithSources sets the backing file/device paths.
func WithSources(sources ...string) Option {
	return func(c *Config) { c.Sources = sources }
}

// WithMode sets the open mode.
func WithMode(mode OpenMode) Option {
	return func(c *Config) { c.Mode = mode }
}

// WithChunkCapacityLog2 sets the chunk size exponent.
func WithChunkCapacityLog2(log2 uint8) Option {
	return func(c *Config) { c.ChunkCapacityLog2 = log2 }
}

// WithInterleaveChunks sets the interleave_chunks flag (spec.md 4.1):
// values > 1 allocate sequential chunks across devices proportionally to
// each device's chunk count instead of device-contiguously.
func WithInterleaveChunks(n uint32) Option {
	return func(c *Config) { c.InterleaveChunks = n }
}

// WithHistoryLength sets how many trailing versions are retained.
func WithHistoryLength(n uint64) Option {
	return func(c *Config) { c.HistoryLength = n }
}

// WithCompaction sets the background compaction interval and the
// per-compaction chunk budget (see Config.CompactionBudget).
func WithCompaction(interval time.Duration, budget int64) Option {
	return func(c *Config) {
		c.CompactionInterval = interval
		c.CompactionBudget = budget
	}
}

// WithCatalog enables the diagnostic audit ledger at the given path.
func WithCatalog(path string) Option {
	return func(c *Config) { c.CatalogPath = path }
}

// WithIOExec sets the async I/O executor's ring and buffer pool sizes.
func WithIOExec(uringEntries, rdBuffers, wrBuffers, maxInflightReads uint32) Option {
	return func(c *Config) {
		c.URingEntries = uringEntries
		c.RDBuffers = rdBuffers
		c.WRBuffers = wrBuffers
		c.MaxInflightReads = maxInflightReads
	}
}

// Default returns a Config with the settings a new, single-file pool would
// reasonably use.
func Default() *Config {
	return &Config{
		Mode:              OpenReadWrite,
		ChunkCapacityLog2: 28, // 256 MiB chunks
		InterleaveChunks:  1,
		URingEntries:      256,
		SQThreadCPU:       -1,
		RDBuffers:         128,
		WRBuffers:         32,
		MaxInflightReads:  512,
		HistoryLength:     512,
		CompactionInterval: 30 * time.Second,
	}
}

// New builds a Config from Default() with the given options applied, then
// validates it.
func New(opts ...Option) (*Config, error) {
	cfg := Default()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config for internally inconsistent settings.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("config: at least one source path is required")
	}
	if c.ChunkCapacityLog2 < 12 || c.ChunkCapacityLog2 > 40 {
		return fmt.Errorf("config: chunk capacity log2 %d out of range [12,40]", c.ChunkCapacityLog2)
	}
	if c.InterleaveChunks == 0 {
		return fmt.Errorf("config: interleave chunks must be >= 1")
	}
	if c.MaxInflightReads == 0 {
		return fmt.Errorf("config: max inflight reads must be >= 1")
	}
	if c.RDBuffers == 0 || c.WRBuffers == 0 {
		return fmt.Errorf("config: rd/wr buffer pools must be non-empty")
	}
	return nil
}
