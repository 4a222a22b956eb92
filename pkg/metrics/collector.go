package metrics

import "time"

// Snapshot is a point-in-time view of pool and commit state, supplied by
// whichever package owns the live state (pkg/pool, pkg/mpt). Kept as a
// plain struct here so pkg/metrics never imports pkg/pool or pkg/mpt --
// collection stays one-directional.
type Snapshot struct {
	FreeChunks   map[string]int // class -> count
	FastChunks   map[string]int
	SlowChunks   map[string]int
	ActiveChunks map[string]int
	BytesUsed    map[string]int64

	Dirty bool

	CurrentVersion   uint64
	FinalizedVersion uint64
	VerifiedVersion  uint64
	HistoryLength    uint64
}

// Source is implemented by whatever owns the live pool/trie state.
type Source interface {
	Snapshot() Snapshot
}

// Collector periodically samples a Source and updates the registered gauges.
type Collector struct {
	source Source
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(source Source) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a fixed interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	snap := c.source.Snapshot()

	for class, count := range snap.FreeChunks {
		ChunksTotal.WithLabelValues(class, "free").Set(float64(count))
	}
	for class, count := range snap.FastChunks {
		ChunksTotal.WithLabelValues(class, "fast").Set(float64(count))
	}
	for class, count := range snap.SlowChunks {
		ChunksTotal.WithLabelValues(class, "slow").Set(float64(count))
	}
	for class, count := range snap.ActiveChunks {
		ChunksTotal.WithLabelValues(class, "active").Set(float64(count))
	}
	for class, bytes := range snap.BytesUsed {
		PoolBytesUsed.WithLabelValues(class).Set(float64(bytes))
	}

	if snap.Dirty {
		PoolDirty.Set(1)
	} else {
		PoolDirty.Set(0)
	}

	CurrentVersion.Set(float64(snap.CurrentVersion))
	FinalizedVersion.Set(float64(snap.FinalizedVersion))
	VerifiedVersion.Set(float64(snap.VerifiedVersion))
	HistoryLength.Set(float64(snap.HistoryLength))
}
