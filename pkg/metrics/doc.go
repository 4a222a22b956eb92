/*
Package metrics provides Prometheus metrics collection and exposition for triedb.

The metrics package defines and registers all triedb metrics using the
Prometheus client library, providing observability into pool chunk
utilization, async I/O executor backpressure, commit/find latency, and
version/history state. Metrics are exposed via an HTTP endpoint for
scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Pool: chunks by class/list, bytes used,    │          │
	│  │        metadata dirty flag                  │          │
	│  │  Executor: inflight/pending reads, writes,  │          │
	│  │            completion counts, op latency    │          │
	│  │  Commit: upsert/find duration and counts,   │          │
	│  │          current/finalized/verified version,│          │
	│  │          history length                     │          │
	│  │  Compaction: cycle duration, count, bytes   │          │
	│  │              reclaimed                      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Registered Metrics:
  - ChunksTotal, PoolBytesUsed, PoolDirty
  - InflightReads, PendingReads, InflightWrites, CompletionsTotal, IOOpDuration
  - UpsertDuration, FindDuration, UpsertsTotal, FindsTotal
  - CurrentVersion, FinalizedVersion, VerifiedVersion, HistoryLength
  - CompactionDuration, CompactionCyclesTotal, CompactionBytesReclaimed

Collector:
  - Samples a Source (any type exposing Snapshot()) every 15s and updates
    the gauges above. Decouples pkg/metrics from pkg/pool/pkg/mpt so
    neither package needs to import the other.

Timer:
  - NewTimer/Duration/ObserveDuration/ObserveDurationVec helpers for timing
    an operation and recording it to a histogram.

Health:
  - HealthChecker tracks per-component health (pool, ioexec, writer) and
    exposes /health, /ready, /live HTTP handlers.

# Usage

	metrics.RegisterComponent("pool", true, "")
	timer := metrics.NewTimer()
	// ... perform upsert ...
	timer.ObserveDuration(metrics.UpsertDuration)
	metrics.UpsertsTotal.Inc()

	http.Handle("/metrics", metrics.Handler())
	http.HandleFunc("/health", metrics.HealthHandler())
	http.HandleFunc("/ready", metrics.ReadyHandler())

# Integration Points

This package integrates with:

  - pkg/pool: chunk counts, bytes used, dirty flag
  - pkg/ioexec: inflight/pending counters, op latency
  - pkg/mpt: upsert/find latency, version gauges
  - pkg/mpt (Compact): compaction cycle metrics
  - cmd/triedbctl: liveness/readiness during CLI-driven operations
*/
package metrics
