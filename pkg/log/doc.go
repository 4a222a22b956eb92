/*
Package log provides structured logging for triedb using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("pool")                    │          │
	│  │  - WithPool("pool-abc123")                  │          │
	│  │  - WithVersion(42)                          │          │
	│  │  - WithChunk("pool-0", "fast", 7)           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "writer",                   │          │
	│  │    "time": "2026-07-30T10:30:00Z",         │          │
	│  │    "message": "commit finalized"             │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  10:30AM INF commit finalized component=writer │      │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init(), with a sane default applied at
    package init so tests and early startup logs never go to a zero
    Logger
  - Accessible from all triedb packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs (pool, ioexec, mpt,
    writer, roview, catalog)
  - WithPool: Add pool_id context
  - WithVersion: Add version context
  - WithChunk: Add pool_id/chunk_class/chunk_id context

# Usage

Initializing the Logger:

	import "github.com/cuemby/triedb/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("pool opened")
	log.Debug("chunk allocated")
	log.Warn("inflight read queue backpressured")
	log.Error("metadata checksum mismatch")
	log.Fatal("cannot open pool: metadata corrupt") // exits process

Component Loggers:

	poolLog := log.WithComponent("pool")
	poolLog.Info().Msg("opened")

	writerLog := log.WithComponent("writer").
		With().Uint64("version", 42).Logger()
	writerLog.Info().Msg("upsert committed")

Context Logger Helpers:

	chunkLog := log.WithChunk("pool-0", "fast", 7)
	chunkLog.Debug().Msg("chunk activated")

	versionLog := log.WithVersion(42)
	versionLog.Info().Msg("finalized")

# Integration Points

This package integrates with:

  - pkg/pool: Logs chunk lifecycle and metadata writes
  - pkg/ioexec: Logs submission/completion ring events
  - pkg/mpt: Logs commit, finalize, and compaction events
  - pkg/writer: Logs request-loop lifecycle
  - pkg/roview: Logs open/verify events
  - cmd/triedbctl: Logs CLI operation results

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err() for stack traces

Don't:
  - Log raw node payload bytes (large, not useful)
  - Use Debug level in production
  - Log inside the hot upsert/find path in tight loops
*/
package log
