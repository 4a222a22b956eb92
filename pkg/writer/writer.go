// Package writer owns the single goroutine allowed to mutate a pool: every
// Upsert, Find, and background compaction cycle passes through it, so two
// callers can never race on the same UpdateAux.
package writer

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/triedb/pkg/ioexec"
	"github.com/cuemby/triedb/pkg/log"
	"github.com/cuemby/triedb/pkg/mpt"
)

// FindResult is the future value delivered by SubmitFind.
type FindResult struct {
	Cursor *mpt.NodeCursor
	Err    error
}

// Config holds writer lifecycle configuration.
type Config struct {
	// RequestQueueDepth bounds the number of pending requests; submitters
	// block once it fills, the Go-channel substitute for the spec's
	// bounded lock-free queue.
	RequestQueueDepth int
	// CompactionInterval schedules a background Compact call; zero
	// disables it.
	CompactionInterval time.Duration
	// CompactionBudget is passed to every background Compact call.
	CompactionBudget int
}

type upsertRequest struct {
	updates []*mpt.Update
	version mpt.Version
	opts    mpt.UpsertOptions
	result  chan error
}

type findRequest struct {
	root    mpt.ChunkOffset
	key     mpt.Nibbles
	version mpt.Version
	result  chan FindResult
}

// Writer serializes all mutation and lookup traffic for one UpdateAux
// through a single goroutine.
type Writer struct {
	aux  *mpt.UpdateAux
	exec *ioexec.Executor
	cfg  Config

	upserts chan upsertRequest
	finds   chan findRequest
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopOnce sync.Once
}

// New constructs a Writer over aux/exec. Call Start to begin servicing
// requests.
func New(aux *mpt.UpdateAux, exec *ioexec.Executor, cfg Config) *Writer {
	if cfg.RequestQueueDepth <= 0 {
		cfg.RequestQueueDepth = 64
	}
	return &Writer{
		aux:     aux,
		exec:    exec,
		cfg:     cfg,
		upserts: make(chan upsertRequest, cfg.RequestQueueDepth),
		finds:   make(chan findRequest, cfg.RequestQueueDepth),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the writer's single servicing goroutine.
func (w *Writer) Start() {
	go w.run()
}

// Stop signals the writer goroutine to drain pending requests and exit,
// blocking until it has.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

// SubmitUpsert enqueues an upsert and returns a future for its result.
func (w *Writer) SubmitUpsert(updates []*mpt.Update, version mpt.Version, opts mpt.UpsertOptions) <-chan error {
	result := make(chan error, 1)
	select {
	case <-w.stopCh:
		result <- fmt.Errorf("writer: stopped")
		return result
	default:
	}
	req := upsertRequest{updates: updates, version: version, opts: opts, result: result}
	select {
	case w.upserts <- req:
	case <-w.stopCh:
		result <- fmt.Errorf("writer: stopped")
	}
	return result
}

// SubmitFind enqueues a lookup and returns a future for its result.
func (w *Writer) SubmitFind(root mpt.ChunkOffset, key mpt.Nibbles, version mpt.Version) <-chan FindResult {
	result := make(chan FindResult, 1)
	select {
	case <-w.stopCh:
		result <- FindResult{Err: fmt.Errorf("writer: stopped")}
		return result
	default:
	}
	req := findRequest{root: root, key: key, version: version, result: result}
	select {
	case w.finds <- req:
	case <-w.stopCh:
		result <- FindResult{Err: fmt.Errorf("writer: stopped")}
	}
	return result
}

func (w *Writer) run() {
	defer close(w.doneCh)

	logger := log.WithComponent("writer")

	var ticker *time.Ticker
	var tickerC <-chan time.Time
	if w.cfg.CompactionInterval > 0 {
		ticker = time.NewTicker(w.cfg.CompactionInterval)
		defer ticker.Stop()
		tickerC = ticker.C
	}

	for {
		select {
		case req := <-w.upserts:
			req.result <- w.aux.Upsert(req.updates, req.version, req.opts)

		case req := <-w.finds:
			cursor, err := w.aux.Find(req.root, req.key, req.version)
			req.result <- FindResult{Cursor: cursor, Err: err}

		case <-tickerC:
			report, err := w.aux.Compact(w.cfg.CompactionBudget)
			if err != nil {
				logger.Error().Err(err).Msg("background compaction failed")
			} else {
				logger.Info().Int("released", report.ChunksReleased).Msg("background compaction cycle")
			}

		case <-w.stopCh:
			w.drain()
			return
		}
	}
}

// drain fails every request already queued rather than silently dropping
// it.
func (w *Writer) drain() {
	for {
		select {
		case req := <-w.upserts:
			req.result <- fmt.Errorf("writer: stopped")
		case req := <-w.finds:
			req.result <- FindResult{Err: fmt.Errorf("writer: stopped")}
		default:
			return
		}
	}
}
