package index

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp-forge/streamwork/pkg/bulk"
	"github.com/hashicorp-forge/streamwork/pkg/computation"
	"github.com/hashicorp-forge/streamwork/pkg/search"
	"github.com/hashicorp-forge/streamwork/pkg/stream"
)

// BatchThresholds bound a batch by three independent limits; a flush
// happens when whichever is hit first.
type BatchThresholds struct {
	// MaxBytes is the byte budget per batch (default 5 MiB).
	MaxBytes int
	// MaxActions is the request count per batch (default 1000).
	MaxActions int
	// FlushInterval is the longest a non-empty batch waits (default 10s).
	FlushInterval time.Duration
}

// DefaultBatchThresholds returns the stock ES-style bulk limits.
func DefaultBatchThresholds() BatchThresholds {
	return BatchThresholds{
		MaxBytes:      5 * 1024 * 1024,
		MaxActions:    1000,
		FlushInterval: 10 * time.Second,
	}
}

func (t *BatchThresholds) withDefaults() {
	d := DefaultBatchThresholds()
	if t.MaxBytes <= 0 {
		t.MaxBytes = d.MaxBytes
	}
	if t.MaxActions <= 0 {
		t.MaxActions = d.MaxActions
	}
	if t.FlushInterval <= 0 {
		t.FlushInterval = d.FlushInterval
	}
}

// pending is one buffered request with its originating command.
type pending struct {
	commandID string
	req       search.Request
}

// BatchWriter is stage 2: it accumulates index-write requests into bounded
// batches and flushes them to the search index. Checkpointing is manual:
// cursors only advance after the buffered records are safely in the index,
// so a crash replays the buffer instead of losing it.
type BatchWriter struct {
	client     search.Client
	writeIndex string
	thresholds BatchThresholds
	codec      stream.Codec

	batch      []pending
	batchBytes int
}

// NewBatchWriter creates stage 2.
func NewBatchWriter(client search.Client, writeIndex string, thresholds BatchThresholds) (*BatchWriter, error) {
	if client == nil {
		return nil, fmt.Errorf("search client is required")
	}
	if writeIndex == "" {
		return nil, fmt.Errorf("write index name is required")
	}
	thresholds.withDefaults()
	return &BatchWriter{
		client:     client,
		writeIndex: writeIndex,
		thresholds: thresholds,
		codec:      stream.JSONCodec{},
	}, nil
}

// Descriptor returns stage 2's topology descriptor.
func (w *BatchWriter) Descriptor(concurrency int) computation.Descriptor {
	return computation.Descriptor{
		Name:        w.Name(),
		Inputs:      []computation.Binding{{Index: 0, Stream: RequestStream}},
		Outputs:     []computation.Binding{{Index: 0, Stream: bulk.StatusStream}},
		Concurrency: concurrency,
	}
}

func (w *BatchWriter) Name() string { return "index/batchWriter" }

// ManualCheckpoint marks the writer as owning its checkpoint cadence.
func (w *BatchWriter) ManualCheckpoint() {}

func (w *BatchWriter) Init(context.Context, *computation.Context) error { return nil }

func (w *BatchWriter) Destroy() error { return nil }

// Process buffers one request and flushes once the batch crosses a
// threshold. The incoming record is buffered before any flush, so every
// checkpoint a flush requests covers it; the cursor can never advance past
// a record that only exists in memory. A batch may overshoot MaxBytes by
// one request.
func (w *BatchWriter) Process(ctx context.Context, _ int, r stream.Record, cc *computation.Context) error {
	var req Request
	if err := w.codec.Decode(r.Data, &req); err != nil {
		return computation.Skip(fmt.Errorf("malformed index request: %w", err))
	}
	sr := search.Request{ID: req.DocID, Source: req.Source}

	// A record re-attempted after a failed flush is already at the tail of
	// the batch; do not buffer it twice.
	if n := len(w.batch); n == 0 || w.batch[n-1].req.ID != sr.ID || w.batch[n-1].commandID != req.CommandID {
		w.batch = append(w.batch, pending{commandID: req.CommandID, req: sr})
		w.batchBytes += sr.Size()
	}

	if len(w.batch) >= w.thresholds.MaxActions || w.batchBytes >= w.thresholds.MaxBytes {
		return w.flush(ctx, cc)
	}
	return nil
}

// Tick flushes a batch that has aged past the time threshold.
func (w *BatchWriter) Tick(ctx context.Context, cc *computation.Context) error {
	if len(w.batch) == 0 {
		return nil
	}
	return w.flush(ctx, cc)
}

// TickInterval implements computation.Ticker.
func (w *BatchWriter) TickInterval() time.Duration {
	return w.thresholds.FlushInterval
}

// OnSkip accounts a request the runtime terminally skipped.
func (w *BatchWriter) OnSkip(ctx context.Context, cc *computation.Context, _ int, r stream.Record, _ error) {
	var req Request
	if err := w.codec.Decode(r.Data, &req); err != nil || req.CommandID == "" {
		return
	}
	if err := w.emitDelta(cc, req.CommandID, 0, 1); err != nil {
		cc.Logger().Error("failed to account skipped request", "command", req.CommandID, "error", err)
	}
}

// flush writes the batch, emits one status delta per command, and requests
// a checkpoint. A transient sink failure keeps the batch intact for the
// retry; per-item failures only cost their own item.
func (w *BatchWriter) flush(ctx context.Context, cc *computation.Context) error {
	reqs := make([]search.Request, len(w.batch))
	for i, p := range w.batch {
		reqs[i] = p.req
	}

	res, err := w.client.BulkIndex(ctx, w.writeIndex, reqs)
	if err != nil {
		return fmt.Errorf("bulk index %d requests: %w", len(reqs), err)
	}

	failed := make(map[string]error, len(res.Errors))
	for _, ie := range res.Errors {
		failed[ie.ID] = ie.Err
	}

	processed := make(map[string]int64)
	skipped := make(map[string]int64)
	for _, p := range w.batch {
		if ierr, ok := failed[p.req.ID]; ok {
			skipped[p.commandID]++
			cc.Logger().Warn("index request failed within batch",
				"doc", p.req.ID, "command", p.commandID, "error", ierr)
			continue
		}
		processed[p.commandID]++
	}

	for commandID, n := range processed {
		if err := w.emitDelta(cc, commandID, n, skipped[commandID]); err != nil {
			return err
		}
		delete(skipped, commandID)
	}
	for commandID, n := range skipped {
		if err := w.emitDelta(cc, commandID, 0, n); err != nil {
			return err
		}
	}

	cc.Logger().Debug("flushed index batch",
		"requests", len(reqs),
		"bytes", w.batchBytes,
		"errors", len(res.Errors),
	)
	w.batch = w.batch[:0]
	w.batchBytes = 0
	cc.RequestCheckpoint()
	return nil
}

func (w *BatchWriter) emitDelta(cc *computation.Context, commandID string, processed, skipped int64) error {
	data, err := w.codec.Encode(bulk.Delta{
		CommandID: commandID,
		Processed: processed,
		Skipped:   skipped,
		At:        time.Now(),
	})
	if err != nil {
		return fmt.Errorf("encode status delta: %w", err)
	}
	return cc.Emit(0, stream.NewRecord(commandID, data))
}
