package computation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/streamwork/pkg/stream"
	"github.com/hashicorp-forge/streamwork/pkg/stream/checkpoint"
)

// inputCursor tracks one assigned (stream, partition) and its in-memory
// read position.
type inputCursor struct {
	input     int
	stream    string
	partition int
	tailer    stream.Tailer
	// last processed offset, checkpoint.None until the first record
	processed int64
	dirty     bool
}

// instance is one sequential worker of a computation: a disjoint set of
// input partitions consumed round-robin, a private cursor per partition,
// and the shared deployment policy.
type instance struct {
	id     string
	comp   Computation
	inputs []*inputCursor
	cc     *Context

	policy      Policy
	checkpoints checkpoint.Store
	logger      hclog.Logger

	pollTimeout  time.Duration
	flushEvery   time.Duration
	flushRecords int
	manualCP     bool

	sinceFlush int
	lastFlush  time.Time

	processed atomic.Uint64
	skipped   atomic.Uint64
}

// run consumes assigned partitions until runCtx is cancelled (cooperative
// stop) or a fatal failure occurs. procCtx outlives runCtx so the in-flight
// record and the final checkpoint flush can complete during drain.
func (in *instance) run(runCtx, procCtx context.Context) error {
	if err := in.comp.Init(procCtx, in.cc); err != nil {
		return fmt.Errorf("%s: init failed: %w", in.id, err)
	}
	defer func() {
		if err := in.comp.Destroy(); err != nil {
			in.logger.Warn("destroy failed", "error", err)
		}
	}()

	ticker, hasTicker := in.comp.(Ticker)
	lastTick := time.Now()
	in.lastFlush = time.Now()

	for {
		select {
		case <-runCtx.Done():
			// Drain: give batching computations a final tick to flush
			// their buffers, then write the final checkpoint.
			if hasTicker {
				if err := in.runTick(procCtx, ticker); err != nil {
					in.logger.Error("final tick failed", "error", err)
				}
			}
			if in.manualCP && !in.cc.cpAsked {
				return nil
			}
			in.cc.cpAsked = false
			if err := in.flush(procCtx); err != nil {
				in.logger.Error("final checkpoint flush failed", "error", err)
			}
			return nil
		default:
		}

		for _, cur := range in.inputs {
			pollCtx, cancel := context.WithTimeout(runCtx, in.pollTimeout)
			r, offset, err := cur.tailer.Read(pollCtx)
			cancel()
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					continue // partition idle, stay fair
				}
				if errors.Is(err, context.Canceled) || errors.Is(err, stream.ErrTailerClosed) {
					continue // shutdown observed at top of loop
				}
				return fmt.Errorf("%s: read %s[%d]: %w", in.id, cur.stream, cur.partition, err)
			}
			if err := in.handle(procCtx, cur, r, offset); err != nil {
				return err
			}
		}

		if hasTicker && time.Since(lastTick) >= ticker.TickInterval() {
			if err := in.runTick(procCtx, ticker); err != nil {
				return err
			}
			lastTick = time.Now()
		}

		if err := in.maybeFlush(procCtx); err != nil {
			in.logger.Error("checkpoint flush failed", "error", err)
		}
	}
}

// handle processes one record through the retry policy and advances the
// cursor. A fatal error (retries exhausted, stop-on-failure) is returned
// without advancing, so the record is redelivered after restart.
func (in *instance) handle(ctx context.Context, cur *inputCursor, r stream.Record, offset int64) error {
	err := in.attempt(ctx, func() error {
		return in.comp.Process(ctx, cur.input, r, in.cc)
	})

	switch {
	case err == nil:
		in.processed.Add(1)

	case IsSkip(err):
		in.logger.Warn("record skipped",
			"stream", cur.stream,
			"partition", cur.partition,
			"offset", offset,
			"key", r.Key,
			"error", err,
		)
		in.notifySkip(ctx, cur.input, r, err)
		in.skipped.Add(1)

	default:
		if !in.policy.ContinueOnFailure {
			return fmt.Errorf("%s: retries exhausted on %s[%d]@%d: %w",
				in.id, cur.stream, cur.partition, offset, err)
		}
		in.logger.Error("retries exhausted, continuing past record",
			"stream", cur.stream,
			"partition", cur.partition,
			"offset", offset,
			"key", r.Key,
			"error", err,
		)
		in.notifySkip(ctx, cur.input, r, err)
		in.skipped.Add(1)
	}

	cur.processed = offset
	cur.dirty = true
	in.sinceFlush++

	if in.cc.cpAsked {
		in.cc.cpAsked = false
		return nilOrLog(in.logger, in.flush(ctx))
	}
	return nilOrLog(in.logger, in.maybeFlush(ctx))
}

// attempt invokes op up to MaxRetries+1 times with bounded exponential
// backoff. SkipErrors short-circuit retrying.
func (in *instance) attempt(ctx context.Context, op func() error) error {
	b := backoff.WithContext(in.policy.newBackOff(), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsSkip(err) {
			return backoff.Permanent(err)
		}
		in.logger.Warn("record processing failed, backing off", "error", err)
		return err
	}, b)
}

// runTick drives a Ticker computation through the same retry policy as
// records. A skipped tick is logged only; there is no record to account.
func (in *instance) runTick(ctx context.Context, t Ticker) error {
	err := in.attempt(ctx, func() error {
		return t.Tick(ctx, in.cc)
	})
	if err == nil {
		if in.cc.cpAsked {
			in.cc.cpAsked = false
			return nilOrLog(in.logger, in.flush(ctx))
		}
		return nil
	}
	if IsSkip(err) || in.policy.ContinueOnFailure {
		in.logger.Error("tick failed, continuing", "error", err)
		return nil
	}
	return fmt.Errorf("%s: tick retries exhausted: %w", in.id, err)
}

func (in *instance) notifySkip(ctx context.Context, input int, r stream.Record, cause error) {
	if obs, ok := in.comp.(SkipObserver); ok {
		obs.OnSkip(ctx, in.cc, input, r, cause)
	}
}

// maybeFlush flushes when the record-count or time threshold is reached,
// whichever comes first. This bounds the redelivery window on crash.
func (in *instance) maybeFlush(ctx context.Context) error {
	if in.sinceFlush == 0 || in.manualCP {
		return nil
	}
	if in.sinceFlush < in.flushRecords && time.Since(in.lastFlush) < in.flushEvery {
		return nil
	}
	return in.flush(ctx)
}

// flush advances the durable checkpoint for every dirty cursor.
func (in *instance) flush(ctx context.Context) error {
	for _, cur := range in.inputs {
		if !cur.dirty {
			continue
		}
		if err := in.checkpoints.Advance(ctx, in.comp.Name(), cur.stream, cur.partition, cur.processed); err != nil {
			return fmt.Errorf("%s: checkpoint %s[%d]: %w", in.id, cur.stream, cur.partition, err)
		}
		cur.dirty = false
	}
	in.sinceFlush = 0
	in.lastFlush = time.Now()
	return nil
}

// Stats reports records processed successfully and records terminally
// skipped by this instance.
func (in *instance) stats() (processed, skipped uint64) {
	return in.processed.Load(), in.skipped.Load()
}

func nilOrLog(logger hclog.Logger, err error) error {
	if err != nil {
		logger.Error("checkpoint flush failed", "error", err)
	}
	return nil
}
