// Package computation implements the stream-computation engine: stateful
// processing stages bound to partitioned input and output streams, an
// immutable topology graph connecting them, and a per-partition runtime
// with checkpointing and a retry/failure policy.
package computation

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/streamwork/pkg/stream"
)

// Computation is a single named processing stage. One instance owns a
// disjoint subset of its input partitions and processes them sequentially;
// parallelism comes from running more instances, never from sharing one
// instance across goroutines.
type Computation interface {
	// Name identifies the computation; checkpoints are keyed by it.
	Name() string

	// Init is called once before the first record, with the runtime
	// context available for logging and emission. Used to resolve
	// external collaborator state.
	Init(ctx context.Context, cc *Context) error

	// Process handles one record from input stream index input. A plain
	// error is treated as transient and retried per policy; wrap with
	// Skip for permanent, non-retryable failures.
	Process(ctx context.Context, input int, r stream.Record, cc *Context) error

	// Destroy releases resources after the last record.
	Destroy() error
}

// Ticker is implemented by computations that need periodic work independent
// of record arrival (e.g. time-threshold batch flushes). Tick is invoked
// from the instance's own goroutine, never concurrently with Process.
type Ticker interface {
	Tick(ctx context.Context, cc *Context) error
	TickInterval() time.Duration
}

// ManualCheckpointer is implemented by computations that buffer records
// across Process calls (batch writers). It disables the runtime's
// time/record-count checkpoint thresholds; cursors advance only on
// RequestCheckpoint, which the computation calls after its buffer is safely
// flushed downstream. This keeps at-least-once delivery intact across a
// crash that loses the in-memory buffer.
type ManualCheckpointer interface {
	ManualCheckpoint()
}

// SkipObserver is implemented by computations that account for terminally
// skipped records (retry exhaustion with continue-on-failure, or a
// SkipError). OnSkip runs on the instance goroutine before the record is
// checkpointed.
type SkipObserver interface {
	OnSkip(ctx context.Context, cc *Context, input int, r stream.Record, cause error)
}

// Binding names one input or output slot of a computation: records arrive
// tagged with the slot index, and Emit addresses outputs by index. Wiring
// between computations is expressed purely through shared stream names.
type Binding struct {
	Index  int
	Stream string
}

// Descriptor declares a computation's shape within a topology.
type Descriptor struct {
	Name    string
	Inputs  []Binding
	Outputs []Binding

	// Concurrency is the number of instances to run; input partitions are
	// spread across them. Defaults to 1.
	Concurrency int
}

// Factory builds a fresh computation instance. Called once per deployed
// instance so instances never share state.
type Factory func() Computation

// Context is the per-instance handle a computation uses to emit downstream
// records and to request checkpoint flushes.
type Context struct {
	log     stream.Log
	outputs map[int]string
	logger  hclog.Logger
	emitCtx func() context.Context
	cpAsked bool
}

// Emit appends a record to the output stream bound at index output. Blocks
// under downstream backpressure.
func (c *Context) Emit(output int, r stream.Record) error {
	name, ok := c.outputs[output]
	if !ok {
		return fmt.Errorf("no output stream bound at index %d", output)
	}
	if _, _, err := c.log.Append(c.emitCtx(), name, r); err != nil {
		return fmt.Errorf("emit to %q: %w", name, err)
	}
	return nil
}

// RequestCheckpoint asks the runtime to flush the instance's cursors to the
// checkpoint store once the current record completes.
func (c *Context) RequestCheckpoint() {
	c.cpAsked = true
}

// Logger returns the instance-scoped logger.
func (c *Context) Logger() hclog.Logger {
	return c.logger
}
