package stream

import (
	"context"
	"errors"
	"fmt"
)

// ErrStreamNotFound is returned when a declared stream does not exist and
// cannot be created. Deployments treat it as fatal.
var ErrStreamNotFound = errors.New("stream not found")

// ErrTailerClosed is returned from Read after Close.
var ErrTailerClosed = errors.New("tailer closed")

// Log is an append-only, partitioned, durable sequence of records per named
// stream. Ordering is guaranteed within a partition only. Consumer progress
// is tracked outside the log, in a checkpoint.Store.
type Log interface {
	// CreateStream creates a stream with a fixed partition count. Creating
	// an existing stream with the same partition count is a no-op.
	CreateStream(ctx context.Context, name string, partitions int) error

	// Partitions returns the partition count of a stream, or
	// ErrStreamNotFound.
	Partitions(ctx context.Context, name string) (int, error)

	// Append appends a record to the partition selected by its key and
	// returns the assigned (partition, offset). May block when the log
	// enforces backpressure.
	Append(ctx context.Context, name string, r Record) (int, int64, error)

	// Tail opens a cursor over one partition starting at offset from
	// (inclusive). Offsets start at 0; from == 0 reads from the beginning.
	Tail(name string, partition int, from int64) (Tailer, error)

	Close() error
}

// Tailer is a lazy, restartable, ordered cursor over one partition. Read
// blocks (cooperatively polls) until a record is available or the context
// is done.
type Tailer interface {
	Read(ctx context.Context) (Record, int64, error)
	Close() error
}

// EnsureStreams creates every named stream, failing fast on the first one
// that cannot exist. Used during topology deployment.
func EnsureStreams(ctx context.Context, log Log, partitions int, names ...string) error {
	for _, name := range names {
		if err := log.CreateStream(ctx, name, partitions); err != nil {
			return fmt.Errorf("stream %q: %w", name, err)
		}
	}
	return nil
}
