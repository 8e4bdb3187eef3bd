// Package inmem provides an in-process Log implementation. It backs unit
// tests and single-node deployments; durability is process-lifetime only,
// but the contract (partition ordering, blocking tails, backpressure) is
// identical to the Kafka-backed log.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp-forge/streamwork/pkg/stream"
)

// Log is an in-memory partitioned log. Safe for concurrent use.
type Log struct {
	mu       sync.Mutex
	streams  map[string]*memStream
	capacity int
}

// Option configures a Log.
type Option func(*Log)

// WithCapacity bounds each partition's in-flight window: Append blocks once
// the slowest open tailer falls capacity records behind. Zero means
// unbounded.
func WithCapacity(n int) Option {
	return func(l *Log) { l.capacity = n }
}

// New creates an empty in-memory log.
func New(opts ...Option) *Log {
	l := &Log{streams: make(map[string]*memStream)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type memStream struct {
	partitions []*memPartition
}

type memPartition struct {
	mu      sync.Mutex
	records []stream.Record
	tailers map[*Tailer]struct{}

	// appendCh is closed and replaced on every append; readCh likewise on
	// every tailer advance. Waiters select on the snapshot they took under
	// the lock.
	appendCh chan struct{}
	readCh   chan struct{}
}

func newPartition() *memPartition {
	return &memPartition{
		tailers:  make(map[*Tailer]struct{}),
		appendCh: make(chan struct{}),
		readCh:   make(chan struct{}),
	}
}

// CreateStream creates a stream with a fixed partition count. Idempotent for
// matching partition counts.
func (l *Log) CreateStream(_ context.Context, name string, partitions int) error {
	if partitions <= 0 {
		return fmt.Errorf("stream %q: partition count must be positive", name)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.streams[name]; ok {
		if len(existing.partitions) != partitions {
			return fmt.Errorf("stream %q already exists with %d partitions", name, len(existing.partitions))
		}
		return nil
	}

	s := &memStream{partitions: make([]*memPartition, partitions)}
	for i := range s.partitions {
		s.partitions[i] = newPartition()
	}
	l.streams[name] = s
	return nil
}

// Partitions returns the partition count of a stream.
func (l *Log) Partitions(_ context.Context, name string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[name]
	if !ok {
		return 0, stream.ErrStreamNotFound
	}
	return len(s.partitions), nil
}

func (l *Log) partition(name string, partition int) (*memPartition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[name]
	if !ok {
		return nil, stream.ErrStreamNotFound
	}
	if partition < 0 || partition >= len(s.partitions) {
		return nil, fmt.Errorf("stream %q: partition %d out of range [0,%d)", name, partition, len(s.partitions))
	}
	return s.partitions[partition], nil
}

// Append appends a record to the partition selected by its key. Blocks when
// the capacity bound is reached and an open tailer is lagging.
func (l *Log) Append(ctx context.Context, name string, r stream.Record) (int, int64, error) {
	l.mu.Lock()
	s, ok := l.streams[name]
	l.mu.Unlock()
	if !ok {
		return 0, 0, stream.ErrStreamNotFound
	}

	idx := stream.Partition(r.Key, len(s.partitions))
	p := s.partitions[idx]

	for {
		p.mu.Lock()
		if l.capacity <= 0 || !p.lagging(l.capacity) {
			offset := int64(len(p.records))
			p.records = append(p.records, r)
			close(p.appendCh)
			p.appendCh = make(chan struct{})
			p.mu.Unlock()
			return idx, offset, nil
		}
		readCh := p.readCh
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		case <-readCh:
		}
	}
}

// lagging reports whether the slowest open tailer is capacity or more
// records behind the head. Caller holds p.mu.
func (p *memPartition) lagging(capacity int) bool {
	if len(p.tailers) == 0 {
		return false
	}
	min := int64(len(p.records))
	for t := range p.tailers {
		if t.next < min {
			min = t.next
		}
	}
	return int64(len(p.records))-min >= int64(capacity)
}

// Tail opens a cursor over one partition starting at offset from.
func (l *Log) Tail(name string, partition int, from int64) (stream.Tailer, error) {
	p, err := l.partition(name, partition)
	if err != nil {
		return nil, err
	}
	if from < 0 {
		from = 0
	}
	t := &Tailer{p: p, next: from, closed: make(chan struct{})}
	p.mu.Lock()
	p.tailers[t] = struct{}{}
	p.mu.Unlock()
	return t, nil
}

func (l *Log) Close() error { return nil }

// Tailer reads one partition in append order, blocking when caught up.
type Tailer struct {
	p      *memPartition
	next   int64
	closed chan struct{}
	once   sync.Once
}

// Read returns the next record and its offset, blocking until one is
// available, the context is done, or the tailer is closed.
func (t *Tailer) Read(ctx context.Context) (stream.Record, int64, error) {
	for {
		select {
		case <-t.closed:
			return stream.Record{}, 0, stream.ErrTailerClosed
		default:
		}

		t.p.mu.Lock()
		if t.next < int64(len(t.p.records)) {
			r := t.p.records[t.next]
			offset := t.next
			t.next++
			close(t.p.readCh)
			t.p.readCh = make(chan struct{})
			t.p.mu.Unlock()
			return r, offset, nil
		}
		appendCh := t.p.appendCh
		t.p.mu.Unlock()

		select {
		case <-ctx.Done():
			return stream.Record{}, 0, ctx.Err()
		case <-t.closed:
			return stream.Record{}, 0, stream.ErrTailerClosed
		case <-appendCh:
		}
	}
}

// Close releases the tailer and unblocks any pending Read.
func (t *Tailer) Close() error {
	t.once.Do(func() {
		close(t.closed)
		t.p.mu.Lock()
		delete(t.p.tailers, t)
		close(t.p.readCh)
		t.p.readCh = make(chan struct{})
		t.p.mu.Unlock()
	})
	return nil
}
