package computation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/hashicorp-forge/streamwork/pkg/stream"
	"github.com/hashicorp-forge/streamwork/pkg/stream/checkpoint"
)

// Options configures one topology deployment.
type Options struct {
	// Log carries every stream in the topology.
	Log stream.Log

	// Checkpoints persists consumer progress.
	Checkpoints checkpoint.Store

	// Policy is the shared retry/failure policy. Zero value means
	// DefaultPolicy.
	Policy Policy

	// StreamPartitions is the partition count used when a declared stream
	// must be created. Defaults to 1.
	StreamPartitions int

	// PollTimeout bounds each idle partition poll so instances stay fair
	// across partitions. Defaults to 100ms.
	PollTimeout time.Duration

	// CheckpointInterval and CheckpointRecords bound the redelivery
	// window: cursors are flushed when either threshold is reached.
	// Defaults: 1s / 100 records.
	CheckpointInterval time.Duration
	CheckpointRecords  int

	Logger hclog.Logger
}

func (o *Options) withDefaults() error {
	if o.Log == nil {
		return fmt.Errorf("log is required")
	}
	if o.Checkpoints == nil {
		return fmt.Errorf("checkpoint store is required")
	}
	if o.Policy == (Policy{}) {
		o.Policy = DefaultPolicy()
	}
	if o.StreamPartitions <= 0 {
		o.StreamPartitions = 1
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 100 * time.Millisecond
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = time.Second
	}
	if o.CheckpointRecords <= 0 {
		o.CheckpointRecords = 100
	}
	if o.Logger == nil {
		o.Logger = hclog.NewNullLogger()
	}
	return nil
}

// Deploy instantiates one runtime per computation instance, wires the
// declared streams, and starts processing. A missing stream that cannot be
// created aborts the deployment with nothing started.
func (t *Topology) Deploy(ctx context.Context, opts Options) (*Deployment, error) {
	if err := opts.withDefaults(); err != nil {
		return nil, err
	}
	logger := opts.Logger.Named("topology")

	for _, name := range t.Streams() {
		if _, err := opts.Log.Partitions(ctx, name); err == nil {
			continue
		}
		if err := opts.Log.CreateStream(ctx, name, opts.StreamPartitions); err != nil {
			return nil, fmt.Errorf("fatal: stream %q unavailable: %w", name, err)
		}
	}

	d := &Deployment{logger: logger}
	d.procCtx, d.procCancel = context.WithCancel(context.Background())
	runCtx, runCancel := context.WithCancel(context.Background())
	d.runCancel = runCancel

	instances, err := t.buildInstances(ctx, d.procCtx, opts)
	if err != nil {
		for _, in := range instances {
			in.closeTailers()
		}
		d.procCancel()
		runCancel()
		return nil, err
	}
	d.instances = instances

	for _, in := range instances {
		in := in
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := in.run(runCtx, d.procCtx); err != nil {
				logger.Error("computation instance failed", "instance", in.id, "error", err)
				d.recordError(err)
				// Stop-the-world: a fatal instance failure halts the
				// whole deployment.
				runCancel()
			}
		}()
	}

	logger.Info("topology deployed",
		"computations", len(t.nodes),
		"instances", len(instances),
		"streams", t.Streams(),
	)
	return d, nil
}

// buildInstances resolves partitions, checkpoints, and tailers for every
// instance of every computation. Partition p of each input stream goes to
// instance p mod concurrency, so no two instances share a partition.
func (t *Topology) buildInstances(ctx, emitCtx context.Context, opts Options) ([]*instance, error) {
	var instances []*instance
	for _, n := range t.nodes {
		concurrency := n.desc.Concurrency
		if concurrency <= 0 {
			concurrency = 1
		}

		for i := 0; i < concurrency; i++ {
			comp := n.factory()
			if comp.Name() != n.desc.Name {
				return instances, fmt.Errorf("factory for %q built computation named %q", n.desc.Name, comp.Name())
			}

			id := fmt.Sprintf("%s/%02d", n.desc.Name, i)
			in := &instance{
				id:           id,
				comp:         comp,
				policy:       opts.Policy,
				checkpoints:  opts.Checkpoints,
				logger:       opts.Logger.Named(n.desc.Name).With("instance", id),
				pollTimeout:  opts.PollTimeout,
				flushEvery:   opts.CheckpointInterval,
				flushRecords: opts.CheckpointRecords,
			}
			_, in.manualCP = comp.(ManualCheckpointer)

			outputs := make(map[int]string, len(n.desc.Outputs))
			for _, out := range n.desc.Outputs {
				outputs[out.Index] = out.Stream
			}
			in.cc = &Context{
				log:     opts.Log,
				outputs: outputs,
				logger:  in.logger,
				emitCtx: func() context.Context { return emitCtx },
			}

			for _, bind := range n.desc.Inputs {
				parts, err := opts.Log.Partitions(ctx, bind.Stream)
				if err != nil {
					return instances, fmt.Errorf("fatal: input stream %q: %w", bind.Stream, err)
				}
				for p := 0; p < parts; p++ {
					if p%concurrency != i {
						continue
					}
					cp, err := opts.Checkpoints.Get(ctx, n.desc.Name, bind.Stream, p)
					if err != nil {
						return instances, fmt.Errorf("checkpoint for %s %s[%d]: %w", n.desc.Name, bind.Stream, p, err)
					}
					tailer, err := opts.Log.Tail(bind.Stream, p, cp+1)
					if err != nil {
						return instances, fmt.Errorf("tail %s[%d]: %w", bind.Stream, p, err)
					}
					in.inputs = append(in.inputs, &inputCursor{
						input:     bind.Index,
						stream:    bind.Stream,
						partition: p,
						tailer:    tailer,
						processed: cp,
					})
				}
			}
			instances = append(instances, in)
		}
	}
	return instances, nil
}

func (in *instance) closeTailers() {
	for _, cur := range in.inputs {
		cur.tailer.Close()
	}
}

// Deployment is a running topology.
type Deployment struct {
	instances []*instance
	logger    hclog.Logger

	procCtx    context.Context
	procCancel context.CancelFunc
	runCancel  context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once

	errMu sync.Mutex
	err   *multierror.Error
}

func (d *Deployment) recordError(err error) {
	d.errMu.Lock()
	d.err = multierror.Append(d.err, err)
	d.errMu.Unlock()
}

// Stop signals every instance to finish its in-flight record, flush a final
// checkpoint, and exit. The context bounds the drain; when it expires the
// in-flight work is cancelled hard.
func (d *Deployment) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.runCancel()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			d.logger.Warn("drain deadline reached, cancelling in-flight work")
			d.procCancel()
			<-done
		}
		d.procCancel()

		for _, in := range d.instances {
			in.closeTailers()
		}
	})
	return d.Err()
}

// Wait blocks until every instance has exited and returns the accumulated
// fatal errors, if any.
func (d *Deployment) Wait() error {
	d.wg.Wait()
	return d.Err()
}

// Err returns fatal processing errors recorded so far.
func (d *Deployment) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.err.ErrorOrNil()
}

// Stats sums processed and skipped record counts across all instances.
func (d *Deployment) Stats() (processed, skipped uint64) {
	for _, in := range d.instances {
		p, s := in.stats()
		processed += p
		skipped += s
	}
	return processed, skipped
}
