package computation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp-forge/streamwork/pkg/stream"
	"github.com/hashicorp-forge/streamwork/pkg/stream/checkpoint"
	"github.com/hashicorp-forge/streamwork/pkg/stream/inmem"
)

// fakeComp is a configurable computation for runtime tests.
type fakeComp struct {
	name      string
	initFn    func(ctx context.Context, cc *Context) error
	processFn func(ctx context.Context, input int, r stream.Record, cc *Context) error

	mu       sync.Mutex
	skips    []error
	destroys int
}

func (f *fakeComp) Name() string { return f.name }

func (f *fakeComp) Init(ctx context.Context, cc *Context) error {
	if f.initFn != nil {
		return f.initFn(ctx, cc)
	}
	return nil
}

func (f *fakeComp) Process(ctx context.Context, input int, r stream.Record, cc *Context) error {
	return f.processFn(ctx, input, r, cc)
}

func (f *fakeComp) Destroy() error {
	f.mu.Lock()
	f.destroys++
	f.mu.Unlock()
	return nil
}

func (f *fakeComp) OnSkip(_ context.Context, _ *Context, _ int, _ stream.Record, cause error) {
	f.mu.Lock()
	f.skips = append(f.skips, cause)
	f.mu.Unlock()
}

// fastPolicy retries immediately so tests stay quick.
func fastPolicy(maxRetries int, continueOnFailure bool) Policy {
	return Policy{
		MaxRetries:        maxRetries,
		BackoffDelay:      time.Millisecond,
		BackoffMaxDelay:   5 * time.Millisecond,
		ContinueOnFailure: continueOnFailure,
	}
}

func singleTopology(t *testing.T, comp *fakeComp, d Descriptor) *Topology {
	t.Helper()
	topo, err := NewBuilder().
		Add(func() Computation { return comp }, d).
		Terminal("out").
		Build()
	require.NoError(t, err)
	return topo
}

func appendAll(t *testing.T, log stream.Log, name string, records ...stream.Record) {
	t.Helper()
	for _, r := range records {
		_, _, err := log.Append(context.Background(), name, r)
		require.NoError(t, err)
	}
}

func stopDeployment(t *testing.T, d *Deployment) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
}

func TestDeploy_ProcessesAndEmits(t *testing.T) {
	log := inmem.New()
	require.NoError(t, log.CreateStream(context.Background(), "in", 1))
	require.NoError(t, log.CreateStream(context.Background(), "out", 1))
	appendAll(t, log, "in",
		stream.NewRecord("a", []byte("one")),
		stream.NewRecord("a", []byte("two")),
	)

	comp := &fakeComp{
		name: "echo",
		processFn: func(_ context.Context, input int, r stream.Record, cc *Context) error {
			assert.Equal(t, 0, input)
			return cc.Emit(0, stream.NewRecord(r.Key, append([]byte("echo:"), r.Data...)))
		},
	}
	topo := singleTopology(t, comp, Descriptor{
		Name:    "echo",
		Inputs:  []Binding{{Index: 0, Stream: "in"}},
		Outputs: []Binding{{Index: 0, Stream: "out"}},
	})

	dep, err := topo.Deploy(context.Background(), Options{
		Log:         log,
		Checkpoints: checkpoint.NewMemoryStore(),
		Policy:      fastPolicy(3, false),
		PollTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer stopDeployment(t, dep)

	tailer, err := log.Tail("out", 0, 0)
	require.NoError(t, err)
	defer tailer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, want := range []string{"echo:one", "echo:two"} {
		r, _, err := tailer.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(r.Data))
	}
}

func TestDeploy_RetryBound_ExhaustionSkips(t *testing.T) {
	log := inmem.New()
	require.NoError(t, log.CreateStream(context.Background(), "in", 1))
	appendAll(t, log, "in", stream.NewRecord("a", []byte("poison")))

	var invocations atomic.Int64
	comp := &fakeComp{
		name: "failing",
		processFn: func(context.Context, int, stream.Record, *Context) error {
			invocations.Add(1)
			return fmt.Errorf("transient failure")
		},
	}
	topo := singleTopology(t, comp, Descriptor{
		Name:   "failing",
		Inputs: []Binding{{Index: 0, Stream: "in"}},
	})

	dep, err := topo.Deploy(context.Background(), Options{
		Log:         log,
		Checkpoints: checkpoint.NewMemoryStore(),
		Policy:      fastPolicy(3, true),
		PollTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer stopDeployment(t, dep)

	require.Eventually(t, func() bool {
		_, skipped := dep.Stats()
		return skipped == 1
	}, 5*time.Second, 10*time.Millisecond)

	// maxRetries = 3 means the handler runs exactly 4 times.
	assert.Equal(t, int64(4), invocations.Load())

	comp.mu.Lock()
	defer comp.mu.Unlock()
	require.Len(t, comp.skips, 1)
	assert.ErrorContains(t, comp.skips[0], "transient failure")
}

func TestDeploy_TransientThenSuccess(t *testing.T) {
	log := inmem.New()
	require.NoError(t, log.CreateStream(context.Background(), "in", 1))
	appendAll(t, log, "in", stream.NewRecord("a", []byte("flaky")))

	var invocations atomic.Int64
	comp := &fakeComp{
		name: "flaky",
		processFn: func(context.Context, int, stream.Record, *Context) error {
			if invocations.Add(1) <= 2 {
				return fmt.Errorf("not yet")
			}
			return nil
		},
	}
	topo := singleTopology(t, comp, Descriptor{
		Name:   "flaky",
		Inputs: []Binding{{Index: 0, Stream: "in"}},
	})

	dep, err := topo.Deploy(context.Background(), Options{
		Log:         log,
		Checkpoints: checkpoint.NewMemoryStore(),
		Policy:      fastPolicy(3, false),
		PollTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer stopDeployment(t, dep)

	require.Eventually(t, func() bool {
		processed, _ := dep.Stats()
		return processed == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Two failures then one success: three invocations, no skip.
	assert.Equal(t, int64(3), invocations.Load())
	_, skipped := dep.Stats()
	assert.Zero(t, skipped)
}

func TestDeploy_SkipError_NoRetry(t *testing.T) {
	log := inmem.New()
	require.NoError(t, log.CreateStream(context.Background(), "in", 1))
	appendAll(t, log, "in", stream.NewRecord("a", []byte("bad")))

	var invocations atomic.Int64
	comp := &fakeComp{
		name: "skipper",
		processFn: func(context.Context, int, stream.Record, *Context) error {
			invocations.Add(1)
			return Skip(fmt.Errorf("permanently invalid"))
		},
	}
	topo := singleTopology(t, comp, Descriptor{
		Name:   "skipper",
		Inputs: []Binding{{Index: 0, Stream: "in"}},
	})

	dep, err := topo.Deploy(context.Background(), Options{
		Log:         log,
		Checkpoints: checkpoint.NewMemoryStore(),
		Policy:      fastPolicy(3, false),
		PollTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer stopDeployment(t, dep)

	require.Eventually(t, func() bool {
		_, skipped := dep.Stats()
		return skipped == 1
	}, 5*time.Second, 10*time.Millisecond)

	// A permanent failure is not retried.
	assert.Equal(t, int64(1), invocations.Load())

	comp.mu.Lock()
	defer comp.mu.Unlock()
	require.Len(t, comp.skips, 1)
	assert.True(t, IsSkip(comp.skips[0]))
}

func TestDeploy_FatalStop_LeavesCheckpointBehind(t *testing.T) {
	log := inmem.New()
	require.NoError(t, log.CreateStream(context.Background(), "in", 1))
	appendAll(t, log, "in", stream.NewRecord("a", []byte("poison")))

	comp := &fakeComp{
		name: "fatal",
		processFn: func(context.Context, int, stream.Record, *Context) error {
			return fmt.Errorf("unrecoverable sink outage")
		},
	}
	topo := singleTopology(t, comp, Descriptor{
		Name:   "fatal",
		Inputs: []Binding{{Index: 0, Stream: "in"}},
	})

	checkpoints := checkpoint.NewMemoryStore()
	dep, err := topo.Deploy(context.Background(), Options{
		Log:         log,
		Checkpoints: checkpoints,
		Policy:      fastPolicy(1, false),
		PollTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	err = dep.Wait()
	require.Error(t, err)
	assert.ErrorContains(t, err, "retries exhausted")

	// The failed record was never checkpointed, so a restart redelivers it.
	off, err := checkpoints.Get(context.Background(), "fatal", "in", 0)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.None, off)
}

func TestDeploy_ResumeFromCheckpoint(t *testing.T) {
	log := inmem.New()
	require.NoError(t, log.CreateStream(context.Background(), "in", 1))
	appendAll(t, log, "in",
		stream.NewRecord("a", []byte("r0")),
		stream.NewRecord("a", []byte("r1")),
		stream.NewRecord("a", []byte("r2")),
	)

	checkpoints := checkpoint.NewMemoryStore()
	opts := Options{
		Log:               log,
		Checkpoints:       checkpoints,
		Policy:            fastPolicy(3, false),
		PollTimeout:       10 * time.Millisecond,
		CheckpointRecords: 1,
	}

	var mu sync.Mutex
	var firstRun []string
	first := &fakeComp{
		name: "consumer",
		processFn: func(_ context.Context, _ int, r stream.Record, _ *Context) error {
			mu.Lock()
			firstRun = append(firstRun, string(r.Data))
			mu.Unlock()
			return nil
		},
	}
	topo := singleTopology(t, first, Descriptor{
		Name:   "consumer",
		Inputs: []Binding{{Index: 0, Stream: "in"}},
	})

	dep, err := topo.Deploy(context.Background(), opts)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		processed, _ := dep.Stats()
		return processed == 3
	}, 5*time.Second, 10*time.Millisecond)
	stopDeployment(t, dep)

	// The final flush leaves the cursor at the last processed offset.
	off, err := checkpoints.Get(context.Background(), "consumer", "in", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), off)

	appendAll(t, log, "in",
		stream.NewRecord("a", []byte("r3")),
		stream.NewRecord("a", []byte("r4")),
	)

	var secondRun []string
	second := &fakeComp{
		name: "consumer",
		processFn: func(_ context.Context, _ int, r stream.Record, _ *Context) error {
			mu.Lock()
			secondRun = append(secondRun, string(r.Data))
			mu.Unlock()
			return nil
		},
	}
	topo2 := singleTopology(t, second, Descriptor{
		Name:   "consumer",
		Inputs: []Binding{{Index: 0, Stream: "in"}},
	})

	dep2, err := topo2.Deploy(context.Background(), opts)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		processed, _ := dep2.Stats()
		return processed == 2
	}, 5*time.Second, 10*time.Millisecond)
	stopDeployment(t, dep2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"r0", "r1", "r2"}, firstRun)
	// The restarted consumer resumes past the checkpoint: no loss, no
	// replay of acknowledged records.
	assert.Equal(t, []string{"r3", "r4"}, secondRun)

	off, err = checkpoints.Get(context.Background(), "consumer", "in", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), off)
}

func TestDeploy_RedeliveryAfterCrash(t *testing.T) {
	log := inmem.New()
	require.NoError(t, log.CreateStream(context.Background(), "in", 1))
	appendAll(t, log, "in",
		stream.NewRecord("a", []byte("r0")),
		stream.NewRecord("a", []byte("r1")),
	)

	checkpoints := checkpoint.NewMemoryStore()
	// Thresholds far away: nothing is checkpointed before the crash.
	opts := Options{
		Log:                log,
		Checkpoints:        checkpoints,
		Policy:             fastPolicy(0, false),
		PollTimeout:        10 * time.Millisecond,
		CheckpointRecords:  1000,
		CheckpointInterval: time.Hour,
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	crashing := &fakeComp{
		name: "crashy",
		processFn: func(_ context.Context, _ int, r stream.Record, _ *Context) error {
			mu.Lock()
			seen[string(r.Data)]++
			mu.Unlock()
			if string(r.Data) == "r1" {
				return fmt.Errorf("simulated crash")
			}
			return nil
		},
	}
	topo := singleTopology(t, crashing, Descriptor{
		Name:   "crashy",
		Inputs: []Binding{{Index: 0, Stream: "in"}},
	})
	dep, err := topo.Deploy(context.Background(), opts)
	require.NoError(t, err)
	require.Error(t, dep.Wait())

	recovered := &fakeComp{
		name: "crashy",
		processFn: func(_ context.Context, _ int, r stream.Record, _ *Context) error {
			mu.Lock()
			seen[string(r.Data)]++
			mu.Unlock()
			return nil
		},
	}
	topo2 := singleTopology(t, recovered, Descriptor{
		Name:   "crashy",
		Inputs: []Binding{{Index: 0, Stream: "in"}},
	})
	dep2, err := topo2.Deploy(context.Background(), opts)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		processed, _ := dep2.Stats()
		return processed == 2
	}, 5*time.Second, 10*time.Millisecond)
	stopDeployment(t, dep2)

	mu.Lock()
	defer mu.Unlock()
	// Nothing was checkpointed before the crash, so both records are
	// redelivered: duplicates allowed, loss forbidden.
	assert.GreaterOrEqual(t, seen["r0"], 2)
	assert.GreaterOrEqual(t, seen["r1"], 2)
}

func TestDeploy_PartitionOrderingPerKey(t *testing.T) {
	log := inmem.New()
	require.NoError(t, log.CreateStream(context.Background(), "in", 4))

	keys := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	const perKey = 20
	for i := 0; i < perKey; i++ {
		for _, k := range keys {
			appendAll(t, log, "in", stream.NewRecord(k, []byte(fmt.Sprintf("%d", i))))
		}
	}

	var mu sync.Mutex
	orders := make(map[string][]string)
	factory := func() Computation {
		return &fakeComp{
			name: "ordered",
			processFn: func(_ context.Context, _ int, r stream.Record, _ *Context) error {
				mu.Lock()
				orders[r.Key] = append(orders[r.Key], string(r.Data))
				mu.Unlock()
				return nil
			},
		}
	}
	topo, err := NewBuilder().
		Add(factory, Descriptor{
			Name:        "ordered",
			Inputs:      []Binding{{Index: 0, Stream: "in"}},
			Concurrency: 4,
		}).
		Build()
	require.NoError(t, err)

	dep, err := topo.Deploy(context.Background(), Options{
		Log:         log,
		Checkpoints: checkpoint.NewMemoryStore(),
		Policy:      fastPolicy(3, false),
		PollTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer stopDeployment(t, dep)

	total := uint64(len(keys) * perKey)
	require.Eventually(t, func() bool {
		processed, _ := dep.Stats()
		return processed == total
	}, 10*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, k := range keys {
		require.Len(t, orders[k], perKey, "key %s", k)
		for i := 0; i < perKey; i++ {
			assert.Equal(t, fmt.Sprintf("%d", i), orders[k][i],
				"records for key %s must be processed in append order", k)
		}
	}
}

func TestDeploy_RequestCheckpointFlushesImmediately(t *testing.T) {
	log := inmem.New()
	require.NoError(t, log.CreateStream(context.Background(), "in", 1))
	appendAll(t, log, "in", stream.NewRecord("a", []byte("r0")))

	comp := &fakeComp{
		name: "eager",
		processFn: func(_ context.Context, _ int, _ stream.Record, cc *Context) error {
			cc.RequestCheckpoint()
			return nil
		},
	}
	topo := singleTopology(t, comp, Descriptor{
		Name:   "eager",
		Inputs: []Binding{{Index: 0, Stream: "in"}},
	})

	checkpoints := checkpoint.NewMemoryStore()
	dep, err := topo.Deploy(context.Background(), Options{
		Log:         log,
		Checkpoints: checkpoints,
		Policy:      fastPolicy(3, false),
		PollTimeout: 10 * time.Millisecond,
		// Thresholds that would otherwise defer the flush.
		CheckpointRecords:  1000,
		CheckpointInterval: time.Hour,
	})
	require.NoError(t, err)
	defer stopDeployment(t, dep)

	require.Eventually(t, func() bool {
		off, err := checkpoints.Get(context.Background(), "eager", "in", 0)
		return err == nil && off == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDeploy_MissingStreamIsFatal(t *testing.T) {
	comp := &fakeComp{
		name:      "consumer",
		processFn: func(context.Context, int, stream.Record, *Context) error { return nil },
	}
	topo := singleTopology(t, comp, Descriptor{
		Name:   "consumer",
		Inputs: []Binding{{Index: 0, Stream: "in"}},
	})

	_, err := topo.Deploy(context.Background(), Options{
		Log:         &uncreatableLog{inner: inmem.New()},
		Checkpoints: checkpoint.NewMemoryStore(),
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "fatal")
}

// uncreatableLog refuses stream creation, modeling a broker without topic
// auto-create permissions.
type uncreatableLog struct {
	inner stream.Log
}

func (l *uncreatableLog) CreateStream(context.Context, string, int) error {
	return fmt.Errorf("auto-create disabled: %w", stream.ErrStreamNotFound)
}

func (l *uncreatableLog) Partitions(ctx context.Context, name string) (int, error) {
	return l.inner.Partitions(ctx, name)
}

func (l *uncreatableLog) Append(ctx context.Context, name string, r stream.Record) (int, int64, error) {
	return l.inner.Append(ctx, name, r)
}

func (l *uncreatableLog) Tail(name string, partition int, from int64) (stream.Tailer, error) {
	return l.inner.Tail(name, partition, from)
}

func (l *uncreatableLog) Close() error { return l.inner.Close() }

// tickerComp counts ticks for Ticker tests.
type tickerComp struct {
	fakeComp
	interval time.Duration
	ticks    atomic.Int64
}

func (c *tickerComp) Tick(context.Context, *Context) error {
	c.ticks.Add(1)
	return nil
}

func (c *tickerComp) TickInterval() time.Duration { return c.interval }

func TestDeploy_TickerRuns(t *testing.T) {
	log := inmem.New()
	require.NoError(t, log.CreateStream(context.Background(), "in", 1))

	comp := &tickerComp{
		fakeComp: fakeComp{
			name:      "ticking",
			processFn: func(context.Context, int, stream.Record, *Context) error { return nil },
		},
		interval: 20 * time.Millisecond,
	}
	topo, err := NewBuilder().
		Add(func() Computation { return comp }, Descriptor{
			Name:   "ticking",
			Inputs: []Binding{{Index: 0, Stream: "in"}},
		}).
		Build()
	require.NoError(t, err)

	dep, err := topo.Deploy(context.Background(), Options{
		Log:         log,
		Checkpoints: checkpoint.NewMemoryStore(),
		Policy:      fastPolicy(3, false),
		PollTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer stopDeployment(t, dep)

	require.Eventually(t, func() bool {
		return comp.ticks.Load() >= 2
	}, 5*time.Second, 10*time.Millisecond)
}
