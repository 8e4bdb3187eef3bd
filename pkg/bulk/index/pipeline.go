package index

import (
	"fmt"

	"github.com/hashicorp-forge/streamwork/pkg/bulk"
	"github.com/hashicorp-forge/streamwork/pkg/computation"
	"github.com/hashicorp-forge/streamwork/pkg/repository"
	"github.com/hashicorp-forge/streamwork/pkg/search"
)

// PipelineConfig assembles the full index pipeline: scroller, the three
// index stages, and the status tracker.
type PipelineConfig struct {
	Registry *repository.Registry
	Store    *bulk.Store
	Client   search.Client

	// WriteIndex is the physical index batches are written to.
	WriteIndex string
	// SearchAlias, when set, is the alias swapped onto WriteIndex for
	// commands carrying the updateAlias parameter.
	SearchAlias string

	Thresholds BatchThresholds

	// ScrollBatchSize is how many ids each scroll page requests.
	ScrollBatchSize int

	// Concurrency is applied to every computation in the pipeline
	// (default 1).
	Concurrency int
}

// Actions returns the bulk actions the pipeline serves, for registration
// with the bulk service and scroller.
func Actions() []bulk.Action {
	return []bulk.Action{{Name: ActionName, Stream: InputStream}}
}

// NewPipeline builds the index pipeline topology. Each factory constructs
// a fresh computation so instances never share mutable state.
func NewPipeline(cfg PipelineConfig) (*computation.Topology, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	scrollerCfg := bulk.ScrollerConfig{
		Registry:  cfg.Registry,
		Store:     cfg.Store,
		Actions:   Actions(),
		BatchSize: cfg.ScrollBatchSize,
	}

	// Construct everything once up front so configuration errors surface
	// here rather than inside a factory.
	scroller, err := bulk.NewScroller(scrollerCfg)
	if err != nil {
		return nil, fmt.Errorf("build scroller: %w", err)
	}
	tracker, err := bulk.NewTracker(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("build tracker: %w", err)
	}
	builder, err := NewRequestBuilder(cfg.Registry, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("build request builder: %w", err)
	}
	writer, err := NewBatchWriter(cfg.Client, cfg.WriteIndex, cfg.Thresholds)
	if err != nil {
		return nil, fmt.Errorf("build batch writer: %w", err)
	}
	completion, err := NewCompletion(cfg.Store, cfg.Client, cfg.WriteIndex, cfg.SearchAlias)
	if err != nil {
		return nil, fmt.Errorf("build completion: %w", err)
	}

	n := cfg.Concurrency
	return computation.NewBuilder().
		Add(func() computation.Computation {
			c, _ := bulk.NewScroller(scrollerCfg)
			return c
		}, scroller.Descriptor(n)).
		Add(func() computation.Computation {
			c, _ := bulk.NewTracker(cfg.Store)
			return c
		}, tracker.Descriptor(n)).
		Add(func() computation.Computation {
			c, _ := NewRequestBuilder(cfg.Registry, cfg.Store)
			return c
		}, builder.Descriptor(n)).
		Add(func() computation.Computation {
			c, _ := NewBatchWriter(cfg.Client, cfg.WriteIndex, cfg.Thresholds)
			return c
		}, writer.Descriptor(n)).
		Add(func() computation.Computation {
			c, _ := NewCompletion(cfg.Store, cfg.Client, cfg.WriteIndex, cfg.SearchAlias)
			return c
		}, completion.Descriptor(n)).
		Build()
}
