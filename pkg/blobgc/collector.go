package blobgc

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp-forge/streamwork/pkg/computation"
	"github.com/hashicorp-forge/streamwork/pkg/repository"
	"github.com/hashicorp-forge/streamwork/pkg/stream"
)

// Collector consumes blob lifecycle events and deletes blob content once it
// is provably unreferenced. Deletion is only safe when every registered
// repository can enumerate the blob keys its documents reference and no two
// repositories share a blob store; otherwise a key deleted on behalf of one
// repository could still be referenced by another. The capability check
// happens once at Init and holds for the lifetime of the instance.
type Collector struct {
	registry  *repository.Registry
	codec     stream.Codec
	canDelete bool
}

// NewCollector creates the orphan-blob garbage collector.
func NewCollector(registry *repository.Registry) (*Collector, error) {
	if registry == nil {
		return nil, fmt.Errorf("repository registry is required")
	}
	return &Collector{registry: registry, codec: stream.JSONCodec{}}, nil
}

// Descriptor returns the collector's topology descriptor.
func (c *Collector) Descriptor(concurrency int) computation.Descriptor {
	return computation.Descriptor{
		Name:        c.Name(),
		Inputs:      []computation.Binding{{Index: 0, Stream: Stream}},
		Concurrency: concurrency,
	}
}

func (c *Collector) Name() string { return "blob/gc" }

// Init resolves the delete capability across all registered repositories.
// When deletion is disabled the collector keeps consuming and
// checkpointing so the stream drains.
func (c *Collector) Init(_ context.Context, cc *computation.Context) error {
	c.canDelete = true
	for _, repo := range c.registry.All() {
		if !repo.SupportsBlobKeyListing() {
			c.canDelete = false
			cc.Logger().Warn("blob deletion disabled: repository cannot list referenced blob keys",
				"repository", repo.Name())
		}
		if repo.HasSharedStorage() {
			c.canDelete = false
			cc.Logger().Warn("blob deletion disabled: repository shares its blob store",
				"repository", repo.Name())
		}
	}
	return nil
}

func (c *Collector) Destroy() error { return nil }

// Process handles one blob event. An already-deleted or still-referenced
// blob is a condition that will not resolve itself, so it is skipped
// rather than retried; anything else from the repository is transient.
func (c *Collector) Process(ctx context.Context, _ int, r stream.Record, cc *computation.Context) error {
	var ev Event
	if err := c.codec.Decode(r.Data, &ev); err != nil {
		return computation.Skip(fmt.Errorf("malformed blob event: %w", err))
	}
	if err := ev.Validate(); err != nil {
		return computation.Skip(err)
	}
	if ev.Event != EventDelete {
		return nil
	}
	if !c.canDelete {
		cc.Logger().Debug("ignoring delete candidate, deletion disabled",
			"blob", ev.BlobKey, "repository", ev.Repository)
		return nil
	}

	repo, err := c.registry.Get(ev.Repository)
	if err != nil {
		return computation.Skip(fmt.Errorf("delete candidate for unknown repository %q: %w", ev.Repository, err))
	}
	if err := repo.DeleteBlob(ctx, ev.BlobKey); err != nil {
		if errors.Is(err, repository.ErrBlobInvalid) {
			return computation.Skip(fmt.Errorf("blob %s not deletable: %w", ev.BlobKey, err))
		}
		return fmt.Errorf("delete blob %s in %s: %w", ev.BlobKey, ev.Repository, err)
	}
	cc.Logger().Debug("deleted orphan blob", "blob", ev.BlobKey, "repository", ev.Repository, "doc", ev.DocID)
	return nil
}

// Topology returns a single-computation topology for the collector.
func Topology(registry *repository.Registry, concurrency int) (*computation.Topology, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	probe, err := NewCollector(registry)
	if err != nil {
		return nil, err
	}
	return computation.NewBuilder().
		Add(func() computation.Computation {
			c, _ := NewCollector(registry)
			return c
		}, probe.Descriptor(concurrency)).
		Build()
}
