// Package index implements the bulk index action as a 3-stage topology:
// the request builder loads matched documents and serializes index-write
// requests, the batch writer flushes bounded batches to the search index,
// and the completion stage performs the post-completion housekeeping the
// command asked for.
package index

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp-forge/streamwork/pkg/bulk"
	"github.com/hashicorp-forge/streamwork/pkg/computation"
	"github.com/hashicorp-forge/streamwork/pkg/repository"
	"github.com/hashicorp-forge/streamwork/pkg/stream"
)

// Logical stream names of the index pipeline.
const (
	// InputStream carries the entities matched by an index command.
	InputStream = "bulk/index"
	// RequestStream carries serialized index-write requests between
	// stage 1 and stage 2.
	RequestStream = "index"
)

// ActionName is the bulk action this pipeline serves.
const ActionName = "index"

// Request is the wire shape between the request builder and the batch
// writer.
type Request struct {
	CommandID string `json:"commandId"`
	DocID     string `json:"docId"`
	Source    []byte `json:"source"`
}

// RequestBuilder is stage 1: it loads each matched document and emits an
// index-write request. A document deleted between scroll and load is a
// permanent condition, accounted as skipped.
type RequestBuilder struct {
	registry *repository.Registry
	store    *bulk.Store
	codec    stream.Codec

	// commands caches command lookups; commands are immutable after
	// submission.
	commands map[string]*bulk.Command
}

// NewRequestBuilder creates stage 1.
func NewRequestBuilder(registry *repository.Registry, store *bulk.Store) (*RequestBuilder, error) {
	if registry == nil {
		return nil, fmt.Errorf("repository registry is required")
	}
	if store == nil {
		return nil, fmt.Errorf("bulk store is required")
	}
	return &RequestBuilder{
		registry: registry,
		store:    store,
		codec:    stream.JSONCodec{},
		commands: make(map[string]*bulk.Command),
	}, nil
}

// Descriptor returns stage 1's topology descriptor.
func (b *RequestBuilder) Descriptor(concurrency int) computation.Descriptor {
	return computation.Descriptor{
		Name:   b.Name(),
		Inputs: []computation.Binding{{Index: 0, Stream: InputStream}},
		Outputs: []computation.Binding{
			{Index: 0, Stream: RequestStream},
			{Index: 1, Stream: bulk.StatusStream},
		},
		Concurrency: concurrency,
	}
}

func (b *RequestBuilder) Name() string { return "index/requestBuilder" }

func (b *RequestBuilder) Init(context.Context, *computation.Context) error { return nil }

func (b *RequestBuilder) Destroy() error { return nil }

// Process loads one entity and emits its index-write request.
func (b *RequestBuilder) Process(ctx context.Context, _ int, r stream.Record, cc *computation.Context) error {
	var entity bulk.Entity
	if err := b.codec.Decode(r.Data, &entity); err != nil {
		return computation.Skip(fmt.Errorf("malformed entity record: %w", err))
	}

	repo, err := b.repositoryFor(ctx, entity.CommandID)
	if err != nil {
		return err
	}

	doc, err := repo.Load(ctx, entity.DocID)
	if err != nil {
		if errors.Is(err, repository.ErrDocumentNotFound) {
			// Deleted between scroll and load; account and move on.
			if derr := b.emitSkip(cc, entity.CommandID, 1); derr != nil {
				return derr
			}
			cc.Logger().Debug("document vanished before indexing", "doc", entity.DocID)
			return nil
		}
		return fmt.Errorf("load %s: %w", entity.DocID, err)
	}

	source, err := b.codec.Encode(doc)
	if err != nil {
		return computation.Skip(fmt.Errorf("serialize %s: %w", entity.DocID, err))
	}
	data, err := b.codec.Encode(Request{
		CommandID: entity.CommandID,
		DocID:     entity.DocID,
		Source:    source,
	})
	if err != nil {
		return fmt.Errorf("encode index request: %w", err)
	}
	return cc.Emit(0, stream.NewRecord(entity.DocID, data))
}

// OnSkip keeps the command's accounting converging when the runtime
// terminally skips an entity record.
func (b *RequestBuilder) OnSkip(ctx context.Context, cc *computation.Context, _ int, r stream.Record, _ error) {
	var entity bulk.Entity
	if err := b.codec.Decode(r.Data, &entity); err != nil || entity.CommandID == "" {
		return
	}
	if err := b.emitSkip(cc, entity.CommandID, 1); err != nil {
		cc.Logger().Error("failed to account skipped entity", "command", entity.CommandID, "error", err)
	}
}

func (b *RequestBuilder) repositoryFor(ctx context.Context, commandID string) (repository.Repository, error) {
	cmd, ok := b.commands[commandID]
	if !ok {
		var err error
		cmd, err = b.store.GetCommand(ctx, commandID)
		if err != nil {
			if errors.Is(err, bulk.ErrCommandNotFound) {
				return nil, computation.Skip(err)
			}
			return nil, err
		}
		b.commands[commandID] = cmd
	}
	repo, err := b.registry.Get(cmd.Repository)
	if err != nil {
		return nil, computation.Skip(err)
	}
	return repo, nil
}

func (b *RequestBuilder) emitSkip(cc *computation.Context, commandID string, n int64) error {
	data, err := b.codec.Encode(bulk.Delta{CommandID: commandID, Skipped: n, At: time.Now()})
	if err != nil {
		return fmt.Errorf("encode skip delta: %w", err)
	}
	return cc.Emit(1, stream.NewRecord(commandID, data))
}
