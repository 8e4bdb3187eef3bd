package bulk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp-forge/streamwork/pkg/computation"
	"github.com/hashicorp-forge/streamwork/pkg/repository"
	"github.com/hashicorp-forge/streamwork/pkg/stream"
)

// Action binds a registered bulk action name to the stream its entity
// records are produced on.
type Action struct {
	Name   string
	Stream string
}

// Scroller consumes submitted commands and materializes their target sets:
// it pages the repository query, emits one Entity per matched id onto the
// action's stream, and reports scroll progress as deltas on the status
// stream.
//
// Output wiring: index 0 is the status stream; action i is bound at output
// index i+1, in registration order.
type Scroller struct {
	registry  *repository.Registry
	store     *Store
	actions   []Action
	codec     stream.Codec
	batchSize int
}

// ScrollerConfig holds configuration for the scroller computation.
type ScrollerConfig struct {
	Registry *repository.Registry
	Store    *Store
	Actions  []Action

	// BatchSize is how many ids each scroll page requests (default 100).
	BatchSize int
}

// NewScroller creates the scroller computation.
func NewScroller(cfg ScrollerConfig) (*Scroller, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("repository registry is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("bulk store is required")
	}
	if len(cfg.Actions) == 0 {
		return nil, fmt.Errorf("at least one action is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Scroller{
		registry:  cfg.Registry,
		store:     cfg.Store,
		actions:   cfg.Actions,
		codec:     stream.JSONCodec{},
		batchSize: cfg.BatchSize,
	}, nil
}

// Descriptor returns the scroller's topology descriptor, wiring actions to
// their output indexes.
func (s *Scroller) Descriptor(concurrency int) computation.Descriptor {
	outputs := []computation.Binding{{Index: 0, Stream: StatusStream}}
	for i, a := range s.actions {
		outputs = append(outputs, computation.Binding{Index: i + 1, Stream: a.Stream})
	}
	return computation.Descriptor{
		Name:        s.Name(),
		Inputs:      []computation.Binding{{Index: 0, Stream: CommandStream}},
		Outputs:     outputs,
		Concurrency: concurrency,
	}
}

func (s *Scroller) Name() string { return "bulk/scroller" }

func (s *Scroller) Init(context.Context, *computation.Context) error { return nil }

func (s *Scroller) Destroy() error { return nil }

// Process scrolls one command's target set. Unknown repositories or actions
// are permanent failures; scroll errors are transient and re-delivered, and
// Total increments are idempotent enough for re-scroll only because the
// tracker tolerates over-counting on redelivery (at-least-once, duplicates
// allowed).
func (s *Scroller) Process(ctx context.Context, _ int, r stream.Record, cc *computation.Context) error {
	var cmd Command
	if err := s.codec.Decode(r.Data, &cmd); err != nil {
		return computation.Skip(fmt.Errorf("malformed command record: %w", err))
	}

	output, err := s.actionOutput(cmd.Action)
	if err != nil {
		return computation.Skip(err)
	}
	repo, err := s.registry.Get(cmd.Repository)
	if err != nil {
		return computation.Skip(err)
	}

	status, err := s.store.GetStatus(ctx, cmd.ID)
	if err != nil {
		if errors.Is(err, ErrCommandNotFound) {
			return computation.Skip(err)
		}
		return err
	}
	if status.State.Terminal() {
		cc.Logger().Info("command already terminal, not scrolling", "command", cmd.ID, "state", status.State)
		return nil
	}

	if err := s.emitDelta(cc, Delta{CommandID: cmd.ID, ScrollStart: true, At: time.Now()}); err != nil {
		return err
	}

	cursor, err := repo.Scroll(ctx, cmd.Query, s.batchSize)
	if err != nil {
		return fmt.Errorf("scroll %q on %q: %w", cmd.Query, cmd.Repository, err)
	}
	defer cursor.Close()

	for {
		page, err := cursor.Next(ctx)
		if err != nil {
			return fmt.Errorf("scroll page for %s: %w", cmd.ID, err)
		}
		if len(page) == 0 {
			break
		}

		if aborted, err := s.commandAborted(ctx, cmd.ID); err != nil {
			return err
		} else if aborted {
			cc.Logger().Info("command aborted mid-scroll, stopping", "command", cmd.ID)
			return nil
		}

		for _, id := range page {
			data, err := s.codec.Encode(Entity{CommandID: cmd.ID, DocID: id})
			if err != nil {
				return fmt.Errorf("encode entity: %w", err)
			}
			if err := cc.Emit(output, stream.NewRecord(id, data)); err != nil {
				return err
			}
		}
		if err := s.emitDelta(cc, Delta{CommandID: cmd.ID, Total: int64(len(page)), At: time.Now()}); err != nil {
			return err
		}
	}

	if err := s.emitDelta(cc, Delta{CommandID: cmd.ID, ScrollEnd: true, At: time.Now()}); err != nil {
		return err
	}
	cc.RequestCheckpoint()
	return nil
}

func (s *Scroller) actionOutput(name string) (int, error) {
	for i, a := range s.actions {
		if a.Name == name {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("action %q is not registered", name)
}

func (s *Scroller) commandAborted(ctx context.Context, id string) (bool, error) {
	status, err := s.store.GetStatus(ctx, id)
	if err != nil {
		return false, err
	}
	return status.State == StateAborted, nil
}

func (s *Scroller) emitDelta(cc *computation.Context, d Delta) error {
	data, err := s.codec.Encode(d)
	if err != nil {
		return fmt.Errorf("encode delta: %w", err)
	}
	return cc.Emit(0, stream.NewRecord(d.CommandID, data))
}
