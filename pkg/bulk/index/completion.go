package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/hashicorp-forge/streamwork/pkg/bulk"
	"github.com/hashicorp-forge/streamwork/pkg/computation"
	"github.com/hashicorp-forge/streamwork/pkg/search"
	"github.com/hashicorp-forge/streamwork/pkg/stream"
)

// completionOptions are the well-known command parameters the completion
// stage honors.
type completionOptions struct {
	Refresh     bool `mapstructure:"refresh"`
	UpdateAlias bool `mapstructure:"updateAlias"`
}

// Completion is stage 3: it watches the done stream and performs the
// post-completion housekeeping an index command requested. Both operations
// are fire-once (guarded by the tracker's single-writer completed
// transition) and best-effort: their failure is logged without reverting
// the command's completion.
type Completion struct {
	store       *bulk.Store
	client      search.Client
	writeIndex  string
	searchAlias string
	codec       stream.Codec
}

// NewCompletion creates stage 3.
func NewCompletion(store *bulk.Store, client search.Client, writeIndex, searchAlias string) (*Completion, error) {
	if store == nil {
		return nil, fmt.Errorf("bulk store is required")
	}
	if client == nil {
		return nil, fmt.Errorf("search client is required")
	}
	if writeIndex == "" {
		return nil, fmt.Errorf("write index name is required")
	}
	return &Completion{
		store:       store,
		client:      client,
		writeIndex:  writeIndex,
		searchAlias: searchAlias,
		codec:       stream.JSONCodec{},
	}, nil
}

// Descriptor returns stage 3's topology descriptor.
func (c *Completion) Descriptor(concurrency int) computation.Descriptor {
	return computation.Descriptor{
		Name:        c.Name(),
		Inputs:      []computation.Binding{{Index: 0, Stream: bulk.DoneStream}},
		Concurrency: concurrency,
	}
}

func (c *Completion) Name() string { return "index/completion" }

func (c *Completion) Init(context.Context, *computation.Context) error { return nil }

func (c *Completion) Destroy() error { return nil }

// Process reacts to one completed command. Commands for other actions pass
// through untouched.
func (c *Completion) Process(ctx context.Context, _ int, r stream.Record, cc *computation.Context) error {
	var done bulk.Status
	if err := c.codec.Decode(r.Data, &done); err != nil {
		return computation.Skip(fmt.Errorf("malformed done record: %w", err))
	}
	if done.Action != ActionName {
		return nil
	}

	cmd, err := c.store.GetCommand(ctx, done.CommandID)
	if err != nil {
		if errors.Is(err, bulk.ErrCommandNotFound) {
			return computation.Skip(err)
		}
		return err
	}

	var opts completionOptions
	if err := mapstructure.Decode(map[string]interface{}(cmd.Parameters), &opts); err != nil {
		cc.Logger().Warn("undecodable completion parameters", "command", done.CommandID, "error", err)
		return nil
	}

	if opts.Refresh {
		if err := c.client.Refresh(ctx, c.writeIndex); err != nil {
			cc.Logger().Error("post-completion refresh failed",
				"command", done.CommandID, "index", c.writeIndex, "error", err)
		} else {
			cc.Logger().Info("refreshed index after completion",
				"command", done.CommandID, "index", c.writeIndex)
		}
	}
	if opts.UpdateAlias && c.searchAlias != "" {
		if err := c.client.SwapAlias(ctx, c.searchAlias, c.writeIndex); err != nil {
			cc.Logger().Error("post-completion alias update failed",
				"command", done.CommandID, "alias", c.searchAlias, "error", err)
		} else {
			cc.Logger().Info("updated search alias after completion",
				"command", done.CommandID, "alias", c.searchAlias)
		}
	}
	return nil
}
