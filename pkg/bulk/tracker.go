package bulk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/streamwork/pkg/computation"
	"github.com/hashicorp-forge/streamwork/pkg/stream"
)

// Tracker folds progress deltas into the durable status and performs the
// completed transition. The status stream is keyed by command id, so one
// partition, and therefore one tracker instance, serializes all writes for
// a given command: the tracker is the sole writer of terminal state.
type Tracker struct {
	store *Store
	codec stream.Codec
}

// NewTracker creates the status tracker computation.
func NewTracker(store *Store) (*Tracker, error) {
	if store == nil {
		return nil, fmt.Errorf("bulk store is required")
	}
	return &Tracker{store: store, codec: stream.JSONCodec{}}, nil
}

// Descriptor returns the tracker's topology descriptor.
func (t *Tracker) Descriptor(concurrency int) computation.Descriptor {
	return computation.Descriptor{
		Name:        t.Name(),
		Inputs:      []computation.Binding{{Index: 0, Stream: StatusStream}},
		Outputs:     []computation.Binding{{Index: 0, Stream: DoneStream}},
		Concurrency: concurrency,
	}
}

func (t *Tracker) Name() string { return "bulk/tracker" }

func (t *Tracker) Init(context.Context, *computation.Context) error { return nil }

func (t *Tracker) Destroy() error { return nil }

// Process applies one delta. Store failures are transient; deltas for
// unknown or terminal commands are dropped.
func (t *Tracker) Process(ctx context.Context, _ int, r stream.Record, cc *computation.Context) error {
	var d Delta
	if err := t.codec.Decode(r.Data, &d); err != nil {
		return computation.Skip(fmt.Errorf("malformed delta record: %w", err))
	}

	status, err := t.store.GetStatus(ctx, d.CommandID)
	if err != nil {
		if errors.Is(err, ErrCommandNotFound) {
			return computation.Skip(err)
		}
		return err
	}
	if status.State.Terminal() {
		cc.Logger().Debug("dropping delta for terminal command",
			"command", d.CommandID, "state", status.State)
		return nil
	}

	t.apply(status, d)
	if err := t.store.SaveStatus(ctx, status); err != nil {
		return err
	}

	if !status.AccountingClosed() {
		return nil
	}
	return t.complete(ctx, status, cc)
}

// apply folds one delta into the in-memory status.
func (t *Tracker) apply(status *Status, d Delta) {
	at := d.At
	if at.IsZero() {
		at = time.Now()
	}
	if d.ScrollStart && status.ScrollStartTime == nil {
		status.ScrollStartTime = &at
		status.State = StateScrolling
	}
	status.Total += d.Total
	status.Processed += d.Processed
	status.Skipped += d.Skipped
	if d.ScrollEnd && status.ScrollEndTime == nil {
		status.ScrollEndTime = &at
		status.State = StateRunning
	}
}

// complete performs the exactly-once terminal transition and publishes the
// final snapshot on the done stream.
func (t *Tracker) complete(ctx context.Context, status *Status, cc *computation.Context) error {
	now := time.Now()
	won, err := t.store.Complete(ctx, status.CommandID, now)
	if err != nil {
		return err
	}
	if !won {
		// A redelivered delta raced an earlier completion; nothing to do.
		return nil
	}

	status.State = StateCompleted
	status.CompletedTime = &now
	logThroughput(cc.Logger(), status)

	data, err := t.codec.Encode(status)
	if err != nil {
		return fmt.Errorf("encode final status: %w", err)
	}
	if err := cc.Emit(0, stream.NewRecord(status.CommandID, data)); err != nil {
		return err
	}
	cc.RequestCheckpoint()
	return nil
}

func logThroughput(logger hclog.Logger, status *Status) {
	logger.Info("bulk command completed",
		"command", status.CommandID,
		"action", status.Action,
		"total", status.Total,
		"processed", status.Processed,
		"skipped", status.Skipped,
		"entities_per_sec", fmt.Sprintf("%.1f", status.Throughput()),
	)
}
