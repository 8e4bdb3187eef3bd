package bulk

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/streamwork/pkg/stream"
)

// Service is the submission surface for bulk commands. It persists the
// command, seeds its scheduled status, and appends the command record that
// wakes the scroller.
type Service struct {
	log     stream.Log
	store   *Store
	actions map[string]Action
	codec   stream.Codec
	logger  hclog.Logger
}

// ServiceConfig holds configuration for the bulk service.
type ServiceConfig struct {
	Log     stream.Log
	Store   *Store
	Actions []Action
	Logger  hclog.Logger
}

// NewService creates the bulk service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("stream log is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("bulk store is required")
	}
	if len(cfg.Actions) == 0 {
		return nil, fmt.Errorf("at least one action is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	actions := make(map[string]Action, len(cfg.Actions))
	for _, a := range cfg.Actions {
		actions[a.Name] = a
	}
	return &Service{
		log:     cfg.Log,
		store:   cfg.Store,
		actions: actions,
		codec:   stream.JSONCodec{},
		logger:  cfg.Logger.Named("bulk-service"),
	}, nil
}

// Submit validates and persists a command, then appends it to the command
// stream. Returns the command id.
func (s *Service) Submit(ctx context.Context, cmd Command) (string, error) {
	if cmd.ID == "" {
		cmd = NewCommand(cmd.Action, cmd.Repository, cmd.Query, cmd.Parameters)
	}
	if err := cmd.Validate(); err != nil {
		return "", err
	}
	if _, ok := s.actions[cmd.Action]; !ok {
		return "", fmt.Errorf("action %q is not registered", cmd.Action)
	}

	if err := s.store.CreateCommand(ctx, cmd); err != nil {
		return "", err
	}

	data, err := s.codec.Encode(cmd)
	if err != nil {
		return "", fmt.Errorf("encode command: %w", err)
	}
	if _, _, err := s.log.Append(ctx, CommandStream, stream.NewRecord(cmd.ID, data)); err != nil {
		return "", fmt.Errorf("append command record: %w", err)
	}

	s.logger.Info("submitted bulk command",
		"command", cmd.ID,
		"action", cmd.Action,
		"repository", cmd.Repository,
	)
	return cmd.ID, nil
}

// Status returns a command's current status.
func (s *Service) Status(ctx context.Context, id string) (*Status, error) {
	return s.store.GetStatus(ctx, id)
}

// Abort administratively terminates a command. Records already consumed
// keep their effects; future processing for the command stops.
func (s *Service) Abort(ctx context.Context, id string) (bool, error) {
	aborted, err := s.store.Abort(ctx, id)
	if err != nil {
		return false, err
	}
	if aborted {
		s.logger.Warn("bulk command aborted", "command", id)
	}
	return aborted, nil
}

// WaitForCompletion polls a command's status until it is terminal or the
// context expires. Test and operational helper.
func (s *Service) WaitForCompletion(ctx context.Context, id string, poll time.Duration) (*Status, error) {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		status, err := s.store.GetStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if status.State.Terminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}
