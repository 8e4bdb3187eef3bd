package bulk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrCommandNotFound is returned when a command id is unknown.
var ErrCommandNotFound = errors.New("bulk command not found")

// Store persists commands and their statuses. Commands and statuses are the
// only durable state the bulk subsystem owns besides checkpoints.
type Store struct {
	db *gorm.DB
}

// NewStore migrates the bulk tables and returns a store.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if err := db.AutoMigrate(&Command{}, &Status{}); err != nil {
		return nil, fmt.Errorf("failed to migrate bulk tables: %w", err)
	}
	return &Store{db: db}, nil
}

// CreateCommand persists a freshly submitted command with its scheduled
// status in one transaction.
func (s *Store) CreateCommand(ctx context.Context, cmd Command) error {
	status := Status{
		CommandID:  cmd.ID,
		Action:     cmd.Action,
		State:      StateScheduled,
		SubmitTime: cmd.SubmitTime,
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&cmd).Error; err != nil {
			return fmt.Errorf("failed to persist command: %w", err)
		}
		if err := tx.Create(&status).Error; err != nil {
			return fmt.Errorf("failed to persist status: %w", err)
		}
		return nil
	})
}

// GetCommand loads a command by id.
func (s *Store) GetCommand(ctx context.Context, id string) (*Command, error) {
	var cmd Command
	err := s.db.WithContext(ctx).First(&cmd, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load command: %w", err)
	}
	return &cmd, nil
}

// GetStatus loads a command's status by id.
func (s *Store) GetStatus(ctx context.Context, id string) (*Status, error) {
	var status Status
	err := s.db.WithContext(ctx).First(&status, "command_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load status: %w", err)
	}
	return &status, nil
}

// SaveStatus writes the full status row. The tracker is the only caller on
// the hot path; per-command serialization comes from the status stream's
// key, not from locking here.
func (s *Store) SaveStatus(ctx context.Context, status *Status) error {
	if err := s.db.WithContext(ctx).Save(status).Error; err != nil {
		return fmt.Errorf("failed to save status: %w", err)
	}
	return nil
}

// Complete performs the terminal completed transition. The conditional
// update makes it a single-writer operation: exactly one caller observes
// true, and post-completion side effects hang off that caller.
func (s *Store) Complete(ctx context.Context, id string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Status{}).
		Where("command_id = ? AND state NOT IN ?", id, []State{StateCompleted, StateAborted}).
		Updates(map[string]interface{}{
			"state":          StateCompleted,
			"completed_time": at,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to complete command %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Abort flips a non-terminal command to aborted. Returns false when the
// command was already terminal.
func (s *Store) Abort(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Status{}).
		Where("command_id = ? AND state NOT IN ?", id, []State{StateCompleted, StateAborted}).
		Update("state", StateAborted)
	if res.Error != nil {
		return false, fmt.Errorf("failed to abort command %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}
