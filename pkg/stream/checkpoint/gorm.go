package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Checkpoint is the GORM model for a durable consumer position.
type Checkpoint struct {
	Computation string `gorm:"primaryKey;type:varchar(255)"`
	Stream      string `gorm:"primaryKey;type:varchar(255)"`
	Partition   int    `gorm:"primaryKey"`
	Offset      int64  `gorm:"not null"`
}

// TableName specifies the table name for GORM.
func (Checkpoint) TableName() string {
	return "stream_checkpoints"
}

// GormStore persists checkpoints through GORM. The advance-if-greater rule
// is enforced in SQL so concurrent writers cannot move a cursor backwards.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the checkpoint table and returns a store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if err := db.AutoMigrate(&Checkpoint{}); err != nil {
		return nil, fmt.Errorf("failed to migrate checkpoint table: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Get(ctx context.Context, computation, stream string, partition int) (int64, error) {
	var cp Checkpoint
	err := s.db.WithContext(ctx).
		Where("computation = ? AND stream = ? AND partition = ?", computation, stream, partition).
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return None, nil
	}
	if err != nil {
		return None, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return cp.Offset, nil
}

func (s *GormStore) Advance(ctx context.Context, computation, stream string, partition int, offset int64) error {
	cp := Checkpoint{
		Computation: computation,
		Stream:      stream,
		Partition:   partition,
		Offset:      offset,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "computation"}, {Name: "stream"}, {Name: "partition"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"offset": offset,
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Lt{Column: clause.Column{Table: "stream_checkpoints", Name: "offset"}, Value: offset},
		}},
	}).Create(&cp).Error
	if err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}
	return nil
}
