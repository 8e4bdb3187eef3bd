package bulk

import (
	"time"
)

// State is a bulk command's lifecycle state.
type State string

const (
	// StateScheduled: command accepted, target set not yet being matched.
	StateScheduled State = "scheduled"
	// StateScrolling: the target-set query is being paginated.
	StateScrolling State = "scrolling"
	// StateRunning: matched entities are being processed.
	StateRunning State = "running"
	// StateCompleted: terminal; set exactly once by the tracker.
	StateCompleted State = "completed"
	// StateAborted: administrative terminal override; stops future
	// processing without retracting applied effects.
	StateAborted State = "aborted"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// Status tracks a command's progress. Counts converge to
// Processed + Skipped == Total once scrolling has ended; skipped units are
// processed-with-error and never fold into Processed.
type Status struct {
	CommandID string `json:"commandId" gorm:"primaryKey;type:varchar(36)"`
	Action    string `json:"action" gorm:"type:varchar(100);not null"`
	State     State  `json:"state" gorm:"type:varchar(20);not null"`

	Total     int64 `json:"total"`
	Processed int64 `json:"processed"`
	Skipped   int64 `json:"skipped"`

	SubmitTime      time.Time  `json:"submitTime"`
	ScrollStartTime *time.Time `json:"scrollStartTime,omitempty"`
	ScrollEndTime   *time.Time `json:"scrollEndTime,omitempty"`
	CompletedTime   *time.Time `json:"completedTime,omitempty"`
}

// TableName specifies the table name for GORM.
func (Status) TableName() string {
	return "bulk_statuses"
}

// ScrollEnded reports whether the last page of the target set has been
// emitted.
func (s *Status) ScrollEnded() bool {
	return s.ScrollEndTime != nil
}

// AccountingClosed reports whether every emitted entity has been accounted
// for, successfully or as skipped.
func (s *Status) AccountingClosed() bool {
	return s.ScrollEnded() && s.Processed+s.Skipped >= s.Total
}

// Throughput returns entities per second over the command's full lifetime.
// Operational visibility only.
func (s *Status) Throughput() float64 {
	if s.CompletedTime == nil {
		return 0
	}
	elapsed := s.CompletedTime.Sub(s.SubmitTime).Milliseconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.Total*1000) / float64(elapsed)
}
