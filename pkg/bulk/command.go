// Package bulk implements the bulk-action state machine that rides on the
// stream-computation engine: a command names an action and a query, the
// scroller materializes the matching ids onto the action's stream, the
// action stages report progress deltas, and the tracker closes the
// accounting and performs the terminal transition exactly once.
package bulk

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Logical stream names used by every bulk topology.
const (
	CommandStream = "command"
	StatusStream  = "status"
	DoneStream    = "done"
)

// Well-known parameter names consumed by completion stages.
const (
	ParamRefresh     = "refresh"
	ParamUpdateAlias = "updateAlias"
)

// Command is a submitted bulk action: apply Action to the result set of
// Query on Repository. Immutable after submission.
type Command struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Action     string    `json:"action" gorm:"type:varchar(100);not null"`
	Repository string    `json:"repository" gorm:"type:varchar(100);not null"`
	Query      string    `json:"query" gorm:"type:text;not null"`
	Parameters Params    `json:"parameters,omitempty" gorm:"type:text"`
	SubmitTime time.Time `json:"submitTime"`
}

// TableName specifies the table name for GORM.
func (Command) TableName() string {
	return "bulk_commands"
}

// NewCommand creates a command with a fresh id and submit timestamp.
func NewCommand(action, repository, query string, params Params) Command {
	return Command{
		ID:         uuid.NewString(),
		Action:     action,
		Repository: repository,
		Query:      query,
		Parameters: params,
		SubmitTime: time.Now(),
	}
}

// Validate checks the fields every command must carry.
func (c Command) Validate() error {
	if c.Action == "" {
		return fmt.Errorf("command action is required")
	}
	if c.Repository == "" {
		return fmt.Errorf("command repository is required")
	}
	if c.Query == "" {
		return fmt.Errorf("command query is required")
	}
	return nil
}

// BoolParam reads a boolean parameter, false when absent or mistyped.
func (c Command) BoolParam(name string) bool {
	if c.Parameters == nil {
		return false
	}
	b, _ := c.Parameters[name].(bool)
	return b
}

// Params is a JSON-serialized parameter bag stored alongside the command.
type Params map[string]interface{}

// Value implements driver.Valuer.
func (p Params) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (p *Params) Scan(value interface{}) error {
	if value == nil {
		*p = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Params", value)
	}
	return json.Unmarshal(data, p)
}

// Entity is the per-target record an action stage consumes: one document id
// scoped to its originating command. Keyed by the document id so work
// spreads across partitions.
type Entity struct {
	CommandID string `json:"commandId"`
	DocID     string `json:"docId"`
}

// Delta is a progress contribution flowing on the status stream, keyed by
// command id so a single partition serializes each command's accounting.
type Delta struct {
	CommandID   string    `json:"commandId"`
	ScrollStart bool      `json:"scrollStart,omitempty"`
	ScrollEnd   bool      `json:"scrollEnd,omitempty"`
	Total       int64     `json:"total,omitempty"`
	Processed   int64     `json:"processed,omitempty"`
	Skipped     int64     `json:"skipped,omitempty"`
	At          time.Time `json:"at"`
}
