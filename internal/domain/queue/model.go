package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusDone       Status = "DONE"
	StatusError      Status = "ERROR"
)

var validStatuses = map[Status]bool{
	StatusPending:    true,
	StatusProcessing: true,
	StatusDone:       true,
	StatusError:      true,
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !validStatuses[st] {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
	}
	return st, nil
}

type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

var priorityRank = map[Priority]int{
	PriorityHigh:   0,
	PriorityNormal: 1,
	PriorityLow:    2,
}

// ParsePriority validates a priority string.
func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if _, ok := priorityRank[p]; !ok {
		return "", fmt.Errorf("%w: unknown priority %q", ErrValidation, s)
	}
	return p, nil
}

// Rank orders priorities for claiming; lower is claimed first.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return priorityRank[PriorityLow]
}

// WorkItem maps to the work_items table.
type WorkItem struct {
	ID            uuid.UUID `db:"id" json:"id"`
	CorrelationID string    `db:"correlation_id" json:"correlation_id"`
	EMRID         *string   `db:"emr_id" json:"emr_id,omitempty"`
	Status        Status    `db:"status" json:"status"`
	Priority      Priority  `db:"priority" json:"priority"`
	Attempts      int       `db:"attempts" json:"attempts"`
	Payload       Payload   `db:"payload" json:"payload"`
	ErrorMessage  *string   `db:"error_message" json:"error_message,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Payload is the stored document: the raw encounter plus the result envelope
// that evolves as the item is processed.
type Payload struct {
	Encounter map[string]interface{} `json:"encounter,omitempty"`
	Result    ResultEnvelope         `json:"result"`
}

// ResultEnvelope holds processing output and operator-facing flags.
type ResultEnvelope struct {
	Augmented      map[string]interface{} `json:"augmented,omitempty"`
	ProcessedAt    *time.Time             `json:"processed_at,omitempty"`
	DeadLetter     bool                   `json:"dead_letter"`
	Actions        map[string]interface{} `json:"actions,omitempty"`
	RequeueHistory []RequeueEntry         `json:"requeue_history,omitempty"`
	LastError      string                 `json:"last_error,omitempty"`
}

// RequeueEntry records one explicit requeue.
type RequeueEntry struct {
	At       time.Time `json:"at"`
	From     Status    `json:"from"`
	To       Status    `json:"to"`
	Priority Priority  `json:"priority"`
	Attempts int       `json:"attempts"`
	Note     string    `json:"note,omitempty"`
}

func (p Payload) marshal() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

func unmarshalPayload(b []byte) (Payload, error) {
	var p Payload
	if len(b) == 0 {
		return p, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	ID            *uuid.UUID
	CorrelationID string
	Status        Status
	Limit         int
}

// Lookup identifies an item either by id or by correlation id. When only a
// correlation id is given the newest matching item is used.
type Lookup struct {
	ID            *uuid.UUID
	CorrelationID string
}
