package wal

import (
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/strategy-queue/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventCreate   EventType = "CREATE"   // Job created (pending)
	EventStart    EventType = "START"    // Job started running
	EventPause    EventType = "PAUSE"    // Job paused
	EventResume   EventType = "RESUME"   // Job resumed
	EventProgress EventType = "PROGRESS" // A run finished; job carries the new result
	EventRequeue  EventType = "REQUEUE"  // Interrupted job returned to pending
	EventComplete EventType = "COMPLETE" // Job completed
	EventFail     EventType = "FAIL"     // Job failed
	EventCancel   EventType = "CANCEL"   // Job cancelled
	EventDelete   EventType = "DELETE"   // Job removed from the table
)

// Terminal reports whether the event ends a job's lifecycle.
func (t EventType) Terminal() bool {
	switch t {
	case EventComplete, EventFail, EventCancel, EventDelete:
		return true
	}
	return false
}

// Event represents a WAL event record.
// Payload is the JSON of the job after the transition; replay upserts it.
type Event struct {
	Seq       uint64          `json:"seq"`       // Event sequence number (monotonically increasing)
	Type      EventType       `json:"type"`      // Event type
	JobID     types.JobID     `json:"job_id"`    // Job ID
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32          `json:"checksum"`  // CRC32 checksum over type, job id, seq and payload
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Job decodes the event payload.
func (e Event) Job() (*types.Job, error) {
	if len(e.Payload) == 0 {
		return nil, fmt.Errorf("wal: event %d has no payload", e.Seq)
	}
	var job types.Job
	if err := json.Unmarshal(e.Payload, &job); err != nil {
		return nil, fmt.Errorf("wal: decode payload of event %d: %w", e.Seq, err)
	}
	return &job, nil
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
