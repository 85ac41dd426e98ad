package wal

import "encoding/json"

// ============================================================================
// WAL Type Definitions
// ============================================================================

// EventType identifies the mutation a journal record describes.
type EventType string

const (
	EventPutJob           EventType = "PUT_JOB"
	EventDeleteJob        EventType = "DELETE_JOB"
	EventPutDeadLetter    EventType = "PUT_DEAD_LETTER"
	EventDeleteDeadLetter EventType = "DELETE_DEAD_LETTER"
	EventPutSource        EventType = "PUT_SOURCE"
	EventDeleteSource     EventType = "DELETE_SOURCE"
	EventMetric           EventType = "METRIC"
)

// Event is one journal record. Payload holds the JSON encoded row for PUT
// events and is empty for deletes.
type Event struct {
	Seq       uint64          `json:"seq"`
	Type      EventType       `json:"type"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"` // unix millis
	Checksum  uint32          `json:"checksum"`
}

// EventHandler applies a replayed event to in-memory state.
type EventHandler func(event Event) error
