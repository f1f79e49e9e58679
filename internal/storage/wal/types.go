package wal

import "github.com/ChuLiYu/drmlicense-service/internal/storage"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for the job store journal
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventInsert       EventType = "INSERT"        // Job row inserted
	EventRemove       EventType = "REMOVE"        // Job row removed
	EventSetParam     EventType = "SET_PARAM"     // Session parameter written
	EventDeleteParam  EventType = "DELETE_PARAM"  // One session parameter removed
	EventDeleteParams EventType = "DELETE_PARAMS" // All parameters of a session removed
	EventCommit       EventType = "COMMIT"        // Closes a transaction; earlier events of TxID become durable
)

// Event represents a WAL event record
type Event struct {
	Seq       uint64         `json:"seq"`                  // Event sequence number (monotonically increasing)
	Type      EventType      `json:"type"`                 // Event type
	TxID      uint64         `json:"tx_id"`                // Transaction the event belongs to
	Row       *storage.Row   `json:"row,omitempty"`        // EventInsert: the row, ID already assigned
	ID        int64          `json:"id,omitempty"`         // EventRemove: row id
	Param     *storage.Param `json:"param,omitempty"`      // EventSetParam / EventDeleteParam
	SessionID int64          `json:"session_id,omitempty"` // EventDeleteParams
	Timestamp int64          `json:"timestamp"`            // Unix millisecond timestamp
	Checksum  uint32         `json:"checksum"`             // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to the in-memory tables
type EventHandler func(event Event) error
