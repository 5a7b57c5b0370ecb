// Package models provides data model definitions for the GlucoTrack core.
package models

import (
	"encoding/json"
	"time"
)

// Mutation operations.
const (
	OperationCreate = "create"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

// MutationEntry is a durable intent to reconcile one reading with the
// backend. Entries are processed strictly in enqueue order.
type MutationEntry struct {
	ID         UUID            `db:"id" json:"id"`
	Operation  string          `db:"operation" json:"operation"`
	ReadingID  UUID            `db:"reading_id" json:"reading_id"`
	RemoteID   int64           `db:"remote_id" json:"remote_id,omitempty"`
	Payload    json.RawMessage `db:"payload" json:"payload,omitempty"`
	EnqueuedAt int64           `db:"enqueued_at" json:"enqueued_at"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	LastError  string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for MutationEntry.
func (MutationEntry) TableName() string {
	return "mutation_queue"
}

// EnqueuedAtTime returns the EnqueuedAt as time.Time.
func (m *MutationEntry) EnqueuedAtTime() time.Time {
	return time.Unix(m.EnqueuedAt, 0)
}

// Snapshot decodes the frozen reading payload carried by create/update
// entries.
func (m *MutationEntry) Snapshot() (ReadingSnapshot, error) {
	var snap ReadingSnapshot
	if len(m.Payload) == 0 {
		return snap, nil
	}
	err := json.Unmarshal(m.Payload, &snap)
	return snap, err
}
