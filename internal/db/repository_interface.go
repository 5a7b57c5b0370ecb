// Package db provides repository interfaces for GlucoTrack data models.
package db

import (
	"github.com/diabetactic/glucotrack-core/internal/models"
)

// ReadingRepository defines operations for reading persistence.
// The interface allows mocking for testing.
type ReadingRepository interface {
	// CreateReading inserts a new reading.
	CreateReading(reading *models.Reading) error

	// GetReading retrieves a reading by local id.
	GetReading(id string) (*models.Reading, error)

	// GetReadingByRemoteID retrieves a reading by backend id.
	GetReadingByRemoteID(remoteID int64) (*models.Reading, error)

	// ListReadings returns all readings, newest first.
	ListReadings() ([]*models.Reading, error)

	// QueryReadingsByTimeRange returns readings within a time window.
	QueryReadingsByTimeRange(start, end int64) ([]*models.Reading, error)

	// UpdateReading writes the mutable fields of a reading.
	UpdateReading(reading *models.Reading) error

	// MarkReadingSynced flips a reading to known-equal-to-remote.
	MarkReadingSynced(id string, remoteID int64) error

	// ApplyRemoteOverwrite writes server payload and sync state in one
	// statement.
	ApplyRemoteOverwrite(reading *models.Reading) error

	// DeleteReading removes a reading.
	DeleteReading(id string) error

	// CountUnsynced counts readings not known to match remote.
	CountUnsynced() (int, error)
}

// MutationQueueRepository defines operations for mutation queue persistence.
type MutationQueueRepository interface {
	// CreateMutation appends an entry to the queue tail.
	CreateMutation(entry *models.MutationEntry) error

	// PendingMutations returns all entries in FIFO order.
	PendingMutations() ([]*models.MutationEntry, error)

	// RemoveMutation deletes an entry by id.
	RemoveMutation(id string) error

	// MutationCount returns the number of queued entries.
	MutationCount() (int, error)
}

// SyncRepository combines repositories needed for sync operations and adds
// the atomic store+queue writes.
type SyncRepository interface {
	ReadingRepository
	MutationQueueRepository

	// CreateReadingWithMutation inserts a reading and its queue entry in one
	// transaction.
	CreateReadingWithMutation(reading *models.Reading, entry *models.MutationEntry) error

	// UpdateReadingWithMutation writes a reading and appends a queue entry in
	// one transaction.
	UpdateReadingWithMutation(reading *models.Reading, entry *models.MutationEntry) error

	// DeleteReadingWithMutation removes a reading and records the remote
	// delete intent in one transaction. A nil entry skips the queue write.
	DeleteReadingWithMutation(id string, entry *models.MutationEntry) error
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ ReadingRepository       = (*Repository)(nil)
	_ MutationQueueRepository = (*Repository)(nil)
	_ SyncRepository          = (*Repository)(nil)
)
