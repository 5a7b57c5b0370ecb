// Package queue manages the durable mutation queue for offline operations.
//
// Entries survive process restarts: they live in the mutation_queue table
// and are only removed explicitly. Iteration is FIFO by insertion order so
// later operations on the same reading are never applied out of order.
package queue

import (
	"github.com/diabetactic/glucotrack-core/internal/db"
	"github.com/diabetactic/glucotrack-core/internal/logging"
	"github.com/diabetactic/glucotrack-core/internal/models"
)

// DefaultMaxRetries bounds how often a failed entry is re-enqueued before
// being dropped permanently. Deliberate "don't retry forever" policy: it
// trades eventual consistency for bounded queue growth.
const DefaultMaxRetries = 3

// MutationQueue is the durable, ordered list of pending sync operations.
type MutationQueue struct {
	repo       db.MutationQueueRepository
	maxRetries int
}

// New creates a MutationQueue. maxRetries <= 0 selects DefaultMaxRetries.
func New(repo db.MutationQueueRepository, maxRetries int) *MutationQueue {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &MutationQueue{
		repo:       repo,
		maxRetries: maxRetries,
	}
}

// MaxRetries returns the configured retry budget.
func (q *MutationQueue) MaxRetries() int {
	return q.maxRetries
}

// Enqueue appends an entry to the queue tail.
func (q *MutationQueue) Enqueue(entry *models.MutationEntry) error {
	if err := q.repo.CreateMutation(entry); err != nil {
		return err
	}
	logging.Debug("Enqueued mutation",
		map[string]interface{}{
			"entry_id":   entry.ID,
			"operation":  entry.Operation,
			"reading_id": entry.ReadingID,
		})
	return nil
}

// PendingInOrder returns all entries in enqueue order. The iteration is
// restartable and non-destructive; entries remain until removed.
func (q *MutationQueue) PendingInOrder() ([]*models.MutationEntry, error) {
	return q.repo.PendingMutations()
}

// Remove deletes an entry by id.
func (q *MutationQueue) Remove(id string) error {
	return q.repo.RemoveMutation(id)
}

// Count returns the number of queued entries.
func (q *MutationQueue) Count() (int, error) {
	return q.repo.MutationCount()
}

// Requeue records a failed attempt. If the retry budget allows, the entry
// goes back at the tail with an incremented counter and the captured error;
// otherwise it is dropped permanently with a logged diagnostic. Returns
// whether the entry was kept.
func (q *MutationQueue) Requeue(entry *models.MutationEntry, cause error) (bool, error) {
	entry.RetryCount++
	entry.LastError = cause.Error()

	if entry.RetryCount >= q.maxRetries {
		logging.Warn("Mutation dropped after exhausting retries",
			map[string]interface{}{
				"entry_id":    entry.ID,
				"operation":   entry.Operation,
				"reading_id":  entry.ReadingID,
				"retry_count": entry.RetryCount,
				"last_error":  entry.LastError,
			})
		return false, nil
	}

	if err := q.repo.CreateMutation(entry); err != nil {
		return false, err
	}

	logging.Debug("Mutation re-enqueued for retry",
		map[string]interface{}{
			"entry_id":    entry.ID,
			"operation":   entry.Operation,
			"retry_count": entry.RetryCount,
		})
	return true, nil
}

// CreateEntry builds a queue entry capturing a reading's payload for a
// remote create.
func CreateEntry(reading *models.Reading) (*models.MutationEntry, error) {
	payload, err := reading.MarshalSnapshot()
	if err != nil {
		return nil, err
	}
	return &models.MutationEntry{
		Operation: models.OperationCreate,
		ReadingID: reading.ID,
		Payload:   payload,
	}, nil
}

// UpdateEntry builds a queue entry capturing a reading's payload and current
// remote id for a remote update. The remote id may still be zero when the
// creating entry is ahead in the queue; the push path resolves it at send
// time.
func UpdateEntry(reading *models.Reading) (*models.MutationEntry, error) {
	payload, err := reading.MarshalSnapshot()
	if err != nil {
		return nil, err
	}
	return &models.MutationEntry{
		Operation: models.OperationUpdate,
		ReadingID: reading.ID,
		RemoteID:  reading.RemoteID,
		Payload:   payload,
	}, nil
}

// DeleteEntry builds a queue entry for a remote delete. Only meaningful for
// readings the backend is known to have (IsLocalOnly == false).
func DeleteEntry(reading *models.Reading) *models.MutationEntry {
	return &models.MutationEntry{
		Operation: models.OperationDelete,
		ReadingID: reading.ID,
		RemoteID:  reading.RemoteID,
	}
}
