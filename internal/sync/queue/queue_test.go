// Package queue provides unit tests for the durable mutation queue.
package queue

import (
	"errors"
	"testing"

	"github.com/diabetactic/glucotrack-core/internal/db"
	"github.com/diabetactic/glucotrack-core/internal/models"
)

func setupTestQueue(t *testing.T, maxRetries int) (*MutationQueue, func()) {
	t.Helper()
	database, err := db.OpenInMemory()
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		database.Close()
		t.Fatalf("Failed to initialize migrations: %v", err)
	}
	if err := migrator.Up(); err != nil {
		database.Close()
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	repo := db.NewRepository(database.DB)
	cleanup := func() {
		repo.Close()
		database.Close()
	}
	return New(repo, maxRetries), cleanup
}

func TestEnqueuePreservesFIFOOrder(t *testing.T) {
	q, cleanup := setupTestQueue(t, 0)
	defer cleanup()

	for _, id := range []models.UUID{"a", "b", "c"} {
		entry := &models.MutationEntry{Operation: models.OperationCreate, ReadingID: id}
		if err := q.Enqueue(entry); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	entries, err := q.PendingInOrder()
	if err != nil {
		t.Fatalf("PendingInOrder failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	for i, want := range []models.UUID{"a", "b", "c"} {
		if entries[i].ReadingID != want {
			t.Errorf("Entry %d: expected reading %s, got %s", i, want, entries[i].ReadingID)
		}
	}
}

// Iteration must be non-destructive: entries stay queued until removed.
func TestPendingInOrderDoesNotConsume(t *testing.T) {
	q, cleanup := setupTestQueue(t, 0)
	defer cleanup()

	entry := &models.MutationEntry{Operation: models.OperationCreate, ReadingID: "a"}
	if err := q.Enqueue(entry); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if _, err := q.PendingInOrder(); err != nil {
		t.Fatalf("PendingInOrder failed: %v", err)
	}
	count, err := q.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected entry to survive iteration, got count %d", count)
	}
}

func TestRequeueMovesEntryToTail(t *testing.T) {
	q, cleanup := setupTestQueue(t, 3)
	defer cleanup()

	first := &models.MutationEntry{Operation: models.OperationCreate, ReadingID: "a"}
	second := &models.MutationEntry{Operation: models.OperationCreate, ReadingID: "b"}
	if err := q.Enqueue(first); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.Enqueue(second); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Simulate a failed send of the head entry
	if err := q.Remove(string(first.ID)); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	kept, err := q.Requeue(first, errors.New("connection refused"))
	if err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	if !kept {
		t.Fatal("Expected entry to be kept on first failure")
	}

	entries, _ := q.PendingInOrder()
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].ReadingID != "b" || entries[1].ReadingID != "a" {
		t.Errorf("Expected failed entry at the tail, got order %s, %s",
			entries[0].ReadingID, entries[1].ReadingID)
	}
	if entries[1].RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", entries[1].RetryCount)
	}
	if entries[1].LastError == "" {
		t.Error("Expected last error to be recorded")
	}
}

func TestRequeueDropsAfterMaxRetries(t *testing.T) {
	q, cleanup := setupTestQueue(t, 3)
	defer cleanup()

	entry := &models.MutationEntry{Operation: models.OperationCreate, ReadingID: "a"}
	if err := q.Enqueue(entry); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	cause := errors.New("boom")
	for attempt := 1; attempt <= 3; attempt++ {
		if err := q.Remove(string(entry.ID)); err != nil {
			t.Fatalf("Remove failed on attempt %d: %v", attempt, err)
		}
		kept, err := q.Requeue(entry, cause)
		if err != nil {
			t.Fatalf("Requeue failed on attempt %d: %v", attempt, err)
		}
		if attempt < 3 && !kept {
			t.Fatalf("Expected entry kept on attempt %d", attempt)
		}
		if attempt == 3 && kept {
			t.Fatal("Expected entry dropped on attempt 3")
		}
	}

	count, _ := q.Count()
	if count != 0 {
		t.Errorf("Expected empty queue after drop, got %d entries", count)
	}
}

func TestNewAppliesDefaultMaxRetries(t *testing.T) {
	q, cleanup := setupTestQueue(t, 0)
	defer cleanup()
	if q.MaxRetries() != DefaultMaxRetries {
		t.Errorf("Expected default max retries %d, got %d", DefaultMaxRetries, q.MaxRetries())
	}
}

func TestCreateEntryCapturesSnapshot(t *testing.T) {
	reading := &models.Reading{
		ID:         "r1",
		MeasuredAt: 1700000000,
		Value:      115,
		Unit:       models.UnitMgDL,
	}

	entry, err := CreateEntry(reading)
	if err != nil {
		t.Fatalf("CreateEntry failed: %v", err)
	}
	if entry.Operation != models.OperationCreate || entry.ReadingID != "r1" {
		t.Errorf("Unexpected entry: %+v", entry)
	}

	snap, err := entry.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot decode failed: %v", err)
	}
	if snap.Value != 115 {
		t.Errorf("Expected frozen value 115, got %v", snap.Value)
	}
}

func TestUpdateEntryCarriesRemoteID(t *testing.T) {
	reading := &models.Reading{ID: "r1", RemoteID: 40, Value: 90, Unit: models.UnitMgDL}
	entry, err := UpdateEntry(reading)
	if err != nil {
		t.Fatalf("UpdateEntry failed: %v", err)
	}
	if entry.Operation != models.OperationUpdate || entry.RemoteID != 40 {
		t.Errorf("Unexpected entry: %+v", entry)
	}
}

func TestDeleteEntryHasNoPayload(t *testing.T) {
	reading := &models.Reading{ID: "r1", RemoteID: 40}
	entry := DeleteEntry(reading)
	if entry.Operation != models.OperationDelete || entry.RemoteID != 40 {
		t.Errorf("Unexpected entry: %+v", entry)
	}
	if len(entry.Payload) != 0 {
		t.Error("Delete entries should carry no payload")
	}
}
