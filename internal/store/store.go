// Package store provides the durable record store for glucose readings.
//
// All mutations go through here so that the derived status classification is
// recomputed at write time and every committed mutation publishes a fresh
// full snapshot to subscribers. The UI layer and the sync engine both
// observe the store through Subscribe instead of polling.
package store

import (
	"sync"

	"github.com/diabetactic/glucotrack-core/internal/db"
	"github.com/diabetactic/glucotrack-core/internal/logging"
	"github.com/diabetactic/glucotrack-core/internal/models"
)

// Snapshot is the full current set of readings, ordered by measurement time
// descending.
type Snapshot []*models.Reading

// Subscriber receives a snapshot synchronously after each committed
// mutation.
type Subscriber func(Snapshot)

// RecordStore is the keyed, durable table of readings.
type RecordStore struct {
	repo db.SyncRepository

	// mu serializes mutations so subscribers see a monotonically
	// consistent sequence of snapshots.
	mu sync.Mutex

	subMu  sync.RWMutex
	subs   map[int]Subscriber
	nextID int
}

// New creates a RecordStore over the given repository.
func New(repo db.SyncRepository) *RecordStore {
	return &RecordStore{
		repo: repo,
		subs: make(map[int]Subscriber),
	}
}

// Subscribe registers a subscriber for snapshots. The returned function
// unregisters it.
func (s *RecordStore) Subscribe(fn Subscriber) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// publish builds the current snapshot and delivers it to all subscribers.
// Called with s.mu held so snapshots never mix pre- and post-mutation state.
func (s *RecordStore) publish() {
	readings, err := s.repo.ListReadings()
	if err != nil {
		logging.Error("Failed to build readings snapshot", err)
		return
	}

	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, fn := range s.subs {
		fn(Snapshot(readings))
	}
}

// Insert adds a reading, recomputing its status from value and unit. When
// entry is non-nil the queue entry is written in the same transaction.
func (s *RecordStore) Insert(reading *models.Reading, entry *models.MutationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reading.Status = models.ClassifyStatus(reading.Value, reading.Unit)

	var err error
	if entry != nil {
		err = s.repo.CreateReadingWithMutation(reading, entry)
	} else {
		err = s.repo.CreateReading(reading)
	}
	if err != nil {
		return err
	}

	s.publish()
	return nil
}

// Get retrieves a reading by local id.
func (s *RecordStore) Get(id string) (*models.Reading, error) {
	return s.repo.GetReading(id)
}

// GetByRemoteID retrieves the reading holding the given backend id.
func (s *RecordStore) GetByRemoteID(remoteID int64) (*models.Reading, error) {
	return s.repo.GetReadingByRemoteID(remoteID)
}

// List returns the current snapshot, newest first.
func (s *RecordStore) List() (Snapshot, error) {
	readings, err := s.repo.ListReadings()
	return Snapshot(readings), err
}

// QueryByTimeRange returns readings measured within [start, end].
func (s *RecordStore) QueryByTimeRange(start, end int64) ([]*models.Reading, error) {
	return s.repo.QueryReadingsByTimeRange(start, end)
}

// CountUnsynced returns the number of readings not known to match remote.
func (s *RecordStore) CountUnsynced() (int, error) {
	return s.repo.CountUnsynced()
}

// Update applies a partial local edit. The status is recomputed and the
// synced flag drops to false in the same write: the record is no longer
// known-equal to remote. makeEntry, when non-nil, builds the queue entry
// from the post-update state; it is persisted in the same transaction.
func (s *RecordStore) Update(id string, update models.ReadingUpdate, makeEntry func(*models.Reading) *models.MutationEntry) (*models.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reading, err := s.repo.GetReading(id)
	if err != nil {
		return nil, err
	}

	applyUpdate(reading, update)
	reading.Status = models.ClassifyStatus(reading.Value, reading.Unit)
	reading.Synced = false

	if makeEntry != nil {
		if err := s.repo.UpdateReadingWithMutation(reading, makeEntry(reading)); err != nil {
			return nil, err
		}
	} else {
		if err := s.repo.UpdateReading(reading); err != nil {
			return nil, err
		}
	}

	s.publish()
	return reading, nil
}

// Delete removes a reading. A non-nil entry (the remote-delete intent for
// previously synced readings) is written in the same transaction.
func (s *RecordStore) Delete(id string, entry *models.MutationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.DeleteReadingWithMutation(id, entry); err != nil {
		return err
	}

	s.publish()
	return nil
}

// MarkSynced flips a reading to the known-equal-to-remote state, stamping
// the backend id when remoteID is positive.
func (s *RecordStore) MarkSynced(id string, remoteID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.MarkReadingSynced(id, remoteID); err != nil {
		return err
	}

	s.publish()
	return nil
}

// ApplyRemote overwrites the mutable payload fields of a local reading with
// server state. The result is synced by definition.
func (s *RecordStore) ApplyRemote(reading *models.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reading.Status = models.ClassifyStatus(reading.Value, reading.Unit)
	reading.Synced = true
	reading.IsLocalOnly = false

	if err := s.repo.ApplyRemoteOverwrite(reading); err != nil {
		return err
	}

	s.publish()
	return nil
}

func applyUpdate(reading *models.Reading, update models.ReadingUpdate) {
	if update.MeasuredAt != nil {
		reading.MeasuredAt = *update.MeasuredAt
	}
	if update.TZOffsetSec != nil {
		reading.TZOffsetSec = *update.TZOffsetSec
	}
	if update.Value != nil {
		reading.Value = *update.Value
	}
	if update.Unit != nil {
		reading.Unit = *update.Unit
	}
	if update.MealContext != nil {
		reading.MealContext = *update.MealContext
	}
	if update.Notes != nil {
		reading.Notes = *update.Notes
	}
}
