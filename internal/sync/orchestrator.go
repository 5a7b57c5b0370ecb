// Package sync orchestrates push and fetch synchronization between the
// local record store and the remote reading service.
package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/diabetactic/glucotrack-core/internal/errors"
	"github.com/diabetactic/glucotrack-core/internal/logging"
	"github.com/diabetactic/glucotrack-core/internal/models"
	"github.com/diabetactic/glucotrack-core/internal/remote"
	"github.com/diabetactic/glucotrack-core/internal/store"
	"github.com/diabetactic/glucotrack-core/internal/sync/queue"
	"github.com/diabetactic/glucotrack-core/internal/sync/reconcile"
)

// ReadingService is the consumed remote capability. *remote.Client
// satisfies it; tests substitute fakes.
type ReadingService interface {
	CreateReading(ctx context.Context, payload remote.ReadingPayload) (*remote.RemoteReading, error)
	UpdateReading(ctx context.Context, remoteID int64, payload remote.ReadingPayload) error
	DeleteReading(ctx context.Context, remoteID int64) error
	ListReadings(ctx context.Context) ([]remote.RemoteReading, error)
}

// ConnectivitySource reports the current online/offline state.
type ConnectivitySource interface {
	Online() bool
}

// StatsRefresher recomputes cached aggregate counters after readings reach
// the backend. Strictly best-effort.
type StatsRefresher interface {
	Refresh() error
}

// AuthInvalidator drops cached credentials after an auth failure.
type AuthInvalidator interface {
	Invalidate()
}

// Options tune orchestrator behavior.
type Options struct {
	// AutoPush triggers an asynchronous push pass after every local write.
	AutoPush bool
}

// DefaultOptions returns the production configuration.
func DefaultOptions() Options {
	return Options{AutoPush: true}
}

// inflightPass shares one running push pass with concurrent callers.
type inflightPass struct {
	done   chan struct{}
	result *SyncResult
	err    error
}

// inflightFetch shares one running fetch pass with concurrent callers.
type inflightFetch struct {
	done   chan struct{}
	result *FetchResult
	err    error
}

// Orchestrator owns the sync state machine: the single in-flight pass
// handle, the queue drain loop, and the fetch/merge path. All global
// mutable sync state lives on this instance.
type Orchestrator struct {
	store   *store.RecordStore
	queue   *queue.MutationQueue
	service ReadingService
	conn    ConnectivitySource
	stats   StatsRefresher
	auth    AuthInvalidator
	opts    Options

	mu       sync.Mutex
	inflight *inflightPass
	fetching *inflightFetch
	lastPush *SyncResult
}

// NewOrchestrator wires the sync engine. service may be nil when the build
// runs against a fully local backend; every pass is then a no-op.
// stats and auth are optional.
func NewOrchestrator(recordStore *store.RecordStore, mutationQueue *queue.MutationQueue,
	service ReadingService, conn ConnectivitySource, opts Options) *Orchestrator {
	return &Orchestrator{
		store:   recordStore,
		queue:   mutationQueue,
		service: service,
		conn:    conn,
		opts:    opts,
	}
}

// SetStatsRefresher registers the aggregate-state refresher.
func (o *Orchestrator) SetStatsRefresher(stats StatsRefresher) {
	o.stats = stats
}

// SetAuthInvalidator registers the credential cache to drop on auth errors.
func (o *Orchestrator) SetAuthInvalidator(auth AuthInvalidator) {
	o.auth = auth
}

// Store exposes the record store (read surface and subscriptions).
func (o *Orchestrator) Store() *store.RecordStore {
	return o.store
}

// =====================================================
// Local CRUD surface
// =====================================================

// AddReading writes a new reading locally and queues a remote create.
// The local write always succeeds first; sync is best-effort afterwards.
func (o *Orchestrator) AddReading(reading *models.Reading) error {
	if reading.Unit == "" {
		reading.Unit = models.UnitMgDL
	}
	if reading.MeasuredAt == 0 {
		now := time.Now()
		_, offset := now.Zone()
		reading.MeasuredAt = now.Unix()
		reading.TZOffsetSec = offset
	}
	reading.Synced = false
	reading.IsLocalOnly = true
	reading.RemoteID = 0

	entry, err := queue.CreateEntry(reading)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrReadingInvalid, "failed to snapshot reading", err)
	}

	if err := o.store.Insert(reading, entry); err != nil {
		return err
	}

	o.triggerPush()
	return nil
}

// UpdateReading applies a partial edit locally and queues a remote update.
func (o *Orchestrator) UpdateReading(id string, update models.ReadingUpdate) (*models.Reading, error) {
	updated, err := o.store.Update(id, update, func(r *models.Reading) *models.MutationEntry {
		entry, entryErr := queue.UpdateEntry(r)
		if entryErr != nil {
			// Snapshot marshaling of a plain struct cannot fail in practice;
			// fall back to an empty payload rather than losing the write.
			logging.Error("Failed to snapshot reading for update entry", entryErr,
				map[string]interface{}{"reading_id": r.ID})
			return &models.MutationEntry{
				Operation: models.OperationUpdate,
				ReadingID: r.ID,
				RemoteID:  r.RemoteID,
			}
		}
		return entry
	})
	if err != nil {
		return nil, err
	}

	o.triggerPush()
	return updated, nil
}

// DeleteReading removes a reading locally. A remote-delete intent is queued
// only when the backend is known to have a copy; never-synced readings
// vanish with no network side effect.
func (o *Orchestrator) DeleteReading(id string) error {
	reading, err := o.store.Get(id)
	if err != nil {
		return err
	}

	var entry *models.MutationEntry
	if !reading.IsLocalOnly {
		entry = queue.DeleteEntry(reading)
	}

	if err := o.store.Delete(id, entry); err != nil {
		return err
	}

	if entry != nil {
		o.triggerPush()
	}
	return nil
}

// PendingSyncCount returns the number of queued mutations, surfaced to the
// UI as non-blocking status.
func (o *Orchestrator) PendingSyncCount() (int, error) {
	return o.queue.Count()
}

// LastPushResult returns the result of the most recent push pass, or nil.
func (o *Orchestrator) LastPushResult() *SyncResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastPush
}

// triggerPush starts a background push pass after a local write.
func (o *Orchestrator) triggerPush() {
	if !o.opts.AutoPush {
		return
	}
	go func() {
		if _, err := o.SyncPendingReadings(context.Background()); err != nil {
			logging.Error("Background push failed", err)
		}
	}()
}

// =====================================================
// Push path
// =====================================================

// SyncPendingReadings drains the mutation queue against the backend. Safe
// to call concurrently: a second caller while a pass is in flight does not
// start a second pass, it awaits and returns the in-flight result.
func (o *Orchestrator) SyncPendingReadings(ctx context.Context) (*SyncResult, error) {
	o.mu.Lock()
	if pass := o.inflight; pass != nil {
		o.mu.Unlock()
		select {
		case <-pass.done:
			return pass.result, pass.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	pass := &inflightPass{done: make(chan struct{})}
	o.inflight = pass
	o.mu.Unlock()

	result, err := o.runPushPass(ctx)

	// Guaranteed teardown of the in-flight handle regardless of outcome.
	pass.result, pass.err = result, err
	o.mu.Lock()
	o.inflight = nil
	if result != nil {
		o.lastPush = result
	}
	o.mu.Unlock()
	close(pass.done)

	return result, err
}

// runPushPass executes one pass. The pass never aborts on per-entry
// failures; it only skips entirely on the offline/unconfigured
// preconditions.
func (o *Orchestrator) runPushPass(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{}

	if o.service == nil {
		logging.Debug("Skipping push: remote service not configured")
		return result, nil
	}
	if o.conn != nil && !o.conn.Online() {
		logging.Debug("Skipping push: offline")
		return result, nil
	}

	entries, err := o.queue.PendingInOrder()
	if err != nil {
		return result, apperrors.Wrap(apperrors.ErrDatabase, "failed to read mutation queue", err)
	}
	if len(entries) == 0 {
		return result, nil
	}

	logging.Info("Starting push pass", map[string]interface{}{"pending": len(entries)})

	for _, entry := range entries {
		// Remove before issuing the call: if the call lands but local
		// bookkeeping dies, the operation must not replay and duplicate
		// the remote record. At-most-once over at-least-once.
		if err := o.queue.Remove(string(entry.ID)); err != nil {
			logging.Warn("Queue entry vanished before send",
				map[string]interface{}{"entry_id": entry.ID})
			continue
		}

		remoteID, sendErr := o.sendMutation(ctx, entry)

		if sendErr == nil {
			result.Succeeded++
			if entry.Operation != models.OperationDelete {
				if err := o.store.MarkSynced(string(entry.ReadingID), remoteID); err != nil {
					// The network effect happened; the record will be
					// corrected by the next fetch.
					logging.Error("Failed to mark reading synced", err,
						map[string]interface{}{"reading_id": entry.ReadingID})
				}
			}
			continue
		}

		result.Failed++
		result.LastError = sendErr.Error()

		var authErr *remote.AuthError
		if errors.As(sendErr, &authErr) {
			// Auth failures burn no retry budget and abort the pass; every
			// later entry would fail the same way. The caller refreshes
			// credentials and re-triggers.
			result.AuthFailure = true
			if o.auth != nil {
				o.auth.Invalidate()
			}
			if err := o.queue.Enqueue(entry); err != nil {
				logging.Error("Failed to re-enqueue entry after auth failure", err,
					map[string]interface{}{"entry_id": entry.ID})
			}
			logging.ErrorWithCode("Push pass halted on auth failure",
				string(apperrors.ErrSyncAuthFailed), sendErr, nil)
			break
		}

		kept, requeueErr := o.queue.Requeue(entry, sendErr)
		if requeueErr != nil {
			logging.Error("Failed to re-enqueue mutation", requeueErr,
				map[string]interface{}{"entry_id": entry.ID})
		} else if !kept {
			logging.ErrorWithCode("Mutation dropped permanently",
				string(apperrors.ErrSyncRetryExceeded), sendErr,
				map[string]interface{}{
					"entry_id":   entry.ID,
					"operation":  entry.Operation,
					"reading_id": entry.ReadingID,
				})
		}
	}

	logging.Info("Push pass completed", map[string]interface{}{
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
	})

	if result.Succeeded > 0 && o.stats != nil {
		// Best-effort refresh of cached aggregates; never blocks or fails
		// the pass.
		go func() {
			if err := o.stats.Refresh(); err != nil {
				logging.Warn("Stats refresh after push failed",
					map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	return result, nil
}

// sendMutation issues the remote call for one queue entry and returns the
// remote id to stamp locally (zero when unchanged).
func (o *Orchestrator) sendMutation(ctx context.Context, entry *models.MutationEntry) (int64, error) {
	switch entry.Operation {
	case models.OperationCreate:
		snap, err := entry.Snapshot()
		if err != nil {
			return 0, fmt.Errorf("corrupt payload snapshot: %w", err)
		}
		created, err := o.service.CreateReading(ctx, remote.PayloadFromSnapshot(snap))
		if err != nil {
			return 0, err
		}
		return created.ID, nil

	case models.OperationUpdate:
		remoteID, err := o.resolveRemoteID(entry)
		if err != nil {
			return 0, err
		}
		snap, err := entry.Snapshot()
		if err != nil {
			return 0, fmt.Errorf("corrupt payload snapshot: %w", err)
		}
		err = o.service.UpdateReading(ctx, remoteID, remote.PayloadFromSnapshot(snap))
		var notFound *remote.NotFoundError
		if errors.As(err, &notFound) {
			// The backend lost the record this update targets.
			return 0, fmt.Errorf("%w: update conflicts with remote state", err)
		}
		return 0, err

	case models.OperationDelete:
		remoteID, err := o.resolveRemoteID(entry)
		if err != nil {
			return 0, err
		}
		err = o.service.DeleteReading(ctx, remoteID)
		var notFound *remote.NotFoundError
		if errors.As(err, &notFound) {
			// Already gone remotely; the intent is satisfied.
			return 0, nil
		}
		return 0, err

	default:
		return 0, fmt.Errorf("unknown mutation operation %q", entry.Operation)
	}
}

// resolveRemoteID returns the backend id for an update/delete entry. The
// snapshot id may be zero when the entry was enqueued before the creating
// entry was pushed; by FIFO the create has run by now and stamped the store.
func (o *Orchestrator) resolveRemoteID(entry *models.MutationEntry) (int64, error) {
	if entry.RemoteID != 0 {
		return entry.RemoteID, nil
	}
	reading, err := o.store.Get(string(entry.ReadingID))
	if err != nil {
		return 0, fmt.Errorf("reading %s not resolvable locally: %w", entry.ReadingID, err)
	}
	if reading.RemoteID == 0 {
		return 0, fmt.Errorf("reading %s has no remote id yet", entry.ReadingID)
	}
	return reading.RemoteID, nil
}

// =====================================================
// Fetch path
// =====================================================

// FetchFromBackend pulls the remote reading set and merges it into the
// local store. Safe to call concurrently: like the push path, a second
// caller while a fetch is in flight awaits and returns the in-flight
// result instead of starting a second pass. Two interleaved merges of the
// same listing would otherwise both miss the remote-id lookup and insert
// the record twice.
func (o *Orchestrator) FetchFromBackend(ctx context.Context) (*FetchResult, error) {
	o.mu.Lock()
	if pass := o.fetching; pass != nil {
		o.mu.Unlock()
		select {
		case <-pass.done:
			return pass.result, pass.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	pass := &inflightFetch{done: make(chan struct{})}
	o.fetching = pass
	o.mu.Unlock()

	result, err := o.runFetchPass(ctx)

	pass.result, pass.err = result, err
	o.mu.Lock()
	o.fetching = nil
	o.mu.Unlock()
	close(pass.done)

	return result, err
}

// runFetchPass executes one fetch. Skips with a zero result under the same
// preconditions as the push path. Local-only readings are never touched and
// nothing is ever deleted here: remote deletions are not observable via
// this protocol.
func (o *Orchestrator) runFetchPass(ctx context.Context) (*FetchResult, error) {
	result := &FetchResult{}

	if o.service == nil {
		logging.Debug("Skipping fetch: remote service not configured")
		return result, nil
	}
	if o.conn != nil && !o.conn.Online() {
		logging.Debug("Skipping fetch: offline")
		return result, nil
	}

	remoteReadings, err := o.service.ListReadings(ctx)
	if err != nil {
		var authErr *remote.AuthError
		if errors.As(err, &authErr) && o.auth != nil {
			o.auth.Invalidate()
		}
		return result, apperrors.Wrap(apperrors.ErrSyncFailed, "failed to list remote readings", err)
	}
	result.Fetched = len(remoteReadings)

	for _, rr := range remoteReadings {
		local, err := o.store.GetByRemoteID(rr.ID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			logging.Error("Remote-id lookup failed during merge", err,
				map[string]interface{}{"remote_id": rr.ID})
			continue
		}
		if errors.Is(err, sql.ErrNoRows) {
			local = nil
		}

		switch reconcile.Decide(local, rr) {
		case reconcile.ActionInsert:
			reading, err := reconcile.ReadingFromRemote(rr)
			if err != nil {
				logging.Warn("Skipping unparseable remote reading",
					map[string]interface{}{"remote_id": rr.ID, "error": err.Error()})
				continue
			}
			if err := o.store.Insert(reading, nil); err != nil {
				logging.Error("Failed to insert fetched reading", err,
					map[string]interface{}{"remote_id": rr.ID})
				continue
			}
			result.Merged++

		case reconcile.ActionOverwrite:
			// Server wins unconditionally on payload divergence.
			reconcile.MergeInto(local, rr)
			if err := o.store.ApplyRemote(local); err != nil {
				logging.Error("Failed to apply remote overwrite", err,
					map[string]interface{}{"remote_id": rr.ID})
				continue
			}
			result.Merged++

		case reconcile.ActionIgnore:
			// Payloads already agree.
		}
	}

	logging.Info("Fetch pass completed", map[string]interface{}{
		"fetched": result.Fetched,
		"merged":  result.Merged,
	})

	return result, nil
}

// PerformFullSync runs the push path then the fetch path.
func (o *Orchestrator) PerformFullSync(ctx context.Context) (*FullSyncResult, error) {
	push, err := o.SyncPendingReadings(ctx)
	if err != nil {
		return &FullSyncResult{Push: push}, err
	}

	fetch, err := o.FetchFromBackend(ctx)
	return &FullSyncResult{Push: push, Fetch: fetch}, err
}
