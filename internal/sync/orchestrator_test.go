// Package sync provides unit tests for the push/fetch orchestrator.
package sync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/diabetactic/glucotrack-core/internal/db"
	"github.com/diabetactic/glucotrack-core/internal/models"
	"github.com/diabetactic/glucotrack-core/internal/remote"
	"github.com/diabetactic/glucotrack-core/internal/store"
	"github.com/diabetactic/glucotrack-core/internal/sync/queue"
)

// =====================================================
// Test doubles
// =====================================================

type fakeConn struct {
	online atomic.Bool
}

func (c *fakeConn) Online() bool { return c.online.Load() }

type fakeInvalidator struct {
	calls int32
}

func (f *fakeInvalidator) Invalidate() { atomic.AddInt32(&f.calls, 1) }

type updateCall struct {
	remoteID int64
	payload  remote.ReadingPayload
}

// fakeService records calls and injects failures per operation. createErrs
// fails specific create calls by 1-based call number; createErr fails all.
type fakeService struct {
	mu          sync.Mutex
	nextID      int64
	createCalls int
	created     []remote.ReadingPayload
	updates     []updateCall
	deletes     []int64
	createErrs  map[int]error
	createErr   error
	updateErr   error
	deleteErr   error
	listErr     error
	listing     []remote.RemoteReading
	listCalls   int
	gate        chan struct{}
	onCreate    chan struct{}
	listGate    chan struct{}
	onList      chan struct{}
}

func (f *fakeService) CreateReading(ctx context.Context, payload remote.ReadingPayload) (*remote.RemoteReading, error) {
	if f.onCreate != nil {
		select {
		case f.onCreate <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if err, ok := f.createErrs[f.createCalls]; ok {
		return nil, err
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, payload)
	f.nextID++
	return &remote.RemoteReading{ID: f.nextID, Value: payload.Value, Date: payload.Date}, nil
}

func (f *fakeService) UpdateReading(ctx context.Context, remoteID int64, payload remote.ReadingPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, updateCall{remoteID: remoteID, payload: payload})
	return nil
}

func (f *fakeService) DeleteReading(ctx context.Context, remoteID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletes = append(f.deletes, remoteID)
	return nil
}

func (f *fakeService) ListReadings(ctx context.Context) ([]remote.RemoteReading, error) {
	if f.onList != nil {
		select {
		case f.onList <- struct{}{}:
		default:
		}
	}
	if f.listGate != nil {
		<-f.listGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.listing, nil
}

func (f *fakeService) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeService) snapshot() (creates int, created []remote.ReadingPayload, updates []updateCall, deletes []int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls, append([]remote.ReadingPayload(nil), f.created...),
		append([]updateCall(nil), f.updates...), append([]int64(nil), f.deletes...)
}

// =====================================================
// Setup
// =====================================================

type testHarness struct {
	orch    *Orchestrator
	store   *store.RecordStore
	queue   *queue.MutationQueue
	service *fakeService
	conn    *fakeConn
	cleanup func()
}

func setupOrchestrator(t *testing.T, service *fakeService, online bool) *testHarness {
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
	recordStore := store.New(repo)
	mutationQueue := queue.New(repo, 3)

	conn := &fakeConn{}
	conn.online.Store(online)

	var svc ReadingService
	if service != nil {
		svc = service
	}
	orch := NewOrchestrator(recordStore, mutationQueue, svc, conn, Options{AutoPush: false})

	return &testHarness{
		orch:    orch,
		store:   recordStore,
		queue:   mutationQueue,
		service: service,
		conn:    conn,
		cleanup: func() {
			repo.Close()
			database.Close()
		},
	}
}

func addReading(t *testing.T, h *testHarness, value float64) *models.Reading {
	t.Helper()
	reading := &models.Reading{
		MeasuredAt:  1700000000,
		Value:       value,
		Unit:        models.UnitMgDL,
	}
	if err := h.orch.AddReading(reading); err != nil {
		t.Fatalf("AddReading failed: %v", err)
	}
	return reading
}

// =====================================================
// Local-first write path
// =====================================================

func TestAddReadingDefaultsAndState(t *testing.T) {
	h := setupOrchestrator(t, &fakeService{}, false)
	defer h.cleanup()

	reading := &models.Reading{Value: 110}
	if err := h.orch.AddReading(reading); err != nil {
		t.Fatalf("AddReading failed: %v", err)
	}

	if reading.Unit != models.UnitMgDL {
		t.Errorf("Expected default unit mg/dL, got %s", reading.Unit)
	}
	if reading.MeasuredAt == 0 {
		t.Error("Expected measurement time to be stamped")
	}
	if reading.Synced || !reading.IsLocalOnly || reading.RemoteID != 0 {
		t.Errorf("New readings must start unsynced and local-only: %+v", reading)
	}

	stored, err := h.store.Get(string(reading.ID))
	if err != nil {
		t.Fatalf("Reading not persisted: %v", err)
	}
	if stored.Status != models.StatusNormal {
		t.Errorf("Expected computed status normal, got %s", stored.Status)
	}

	pending, _ := h.orch.PendingSyncCount()
	if pending != 1 {
		t.Errorf("Expected 1 queued mutation, got %d", pending)
	}
}

// The local write must succeed even with no backend configured at all.
func TestAddReadingSucceedsWithoutService(t *testing.T) {
	h := setupOrchestrator(t, nil, false)
	defer h.cleanup()

	addReading(t, h, 100)
	pending, _ := h.orch.PendingSyncCount()
	if pending != 1 {
		t.Errorf("Expected mutation queued for later, got %d", pending)
	}
}

func TestDeleteLocalOnlyReadingQueuesNothing(t *testing.T) {
	h := setupOrchestrator(t, &fakeService{}, false)
	defer h.cleanup()

	reading := addReading(t, h, 100)

	// Drain the create entry so only the delete behavior is observed
	entries, _ := h.queue.PendingInOrder()
	for _, e := range entries {
		if err := h.queue.Remove(string(e.ID)); err != nil {
			t.Fatalf("Failed to drain queue: %v", err)
		}
	}

	if err := h.orch.DeleteReading(string(reading.ID)); err != nil {
		t.Fatalf("DeleteReading failed: %v", err)
	}

	pending, _ := h.orch.PendingSyncCount()
	if pending != 0 {
		t.Errorf("Never-synced delete must not queue a remote intent, got %d", pending)
	}
}

func TestDeleteSyncedReadingQueuesIntent(t *testing.T) {
	h := setupOrchestrator(t, &fakeService{}, true)
	defer h.cleanup()

	reading := addReading(t, h, 100)
	if _, err := h.orch.SyncPendingReadings(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if err := h.orch.DeleteReading(string(reading.ID)); err != nil {
		t.Fatalf("DeleteReading failed: %v", err)
	}

	entries, _ := h.queue.PendingInOrder()
	if len(entries) != 1 || entries[0].Operation != models.OperationDelete {
		t.Fatalf("Expected a single delete entry, got %+v", entries)
	}
	if entries[0].RemoteID != 1 {
		t.Errorf("Expected delete entry to carry remote id 1, got %d", entries[0].RemoteID)
	}
}

// =====================================================
// Push pass
// =====================================================

func TestSyncSkipsWhenOffline(t *testing.T) {
	service := &fakeService{}
	h := setupOrchestrator(t, service, false)
	defer h.cleanup()

	addReading(t, h, 100)

	result, err := h.orch.SyncPendingReadings(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Succeeded != 0 || result.Failed != 0 {
		t.Errorf("Expected zero result offline, got %+v", result)
	}

	creates, _, _, _ := service.snapshot()
	if creates != 0 {
		t.Errorf("Expected no network calls offline, got %d", creates)
	}
	pending, _ := h.orch.PendingSyncCount()
	if pending != 1 {
		t.Errorf("Expected queue untouched offline, got %d entries", pending)
	}
}

func TestSyncSkipsWhenUnconfigured(t *testing.T) {
	h := setupOrchestrator(t, nil, true)
	defer h.cleanup()

	addReading(t, h, 100)
	result, err := h.orch.SyncPendingReadings(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Succeeded != 0 || result.Failed != 0 {
		t.Errorf("Expected zero result without a service, got %+v", result)
	}
}

func TestOfflineReadingsPushInOrderOnReconnect(t *testing.T) {
	service := &fakeService{}
	h := setupOrchestrator(t, service, false)
	defer h.cleanup()

	r1 := addReading(t, h, 101)
	r2 := addReading(t, h, 102)
	r3 := addReading(t, h, 103)

	h.conn.online.Store(true)
	result, err := h.orch.SyncPendingReadings(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Succeeded != 3 || result.Failed != 0 {
		t.Errorf("Expected {3, 0}, got %+v", result)
	}

	_, created, _, _ := service.snapshot()
	if len(created) != 3 {
		t.Fatalf("Expected 3 creates, got %d", len(created))
	}
	for i, want := range []float64{101, 102, 103} {
		if created[i].Value != want {
			t.Errorf("Create %d: expected value %v, got %v", i, want, created[i].Value)
		}
	}

	pending, _ := h.orch.PendingSyncCount()
	if pending != 0 {
		t.Errorf("Expected empty queue, got %d entries", pending)
	}

	for i, r := range []*models.Reading{r1, r2, r3} {
		stored, err := h.store.Get(string(r.ID))
		if err != nil {
			t.Fatalf("Reading %d missing: %v", i, err)
		}
		if !stored.Synced || stored.IsLocalOnly {
			t.Errorf("Reading %d not marked synced: %+v", i, stored)
		}
		if stored.RemoteID != int64(i+1) {
			t.Errorf("Reading %d: expected remote id %d, got %d", i, i+1, stored.RemoteID)
		}
	}
}

func TestPartialFailureContinuesPass(t *testing.T) {
	service := &fakeService{
		createErrs: map[int]error{2: errors.New("backend hiccup")},
	}
	h := setupOrchestrator(t, service, true)
	defer h.cleanup()

	addReading(t, h, 101)
	failing := addReading(t, h, 102)
	addReading(t, h, 103)

	result, err := h.orch.SyncPendingReadings(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Succeeded != 2 || result.Failed != 1 {
		t.Errorf("Expected {2, 1}, got %+v", result)
	}
	if result.LastError == "" {
		t.Error("Expected last error to be captured")
	}

	entries, _ := h.queue.PendingInOrder()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 re-enqueued entry, got %d", len(entries))
	}
	if entries[0].ReadingID != failing.ID {
		t.Errorf("Expected the failing reading re-enqueued, got %s", entries[0].ReadingID)
	}
	if entries[0].RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", entries[0].RetryCount)
	}
}

func TestRetryBudgetDropsEntryAfterThreeFailures(t *testing.T) {
	service := &fakeService{createErr: errors.New("persistent failure")}
	h := setupOrchestrator(t, service, true)
	defer h.cleanup()

	addReading(t, h, 100)

	for pass := 1; pass <= 3; pass++ {
		result, err := h.orch.SyncPendingReadings(context.Background())
		if err != nil {
			t.Fatalf("Pass %d failed: %v", pass, err)
		}
		if result.Failed != 1 {
			t.Errorf("Pass %d: expected 1 failure, got %+v", pass, result)
		}
	}

	pending, _ := h.orch.PendingSyncCount()
	if pending != 0 {
		t.Errorf("Expected entry dropped after exhausting retries, got %d queued", pending)
	}

	// A fourth pass has nothing left to do
	result, _ := h.orch.SyncPendingReadings(context.Background())
	if result.Succeeded != 0 || result.Failed != 0 {
		t.Errorf("Expected empty pass, got %+v", result)
	}
}

func TestAuthFailureHaltsPassWithoutBurningRetries(t *testing.T) {
	service := &fakeService{
		createErrs: map[int]error{1: &remote.AuthError{StatusCode: 401}},
	}
	h := setupOrchestrator(t, service, true)
	defer h.cleanup()

	invalidator := &fakeInvalidator{}
	h.orch.SetAuthInvalidator(invalidator)

	addReading(t, h, 101)
	addReading(t, h, 102)

	result, err := h.orch.SyncPendingReadings(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if !result.AuthFailure {
		t.Error("Expected auth failure flag")
	}
	if result.Failed != 1 || result.Succeeded != 0 {
		t.Errorf("Expected pass halted after first entry, got %+v", result)
	}

	creates, _, _, _ := service.snapshot()
	if creates != 1 {
		t.Errorf("Expected 1 call before halt, got %d", creates)
	}
	if atomic.LoadInt32(&invalidator.calls) != 1 {
		t.Error("Expected token cache invalidated")
	}

	// Both entries remain queued and the failed one burned no retry budget
	entries, _ := h.queue.PendingInOrder()
	if len(entries) != 2 {
		t.Fatalf("Expected 2 queued entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.RetryCount != 0 {
			t.Errorf("Auth failures must not increment retry count, got %d", e.RetryCount)
		}
	}
}

func TestUpdateResolvesRemoteIDAssignedByEarlierCreate(t *testing.T) {
	service := &fakeService{}
	h := setupOrchestrator(t, service, false)
	defer h.cleanup()

	reading := addReading(t, h, 100)

	value := 125.0
	if _, err := h.orch.UpdateReading(string(reading.ID), models.ReadingUpdate{Value: &value}); err != nil {
		t.Fatalf("UpdateReading failed: %v", err)
	}

	// Queue now holds create then update; the update entry has no remote id
	entries, _ := h.queue.PendingInOrder()
	if len(entries) != 2 || entries[1].Operation != models.OperationUpdate {
		t.Fatalf("Unexpected queue: %+v", entries)
	}
	if entries[1].RemoteID != 0 {
		t.Errorf("Update entry should carry no remote id yet, got %d", entries[1].RemoteID)
	}

	h.conn.online.Store(true)
	result, err := h.orch.SyncPendingReadings(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Succeeded != 2 || result.Failed != 0 {
		t.Errorf("Expected {2, 0}, got %+v", result)
	}

	_, _, updates, _ := service.snapshot()
	if len(updates) != 1 {
		t.Fatalf("Expected 1 update call, got %d", len(updates))
	}
	if updates[0].remoteID != 1 {
		t.Errorf("Expected update against remote id 1, got %d", updates[0].remoteID)
	}
	if updates[0].payload.Value != 125 {
		t.Errorf("Expected updated value 125, got %v", updates[0].payload.Value)
	}
}

// The queue entry is removed before the network call, so a create whose
// local bookkeeping dies is never re-sent. At-most-once over at-least-once.
func TestSucceededCreateIsNeverResent(t *testing.T) {
	service := &fakeService{}
	h := setupOrchestrator(t, service, true)
	defer h.cleanup()

	reading := addReading(t, h, 100)

	// The local record vanishes before the pass, so the mark-as-synced step
	// fails after the remote call lands.
	if err := h.store.Delete(string(reading.ID), nil); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	result, err := h.orch.SyncPendingReadings(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Succeeded != 1 {
		t.Errorf("Expected the remote call to count as success, got %+v", result)
	}

	// A second pass must not replay the create
	if _, err := h.orch.SyncPendingReadings(context.Background()); err != nil {
		t.Fatalf("Second sync failed: %v", err)
	}
	creates, _, _, _ := service.snapshot()
	if creates != 1 {
		t.Errorf("Expected exactly one create across passes, got %d", creates)
	}
}

// A create that fails with a transport error and its trailing update must
// still land in create-then-update order across the retry passes.
func TestCreateUpdateOrderSurvivesInterveningFailure(t *testing.T) {
	service := &fakeService{
		createErrs: map[int]error{1: &remote.TransportError{Err: errors.New("timeout")}},
	}
	h := setupOrchestrator(t, service, true)
	defer h.cleanup()

	reading := addReading(t, h, 100)
	value := 130.0
	if _, err := h.orch.UpdateReading(string(reading.ID), models.ReadingUpdate{Value: &value}); err != nil {
		t.Fatalf("UpdateReading failed: %v", err)
	}

	// First pass: the create fails and the update cannot resolve a remote
	// id yet; both go back on the queue in their original relative order.
	result, err := h.orch.SyncPendingReadings(context.Background())
	if err != nil {
		t.Fatalf("First pass failed: %v", err)
	}
	if result.Failed != 2 {
		t.Errorf("Expected both entries to fail the first pass, got %+v", result)
	}

	// Second pass: the create lands first and stamps the remote id the
	// update then resolves.
	result, err = h.orch.SyncPendingReadings(context.Background())
	if err != nil {
		t.Fatalf("Second pass failed: %v", err)
	}
	if result.Succeeded != 2 || result.Failed != 0 {
		t.Errorf("Expected {2, 0} on retry, got %+v", result)
	}

	_, created, updates, _ := service.snapshot()
	if len(created) != 1 || len(updates) != 1 {
		t.Fatalf("Expected 1 create and 1 update, got %d and %d", len(created), len(updates))
	}
	if updates[0].remoteID != 1 {
		t.Errorf("Expected the update against remote id 1, got %d", updates[0].remoteID)
	}
	if updates[0].payload.Value != 130 {
		t.Errorf("Expected the edited value on the wire, got %v", updates[0].payload.Value)
	}
}

func TestDeleteNotFoundCountsAsSuccess(t *testing.T) {
	service := &fakeService{deleteErr: &remote.NotFoundError{RemoteID: 9}}
	h := setupOrchestrator(t, service, true)
	defer h.cleanup()

	reading := addReading(t, h, 100)
	if _, err := h.orch.SyncPendingReadings(context.Background()); err != nil {
		t.Fatalf("Initial sync failed: %v", err)
	}

	if err := h.orch.DeleteReading(string(reading.ID)); err != nil {
		t.Fatalf("DeleteReading failed: %v", err)
	}

	result, err := h.orch.SyncPendingReadings(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Succeeded != 1 || result.Failed != 0 {
		t.Errorf("Already-gone remote delete must count as success, got %+v", result)
	}
	pending, _ := h.orch.PendingSyncCount()
	if pending != 0 {
		t.Errorf("Expected empty queue, got %d", pending)
	}
}

func TestConcurrentSyncSharesSinglePass(t *testing.T) {
	service := &fakeService{
		gate:     make(chan struct{}),
		onCreate: make(chan struct{}, 1),
	}
	h := setupOrchestrator(t, service, true)
	defer h.cleanup()

	addReading(t, h, 100)

	type outcome struct {
		result *SyncResult
		err    error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			r, err := h.orch.SyncPendingReadings(context.Background())
			results <- outcome{r, err}
		}()
	}

	// One goroutine is provably blocked inside the service; give the other
	// a moment to observe the in-flight pass, then release.
	select {
	case <-service.onCreate:
	case <-time.After(time.Second):
		t.Fatal("Push pass never reached the service")
	}
	time.Sleep(50 * time.Millisecond)
	close(service.gate)

	first := <-results
	second := <-results
	if first.err != nil || second.err != nil {
		t.Fatalf("Sync errors: %v, %v", first.err, second.err)
	}
	if first.result != second.result {
		t.Error("Concurrent callers must share the in-flight pass result")
	}

	creates, _, _, _ := service.snapshot()
	if creates != 1 {
		t.Errorf("Expected exactly one create across concurrent calls, got %d", creates)
	}
}

func TestSyncCanBeAbandonedByContext(t *testing.T) {
	service := &fakeService{
		gate:     make(chan struct{}),
		onCreate: make(chan struct{}, 1),
	}
	h := setupOrchestrator(t, service, true)
	defer h.cleanup()

	addReading(t, h, 100)

	go h.orch.SyncPendingReadings(context.Background())

	// Wait until the pass is provably inside the service call
	select {
	case <-service.onCreate:
	case <-time.After(time.Second):
		t.Fatal("Push pass never reached the service")
	}

	// A second caller with a cancelled context stops waiting for the pass
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.orch.SyncPendingReadings(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	close(service.gate)
}

func TestStatsRefreshedAfterSuccessfulPush(t *testing.T) {
	service := &fakeService{}
	h := setupOrchestrator(t, service, true)
	defer h.cleanup()

	refreshed := make(chan struct{}, 1)
	h.orch.SetStatsRefresher(refreshFunc(func() error {
		select {
		case refreshed <- struct{}{}:
		default:
		}
		return nil
	}))

	addReading(t, h, 100)
	if _, err := h.orch.SyncPendingReadings(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	select {
	case <-refreshed:
	case <-time.After(time.Second):
		t.Error("Expected stats refresh after successful push")
	}
}

type refreshFunc func() error

func (f refreshFunc) Refresh() error { return f() }

// =====================================================
// Fetch pass
// =====================================================

func TestFetchSkipsWhenOffline(t *testing.T) {
	service := &fakeService{listing: []remote.RemoteReading{{ID: 1, Value: 100, Date: "2026-08-30T08:00:00Z"}}}
	h := setupOrchestrator(t, service, false)
	defer h.cleanup()

	result, err := h.orch.FetchFromBackend(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.Fetched != 0 || result.Merged != 0 {
		t.Errorf("Expected zero result offline, got %+v", result)
	}
}

func TestFetchInsertsUnknownRemoteReadings(t *testing.T) {
	service := &fakeService{listing: []remote.RemoteReading{
		{ID: 10, Value: 95, Date: "2026-08-30T08:00:00Z", Notes: "from server"},
	}}
	h := setupOrchestrator(t, service, true)
	defer h.cleanup()

	result, err := h.orch.FetchFromBackend(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.Fetched != 1 || result.Merged != 1 {
		t.Errorf("Expected {1, 1}, got %+v", result)
	}

	stored, err := h.store.GetByRemoteID(10)
	if err != nil {
		t.Fatalf("Fetched reading not stored: %v", err)
	}
	if !stored.Synced || stored.IsLocalOnly {
		t.Errorf("Fetched readings must arrive synced: %+v", stored)
	}
	if stored.Notes != "from server" {
		t.Errorf("Expected server notes, got %q", stored.Notes)
	}
}

func TestConcurrentFetchSharesSinglePass(t *testing.T) {
	service := &fakeService{
		listing: []remote.RemoteReading{
			{ID: 1, Value: 100, Date: "2026-08-30T08:00:00Z"},
			{ID: 2, Value: 110, Date: "2026-08-30T12:00:00Z"},
		},
		listGate: make(chan struct{}),
		onList:   make(chan struct{}, 1),
	}
	h := setupOrchestrator(t, service, true)
	defer h.cleanup()

	type outcome struct {
		result *FetchResult
		err    error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			r, err := h.orch.FetchFromBackend(context.Background())
			results <- outcome{r, err}
		}()
	}

	// One goroutine is provably blocked inside the listing call; give the
	// other a moment to observe the in-flight fetch, then release.
	select {
	case <-service.onList:
	case <-time.After(time.Second):
		t.Fatal("Fetch pass never reached the service")
	}
	time.Sleep(50 * time.Millisecond)
	close(service.listGate)

	first := <-results
	second := <-results
	if first.err != nil || second.err != nil {
		t.Fatalf("Fetch errors: %v, %v", first.err, second.err)
	}
	if first.result != second.result {
		t.Error("Concurrent callers must share the in-flight fetch result")
	}
	if service.listCount() != 1 {
		t.Errorf("Expected exactly one listing across concurrent calls, got %d", service.listCount())
	}

	// The merge ran once: every remote record landed exactly once.
	all, err := h.store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 local readings, got %d", len(all))
	}
}

func TestFetchServerWinsOnDivergence(t *testing.T) {
	service := &fakeService{}
	h := setupOrchestrator(t, service, true)
	defer h.cleanup()

	reading := addReading(t, h, 100)
	if _, err := h.orch.SyncPendingReadings(context.Background()); err != nil {
		t.Fatalf("Initial sync failed: %v", err)
	}

	// The server's copy now diverges
	service.mu.Lock()
	service.listing = []remote.RemoteReading{
		{ID: 1, Value: 150, Date: "2026-08-30T08:00:00Z", Notes: "corrected"},
	}
	service.mu.Unlock()

	result, err := h.orch.FetchFromBackend(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.Merged != 1 {
		t.Errorf("Expected 1 merged, got %+v", result)
	}

	stored, _ := h.store.Get(string(reading.ID))
	if stored.Value != 150 || stored.Notes != "corrected" {
		t.Errorf("Expected server payload to win, got %+v", stored)
	}
	if !stored.Synced {
		t.Error("Overwritten reading must be synced")
	}
	if stored.Status != models.StatusNormal {
		t.Errorf("Expected recomputed status for value 150, got %s", stored.Status)
	}
}

func TestFetchIgnoresMatchingPayloads(t *testing.T) {
	service := &fakeService{}
	h := setupOrchestrator(t, service, true)
	defer h.cleanup()

	reading := addReading(t, h, 100)
	if _, err := h.orch.SyncPendingReadings(context.Background()); err != nil {
		t.Fatalf("Initial sync failed: %v", err)
	}

	service.mu.Lock()
	service.listing = []remote.RemoteReading{{ID: 1, Value: 100, Date: "2026-08-30T08:00:00Z"}}
	service.mu.Unlock()

	before, _ := h.store.Get(string(reading.ID))
	result, err := h.orch.FetchFromBackend(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.Fetched != 1 || result.Merged != 0 {
		t.Errorf("Expected {1, 0}, got %+v", result)
	}

	after, _ := h.store.Get(string(reading.ID))
	if after.UpdatedAt != before.UpdatedAt {
		t.Error("Matching payloads must leave the local record untouched")
	}
}

func TestFetchLeavesLocalOnlyReadingsAlone(t *testing.T) {
	service := &fakeService{listing: []remote.RemoteReading{
		{ID: 20, Value: 80, Date: "2026-08-30T08:00:00Z"},
	}}
	h := setupOrchestrator(t, service, false)
	defer h.cleanup()

	local := addReading(t, h, 100)

	h.conn.online.Store(true)
	if _, err := h.orch.FetchFromBackend(context.Background()); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	stored, _ := h.store.Get(string(local.ID))
	if stored.Synced || !stored.IsLocalOnly || stored.Value != 100 {
		t.Errorf("Local-only reading must be untouched by fetch: %+v", stored)
	}

	readings, _ := h.store.List()
	if len(readings) != 2 {
		t.Errorf("Expected local plus fetched reading, got %d", len(readings))
	}
}

func TestFetchListFailureInvalidatesAuthOn401(t *testing.T) {
	service := &fakeService{listErr: &remote.AuthError{StatusCode: 401}}
	h := setupOrchestrator(t, service, true)
	defer h.cleanup()

	invalidator := &fakeInvalidator{}
	h.orch.SetAuthInvalidator(invalidator)

	if _, err := h.orch.FetchFromBackend(context.Background()); err == nil {
		t.Error("Expected fetch error on auth failure")
	}
	if atomic.LoadInt32(&invalidator.calls) != 1 {
		t.Error("Expected token cache invalidated")
	}
}

// =====================================================
// Full cycle
// =====================================================

func TestPerformFullSyncPushesThenFetches(t *testing.T) {
	service := &fakeService{listing: []remote.RemoteReading{
		{ID: 30, Value: 90, Date: "2026-08-30T08:00:00Z"},
	}}
	h := setupOrchestrator(t, service, true)
	defer h.cleanup()

	addReading(t, h, 100)

	result, err := h.orch.PerformFullSync(context.Background())
	if err != nil {
		t.Fatalf("PerformFullSync failed: %v", err)
	}
	if result.Push == nil || result.Push.Succeeded != 1 {
		t.Errorf("Expected 1 pushed, got %+v", result.Push)
	}
	if result.Fetch == nil || result.Fetch.Merged != 1 {
		t.Errorf("Expected 1 merged, got %+v", result.Fetch)
	}

	readings, _ := h.store.List()
	if len(readings) != 2 {
		t.Errorf("Expected pushed plus fetched reading, got %d", len(readings))
	}
}

func TestLastPushResultIsRecorded(t *testing.T) {
	service := &fakeService{}
	h := setupOrchestrator(t, service, true)
	defer h.cleanup()

	if h.orch.LastPushResult() != nil {
		t.Error("Expected no result before the first pass")
	}

	addReading(t, h, 100)
	result, err := h.orch.SyncPendingReadings(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if h.orch.LastPushResult() != result {
		t.Error("Expected the completed pass to be recorded")
	}
}
