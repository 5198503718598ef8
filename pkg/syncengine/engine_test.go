package syncengine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqcore/synqcore/internal/testentity"
	"github.com/synqcore/synqcore/pkg/adapter"
	"github.com/synqcore/synqcore/pkg/config"
	"github.com/synqcore/synqcore/pkg/entity"
	"github.com/synqcore/synqcore/pkg/events"
	"github.com/synqcore/synqcore/pkg/memadapter"
	"github.com/synqcore/synqcore/pkg/middleware"
	"github.com/synqcore/synqcore/pkg/queue"
	"github.com/synqcore/synqcore/pkg/resolver"
	"github.com/synqcore/synqcore/pkg/syncengine"
	"github.com/synqcore/synqcore/pkg/synqerr"
	"github.com/synqcore/synqcore/pkg/syncop"
)

// fakeRemote is a minimal in-memory RemoteAdapter for exercising the
// engine without a network.
type fakeRemote struct {
	mu         sync.Mutex
	items      map[string]map[string]entity.Entity
	meta       map[string]syncop.Metadata
	connected  bool
	partial    bool
	pushHook   func(userID string, e entity.Entity)
	failPushes int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		items:     make(map[string]map[string]entity.Entity),
		meta:      make(map[string]syncop.Metadata),
		connected: true,
	}
}

func (r *fakeRemote) FetchAll(_ context.Context, userID string, _ adapter.Scope) ([]entity.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []entity.Entity
	for _, e := range r.items[userID] {
		out = append(out, e)
	}
	return out, nil
}

func (r *fakeRemote) FetchByID(_ context.Context, id, userID string) (entity.Entity, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.items[userID][id]
	return e, ok, nil
}

func (r *fakeRemote) Push(_ context.Context, e entity.Entity, userID string) (entity.Entity, error) {
	if r.pushHook != nil {
		r.pushHook(userID, e)
	}
	r.mu.Lock()
	if r.failPushes > 0 {
		r.failPushes--
		r.mu.Unlock()
		return nil, errors.New("simulated remote outage")
	}
	defer r.mu.Unlock()
	if r.items[userID] == nil {
		r.items[userID] = make(map[string]entity.Entity)
	}
	r.items[userID][e.ID()] = e
	return e, nil
}

func (r *fakeRemote) Patch(_ context.Context, id, userID string, delta map[string]any) (entity.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing := r.items[userID][id]
	merged, err := existing.FromMap(mergeFields(existing.ToMap(), delta))
	if err != nil {
		return nil, err
	}
	r.items[userID][id] = merged
	return merged, nil
}

func mergeFields(base, delta map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(delta))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range delta {
		out[k] = v
	}
	return out
}

func (r *fakeRemote) PartialUpdatesSupported() bool { return r.partial }

func (r *fakeRemote) DeleteRemote(_ context.Context, id, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items[userID], id)
	return nil
}

func (r *fakeRemote) GetSyncMetadata(_ context.Context, userID string) (syncop.Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta[userID], nil
}

func (r *fakeRemote) UpdateSyncMetadata(_ context.Context, userID string, meta syncop.Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.meta[userID] = meta
	return nil
}

func (r *fakeRemote) IsConnected(_ context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *fakeRemote) ChangeStream() <-chan syncop.ChangeEvent { return nil }
func (r *fakeRemote) Dispose(_ context.Context) error         { return nil }

var _ adapter.RemoteAdapter = (*fakeRemote)(nil)

type harness struct {
	local  *memadapter.Adapter
	remote *fakeRemote
	queue  *queue.Manager
	engine *syncengine.Engine
	bus    *events.Bus
	stats  *syncop.Statistics
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	local, err := memadapter.New(&testentity.Record{})
	require.NoError(t, err)
	remote := newFakeRemote()
	qm := queue.NewManager(local)
	bus := events.NewBus()
	stats := &syncop.Statistics{}
	observers := middleware.NewObservers(nil)
	engine := syncengine.New(cfg, local, remote, nil, nil, qm, nil, nil, observers, bus, stats)
	return &harness{local: local, remote: remote, queue: qm, engine: engine, bus: bus, stats: stats}
}

func TestSynchronizePushesQueuedCreateToRemote(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.Default())

	rec := testentity.New("1", "u1", 1, time.Now(), map[string]any{"title": "hello"})
	require.NoError(t, h.local.Push(ctx, rec, "u1"))
	require.NoError(t, h.queue.Enqueue(ctx, "u1", syncop.Operation{
		OperationID: "op1", OwnerUserID: "u1", EntityID: "1", Kind: syncop.OpCreate, Snapshot: rec, CreatedAt: time.Now(),
	}))

	result, err := h.engine.Synchronize(ctx, "u1", syncengine.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.SyncedCount)
	assert.Empty(t, h.queue.Snapshot("u1"))

	remoteItem, found, err := h.remote.FetchByID(ctx, "1", "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hello", remoteItem.ToMap()["title"])
}

func TestSynchronizePullsNewRemoteItemIntoLocal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.Default())

	remoteRec := testentity.New("2", "u1", 1, time.Now(), map[string]any{"title": "from-remote"})
	_, err := h.remote.Push(ctx, remoteRec, "u1")
	require.NoError(t, err)

	result, err := h.engine.Synchronize(ctx, "u1", syncengine.Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 0, result.FailedCount)

	localItem, found, err := h.local.GetByID(ctx, "2", "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "from-remote", localItem.ToMap()["title"])
}

func TestSynchronizeResolvesBothModifiedConflictWithLastWriteWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.Default())

	older := time.Now().Add(-time.Hour)
	newer := time.Now()

	localRec := testentity.New("3", "u1", 1, older, map[string]any{"title": "local-version"})
	require.NoError(t, h.local.Push(ctx, localRec, "u1"))

	remoteRec := testentity.New("3", "u1", 2, newer, map[string]any{"title": "remote-version"})
	_, err := h.remote.Push(ctx, remoteRec, "u1")
	require.NoError(t, err)

	result, err := h.engine.Synchronize(ctx, "u1", syncengine.Options{Force: true, Resolver: resolver.LastWriteWins{}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ConflictsResolved)

	localItem, _, err := h.local.GetByID(ctx, "3", "u1")
	require.NoError(t, err)
	assert.Equal(t, "remote-version", localItem.ToMap()["title"])
}

func TestSynchronizeRejectsConcurrentCallsForSameUser(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.Default())

	blocking := make(chan struct{})
	release := make(chan struct{})
	h.remote.pushHook = func(userID string, e entity.Entity) {
		close(blocking)
		<-release
	}

	rec := testentity.New("1", "u1", 1, time.Now(), nil)
	require.NoError(t, h.local.Push(ctx, rec, "u1"))
	require.NoError(t, h.queue.Enqueue(ctx, "u1", syncop.Operation{
		OperationID: "op1", OwnerUserID: "u1", EntityID: "1", Kind: syncop.OpCreate, Snapshot: rec, CreatedAt: time.Now(),
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.engine.Synchronize(ctx, "u1", syncengine.Options{})
	}()

	<-blocking
	_, err := h.engine.Synchronize(ctx, "u1", syncengine.Options{})
	require.Error(t, err)
	kind, ok := synqerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, synqerr.KindConcurrentSync, kind)

	close(release)
	<-done
}

func TestSynchronizeReturnsTimeoutWhenDeadlineElapses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.Default())

	h.remote.pushHook = func(string, entity.Entity) { time.Sleep(20 * time.Millisecond) }

	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		rec := testentity.New(id, "u1", 1, time.Now(), nil)
		require.NoError(t, h.local.Push(ctx, rec, "u1"))
		require.NoError(t, h.queue.Enqueue(ctx, "u1", syncop.Operation{
			OperationID: id, OwnerUserID: "u1", EntityID: id, Kind: syncop.OpCreate, Snapshot: rec, CreatedAt: time.Now(),
		}))
	}

	result, err := h.engine.Synchronize(ctx, "u1", syncengine.Options{Timeout: 5 * time.Millisecond})
	require.NoError(t, err) // timeout is folded into the Result, not returned as an error
	require.NotEmpty(t, result.Errors)
}

func TestPauseSuspendsPushUntilResume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.Default())

	rec := testentity.New("1", "u1", 1, time.Now(), nil)
	require.NoError(t, h.local.Push(ctx, rec, "u1"))
	require.NoError(t, h.queue.Enqueue(ctx, "u1", syncop.Operation{
		OperationID: "op1", OwnerUserID: "u1", EntityID: "1", Kind: syncop.OpCreate, Snapshot: rec, CreatedAt: time.Now(),
	}))

	h.engine.Pause("u1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.engine.Synchronize(ctx, "u1", syncengine.Options{})
	}()

	select {
	case <-done:
		t.Fatal("Synchronize completed while paused")
	case <-time.After(100 * time.Millisecond):
	}

	h.engine.Resume("u1")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Synchronize did not resume after Resume")
	}
}

func TestCancelStopsCycleMidPush(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.Default())

	blocking := make(chan struct{})
	h.remote.pushHook = func(string, entity.Entity) {
		close(blocking)
		time.Sleep(50 * time.Millisecond)
	}

	for i := 0; i < 2; i++ {
		id := string(rune('a' + i))
		rec := testentity.New(id, "u1", 1, time.Now(), nil)
		require.NoError(t, h.local.Push(ctx, rec, "u1"))
		require.NoError(t, h.queue.Enqueue(ctx, "u1", syncop.Operation{
			OperationID: id, OwnerUserID: "u1", EntityID: id, Kind: syncop.OpCreate, Snapshot: rec, CreatedAt: time.Now(),
		}))
	}

	resultCh := make(chan syncop.Result, 1)
	go func() {
		result, _ := h.engine.Synchronize(ctx, "u1", syncengine.Options{})
		resultCh <- result
	}()

	<-blocking
	h.engine.Cancel("u1")

	select {
	case result := <-resultCh:
		assert.True(t, result.WasCancelled)
	case <-time.After(time.Second):
		t.Fatal("Synchronize did not observe cancellation")
	}
}

func TestMetadataIsRecordedAfterSync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.Default())

	_, ok := h.engine.Metadata("u1")
	assert.False(t, ok)

	_, err := h.engine.Synchronize(ctx, "u1", syncengine.Options{})
	require.NoError(t, err)

	meta, ok := h.engine.Metadata("u1")
	assert.True(t, ok)
	assert.False(t, meta.LastSyncAt.IsZero())
}

func TestSynchronizeLeavesRetryableFailureQueuedThenRecoversNextCycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.Default())

	rec := testentity.New("1", "u1", 1, time.Now(), map[string]any{"title": "hello"})
	require.NoError(t, h.local.Push(ctx, rec, "u1"))
	require.NoError(t, h.queue.Enqueue(ctx, "u1", syncop.Operation{
		OperationID: "op1", OwnerUserID: "u1", EntityID: "1", Kind: syncop.OpCreate, Snapshot: rec, CreatedAt: time.Now(),
	}))

	h.remote.failPushes = 1

	result, err := h.engine.Synchronize(ctx, "u1", syncengine.Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, result.SyncedCount)
	assert.Equal(t, 0, result.FailedCount, "a retryable failure under the retry budget is not a terminal failure")

	pending := h.queue.Snapshot("u1")
	require.Len(t, pending, 1, "the failed operation stays queued for the next cycle")
	assert.Equal(t, 1, pending[0].RetryCount)
	require.NotNil(t, pending[0].LastAttemptAt)

	_, found, err := h.remote.FetchByID(ctx, "1", "u1")
	require.NoError(t, err)
	assert.False(t, found)

	result, err = h.engine.Synchronize(ctx, "u1", syncengine.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.SyncedCount)
	assert.Empty(t, h.queue.Snapshot("u1"))

	remoteItem, found, err := h.remote.FetchByID(ctx, "1", "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hello", remoteItem.ToMap()["title"])
}

func TestSynchronizeScopedPullPreservesLocalOnlyItem(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.Default())

	localOnly := testentity.New("1", "u1", 1, time.Now(), map[string]any{"title": "local-only"})
	require.NoError(t, h.local.Push(ctx, localOnly, "u1"))

	remoteRec := testentity.New("2", "u1", 1, time.Now(), map[string]any{"title": "from-remote"})
	_, err := h.remote.Push(ctx, remoteRec, "u1")
	require.NoError(t, err)

	result, err := h.engine.Synchronize(ctx, "u1", syncengine.Options{Force: true, Scope: "only-2"})
	require.NoError(t, err)
	assert.Equal(t, 0, result.FailedCount)

	_, found, err := h.local.GetByID(ctx, "1", "u1")
	require.NoError(t, err)
	assert.True(t, found, "a scoped pull must not prune a local-only item the way a full sync would")

	remoteItem, found, err := h.local.GetByID(ctx, "2", "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "from-remote", remoteItem.ToMap()["title"])
}

func TestSynchronizePullDeletesLocalItemForRemoteTombstone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.Default())

	localRec := testentity.New("1", "u1", 1, time.Now().Add(-time.Hour), map[string]any{"title": "will-be-deleted"})
	require.NoError(t, h.local.Push(ctx, localRec, "u1"))

	tombstone := &testentity.Record{IDValue: "1", Owner: "u1", Ver: 2, Modified: time.Now(), Deleted: true, Payload: map[string]any{}}
	_, err := h.remote.Push(ctx, tombstone, "u1")
	require.NoError(t, err)

	result, err := h.engine.Synchronize(ctx, "u1", syncengine.Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 0, result.FailedCount)

	_, found, err := h.local.GetByID(ctx, "1", "u1")
	require.NoError(t, err)
	assert.False(t, found, "a remote tombstone with no pending local mutation must delete the local copy, not resurrect it")
}
