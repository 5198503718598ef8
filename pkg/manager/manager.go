// Package manager implements SynqManager, the public facade over the
// queue, sync engine, and event bus: CRUD that feeds the
// pending-operation queue, external-change ingestion with
// deduplication, user-switch strategies, auto-sync timers, and
// reactive query pass-throughs. It is the one long-lived coordinating
// type wiring together storage, the event channel, and the sync
// worker, and it owns CRUD and external-change ingestion in addition
// to driving sync cycles.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/synqcore/synqcore/pkg/adapter"
	"github.com/synqcore/synqcore/pkg/config"
	"github.com/synqcore/synqcore/pkg/entity"
	"github.com/synqcore/synqcore/pkg/events"
	"github.com/synqcore/synqcore/pkg/middleware"
	"github.com/synqcore/synqcore/pkg/queue"
	"github.com/synqcore/synqcore/pkg/syncengine"
	"github.com/synqcore/synqcore/pkg/synqerr"
	"github.com/synqcore/synqcore/pkg/synqhash"
	"github.com/synqcore/synqcore/pkg/syncop"
)

// Logger is the minimal sink auto-sync failures are reported to.
// pkg/synqlog's console logger satisfies this.
type Logger interface {
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Errorf(string, ...any) {}

// PushOptions controls one CRUD write's enqueue and DataChange
// behavior.
type PushOptions struct {
	// Source identifies the origin of the write. A write whose Source
	// is SourceLocal (the default) is enqueued for push; any other
	// source suppresses enqueuing, since the data is already known to
	// the other side.
	Source events.DataChangeSource
	// ForceRemoteSync enqueues regardless of Source.
	ForceRemoteSync bool
}

func (o PushOptions) source() events.DataChangeSource {
	if o.Source == "" {
		return events.SourceLocal
	}
	return o.Source
}

// UserSwitchResult is the outcome of SwitchUser.
type UserSwitchResult struct {
	Success         bool
	PreviousUser    string
	NewUser         string
	HadUnsyncedData bool
	Message         string
}

// Manager is the public entry point host applications use.
type Manager struct {
	cfg config.Config

	local  adapter.LocalAdapter
	remote adapter.RemoteAdapter
	clock  adapter.Clock
	uuids  adapter.UUIDSource

	engine     *syncengine.Engine
	queue      *queue.Manager
	middleware middleware.Chain
	observers  *middleware.Observers
	bus        *events.Bus
	stats      *syncop.Statistics
	logger     Logger

	ingestMu       sync.Mutex
	processed      map[string]string
	processedOrder []string

	autoSyncMu     sync.Mutex
	autoSyncCancel map[string]context.CancelFunc
}

// New constructs a Manager wired to the given collaborators.
func New(
	cfg config.Config,
	local adapter.LocalAdapter,
	remote adapter.RemoteAdapter,
	clock adapter.Clock,
	uuids adapter.UUIDSource,
	engine *syncengine.Engine,
	qm *queue.Manager,
	mw middleware.Chain,
	observers *middleware.Observers,
	bus *events.Bus,
	stats *syncop.Statistics,
	logger Logger,
) *Manager {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Manager{
		cfg:            cfg,
		local:          local,
		remote:         remote,
		clock:          clock,
		uuids:          uuids,
		engine:         engine,
		queue:          qm,
		middleware:     mw,
		observers:      observers,
		bus:            bus,
		stats:          stats,
		logger:         logger,
		processed:      make(map[string]string),
		autoSyncCancel: make(map[string]context.CancelFunc),
	}
}

func (m *Manager) now() time.Time {
	if m.clock != nil {
		return m.clock.Now()
	}
	return time.Now()
}

func (m *Manager) newID() string {
	if m.uuids != nil {
		return m.uuids.NewID()
	}
	return uuid.NewString()
}

// Push ensures userID is initialized, writes item locally (create or
// patch, depending on whether it already exists), optionally enqueues
// the corresponding operation, and emits a DataChange.
func (m *Manager) Push(ctx context.Context, item entity.Entity, userID string, opts PushOptions) error {
	if err := m.queue.InitializeUser(ctx, userID); err != nil {
		return err
	}
	existing, found, err := m.local.GetByID(ctx, item.ID(), userID)
	if err != nil {
		return err
	}
	if found && item.Version() < existing.Version() {
		return synqerr.Validation("entity version must not decrease")
	}
	transformed, err := m.middleware.BeforeSave(ctx, userID, item)
	if err != nil {
		return err
	}

	var (
		kind  syncop.OpKind
		delta map[string]any
	)
	if !found {
		kind = syncop.OpCreate
		if err := m.local.Push(ctx, transformed, userID); err != nil {
			return err
		}
	} else {
		kind = syncop.OpUpdate
		delta = transformed.Diff(existing)
		if delta == nil {
			return nil
		}
		if err := m.local.Patch(ctx, item.ID(), userID, delta); err != nil {
			return err
		}
	}

	if opts.source() == events.SourceLocal || opts.ForceRemoteSync {
		op := syncop.Operation{
			OperationID: m.newID(),
			OwnerUserID: userID,
			EntityID:    transformed.ID(),
			Kind:        kind,
			Snapshot:    transformed,
			Delta:       delta,
			CreatedAt:   m.now(),
		}
		if err := m.queue.Enqueue(ctx, userID, op); err != nil {
			return err
		}
	}

	m.emitDataChange(ctx, userID, transformed, kind, opts.source())
	return nil
}

// Delete removes item id locally (no-op if absent), optionally
// enqueues a delete operation, and emits a DataChange.
func (m *Manager) Delete(ctx context.Context, id, userID string, opts PushOptions) error {
	existing, found, err := m.local.GetByID(ctx, id, userID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if _, err := m.local.Delete(ctx, id, userID); err != nil {
		return err
	}

	if opts.source() == events.SourceLocal || opts.ForceRemoteSync {
		op := syncop.Operation{
			OperationID: m.newID(),
			OwnerUserID: userID,
			EntityID:    id,
			Kind:        syncop.OpDelete,
			Snapshot:    existing,
			CreatedAt:   m.now(),
		}
		if err := m.queue.Enqueue(ctx, userID, op); err != nil {
			return err
		}
	}

	m.emitDataChange(ctx, userID, existing, syncop.OpDelete, opts.source())
	return nil
}

// PushAndSync performs Push, then a sync cycle for userID.
func (m *Manager) PushAndSync(ctx context.Context, item entity.Entity, userID string, pushOpts PushOptions, syncOpts syncengine.Options) (syncop.Result, error) {
	if err := m.Push(ctx, item, userID, pushOpts); err != nil {
		return syncop.Result{UserID: userID}, err
	}
	return m.engine.Synchronize(ctx, userID, syncOpts)
}

// DeleteAndSync performs Delete, then a sync cycle for userID.
func (m *Manager) DeleteAndSync(ctx context.Context, id, userID string, pushOpts PushOptions, syncOpts syncengine.Options) (syncop.Result, error) {
	if err := m.Delete(ctx, id, userID, pushOpts); err != nil {
		return syncop.Result{UserID: userID}, err
	}
	return m.engine.Synchronize(ctx, userID, syncOpts)
}

func (m *Manager) emitDataChange(ctx context.Context, userID string, item entity.Entity, kind syncop.OpKind, source events.DataChangeSource) {
	m.observers.DataChange(ctx, userID, item, kind, string(source))
	m.bus.Publish(events.Event{Kind: events.KindDataChange, UserID: userID, Entity: item, OpKind: kind, Source: source})
}

// StartChangeStreams subscribes to the local and remote adapters'
// change streams, if provided, and ingests each inbound change
// through the four-filter dedup pipeline until ctx is canceled.
func (m *Manager) StartChangeStreams(ctx context.Context) {
	if ch := m.local.ChangeStream(); ch != nil {
		go m.pump(ctx, ch)
	}
	if ch := m.remote.ChangeStream(); ch != nil {
		go m.pump(ctx, ch)
	}
}

func (m *Manager) pump(ctx context.Context, ch <-chan syncop.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-ch:
			if !ok {
				return
			}
			if err := m.ingest(ctx, change); err != nil {
				m.logger.Errorf("ingesting external change for %s/%s: %v", change.UserID, change.EntityID, err)
			}
		}
	}
}

// ingest runs one inbound change through the dedup filters below. The
// whole pipeline is serialized by ingestMu so interleaved duplicates
// can't race each other through the dedup cache.
func (m *Manager) ingest(ctx context.Context, change syncop.ChangeEvent) error {
	m.ingestMu.Lock()
	defer m.ingestMu.Unlock()

	// Filter 1: observers see every external event, deduplicated or not.
	m.observers.ExternalChange(ctx, change)

	key := fmt.Sprintf("%s|%s|%s|%d", change.Kind, change.EntityID, change.UserID, change.Timestamp.UnixNano())
	var dataHash string
	if change.Entity != nil {
		dataHash = synqhash.Map(change.Entity.ToRemoteMap())
	}

	// Filter 2: change-key + data-hash dedup.
	if seen, ok := m.processed[key]; ok && seen == dataHash {
		return nil
	}

	// Filter 3: pending-op dedup.
	for _, op := range m.queue.Snapshot(change.UserID) {
		if op.Kind == change.Kind && op.EntityID == change.EntityID && entity.Equivalent(op.Snapshot, change.Entity) {
			m.markProcessed(key, dataHash)
			return nil
		}
	}

	// Filter 4: already-current dedup.
	localItem, found, err := m.local.GetByID(ctx, change.EntityID, change.UserID)
	if err != nil {
		return err
	}
	if change.Kind == syncop.OpDelete {
		if !found || localItem.IsDeleted() {
			m.markProcessed(key, dataHash)
			return nil
		}
	} else if found && entity.Equivalent(localItem, change.Entity) {
		m.markProcessed(key, dataHash)
		return nil
	}

	// Apply with the inbound source (never SourceLocal) so Push/Delete
	// do not re-enqueue a push for data that arrived externally.
	var applyErr error
	switch change.Kind {
	case syncop.OpDelete:
		applyErr = m.Delete(ctx, change.EntityID, change.UserID, PushOptions{Source: events.SourceRemote})
	default:
		if change.Entity != nil {
			applyErr = m.Push(ctx, change.Entity, change.UserID, PushOptions{Source: events.SourceRemote})
		}
	}
	m.markProcessed(key, dataHash)
	return applyErr
}

// markProcessed records key as seen and prunes the cache to at most
// 1000 entries, oldest first, once it overflows.
func (m *Manager) markProcessed(key, dataHash string) {
	if _, exists := m.processed[key]; !exists {
		m.processedOrder = append(m.processedOrder, key)
	}
	m.processed[key] = dataHash
	for len(m.processedOrder) > 1000 {
		oldest := m.processedOrder[0]
		m.processedOrder = m.processedOrder[1:]
		delete(m.processed, oldest)
	}
}

// SwitchUser applies strategy to hand off from previous to next.
func (m *Manager) SwitchUser(ctx context.Context, previous, next string, strategy config.UserSwitchStrategy, syncOpts syncengine.Options) (UserSwitchResult, error) {
	m.observers.UserSwitchStart(ctx, previous, next)

	pending := m.queue.Snapshot(previous)
	hadUnsynced := len(pending) > 0

	switch strategy {
	case config.SyncThenSwitch:
		if hadUnsynced {
			forced := syncOpts
			forced.Force = true
			if _, err := m.engine.Synchronize(ctx, previous, forced); err != nil {
				m.observers.UserSwitchEnd(ctx, previous, next, false, err.Error())
				return UserSwitchResult{PreviousUser: previous, NewUser: next, HadUnsyncedData: hadUnsynced, Message: err.Error()}, err
			}
		}
	case config.ClearAndFetch:
		if err := m.local.ClearUserData(ctx, next); err != nil {
			m.observers.UserSwitchEnd(ctx, previous, next, false, err.Error())
			return UserSwitchResult{PreviousUser: previous, NewUser: next, Message: err.Error()}, err
		}
	case config.PromptIfUnsyncedData:
		if hadUnsynced {
			const msg = "Unsynced data present"
			m.observers.UserSwitchEnd(ctx, previous, next, false, msg)
			return UserSwitchResult{Success: false, PreviousUser: previous, NewUser: next, HadUnsyncedData: true, Message: msg}, nil
		}
	case config.KeepLocal:
		// No-op: leave previous user's local data untouched.
	}

	if err := m.queue.InitializeUser(ctx, next); err != nil {
		m.observers.UserSwitchEnd(ctx, previous, next, false, err.Error())
		return UserSwitchResult{PreviousUser: previous, NewUser: next, Message: err.Error()}, err
	}

	m.bus.Publish(events.Event{Kind: events.KindUserSwitched, UserID: next, PreviousUser: previous, NewUser: next, HadUnsyncedData: hadUnsynced})
	m.observers.UserSwitchEnd(ctx, previous, next, true, "")
	return UserSwitchResult{Success: true, PreviousUser: previous, NewUser: next, HadUnsyncedData: hadUnsynced}, nil
}

// StartAutoSync installs a repeating timer that fire-and-forgets
// sync(userID) every interval (or config.AutoSyncInterval, if
// interval is zero), canceling any prior timer for userID.
func (m *Manager) StartAutoSync(userID string, interval time.Duration) {
	if interval <= 0 {
		interval = m.cfg.AutoSyncInterval
	}
	m.autoSyncMu.Lock()
	defer m.autoSyncMu.Unlock()
	if cancel, ok := m.autoSyncCancel[userID]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.autoSyncCancel[userID] = cancel
	go m.autoSyncLoop(ctx, userID, interval)
}

func (m *Manager) autoSyncLoop(ctx context.Context, userID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.syncWithRetry(ctx, userID)
		}
	}
}

// syncWithRetry fires one auto-sync tick, retrying retryable failures
// with a short exponential backoff schedule before giving up until
// the next tick.
func (m *Manager) syncWithRetry(ctx context.Context, userID string) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxElapsedTime = 15 * time.Second

	op := func() error {
		_, err := m.engine.Synchronize(ctx, userID, syncengine.Options{})
		if err == nil {
			return nil
		}
		if synqerr.Retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		m.logger.Errorf("auto-sync failed for %s: %v", userID, err)
	}
}

// StopAutoSync cancels userID's timer, or every active timer if
// userID is empty.
func (m *Manager) StopAutoSync(userID string) {
	m.autoSyncMu.Lock()
	defer m.autoSyncMu.Unlock()
	if userID == "" {
		for _, cancel := range m.autoSyncCancel {
			cancel()
		}
		m.autoSyncCancel = make(map[string]context.CancelFunc)
		return
	}
	if cancel, ok := m.autoSyncCancel[userID]; ok {
		cancel()
		delete(m.autoSyncCancel, userID)
	}
}

// SubscribeEvents gives a caller userID's live event stream, seeded
// with one InitialSync event carrying the current local snapshot:
// cold on subscribe (the caller never misses data it joined too late
// to see a DataChange for), hot thereafter.
func (m *Manager) SubscribeEvents(ctx context.Context, userID string) (<-chan events.Event, func(), error) {
	items, err := m.local.GetAll(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	m.bus.SetInitialSyncData(userID, items)
	ch, unsubscribe := m.bus.SubscribeUser(userID, 0)
	return ch, unsubscribe, nil
}

// WatchAll delegates to the local adapter, returning a closed channel
// if it opts out of reactive queries.
func (m *Manager) WatchAll(ctx context.Context, userID string) (<-chan []entity.Entity, error) {
	ch, err := m.local.WatchAll(ctx, userID)
	if err != nil {
		return nil, err
	}
	return orClosedEntities(ch), nil
}

// WatchByID delegates to the local adapter.
func (m *Manager) WatchByID(ctx context.Context, id, userID string) (<-chan entity.Entity, error) {
	ch, err := m.local.WatchByID(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	return orClosedEntity(ch), nil
}

// WatchAllPaginated delegates to the local adapter.
func (m *Manager) WatchAllPaginated(ctx context.Context, userID string, page adapter.Page) (<-chan []entity.Entity, error) {
	ch, err := m.local.WatchAllPaginated(ctx, userID, page)
	if err != nil {
		return nil, err
	}
	return orClosedEntities(ch), nil
}

// WatchQuery delegates to the local adapter.
func (m *Manager) WatchQuery(ctx context.Context, userID string, query func(entity.Entity) bool) (<-chan []entity.Entity, error) {
	ch, err := m.local.WatchQuery(ctx, userID, query)
	if err != nil {
		return nil, err
	}
	return orClosedEntities(ch), nil
}

// WatchCount delegates to the local adapter.
func (m *Manager) WatchCount(ctx context.Context, userID string) (<-chan int, error) {
	ch, err := m.local.WatchCount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		out := make(chan int)
		close(out)
		return out, nil
	}
	return ch, nil
}

// WatchFirst delegates to the local adapter.
func (m *Manager) WatchFirst(ctx context.Context, userID string) (<-chan entity.Entity, error) {
	ch, err := m.local.WatchFirst(ctx, userID)
	if err != nil {
		return nil, err
	}
	return orClosedEntity(ch), nil
}

// WatchExists derives a boolean existence stream from WatchCount,
// since no adapter method maps to it directly.
func (m *Manager) WatchExists(ctx context.Context, userID string) (<-chan bool, error) {
	counts, err := m.local.WatchCount(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(chan bool, 1)
	if counts == nil {
		close(out)
		return out, nil
	}
	go func() {
		defer close(out)
		for c := range counts {
			select {
			case out <- c > 0:
			default:
			}
		}
	}()
	return out, nil
}

func orClosedEntities(ch <-chan []entity.Entity) <-chan []entity.Entity {
	if ch != nil {
		return ch
	}
	out := make(chan []entity.Entity)
	close(out)
	return out
}

func orClosedEntity(ch <-chan entity.Entity) <-chan entity.Entity {
	if ch != nil {
		return ch
	}
	out := make(chan entity.Entity)
	close(out)
	return out
}
