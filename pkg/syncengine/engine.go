// Package syncengine implements the per-user synchronization cycle:
// the state machine that drains the pending-operation queue against a
// RemoteAdapter, reconciles the remote item set back into local
// storage, detects and resolves conflicts, and recomputes sync
// metadata.
//
// The engine is dispatched statically against the LocalAdapter and
// RemoteAdapter interfaces at the call boundary: there is exactly one
// engine type, and it is generic in spirit over the entity.Entity
// capability set carried through every adapter call, not over a
// family of engine implementations. Middleware and observers, by
// contrast, are genuinely heterogeneous collections and stay
// dynamically dispatched through pkg/middleware.
//
// The cycle is resumable and pausable per user, with a pull phase and
// conflict resolution alongside the push phase that drains the
// pending-operation queue.
package syncengine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/synqcore/synqcore/pkg/adapter"
	"github.com/synqcore/synqcore/pkg/conflict"
	"github.com/synqcore/synqcore/pkg/config"
	"github.com/synqcore/synqcore/pkg/entity"
	"github.com/synqcore/synqcore/pkg/events"
	"github.com/synqcore/synqcore/pkg/middleware"
	"github.com/synqcore/synqcore/pkg/queue"
	"github.com/synqcore/synqcore/pkg/resolver"
	"github.com/synqcore/synqcore/pkg/syncengine/latch"
	"github.com/synqcore/synqcore/pkg/synqerr"
	"github.com/synqcore/synqcore/pkg/synqhash"
	"github.com/synqcore/synqcore/pkg/syncop"
)

// Options controls a single Synchronize call.
type Options struct {
	// Force skips the metadata short-circuit and always runs the pull
	// phase's fetch.
	Force bool
	// Scope, if non-nil, requests a partial (non-full) sync: the pull
	// phase never deletes local items outside a full sync.
	Scope adapter.Scope
	// ExcludeDeletes skips delete operations during the push phase.
	ExcludeDeletes bool
	// OverrideBatchSize, if positive, overrides config.BatchSize for
	// this call.
	OverrideBatchSize int
	// Timeout, if positive, is combined with config.SyncTimeout per
	// §4.5.5 to compute the cycle deadline.
	Timeout time.Duration
	// Resolver, if non-nil, overrides the engine's default conflict
	// resolver for this call.
	Resolver resolver.Resolver
	// Direction, if non-empty, overrides config.DefaultSyncDirection.
	Direction config.SyncDirection
}

// userState is the per-user runtime bookkeeping the engine keeps
// alongside each user's sync cycle.
type userState struct {
	mu         sync.Mutex
	inProgress bool
	latch      *latch.Latch
	cancelled  bool
	status     syncop.StatusSnapshot
	metadata   syncop.Metadata
}

// Engine runs synchronization cycles for any number of users
// concurrently, up to config.MaxConcurrentSyncs at once.
type Engine struct {
	cfg config.Config

	local  adapter.LocalAdapter
	remote adapter.RemoteAdapter
	probe  adapter.ConnectivityProbe
	clock  adapter.Clock

	queue           *queue.Manager
	defaultResolver resolver.Resolver
	middleware      middleware.Chain
	observers       *middleware.Observers
	bus             *events.Bus
	stats           *syncop.Statistics

	sem *semaphore.Weighted

	users sync.Map // userID -> *userState
}

// New constructs an Engine. defaultResolver, mw, and observers may be
// nil/empty; bus and stats must not be nil.
func New(
	cfg config.Config,
	local adapter.LocalAdapter,
	remote adapter.RemoteAdapter,
	probe adapter.ConnectivityProbe,
	clock adapter.Clock,
	qm *queue.Manager,
	defaultResolver resolver.Resolver,
	mw middleware.Chain,
	observers *middleware.Observers,
	bus *events.Bus,
	stats *syncop.Statistics,
) *Engine {
	var sem *semaphore.Weighted
	if cfg.MaxConcurrentSyncs > 0 {
		sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentSyncs))
	}
	if defaultResolver == nil {
		defaultResolver = resolver.LastWriteWins{}
	}
	return &Engine{
		cfg:             cfg,
		local:           local,
		remote:          remote,
		probe:           probe,
		clock:           clock,
		queue:           qm,
		defaultResolver: defaultResolver,
		middleware:      mw,
		observers:       observers,
		bus:             bus,
		stats:           stats,
		sem:             sem,
	}
}

func (e *Engine) now() time.Time {
	if e.clock != nil {
		return e.clock.Now()
	}
	return time.Now()
}

func (e *Engine) stateFor(userID string) *userState {
	v, _ := e.users.LoadOrStore(userID, &userState{latch: latch.New()})
	return v.(*userState)
}

// Pause idempotently engages userID's pause latch; a cycle in flight
// suspends at its next check point.
func (e *Engine) Pause(userID string) {
	st := e.stateFor(userID)
	st.latch.Engage()
	e.publishStatus(st, userID, syncop.StatusPaused)
}

// Resume releases userID's pause latch, waking a suspended cycle.
func (e *Engine) Resume(userID string) {
	st := e.stateFor(userID)
	st.latch.Release()
	e.publishStatus(st, userID, syncop.StatusSyncing)
}

// Cancel sets userID's cancellation flag and releases the pause latch
// so a paused cycle observes the cancellation instead of blocking
// forever.
func (e *Engine) Cancel(userID string) {
	st := e.stateFor(userID)
	st.mu.Lock()
	st.cancelled = true
	st.mu.Unlock()
	st.latch.Release()
}

// Metadata returns the last SyncMetadata computed for userID, if any.
func (e *Engine) Metadata(userID string) (syncop.Metadata, bool) {
	st := e.stateFor(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.metadata.LastSyncAt.IsZero() {
		return syncop.Metadata{}, false
	}
	return st.metadata, true
}

// updateStatus applies mutate to st's status snapshot under lock and
// returns the resulting copy.
func (e *Engine) updateStatus(st *userState, mutate func(*syncop.StatusSnapshot)) syncop.StatusSnapshot {
	st.mu.Lock()
	mutate(&st.status)
	snapshot := st.status
	st.mu.Unlock()
	return snapshot
}

func (e *Engine) publishStatus(st *userState, userID string, status syncop.Status) {
	snapshot := e.updateStatus(st, func(s *syncop.StatusSnapshot) {
		s.UserID = userID
		s.Status = status
		if status == syncop.StatusCompleted || status == syncop.StatusFailed || status == syncop.StatusCancelled {
			s.CompletedAt = e.now()
		}
	})
	e.bus.PublishStatus(snapshot)
}

// finishStatus folds a cycle's final counts and errors into the
// status snapshot before publishing the terminal status.
func (e *Engine) finishStatus(st *userState, userID string, status syncop.Status, result syncop.Result) {
	e.updateStatus(st, func(s *syncop.StatusSnapshot) {
		s.Completed = result.SyncedCount
		s.Failed = result.FailedCount
		s.Errors = result.Errors
		s.Progress = 1
	})
	e.publishStatus(st, userID, status)
}

// Synchronize runs one full sync cycle for userID.
func (e *Engine) Synchronize(ctx context.Context, userID string, opts Options) (syncop.Result, error) {
	st := e.stateFor(userID)

	st.mu.Lock()
	if st.inProgress {
		st.mu.Unlock()
		return syncop.Result{UserID: userID}, synqerr.ConcurrentSync(userID)
	}
	st.inProgress = true
	st.cancelled = false
	st.mu.Unlock()
	defer func() {
		st.mu.Lock()
		st.inProgress = false
		st.mu.Unlock()
	}()

	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return syncop.Result{UserID: userID}, err
		}
		defer e.sem.Release(1)
	}

	start := e.now()
	deadline := e.deadlineFor(start, opts)

	result, err := e.runCycle(ctx, userID, opts, st, start, deadline)
	result.Duration = e.now().Sub(start)

	if err != nil {
		if kind, ok := synqerr.KindOf(err); ok {
			switch kind {
			case synqerr.KindSyncCancelled:
				result.WasCancelled = true
				e.finishStatus(st, userID, syncop.StatusCancelled, result)
				e.bus.Publish(events.Event{Kind: events.KindSyncError, UserID: userID, Message: "cancelled"})
				e.stats.RecordSync(false, 0, 0, result.Duration)
				return result, nil
			case synqerr.KindSyncTimeout:
				result.Errors = append(result.Errors, err)
				e.finishStatus(st, userID, syncop.StatusFailed, result)
				e.bus.Publish(events.Event{Kind: events.KindSyncError, UserID: userID, Message: err.Error()})
				e.stats.RecordSync(false, 0, 0, result.Duration)
				return result, nil
			}
		}
		result.Errors = append(result.Errors, err)
		e.finishStatus(st, userID, syncop.StatusFailed, result)
		e.bus.Publish(events.Event{Kind: events.KindSyncError, UserID: userID, Message: err.Error()})
		e.stats.RecordSync(false, 0, 0, result.Duration)
		return result, err
	}

	status := syncop.StatusCompleted
	if result.FailedCount > 0 {
		status = syncop.StatusFailed
	}
	e.finishStatus(st, userID, status, result)
	e.bus.Publish(events.Event{Kind: events.KindSyncCompleted, UserID: userID, SyncedCount: result.SyncedCount, FailedCount: result.FailedCount})
	e.stats.RecordSync(result.FailedCount == 0, result.ConflictsResolved, result.ConflictsResolved, result.Duration)
	return result, nil
}

// runCycle carries out preflight, push, pull, and finalization. A
// returned *synqerr.Error with Kind KindSyncCancelled or
// KindSyncTimeout is the internal sentinel Synchronize converts back
// into a normal Result, an explicit sentinel in place of
// exceptions-for-control-flow.
func (e *Engine) runCycle(ctx context.Context, userID string, opts Options, st *userState, start, deadline time.Time) (syncop.Result, error) {
	result := syncop.Result{UserID: userID}

	if err := e.queue.InitializeUser(ctx, userID); err != nil {
		return result, synqerr.Wrap(synqerr.SideLocal, "loading pending operations", err)
	}
	pending := e.queue.Snapshot(userID)
	e.bus.Publish(events.Event{Kind: events.KindSyncStarted, UserID: userID, PendingCount: len(pending)})
	e.updateStatus(st, func(s *syncop.StatusSnapshot) {
		s.Pending = len(pending)
		s.StartedAt = start
		s.Completed = 0
		s.Failed = 0
		s.Progress = 0
		s.CompletedAt = time.Time{}
		s.Errors = nil
	})
	e.publishStatus(st, userID, syncop.StatusSyncing)

	if !e.isOnline(ctx) {
		return result, synqerr.NetworkUnavailable("local connectivity probe or remote adapter reports offline")
	}
	if err := e.middleware.BeforeSync(ctx, userID); err != nil {
		return result, err
	}

	direction := opts.Direction
	if direction == "" {
		direction = e.cfg.DefaultSyncDirection
	}

	var conflictsDetected, conflictsAutoResolved int

	if direction != config.PullOnly {
		synced, failed, pushResult, err := e.pushPhase(ctx, userID, opts, st, pending, deadline)
		result.SyncedCount += synced
		result.FailedCount += failed
		result.Errors = append(result.Errors, pushResult.Errors...)
		if err != nil {
			return result, err
		}
	}

	if st.isCancelled() {
		return result, synqerr.Cancelled()
	}

	if direction != config.PushOnly {
		conflicts, autoResolved, err := e.pullPhase(ctx, userID, opts, st, result.SyncedCount > 0 || result.FailedCount > 0, deadline)
		conflictsDetected += conflicts
		conflictsAutoResolved += autoResolved
		result.ConflictsResolved += autoResolved
		if err != nil {
			return result, err
		}
	}

	if err := e.finalize(ctx, userID, st); err != nil {
		return result, synqerr.Wrap(synqerr.SideLocal, "finalizing sync metadata", err)
	}

	result.PendingOperations = e.queue.Snapshot(userID)
	if err := e.middleware.AfterSync(ctx, userID, result); err != nil {
		result.Errors = append(result.Errors, err)
	}
	return result, nil
}

func (st *userState) isCancelled() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cancelled
}

// pushPhase drains pending in FIFO batches of batchSize, returning
// counts plus a partial Result carrying any terminal per-op errors.
func (e *Engine) pushPhase(ctx context.Context, userID string, opts Options, st *userState, pending []syncop.Operation, deadline time.Time) (synced, failed int, partial syncop.Result, err error) {
	batchSize := batchSizeFor(e.cfg, opts)
	total := len(pending)
	processed := 0
	for _, batch := range chunk(pending, batchSize) {
		for _, op := range batch {
			if st.isCancelled() {
				return synced, failed, partial, synqerr.Cancelled()
			}
			if !deadline.IsZero() && e.now().After(deadline) {
				return synced, failed, partial, synqerr.Timeout(minPositiveDuration(e.cfg.SyncTimeout, opts.Timeout))
			}
			st.latch.Wait(ctx.Done())

			if op.Kind == syncop.OpDelete && opts.ExcludeDeletes {
				processed++
				e.reportProgress(ctx, st, userID, processed, total, synced, failed)
				continue
			}
			if err := e.middleware.BeforeOperation(ctx, op); err != nil {
				partial.Errors = append(partial.Errors, err)
				failed++
				processed++
				e.reportProgress(ctx, st, userID, processed, total, synced, failed)
				continue
			}

			opErr := e.dispatch(ctx, userID, op)
			if opErr == nil {
				if err := e.queue.MarkCompleted(ctx, userID, op.OperationID); err != nil {
					partial.Errors = append(partial.Errors, err)
				}
				synced++
				if err := e.middleware.AfterOperation(ctx, op); err != nil {
					partial.Errors = append(partial.Errors, err)
				}
				processed++
				e.reportProgress(ctx, st, userID, processed, total, synced, failed)
				continue
			}

			next := op.WithRetry(e.now())
			if updErr := e.queue.Update(ctx, userID, next); updErr != nil {
				partial.Errors = append(partial.Errors, updErr)
			}
			if !synqerr.Retryable(opErr) || next.RetryCount > e.cfg.MaxRetries {
				failed++
				e.middleware.OnOperationError(ctx, op, opErr)
				partial.Errors = append(partial.Errors, opErr)
			}
			// Retryable and under budget: left on the queue for the
			// next sync() call (lazy retry, no busy loop here).
			processed++
			e.reportProgress(ctx, st, userID, processed, total, synced, failed)
		}
	}
	return synced, failed, partial, nil
}

// reportProgress announces push progress to observers, the event
// bus, and the status snapshot. completed/total describe how far the
// push phase has gotten through the pending batch; synced/failed are
// the running per-operation outcome counts.
func (e *Engine) reportProgress(ctx context.Context, st *userState, userID string, completed, total, synced, failed int) {
	e.observers.SyncProgress(ctx, userID, completed, total)
	e.bus.Publish(events.Event{Kind: events.KindSyncProgress, UserID: userID, Completed: completed, Total: total})

	var progress float64
	if total > 0 {
		progress = float64(completed) / float64(total)
	}
	snapshot := e.updateStatus(st, func(s *syncop.StatusSnapshot) {
		s.Completed = synced
		s.Failed = failed
		s.Progress = progress
	})
	e.bus.PublishStatus(snapshot)
}

// dispatch sends one queued operation to the remote adapter and
// mirrors its authoritative result back to local storage.
func (e *Engine) dispatch(ctx context.Context, userID string, op syncop.Operation) error {
	switch op.Kind {
	case syncop.OpDelete:
		if err := e.remote.DeleteRemote(ctx, op.EntityID, userID); err != nil {
			return synqerr.Wrap(synqerr.SideRemote, "deleting remote entity", err)
		}
		return nil
	default:
		outbound, err := e.middleware.TransformOutbound(ctx, op.Snapshot)
		if err != nil {
			return err
		}
		var authoritative entity.Entity
		if len(op.Delta) > 0 && e.cfg.EnablePartialUpdates && e.remote.PartialUpdatesSupported() {
			authoritative, err = e.remote.Patch(ctx, op.EntityID, userID, op.Delta)
		} else {
			authoritative, err = e.remote.Push(ctx, outbound, userID)
		}
		if err != nil {
			return synqerr.Wrap(synqerr.SideRemote, "pushing entity", err)
		}
		inbound, err := e.middleware.TransformInbound(ctx, authoritative)
		if err != nil {
			return err
		}
		if err := e.local.Push(ctx, inbound, userID); err != nil {
			return synqerr.Wrap(synqerr.SideLocal, "writing authoritative result", err)
		}
		e.emitDataChange(ctx, userID, inbound, op.Kind, events.SourceRemote)
		return nil
	}
}

func (e *Engine) emitDataChange(ctx context.Context, userID string, item entity.Entity, kind syncop.OpKind, source events.DataChangeSource) {
	e.observers.DataChange(ctx, userID, item, kind, string(source))
	e.bus.Publish(events.Event{Kind: events.KindDataChange, UserID: userID, Entity: item, OpKind: kind, Source: source})
}

// pullPhase reconciles the remote item set into local storage.
func (e *Engine) pullPhase(ctx context.Context, userID string, opts Options, st *userState, pushedWork bool, deadline time.Time) (detected, autoResolved int, err error) {
	localMeta, err := e.local.GetSyncMetadata(ctx, userID)
	if err != nil {
		return 0, 0, synqerr.Wrap(synqerr.SideLocal, "reading local sync metadata", err)
	}
	remoteMeta, err := e.remote.GetSyncMetadata(ctx, userID)
	if err != nil {
		return 0, 0, synqerr.Wrap(synqerr.SideRemote, "reading remote sync metadata", err)
	}

	metadataDiverged := localMeta.DataHash != remoteMeta.DataHash || localMeta.ItemCount != remoteMeta.ItemCount
	if !opts.Force && !pushedWork && !metadataDiverged {
		return 0, 0, nil
	}

	if st.isCancelled() {
		return 0, 0, synqerr.Cancelled()
	}
	if !deadline.IsZero() && e.now().After(deadline) {
		return 0, 0, synqerr.Timeout(minPositiveDuration(e.cfg.SyncTimeout, opts.Timeout))
	}

	remoteItems, err := e.remote.FetchAll(ctx, userID, opts.Scope)
	if err != nil {
		return 0, 0, synqerr.Wrap(synqerr.SideRemote, "fetching remote items", err)
	}
	fullSync := opts.Scope == nil

	pendingIDs := pendingEntityIDs(e.queue.Snapshot(userID))

	if len(remoteItems) == 0 && fullSync {
		return 0, 0, e.restoreOrPrune(ctx, userID, pendingIDs)
	}

	remoteByID := make(map[string]entity.Entity, len(remoteItems))
	ids := make([]string, 0, len(remoteItems))
	for _, item := range remoteItems {
		remoteByID[item.ID()] = item
		ids = append(ids, item.ID())
	}
	localByID, err := e.local.GetByIDs(ctx, ids, userID)
	if err != nil {
		return detected, autoResolved, synqerr.Wrap(synqerr.SideLocal, "reading local entities", err)
	}

	for _, remoteItem := range remoteItems {
		if pendingIDs[remoteItem.ID()] {
			// A local mutation for this entity is still queued for
			// push; pending takes precedence over the remote view.
			continue
		}

		if remoteItem.IsDeleted() {
			// A remote tombstone with no pending local mutation is
			// authoritative: remove the local copy outright rather
			// than route it through conflict detection, which would
			// let a locally-resolved LastWriteWins resurrect it.
			deleted, err := e.local.Delete(ctx, remoteItem.ID(), userID)
			if err != nil {
				return detected, autoResolved, synqerr.Wrap(synqerr.SideLocal, "deleting locally for remote tombstone", err)
			}
			if deleted {
				e.emitDataChange(ctx, userID, remoteItem, syncop.OpDelete, events.SourceRemote)
			}
			continue
		}

		localItem, found := localByID[remoteItem.ID()]
		if !found {
			inbound, err := e.middleware.TransformInbound(ctx, remoteItem)
			if err != nil {
				continue
			}
			if err := e.local.Push(ctx, inbound, userID); err != nil {
				return detected, autoResolved, synqerr.Wrap(synqerr.SideLocal, "writing fetched entity", err)
			}
			e.emitDataChange(ctx, userID, inbound, syncop.OpCreate, events.SourceRemote)
			continue
		}

		cctx := conflict.Detect(userID, localItem, remoteItem)
		if !cctx.IsConflict() {
			inbound, err := e.middleware.TransformInbound(ctx, remoteItem)
			if err != nil {
				continue
			}
			if err := e.local.Push(ctx, inbound, userID); err != nil {
				return detected, autoResolved, synqerr.Wrap(synqerr.SideLocal, "writing fetched entity", err)
			}
			e.emitDataChange(ctx, userID, inbound, syncop.OpUpdate, events.SourceRemote)
			continue
		}

		detected++
		res, err := e.resolve(ctx, opts, localItem, remoteItem, cctx)
		if err != nil {
			return detected, autoResolved, err
		}
		if err := e.applyResolution(ctx, userID, res); err != nil {
			return detected, autoResolved, err
		}
		if res.Strategy != syncop.Abort && res.Strategy != syncop.AskUser {
			autoResolved++
		}
		e.observers.Conflict(ctx, cctx, localItem, remoteItem)
		e.bus.Publish(events.Event{Kind: events.KindConflict, UserID: userID, Conflict: cctx, Local: localItem, Remote: remoteItem})
	}

	if fullSync {
		if err := e.pruneDeleted(ctx, userID, remoteByID, pendingIDs); err != nil {
			return detected, autoResolved, err
		}
	}
	return detected, autoResolved, nil
}

func (e *Engine) resolve(ctx context.Context, opts Options, local, remote entity.Entity, cctx syncop.ConflictContext) (syncop.Resolution, error) {
	r := opts.Resolver
	if r == nil {
		r = e.defaultResolver
	}
	return r.Resolve(ctx, local, remote, cctx)
}

// applyResolution writes the chosen side of a resolved conflict back
// to local storage, the remote, or both.
func (e *Engine) applyResolution(ctx context.Context, userID string, res syncop.Resolution) error {
	switch res.Strategy {
	case syncop.UseLocal:
		if res.Resolved != nil {
			if _, err := e.remote.Push(ctx, res.Resolved, userID); err != nil {
				return synqerr.Wrap(synqerr.SideRemote, "pushing locally-authoritative resolution", err)
			}
		}
	case syncop.UseRemote:
		if res.Resolved != nil {
			inbound, err := e.middleware.TransformInbound(ctx, res.Resolved)
			if err != nil {
				return err
			}
			if err := e.local.Push(ctx, inbound, userID); err != nil {
				return synqerr.Wrap(synqerr.SideLocal, "writing remotely-authoritative resolution", err)
			}
			e.emitDataChange(ctx, userID, inbound, syncop.OpUpdate, events.SourceRemote)
		}
	case syncop.Merge:
		if res.Resolved != nil {
			inbound, err := e.middleware.TransformInbound(ctx, res.Resolved)
			if err != nil {
				return err
			}
			if err := e.local.Push(ctx, inbound, userID); err != nil {
				return synqerr.Wrap(synqerr.SideLocal, "writing merged resolution", err)
			}
			if _, err := e.remote.Push(ctx, res.Resolved, userID); err != nil {
				return synqerr.Wrap(synqerr.SideRemote, "pushing merged resolution", err)
			}
			e.emitDataChange(ctx, userID, inbound, syncop.OpUpdate, events.SourceMerged)
		}
	case syncop.Abort, syncop.AskUser:
		// Left unresolved this cycle; the conflict reappears on the
		// next sync() call until a resolver decides it.
	}
	return nil
}

// restoreOrPrune handles the empty-remote, full-sync branch of step 4:
// either re-push every live local item (restore) or, if there is
// nothing to restore, delete local items absent from both the remote
// and the pending queue.
func (e *Engine) restoreOrPrune(ctx context.Context, userID string, pendingIDs map[string]bool) error {
	localItems, err := e.local.GetAll(ctx, userID)
	if err != nil {
		return synqerr.Wrap(synqerr.SideLocal, "reading local items", err)
	}
	var toRestore []entity.Entity
	for _, item := range localItems {
		if !item.IsDeleted() && !pendingIDs[item.ID()] {
			toRestore = append(toRestore, item)
		}
	}
	if len(toRestore) > 0 {
		for _, item := range toRestore {
			outbound, err := e.middleware.TransformOutbound(ctx, item)
			if err != nil {
				continue
			}
			if _, err := e.remote.Push(ctx, outbound, userID); err != nil {
				return synqerr.Wrap(synqerr.SideRemote, "restoring remote from local", err)
			}
		}
		return nil
	}
	for _, item := range localItems {
		if pendingIDs[item.ID()] {
			continue
		}
		if _, err := e.local.Delete(ctx, item.ID(), userID); err != nil {
			return synqerr.Wrap(synqerr.SideLocal, "pruning locally-orphaned item", err)
		}
	}
	return nil
}

func (e *Engine) pruneDeleted(ctx context.Context, userID string, remoteByID map[string]entity.Entity, pendingIDs map[string]bool) error {
	localItems, err := e.local.GetAll(ctx, userID)
	if err != nil {
		return synqerr.Wrap(synqerr.SideLocal, "reading local items", err)
	}
	for _, item := range localItems {
		if pendingIDs[item.ID()] {
			continue
		}
		if _, ok := remoteByID[item.ID()]; ok {
			continue
		}
		if _, err := e.local.Delete(ctx, item.ID(), userID); err != nil {
			return synqerr.Wrap(synqerr.SideLocal, "deleting remotely-absent item", err)
		}
	}
	return nil
}

// finalize recomputes SyncMetadata from the current local set and
// writes it to both adapters.
func (e *Engine) finalize(ctx context.Context, userID string, st *userState) error {
	items, err := e.local.GetAll(ctx, userID)
	if err != nil {
		return err
	}
	payloads := make([]map[string]any, 0, len(items))
	live := 0
	for _, item := range items {
		if item.IsDeleted() {
			continue
		}
		live++
		payloads = append(payloads, item.ToRemoteMap())
	}
	meta := syncop.Metadata{LastSyncAt: e.now(), DataHash: synqhash.Set(payloads), ItemCount: live}

	if err := e.local.UpdateSyncMetadata(ctx, userID, meta); err != nil {
		return err
	}
	if err := e.remote.UpdateSyncMetadata(ctx, userID, meta); err != nil {
		return err
	}
	st.mu.Lock()
	st.metadata = meta
	st.mu.Unlock()
	return nil
}

func (e *Engine) isOnline(ctx context.Context) bool {
	if e.probe != nil && !e.probe.IsOnline(ctx) {
		return false
	}
	return e.remote.IsConnected(ctx)
}

func pendingEntityIDs(ops []syncop.Operation) map[string]bool {
	ids := make(map[string]bool, len(ops))
	for _, op := range ops {
		ids[op.EntityID] = true
	}
	return ids
}

// deadlineFor computes deadline = start + min(positive durations
// among config.SyncTimeout and options.Timeout); zero if neither is
// positive.
func (e *Engine) deadlineFor(start time.Time, opts Options) time.Time {
	d := minPositiveDuration(e.cfg.SyncTimeout, opts.Timeout)
	if d <= 0 {
		return time.Time{}
	}
	return start.Add(d)
}

func minPositiveDuration(a, b time.Duration) time.Duration {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

// batchSizeFor computes batchSize = max(1, options.overrideBatchSize
// if set, else config.batchSize).
func batchSizeFor(cfg config.Config, opts Options) int {
	size := cfg.BatchSize
	if opts.OverrideBatchSize > 0 {
		size = opts.OverrideBatchSize
	}
	if size < 1 {
		size = 1
	}
	return size
}

func chunk(ops []syncop.Operation, size int) [][]syncop.Operation {
	if len(ops) == 0 {
		return nil
	}
	var batches [][]syncop.Operation
	for start := 0; start < len(ops); start += size {
		end := start + size
		if end > len(ops) {
			end = len(ops)
		}
		batches = append(batches, ops[start:end])
	}
	return batches
}
