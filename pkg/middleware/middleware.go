// Package middleware defines the pre/post hooks the sync engine calls
// around a CRUD write and around a sync cycle, plus the observer
// contract for side-effect-tolerant notifications.
//
// Middleware runs in registration order and is dynamically dispatched:
// middleware/observers are collection-valued and rare-path, so
// interface dispatch over a slice is the right shape here, unlike the
// engine/adapter edge, where the engine holds exactly one local and
// one remote adapter.
package middleware

import (
	"context"

	"github.com/synqcore/synqcore/pkg/entity"
	"github.com/synqcore/synqcore/pkg/syncop"
)

// Middleware observes and can transform entities around CRUD writes
// and sync operations. A middleware that returns an error aborts the
// current op's pre-save or pre-sync step and the error surfaces to
// the caller normally.
type Middleware interface {
	// BeforeSave runs before a CRUD write lands in the local adapter
	// and may return a transformed entity.
	BeforeSave(ctx context.Context, userID string, e entity.Entity) (entity.Entity, error)
	// BeforeSync runs once at the start of a cycle, after connectivity
	// is verified.
	BeforeSync(ctx context.Context, userID string) error
	// BeforeOperation runs before each queued operation is dispatched.
	BeforeOperation(ctx context.Context, op syncop.Operation) error
	// TransformOutbound runs on a payload immediately before it is
	// sent to the remote adapter.
	TransformOutbound(ctx context.Context, e entity.Entity) (entity.Entity, error)
	// TransformInbound runs on a payload immediately after it is
	// received from the remote adapter, before it is written locally.
	TransformInbound(ctx context.Context, e entity.Entity) (entity.Entity, error)
	// AfterOperation runs after an operation completes successfully.
	AfterOperation(ctx context.Context, op syncop.Operation) error
	// OnOperationError runs when an operation fails terminally
	// (non-retryable, or retries exhausted).
	OnOperationError(ctx context.Context, op syncop.Operation, err error)
	// AfterSync runs once at the end of a cycle with the final result.
	AfterSync(ctx context.Context, userID string, result syncop.Result) error
}

// Observer receives notifications about events the engine and facade
// produce. Observer methods must be side-effect-tolerant: the engine
// calls them sequentially and recovers (rather than propagates) any
// panic an observer raises, handing it to the Observers panic hook if
// one is set — an observer can never abort a cycle.
type Observer interface {
	OnDataChange(ctx context.Context, userID string, e entity.Entity, kind syncop.OpKind, source string)
	OnSyncProgress(ctx context.Context, userID string, completed, total int)
	OnConflict(ctx context.Context, cctx syncop.ConflictContext, local, remote entity.Entity)
	OnUserSwitchStart(ctx context.Context, previous, next string)
	OnUserSwitchEnd(ctx context.Context, previous, next string, success bool, reason string)
	OnExternalChange(ctx context.Context, change syncop.ChangeEvent)
	OnMigrationStart(ctx context.Context, from, to int)
	OnMigrationEnd(ctx context.Context, final int)
	OnMigrationError(ctx context.Context, err error)
}

// Chain runs a slice of middleware in registration order as a pure
// ordered pipeline, stopping at the first error.
type Chain []Middleware

func (c Chain) beforeSave(ctx context.Context, userID string, e entity.Entity) (entity.Entity, error) {
	var err error
	for _, m := range c {
		e, err = m.BeforeSave(ctx, userID, e)
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

// BeforeSave runs every middleware's BeforeSave in order.
func (c Chain) BeforeSave(ctx context.Context, userID string, e entity.Entity) (entity.Entity, error) {
	return c.beforeSave(ctx, userID, e)
}

// BeforeSync runs every middleware's BeforeSync in order.
func (c Chain) BeforeSync(ctx context.Context, userID string) error {
	for _, m := range c {
		if err := m.BeforeSync(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

// BeforeOperation runs every middleware's BeforeOperation in order.
func (c Chain) BeforeOperation(ctx context.Context, op syncop.Operation) error {
	for _, m := range c {
		if err := m.BeforeOperation(ctx, op); err != nil {
			return err
		}
	}
	return nil
}

// TransformOutbound threads e through every middleware's TransformOutbound.
func (c Chain) TransformOutbound(ctx context.Context, e entity.Entity) (entity.Entity, error) {
	var err error
	for _, m := range c {
		e, err = m.TransformOutbound(ctx, e)
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

// TransformInbound threads e through every middleware's TransformInbound.
func (c Chain) TransformInbound(ctx context.Context, e entity.Entity) (entity.Entity, error) {
	var err error
	for _, m := range c {
		e, err = m.TransformInbound(ctx, e)
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

// AfterOperation runs every middleware's AfterOperation in order,
// returning the first error if any but continuing to notify the rest.
func (c Chain) AfterOperation(ctx context.Context, op syncop.Operation) error {
	var firstErr error
	for _, m := range c {
		if err := m.AfterOperation(ctx, op); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OnOperationError notifies every middleware of a terminal op failure.
func (c Chain) OnOperationError(ctx context.Context, op syncop.Operation, err error) {
	for _, m := range c {
		m.OnOperationError(ctx, op, err)
	}
}

// AfterSync runs every middleware's AfterSync in order.
func (c Chain) AfterSync(ctx context.Context, userID string, result syncop.Result) error {
	for _, m := range c {
		if err := m.AfterSync(ctx, userID, result); err != nil {
			return err
		}
	}
	return nil
}

// Observers is an ordered, sequentially-dispatched, panic-tolerant
// fan-out of Observer calls.
type Observers struct {
	list    []Observer
	onPanic func(recovered any)
}

// NewObservers constructs an Observers fan-out. onPanic, if non-nil,
// is invoked whenever an observer panics; otherwise panics are simply
// swallowed, since an observer must never be able to abort a cycle.
func NewObservers(onPanic func(any)) *Observers {
	return &Observers{onPanic: onPanic}
}

// Add registers an observer.
func (o *Observers) Add(obs Observer) { o.list = append(o.list, obs) }

func (o *Observers) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil && o.onPanic != nil {
			o.onPanic(r)
		}
	}()
	fn()
}

func (o *Observers) DataChange(ctx context.Context, userID string, e entity.Entity, kind syncop.OpKind, source string) {
	for _, obs := range o.list {
		obs := obs
		o.guard(func() { obs.OnDataChange(ctx, userID, e, kind, source) })
	}
}

func (o *Observers) SyncProgress(ctx context.Context, userID string, completed, total int) {
	for _, obs := range o.list {
		obs := obs
		o.guard(func() { obs.OnSyncProgress(ctx, userID, completed, total) })
	}
}

func (o *Observers) Conflict(ctx context.Context, cctx syncop.ConflictContext, local, remote entity.Entity) {
	for _, obs := range o.list {
		obs := obs
		o.guard(func() { obs.OnConflict(ctx, cctx, local, remote) })
	}
}

func (o *Observers) UserSwitchStart(ctx context.Context, previous, next string) {
	for _, obs := range o.list {
		obs := obs
		o.guard(func() { obs.OnUserSwitchStart(ctx, previous, next) })
	}
}

func (o *Observers) UserSwitchEnd(ctx context.Context, previous, next string, success bool, reason string) {
	for _, obs := range o.list {
		obs := obs
		o.guard(func() { obs.OnUserSwitchEnd(ctx, previous, next, success, reason) })
	}
}

func (o *Observers) ExternalChange(ctx context.Context, change syncop.ChangeEvent) {
	for _, obs := range o.list {
		obs := obs
		o.guard(func() { obs.OnExternalChange(ctx, change) })
	}
}

func (o *Observers) MigrationStart(ctx context.Context, from, to int) {
	for _, obs := range o.list {
		obs := obs
		o.guard(func() { obs.OnMigrationStart(ctx, from, to) })
	}
}

func (o *Observers) MigrationEnd(ctx context.Context, final int) {
	for _, obs := range o.list {
		obs := obs
		o.guard(func() { obs.OnMigrationEnd(ctx, final) })
	}
}

func (o *Observers) MigrationError(ctx context.Context, err error) {
	for _, obs := range o.list {
		obs := obs
		o.guard(func() { obs.OnMigrationError(ctx, err) })
	}
}
