// Package memadapter is a reference LocalAdapter backed by
// hashicorp/go-memdb: one memdb.MemDB holding indexed tables, mutated
// inside short-lived write transactions.
//
// Rather than one memdb table per concrete entity kind with
// hand-written indexers per field, this adapter stores every entity
// as an opaque field map behind a single table, indexed by a
// (userId, id) compound key, and rehydrates concrete entity.Entity
// values through a caller-supplied prototype's FromMap. That
// indirection is what lets one adapter type serve any host
// application's entity.Entity implementation.
package memadapter

import (
	"context"
	"fmt"
	"sync"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/synqcore/synqcore/pkg/adapter"
	"github.com/synqcore/synqcore/pkg/entity"
	"github.com/synqcore/synqcore/pkg/syncop"
)

const (
	recordTable  = "record"
	pendingTable = "pending_op"
)

type storedRecord struct {
	UserID string
	ID     string
	Fields map[string]any
}

type storedPending struct {
	UserID      string
	OperationID string
	Op          syncop.Operation
}

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		recordTable: {
			Name: recordTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:   "id",
					Unique: true,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "UserID"},
							&memdb.StringFieldIndex{Field: "ID"},
						},
					},
				},
				"user": {
					Name:    "user",
					Indexer: &memdb.StringFieldIndex{Field: "UserID"},
				},
			},
		},
		pendingTable: {
			Name: pendingTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:   "id",
					Unique: true,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "UserID"},
							&memdb.StringFieldIndex{Field: "OperationID"},
						},
					},
				},
				"user": {
					Name:    "user",
					Indexer: &memdb.StringFieldIndex{Field: "UserID"},
				},
			},
		},
	},
}

// subscription is one WatchXxx caller's invalidation signal.
type subscription struct {
	ch chan struct{}
}

// Adapter is a process-local LocalAdapter implementation suitable for
// tests and single-process deployments.
type Adapter struct {
	prototype entity.Entity

	db *memdb.MemDB

	metaMu   sync.Mutex
	metadata map[string]syncop.Metadata

	schemaMu sync.Mutex
	schemaVersion int

	subMu sync.Mutex
	subs  map[string][]*subscription
}

// New constructs an Adapter. prototype is any zero-value (or
// otherwise unused) instance of the host application's concrete
// entity.Entity implementation; its FromMap is used to rehydrate
// stored field maps back into typed entities.
func New(prototype entity.Entity) (*Adapter, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("creating memdb: %w", err)
	}
	return &Adapter{
		prototype: prototype,
		db:        db,
		metadata:  make(map[string]syncop.Metadata),
		subs:      make(map[string][]*subscription),
	}, nil
}

func (a *Adapter) Initialize(_ context.Context) error { return nil }

func (a *Adapter) hydrate(rec *storedRecord) (entity.Entity, error) {
	return a.prototype.FromMap(rec.Fields)
}

func (a *Adapter) GetAll(_ context.Context, userID string) ([]entity.Entity, error) {
	txn := a.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(recordTable, "user", userID)
	if err != nil {
		return nil, err
	}
	var out []entity.Entity
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rec := raw.(*storedRecord)
		e, err := a.hydrate(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (a *Adapter) GetByID(_ context.Context, id, userID string) (entity.Entity, bool, error) {
	txn := a.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(recordTable, "id", userID, id)
	if err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, nil
	}
	e, err := a.hydrate(raw.(*storedRecord))
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

func (a *Adapter) GetByIDs(ctx context.Context, ids []string, userID string) (map[string]entity.Entity, error) {
	out := make(map[string]entity.Entity, len(ids))
	for _, id := range ids {
		e, found, err := a.GetByID(ctx, id, userID)
		if err != nil {
			return nil, err
		}
		if found {
			out[id] = e
		}
	}
	return out, nil
}

func (a *Adapter) GetAllPaginated(ctx context.Context, userID string, page adapter.Page) ([]entity.Entity, error) {
	all, err := a.GetAll(ctx, userID)
	if err != nil {
		return nil, err
	}
	return paginate(all, page), nil
}

func paginate(items []entity.Entity, page adapter.Page) []entity.Entity {
	if page.Offset >= len(items) {
		return nil
	}
	end := len(items)
	if page.Limit > 0 && page.Offset+page.Limit < end {
		end = page.Offset + page.Limit
	}
	return items[page.Offset:end]
}

func (a *Adapter) Push(_ context.Context, e entity.Entity, userID string) error {
	txn := a.db.Txn(true)
	defer txn.Abort()
	rec := &storedRecord{UserID: userID, ID: e.ID(), Fields: e.ToMap()}
	if err := txn.Insert(recordTable, rec); err != nil {
		return err
	}
	txn.Commit()
	a.notify(userID)
	return nil
}

func (a *Adapter) Patch(_ context.Context, id, userID string, delta map[string]any) error {
	txn := a.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(recordTable, "id", userID, id)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("memadapter: patch target %s/%s not found", userID, id)
	}
	existing := raw.(*storedRecord)
	merged := make(map[string]any, len(existing.Fields)+len(delta))
	for k, v := range existing.Fields {
		merged[k] = v
	}
	for k, v := range delta {
		merged[k] = v
	}
	if err := txn.Insert(recordTable, &storedRecord{UserID: userID, ID: id, Fields: merged}); err != nil {
		return err
	}
	txn.Commit()
	a.notify(userID)
	return nil
}

func (a *Adapter) Delete(_ context.Context, id, userID string) (bool, error) {
	txn := a.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(recordTable, "id", userID, id)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := txn.Delete(recordTable, raw); err != nil {
		return false, err
	}
	txn.Commit()
	a.notify(userID)
	return true, nil
}

func (a *Adapter) ClearUserData(_ context.Context, userID string) error {
	txn := a.db.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll(recordTable, "user", userID); err != nil {
		return err
	}
	if _, err := txn.DeleteAll(pendingTable, "user", userID); err != nil {
		return err
	}
	txn.Commit()
	a.notify(userID)
	return nil
}

func (a *Adapter) GetPendingOperations(_ context.Context, userID string) ([]syncop.Operation, error) {
	txn := a.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(pendingTable, "user", userID)
	if err != nil {
		return nil, err
	}
	var out []syncop.Operation
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*storedPending).Op)
	}
	return out, nil
}

func (a *Adapter) AddPendingOperation(_ context.Context, userID string, op syncop.Operation) error {
	txn := a.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(pendingTable, &storedPending{UserID: userID, OperationID: op.OperationID, Op: op}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (a *Adapter) MarkAsSynced(_ context.Context, userID, operationID string) error {
	txn := a.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(pendingTable, "id", userID, operationID)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	if err := txn.Delete(pendingTable, raw); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (a *Adapter) ReplacePendingOperation(_ context.Context, userID string, op syncop.Operation) error {
	txn := a.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(pendingTable, &storedPending{UserID: userID, OperationID: op.OperationID, Op: op}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (a *Adapter) GetSyncMetadata(_ context.Context, userID string) (syncop.Metadata, error) {
	a.metaMu.Lock()
	defer a.metaMu.Unlock()
	return a.metadata[userID], nil
}

func (a *Adapter) UpdateSyncMetadata(_ context.Context, userID string, meta syncop.Metadata) error {
	a.metaMu.Lock()
	defer a.metaMu.Unlock()
	a.metadata[userID] = meta
	return nil
}

// memTx adapts an in-flight memdb write transaction to adapter.Tx.
// Raw records are expected to carry "id" and "ownerUserId" string
// keys, the convention every entity.Entity implementation's ToMap is
// expected to follow, since migration steps only ever see the opaque
// field map, never a typed entity.
type memTx struct {
	txn *memdb.Txn
}

func (t *memTx) GetAllRawData(_ context.Context) ([]map[string]any, error) {
	it, err := t.txn.Get(recordTable, "id")
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*storedRecord).Fields)
	}
	return out, nil
}

func (t *memTx) OverwriteAllRawData(_ context.Context, records []map[string]any) error {
	if _, err := t.txn.DeleteAll(recordTable, "id"); err != nil {
		return err
	}
	for _, fields := range records {
		id, _ := fields["id"].(string)
		userID, _ := fields["ownerUserId"].(string)
		if err := t.txn.Insert(recordTable, &storedRecord{UserID: userID, ID: id, Fields: fields}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) Transaction(ctx context.Context, fn adapter.TxFunc) error {
	txn := a.db.Txn(true)
	committed := false
	defer func() {
		if !committed {
			txn.Abort()
		}
	}()
	if err := fn(ctx, &memTx{txn: txn}); err != nil {
		return err
	}
	txn.Commit()
	committed = true
	return nil
}

func (a *Adapter) GetAllRawData(ctx context.Context) ([]map[string]any, error) {
	txn := a.db.Txn(false)
	defer txn.Abort()
	return (&memTx{txn: txn}).GetAllRawData(ctx)
}

func (a *Adapter) OverwriteAllRawData(ctx context.Context, records []map[string]any) error {
	return a.Transaction(ctx, func(ctx context.Context, tx adapter.Tx) error {
		return tx.OverwriteAllRawData(ctx, records)
	})
}

func (a *Adapter) GetStoredSchemaVersion(_ context.Context) (int, error) {
	a.schemaMu.Lock()
	defer a.schemaMu.Unlock()
	return a.schemaVersion, nil
}

func (a *Adapter) SetStoredSchemaVersion(_ context.Context, version int) error {
	a.schemaMu.Lock()
	defer a.schemaMu.Unlock()
	a.schemaVersion = version
	return nil
}

// ChangeStream returns nil: this in-process adapter has no
// out-of-band write path, so it never observes an external change.
func (a *Adapter) ChangeStream() <-chan syncop.ChangeEvent { return nil }

func (a *Adapter) Dispose(_ context.Context) error { return nil }

// --- reactive queries ---

func (a *Adapter) subscribe(userID string) *subscription {
	sub := &subscription{ch: make(chan struct{}, 1)}
	a.subMu.Lock()
	a.subs[userID] = append(a.subs[userID], sub)
	a.subMu.Unlock()
	return sub
}

func (a *Adapter) unsubscribe(userID string, sub *subscription) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	list := a.subs[userID]
	for i, s := range list {
		if s == sub {
			a.subs[userID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (a *Adapter) notify(userID string) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	for _, sub := range a.subs[userID] {
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
}

func (a *Adapter) WatchAll(ctx context.Context, userID string) (<-chan []entity.Entity, error) {
	out := make(chan []entity.Entity, 1)
	sub := a.subscribe(userID)
	go func() {
		defer close(out)
		defer a.unsubscribe(userID, sub)
		push := func() {
			items, err := a.GetAll(ctx, userID)
			if err == nil {
				select {
				case out <- items:
				default:
				}
			}
		}
		push()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.ch:
				push()
			}
		}
	}()
	return out, nil
}

func (a *Adapter) WatchByID(ctx context.Context, id, userID string) (<-chan entity.Entity, error) {
	out := make(chan entity.Entity, 1)
	sub := a.subscribe(userID)
	go func() {
		defer close(out)
		defer a.unsubscribe(userID, sub)
		push := func() {
			item, found, err := a.GetByID(ctx, id, userID)
			if err == nil && found {
				select {
				case out <- item:
				default:
				}
			}
		}
		push()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.ch:
				push()
			}
		}
	}()
	return out, nil
}

func (a *Adapter) WatchAllPaginated(ctx context.Context, userID string, page adapter.Page) (<-chan []entity.Entity, error) {
	out := make(chan []entity.Entity, 1)
	sub := a.subscribe(userID)
	go func() {
		defer close(out)
		defer a.unsubscribe(userID, sub)
		push := func() {
			items, err := a.GetAllPaginated(ctx, userID, page)
			if err == nil {
				select {
				case out <- items:
				default:
				}
			}
		}
		push()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.ch:
				push()
			}
		}
	}()
	return out, nil
}

func (a *Adapter) WatchQuery(ctx context.Context, userID string, query func(entity.Entity) bool) (<-chan []entity.Entity, error) {
	out := make(chan []entity.Entity, 1)
	sub := a.subscribe(userID)
	go func() {
		defer close(out)
		defer a.unsubscribe(userID, sub)
		push := func() {
			all, err := a.GetAll(ctx, userID)
			if err != nil {
				return
			}
			var matched []entity.Entity
			for _, item := range all {
				if query(item) {
					matched = append(matched, item)
				}
			}
			select {
			case out <- matched:
			default:
			}
		}
		push()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.ch:
				push()
			}
		}
	}()
	return out, nil
}

func (a *Adapter) WatchCount(ctx context.Context, userID string) (<-chan int, error) {
	out := make(chan int, 1)
	sub := a.subscribe(userID)
	go func() {
		defer close(out)
		defer a.unsubscribe(userID, sub)
		push := func() {
			items, err := a.GetAll(ctx, userID)
			if err == nil {
				select {
				case out <- len(items):
				default:
				}
			}
		}
		push()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.ch:
				push()
			}
		}
	}()
	return out, nil
}

func (a *Adapter) WatchFirst(ctx context.Context, userID string) (<-chan entity.Entity, error) {
	out := make(chan entity.Entity, 1)
	sub := a.subscribe(userID)
	go func() {
		defer close(out)
		defer a.unsubscribe(userID, sub)
		push := func() {
			items, err := a.GetAll(ctx, userID)
			if err != nil || len(items) == 0 {
				return
			}
			select {
			case out <- items[0]:
			default:
			}
		}
		push()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.ch:
				push()
			}
		}
	}()
	return out, nil
}

var _ adapter.LocalAdapter = (*Adapter)(nil)
