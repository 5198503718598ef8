// Package adapter defines the storage and transport contracts the
// sync engine consumes. Concrete implementations (a key-value store,
// SQL, an HTTP API, a cloud SDK) live outside this module; pkg/memadapter
// and pkg/httpadapter ship reference implementations for testing.
package adapter

import (
	"context"
	"time"

	"github.com/synqcore/synqcore/pkg/entity"
	"github.com/synqcore/synqcore/pkg/syncop"
)

// Scope is an opaque filter predicate passed through to the remote
// adapter for partial pulls. Its shape is defined by the adapter, not
// the engine.
type Scope any

// Page describes a paginated fetch window.
type Page struct {
	Offset int
	Limit  int
}

// TxFunc is the closure passed to LocalAdapter.Transaction. Returning
// an error rolls the transaction back.
type TxFunc func(ctx context.Context, tx Tx) error

// Tx is the set of operations available inside a LocalAdapter
// transaction. It deliberately mirrors a subset of LocalAdapter so
// migrations and multi-step writes can be expressed atomically.
type Tx interface {
	GetAllRawData(ctx context.Context) ([]map[string]any, error)
	OverwriteAllRawData(ctx context.Context, records []map[string]any) error
}

// LocalAdapter is the storage technology the engine persists against:
// a key-value store, SQL, or anything else that can satisfy this
// contract.
type LocalAdapter interface {
	Initialize(ctx context.Context) error

	GetAll(ctx context.Context, userID string) ([]entity.Entity, error)
	GetByID(ctx context.Context, id, userID string) (entity.Entity, bool, error)
	GetByIDs(ctx context.Context, ids []string, userID string) (map[string]entity.Entity, error)
	GetAllPaginated(ctx context.Context, userID string, page Page) ([]entity.Entity, error)

	// WatchAll and friends are optional: an adapter that does not
	// support reactive queries returns a nil channel, which the
	// facade treats as "no updates will ever arrive."
	WatchAll(ctx context.Context, userID string) (<-chan []entity.Entity, error)
	WatchByID(ctx context.Context, id, userID string) (<-chan entity.Entity, error)
	WatchAllPaginated(ctx context.Context, userID string, page Page) (<-chan []entity.Entity, error)
	WatchQuery(ctx context.Context, userID string, query func(entity.Entity) bool) (<-chan []entity.Entity, error)
	WatchCount(ctx context.Context, userID string) (<-chan int, error)
	WatchFirst(ctx context.Context, userID string) (<-chan entity.Entity, error)

	Push(ctx context.Context, e entity.Entity, userID string) error
	Patch(ctx context.Context, id, userID string, delta map[string]any) error
	Delete(ctx context.Context, id, userID string) (bool, error)

	GetPendingOperations(ctx context.Context, userID string) ([]syncop.Operation, error)
	AddPendingOperation(ctx context.Context, userID string, op syncop.Operation) error
	MarkAsSynced(ctx context.Context, userID, operationID string) error
	ReplacePendingOperation(ctx context.Context, userID string, op syncop.Operation) error

	ClearUserData(ctx context.Context, userID string) error

	GetSyncMetadata(ctx context.Context, userID string) (syncop.Metadata, error)
	UpdateSyncMetadata(ctx context.Context, userID string, meta syncop.Metadata) error

	Transaction(ctx context.Context, fn TxFunc) error

	GetAllRawData(ctx context.Context) ([]map[string]any, error)
	OverwriteAllRawData(ctx context.Context, records []map[string]any) error
	GetStoredSchemaVersion(ctx context.Context) (int, error)
	SetStoredSchemaVersion(ctx context.Context, version int) error

	// ChangeStream is the optional external-change source. A nil
	// channel means this adapter never emits external changes.
	ChangeStream() <-chan syncop.ChangeEvent

	Dispose(ctx context.Context) error
}

// RemoteAdapter is the transport to the remote store: HTTP, RPC, a
// cloud SDK, or anything else that can satisfy this contract.
type RemoteAdapter interface {
	FetchAll(ctx context.Context, userID string, scope Scope) ([]entity.Entity, error)
	FetchByID(ctx context.Context, id, userID string) (entity.Entity, bool, error)

	Push(ctx context.Context, e entity.Entity, userID string) (entity.Entity, error)
	// Patch is optional; PartialUpdatesSupported reports whether the
	// caller may rely on it instead of a full Push.
	Patch(ctx context.Context, id, userID string, delta map[string]any) (entity.Entity, error)
	PartialUpdatesSupported() bool

	DeleteRemote(ctx context.Context, id, userID string) error

	GetSyncMetadata(ctx context.Context, userID string) (syncop.Metadata, error)
	UpdateSyncMetadata(ctx context.Context, userID string, meta syncop.Metadata) error

	IsConnected(ctx context.Context) bool

	// ChangeStream is the optional external-change source.
	ChangeStream() <-chan syncop.ChangeEvent

	Dispose(ctx context.Context) error
}

// ConnectivityProbe checks local network availability, independent of
// the remote adapter's own IsConnected.
type ConnectivityProbe interface {
	IsOnline(ctx context.Context) bool
}

// Clock abstracts wall-clock time so tests can control it.
type Clock interface {
	Now() time.Time
}

// UUIDSource abstracts identifier generation so tests can control it.
type UUIDSource interface {
	NewID() string
}
