// Package syncop holds the value types exchanged between the sync
// engine and its collaborators: queued operations, conflict context,
// resolutions, metadata, status snapshots, statistics, and change
// events.
package syncop

import (
	"sync"
	"time"

	"github.com/synqcore/synqcore/pkg/entity"
)

// OpKind is the kind of a queued sync operation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Operation is an intent to reconcile a local mutation with the remote.
type Operation struct {
	OperationID   string
	OwnerUserID   string
	EntityID      string
	Kind          OpKind
	Snapshot      entity.Entity
	Delta         map[string]any
	CreatedAt     time.Time
	RetryCount    int
	LastAttemptAt *time.Time
}

// WithRetry returns a copy of op with RetryCount incremented and
// LastAttemptAt set to now. The original is left untouched so callers
// can replace the queued copy atomically.
func (op Operation) WithRetry(now time.Time) Operation {
	next := op
	next.RetryCount = op.RetryCount + 1
	next.LastAttemptAt = &now
	return next
}

// ConflictKind enumerates the ways a local/remote pair can diverge.
type ConflictKind string

const (
	ConflictNone         ConflictKind = ""
	ConflictUserMismatch ConflictKind = "userMismatch"
	ConflictDeletion     ConflictKind = "deletionConflict"
	ConflictBothModified ConflictKind = "bothModified"
)

// ConflictContext describes a detected conflict.
type ConflictContext struct {
	UserID     string
	EntityID   string
	Kind       ConflictKind
	Local      *Metadata
	Remote     *Metadata
	DetectedAt time.Time
}

// IsConflict reports whether c represents an actual conflict.
func (c ConflictContext) IsConflict() bool { return c.Kind != ConflictNone }

// Strategy is the resolution strategy chosen for a conflict.
type Strategy string

const (
	UseLocal  Strategy = "useLocal"
	UseRemote Strategy = "useRemote"
	Merge     Strategy = "merge"
	Abort     Strategy = "abort"
	AskUser   Strategy = "askUser"
)

// Resolution is the outcome of applying a ConflictResolver to a conflict.
type Resolution struct {
	Strategy Strategy
	Resolved entity.Entity
	Message  string
}

// Metadata is a per-user summary used by both sides to short-circuit
// unchanged syncs.
type Metadata struct {
	LastSyncAt time.Time
	DataHash   string
	ItemCount  int
}

// Status is the lifecycle state of a user's sync cycle.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSyncing   Status = "syncing"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// StatusSnapshot is the latest-value projection of a user's sync status.
type StatusSnapshot struct {
	UserID      string
	Status      Status
	Pending     int
	Completed   int
	Failed      int
	Progress    float64
	StartedAt   time.Time
	CompletedAt time.Time
	Errors      []error
}

// Result is the outcome of one Synchronize cycle.
type Result struct {
	UserID            string
	SyncedCount       int
	FailedCount       int
	ConflictsResolved int
	PendingOperations []Operation
	Duration          time.Duration
	Errors            []error
	WasCancelled      bool
}

// ChangeKind mirrors OpKind for changes observed via an adapter's
// change stream rather than initiated by the facade's CRUD surface.
type ChangeKind = OpKind

// ChangeEvent describes one mutation observed from an adapter.
type ChangeEvent struct {
	Kind      ChangeKind
	EntityID  string
	UserID    string
	Timestamp time.Time
	Entity    entity.Entity // set for create/update
}

// Statistics are process-wide counters, protected by a single mutex
// since updates are infrequent and individually cheap.
type Statistics struct {
	mu sync.Mutex

	TotalSyncs            int64
	SuccessfulSyncs       int64
	FailedSyncs           int64
	ConflictsDetected     int64
	ConflictsAutoResolved int64
	totalDuration         time.Duration
}

// RecordSync folds one completed cycle's outcome into the aggregate.
func (s *Statistics) RecordSync(success bool, conflicts, autoResolved int, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalSyncs++
	if success {
		s.SuccessfulSyncs++
	} else {
		s.FailedSyncs++
	}
	s.ConflictsDetected += int64(conflicts)
	s.ConflictsAutoResolved += int64(autoResolved)
	s.totalDuration += d
}

// StatisticsSnapshot is a point-in-time copy of the statistics, including the
// derived AverageDuration.
type StatisticsSnapshot struct {
	TotalSyncs            int64
	SuccessfulSyncs       int64
	FailedSyncs           int64
	ConflictsDetected     int64
	ConflictsAutoResolved int64
	AverageDuration       time.Duration
	TotalSyncDuration     time.Duration
}

// Snapshot returns a consistent copy of the current counters.
func (s *Statistics) Snapshot() StatisticsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	avg := time.Duration(0)
	if s.TotalSyncs > 0 {
		avg = s.totalDuration / time.Duration(s.TotalSyncs)
	}
	return StatisticsSnapshot{
		TotalSyncs:            s.TotalSyncs,
		SuccessfulSyncs:       s.SuccessfulSyncs,
		FailedSyncs:           s.FailedSyncs,
		ConflictsDetected:     s.ConflictsDetected,
		ConflictsAutoResolved: s.ConflictsAutoResolved,
		AverageDuration:       avg,
		TotalSyncDuration:     s.totalDuration,
	}
}
