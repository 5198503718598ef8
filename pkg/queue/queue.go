// Package queue implements the durable, per-user pending-operation
// queue and its reactive snapshot stream: a long-lived, per-user,
// adapter-backed mirror of each user's outstanding writes.
package queue

import (
	"context"
	"sync"

	"github.com/synqcore/synqcore/pkg/adapter"
	"github.com/synqcore/synqcore/pkg/syncop"
)

// userQueue is one user's in-memory mirror of their pending operations.
type userQueue struct {
	mu          sync.Mutex
	ops         []syncop.Operation
	initialized bool

	subsMu sync.Mutex
	subs   map[int]chan []syncop.Operation
	nextID int
}

// Manager lazily materializes and maintains per-user operation queues
// backed by a LocalAdapter. The adapter is always the source of truth;
// the in-memory list is kept consistent with it on every mutation.
type Manager struct {
	local adapter.LocalAdapter

	mu     sync.Mutex
	queues map[string]*userQueue
}

// NewManager constructs a Manager backed by local.
func NewManager(local adapter.LocalAdapter) *Manager {
	return &Manager{local: local, queues: make(map[string]*userQueue)}
}

func (m *Manager) queueFor(userID string) *userQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[userID]
	if !ok {
		q = &userQueue{subs: make(map[int]chan []syncop.Operation)}
		m.queues[userID] = q
	}
	return q
}

// InitializeUser lazily loads userID's queue from the local adapter.
// Idempotent: a second call is a no-op.
func (m *Manager) InitializeUser(ctx context.Context, userID string) error {
	q := m.queueFor(userID)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.initialized {
		return nil
	}
	ops, err := m.local.GetPendingOperations(ctx, userID)
	if err != nil {
		return err
	}
	q.ops = ops
	q.initialized = true
	m.broadcast(q)
	return nil
}

// Enqueue appends op to userID's in-memory queue and persists it.
func (m *Manager) Enqueue(ctx context.Context, userID string, op syncop.Operation) error {
	if err := m.InitializeUser(ctx, userID); err != nil {
		return err
	}
	q := m.queueFor(userID)
	if err := m.local.AddPendingOperation(ctx, userID, op); err != nil {
		return err
	}
	q.mu.Lock()
	q.ops = append(q.ops, op)
	m.broadcast(q)
	q.mu.Unlock()
	return nil
}

// MarkCompleted removes operationID from userID's queue and persists
// the removal.
func (m *Manager) MarkCompleted(ctx context.Context, userID, operationID string) error {
	if err := m.local.MarkAsSynced(ctx, userID, operationID); err != nil {
		return err
	}
	q := m.queueFor(userID)
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.ops[:0]
	for _, op := range q.ops {
		if op.OperationID != operationID {
			out = append(out, op)
		}
	}
	q.ops = out
	m.broadcast(q)
	return nil
}

// Update replaces the queued operation sharing op.OperationID,
// persisting the replacement. Used to record a lazy retry
// (incremented RetryCount) without losing queue position.
func (m *Manager) Update(ctx context.Context, userID string, op syncop.Operation) error {
	if err := m.local.ReplacePendingOperation(ctx, userID, op); err != nil {
		return err
	}
	q := m.queueFor(userID)
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, existing := range q.ops {
		if existing.OperationID == op.OperationID {
			q.ops[i] = op
			m.broadcast(q)
			return nil
		}
	}
	// Not found locally (e.g. re-synchronized from another process):
	// append it so the mirror stays consistent with the adapter.
	q.ops = append(q.ops, op)
	m.broadcast(q)
	return nil
}

// Clear empties userID's in-memory queue. It does not, by itself,
// touch the adapter — callers that need a durable clear should persist
// via the adapter first.
func (m *Manager) Clear(userID string) {
	q := m.queueFor(userID)
	q.mu.Lock()
	q.ops = nil
	m.broadcast(q)
	q.mu.Unlock()
}

// Snapshot returns an unmodifiable copy of userID's current queue.
func (m *Manager) Snapshot(userID string) []syncop.Operation {
	q := m.queueFor(userID)
	q.mu.Lock()
	defer q.mu.Unlock()
	return copyOps(q.ops)
}

// Watch returns a channel of queue snapshots for userID, broadcast
// whenever the queue changes, plus an unsubscribe function.
func (m *Manager) Watch(userID string) (<-chan []syncop.Operation, func()) {
	q := m.queueFor(userID)
	q.subsMu.Lock()
	id := q.nextID
	q.nextID++
	ch := make(chan []syncop.Operation, 8)
	q.subs[id] = ch
	q.subsMu.Unlock()

	// Seed the new subscriber with the current snapshot.
	q.mu.Lock()
	seed := copyOps(q.ops)
	q.mu.Unlock()
	select {
	case ch <- seed:
	default:
	}

	unsubscribe := func() {
		q.subsMu.Lock()
		defer q.subsMu.Unlock()
		if existing, ok := q.subs[id]; ok {
			close(existing)
			delete(q.subs, id)
		}
	}
	return ch, unsubscribe
}

// broadcast must be called with q.mu held.
func (m *Manager) broadcast(q *userQueue) {
	snapshot := copyOps(q.ops)
	q.subsMu.Lock()
	defer q.subsMu.Unlock()
	for _, ch := range q.subs {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

func copyOps(ops []syncop.Operation) []syncop.Operation {
	out := make([]syncop.Operation, len(ops))
	copy(out, ops)
	return out
}
