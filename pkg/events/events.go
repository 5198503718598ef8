// Package events implements the engine's typed event bus: a
// multi-subscriber broadcast of sync lifecycle events, plus a
// cold-on-subscribe "latest status" projection per user, fanning out
// to many long-lived subscribers rather than one buffered channel per
// run.
package events

import (
	"sync"
	"time"

	"github.com/synqcore/synqcore/pkg/entity"
	"github.com/synqcore/synqcore/pkg/syncop"
)

// Kind enumerates the event types the engine and facade emit.
type Kind string

const (
	KindSyncStarted   Kind = "SyncStarted"
	KindSyncProgress  Kind = "SyncProgress"
	KindSyncCompleted Kind = "SyncCompleted"
	KindSyncError     Kind = "SyncError"
	KindConflict      Kind = "ConflictDetected"
	KindDataChange    Kind = "DataChange"
	KindInitialSync   Kind = "InitialSync"
	KindUserSwitched  Kind = "UserSwitched"
)

// DataChangeSource identifies where a DataChange event originated.
type DataChangeSource string

const (
	SourceLocal  DataChangeSource = "local"
	SourceRemote DataChangeSource = "remote"
	SourceMerged DataChangeSource = "merged"
)

// Event is the envelope delivered on the bus. Only the fields relevant
// to Kind are populated.
type Event struct {
	Kind      Kind
	UserID    string
	Timestamp time.Time

	PendingCount int
	Completed    int
	Total        int

	SyncedCount int
	FailedCount int

	Message    string
	StackTrace string

	Conflict syncop.ConflictContext
	Local    entity.Entity
	Remote   entity.Entity

	Entity entity.Entity
	OpKind syncop.OpKind
	Source DataChangeSource

	InitialData []entity.Entity

	PreviousUser    string
	NewUser         string
	HadUnsyncedData bool
}

// subscriber is one consumer's channel plus the buffer policy.
type subscriber struct {
	ch chan Event
}

// Bus is a multi-subscriber broadcast of Event, with a latest
// StatusSnapshot projection per user and a one-shot initial-sync
// replay per subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscriber
	nextID      int

	status map[string]syncop.StatusSnapshot

	initialSyncMu   sync.Mutex
	initialSyncSent map[string]map[int]bool // userID -> subscriberID -> sent
	initialSyncData map[string][]entity.Entity
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers:     make(map[int]*subscriber),
		status:          make(map[string]syncop.StatusSnapshot),
		initialSyncSent: make(map[string]map[int]bool),
		initialSyncData: make(map[string][]entity.Entity),
	}
}

func (b *Bus) subscribe(buffer int) (*subscriber, int, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, buffer)}
	b.subscribers[id] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subscribers[id]; ok {
			close(s.ch)
			delete(b.subscribers, id)
		}
	}
	return sub, id, unsubscribe
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function. The channel is buffered; a slow subscriber
// drops events rather than blocking the publisher, since publish is
// best-effort delivery.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	sub, _, unsubscribe := b.subscribe(buffer)
	return sub.ch, unsubscribe
}

// SubscribeUser is Subscribe plus the cold-on-subscribe InitialSync
// replay for userID: if SetInitialSyncData has recorded a snapshot
// for userID, the new subscriber's channel is seeded with one
// InitialSync event ahead of any live events. Every event afterward,
// for this user or any other, arrives hot over the same channel, the
// same as Subscribe.
func (b *Bus) SubscribeUser(userID string, buffer int) (<-chan Event, func()) {
	sub, id, unsubscribe := b.subscribe(buffer)
	if data, ok := b.InitialSyncFor(userID, id); ok {
		select {
		case sub.ch <- Event{Kind: KindInitialSync, UserID: userID, InitialData: data, Timestamp: time.Now()}:
		default:
		}
	}
	return sub.ch, unsubscribe
}

// Publish broadcasts ev to every current subscriber, non-blocking.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// PublishStatus updates the latest-status projection for a user; it
// broadcasts no event. Status snapshots are monotone in wall-clock
// emission time.
func (b *Bus) PublishStatus(snapshot syncop.StatusSnapshot) {
	b.mu.Lock()
	b.status[snapshot.UserID] = snapshot
	b.mu.Unlock()
}

// LatestStatus returns the most recently published snapshot for a
// user, if any.
func (b *Bus) LatestStatus(userID string) (syncop.StatusSnapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.status[userID]
	return s, ok
}

// SetInitialSyncData records the one-shot initial snapshot a new
// subscriber to a user's data should receive: cold on subscribe, hot
// thereafter.
func (b *Bus) SetInitialSyncData(userID string, data []entity.Entity) {
	b.initialSyncMu.Lock()
	defer b.initialSyncMu.Unlock()
	b.initialSyncData[userID] = data
	b.initialSyncSent[userID] = make(map[int]bool)
}

// InitialSyncFor returns the recorded initial snapshot for userID and
// marks it delivered to subscriberID. It returns ok=false on the
// second and subsequent calls for the same subscriber.
func (b *Bus) InitialSyncFor(userID string, subscriberID int) ([]entity.Entity, bool) {
	b.initialSyncMu.Lock()
	defer b.initialSyncMu.Unlock()
	sent, ok := b.initialSyncSent[userID]
	if !ok {
		return nil, false
	}
	if sent[subscriberID] {
		return nil, false
	}
	sent[subscriberID] = true
	return b.initialSyncData[userID], true
}
