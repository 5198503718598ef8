package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/synqcore/synqcore/internal/testentity"
	"github.com/synqcore/synqcore/pkg/memadapter"
	"github.com/synqcore/synqcore/pkg/queue"
	"github.com/synqcore/synqcore/pkg/syncop"
)

func newManager(t *testing.T) *queue.Manager {
	t.Helper()
	local, err := memadapter.New(&testentity.Record{})
	require.NoError(t, err)
	return queue.NewManager(local)
}

func TestEnqueueAndSnapshot(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	op := syncop.Operation{OperationID: "op1", OwnerUserID: "u1", EntityID: "e1", Kind: syncop.OpCreate, CreatedAt: time.Now()}
	require.NoError(t, m.Enqueue(ctx, "u1", op))

	snap := m.Snapshot("u1")
	require.Len(t, snap, 1)
	require.Equal(t, "op1", snap[0].OperationID)
}

func TestMarkCompletedRemovesOperation(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	op := syncop.Operation{OperationID: "op1", OwnerUserID: "u1", EntityID: "e1", Kind: syncop.OpCreate, CreatedAt: time.Now()}
	require.NoError(t, m.Enqueue(ctx, "u1", op))
	require.NoError(t, m.MarkCompleted(ctx, "u1", "op1"))
	require.Empty(t, m.Snapshot("u1"))
}

func TestUpdateReplacesExistingOperation(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	op := syncop.Operation{OperationID: "op1", OwnerUserID: "u1", EntityID: "e1", Kind: syncop.OpCreate, CreatedAt: time.Now()}
	require.NoError(t, m.Enqueue(ctx, "u1", op))

	retried := op.WithRetry(time.Now())
	require.NoError(t, m.Update(ctx, "u1", retried))

	snap := m.Snapshot("u1")
	require.Len(t, snap, 1)
	require.Equal(t, 1, snap[0].RetryCount)
}

func TestWatchSeedsCurrentSnapshot(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	op := syncop.Operation{OperationID: "op1", OwnerUserID: "u1", EntityID: "e1", Kind: syncop.OpCreate, CreatedAt: time.Now()}
	require.NoError(t, m.Enqueue(ctx, "u1", op))

	ch, unsubscribe := m.Watch("u1")
	defer unsubscribe()

	select {
	case snap := <-ch:
		require.Len(t, snap, 1)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for seeded snapshot")
	}
}

func TestInitializeUserIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	require.NoError(t, m.InitializeUser(ctx, "u1"))
	require.NoError(t, m.InitializeUser(ctx, "u1"))
}
