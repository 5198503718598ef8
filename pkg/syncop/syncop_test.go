package syncop_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqcore/synqcore/pkg/syncop"
)

func TestOperationWithRetryIncrementsAndStampsWithoutMutatingOriginal(t *testing.T) {
	op := syncop.Operation{OperationID: "1", RetryCount: 2}
	now := time.Now()
	next := op.WithRetry(now)

	assert.Equal(t, 2, op.RetryCount)
	assert.Nil(t, op.LastAttemptAt)

	assert.Equal(t, 3, next.RetryCount)
	require.NotNil(t, next.LastAttemptAt)
	assert.True(t, now.Equal(*next.LastAttemptAt))
}

func TestConflictContextIsConflict(t *testing.T) {
	assert.False(t, syncop.ConflictContext{Kind: syncop.ConflictNone}.IsConflict())
	assert.True(t, syncop.ConflictContext{Kind: syncop.ConflictBothModified}.IsConflict())
}

func TestStatisticsSnapshotComputesAverageDuration(t *testing.T) {
	stats := &syncop.Statistics{}
	stats.RecordSync(true, 1, 1, 100*time.Millisecond)
	stats.RecordSync(false, 0, 0, 300*time.Millisecond)

	snap := stats.Snapshot()
	assert.EqualValues(t, 2, snap.TotalSyncs)
	assert.EqualValues(t, 1, snap.SuccessfulSyncs)
	assert.EqualValues(t, 1, snap.FailedSyncs)
	assert.EqualValues(t, 1, snap.ConflictsDetected)
	assert.Equal(t, 200*time.Millisecond, snap.AverageDuration)
	assert.Equal(t, 400*time.Millisecond, snap.TotalSyncDuration)
}

func TestStatisticsSnapshotZeroSyncsHasZeroAverage(t *testing.T) {
	stats := &syncop.Statistics{}
	snap := stats.Snapshot()
	assert.Zero(t, snap.AverageDuration)
}
