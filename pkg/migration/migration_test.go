package migration_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqcore/synqcore/internal/testentity"
	"github.com/synqcore/synqcore/pkg/config"
	"github.com/synqcore/synqcore/pkg/memadapter"
	"github.com/synqcore/synqcore/pkg/migration"
	"github.com/synqcore/synqcore/pkg/synqerr"
)

func newLocal(t *testing.T) *memadapter.Adapter {
	t.Helper()
	local, err := memadapter.New(&testentity.Record{})
	require.NoError(t, err)
	return local
}

func TestFreshInstallRecordsTargetWithNoSteps(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	exec := migration.NewExecutor(nil)

	ran := false
	migrations := []config.Migration{{FromVersion: 1, ToVersion: 2, Migrate: func(r map[string]any) (map[string]any, error) {
		ran = true
		return r, nil
	}}}
	require.NoError(t, exec.Run(ctx, local, 2, migrations, nil))

	assert.False(t, ran, "fresh install should not execute migration steps")
	version, err := local.GetStoredSchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestMigrationStepsAppliedInSequence(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	require.NoError(t, local.SetStoredSchemaVersion(ctx, 1))
	require.NoError(t, local.OverwriteAllRawData(ctx, []map[string]any{
		{"id": "1", "ownerUserId": "u1", "title": "hello"},
	}))

	migrations := []config.Migration{
		{FromVersion: 1, ToVersion: 2, Migrate: func(r map[string]any) (map[string]any, error) {
			r["addedInV2"] = true
			return r, nil
		}},
		{FromVersion: 2, ToVersion: 3, Migrate: func(r map[string]any) (map[string]any, error) {
			r["addedInV3"] = true
			return r, nil
		}},
	}

	exec := migration.NewExecutor(nil)
	require.NoError(t, exec.Run(ctx, local, 3, migrations, nil))

	records, err := local.GetAllRawData(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, true, records[0]["addedInV2"])
	assert.Equal(t, true, records[0]["addedInV3"])

	version, err := local.GetStoredSchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, version)
}

func TestMissingMigrationStepErrors(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	require.NoError(t, local.SetStoredSchemaVersion(ctx, 1))

	exec := migration.NewExecutor(nil)
	err := exec.Run(ctx, local, 3, nil, nil)
	require.Error(t, err)
	kind, ok := synqerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, synqerr.KindMigrationMissing, kind)
}

func TestInvalidMigrationStepErrors(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	require.NoError(t, local.SetStoredSchemaVersion(ctx, 1))

	migrations := []config.Migration{{FromVersion: 1, ToVersion: 1, Migrate: func(r map[string]any) (map[string]any, error) { return r, nil }}}
	exec := migration.NewExecutor(nil)
	err := exec.Run(ctx, local, 2, migrations, nil)
	require.Error(t, err)
	kind, ok := synqerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, synqerr.KindMigrationInvalid, kind)
}

func TestOnMigrationErrorCanSwallowFailure(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	require.NoError(t, local.SetStoredSchemaVersion(ctx, 1))

	exec := migration.NewExecutor(nil)
	err := exec.Run(ctx, local, 3, nil, func(error) error { return nil })
	assert.NoError(t, err)
}

func TestAlreadyAtTargetIsNoop(t *testing.T) {
	ctx := context.Background()
	local := newLocal(t)
	require.NoError(t, local.SetStoredSchemaVersion(ctx, 5))

	exec := migration.NewExecutor(nil)
	require.NoError(t, exec.Run(ctx, local, 5, nil, nil))
}
