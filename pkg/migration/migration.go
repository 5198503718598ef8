// Package migration implements the schema-migration executor: each
// migration step runs to completion inside a single adapter
// transaction before the next begins, draining one step fully before
// starting the next.
package migration

import (
	"context"

	"github.com/synqcore/synqcore/pkg/adapter"
	"github.com/synqcore/synqcore/pkg/config"
	"github.com/synqcore/synqcore/pkg/middleware"
	"github.com/synqcore/synqcore/pkg/synqerr"
)

// Executor walks a LocalAdapter's raw persisted records from the
// stored schema version up to a target version.
type Executor struct {
	Observers *middleware.Observers
}

// NewExecutor constructs an Executor. observers may be nil.
func NewExecutor(observers *middleware.Observers) *Executor {
	return &Executor{Observers: observers}
}

// Run applies config.Migrations in sequence until the adapter's stored
// schema version reaches target. A fresh install (stored version 0)
// simply records the target version with no migration steps and no
// onMigrationStart notification — only onMigrationEnd; see DESIGN.md.
func (e *Executor) Run(ctx context.Context, local adapter.LocalAdapter, target int, migrations []config.Migration, onError func(error) error) error {
	stored, err := local.GetStoredSchemaVersion(ctx)
	if err != nil {
		return err
	}
	if stored >= target {
		return nil
	}

	if stored == 0 {
		if err := local.SetStoredSchemaVersion(ctx, target); err != nil {
			return e.fail(ctx, err, onError)
		}
		if e.Observers != nil {
			e.Observers.MigrationEnd(ctx, target)
		}
		return nil
	}

	for stored < target {
		step, ok := findMigration(migrations, stored)
		if !ok {
			return e.fail(ctx, synqerr.MigrationMissing(stored), onError)
		}
		if step.ToVersion <= step.FromVersion {
			return e.fail(ctx, synqerr.MigrationInvalid(step.FromVersion, step.ToVersion), onError)
		}

		if e.Observers != nil {
			e.Observers.MigrationStart(ctx, step.FromVersion, step.ToVersion)
		}

		txErr := local.Transaction(ctx, func(ctx context.Context, tx adapter.Tx) error {
			records, err := tx.GetAllRawData(ctx)
			if err != nil {
				return err
			}
			migrated := make([]map[string]any, len(records))
			for i, rec := range records {
				next, err := step.Migrate(rec)
				if err != nil {
					return err
				}
				migrated[i] = next
			}
			return tx.OverwriteAllRawData(ctx, migrated)
		})
		if txErr != nil {
			return e.fail(ctx, txErr, onError)
		}

		if err := local.SetStoredSchemaVersion(ctx, step.ToVersion); err != nil {
			return e.fail(ctx, err, onError)
		}
		stored = step.ToVersion
	}

	if e.Observers != nil {
		e.Observers.MigrationEnd(ctx, stored)
	}
	return nil
}

func findMigration(migrations []config.Migration, from int) (config.Migration, bool) {
	for _, m := range migrations {
		if m.FromVersion == from {
			return m, true
		}
	}
	return config.Migration{}, false
}

// fail notifies observers and the config-supplied error hook, then
// either swallows the error (if onError recovers it) or returns it.
func (e *Executor) fail(ctx context.Context, err error, onError func(error) error) error {
	if e.Observers != nil {
		e.Observers.MigrationError(ctx, err)
	}
	if onError != nil {
		return onError(err)
	}
	return err
}
