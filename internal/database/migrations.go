package database

import (
	"context"
	"fmt"
	"strings"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

// migrations is the ordered list of schema migrations to apply on top of the
// base schema.sql. Each must be idempotent (IF NOT EXISTS / IF EXISTS).
var migrations = []migration{
	{
		name:  "add calls.archived_at",
		sql:   `ALTER TABLE calls ADD COLUMN IF NOT EXISTS archived_at timestamptz`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'calls' AND column_name = 'archived_at')`,
	},
	{
		name:  "add ai_results last_retry_at index for sweeper scans",
		sql:   `CREATE INDEX IF NOT EXISTS idx_ai_results_last_retry_at ON ai_results (last_retry_at) WHERE status = 'PROCESSING'`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_ai_results_last_retry_at')`,
	},
}

// Migrate runs all pending schema migrations. For each migration it first
// checks whether the change is already present; if not, it attempts to
// apply it. If an apply fails, the error returned includes the SQL needed
// to finish the job by hand.
func (db *DB) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		if m.check != "" {
			var exists bool
			if err := db.Pool.QueryRow(ctx, m.check).Scan(&exists); err == nil && exists {
				continue
			}
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		return nil
	}

	applied := 0
	for _, m := range pending {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return &MigrationError{
				failed:  m,
				pending: pending[applied:],
				err:     err,
			}
		}
		db.log.Info().Str("migration", m.name).Msg("schema migration applied")
		applied++
	}
	db.log.Info().Int("applied", applied).Msg("schema migrations complete")
	return nil
}

// MigrationError is returned when a migration fails. It includes the SQL
// needed to apply all remaining migrations manually.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %q failed: %v\n\n", e.failed.name, e.err)
	b.WriteString("Run the following SQL as a database superuser to fix this:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	b.WriteString("\nThen restart callkernel.")
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}
