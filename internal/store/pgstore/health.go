package pgstore

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/onpoc/quartznet/internal/domain"
)

// OpenReadinessDB opens a plain database/sql connection to dsn through
// lib/pq, the same driver the teacher's
// internal/adapters/database/postgres.go registers, kept as a second,
// independent connection path from the pgxpool.Pool the Store itself
// pools its transactions through — a stuck pgxpool does not make this
// readiness probe lie.
func OpenReadinessDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, domain.WrapJobPersistence(err, "open readiness connection")
	}
	return db, nil
}

// CheckSchema is a lightweight readiness probe: it confirms the core
// scheduling tables exist and the scheduler_state row count is readable,
// without going through the pgxpool connection pool the Store itself
// uses. cmd/schedulerd calls this before SdNotify(READY=1) so a pod whose
// migration hasn't run yet never reports healthy.
func CheckSchema(ctx context.Context, db *sql.DB) error {
	for _, table := range []string{"jobs", "triggers", "fired_triggers", "scheduler_state", "paused_groups", "calendars"} {
		var n int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return domain.WrapJobPersistence(err, "readiness check on table %q", table)
		}
	}
	return nil
}
