// Package pgstore is the clustered Store backend (spec §1, §4.2, §5):
// every node in a cluster talks to the same Postgres database, and
// TRIGGER_ACCESS/STATE_ACCESS serialization is done with
// pg_advisory_xact_lock rather than an in-process mutex, since the mutex
// that matters spans processes. Grounded on the teacher's
// internal/adapters/database/postgres.go connection-pool construction and
// internal/adapters/database/job_repository.go's query shape, rebuilt
// against spec §4.2's operation set with jackc/pgx/v5 as the driver.
package pgstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/onpoc/quartznet/internal/domain"
	"github.com/onpoc/quartznet/internal/store"
	"github.com/onpoc/quartznet/internal/triggertype"
)

// Store talks to a single Postgres database shared by every scheduler
// instance in the cluster.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn (a libpq/pgx connection string) and runs the
// schema migration.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, domain.WrapJobPersistence(err, "connect to postgres")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, domain.WrapJobPersistence(err, "run postgres schema migration")
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func lockTx(ctx context.Context, tx pgx.Tx, key string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return domain.WrapJobPersistence(err, "acquire advisory lock %q", key)
	}
	return nil
}

func nullableJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func (s *Store) StoreCalendar(ctx context.Context, name string, cal domain.Calendar, replaceExisting bool) error {
	kind, data, err := domain.MarshalCalendar(cal)
	if err != nil {
		return err
	}
	if !replaceExisting {
		var exists int
		if err := s.pool.QueryRow(ctx, `SELECT 1 FROM calendars WHERE name = $1`, name).Scan(&exists); err == nil {
			return domain.ErrObjectAlreadyExists
		}
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO calendars (name, kind, data_json) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET kind = excluded.kind, data_json = excluded.data_json`,
		name, kind, nullableJSON(data))
	if err != nil {
		return domain.WrapJobPersistence(err, "store calendar %q", name)
	}
	return nil
}

func (s *Store) GetCalendar(ctx context.Context, name string) (domain.Calendar, error) {
	var kind string
	var data []byte
	if err := s.pool.QueryRow(ctx, `SELECT kind, data_json FROM calendars WHERE name = $1`, name).Scan(&kind, &data); err != nil {
		return nil, fmt.Errorf("calendar %q not found", name)
	}
	return domain.UnmarshalCalendar(kind, data)
}

func (s *Store) RemoveCalendar(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM calendars WHERE name = $1`, name)
	return err
}

func (s *Store) resolveCalendar(ctx context.Context, name string) domain.Calendar {
	if name == "" {
		return domain.BaseCalendar{}
	}
	cal, err := s.GetCalendar(ctx, name)
	if err != nil {
		return domain.BaseCalendar{}
	}
	return cal
}

// isGroupPausedTx loads every remembered paused-group matcher token and
// checks whether any of them match group, rather than a direct equality
// lookup against a single literal — a prefix matcher's token (e.g. "g*")
// never equals the full group name (e.g. "gX") it is meant to cover
// (spec §6, §S6).
func isGroupPausedTx(ctx context.Context, tx pgx.Tx, group string) bool {
	rows, err := tx.Query(ctx, `SELECT grp FROM paused_groups`)
	if err != nil {
		return false
	}
	defer rows.Close()
	var tokens []string
	for rows.Next() {
		var tok string
		if err := rows.Scan(&tok); err != nil {
			return false
		}
		tokens = append(tokens, tok)
	}
	return domain.GroupPaused(tokens, group)
}

func putJobTx(ctx context.Context, tx pgx.Tx, job domain.JobDefinition) error {
	row, err := domainToJobRow(job)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `INSERT INTO jobs (job_group, job_name, job_type, durable, persist_data, concurrent_disallowed, requests_recovery, data_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_group, job_name) DO UPDATE SET job_type=excluded.job_type, durable=excluded.durable,
			persist_data=excluded.persist_data, concurrent_disallowed=excluded.concurrent_disallowed,
			requests_recovery=excluded.requests_recovery, data_json=excluded.data_json`,
		row.group, row.name, row.jobType, row.durable, row.persist, row.concurrentDisallowed, row.requestsRecovery, nullableJSON(row.data))
	if err != nil {
		return domain.WrapJobPersistence(err, "store job %s", job.Key)
	}
	return nil
}

func putTriggerTx(ctx context.Context, tx pgx.Tx, trig domain.Trigger) error {
	state := trig.State
	if isGroupPausedTx(ctx, tx, trig.Key.Group) {
		if state == domain.StateBlocked {
			state = domain.StatePausedBlocked
		} else {
			state = domain.StatePaused
		}
	} else if state == "" {
		state = domain.StateWaiting
	}

	var kind string
	var schedData []byte
	if trig.Schedule != nil {
		var err error
		kind, schedData, err = triggertype.Marshal(trig.Schedule)
		if err != nil {
			return err
		}
	}
	data, err := marshalData(trig.Data)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `INSERT INTO triggers
		(trig_group, trig_name, job_group, job_name, calendar_name, priority, start_time, end_time, previous_fire, next_fire,
		 misfire_instruction, schedule_kind, schedule_json, data_json, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (trig_group, trig_name) DO UPDATE SET
			job_group=excluded.job_group, job_name=excluded.job_name, calendar_name=excluded.calendar_name,
			priority=excluded.priority, start_time=excluded.start_time, end_time=excluded.end_time,
			previous_fire=excluded.previous_fire, next_fire=excluded.next_fire,
			misfire_instruction=excluded.misfire_instruction, schedule_kind=excluded.schedule_kind,
			schedule_json=excluded.schedule_json, data_json=excluded.data_json, state=excluded.state`,
		trig.Key.Group, trig.Key.Name, trig.JobKey.Group, trig.JobKey.Name, trig.Calendar, trig.Priority,
		trig.StartTime, trig.EndTime, trig.PreviousFireTime, trig.NextFireTime,
		int(trig.MisfireInstruction), kind, nullableJSON(schedData), nullableJSON(data), string(state))
	if err != nil {
		return domain.WrapJobPersistence(err, "store trigger %s", trig.Key)
	}
	return nil
}

func (s *Store) StoreJobAndTrigger(ctx context.Context, job domain.JobDefinition, trigger domain.Trigger, replaceExisting bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback(ctx)
	if err := lockTx(ctx, tx, lockTriggerAccess); err != nil {
		return err
	}

	if !replaceExisting {
		var exists int
		if err := tx.QueryRow(ctx, `SELECT 1 FROM triggers WHERE trig_group = $1 AND trig_name = $2`, trigger.Key.Group, trigger.Key.Name).Scan(&exists); err == nil {
			return domain.ErrObjectAlreadyExists
		}
	}
	if err := putJobTx(ctx, tx, job); err != nil {
		return err
	}
	if err := putTriggerTx(ctx, tx, trigger); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) StoreJob(ctx context.Context, job domain.JobDefinition, replaceExisting bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback(ctx)
	if err := lockTx(ctx, tx, lockTriggerAccess); err != nil {
		return err
	}

	if !replaceExisting {
		var exists int
		if err := tx.QueryRow(ctx, `SELECT 1 FROM jobs WHERE job_group = $1 AND job_name = $2`, job.Key.Group, job.Key.Name).Scan(&exists); err == nil {
			return domain.ErrObjectAlreadyExists
		}
	}
	if err := putJobTx(ctx, tx, job); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) StoreTrigger(ctx context.Context, trigger domain.Trigger, replaceExisting bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback(ctx)
	if err := lockTx(ctx, tx, lockTriggerAccess); err != nil {
		return err
	}

	var exists int
	if err := tx.QueryRow(ctx, `SELECT 1 FROM jobs WHERE job_group = $1 AND job_name = $2`, trigger.JobKey.Group, trigger.JobKey.Name).Scan(&exists); err != nil {
		return fmt.Errorf("%w: trigger %s references unknown job %s", domain.ErrJobNotFound, trigger.Key, trigger.JobKey)
	}
	if !replaceExisting {
		if err := tx.QueryRow(ctx, `SELECT 1 FROM triggers WHERE trig_group = $1 AND trig_name = $2`, trigger.Key.Group, trigger.Key.Name).Scan(&exists); err == nil {
			return domain.ErrObjectAlreadyExists
		}
	}
	if err := putTriggerTx(ctx, tx, trigger); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) RemoveJob(ctx context.Context, key domain.JobKey) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback(ctx)
	if err := lockTx(ctx, tx, lockTriggerAccess); err != nil {
		return err
	}

	var exists int
	if err := tx.QueryRow(ctx, `SELECT 1 FROM jobs WHERE job_group = $1 AND job_name = $2`, key.Group, key.Name).Scan(&exists); err != nil {
		return domain.ErrJobNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM fired_triggers WHERE job_group = $1 AND job_name = $2`, key.Group, key.Name); err != nil {
		return domain.WrapJobPersistence(err, "remove fired rows for job %s", key)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM triggers WHERE job_group = $1 AND job_name = $2`, key.Group, key.Name); err != nil {
		return domain.WrapJobPersistence(err, "remove triggers for job %s", key)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE job_group = $1 AND job_name = $2`, key.Group, key.Name); err != nil {
		return domain.WrapJobPersistence(err, "remove job %s", key)
	}
	return tx.Commit(ctx)
}

func (s *Store) RemoveTrigger(ctx context.Context, key domain.TriggerKey) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback(ctx)
	if err := lockTx(ctx, tx, lockTriggerAccess); err != nil {
		return err
	}
	if err := removeTriggerTx(ctx, tx, key); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func removeTriggerTx(ctx context.Context, tx pgx.Tx, key domain.TriggerKey) error {
	var jobGroup, jobName string
	if err := tx.QueryRow(ctx, `SELECT job_group, job_name FROM triggers WHERE trig_group = $1 AND trig_name = $2`, key.Group, key.Name).Scan(&jobGroup, &jobName); err != nil {
		return domain.ErrTriggerNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM fired_triggers WHERE trig_group = $1 AND trig_name = $2`, key.Group, key.Name); err != nil {
		return domain.WrapJobPersistence(err, "remove fired row for trigger %s", key)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM triggers WHERE trig_group = $1 AND trig_name = $2`, key.Group, key.Name); err != nil {
		return domain.WrapJobPersistence(err, "remove trigger %s", key)
	}
	var remaining int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM triggers WHERE job_group = $1 AND job_name = $2`, jobGroup, jobName).Scan(&remaining); err != nil {
		return domain.WrapJobPersistence(err, "count remaining triggers for job")
	}
	if remaining == 0 {
		var durable bool
		if err := tx.QueryRow(ctx, `SELECT durable FROM jobs WHERE job_group = $1 AND job_name = $2`, jobGroup, jobName).Scan(&durable); err == nil && !durable {
			if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE job_group = $1 AND job_name = $2`, jobGroup, jobName); err != nil {
				return domain.WrapJobPersistence(err, "remove now-orphaned non-durable job")
			}
		}
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, key domain.JobKey) (domain.JobDefinition, error) {
	var jobType string
	var durable, persist, concurrentDisallowed, requestsRecovery bool
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT job_type, durable, persist_data, concurrent_disallowed, requests_recovery, data_json
		FROM jobs WHERE job_group = $1 AND job_name = $2`, key.Group, key.Name).
		Scan(&jobType, &durable, &persist, &concurrentDisallowed, &requestsRecovery, &data)
	if err != nil {
		return domain.JobDefinition{}, domain.ErrJobNotFound
	}
	return jobRowToDomain(key.Group, key.Name, jobType, durable, persist, concurrentDisallowed, requestsRecovery, data)
}

const triggerColumns = `trig_group, trig_name, job_group, job_name, calendar_name, priority, start_time,
		end_time, previous_fire, next_fire, misfire_instruction, schedule_kind, schedule_json, data_json, state`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrigger(row rowScanner) (domain.Trigger, error) {
	var group, name, jobGroup, jobName, calendar, scheduleKind, state string
	var priority, misfireInstr int
	var startTime time.Time
	var endTime, prevFire, nextFire *time.Time
	var scheduleJSON, data []byte
	err := row.Scan(&group, &name, &jobGroup, &jobName, &calendar, &priority, &startTime,
		&endTime, &prevFire, &nextFire, &misfireInstr, &scheduleKind, &scheduleJSON, &data, &state)
	if err != nil {
		return domain.Trigger{}, err
	}
	return triggerRowToDomain(group, name, jobGroup, jobName, calendar, priority, startTime, endTime, prevFire, nextFire,
		misfireInstr, scheduleKind, scheduleJSON, data, state)
}

func (s *Store) GetTrigger(ctx context.Context, key domain.TriggerKey) (domain.Trigger, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE trig_group = $1 AND trig_name = $2`, key.Group, key.Name)
	trig, err := scanTrigger(row)
	if err != nil {
		return domain.Trigger{}, domain.ErrTriggerNotFound
	}
	return trig, nil
}

func (s *Store) GetTriggersForJob(ctx context.Context, key domain.JobKey) ([]domain.Trigger, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE job_group = $1 AND job_name = $2 ORDER BY trig_name`, key.Group, key.Name)
	if err != nil {
		return nil, domain.WrapJobPersistence(err, "query triggers for job %s", key)
	}
	defer rows.Close()
	var out []domain.Trigger
	for rows.Next() {
		trig, err := scanTrigger(rows)
		if err != nil {
			return nil, domain.WrapJobPersistence(err, "scan trigger row")
		}
		out = append(out, trig)
	}
	return out, rows.Err()
}

func (s *Store) GetJobKeys(ctx context.Context, matcher domain.Matcher) ([]domain.JobKey, error) {
	rows, err := s.pool.Query(ctx, `SELECT job_group, job_name FROM jobs`)
	if err != nil {
		return nil, domain.WrapJobPersistence(err, "query job keys")
	}
	defer rows.Close()
	var out []domain.JobKey
	for rows.Next() {
		var group, name string
		if err := rows.Scan(&group, &name); err != nil {
			return nil, err
		}
		if matcher.MatchesGroup(group) {
			out = append(out, domain.JobKey{Group: group, Name: name})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, rows.Err()
}

func (s *Store) GetTriggerKeys(ctx context.Context, matcher domain.Matcher) ([]domain.TriggerKey, error) {
	rows, err := s.pool.Query(ctx, `SELECT trig_group, trig_name FROM triggers`)
	if err != nil {
		return nil, domain.WrapJobPersistence(err, "query trigger keys")
	}
	defer rows.Close()
	var out []domain.TriggerKey
	for rows.Next() {
		var group, name string
		if err := rows.Scan(&group, &name); err != nil {
			return nil, err
		}
		if matcher.MatchesGroup(group) {
			out = append(out, domain.TriggerKey{Group: group, Name: name})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, rows.Err()
}

func (s *Store) PauseTrigger(ctx context.Context, key domain.TriggerKey) error {
	return s.withTriggerState(ctx, key, func(state domain.TriggerState) domain.TriggerState {
		switch state {
		case domain.StateBlocked:
			return domain.StatePausedBlocked
		case domain.StatePaused, domain.StatePausedBlocked:
			return state
		default:
			return domain.StatePaused
		}
	})
}

func (s *Store) ResumeTrigger(ctx context.Context, key domain.TriggerKey) error {
	return s.withTriggerState(ctx, key, func(state domain.TriggerState) domain.TriggerState {
		switch state {
		case domain.StatePausedBlocked:
			return domain.StateBlocked
		case domain.StatePaused:
			return domain.StateWaiting
		default:
			return state
		}
	})
}

func (s *Store) withTriggerState(ctx context.Context, key domain.TriggerKey, next func(domain.TriggerState) domain.TriggerState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback(ctx)
	if err := lockTx(ctx, tx, lockTriggerAccess); err != nil {
		return err
	}
	var state string
	if err := tx.QueryRow(ctx, `SELECT state FROM triggers WHERE trig_group = $1 AND trig_name = $2`, key.Group, key.Name).Scan(&state); err != nil {
		return domain.ErrTriggerNotFound
	}
	newState := next(domain.TriggerState(state))
	if _, err := tx.Exec(ctx, `UPDATE triggers SET state = $1 WHERE trig_group = $2 AND trig_name = $3`, string(newState), key.Group, key.Name); err != nil {
		return domain.WrapJobPersistence(err, "update trigger state")
	}
	return tx.Commit(ctx)
}

func (s *Store) PauseTriggers(ctx context.Context, matcher domain.Matcher) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback(ctx)
	if err := lockTx(ctx, tx, lockTriggerAccess); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `INSERT INTO paused_groups (grp) VALUES ($1) ON CONFLICT DO NOTHING`, matcher.GroupMatcherToken()); err != nil {
		return domain.WrapJobPersistence(err, "remember paused group")
	}
	rows, err := tx.Query(ctx, `SELECT trig_group, trig_name, state FROM triggers`)
	if err != nil {
		return domain.WrapJobPersistence(err, "query triggers to pause")
	}
	type upd struct{ group, name, state string }
	var updates []upd
	for rows.Next() {
		var group, name, state string
		if err := rows.Scan(&group, &name, &state); err != nil {
			rows.Close()
			return err
		}
		if !matcher.MatchesGroup(group) {
			continue
		}
		var newState string
		switch domain.TriggerState(state) {
		case domain.StateBlocked:
			newState = string(domain.StatePausedBlocked)
		case domain.StatePaused, domain.StatePausedBlocked:
			continue
		default:
			newState = string(domain.StatePaused)
		}
		updates = append(updates, upd{group, name, newState})
	}
	rows.Close()
	for _, u := range updates {
		if _, err := tx.Exec(ctx, `UPDATE triggers SET state = $1 WHERE trig_group = $2 AND trig_name = $3`, u.state, u.group, u.name); err != nil {
			return domain.WrapJobPersistence(err, "pause trigger")
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ResumeTriggers(ctx context.Context, matcher domain.Matcher) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback(ctx)
	if err := lockTx(ctx, tx, lockTriggerAccess); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM paused_groups WHERE grp = $1`, matcher.GroupMatcherToken()); err != nil {
		return domain.WrapJobPersistence(err, "forget paused group")
	}
	rows, err := tx.Query(ctx, `SELECT trig_group, trig_name, state FROM triggers`)
	if err != nil {
		return domain.WrapJobPersistence(err, "query triggers to resume")
	}
	type upd struct{ group, name, state string }
	var updates []upd
	for rows.Next() {
		var group, name, state string
		if err := rows.Scan(&group, &name, &state); err != nil {
			rows.Close()
			return err
		}
		if !matcher.MatchesGroup(group) {
			continue
		}
		var newState string
		switch domain.TriggerState(state) {
		case domain.StatePausedBlocked:
			newState = string(domain.StateBlocked)
		case domain.StatePaused:
			newState = string(domain.StateWaiting)
		default:
			continue
		}
		updates = append(updates, upd{group, name, newState})
	}
	rows.Close()
	for _, u := range updates {
		if _, err := tx.Exec(ctx, `UPDATE triggers SET state = $1 WHERE trig_group = $2 AND trig_name = $3`, u.state, u.group, u.name); err != nil {
			return domain.WrapJobPersistence(err, "resume trigger")
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) IsGroupPaused(ctx context.Context, group string) (bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT grp FROM paused_groups`)
	if err != nil {
		return false, domain.WrapJobPersistence(err, "query paused groups")
	}
	defer rows.Close()
	var tokens []string
	for rows.Next() {
		var tok string
		if err := rows.Scan(&tok); err != nil {
			return false, err
		}
		tokens = append(tokens, tok)
	}
	return domain.GroupPaused(tokens, group), rows.Err()
}

func (s *Store) AcquireNextTriggers(ctx context.Context, instanceID string, noLaterThan time.Time, maxCount int, timeWindow time.Duration) ([]domain.Trigger, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback(ctx)
	if err := lockTx(ctx, tx, lockTriggerAccess); err != nil {
		return nil, err
	}

	horizon := noLaterThan.Add(timeWindow)
	rows, err := tx.Query(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE state = $1 AND next_fire IS NOT NULL AND next_fire <= $2`,
		string(domain.StateWaiting), horizon)
	if err != nil {
		return nil, domain.WrapJobPersistence(err, "query acquirable triggers")
	}
	var candidates []domain.Trigger
	for rows.Next() {
		trig, err := scanTrigger(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, trig)
	}
	rows.Close()

	sort.Slice(candidates, func(i, j int) bool { return domain.CompareForAcquire(candidates[i], candidates[j]) })
	if maxCount > 0 && len(candidates) > maxCount {
		candidates = candidates[:maxCount]
	}

	out := make([]domain.Trigger, 0, len(candidates))
	for _, trig := range candidates {
		if err := domain.CheckTransition(trig.State, domain.StateAcquired); err != nil {
			continue
		}
		var nonConcurrent, requestsRecovery bool
		if err := tx.QueryRow(ctx, `SELECT concurrent_disallowed, requests_recovery FROM jobs WHERE job_group = $1 AND job_name = $2`,
			trig.JobKey.Group, trig.JobKey.Name).Scan(&nonConcurrent, &requestsRecovery); err != nil {
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE triggers SET state = $1 WHERE trig_group = $2 AND trig_name = $3`,
			string(domain.StateAcquired), trig.Key.Group, trig.Key.Name); err != nil {
			return nil, domain.WrapJobPersistence(err, "mark trigger acquired")
		}
		entryID := uuid.NewString()
		if _, err := tx.Exec(ctx, `INSERT INTO fired_triggers
			(fire_instance_id, trig_group, trig_name, job_group, job_name, instance_id, state, fired_at, scheduled_at, priority, non_concurrent, requests_recovery)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			entryID, trig.Key.Group, trig.Key.Name, trig.JobKey.Group, trig.JobKey.Name, instanceID,
			string(domain.FiredAcquired), noLaterThan, *trig.NextFireTime, trig.Priority, nonConcurrent, requestsRecovery); err != nil {
			return nil, domain.WrapJobPersistence(err, "insert fired row")
		}
		trig.State = domain.StateAcquired
		out = append(out, trig)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, domain.WrapJobPersistence(err, "commit acquire")
	}
	return out, nil
}

func (s *Store) TriggersFired(ctx context.Context, keys []domain.TriggerKey) ([]store.FiredBundle, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback(ctx)
	if err := lockTx(ctx, tx, lockTriggerAccess); err != nil {
		return nil, err
	}

	bundles := make([]store.FiredBundle, 0, len(keys))
	for _, key := range keys {
		row := tx.QueryRow(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE trig_group = $1 AND trig_name = $2`, key.Group, key.Name)
		trig, err := scanTrigger(row)
		if err != nil {
			continue
		}

		var fireInstanceID string
		if err := tx.QueryRow(ctx, `SELECT fire_instance_id FROM fired_triggers WHERE trig_group = $1 AND trig_name = $2`, key.Group, key.Name).Scan(&fireInstanceID); err != nil {
			continue
		}

		var jobType string
		var durable, persist, concurrentDisallowed, requestsRecovery bool
		var jobData []byte
		err = tx.QueryRow(ctx, `SELECT job_type, durable, persist_data, concurrent_disallowed, requests_recovery, data_json
			FROM jobs WHERE job_group = $1 AND job_name = $2`, trig.JobKey.Group, trig.JobKey.Name).
			Scan(&jobType, &durable, &persist, &concurrentDisallowed, &requestsRecovery, &jobData)
		if err != nil {
			continue
		}
		job, err := jobRowToDomain(trig.JobKey.Group, trig.JobKey.Name, jobType, durable, persist, concurrentDisallowed, requestsRecovery, jobData)
		if err != nil {
			return nil, err
		}

		cal := s.resolveCalendar(ctx, trig.Calendar)

		prev := trig.NextFireTime
		scheduled := *prev
		var next *time.Time
		if trig.Schedule != nil {
			if n, ok := trig.Schedule.ComputeNextFireTime(*prev, cal); ok {
				next = &n
			}
		}
		trig.PreviousFireTime = prev
		trig.NextFireTime = next

		var newState domain.TriggerState
		switch {
		case next == nil:
			newState = domain.StateComplete
		case concurrentDisallowed && hasExecutingPeerTx(ctx, tx, trig.JobKey, key):
			newState = domain.StateBlocked
		default:
			newState = domain.StateWaiting
		}
		// The fire moves the trigger ACQUIRED -> EXECUTING -> newState.
		if domain.CheckTransition(trig.State, domain.StateExecuting) == nil && domain.CheckTransition(domain.StateExecuting, newState) == nil {
			trig.State = newState
		}

		if err := putTriggerTx(ctx, tx, trig); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx, `UPDATE fired_triggers SET state = $1 WHERE fire_instance_id = $2`, string(domain.FiredExecuting), fireInstanceID); err != nil {
			return nil, domain.WrapJobPersistence(err, "mark fired row executing")
		}

		bundles = append(bundles, store.FiredBundle{
			Trigger:          trig,
			Job:              job,
			ResolvedCalendar: cal,
			PreviousFire:     prev,
			ScheduledFire:    scheduled,
			NextFire:         next,
		})
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, domain.WrapJobPersistence(err, "commit triggersFired")
	}
	return bundles, nil
}

func hasExecutingPeerTx(ctx context.Context, tx pgx.Tx, jobKey domain.JobKey, exclude domain.TriggerKey) bool {
	rows, err := tx.Query(ctx, `SELECT trig_group, trig_name FROM fired_triggers WHERE job_group = $1 AND job_name = $2 AND state = $3`,
		jobKey.Group, jobKey.Name, string(domain.FiredExecuting))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var group, name string
		if err := rows.Scan(&group, &name); err != nil {
			continue
		}
		if group == exclude.Group && name == exclude.Name {
			continue
		}
		return true
	}
	return false
}

func (s *Store) TriggeredJobComplete(ctx context.Context, trigger domain.Trigger, job domain.JobDefinition, decision *domain.JobExecutionError) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback(ctx)
	if err := lockTx(ctx, tx, lockTriggerAccess); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM fired_triggers WHERE trig_group = $1 AND trig_name = $2`, trigger.Key.Group, trigger.Key.Name); err != nil {
		return domain.WrapJobPersistence(err, "remove fired row")
	}

	var persist bool
	if err := tx.QueryRow(ctx, `SELECT persist_data FROM jobs WHERE job_group = $1 AND job_name = $2`, job.Key.Group, job.Key.Name).Scan(&persist); err == nil && persist {
		data, err := marshalData(job.Data)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE jobs SET data_json = $1 WHERE job_group = $2 AND job_name = $3`, nullableJSON(data), job.Key.Group, job.Key.Name); err != nil {
			return domain.WrapJobPersistence(err, "persist job data")
		}
	}

	switch {
	case decision == nil:
		// A trigger that reached COMPLETE in TriggersFired is removed now
		// that its execution is done.
		var state string
		if err := tx.QueryRow(ctx, `SELECT state FROM triggers WHERE trig_group = $1 AND trig_name = $2`, trigger.Key.Group, trigger.Key.Name).Scan(&state); err == nil && domain.TriggerState(state) == domain.StateComplete {
			if err := removeTriggerTx(ctx, tx, trigger.Key); err != nil {
				return err
			}
		}
	case decision.UnscheduleAllTriggers:
		rows, err := tx.Query(ctx, `SELECT trig_group, trig_name FROM triggers WHERE job_group = $1 AND job_name = $2`, job.Key.Group, job.Key.Name)
		if err != nil {
			return domain.WrapJobPersistence(err, "query triggers for job")
		}
		var keys []domain.TriggerKey
		for rows.Next() {
			var g, n string
			if err := rows.Scan(&g, &n); err != nil {
				rows.Close()
				return err
			}
			keys = append(keys, domain.TriggerKey{Group: g, Name: n})
		}
		rows.Close()
		for _, k := range keys {
			_ = removeTriggerTx(ctx, tx, k)
		}
		return tx.Commit(ctx)
	case decision.UnscheduleFiringTrigger:
		if err := removeTriggerTx(ctx, tx, trigger.Key); err != nil {
			return err
		}
		return tx.Commit(ctx)
	case decision.RefireImmediately:
		next := trigger.NextFireTime
		if next == nil {
			next = trigger.PreviousFireTime
		}
		if next != nil {
			if _, err := tx.Exec(ctx, `UPDATE triggers SET next_fire = $1, state = $2 WHERE trig_group = $3 AND trig_name = $4 AND state IN ($5, $6, $7)`,
				*next, string(domain.StateWaiting), trigger.Key.Group, trigger.Key.Name,
				string(domain.StateWaiting), string(domain.StateExecuting), string(domain.StateComplete)); err != nil {
				return domain.WrapJobPersistence(err, "refire trigger")
			}
		}
	}

	if err := releaseBlockedPeersTx(ctx, tx, job.Key); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func releaseBlockedPeersTx(ctx context.Context, tx pgx.Tx, jobKey domain.JobKey) error {
	if _, err := tx.Exec(ctx, `UPDATE triggers SET state = $1 WHERE job_group = $2 AND job_name = $3 AND state = $4`,
		string(domain.StateWaiting), jobKey.Group, jobKey.Name, string(domain.StateBlocked)); err != nil {
		return domain.WrapJobPersistence(err, "release blocked peers")
	}
	if _, err := tx.Exec(ctx, `UPDATE triggers SET state = $1 WHERE job_group = $2 AND job_name = $3 AND state = $4`,
		string(domain.StatePaused), jobKey.Group, jobKey.Name, string(domain.StatePausedBlocked)); err != nil {
		return domain.WrapJobPersistence(err, "release paused-blocked peers")
	}
	return nil
}

func (s *Store) ReleaseAcquiredTrigger(ctx context.Context, key domain.TriggerKey) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback(ctx)
	if err := lockTx(ctx, tx, lockTriggerAccess); err != nil {
		return err
	}

	var state string
	if err := tx.QueryRow(ctx, `SELECT state FROM triggers WHERE trig_group = $1 AND trig_name = $2`, key.Group, key.Name).Scan(&state); err != nil {
		return domain.ErrTriggerNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM fired_triggers WHERE trig_group = $1 AND trig_name = $2`, key.Group, key.Name); err != nil {
		return domain.WrapJobPersistence(err, "remove fired row")
	}
	if err := domain.CheckTransition(domain.TriggerState(state), domain.StateWaiting); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE triggers SET state = $1 WHERE trig_group = $2 AND trig_name = $3`, string(domain.StateWaiting), key.Group, key.Name); err != nil {
		return domain.WrapJobPersistence(err, "release acquired trigger")
	}
	return tx.Commit(ctx)
}

func (s *Store) GetMisfiredTriggers(ctx context.Context, cutoff time.Time, limit int) ([]domain.Trigger, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE state = $1 AND next_fire IS NOT NULL AND next_fire <= $2`,
		string(domain.StateWaiting), cutoff)
	if err != nil {
		return nil, domain.WrapJobPersistence(err, "query misfired triggers")
	}
	defer rows.Close()
	var out []domain.Trigger
	for rows.Next() {
		trig, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, trig)
	}
	sort.Slice(out, func(i, j int) bool { return domain.CompareForAcquire(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, rows.Err()
}

func (s *Store) UpdateTriggerFireTimes(ctx context.Context, key domain.TriggerKey, next *time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback(ctx)
	if err := lockTx(ctx, tx, lockTriggerAccess); err != nil {
		return err
	}

	var state string
	if err := tx.QueryRow(ctx, `SELECT state FROM triggers WHERE trig_group = $1 AND trig_name = $2`, key.Group, key.Name).Scan(&state); err != nil {
		return domain.ErrTriggerNotFound
	}
	newState := domain.TriggerState(state)
	if next == nil {
		if err := domain.CheckTransition(newState, domain.StateComplete); err == nil {
			newState = domain.StateComplete
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE triggers SET next_fire = $1, state = $2 WHERE trig_group = $3 AND trig_name = $4`,
		next, string(newState), key.Group, key.Name); err != nil {
		return domain.WrapJobPersistence(err, "update trigger fire times")
	}
	return tx.Commit(ctx)
}

func (s *Store) CheckIn(ctx context.Context, instanceID string, now time.Time, interval time.Duration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback(ctx)
	if err := lockTx(ctx, tx, lockStateAccess); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `INSERT INTO scheduler_state (instance_id, last_checkin, checkin_interval_ns) VALUES ($1, $2, $3)
		ON CONFLICT (instance_id) DO UPDATE SET last_checkin = excluded.last_checkin, checkin_interval_ns = excluded.checkin_interval_ns`,
		instanceID, now, int64(interval))
	if err != nil {
		return domain.WrapJobPersistence(err, "check in instance %q", instanceID)
	}
	return tx.Commit(ctx)
}

func (s *Store) FindFailedInstances(ctx context.Context, now time.Time, tolerance time.Duration) ([]store.FailedInstance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback(ctx)
	if err := lockTx(ctx, tx, lockStateAccess); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `SELECT instance_id, last_checkin, checkin_interval_ns FROM scheduler_state`)
	if err != nil {
		return nil, domain.WrapJobPersistence(err, "query scheduler state")
	}
	var out []store.FailedInstance
	for rows.Next() {
		var id string
		var last time.Time
		var intervalNS int64
		if err := rows.Scan(&id, &last, &intervalNS); err != nil {
			rows.Close()
			return nil, err
		}
		if now.Sub(last) > time.Duration(intervalNS)+tolerance {
			out = append(out, store.FailedInstance{InstanceID: id, LastCheckIn: last.UTC()})
		}
	}
	rows.Close()
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, tx.Commit(ctx)
}

func (s *Store) RecoverJobs(ctx context.Context, instanceID string) ([]store.RecoveredTrigger, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback(ctx)
	// STATE_ACCESS before TRIGGER_ACCESS (spec §5 lock order).
	if err := lockTx(ctx, tx, lockStateAccess); err != nil {
		return nil, err
	}
	if err := lockTx(ctx, tx, lockTriggerAccess); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `SELECT fire_instance_id, trig_group, trig_name, job_group, job_name, state, fired_at, scheduled_at, priority, non_concurrent, requests_recovery
		FROM fired_triggers WHERE instance_id = $1`, instanceID)
	if err != nil {
		return nil, domain.WrapJobPersistence(err, "query fired rows for instance")
	}
	type firedRow struct {
		entryID, trigGroup, trigName, jobGroup, jobName, state string
		firedAt, scheduledAt                                   time.Time
		priority                                               int
		nonConcurrent, requestsRecovery                        bool
	}
	var fired []firedRow
	for rows.Next() {
		var r firedRow
		if err := rows.Scan(&r.entryID, &r.trigGroup, &r.trigName, &r.jobGroup, &r.jobName, &r.state, &r.firedAt, &r.scheduledAt, &r.priority, &r.nonConcurrent, &r.requestsRecovery); err != nil {
			rows.Close()
			return nil, err
		}
		fired = append(fired, r)
	}
	rows.Close()

	var recovered []store.RecoveredTrigger
	for _, r := range fired {
		if r.requestsRecovery {
			name := fmt.Sprintf("recover_%s_%s", instanceID, uuid.NewString())
			scheduledAt := r.scheduledAt.UTC()
			data := map[string]any{
				"recovery_original_trigger_key":   r.trigName,
				"recovery_original_trigger_group": r.trigGroup,
				"recovery_scheduled_fire_time":     scheduledAt,
				"recovery_original_fire_time":      r.firedAt.UTC(),
			}
			var jobData []byte
			if err := tx.QueryRow(ctx, `SELECT data_json FROM jobs WHERE job_group = $1 AND job_name = $2`, r.jobGroup, r.jobName).Scan(&jobData); err == nil {
				if m, err := unmarshalData(jobData); err == nil {
					for k, v := range m {
						data[k] = v
					}
				}
			}
			recTrigger := domain.Trigger{
				Key:                 domain.TriggerKey{Name: name, Group: domain.RecoveringJobsGroup},
				JobKey:              domain.JobKey{Group: r.jobGroup, Name: r.jobName},
				Priority:            r.priority,
				StartTime:           scheduledAt,
				NextFireTime:        &scheduledAt,
				MisfireInstruction:  domain.MisfireIgnore,
				State:               domain.StateWaiting,
				Data:                data,
			}
			if err := putTriggerTx(ctx, tx, recTrigger); err != nil {
				return nil, err
			}
			recovered = append(recovered, store.RecoveredTrigger{
				Trigger:           recTrigger,
				OriginalKey:       domain.TriggerKey{Group: r.trigGroup, Name: r.trigName},
				OriginalFireTime:  r.firedAt.UTC(),
				ScheduledFireTime: scheduledAt,
			})
		}

		var curState string
		if err := tx.QueryRow(ctx, `SELECT state FROM triggers WHERE trig_group = $1 AND trig_name = $2`, r.trigGroup, r.trigName).Scan(&curState); err == nil {
			switch {
			case r.state == string(domain.FiredExecuting) && r.nonConcurrent:
				if err := releaseBlockedPeersTx(ctx, tx, domain.JobKey{Group: r.jobGroup, Name: r.jobName}); err != nil {
					return nil, err
				}
				fallthrough
			case r.state == string(domain.FiredExecuting):
				if _, err := tx.Exec(ctx, `UPDATE triggers SET state = $1 WHERE trig_group = $2 AND trig_name = $3`, string(domain.StateWaiting), r.trigGroup, r.trigName); err != nil {
					return nil, domain.WrapJobPersistence(err, "release executing trigger")
				}
			case r.state == string(domain.FiredAcquired):
				if _, err := tx.Exec(ctx, `UPDATE triggers SET state = $1 WHERE trig_group = $2 AND trig_name = $3`, string(domain.StateWaiting), r.trigGroup, r.trigName); err != nil {
					return nil, domain.WrapJobPersistence(err, "release acquired trigger")
				}
			}
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM fired_triggers WHERE instance_id = $1`, instanceID); err != nil {
		return nil, domain.WrapJobPersistence(err, "clear fired rows for instance")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM scheduler_state WHERE instance_id = $1`, instanceID); err != nil {
		return nil, domain.WrapJobPersistence(err, "clear scheduler state row")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, domain.WrapJobPersistence(err, "commit recovery")
	}
	return recovered, nil
}

func (s *Store) ClearAllSchedulingData(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback(ctx)
	if err := lockTx(ctx, tx, lockTriggerAccess); err != nil {
		return err
	}
	for _, stmt := range []string{
		`DELETE FROM fired_triggers`,
		`DELETE FROM triggers`,
		`DELETE FROM jobs`,
		`DELETE FROM paused_groups`,
		`DELETE FROM calendars`,
	} {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return domain.WrapJobPersistence(err, "clear scheduling data")
		}
	}
	return tx.Commit(ctx)
}

var _ store.Store = (*Store)(nil)
