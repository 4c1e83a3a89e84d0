// Package sqlitestore is the embeddable Store backend (spec §1, §4.2):
// a single SQLite file, written through with one mutex guarding every
// operation exactly the way memstore's single coarse mutex does, but
// durable across process restarts. Grounded on the teacher's
// internal/adapters/database/postgres.go connection-and-schema pattern,
// with the backend swapped to modernc.org/sqlite for a CGo-free
// embeddable driver.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"

	"github.com/onpoc/quartznet/internal/domain"
	"github.com/onpoc/quartznet/internal/store"
	"github.com/onpoc/quartznet/internal/triggertype"
)

// Store is a single-process, file-backed Store. Every exported method
// takes the same mutex a memstore.Store would, then does its work inside
// one SQL transaction.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or attaches to the SQLite database at path (":memory:" is
// accepted for tests) and runs the schema migration.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, domain.WrapJobPersistence(err, "open sqlite database %q", path)
	}
	db.SetMaxOpenConns(1) // SQLite tolerates one writer; the mutex already serializes us, this just stops the driver from pooling a second connection that would see a stale schema mid-migration.
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, domain.WrapJobPersistence(err, "run sqlite schema migration")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) StoreCalendar(ctx context.Context, name string, cal domain.Calendar, replaceExisting bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kind, data, err := domain.MarshalCalendar(cal)
	if err != nil {
		return err
	}
	if !replaceExisting {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM calendars WHERE name = ?`, name).Scan(&exists); err == nil {
			return domain.ErrObjectAlreadyExists
		}
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO calendars (name, kind, data_json) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET kind = excluded.kind, data_json = excluded.data_json`,
		name, kind, string(data))
	if err != nil {
		return domain.WrapJobPersistence(err, "store calendar %q", name)
	}
	return nil
}

func (s *Store) GetCalendar(ctx context.Context, name string) (domain.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kind string
	var data sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT kind, data_json FROM calendars WHERE name = ?`, name).Scan(&kind, &data)
	if err != nil {
		return nil, fmt.Errorf("calendar %q not found", name)
	}
	var raw []byte
	if data.Valid {
		raw = []byte(data.String)
	}
	return domain.UnmarshalCalendar(kind, raw)
}

func (s *Store) RemoveCalendar(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM calendars WHERE name = ?`, name)
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
func (s *Store) isGroupPausedTx(tx *sql.Tx, group string) bool {
	rows, err := tx.Query(`SELECT grp FROM paused_groups`)
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

func (s *Store) putJobTx(tx *sql.Tx, job domain.JobDefinition) error {
	row, err := domainToJobRow(job)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO jobs (job_group, job_name, job_type, durable, persist_data, concurrent_disallowed, requests_recovery, data_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_group, job_name) DO UPDATE SET job_type=excluded.job_type, durable=excluded.durable,
			persist_data=excluded.persist_data, concurrent_disallowed=excluded.concurrent_disallowed,
			requests_recovery=excluded.requests_recovery, data_json=excluded.data_json`,
		row.group, row.name, row.jobType, row.durable, row.persist, row.concurrentDisallowed, row.requestsRecovery, nullableString(row.data))
	if err != nil {
		return domain.WrapJobPersistence(err, "store job %s", job.Key)
	}
	return nil
}

func nullableString(s sql.NullString) any {
	if !s.Valid {
		return nil
	}
	return s.String
}

func (s *Store) putTriggerTx(tx *sql.Tx, trig domain.Trigger) error {
	state := trig.State
	if s.isGroupPausedTx(tx, trig.Key.Group) {
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

	_, err = tx.Exec(`INSERT INTO triggers
		(trig_group, trig_name, job_group, job_name, calendar_name, priority, start_time, end_time, previous_fire, next_fire,
		 misfire_instruction, schedule_kind, schedule_json, data_json, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trig_group, trig_name) DO UPDATE SET
			job_group=excluded.job_group, job_name=excluded.job_name, calendar_name=excluded.calendar_name,
			priority=excluded.priority, start_time=excluded.start_time, end_time=excluded.end_time,
			previous_fire=excluded.previous_fire, next_fire=excluded.next_fire,
			misfire_instruction=excluded.misfire_instruction, schedule_kind=excluded.schedule_kind,
			schedule_json=excluded.schedule_json, data_json=excluded.data_json, state=excluded.state`,
		trig.Key.Group, trig.Key.Name, trig.JobKey.Group, trig.JobKey.Name, trig.Calendar, trig.Priority,
		toNano(trig.StartTime), nullableInt(ptrToNull(trig.EndTime)), nullableInt(ptrToNull(trig.PreviousFireTime)),
		nullableInt(ptrToNull(trig.NextFireTime)), int(trig.MisfireInstruction), kind, nullableBytes(schedData),
		nullableString(data), string(state))
	if err != nil {
		return domain.WrapJobPersistence(err, "store trigger %s", trig.Key)
	}
	return nil
}

func nullableInt(n sql.NullInt64) any {
	if !n.Valid {
		return nil
	}
	return n.Int64
}

func nullableBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func (s *Store) StoreJobAndTrigger(ctx context.Context, job domain.JobDefinition, trigger domain.Trigger, replaceExisting bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback()

	if !replaceExisting {
		var exists int
		if err := tx.QueryRow(`SELECT 1 FROM triggers WHERE trig_group = ? AND trig_name = ?`, trigger.Key.Group, trigger.Key.Name).Scan(&exists); err == nil {
			return domain.ErrObjectAlreadyExists
		}
	}
	if err := s.putJobTx(tx, job); err != nil {
		return err
	}
	if err := s.putTriggerTx(tx, trigger); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) StoreJob(ctx context.Context, job domain.JobDefinition, replaceExisting bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback()

	if !replaceExisting {
		var exists int
		if err := tx.QueryRow(`SELECT 1 FROM jobs WHERE job_group = ? AND job_name = ?`, job.Key.Group, job.Key.Name).Scan(&exists); err == nil {
			return domain.ErrObjectAlreadyExists
		}
	}
	if err := s.putJobTx(tx, job); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) StoreTrigger(ctx context.Context, trigger domain.Trigger, replaceExisting bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT 1 FROM jobs WHERE job_group = ? AND job_name = ?`, trigger.JobKey.Group, trigger.JobKey.Name).Scan(&exists); err != nil {
		return fmt.Errorf("%w: trigger %s references unknown job %s", domain.ErrJobNotFound, trigger.Key, trigger.JobKey)
	}
	if !replaceExisting {
		if err := tx.QueryRow(`SELECT 1 FROM triggers WHERE trig_group = ? AND trig_name = ?`, trigger.Key.Group, trigger.Key.Name).Scan(&exists); err == nil {
			return domain.ErrObjectAlreadyExists
		}
	}
	if err := s.putTriggerTx(tx, trigger); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) RemoveJob(ctx context.Context, key domain.JobKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT 1 FROM jobs WHERE job_group = ? AND job_name = ?`, key.Group, key.Name).Scan(&exists); err != nil {
		return domain.ErrJobNotFound
	}
	if _, err := tx.Exec(`DELETE FROM fired_triggers WHERE job_group = ? AND job_name = ?`, key.Group, key.Name); err != nil {
		return domain.WrapJobPersistence(err, "remove fired rows for job %s", key)
	}
	if _, err := tx.Exec(`DELETE FROM triggers WHERE job_group = ? AND job_name = ?`, key.Group, key.Name); err != nil {
		return domain.WrapJobPersistence(err, "remove triggers for job %s", key)
	}
	if _, err := tx.Exec(`DELETE FROM jobs WHERE job_group = ? AND job_name = ?`, key.Group, key.Name); err != nil {
		return domain.WrapJobPersistence(err, "remove job %s", key)
	}
	return tx.Commit()
}

func (s *Store) RemoveTrigger(ctx context.Context, key domain.TriggerKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback()
	if err := s.removeTriggerTx(tx, key); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) removeTriggerTx(tx *sql.Tx, key domain.TriggerKey) error {
	var jobGroup, jobName string
	err := tx.QueryRow(`SELECT job_group, job_name FROM triggers WHERE trig_group = ? AND trig_name = ?`, key.Group, key.Name).Scan(&jobGroup, &jobName)
	if err != nil {
		return domain.ErrTriggerNotFound
	}
	if _, err := tx.Exec(`DELETE FROM fired_triggers WHERE trig_group = ? AND trig_name = ?`, key.Group, key.Name); err != nil {
		return domain.WrapJobPersistence(err, "remove fired row for trigger %s", key)
	}
	if _, err := tx.Exec(`DELETE FROM triggers WHERE trig_group = ? AND trig_name = ?`, key.Group, key.Name); err != nil {
		return domain.WrapJobPersistence(err, "remove trigger %s", key)
	}
	var remaining int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM triggers WHERE job_group = ? AND job_name = ?`, jobGroup, jobName).Scan(&remaining); err != nil {
		return domain.WrapJobPersistence(err, "count remaining triggers for job")
	}
	if remaining == 0 {
		var durable bool
		if err := tx.QueryRow(`SELECT durable FROM jobs WHERE job_group = ? AND job_name = ?`, jobGroup, jobName).Scan(&durable); err == nil && !durable {
			if _, err := tx.Exec(`DELETE FROM jobs WHERE job_group = ? AND job_name = ?`, jobGroup, jobName); err != nil {
				return domain.WrapJobPersistence(err, "remove now-orphaned non-durable job")
			}
		}
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, key domain.JobKey) (domain.JobDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobType string
	var durable, persist, concurrentDisallowed, requestsRecovery bool
	var data sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT job_type, durable, persist_data, concurrent_disallowed, requests_recovery, data_json
		FROM jobs WHERE job_group = ? AND job_name = ?`, key.Group, key.Name).
		Scan(&jobType, &durable, &persist, &concurrentDisallowed, &requestsRecovery, &data)
	if err != nil {
		return domain.JobDefinition{}, domain.ErrJobNotFound
	}
	return jobRowToDomain(key.Group, key.Name, jobType, durable, persist, concurrentDisallowed, requestsRecovery, data)
}

func (s *Store) GetTrigger(ctx context.Context, key domain.TriggerKey) (domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, `SELECT trig_group, trig_name, job_group, job_name, calendar_name, priority, start_time,
		end_time, previous_fire, next_fire, misfire_instruction, schedule_kind, schedule_json, data_json, state
		FROM triggers WHERE trig_group = ? AND trig_name = ?`, key.Group, key.Name)
	trig, err := scanTrigger(row)
	if err != nil {
		return domain.Trigger{}, domain.ErrTriggerNotFound
	}
	return trig, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTrigger(row scannable) (domain.Trigger, error) {
	var group, name, jobGroup, jobName, calendar, scheduleKind, state string
	var priority, misfireInstr int
	var startTime int64
	var endTime, prevFire, nextFire sql.NullInt64
	var scheduleJSON, data sql.NullString
	err := row.Scan(&group, &name, &jobGroup, &jobName, &calendar, &priority, &startTime,
		&endTime, &prevFire, &nextFire, &misfireInstr, &scheduleKind, &scheduleJSON, &data, &state)
	if err != nil {
		return domain.Trigger{}, err
	}
	return triggerRowToDomain(group, name, jobGroup, jobName, calendar, priority, startTime, endTime, prevFire, nextFire,
		misfireInstr, scheduleKind, scheduleJSON, data, state)
}

func (s *Store) GetTriggersForJob(ctx context.Context, key domain.JobKey) ([]domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT trig_group, trig_name, job_group, job_name, calendar_name, priority, start_time,
		end_time, previous_fire, next_fire, misfire_instruction, schedule_kind, schedule_json, data_json, state
		FROM triggers WHERE job_group = ? AND job_name = ? ORDER BY trig_name`, key.Group, key.Name)
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
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT job_group, job_name FROM jobs`)
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
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT trig_group, trig_name FROM triggers`)
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
	s.mu.Lock()
	defer s.mu.Unlock()
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
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.withTriggerState(ctx, key, func(state domain.TriggerState) domain.TriggerState {
		switch state {
		case domain.StatePausedBlocked:
			return domain.StateBlocked
		case domain.StatePaused:
			return domain.StateWaiting
		default:
			return state
		}
	})
	return err
}

func (s *Store) withTriggerState(ctx context.Context, key domain.TriggerKey, next func(domain.TriggerState) domain.TriggerState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback()
	var state string
	if err := tx.QueryRow(`SELECT state FROM triggers WHERE trig_group = ? AND trig_name = ?`, key.Group, key.Name).Scan(&state); err != nil {
		return domain.ErrTriggerNotFound
	}
	newState := next(domain.TriggerState(state))
	if _, err := tx.Exec(`UPDATE triggers SET state = ? WHERE trig_group = ? AND trig_name = ?`, string(newState), key.Group, key.Name); err != nil {
		return domain.WrapJobPersistence(err, "update trigger state")
	}
	return tx.Commit()
}

func (s *Store) PauseTriggers(ctx context.Context, matcher domain.Matcher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR IGNORE INTO paused_groups (grp) VALUES (?)`, matcher.GroupMatcherToken()); err != nil {
		return domain.WrapJobPersistence(err, "remember paused group")
	}
	rows, err := tx.Query(`SELECT trig_group, trig_name, state FROM triggers`)
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
		if _, err := tx.Exec(`UPDATE triggers SET state = ? WHERE trig_group = ? AND trig_name = ?`, u.state, u.group, u.name); err != nil {
			return domain.WrapJobPersistence(err, "pause trigger")
		}
	}
	return tx.Commit()
}

func (s *Store) ResumeTriggers(ctx context.Context, matcher domain.Matcher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM paused_groups WHERE grp = ?`, matcher.GroupMatcherToken()); err != nil {
		return domain.WrapJobPersistence(err, "forget paused group")
	}
	rows, err := tx.Query(`SELECT trig_group, trig_name, state FROM triggers`)
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
		if _, err := tx.Exec(`UPDATE triggers SET state = ? WHERE trig_group = ? AND trig_name = ?`, u.state, u.group, u.name); err != nil {
			return domain.WrapJobPersistence(err, "resume trigger")
		}
	}
	return tx.Commit()
}

func (s *Store) IsGroupPaused(ctx context.Context, group string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT grp FROM paused_groups`)
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
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback()

	horizon := noLaterThan.Add(timeWindow)
	rows, err := tx.Query(`SELECT trig_group, trig_name, job_group, job_name, calendar_name, priority, start_time,
		end_time, previous_fire, next_fire, misfire_instruction, schedule_kind, schedule_json, data_json, state
		FROM triggers WHERE state = ? AND next_fire IS NOT NULL AND next_fire <= ?`,
		string(domain.StateWaiting), toNano(horizon))
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
		if err := tx.QueryRow(`SELECT concurrent_disallowed, requests_recovery FROM jobs WHERE job_group = ? AND job_name = ?`,
			trig.JobKey.Group, trig.JobKey.Name).Scan(&nonConcurrent, &requestsRecovery); err != nil {
			continue
		}
		if _, err := tx.Exec(`UPDATE triggers SET state = ? WHERE trig_group = ? AND trig_name = ?`,
			string(domain.StateAcquired), trig.Key.Group, trig.Key.Name); err != nil {
			return nil, domain.WrapJobPersistence(err, "mark trigger acquired")
		}
		entryID := uuid.NewString()
		if _, err := tx.Exec(`INSERT INTO fired_triggers
			(fire_instance_id, trig_group, trig_name, job_group, job_name, instance_id, state, fired_at, scheduled_at, priority, non_concurrent, requests_recovery)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entryID, trig.Key.Group, trig.Key.Name, trig.JobKey.Group, trig.JobKey.Name, instanceID,
			string(domain.FiredAcquired), toNano(noLaterThan), toNano(*trig.NextFireTime), trig.Priority, nonConcurrent, requestsRecovery); err != nil {
			return nil, domain.WrapJobPersistence(err, "insert fired row")
		}
		trig.State = domain.StateAcquired
		out = append(out, trig)
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.WrapJobPersistence(err, "commit acquire")
	}
	return out, nil
}

func (s *Store) TriggersFired(ctx context.Context, keys []domain.TriggerKey) ([]store.FiredBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback()

	bundles := make([]store.FiredBundle, 0, len(keys))
	for _, key := range keys {
		row := tx.QueryRow(`SELECT trig_group, trig_name, job_group, job_name, calendar_name, priority, start_time,
			end_time, previous_fire, next_fire, misfire_instruction, schedule_kind, schedule_json, data_json, state
			FROM triggers WHERE trig_group = ? AND trig_name = ?`, key.Group, key.Name)
		trig, err := scanTrigger(row)
		if err != nil {
			continue // deleted underneath; caller treats as rejection by omission
		}

		var fireInstanceID string
		if err := tx.QueryRow(`SELECT fire_instance_id FROM fired_triggers WHERE trig_group = ? AND trig_name = ?`, key.Group, key.Name).Scan(&fireInstanceID); err != nil {
			continue
		}

		jobRow := tx.QueryRow(`SELECT job_type, durable, persist_data, concurrent_disallowed, requests_recovery, data_json
			FROM jobs WHERE job_group = ? AND job_name = ?`, trig.JobKey.Group, trig.JobKey.Name)
		var jobType string
		var durable, persist, concurrentDisallowed, requestsRecovery bool
		var jobData sql.NullString
		if err := jobRow.Scan(&jobType, &durable, &persist, &concurrentDisallowed, &requestsRecovery, &jobData); err != nil {
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
		case concurrentDisallowed && s.hasExecutingPeerTx(tx, trig.JobKey, key):
			newState = domain.StateBlocked
		default:
			newState = domain.StateWaiting
		}
		// The fire moves the trigger ACQUIRED -> EXECUTING -> newState.
		if domain.CheckTransition(trig.State, domain.StateExecuting) == nil && domain.CheckTransition(domain.StateExecuting, newState) == nil {
			trig.State = newState
		}

		if err := s.putTriggerTx(tx, trig); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`UPDATE fired_triggers SET state = ? WHERE fire_instance_id = ?`, string(domain.FiredExecuting), fireInstanceID); err != nil {
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
	if err := tx.Commit(); err != nil {
		return nil, domain.WrapJobPersistence(err, "commit triggersFired")
	}
	return bundles, nil
}

func (s *Store) hasExecutingPeerTx(tx *sql.Tx, jobKey domain.JobKey, exclude domain.TriggerKey) bool {
	rows, err := tx.Query(`SELECT f.trig_group, f.trig_name FROM fired_triggers f WHERE f.job_group = ? AND f.job_name = ? AND f.state = ?`,
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
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM fired_triggers WHERE trig_group = ? AND trig_name = ?`, trigger.Key.Group, trigger.Key.Name); err != nil {
		return domain.WrapJobPersistence(err, "remove fired row")
	}

	var persist bool
	if err := tx.QueryRow(`SELECT persist_data FROM jobs WHERE job_group = ? AND job_name = ?`, job.Key.Group, job.Key.Name).Scan(&persist); err == nil && persist {
		data, err := marshalData(job.Data)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE jobs SET data_json = ? WHERE job_group = ? AND job_name = ?`, nullableString(data), job.Key.Group, job.Key.Name); err != nil {
			return domain.WrapJobPersistence(err, "persist job data")
		}
	}

	switch {
	case decision == nil:
		// normal advance already applied in TriggersFired; a trigger that
		// reached COMPLETE there is removed now that its execution is done.
		var state string
		if err := tx.QueryRow(`SELECT state FROM triggers WHERE trig_group = ? AND trig_name = ?`, trigger.Key.Group, trigger.Key.Name).Scan(&state); err == nil && domain.TriggerState(state) == domain.StateComplete {
			if err := s.removeTriggerTx(tx, trigger.Key); err != nil {
				return err
			}
		}
	case decision.UnscheduleAllTriggers:
		keys, err := s.triggerKeysForJobTx(tx, job.Key)
		if err != nil {
			return err
		}
		for _, k := range keys {
			_ = s.removeTriggerTx(tx, k)
		}
		return tx.Commit()
	case decision.UnscheduleFiringTrigger:
		if err := s.removeTriggerTx(tx, trigger.Key); err != nil {
			return err
		}
		return tx.Commit()
	case decision.RefireImmediately:
		next := trigger.NextFireTime
		if next == nil {
			next = trigger.PreviousFireTime
		}
		if next != nil {
			if _, err := tx.Exec(`UPDATE triggers SET next_fire = ?, state = ? WHERE trig_group = ? AND trig_name = ? AND state IN (?, ?, ?)`,
				toNano(*next), string(domain.StateWaiting), trigger.Key.Group, trigger.Key.Name,
				string(domain.StateWaiting), string(domain.StateExecuting), string(domain.StateComplete)); err != nil {
				return domain.WrapJobPersistence(err, "refire trigger")
			}
		}
	}

	if err := s.releaseBlockedPeersTx(tx, job.Key); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) triggerKeysForJobTx(tx *sql.Tx, key domain.JobKey) ([]domain.TriggerKey, error) {
	rows, err := tx.Query(`SELECT trig_group, trig_name FROM triggers WHERE job_group = ? AND job_name = ?`, key.Group, key.Name)
	if err != nil {
		return nil, domain.WrapJobPersistence(err, "query triggers for job")
	}
	defer rows.Close()
	var out []domain.TriggerKey
	for rows.Next() {
		var group, name string
		if err := rows.Scan(&group, &name); err != nil {
			return nil, err
		}
		out = append(out, domain.TriggerKey{Group: group, Name: name})
	}
	return out, rows.Err()
}

func (s *Store) releaseBlockedPeersTx(tx *sql.Tx, jobKey domain.JobKey) error {
	if _, err := tx.Exec(`UPDATE triggers SET state = ? WHERE job_group = ? AND job_name = ? AND state = ?`,
		string(domain.StateWaiting), jobKey.Group, jobKey.Name, string(domain.StateBlocked)); err != nil {
		return domain.WrapJobPersistence(err, "release blocked peers")
	}
	if _, err := tx.Exec(`UPDATE triggers SET state = ? WHERE job_group = ? AND job_name = ? AND state = ?`,
		string(domain.StatePaused), jobKey.Group, jobKey.Name, string(domain.StatePausedBlocked)); err != nil {
		return domain.WrapJobPersistence(err, "release paused-blocked peers")
	}
	return nil
}

func (s *Store) ReleaseAcquiredTrigger(ctx context.Context, key domain.TriggerKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback()

	var state string
	if err := tx.QueryRow(`SELECT state FROM triggers WHERE trig_group = ? AND trig_name = ?`, key.Group, key.Name).Scan(&state); err != nil {
		return domain.ErrTriggerNotFound
	}
	if _, err := tx.Exec(`DELETE FROM fired_triggers WHERE trig_group = ? AND trig_name = ?`, key.Group, key.Name); err != nil {
		return domain.WrapJobPersistence(err, "remove fired row")
	}
	if err := domain.CheckTransition(domain.TriggerState(state), domain.StateWaiting); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE triggers SET state = ? WHERE trig_group = ? AND trig_name = ?`, string(domain.StateWaiting), key.Group, key.Name); err != nil {
		return domain.WrapJobPersistence(err, "release acquired trigger")
	}
	return tx.Commit()
}

func (s *Store) GetMisfiredTriggers(ctx context.Context, cutoff time.Time, limit int) ([]domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT trig_group, trig_name, job_group, job_name, calendar_name, priority, start_time,
		end_time, previous_fire, next_fire, misfire_instruction, schedule_kind, schedule_json, data_json, state
		FROM triggers WHERE state = ? AND next_fire IS NOT NULL AND next_fire <= ?`, string(domain.StateWaiting), toNano(cutoff))
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
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback()

	var state string
	if err := tx.QueryRow(`SELECT state FROM triggers WHERE trig_group = ? AND trig_name = ?`, key.Group, key.Name).Scan(&state); err != nil {
		return domain.ErrTriggerNotFound
	}
	newState := domain.TriggerState(state)
	if next == nil {
		if err := domain.CheckTransition(newState, domain.StateComplete); err == nil {
			newState = domain.StateComplete
		}
	}
	if _, err := tx.Exec(`UPDATE triggers SET next_fire = ?, state = ? WHERE trig_group = ? AND trig_name = ?`,
		nullableInt(ptrToNull(next)), string(newState), key.Group, key.Name); err != nil {
		return domain.WrapJobPersistence(err, "update trigger fire times")
	}
	return tx.Commit()
}

func (s *Store) CheckIn(ctx context.Context, instanceID string, now time.Time, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO scheduler_state (instance_id, last_checkin, checkin_interval_ns) VALUES (?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET last_checkin = excluded.last_checkin, checkin_interval_ns = excluded.checkin_interval_ns`,
		instanceID, toNano(now), int64(interval))
	if err != nil {
		return domain.WrapJobPersistence(err, "check in instance %q", instanceID)
	}
	return nil
}

func (s *Store) FindFailedInstances(ctx context.Context, now time.Time, tolerance time.Duration) ([]store.FailedInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `SELECT instance_id, last_checkin, checkin_interval_ns FROM scheduler_state`)
	if err != nil {
		return nil, domain.WrapJobPersistence(err, "query scheduler state")
	}
	defer rows.Close()
	var out []store.FailedInstance
	for rows.Next() {
		var id string
		var lastCheckin, intervalNS int64
		if err := rows.Scan(&id, &lastCheckin, &intervalNS); err != nil {
			return nil, err
		}
		last := fromNano(lastCheckin)
		if now.Sub(last) > time.Duration(intervalNS)+tolerance {
			out = append(out, store.FailedInstance{InstanceID: id, LastCheckIn: last})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, rows.Err()
}

func (s *Store) RecoverJobs(ctx context.Context, instanceID string) ([]store.RecoveredTrigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT fire_instance_id, trig_group, trig_name, job_group, job_name, state, fired_at, scheduled_at, priority, non_concurrent, requests_recovery
		FROM fired_triggers WHERE instance_id = ?`, instanceID)
	if err != nil {
		return nil, domain.WrapJobPersistence(err, "query fired rows for instance")
	}
	type firedRow struct {
		entryID, trigGroup, trigName, jobGroup, jobName, state string
		firedAt, scheduledAt                                   int64
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
			scheduledAt := fromNano(r.scheduledAt)
			data := map[string]any{
				"recovery_original_trigger_key":   r.trigName,
				"recovery_original_trigger_group": r.trigGroup,
				"recovery_scheduled_fire_time":     scheduledAt,
				"recovery_original_fire_time":      fromNano(r.firedAt),
			}
			var jobData sql.NullString
			if err := tx.QueryRow(`SELECT data_json FROM jobs WHERE job_group = ? AND job_name = ?`, r.jobGroup, r.jobName).Scan(&jobData); err == nil {
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
			if err := s.putTriggerTx(tx, recTrigger); err != nil {
				return nil, err
			}
			recovered = append(recovered, store.RecoveredTrigger{
				Trigger:           recTrigger,
				OriginalKey:       domain.TriggerKey{Group: r.trigGroup, Name: r.trigName},
				OriginalFireTime:  fromNano(r.firedAt),
				ScheduledFireTime: scheduledAt,
			})
		}

		var curState string
		if err := tx.QueryRow(`SELECT state FROM triggers WHERE trig_group = ? AND trig_name = ?`, r.trigGroup, r.trigName).Scan(&curState); err == nil {
			switch {
			case r.state == string(domain.FiredExecuting) && r.nonConcurrent:
				if err := s.releaseBlockedPeersTx(tx, domain.JobKey{Group: r.jobGroup, Name: r.jobName}); err != nil {
					return nil, err
				}
				fallthrough
			case r.state == string(domain.FiredExecuting):
				if _, err := tx.Exec(`UPDATE triggers SET state = ? WHERE trig_group = ? AND trig_name = ?`, string(domain.StateWaiting), r.trigGroup, r.trigName); err != nil {
					return nil, domain.WrapJobPersistence(err, "release executing trigger")
				}
			case r.state == string(domain.FiredAcquired):
				if _, err := tx.Exec(`UPDATE triggers SET state = ? WHERE trig_group = ? AND trig_name = ?`, string(domain.StateWaiting), r.trigGroup, r.trigName); err != nil {
					return nil, domain.WrapJobPersistence(err, "release acquired trigger")
				}
			}
		}
	}

	if _, err := tx.Exec(`DELETE FROM fired_triggers WHERE instance_id = ?`, instanceID); err != nil {
		return nil, domain.WrapJobPersistence(err, "clear fired rows for instance")
	}
	if _, err := tx.Exec(`DELETE FROM scheduler_state WHERE instance_id = ?`, instanceID); err != nil {
		return nil, domain.WrapJobPersistence(err, "clear scheduler state row")
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.WrapJobPersistence(err, "commit recovery")
	}
	return recovered, nil
}

func (s *Store) ClearAllSchedulingData(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapJobPersistence(err, "begin transaction")
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM fired_triggers`,
		`DELETE FROM triggers`,
		`DELETE FROM jobs`,
		`DELETE FROM paused_groups`,
		`DELETE FROM calendars`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return domain.WrapJobPersistence(err, "clear scheduling data")
		}
	}
	return tx.Commit()
}

var _ store.Store = (*Store)(nil)
