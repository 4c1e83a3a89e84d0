package sqlitestore

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_group              TEXT NOT NULL,
	job_name               TEXT NOT NULL,
	job_type               TEXT NOT NULL,
	durable                INTEGER NOT NULL,
	persist_data           INTEGER NOT NULL,
	concurrent_disallowed  INTEGER NOT NULL,
	requests_recovery      INTEGER NOT NULL,
	data_json              TEXT,
	PRIMARY KEY (job_group, job_name)
);

CREATE TABLE IF NOT EXISTS triggers (
	trig_group           TEXT NOT NULL,
	trig_name            TEXT NOT NULL,
	job_group            TEXT NOT NULL,
	job_name             TEXT NOT NULL,
	calendar_name        TEXT NOT NULL DEFAULT '',
	priority             INTEGER NOT NULL DEFAULT 0,
	start_time           INTEGER NOT NULL,
	end_time             INTEGER,
	previous_fire        INTEGER,
	next_fire            INTEGER,
	misfire_instruction  INTEGER NOT NULL DEFAULT 0,
	schedule_kind        TEXT NOT NULL,
	schedule_json        TEXT,
	data_json            TEXT,
	state                TEXT NOT NULL,
	PRIMARY KEY (trig_group, trig_name)
);
CREATE INDEX IF NOT EXISTS idx_triggers_job ON triggers (job_group, job_name);
CREATE INDEX IF NOT EXISTS idx_triggers_state_next ON triggers (state, next_fire);

CREATE TABLE IF NOT EXISTS fired_triggers (
	fire_instance_id   TEXT PRIMARY KEY,
	trig_group         TEXT NOT NULL,
	trig_name          TEXT NOT NULL,
	job_group          TEXT NOT NULL,
	job_name           TEXT NOT NULL,
	instance_id        TEXT NOT NULL,
	state              TEXT NOT NULL,
	fired_at           INTEGER NOT NULL,
	scheduled_at       INTEGER NOT NULL,
	priority           INTEGER NOT NULL DEFAULT 0,
	non_concurrent     INTEGER NOT NULL DEFAULT 0,
	requests_recovery  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_fired_trigger ON fired_triggers (trig_group, trig_name);
CREATE INDEX IF NOT EXISTS idx_fired_instance ON fired_triggers (instance_id);

CREATE TABLE IF NOT EXISTS paused_groups (
	grp TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS calendars (
	name       TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	data_json  TEXT
);

CREATE TABLE IF NOT EXISTS scheduler_state (
	instance_id          TEXT PRIMARY KEY,
	last_checkin         INTEGER NOT NULL,
	checkin_interval_ns  INTEGER NOT NULL
);
`
