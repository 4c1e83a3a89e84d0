package pgstore

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_group              TEXT NOT NULL,
	job_name               TEXT NOT NULL,
	job_type               TEXT NOT NULL,
	durable                BOOLEAN NOT NULL,
	persist_data           BOOLEAN NOT NULL,
	concurrent_disallowed  BOOLEAN NOT NULL,
	requests_recovery      BOOLEAN NOT NULL,
	data_json              JSONB,
	PRIMARY KEY (job_group, job_name)
);

CREATE TABLE IF NOT EXISTS triggers (
	trig_group           TEXT NOT NULL,
	trig_name            TEXT NOT NULL,
	job_group            TEXT NOT NULL,
	job_name             TEXT NOT NULL,
	calendar_name        TEXT NOT NULL DEFAULT '',
	priority             INTEGER NOT NULL DEFAULT 0,
	start_time           TIMESTAMPTZ NOT NULL,
	end_time             TIMESTAMPTZ,
	previous_fire        TIMESTAMPTZ,
	next_fire            TIMESTAMPTZ,
	misfire_instruction  INTEGER NOT NULL DEFAULT 0,
	schedule_kind        TEXT NOT NULL,
	schedule_json        JSONB,
	data_json            JSONB,
	state                TEXT NOT NULL,
	PRIMARY KEY (trig_group, trig_name)
);
CREATE INDEX IF NOT EXISTS idx_pg_triggers_job ON triggers (job_group, job_name);
CREATE INDEX IF NOT EXISTS idx_pg_triggers_state_next ON triggers (state, next_fire);

CREATE TABLE IF NOT EXISTS fired_triggers (
	fire_instance_id   TEXT PRIMARY KEY,
	trig_group         TEXT NOT NULL,
	trig_name          TEXT NOT NULL,
	job_group          TEXT NOT NULL,
	job_name           TEXT NOT NULL,
	instance_id        TEXT NOT NULL,
	state              TEXT NOT NULL,
	fired_at           TIMESTAMPTZ NOT NULL,
	scheduled_at       TIMESTAMPTZ NOT NULL,
	priority           INTEGER NOT NULL DEFAULT 0,
	non_concurrent     BOOLEAN NOT NULL DEFAULT FALSE,
	requests_recovery  BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_pg_fired_trigger ON fired_triggers (trig_group, trig_name);
CREATE INDEX IF NOT EXISTS idx_pg_fired_instance ON fired_triggers (instance_id);

CREATE TABLE IF NOT EXISTS paused_groups (
	grp TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS calendars (
	name       TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	data_json  JSONB
);

CREATE TABLE IF NOT EXISTS scheduler_state (
	instance_id          TEXT PRIMARY KEY,
	last_checkin         TIMESTAMPTZ NOT NULL,
	checkin_interval_ns  BIGINT NOT NULL
);
`

// lockKeys name the two advisory-lock domains spec §5 describes.
// STATE_ACCESS is always acquired before TRIGGER_ACCESS within the same
// transaction to avoid a lock-order deadlock between a Cluster Manager
// cycle (state then triggers, via RecoverJobs) and any other path.
const (
	lockStateAccess   = "quartznet:STATE_ACCESS"
	lockTriggerAccess = "quartznet:TRIGGER_ACCESS"
)
