package sqlitestore

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/onpoc/quartznet/internal/domain"
	"github.com/onpoc/quartznet/internal/triggertype"
)

func marshalData(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, domain.WrapJobPersistence(err, "marshal data map")
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalData(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, domain.WrapJobPersistence(err, "unmarshal data map")
	}
	return m, nil
}

func toNano(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNano(n int64) time.Time { return time.Unix(0, n).UTC() }

func ptrToNull(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNano(*t), Valid: true}
}

func nullToPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNano(n.Int64)
	return &t
}

type jobRow struct {
	group, name, jobType         string
	durable, persist             bool
	concurrentDisallowed         bool
	requestsRecovery             bool
	data                         sql.NullString
}

func domainToJobRow(j domain.JobDefinition) (jobRow, error) {
	data, err := marshalData(j.Data)
	if err != nil {
		return jobRow{}, err
	}
	return jobRow{
		group:                 j.Key.Group,
		name:                  j.Key.Name,
		jobType:               j.Type,
		durable:               j.Durable,
		persist:               j.PersistJobDataAfterExecution,
		concurrentDisallowed:  j.ConcurrentExecutionDisallowed,
		requestsRecovery:      j.RequestsRecovery,
		data:                  data,
	}, nil
}

func jobRowToDomain(group, name, jobType string, durable, persist, concurrentDisallowed, requestsRecovery bool, data sql.NullString) (domain.JobDefinition, error) {
	m, err := unmarshalData(data)
	if err != nil {
		return domain.JobDefinition{}, err
	}
	return domain.JobDefinition{
		Key:                           domain.JobKey{Group: group, Name: name},
		Type:                          jobType,
		Data:                          m,
		Durable:                       durable,
		PersistJobDataAfterExecution:  persist,
		ConcurrentExecutionDisallowed: concurrentDisallowed,
		RequestsRecovery:              requestsRecovery,
	}, nil
}

func triggerRowToDomain(
	group, name, jobGroup, jobName, calendar string,
	priority int,
	startTime int64, endTime, prevFire, nextFire sql.NullInt64,
	misfireInstr int,
	scheduleKind string, scheduleJSON sql.NullString,
	data sql.NullString,
	state string,
) (domain.Trigger, error) {
	m, err := unmarshalData(data)
	if err != nil {
		return domain.Trigger{}, err
	}
	var schedBytes []byte
	if scheduleJSON.Valid {
		schedBytes = []byte(scheduleJSON.String)
	}
	var spec domain.ScheduleSpec
	if scheduleKind != "" {
		spec, err = triggertype.Unmarshal(scheduleKind, schedBytes)
		if err != nil {
			return domain.Trigger{}, err
		}
	}
	return domain.Trigger{
		Key:                 domain.TriggerKey{Group: group, Name: name},
		JobKey:              domain.JobKey{Group: jobGroup, Name: jobName},
		Calendar:            calendar,
		Priority:            priority,
		StartTime:           fromNano(startTime),
		EndTime:             nullToPtr(endTime),
		PreviousFireTime:    nullToPtr(prevFire),
		NextFireTime:        nullToPtr(nextFire),
		MisfireInstruction:  domain.MisfireInstruction(misfireInstr),
		Schedule:            spec,
		Data:                m,
		State:               domain.TriggerState(state),
	}, nil
}
