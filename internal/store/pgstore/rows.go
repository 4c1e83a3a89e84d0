package pgstore

import (
	"encoding/json"
	"time"

	"github.com/onpoc/quartznet/internal/domain"
	"github.com/onpoc/quartznet/internal/triggertype"
)

func marshalData(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, domain.WrapJobPersistence(err, "marshal data map")
	}
	return b, nil
}

func unmarshalData(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, domain.WrapJobPersistence(err, "unmarshal data map")
	}
	return m, nil
}

type jobRow struct {
	group, name, jobType string
	durable, persist     bool
	concurrentDisallowed bool
	requestsRecovery     bool
	data                 []byte
}

func domainToJobRow(j domain.JobDefinition) (jobRow, error) {
	data, err := marshalData(j.Data)
	if err != nil {
		return jobRow{}, err
	}
	return jobRow{
		group:                j.Key.Group,
		name:                 j.Key.Name,
		jobType:              j.Type,
		durable:              j.Durable,
		persist:              j.PersistJobDataAfterExecution,
		concurrentDisallowed: j.ConcurrentExecutionDisallowed,
		requestsRecovery:     j.RequestsRecovery,
		data:                 data,
	}, nil
}

func jobRowToDomain(group, name, jobType string, durable, persist, concurrentDisallowed, requestsRecovery bool, data []byte) (domain.JobDefinition, error) {
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
	startTime time.Time, endTime, prevFire, nextFire *time.Time,
	misfireInstr int,
	scheduleKind string, scheduleJSON []byte,
	data []byte,
	state string,
) (domain.Trigger, error) {
	m, err := unmarshalData(data)
	if err != nil {
		return domain.Trigger{}, err
	}
	var spec domain.ScheduleSpec
	if scheduleKind != "" {
		spec, err = triggertype.Unmarshal(scheduleKind, scheduleJSON)
		if err != nil {
			return domain.Trigger{}, err
		}
	}
	return domain.Trigger{
		Key:                 domain.TriggerKey{Group: group, Name: name},
		JobKey:              domain.JobKey{Group: jobGroup, Name: jobName},
		Calendar:            calendar,
		Priority:            priority,
		StartTime:           startTime.UTC(),
		EndTime:             utcPtr(endTime),
		PreviousFireTime:    utcPtr(prevFire),
		NextFireTime:        utcPtr(nextFire),
		MisfireInstruction:  domain.MisfireInstruction(misfireInstr),
		Schedule:            spec,
		Data:                m,
		State:               domain.TriggerState(state),
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
