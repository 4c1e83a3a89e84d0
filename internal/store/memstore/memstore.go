// Package memstore is the non-clustered Store implementation: one coarse
// mutex around plain Go maps, exactly the locking granularity spec §4.2
// describes for the in-memory case.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onpoc/quartznet/internal/domain"
	"github.com/onpoc/quartznet/internal/store"
)

type firedRow struct {
	domain.FiredTrigger
}

// Store is a single-process, goroutine-safe Store. It never talks to a
// cluster; AcquireNextTriggers never races against another instance
// because the mutex is the only writer.
type Store struct {
	mu sync.Mutex

	jobs        map[domain.JobKey]domain.JobDefinition
	triggers    map[domain.TriggerKey]*domain.Trigger
	jobTriggers map[domain.JobKey]map[domain.TriggerKey]struct{}
	fired       map[string]*firedRow // keyed by EntryID
	firedByKey  map[domain.TriggerKey]string
	pausedGroup map[string]bool
	states      map[string]domain.SchedulerStateRecord
	calendars   map[string]domain.Calendar
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		jobs:        make(map[domain.JobKey]domain.JobDefinition),
		triggers:    make(map[domain.TriggerKey]*domain.Trigger),
		jobTriggers: make(map[domain.JobKey]map[domain.TriggerKey]struct{}),
		fired:       make(map[string]*firedRow),
		firedByKey:  make(map[domain.TriggerKey]string),
		pausedGroup: make(map[string]bool),
		states:      make(map[string]domain.SchedulerStateRecord),
		calendars:   make(map[string]domain.Calendar),
	}
}

func (s *Store) StoreCalendar(ctx context.Context, name string, cal domain.Calendar, replaceExisting bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !replaceExisting {
		if _, ok := s.calendars[name]; ok {
			return domain.ErrObjectAlreadyExists
		}
	}
	s.calendars[name] = cal
	return nil
}

func (s *Store) GetCalendar(ctx context.Context, name string) (domain.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cal, ok := s.calendars[name]
	if !ok {
		return nil, fmt.Errorf("calendar %q not found", name)
	}
	return cal, nil
}

func (s *Store) RemoveCalendar(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.calendars, name)
	return nil
}

// resolveCalendarLocked assumes s.mu is held.
func (s *Store) resolveCalendarLocked(name string) domain.Calendar {
	if name == "" {
		return domain.BaseCalendar{}
	}
	if cal, ok := s.calendars[name]; ok {
		return cal
	}
	return domain.BaseCalendar{}
}

func (s *Store) Close() error { return nil }

func (s *Store) StoreJobAndTrigger(ctx context.Context, job domain.JobDefinition, trigger domain.Trigger, replaceExisting bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !replaceExisting {
		if _, ok := s.triggers[trigger.Key]; ok {
			return domain.ErrObjectAlreadyExists
		}
	}
	s.putJob(job)
	s.putTrigger(trigger)
	return nil
}

func (s *Store) StoreJob(ctx context.Context, job domain.JobDefinition, replaceExisting bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !replaceExisting {
		if _, ok := s.jobs[job.Key]; ok {
			return domain.ErrObjectAlreadyExists
		}
	}
	s.putJob(job)
	return nil
}

func (s *Store) StoreTrigger(ctx context.Context, trigger domain.Trigger, replaceExisting bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[trigger.JobKey]; !ok {
		return fmt.Errorf("%w: trigger %s references unknown job %s", domain.ErrJobNotFound, trigger.Key, trigger.JobKey)
	}
	if !replaceExisting {
		if _, ok := s.triggers[trigger.Key]; ok {
			return domain.ErrObjectAlreadyExists
		}
	}
	s.putTrigger(trigger)
	return nil
}

// putJob and putTrigger assume the caller holds s.mu.
func (s *Store) putJob(job domain.JobDefinition) { s.jobs[job.Key] = job.Clone() }

func (s *Store) isGroupPausedLocked(group string) bool {
	if len(s.pausedGroup) == 0 {
		return false
	}
	tokens := make([]string, 0, len(s.pausedGroup))
	for tok := range s.pausedGroup {
		tokens = append(tokens, tok)
	}
	return domain.GroupPaused(tokens, group)
}

func (s *Store) putTrigger(trigger domain.Trigger) {
	if s.isGroupPausedLocked(trigger.Key.Group) {
		switch trigger.State {
		case domain.StateBlocked:
			trigger.State = domain.StatePausedBlocked
		default:
			trigger.State = domain.StatePaused
		}
	} else if trigger.State == "" {
		trigger.State = domain.StateWaiting
	}
	clone := trigger.Clone()
	s.triggers[trigger.Key] = &clone

	set := s.jobTriggers[trigger.JobKey]
	if set == nil {
		set = make(map[domain.TriggerKey]struct{})
		s.jobTriggers[trigger.JobKey] = set
	}
	set[trigger.Key] = struct{}{}
}

func (s *Store) RemoveJob(ctx context.Context, key domain.JobKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[key]; !ok {
		return domain.ErrJobNotFound
	}
	for tk := range s.jobTriggers[key] {
		delete(s.triggers, tk)
		if id, ok := s.firedByKey[tk]; ok {
			delete(s.fired, id)
			delete(s.firedByKey, tk)
		}
	}
	delete(s.jobTriggers, key)
	delete(s.jobs, key)
	return nil
}

func (s *Store) RemoveTrigger(ctx context.Context, key domain.TriggerKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeTriggerLocked(key)
}

func (s *Store) removeTriggerLocked(key domain.TriggerKey) error {
	trig, ok := s.triggers[key]
	if !ok {
		return domain.ErrTriggerNotFound
	}
	delete(s.triggers, key)
	if id, ok := s.firedByKey[key]; ok {
		delete(s.fired, id)
		delete(s.firedByKey, key)
	}
	if set, ok := s.jobTriggers[trig.JobKey]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(s.jobTriggers, trig.JobKey)
			if job, ok := s.jobs[trig.JobKey]; ok && !job.Durable {
				delete(s.jobs, trig.JobKey)
			}
		}
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, key domain.JobKey) (domain.JobDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[key]
	if !ok {
		return domain.JobDefinition{}, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *Store) GetTrigger(ctx context.Context, key domain.TriggerKey) (domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trig, ok := s.triggers[key]
	if !ok {
		return domain.Trigger{}, domain.ErrTriggerNotFound
	}
	return trig.Clone(), nil
}

func (s *Store) GetTriggersForJob(ctx context.Context, key domain.JobKey) ([]domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Trigger
	for tk := range s.jobTriggers[key] {
		out = append(out, s.triggers[tk].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Name < out[j].Key.Name })
	return out, nil
}

func (s *Store) GetJobKeys(ctx context.Context, matcher domain.Matcher) ([]domain.JobKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.JobKey
	for k := range s.jobs {
		if matcher.MatchesGroup(k.Group) {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *Store) GetTriggerKeys(ctx context.Context, matcher domain.Matcher) ([]domain.TriggerKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TriggerKey
	for k := range s.triggers {
		if matcher.MatchesGroup(k.Group) {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *Store) PauseTrigger(ctx context.Context, key domain.TriggerKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	trig, ok := s.triggers[key]
	if !ok {
		return domain.ErrTriggerNotFound
	}
	switch trig.State {
	case domain.StateBlocked:
		trig.State = domain.StatePausedBlocked
	case domain.StatePaused, domain.StatePausedBlocked:
	default:
		trig.State = domain.StatePaused
	}
	return nil
}

func (s *Store) ResumeTrigger(ctx context.Context, key domain.TriggerKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	trig, ok := s.triggers[key]
	if !ok {
		return domain.ErrTriggerNotFound
	}
	switch trig.State {
	case domain.StatePausedBlocked:
		trig.State = domain.StateBlocked
	case domain.StatePaused:
		trig.State = domain.StateWaiting
	}
	return nil
}

func (s *Store) PauseTriggers(ctx context.Context, matcher domain.Matcher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pausedGroup[matcher.GroupMatcherToken()] = true
	for k, trig := range s.triggers {
		if !matcher.MatchesGroup(k.Group) {
			continue
		}
		switch trig.State {
		case domain.StateBlocked:
			trig.State = domain.StatePausedBlocked
		case domain.StatePaused, domain.StatePausedBlocked:
		default:
			trig.State = domain.StatePaused
		}
	}
	return nil
}

func (s *Store) ResumeTriggers(ctx context.Context, matcher domain.Matcher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pausedGroup, matcher.GroupMatcherToken())
	for k, trig := range s.triggers {
		if !matcher.MatchesGroup(k.Group) {
			continue
		}
		switch trig.State {
		case domain.StatePausedBlocked:
			trig.State = domain.StateBlocked
		case domain.StatePaused:
			trig.State = domain.StateWaiting
		}
	}
	return nil
}

func (s *Store) IsGroupPaused(ctx context.Context, group string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isGroupPausedLocked(group), nil
}

func (s *Store) AcquireNextTriggers(ctx context.Context, instanceID string, noLaterThan time.Time, maxCount int, timeWindow time.Duration) ([]domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	horizon := noLaterThan.Add(timeWindow)
	var candidates []*domain.Trigger
	for _, trig := range s.triggers {
		if trig.State != domain.StateWaiting {
			continue
		}
		if trig.NextFireTime == nil || trig.NextFireTime.After(horizon) {
			continue
		}
		candidates = append(candidates, trig)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return domain.CompareForAcquire(*candidates[i], *candidates[j])
	})

	if maxCount > 0 && len(candidates) > maxCount {
		candidates = candidates[:maxCount]
	}

	out := make([]domain.Trigger, 0, len(candidates))
	for _, trig := range candidates {
		if err := domain.CheckTransition(trig.State, domain.StateAcquired); err != nil {
			continue
		}
		trig.State = domain.StateAcquired
		entryID := uuid.NewString()
		row := &firedRow{domain.FiredTrigger{
			EntryID:          entryID,
			TriggerKey:       trig.Key,
			JobKey:           trig.JobKey,
			InstanceID:       instanceID,
			State:            domain.FiredAcquired,
			FiredAt:          noLaterThan,
			ScheduledAt:      *trig.NextFireTime,
			Priority:         trig.Priority,
			NonConcurrent:    s.jobs[trig.JobKey].ConcurrentExecutionDisallowed,
			RequestsRecovery: s.jobs[trig.JobKey].RequestsRecovery,
		}}
		s.fired[entryID] = row
		s.firedByKey[trig.Key] = entryID
		out = append(out, trig.Clone())
	}
	return out, nil
}

func (s *Store) TriggersFired(ctx context.Context, keys []domain.TriggerKey) ([]store.FiredBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bundles := make([]store.FiredBundle, 0, len(keys))
	for _, key := range keys {
		trig, ok := s.triggers[key]
		if !ok {
			continue // deleted underneath; caller treats as rejection by omission
		}
		entryID, ok := s.firedByKey[key]
		if !ok {
			continue
		}
		row := s.fired[entryID]
		job := s.jobs[trig.JobKey]
		cal := s.resolveCalendarLocked(trig.Calendar)

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
		case job.ConcurrentExecutionDisallowed && s.hasExecutingPeer(trig.JobKey, key):
			newState = domain.StateBlocked
		default:
			newState = domain.StateWaiting
		}
		// The fire moves the trigger ACQUIRED -> EXECUTING -> newState.
		if domain.CheckTransition(trig.State, domain.StateExecuting) == nil && domain.CheckTransition(domain.StateExecuting, newState) == nil {
			trig.State = newState
		}

		row.State = domain.FiredExecuting

		bundles = append(bundles, store.FiredBundle{
			Trigger:          trig.Clone(),
			Job:              job.Clone(),
			ResolvedCalendar: cal,
			PreviousFire:     prev,
			ScheduledFire:    scheduled,
			NextFire:         next,
		})
	}
	return bundles, nil
}

func (s *Store) hasExecutingPeer(jobKey domain.JobKey, exclude domain.TriggerKey) bool {
	for tk := range s.jobTriggers[jobKey] {
		if tk == exclude {
			continue
		}
		if id, ok := s.firedByKey[tk]; ok && s.fired[id].State == domain.FiredExecuting {
			return true
		}
	}
	return false
}

func (s *Store) TriggeredJobComplete(ctx context.Context, trigger domain.Trigger, job domain.JobDefinition, decision *domain.JobExecutionError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.firedByKey[trigger.Key]; ok {
		delete(s.fired, id)
		delete(s.firedByKey, trigger.Key)
	}

	if storedJob, ok := s.jobs[job.Key]; ok && storedJob.PersistJobDataAfterExecution {
		storedJob.Data = job.Clone().Data
		s.jobs[job.Key] = storedJob
	}

	switch {
	case decision == nil:
		// normal advance already applied in TriggersFired; a trigger that
		// reached COMPLETE there is removed now that its execution is done.
		if trig, ok := s.triggers[trigger.Key]; ok && trig.State == domain.StateComplete {
			_ = s.removeTriggerLocked(trigger.Key)
		}
	case decision.UnscheduleAllTriggers:
		for tk := range s.jobTriggers[job.Key] {
			_ = s.removeTriggerLocked(tk)
		}
		return nil
	case decision.UnscheduleFiringTrigger:
		return s.removeTriggerLocked(trigger.Key)
	case decision.RefireImmediately:
		if trig, ok := s.triggers[trigger.Key]; ok {
			now := trigger.NextFireTime
			if now == nil {
				n := trigger.PreviousFireTime
				now = n
			}
			trig.NextFireTime = now
			if err := domain.CheckTransition(trig.State, domain.StateWaiting); err == nil {
				trig.State = domain.StateWaiting
			}
		}
	}

	s.releaseBlockedPeers(job.Key)
	return nil
}

func (s *Store) releaseBlockedPeers(jobKey domain.JobKey) {
	for tk := range s.jobTriggers[jobKey] {
		trig := s.triggers[tk]
		if trig == nil {
			continue
		}
		switch trig.State {
		case domain.StateBlocked:
			trig.State = domain.StateWaiting
		case domain.StatePausedBlocked:
			trig.State = domain.StatePaused
		}
	}
}

func (s *Store) ReleaseAcquiredTrigger(ctx context.Context, key domain.TriggerKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trig, ok := s.triggers[key]
	if !ok {
		return domain.ErrTriggerNotFound
	}
	if id, ok := s.firedByKey[key]; ok {
		delete(s.fired, id)
		delete(s.firedByKey, key)
	}
	if err := domain.CheckTransition(trig.State, domain.StateWaiting); err != nil {
		return err
	}
	trig.State = domain.StateWaiting
	return nil
}

func (s *Store) GetMisfiredTriggers(ctx context.Context, cutoff time.Time, limit int) ([]domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Trigger
	for _, trig := range s.triggers {
		if trig.State != domain.StateWaiting {
			continue
		}
		if trig.NextFireTime == nil || trig.NextFireTime.After(cutoff) {
			continue
		}
		out = append(out, trig.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return domain.CompareForAcquire(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateTriggerFireTimes(ctx context.Context, key domain.TriggerKey, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trig, ok := s.triggers[key]
	if !ok {
		return domain.ErrTriggerNotFound
	}
	trig.NextFireTime = next
	if next == nil {
		if err := domain.CheckTransition(trig.State, domain.StateComplete); err == nil {
			trig.State = domain.StateComplete
		}
	}
	return nil
}

func (s *Store) CheckIn(ctx context.Context, instanceID string, now time.Time, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[instanceID] = domain.SchedulerStateRecord{
		InstanceID:      instanceID,
		LastCheckIn:     now,
		CheckInInterval: interval,
	}
	return nil
}

func (s *Store) FindFailedInstances(ctx context.Context, now time.Time, tolerance time.Duration) ([]store.FailedInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.FailedInstance
	for id, rec := range s.states {
		if now.Sub(rec.LastCheckIn) > rec.CheckInInterval+tolerance {
			out = append(out, store.FailedInstance{InstanceID: id, LastCheckIn: rec.LastCheckIn})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

func (s *Store) RecoverJobs(ctx context.Context, instanceID string) ([]store.RecoveredTrigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recovered []store.RecoveredTrigger
	var toDelete []string
	for entryID, row := range s.fired {
		if row.InstanceID != instanceID {
			continue
		}
		toDelete = append(toDelete, entryID)

		if row.RequestsRecovery {
			name := fmt.Sprintf("recover_%s_%s", instanceID, uuid.NewString())
			recTrigger := domain.Trigger{
				Key:                domain.TriggerKey{Name: name, Group: domain.RecoveringJobsGroup},
				JobKey:             row.JobKey,
				Priority:           row.Priority,
				StartTime:          row.ScheduledAt,
				NextFireTime:       &row.ScheduledAt,
				MisfireInstruction: domain.MisfireIgnore,
				State:              domain.StateWaiting,
				Data: map[string]any{
					"recovery_original_trigger_key":   row.TriggerKey.Name,
					"recovery_original_trigger_group": row.TriggerKey.Group,
					"recovery_scheduled_fire_time":    row.ScheduledAt,
					"recovery_original_fire_time":     row.FiredAt,
				},
			}
			if job, ok := s.jobs[row.JobKey]; ok {
				for k, v := range job.Data {
					recTrigger.Data[k] = v
				}
			}
			s.putTrigger(recTrigger)
			recovered = append(recovered, store.RecoveredTrigger{
				Trigger:           recTrigger,
				OriginalKey:       row.TriggerKey,
				OriginalFireTime:  row.FiredAt,
				ScheduledFireTime: row.ScheduledAt,
			})
		}

		if trig, ok := s.triggers[row.TriggerKey]; ok {
			switch {
			case row.State == domain.FiredExecuting && !row.NonConcurrent:
				trig.State = domain.StateWaiting
			case row.State == domain.FiredExecuting && row.NonConcurrent:
				s.releaseBlockedPeers(row.JobKey)
				trig.State = domain.StateWaiting
			case row.State == domain.FiredAcquired:
				trig.State = domain.StateWaiting
			}
		}
	}
	for _, id := range toDelete {
		key := s.fired[id].TriggerKey
		delete(s.fired, id)
		delete(s.firedByKey, key)
	}
	delete(s.states, instanceID)
	return recovered, nil
}

func (s *Store) ClearAllSchedulingData(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[domain.JobKey]domain.JobDefinition)
	s.triggers = make(map[domain.TriggerKey]*domain.Trigger)
	s.jobTriggers = make(map[domain.JobKey]map[domain.TriggerKey]struct{})
	s.fired = make(map[string]*firedRow)
	s.firedByKey = make(map[domain.TriggerKey]string)
	s.pausedGroup = make(map[string]bool)
	s.calendars = make(map[string]domain.Calendar)
	return nil
}

var _ store.Store = (*Store)(nil)
