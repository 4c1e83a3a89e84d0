package triggertype

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/onpoc/quartznet/internal/domain"
)

// cronParser accepts the standard five-field form plus robfig's descriptor
// extensions ("@every 5m", "@hourly", ...), matching the spec strings a
// trigger's Cron field is expected to carry.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cron is a cron-expression trigger. It wraps a robfig/cron/v3 Schedule and
// never fires outside Location's wall-clock, the same way robfig/cron's own
// Cron.Run loop does.
type Cron struct {
	Expr     string
	Location *time.Location

	schedule  cron.Schedule
	exhausted bool
}

// NewCron parses expr under loc (UTC if nil) and returns a ready Cron, or an
// error if expr is malformed.
func NewCron(expr string, loc *time.Location) (*Cron, error) {
	if loc == nil {
		loc = time.UTC
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, domain.WrapJobPersistence(err, "parse cron expression %q", expr)
	}
	return &Cron{Expr: expr, Location: loc, schedule: sched}, nil
}

func (c *Cron) Kind() string { return "cron" }

func (c *Cron) ComputeFirstFireTime(startTime time.Time, cal domain.Calendar) (time.Time, bool) {
	candidate := c.schedule.Next(startTime.In(c.Location).Add(-time.Nanosecond))
	for i := 0; i < maxCalendarScan; i++ {
		if candidate.IsZero() {
			return time.Time{}, false
		}
		if cal == nil || cal.IsTimeIncluded(candidate) {
			return candidate, true
		}
		candidate = c.schedule.Next(candidate)
	}
	return time.Time{}, false
}

func (c *Cron) ComputeNextFireTime(afterTime time.Time, cal domain.Calendar) (time.Time, bool) {
	candidate := c.schedule.Next(afterTime.In(c.Location))
	for i := 0; i < maxCalendarScan; i++ {
		if candidate.IsZero() {
			c.exhausted = true
			return time.Time{}, false
		}
		if cal == nil || cal.IsTimeIncluded(candidate) {
			return candidate, true
		}
		candidate = c.schedule.Next(candidate)
	}
	c.exhausted = true
	return time.Time{}, false
}

// UpdateAfterMisfire recomputes forward from now for every instruction
// except IGNORE_MISFIRE, which keeps firing the trigger's already-computed
// next time. SMART_POLICY for a cron trigger resolves to "skip the missed
// firings and resume on the regular cadence" rather than FIRE_NOW, since
// firing a cron trigger late by an arbitrary margin is rarely what its
// cadence means (spec §9).
func (c *Cron) UpdateAfterMisfire(instr domain.MisfireInstruction, currentNext, now time.Time, cal domain.Calendar) (time.Time, bool) {
	switch instr {
	case domain.MisfireIgnore:
		return currentNext, true
	case domain.MisfireFireNow:
		return now, true
	case domain.MisfireRescheduleNextWithExistingCount, domain.MisfireRescheduleNextWithRemainingCount, domain.MisfireSmartPolicy:
		fallthrough
	default:
		return c.ComputeNextFireTime(now, cal)
	}
}

func (c *Cron) MayFireAgain() bool {
	return !c.exhausted
}
