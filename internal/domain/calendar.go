package domain

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

// Calendar is the boundary the core consumes calendar exclusion rules
// through (spec §3, §6). Concrete calendar authoring (holiday lists,
// annual exclusions, ...) is deliberately out of scope for the core; the
// core only ever calls isTimeIncluded.
type Calendar interface {
	// IsTimeIncluded reports whether t is NOT excluded by this calendar.
	IsTimeIncluded(t time.Time) bool
}

// BaseCalendar is the trivial calendar that excludes nothing. It is the
// default when a Trigger names no calendar.
type BaseCalendar struct{}

func (BaseCalendar) IsTimeIncluded(time.Time) bool { return true }

// DailyWindowCalendar excludes every instant outside [StartHour,EndHour)
// of the day, evaluated in Location. It is a minimal example calendar
// implementation, not a core component.
type DailyWindowCalendar struct {
	StartHour int
	EndHour   int
	Location  *time.Location
}

func (c DailyWindowCalendar) IsTimeIncluded(t time.Time) bool {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	h := t.In(loc).Hour()
	return h >= c.StartHour && h < c.EndHour
}

type dailyWindowState struct {
	StartHour int    `json:"startHour"`
	EndHour   int    `json:"endHour"`
	Location  string `json:"location"`
}

// MarshalCalendar and UnmarshalCalendar let a Store backend persist a
// registered Calendar without knowing its concrete type ahead of time,
// mirroring the trigger-type codec in internal/triggertype.
func MarshalCalendar(cal Calendar) (kind string, data []byte, err error) {
	switch c := cal.(type) {
	case BaseCalendar:
		return "base", nil, nil
	case DailyWindowCalendar:
		locName := "UTC"
		if c.Location != nil {
			locName = c.Location.String()
		}
		b, err := json.Marshal(dailyWindowState{StartHour: c.StartHour, EndHour: c.EndHour, Location: locName})
		return "daily_window", b, err
	default:
		return "", nil, errors.Newf("unknown calendar type %T", cal)
	}
}

func UnmarshalCalendar(kind string, data []byte) (Calendar, error) {
	switch kind {
	case "", "base":
		return BaseCalendar{}, nil
	case "daily_window":
		var st dailyWindowState
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, WrapJobPersistence(err, "unmarshal daily_window calendar")
		}
		loc, err := time.LoadLocation(st.Location)
		if err != nil {
			loc = time.UTC
		}
		return DailyWindowCalendar{StartHour: st.StartHour, EndHour: st.EndHour, Location: loc}, nil
	default:
		return nil, errors.Newf("unknown stored calendar kind %q", kind)
	}
}
