package triggertype

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/onpoc/quartznet/internal/domain"
)

// cronState is the wire shape Cron persists, mirroring simpleState.
type cronState struct {
	Expr     string `json:"expr"`
	Location string `json:"location"`
}

// Marshal encodes spec's persistent state for a Store backend, returning
// the kind string that goes alongside the bytes in a schedule_kind
// column. Store implementations use this instead of reaching into a
// trigger type's private fields directly (spec §6: trigger types are
// external collaborators the core never branches on).
func Marshal(spec domain.ScheduleSpec) (kind string, data []byte, err error) {
	switch s := spec.(type) {
	case *Simple:
		b, err := json.Marshal(s.marshalState())
		return s.Kind(), b, err
	case *Cron:
		b, err := json.Marshal(cronState{Expr: s.Expr, Location: s.Location.String()})
		return s.Kind(), b, err
	default:
		return "", nil, errors.Wrapf(domain.ErrJobPersistence, "unknown schedule type %T", spec)
	}
}

// Unmarshal reverses Marshal.
func Unmarshal(kind string, data []byte) (domain.ScheduleSpec, error) {
	switch kind {
	case "simple":
		var st simpleState
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, domain.WrapJobPersistence(err, "unmarshal simple trigger state")
		}
		return newSimpleFromState(st), nil
	case "cron":
		var st cronState
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, domain.WrapJobPersistence(err, "unmarshal cron trigger state")
		}
		loc, err := time.LoadLocation(st.Location)
		if err != nil {
			return nil, domain.WrapJobPersistence(err, "load time zone %q", st.Location)
		}
		c, err := NewCron(st.Expr, loc)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, errors.Newf("unknown stored schedule kind %q", kind)
	}
}
