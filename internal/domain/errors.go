package domain

import "github.com/cockroachdb/errors"

// Error kinds surfaced by the core (spec §7). Callers classify with
// errors.Is; call sites wrap these sentinels with errors.Wrapf so the
// stack trace cockroachdb/errors attaches survives across the store
// boundary.
var (
	// ErrObjectAlreadyExists is returned by an insert-without-replace of a
	// duplicate (name, group) key.
	ErrObjectAlreadyExists = errors.New("object already exists")

	// ErrJobPersistence wraps a failure to read or write the store.
	ErrJobPersistence = errors.New("job persistence failure")

	// ErrJobExecution wraps a failure raised by a job's own Execute call.
	ErrJobExecution = errors.New("job execution failed")

	// ErrSchedulerOperation is a façade-level misuse, e.g. scheduling
	// against a shut-down scheduler.
	ErrSchedulerOperation = errors.New("scheduler operation error")

	// ErrTriggerNotFound / ErrJobNotFound report a missing key to callers
	// that need to distinguish "not found" from other persistence errors.
	ErrTriggerNotFound = errors.New("trigger not found")
	ErrJobNotFound     = errors.New("job not found")

	// ErrIllegalStateTransition guards the trigger state machine (spec
	// §4.1); seeing it escape a store implementation is always a bug.
	ErrIllegalStateTransition = errors.New("illegal trigger state transition")

	// ErrUnknownTimeZone is returned when a trigger references an IANA
	// zone id the host cannot resolve (spec §9 open question).
	ErrUnknownTimeZone = errors.New("unknown time zone")
)

// WrapJobPersistence wraps err with ErrJobPersistence as its sentinel kind,
// formatting a message the way cockroachdb/errors.Wrapf does, so callers
// across store implementations raise the same classifiable error.
func WrapJobPersistence(err error, format string, args ...any) error {
	return errors.Wrapf(errors.Mark(err, ErrJobPersistence), format, args...)
}

// JobExecutionError carries the post-execution directive an Execute
// failure requested, mirroring spec §7's description of how the runner
// classifies a job exception's refire/unschedule flags.
type JobExecutionError struct {
	Cause                   error
	RefireImmediately       bool
	UnscheduleFiringTrigger bool
	UnscheduleAllTriggers   bool
}

func (e *JobExecutionError) Error() string {
	return "job execution failed: " + e.Cause.Error()
}

func (e *JobExecutionError) Unwrap() error { return e.Cause }

// IsNotFound reports whether err classifies as a missing job or trigger
// key, for transport layers that need to answer with 404 rather than 500.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrTriggerNotFound)
}

// IsAlreadyExists reports whether err is an insert-without-replace
// conflict (spec §7 ObjectAlreadyExists).
func IsAlreadyExists(err error) bool { return errors.Is(err, ErrObjectAlreadyExists) }

// IsSchedulerOperation reports whether err is façade-level caller misuse
// (spec §7 SchedulerOperation), as opposed to a store/persistence fault.
func IsSchedulerOperation(err error) bool { return errors.Is(err, ErrSchedulerOperation) }

// AsJobExecutionError coerces an arbitrary Execute error into a
// JobExecutionError, defaulting RefireImmediately to false for any
// exception type the job did not explicitly flag (spec §7).
func AsJobExecutionError(err error) *JobExecutionError {
	if err == nil {
		return nil
	}
	var jee *JobExecutionError
	if errors.As(err, &jee) {
		return jee
	}
	return &JobExecutionError{Cause: err}
}
