// Package signaling implements the narrow Signaler interface of spec
// §4.7: the Scheduler façade and the engine components use it to wake the
// Scheduler Loop when scheduling data changes in a way that can shift the
// next fire time, without ever interrupting a running job.
package signaling

import (
	"time"

	"github.com/onpoc/quartznet/internal/domain"
)

// Signaler is the interface the façade and engine components use to
// notify the Scheduler Loop and listeners. SignalSchedulingChange is the only
// operation that needs low-latency delivery; candidateEarliest, when
// non-nil, hints how early the new candidate might fire so the loop can
// decide whether to abandon its current wait.
type Signaler interface {
	SignalSchedulingChange(candidateEarliest *time.Time)
	NotifyMisfired(trigger domain.Trigger)
	NotifyFinalized(trigger domain.Trigger)
	NotifyJobDeleted(jobKey domain.JobKey)
	NotifyError(message string, cause error)
}

// WakeSignaler is the subset of Signaler the Scheduler Loop itself
// listens on: besides sending signals, it needs to wait on the wake
// channel and read back the earliest candidate anyone has reported.
// Both Channel and redissignal.Broker implement it.
type WakeSignaler interface {
	Signaler
	Wake() <-chan struct{}
	TakeCandidate() *time.Time
}
