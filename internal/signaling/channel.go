package signaling

import (
	"sync"
	"time"

	"github.com/onpoc/quartznet/internal/domain"
)

// Channel is the in-process Signaler: a single-slot wake channel plus a
// candidate-time comparison so a flood of signals collapses into "wake
// up, and here is the earliest candidate anyone has reported since you
// last looked." Used by single-node deployments and every engine unit
// test.
type Channel struct {
	wake chan struct{}

	mu        sync.Mutex
	candidate *time.Time

	misfired chan domain.Trigger
	final    chan domain.Trigger
	deleted  chan domain.JobKey
	errs     chan signalError
}

type signalError struct {
	message string
	cause   error
}

// NewChannel returns a ready Channel. Notification channels are
// generously buffered; a full buffer drops the oldest pending
// notification rather than blocking the caller (store operations must
// never block on a slow listener).
func NewChannel() *Channel {
	return &Channel{
		wake:     make(chan struct{}, 1),
		misfired: make(chan domain.Trigger, 64),
		final:    make(chan domain.Trigger, 64),
		deleted:  make(chan domain.JobKey, 64),
		errs:     make(chan signalError, 64),
	}
}

func (c *Channel) SignalSchedulingChange(candidateEarliest *time.Time) {
	c.mu.Lock()
	if candidateEarliest != nil && (c.candidate == nil || candidateEarliest.Before(*c.candidate)) {
		t := *candidateEarliest
		c.candidate = &t
	}
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Wake returns the channel the Scheduler Loop selects on to learn a
// scheduling change may have shifted the next fire time.
func (c *Channel) Wake() <-chan struct{} { return c.wake }

// TakeCandidate returns (and clears) the earliest candidate fire time
// reported since the last call, or nil if none was reported.
func (c *Channel) TakeCandidate() *time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	cand := c.candidate
	c.candidate = nil
	return cand
}

func (c *Channel) NotifyMisfired(trigger domain.Trigger) { trySend(c.misfired, trigger) }
func (c *Channel) NotifyFinalized(trigger domain.Trigger) { trySend(c.final, trigger) }
func (c *Channel) NotifyJobDeleted(jobKey domain.JobKey)   { trySend(c.deleted, jobKey) }
func (c *Channel) NotifyError(message string, cause error) {
	trySend(c.errs, signalError{message: message, cause: cause})
}

func (c *Channel) Misfired() <-chan domain.Trigger { return c.misfired }
func (c *Channel) Finalized() <-chan domain.Trigger { return c.final }
func (c *Channel) Deleted() <-chan domain.JobKey     { return c.deleted }

func trySend[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

var _ WakeSignaler = (*Channel)(nil)
