// Package redissignal is the clustered Signaler transport: a scheduling
// change made through one node's façade wakes every other node's
// Scheduler Loop immediately instead of each peer waiting out its own
// idleWaitTime. Grounded on massanaRoger-flux-go's
// internal/adapters/queue/redis.go broker construction pattern,
// repurposed from a work queue into a pub/sub wake signal: the payload is
// only ever a candidate-time hint, never trigger data, so the store
// (not Redis) remains the source of truth (spec §4.7).
package redissignal

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/onpoc/quartznet/internal/domain"
	"github.com/onpoc/quartznet/internal/logging"
	"github.com/onpoc/quartznet/internal/signaling"
)

// Broker wraps a local signaling.Channel, publishing every
// SignalSchedulingChange to a per-scheduler-name Redis pub/sub channel and
// forwarding every message it receives from peers back into the local
// Channel so the local Scheduler Loop wakes the same way it would for a
// same-process write.
type Broker struct {
	client  *redis.Client
	channel string
	local   *signaling.Channel
	log     logging.Logger
}

// NewBroker returns a Broker publishing/subscribing on
// "quartznet:wake:<schedulerName>". local is the in-process Signaler;
// Broker decorates it with cross-node delivery.
func NewBroker(client *redis.Client, schedulerName string, local *signaling.Channel, log logging.Logger) *Broker {
	return &Broker{
		client:  client,
		channel: "quartznet:wake:" + schedulerName,
		local:   local,
		log:     log,
	}
}

// SignalSchedulingChange wakes this node's loop immediately (via the
// wrapped Channel) and best-effort publishes the hint to peers.
func (b *Broker) SignalSchedulingChange(candidateEarliest *time.Time) {
	b.local.SignalSchedulingChange(candidateEarliest)

	payload := "now"
	if candidateEarliest != nil {
		payload = strconv.FormatInt(candidateEarliest.UnixNano(), 10)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.log.Warn("redissignal: publish failed", logging.Err(err), logging.String("channel", b.channel))
	}
}

func (b *Broker) NotifyMisfired(trigger domain.Trigger)  { b.local.NotifyMisfired(trigger) }
func (b *Broker) NotifyFinalized(trigger domain.Trigger) { b.local.NotifyFinalized(trigger) }
func (b *Broker) NotifyJobDeleted(jobKey domain.JobKey)   { b.local.NotifyJobDeleted(jobKey) }
func (b *Broker) NotifyError(message string, cause error) { b.local.NotifyError(message, cause) }

// Wake and TakeCandidate delegate to the wrapped local Channel so Broker
// satisfies signaling.WakeSignaler and the Scheduler Loop can use either
// transport interchangeably.
func (b *Broker) Wake() <-chan struct{}      { return b.local.Wake() }
func (b *Broker) TakeCandidate() *time.Time { return b.local.TakeCandidate() }

// Run subscribes to the wake channel and forwards every message into the
// local Channel until ctx is cancelled. Call it once per process in its
// own goroutine.
func (b *Broker) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.Payload == "now" {
				b.local.SignalSchedulingChange(nil)
				continue
			}
			if nanos, err := strconv.ParseInt(msg.Payload, 10, 64); err == nil {
				t := time.Unix(0, nanos).UTC()
				b.local.SignalSchedulingChange(&t)
			} else {
				b.local.SignalSchedulingChange(nil)
			}
		}
	}
}

var _ signaling.WakeSignaler = (*Broker)(nil)
