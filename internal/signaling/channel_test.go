package signaling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/onpoc/quartznet/internal/domain"
)

func TestChannel_SignalSchedulingChange_WakesAndTracksEarliest(t *testing.T) {
	c := NewChannel()

	later := time.Now().Add(time.Hour)
	earlier := time.Now().Add(time.Minute)

	c.SignalSchedulingChange(&later)
	c.SignalSchedulingChange(&earlier)

	select {
	case <-c.Wake():
	default:
		t.Fatal("expected a pending wake signal")
	}

	got := c.TakeCandidate()
	if assert.NotNil(t, got) {
		assert.True(t, got.Equal(earlier), "TakeCandidate should report the earliest candidate reported since the last call")
	}

	assert.Nil(t, c.TakeCandidate(), "TakeCandidate clears the candidate once read")
}

func TestChannel_SignalSchedulingChange_CollapsesFloodIntoOneWake(t *testing.T) {
	c := NewChannel()
	for i := 0; i < 10; i++ {
		c.SignalSchedulingChange(nil)
	}
	select {
	case <-c.Wake():
	default:
		t.Fatal("expected a pending wake signal")
	}
	select {
	case <-c.Wake():
		t.Fatal("wake channel should have collapsed the flood to a single pending signal")
	default:
	}
}

func TestChannel_NotifyFinalized_DropsOldestWhenFull(t *testing.T) {
	c := NewChannel()
	for i := 0; i < 100; i++ {
		c.NotifyFinalized(domain.Trigger{Key: domain.TriggerKey{Name: "t"}})
	}
	count := 0
	for {
		select {
		case <-c.Finalized():
			count++
		default:
			assert.LessOrEqual(t, count, 64)
			return
		}
	}
}

func TestChannel_ImplementsWakeSignaler(t *testing.T) {
	var _ WakeSignaler = NewChannel()
}
