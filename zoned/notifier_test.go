package zoned

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDownstreamNotifierQueues(t *testing.T) {
	q := make(chan NotifyRequest, 1)
	n := NewDownstreamNotifier("example.", []string{"192.0.2.53:53"}, q)

	n.TriggerNotify()
	select {
	case nr := <-q:
		assert.Equal(t, "example.", nr.ZoneName)
		assert.Equal(t, []string{"192.0.2.53:53"}, nr.Targets)
	default:
		t.Fatal("notify request not enqueued")
	}

	// A full queue never blocks the mutation path.
	n.TriggerNotify()
	n.TriggerNotify()
	<-q // drain the pending request

	// Disabled notifier drops requests.
	n.DisableNotifyTimer()
	n.TriggerNotify()
	select {
	case <-q:
		t.Fatal("disabled notifier must not enqueue")
	default:
	}
}

func TestDownstreamNotifierNoTargets(t *testing.T) {
	q := make(chan NotifyRequest, 1)
	n := NewDownstreamNotifier("example.", nil, q)
	n.TriggerNotify()
	select {
	case <-q:
		t.Fatal("notifier without downstreams must not enqueue")
	default:
	}
}

func TestSendNotifyValidation(t *testing.T) {
	_, err := SendNotify(".", []string{"192.0.2.53:53"})
	assert.Error(t, err)
	_, err = SendNotify("example.", nil)
	assert.Error(t, err)
}
