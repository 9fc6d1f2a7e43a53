package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	s1 := b.Subscribe(TopicMetricUpdate, 4)
	s2 := b.Subscribe(TopicMetricUpdate, 4)
	other := b.Subscribe(TopicAlarmStateChange, 4)

	b.Publish(TopicMetricUpdate, "event")

	assert.Equal(t, "event", <-s1.C)
	assert.Equal(t, "event", <-s2.C)
	select {
	case ev := <-other.C:
		t.Fatalf("alarm subscriber received metric event %v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	slow := b.Subscribe(TopicMetricUpdate, 1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(TopicMetricUpdate, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	// The single buffered slot holds the first event.
	assert.Equal(t, 0, <-slow.C)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	sub := b.Subscribe(TopicMetricUpdate, 1)
	require.Equal(t, 1, b.SubscriberCount(TopicMetricUpdate))

	sub.Unsubscribe()
	assert.Equal(t, 0, b.SubscriberCount(TopicMetricUpdate))
	_, open := <-sub.C
	assert.False(t, open)

	// Double unsubscribe must not panic.
	sub.Unsubscribe()
}

func TestCloseShutsDownSubscribers(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe(TopicMetricUpdate, 1)
	b.Close()

	_, open := <-sub.C
	assert.False(t, open)

	// Publishing after close is a no-op.
	b.Publish(TopicMetricUpdate, "late")

	// Subscribing after close yields an already-closed channel.
	dead := b.Subscribe(TopicMetricUpdate, 1)
	_, open = <-dead.C
	assert.False(t, open)
}
