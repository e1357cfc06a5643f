package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllTopicSubscribers(t *testing.T) {
	b := NewBroker(10)
	topic := JobTopic("job1")

	ch1 := b.Subscribe(topic)
	ch2 := b.Subscribe(topic)
	other := b.Subscribe(JobTopic("job2"))

	b.Publish(topic, Event{Name: EventJobUpdate, Data: "snapshot"})

	for _, ch := range []chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventJobUpdate, ev.Name)
		default:
			t.Fatal("subscriber did not receive the event")
		}
	}

	select {
	case <-other:
		t.Fatal("event leaked to an unrelated topic")
	default:
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	b := NewBroker(2)
	topic := RunTopic("sess1", "run1")
	ch := b.Subscribe(topic)

	for i := 0; i < 5; i++ {
		b.Publish(topic, Event{Name: EventChatAnswerDelta, Data: i})
	}

	// only the first two fit; the rest were dropped without blocking
	require.Len(t, ch, 2)
	assert.Equal(t, 0, (<-ch).Data)
	assert.Equal(t, 1, (<-ch).Data)
}

func TestUnsubscribeClosesAndCollectsTopic(t *testing.T) {
	b := NewBroker(4)
	topic := JobTopic("job1")

	ch1 := b.Subscribe(topic)
	ch2 := b.Subscribe(topic)
	require.Equal(t, 2, b.subscriberCount(topic))

	b.Unsubscribe(topic, ch1)
	assert.Equal(t, 1, b.subscriberCount(topic))

	_, open := <-ch1
	assert.False(t, open, "unsubscribed channel must be closed")

	b.Unsubscribe(topic, ch2)
	assert.Equal(t, 0, b.subscriberCount(topic))

	// publishing to a collected topic is a no-op
	b.Publish(topic, Event{Name: EventJobActivity})
}

func TestUnsubscribeUnknownChannelIsNoOp(t *testing.T) {
	b := NewBroker(4)
	topic := JobTopic("job1")
	ch := b.Subscribe(topic)

	stranger := make(chan Event, 1)
	b.Unsubscribe(topic, stranger)
	assert.Equal(t, 1, b.subscriberCount(topic))

	b.Publish(topic, Event{Name: EventJobUpdate})
	require.Len(t, ch, 1)
}
