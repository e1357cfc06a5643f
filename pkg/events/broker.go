package events

import "sync"

// Broker fans events out to per-subscriber bounded channels, keyed by topic.
// Publish never blocks: when a subscriber's channel is full the event is
// dropped for that subscriber only.
type Broker struct {
	mu        sync.RWMutex
	queueSize int

	// topic → subscriber channels
	subscribers map[string][]chan Event
}

// NewBroker creates a broker whose subscriber channels buffer queueSize
// events each.
func NewBroker(queueSize int) *Broker {
	return &Broker{
		queueSize:   queueSize,
		subscribers: make(map[string][]chan Event),
	}
}

// Subscribe registers a new subscriber channel on the topic. The caller must
// eventually call Unsubscribe with the returned channel.
func (b *Broker) Subscribe(topic string) chan Event {
	ch := make(chan Event, b.queueSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	return ch
}

// Unsubscribe removes the channel from the topic and closes it. Empty topics
// are deleted so abandoned jobs and runs do not accumulate entries.
func (b *Broker) Unsubscribe(topic string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[topic]
	for i, sub := range subs {
		if sub == ch {
			b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}
	if len(b.subscribers[topic]) == 0 {
		delete(b.subscribers, topic)
	}
}

// Publish delivers the event to every subscriber of the topic without
// blocking. Channel close cannot race with a send here because Unsubscribe
// holds the write lock.
func (b *Broker) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[topic] {
		select {
		case ch <- event:
		default:
			// subscriber queue full, drop
		}
	}
}

// subscriberCount reports how many channels are registered on the topic.
// Used by tests.
func (b *Broker) subscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}
