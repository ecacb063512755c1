package journal

import (
	"sync"

	"github.com/seantiz/offload/internal/offload"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 16

// EventBroker fans lifecycle events out to per-submission subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that subscribers arriving after a
// submission was disposed receive a closed channel instead of blocking forever.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan offload.Event
	nextID int
	closed bool
}

// NewEventBroker creates a new event broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
	}
}

// Subscribe returns a channel that receives events for the given submission
// and an unsubscribe function. If the submission has already been disposed,
// the returned channel is closed.
func (b *EventBroker) Subscribe(id string) (<-chan offload.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[id]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan offload.Event)}
		b.topics[id] = t
	}

	ch := make(chan offload.Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	subID := t.nextID
	t.nextID++
	t.subs[subID] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, subID)
		if len(t.subs) == 0 && !t.closed {
			delete(b.topics, id)
		}
	}
}

// Publish sends ev to all subscribers of ev.ID. Events are dropped for
// subscribers whose buffers are full.
func (b *EventBroker) Publish(ev offload.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.ID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close signals that no more events will be published for the submission.
func (b *EventBroker) Close(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[id]
	if !ok {
		b.topics[id] = &eventTopic{subs: make(map[int]chan offload.Event), closed: true}
		return
	}

	t.closed = true
	for subID, ch := range t.subs {
		close(ch)
		delete(t.subs, subID)
	}
}
