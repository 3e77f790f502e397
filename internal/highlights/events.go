package highlights

import (
	"sync"
	"time"
)

type EventKind string

const (
	EventHighlightsUpdated EventKind = "highlights_updated"
	EventBackupUpdated     EventKind = "backup_updated"
	EventConnected         EventKind = "connected"
)

type Event struct {
	Kind      EventKind `json:"type"`
	Timestamp int64     `json:"timestamp"`
	Count     int       `json:"count,omitempty"`
}

// Bus fans events out to every subscriber. Publish never blocks; a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.Mutex
	buffer int
	nextID int
	subs   map[int]chan Event
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 16
	}
	return &Bus{buffer: buffer, subs: map[int]chan Event{}}
}

func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			busDroppedTotal.Inc()
		}
	}
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
