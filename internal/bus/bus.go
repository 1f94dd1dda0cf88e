// Package bus is an in-process topic bus. Publishers never block: a
// subscriber whose buffer is full misses the message and the drop is counted,
// except for latest-value subscribers, which lose their oldest queued message
// instead.
package bus

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus closed")

// DefaultBuffer is the per-subscriber queue depth used when Subscribe is
// called with a non-positive buffer.
const DefaultBuffer = 16

// Message is one delivery on a topic.
type Message struct {
	Topic   string
	Payload any
	Time    time.Time
}

type subscriber struct {
	topic  string
	ch     chan Message
	latest bool
}

// Bus fans messages out to the subscribers of each topic.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// Topic joins a prefix and a name into a topic path, collapsing duplicate
// slashes at the seam.
func Topic(prefix, name string) string {
	prefix = strings.TrimRight(prefix, "/")
	name = strings.TrimLeft(name, "/")
	if prefix == "" {
		return "/" + name
	}
	return prefix + "/" + name
}

// Subscribe registers interest in topic. The returned id is used to
// Unsubscribe; the channel is closed on Unsubscribe or Close.
func (b *Bus) Subscribe(topic string, buffer int) (string, <-chan Message) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	id := uuid.NewString()
	ch := make(chan Message, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subs[id] = &subscriber{topic: topic, ch: ch}
	return id, ch
}

// SubscribeLatest registers a latest-value subscription on topic. The
// channel holds at most one message; a publish while it is full replaces the
// queued message, so a reader that falls behind always catches up to the
// most recent payload.
func (b *Bus) SubscribeLatest(topic string) (string, <-chan Message) {
	id := uuid.NewString()
	ch := make(chan Message, 1)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subs[id] = &subscriber{topic: topic, ch: ch, latest: true}
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Publish delivers payload to every current subscriber of topic.
func (b *Bus) Publish(topic string, payload any) error {
	msg := Message{Topic: topic, Payload: payload, Time: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	b.published.Add(1)
	for _, sub := range b.subs {
		if sub.topic != topic {
			continue
		}
		if sub.latest {
			b.replace(sub.ch, msg)
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// replace delivers msg to a single-slot channel, evicting the queued message
// if the reader has not taken it yet. Concurrent publishers may each evict;
// the slot ends up holding one of the newest messages.
func (b *Bus) replace(ch chan Message, msg Message) {
	for {
		select {
		case ch <- msg:
			return
		default:
		}
		select {
		case <-ch:
			b.dropped.Add(1)
		default:
		}
	}
}

// Subscribers returns the number of subscribers on topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, sub := range b.subs {
		if sub.topic == topic {
			n++
		}
	}
	return n
}

// Published returns the number of accepted Publish calls.
func (b *Bus) Published() uint64 { return b.published.Load() }

// Dropped returns the number of deliveries skipped because a subscriber
// buffer was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close closes every subscriber channel. Later Publish calls return
// ErrClosed. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
