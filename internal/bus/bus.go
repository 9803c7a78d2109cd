// Package bus is an in-process publish/subscribe broker. Messages are
// delivered per Topic to listeners with unbounded inboxes, so a Send never
// waits on a slow consumer.
package bus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

var (
	// ErrTimeout is returned by Receive when the window elapsed without a
	// message.
	ErrTimeout = errors.New("receive timed out")
	// ErrStopped is returned by Receive once the listener has been stopped.
	ErrStopped = errors.New("listener stopped")
	// ErrNotRegistered is returned by Stop on a listener that is no longer
	// registered.
	ErrNotRegistered = errors.New("listener not registered")
)

// Topic scopes delivery. Kind names the entity type, Name the instance.
type Topic struct {
	Kind string
	Name string
}

func (t Topic) String() string {
	return t.Kind + "/" + t.Name
}

// Observer receives delivery statistics. A nil Observer is ignored.
type Observer interface {
	RecordBroadcast(ctx context.Context, topic string, listeners int)
	AddListeners(ctx context.Context, topic string, delta int64)
}

// Broker owns one Broadcaster per topic, created on first use and dropped
// when its last listener stops.
type Broker struct {
	mu           sync.Mutex
	broadcasters map[Topic]*Broadcaster
	observer     Observer
}

// New creates a Broker.
func New() *Broker {
	return &Broker{
		broadcasters: make(map[Topic]*Broadcaster),
	}
}

// SetObserver installs the statistics sink. Call before the broker is shared.
func (b *Broker) SetObserver(o Observer) {
	b.observer = o
}

// Broadcaster returns the broadcaster of topic, creating it if needed.
// Repeated calls return the same instance while the topic is live.
func (b *Broker) Broadcaster(topic Topic) *Broadcaster {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lookup(topic)
}

// lookup requires b.mu.
func (b *Broker) lookup(topic Topic) *Broadcaster {
	bc, ok := b.broadcasters[topic]
	if !ok {
		bc = &Broadcaster{
			topic:     topic,
			broker:    b,
			observer:  b.observer,
			listeners: make(map[*Listener]struct{}),
		}
		b.broadcasters[topic] = bc
	}
	return bc
}

// Listener registers a new listener on topic.
func (b *Broker) Listener(topic Topic) *Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lookup(topic).add()
}

// Publish sends msg to the listeners of topic. A topic nobody listens to is
// not created.
func (b *Broker) Publish(topic Topic, msg any) {
	b.mu.Lock()
	bc, ok := b.broadcasters[topic]
	b.mu.Unlock()
	if !ok {
		if b.observer != nil {
			b.observer.RecordBroadcast(context.Background(), topic.String(), 0)
		}
		return
	}
	bc.Send(msg)
}

// drop forgets bc once it has no listeners. Listeners are only added under
// b.mu, so the check cannot race with a new registration.
func (b *Broker) drop(bc *Broadcaster) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broadcasters[bc.topic] != bc || bc.Len() > 0 {
		return
	}
	delete(b.broadcasters, bc.topic)
}

// Topics lists the topics that have a broadcaster, sorted.
func (b *Broker) Topics() []Topic {
	b.mu.Lock()
	out := make([]Topic, 0, len(b.broadcasters))
	for t := range b.broadcasters {
		out = append(out, t)
	}
	b.mu.Unlock()

	slices.SortFunc(out, func(a, c Topic) int {
		if n := strings.Compare(a.Kind, c.Kind); n != 0 {
			return n
		}
		return strings.Compare(a.Name, c.Name)
	})
	return out
}

// Broadcaster fans messages out to the listeners registered on one topic.
type Broadcaster struct {
	topic    Topic
	broker   *Broker
	observer Observer

	mu        sync.Mutex
	listeners map[*Listener]struct{}
}

func (b *Broadcaster) Topic() Topic {
	return b.topic
}

// Send delivers msg to every registered listener. It returns once every
// inbox holds the message. With no listeners it does nothing.
func (b *Broadcaster) Send(msg any) {
	b.mu.Lock()
	n := len(b.listeners)
	for l := range b.listeners {
		l.push(msg)
	}
	b.mu.Unlock()

	if b.observer != nil {
		b.observer.RecordBroadcast(context.Background(), b.topic.String(), n)
	}
}

// Len is the number of registered listeners.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

func (b *Broadcaster) add() *Listener {
	l := &Listener{
		owner:  b,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.listeners[l] = struct{}{}
	b.mu.Unlock()

	if b.observer != nil {
		b.observer.AddListeners(context.Background(), b.topic.String(), 1)
	}
	return l
}

func (b *Broadcaster) remove(l *Listener) error {
	b.mu.Lock()
	if _, ok := b.listeners[l]; !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: topic %s", ErrNotRegistered, b.topic)
	}
	delete(b.listeners, l)
	close(l.done)
	empty := len(b.listeners) == 0
	b.mu.Unlock()

	if b.observer != nil {
		b.observer.AddListeners(context.Background(), b.topic.String(), -1)
	}
	if empty && b.broker != nil {
		b.broker.drop(b)
	}
	return nil
}

// Listener is one subscriber's inbox.
type Listener struct {
	owner *Broadcaster

	mu     sync.Mutex
	queue  []any
	notify chan struct{}
	done   chan struct{}
}

func (l *Listener) Topic() Topic {
	return l.owner.topic
}

func (l *Listener) push(msg any) {
	l.mu.Lock()
	l.queue = append(l.queue, msg)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Receive returns the next message. A timeout <= 0 waits without a window;
// otherwise ErrTimeout is returned when it elapses first. After Stop every
// call returns ErrStopped, even if messages were still queued.
func (l *Listener) Receive(ctx context.Context, timeout time.Duration) (any, error) {
	var window <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		window = timer.C
	}

	for {
		select {
		case <-l.done:
			return nil, ErrStopped
		default:
		}

		l.mu.Lock()
		if len(l.queue) > 0 {
			msg := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return msg, nil
		}
		l.mu.Unlock()

		select {
		case <-l.notify:
		case <-l.done:
			return nil, ErrStopped
		case <-window:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Pending is the number of queued messages.
func (l *Listener) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Stop unregisters the listener and wakes any blocked Receive. Stopping a
// listener twice returns ErrNotRegistered.
func (l *Listener) Stop() error {
	return l.owner.remove(l)
}
