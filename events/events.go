package events

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Topic groups events so subscribers only receive what they care about
type Topic string

const (
	TopicKeyframeAdded   Topic = "keyframe.added"
	TopicKeyframeRemoved Topic = "keyframe.removed"
	TopicKeyframeUpdated Topic = "keyframe.updated"
	TopicSequenceLoaded  Topic = "sequence.loaded"
	TopicSequenceSaved   Topic = "sequence.saved"
	TopicSequenceCleared Topic = "sequence.cleared"
	TopicPlaybackState   Topic = "playback.state"
	TopicPlaybackStep    Topic = "playback.step"
	TopicPlaybackError   Topic = "playback.error"
	TopicConnection      Topic = "connection.changed"
	TopicPosition        Topic = "position.changed"
	TopicChannelsSwapped Topic = "channels.swapped"

	// TopicAll subscribes to every topic
	TopicAll Topic = "*"
)

// Event is published on a Bus. Data holds a topic specific payload
type Event struct {
	Topic Topic
	Data  any
}

// Handler receives events synchronously on the publishing goroutine
type Handler func(Event)

type subscription struct {
	id      uint64
	topic   Topic
	handler Handler
}

// Bus is a publish/subscribe hub owned by one application session
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	closed bool
	logger logrus.FieldLogger
}

// NewBus creates an empty Bus
func NewBus(logger logrus.FieldLogger) *Bus {
	return &Bus{logger: logger.WithField("component", "events")}
}

// Subscribe registers handler for topic and returns a function that removes it
func (b *Bus) Subscribe(topic Topic, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, topic: topic, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers e to every matching handler in subscription order. A handler that panics is
// logged and unsubscribed
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	var matching []subscription
	for _, s := range b.subs {
		if s.topic == e.Topic || s.topic == TopicAll {
			matching = append(matching, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matching {
		if err := deliver(s.handler, e); err != nil {
			b.logger.WithError(err).WithField("topic", e.Topic).Error("removing failed event handler")
			b.remove(s.id)
		}
	}
}

func deliver(h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	h(e)
	return nil
}

// Close drops every subscription. Later Publish and Subscribe calls do nothing
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
}

// Len returns the number of active subscriptions
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
