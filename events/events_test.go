package events

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	logger, _ := test.NewNullLogger()
	return NewBus(logger)
}

func TestPublishMatchesTopic(t *testing.T) {
	b := newTestBus()

	var added, all []Event
	b.Subscribe(TopicKeyframeAdded, func(e Event) { added = append(added, e) })
	b.Subscribe(TopicAll, func(e Event) { all = append(all, e) })

	b.Publish(Event{Topic: TopicKeyframeAdded, Data: 1})
	b.Publish(Event{Topic: TopicPlaybackStep, Data: 2})

	assert.Equal(t, []Event{{Topic: TopicKeyframeAdded, Data: 1}}, added)
	assert.Len(t, all, 2)
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBus()

	count := 0
	unsubscribe := b.Subscribe(TopicPlaybackState, func(Event) { count++ })
	b.Publish(Event{Topic: TopicPlaybackState})

	unsubscribe()
	unsubscribe()
	b.Publish(Event{Topic: TopicPlaybackState})

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, b.Len())
}

func TestPanickingHandlerRemoved(t *testing.T) {
	logger, hook := test.NewNullLogger()
	b := NewBus(logger)

	calls := 0
	b.Subscribe(TopicPlaybackError, func(Event) { panic("boom") })
	b.Subscribe(TopicPlaybackError, func(Event) { calls++ })

	b.Publish(Event{Topic: TopicPlaybackError})
	b.Publish(Event{Topic: TopicPlaybackError})

	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, b.Len())
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, "removing failed event handler", hook.LastEntry().Message)
}

func TestHandlerCanUnsubscribeItself(t *testing.T) {
	b := newTestBus()

	calls := 0
	var unsubscribe func()
	unsubscribe = b.Subscribe(TopicSequenceLoaded, func(Event) {
		calls++
		unsubscribe()
	})

	b.Publish(Event{Topic: TopicSequenceLoaded})
	b.Publish(Event{Topic: TopicSequenceLoaded})
	assert.Equal(t, 1, calls)
}

func TestClose(t *testing.T) {
	b := newTestBus()

	calls := 0
	b.Subscribe(TopicAll, func(Event) { calls++ })
	b.Close()

	b.Publish(Event{Topic: TopicConnection})
	b.Subscribe(TopicAll, func(Event) { calls++ })()
	b.Publish(Event{Topic: TopicConnection})

	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, b.Len())
}

func TestConcurrentPublish(t *testing.T) {
	b := newTestBus()

	var (
		mu    sync.Mutex
		count int
	)
	b.Subscribe(TopicPlaybackStep, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				b.Publish(Event{Topic: TopicPlaybackStep})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 800, count)
}
