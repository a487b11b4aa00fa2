// ABOUTME: Tests for the topic broadcaster
// ABOUTME: Covers fan-out, topic isolation, exclusion, slow consumers, cleanup and concurrency

package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEvent(eventType string) *Event {
	return New(eventType, map[string]string{"agent": "crm-sync"}, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
}

func TestBroadcaster_FanOutToAllSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	ch1, _ := b.Subscribe(ctx, TopicAgentUpdates)
	ch2, _ := b.Subscribe(ctx, TopicAgentUpdates)

	b.Publish(TopicAgentUpdates, makeEvent(TypeAgentRestarted), "")

	for i, ch := range []<-chan *Event{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, TypeAgentRestarted, got.Type, "subscriber %d", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestBroadcaster_TopicsAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	metrics, _ := b.Subscribe(ctx, TopicMetrics)
	admin, _ := b.Subscribe(ctx, TopicAdmin)

	b.Publish(TopicMetrics, makeEvent(TypeMetrics), "")

	select {
	case got := <-metrics:
		assert.Equal(t, TypeMetrics, got.Type)
	case <-time.After(time.Second):
		t.Fatal("metrics subscriber timed out")
	}

	select {
	case <-admin:
		t.Fatal("admin subscriber should not see metrics events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_ExcludeSubID(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	ch1, id1 := b.Subscribe(ctx, TopicAdmin)
	ch2, _ := b.Subscribe(ctx, TopicAdmin)

	b.Publish(TopicAdmin, makeEvent(TypeCommandResult), id1)

	select {
	case <-ch1:
		t.Fatal("excluded subscriber received event")
	case <-time.After(50 * time.Millisecond):
	}
	select {
	case got := <-ch2:
		assert.Equal(t, TypeCommandResult, got.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber timed out")
	}
}

func TestBroadcaster_SlowConsumerDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	_, _ = b.Subscribe(ctx, TopicMetrics)

	done := make(chan struct{})
	go func() {
		for range subscriberBufferSize * 3 {
			b.Publish(TopicMetrics, makeEvent(TypeMetrics), "")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, TopicMetrics)
	require.Equal(t, 1, b.SubscriberCount(TopicMetrics))

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	assert.Equal(t, 0, b.SubscriberCount(TopicMetrics))
}

func TestBroadcaster_UnsubscribeTwiceIsSafe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	_, id := b.Subscribe(t.Context(), TopicAdmin)
	b.Unsubscribe(TopicAdmin, id)
	b.Unsubscribe(TopicAdmin, id)
	b.Publish(TopicAdmin, makeEvent(TypeCommandResult), "")
}

func TestBroadcaster_CloseClosesAll(t *testing.T) {
	b := NewBroadcaster(nil)
	ch1, _ := b.Subscribe(t.Context(), TopicMetrics)
	ch2, _ := b.Subscribe(t.Context(), TopicAgentUpdates)

	b.Close()

	for i, ch := range []<-chan *Event{ch1, ch2} {
		_, ok := <-ch
		assert.False(t, ok, "channel %d should be closed", i)
	}

	late, _ := b.Subscribe(t.Context(), TopicMetrics)
	_, ok := <-late
	assert.False(t, ok, "subscribe after close returns a closed channel")
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()
			ch, _ := b.Subscribe(sctx, TopicMetrics)
			for range 5 {
				select {
				case <-ch:
				case <-time.After(100 * time.Millisecond):
					return
				}
			}
		})
	}
	for range 10 {
		wg.Go(func() {
			for range 10 {
				b.Publish(TopicMetrics, makeEvent(TypeMetrics), "")
			}
		})
	}
	wg.Wait()
}

func TestIsRoom(t *testing.T) {
	assert.True(t, IsRoom(TopicMetrics))
	assert.True(t, IsRoom(TopicAdmin))
	assert.False(t, IsRoom(TopicStateChanged))
	assert.False(t, IsRoom("billing"))
}
