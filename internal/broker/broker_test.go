// ABOUTME: Tests for Broker fan-out pub/sub system
// ABOUTME: Covers topic isolation, multi-topic subscriptions, drops, cancellation and concurrency

package broker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNoEvent(t *testing.T, ch <-chan *Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroker_SingleSubscriberReceivesEvent(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), PersonalTopic("u1"))

	b.Publish(PersonalTopic("u1"), NewEvent(EventMessage, "hi"))

	ev := receive(t, ch)
	assert.Equal(t, EventMessage, ev.Type)
	assert.Equal(t, "hi", ev.Payload)
	assert.Equal(t, PersonalTopic("u1"), ev.Topic)
	assert.NotEmpty(t, ev.ID)
}

func TestBroker_MultipleSubscribersReceiveSameEvent(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ctx := t.Context()
	ch1, _ := b.Subscribe(ctx, PresenceTopic)
	ch2, _ := b.Subscribe(ctx, PresenceTopic)
	ch3, _ := b.Subscribe(ctx, PresenceTopic)

	event := NewEvent(EventPresence, map[string]any{"userId": "u1", "online": true})
	b.Publish(PresenceTopic, event)

	for i, ch := range []<-chan *Event{ch1, ch2, ch3} {
		got := receive(t, ch)
		assert.Equal(t, event.ID, got.ID, "subscriber %d got wrong event", i)
	}
}

func TestBroker_TopicsAreIsolated(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ctx := t.Context()
	alice, _ := b.Subscribe(ctx, PersonalTopic("alice"))
	bob, _ := b.Subscribe(ctx, PersonalTopic("bob"))

	b.Publish(PersonalTopic("alice"), NewEvent(EventMessage, "for alice"))

	receive(t, alice)
	assertNoEvent(t, bob)
}

func TestBroker_MultiTopicSubscription(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), UserTopics("u1")...)

	b.Publish(PersonalTopic("u1"), NewEvent(EventMessage, 1))
	b.Publish(NotificationTopic("u1"), NewEvent(EventNotification, 2))
	b.Publish(PresenceTopic, NewEvent(EventPresence, 3))
	b.Publish(NotificationTopic("u2"), NewEvent(EventNotification, 4))

	topics := []string{receive(t, ch).Topic, receive(t, ch).Topic, receive(t, ch).Topic}
	assert.Equal(t, []string{PersonalTopic("u1"), NotificationTopic("u1"), PresenceTopic}, topics)
	assertNoEvent(t, ch)
}

func TestBroker_PerTopicFIFO(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), ConversationTopic(7))
	for i := range 20 {
		b.Publish(ConversationTopic(7), NewEvent(EventMessage, i))
	}
	for i := range 20 {
		assert.Equal(t, i, receive(t, ch).Payload)
	}
}

func TestBroker_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ctx := t.Context()

	// Never read from the first subscriber
	_, _ = b.Subscribe(ctx, PresenceTopic)
	ch2, _ := b.Subscribe(ctx, PresenceTopic)

	done := make(chan struct{})
	go func() {
		for i := range 100 {
			b.Publish(PresenceTopic, NewEvent(EventPresence, i))
		}
		close(done)
	}()

	received := 0
	for received < subscriberBufferSize {
		receive(t, ch2)
		received++
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
	assert.Greater(t, b.Dropped(), int64(0))
}

func TestBroker_ContextCancellationCleansUp(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, PersonalTopic("u1"), PresenceTopic)
	assert.Equal(t, 1, b.SubscriberCount(PresenceTopic))

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	assert.Equal(t, 0, b.SubscriberCount(PresenceTopic))
	assert.Equal(t, 0, b.SubscriberCount(PersonalTopic("u1")))
}

func TestBroker_ManualUnsubscribe(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context(), PersonalTopic("u1"))
	b.Unsubscribe(subID)
	b.Unsubscribe(subID)

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")

	// Publishing should not panic
	b.Publish(PersonalTopic("u1"), NewEvent(EventMessage, "late"))
}

func TestBroker_CloseClosesAllSubscriptions(t *testing.T) {
	b := New(nil)

	ctx := t.Context()
	ch1, _ := b.Subscribe(ctx, PersonalTopic("a"))
	ch2, _ := b.Subscribe(ctx, PersonalTopic("b"))

	b.Close()
	b.Close()

	for i, ch := range []<-chan *Event{ch1, ch2} {
		_, ok := <-ch
		assert.False(t, ok, "channel %d should be closed after Close()", i)
	}

	// Subscribing after close yields a closed channel
	ch3, _ := b.Subscribe(ctx, PresenceTopic)
	_, ok := <-ch3
	assert.False(t, ok)
}

func TestBroker_ConcurrentPublishSubscribeUnsubscribe(t *testing.T) {
	b := New(nil)
	defer b.Close()

	var wg sync.WaitGroup
	ctx := t.Context()

	for i := range 10 {
		wg.Go(func() {
			subCtx, cancel := context.WithCancel(ctx)
			ch, subID := b.Subscribe(subCtx, PersonalTopic(fmt.Sprint(i%3)))
			for range 5 {
				select {
				case <-ch:
				case <-time.After(100 * time.Millisecond):
				}
			}
			if i%2 == 0 {
				b.Unsubscribe(subID)
			}
			cancel()
		})
	}

	for i := range 10 {
		wg.Go(func() {
			for range 20 {
				b.Publish(PersonalTopic(fmt.Sprint(i%3)), NewEvent(EventMessage, i))
			}
		})
	}

	wg.Wait()
}

func TestBroker_SubscribeReturnsUniqueIDs(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ctx := t.Context()
	_, id1 := b.Subscribe(ctx, PresenceTopic)
	_, id2 := b.Subscribe(ctx, PresenceTopic)

	require.NotEqual(t, id1, id2)
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "/topic/group/u1", PersonalTopic("u1"))
	assert.Equal(t, "/topic/notification/u1", NotificationTopic("u1"))
	assert.Equal(t, "/topic/conversation/42", ConversationTopic(42))
	assert.Equal(t, "/topic/online", PresenceTopic)
}
