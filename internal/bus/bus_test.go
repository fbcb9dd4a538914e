package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscribe_ReceivesOnlyMatchingRequestID(t *testing.T) {
	b := New(4)
	sub := b.Subscribe(42)
	defer sub.Close()

	b.Publish(Event{RequestID: 42, Stage: "gnss_verify", Status: StatusStarted})
	b.Publish(Event{RequestID: 99, Stage: "gnss_verify", Status: StatusStarted})

	select {
	case ev := <-sub.Events():
		require.Equal(t, uint64(42), ev.RequestID)
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected second event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAll_ReceivesEveryEvent(t *testing.T) {
	b := New(4)
	sub := b.SubscribeAll()
	defer sub.Close()

	b.Publish(Event{RequestID: 1, Status: StatusStarted})
	b.Publish(Event{RequestID: 2, Status: StatusCompleted})

	first := <-sub.Events()
	second := <-sub.Events()
	require.Equal(t, uint64(1), first.RequestID)
	require.Equal(t, uint64(2), second.RequestID)
}

func TestPublish_DropsWhenSubscriberQueueFull(t *testing.T) {
	b := New(1)
	sub := b.Subscribe(1)
	defer sub.Close()

	b.Publish(Event{RequestID: 1, Status: StatusStarted})
	b.Publish(Event{RequestID: 1, Status: StatusCompleted})

	first := <-sub.Events()
	require.Equal(t, StatusStarted, first.Status)

	select {
	case <-sub.Events():
		t.Fatal("expected the overflow event to have been dropped")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClose_ClosesChannel(t *testing.T) {
	b := New(4)
	sub := b.Subscribe(1)
	sub.Close()

	_, ok := <-sub.Events()
	require.False(t, ok)
}
