package fleet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBrokerPublishBroadcastsToSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Publish(&Event{Kind: EventTaskAssigned, SubjectID: "t-001"})

	select {
	case evt := <-sub:
		require.Equal(t, EventTaskAssigned, evt.Kind)
		require.Equal(t, "t-001", evt.SubjectID)
		require.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	require.Equal(t, 0, b.SubscriberCount())

	// unsubscribing twice must not panic (the channel is already closed).
	require.NotPanics(t, func() { b.Unsubscribe(sub) })
}
