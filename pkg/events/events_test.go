package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBrokerBroadcast(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Emit(EventDeploymentActive, "acme", "tenant is live", map[string]string{"node": "node-a"})

	for _, sub := range []Subscriber{sub1, sub2} {
		ev := receive(t, sub)
		assert.Equal(t, EventDeploymentActive, ev.Type)
		assert.Equal(t, "acme", ev.Subject)
		assert.Equal(t, "node-a", ev.Metadata["node"])
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	_, ok := <-sub
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestPublishDoesNotBlockWhenNotRunning(t *testing.T) {
	b := NewBroker()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Emit(EventNodeUnhealthy, "node-a", "", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked")
	}
}

func TestNilBrokerPublish(t *testing.T) {
	var b *Broker
	require.NotPanics(t, func() {
		b.Emit(EventDeploymentFailed, "acme", "", nil)
	})
}

func TestStopTwice(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Stop()
	require.NotPanics(t, b.Stop)
}
