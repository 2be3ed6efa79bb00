package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/alicebob/miniredis/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therr/realtime-server-go/internal/redis/redistest"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case event := <-sub.Events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBrokerPublishSubscribe(t *testing.T) {
	_, client := redistest.New(t)
	broker := NewBroker(client, 0)
	defer broker.Close()
	ctx := context.Background()

	first, err := broker.Subscribe(ctx, "user:1:events")
	require.NoError(t, err)
	second, err := broker.Subscribe(ctx, "user:1:events")
	require.NoError(t, err)
	other, err := broker.Subscribe(ctx, "user:2:events")
	require.NoError(t, err)

	assert.Equal(t, 2, broker.SubscriberCount("user:1:events"))
	assert.Equal(t, 3, broker.TotalSubscribers())

	event, err := NewEvent("direct-message", map[string]string{"text": "hi"})
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, "user:1:events", event))

	for _, sub := range []*Subscription{first, second} {
		got := receive(t, sub)
		assert.Equal(t, event.ID, got.ID)
		assert.Equal(t, "direct-message", got.Type)
		assert.JSONEq(t, `{"text":"hi"}`, string(got.Data))
	}

	select {
	case <-other.Events:
		t.Fatal("unexpected event on unrelated channel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerPublishAssignsID(t *testing.T) {
	_, client := redistest.New(t)
	broker := NewBroker(client, 0)
	defer broker.Close()
	ctx := context.Background()

	sub, err := broker.Subscribe(ctx, "presence:events")
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, "presence:events", Event{Type: "presence", Data: json.RawMessage(`{}`)}))

	got := receive(t, sub)
	assert.NotEmpty(t, got.ID)
}

func TestBrokerUnsubscribe(t *testing.T) {
	_, client := redistest.New(t)
	broker := NewBroker(client, 0)
	defer broker.Close()
	ctx := context.Background()

	sub, err := broker.Subscribe(ctx, "user:1:events")
	require.NoError(t, err)

	broker.Unsubscribe(sub)
	broker.Unsubscribe(sub)

	select {
	case <-sub.Done:
	default:
		t.Fatal("done not closed")
	}
	assert.Equal(t, 0, broker.SubscriberCount("user:1:events"))

	again, err := broker.Subscribe(ctx, "user:1:events")
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, "user:1:events", Event{Type: "ping"}))
	assert.Equal(t, "ping", receive(t, again).Type)
}

func TestBrokerDropsWhenBufferFull(t *testing.T) {
	_, client := redistest.New(t)
	broker := NewBroker(client, 1)
	defer broker.Close()
	ctx := context.Background()

	sub, err := broker.Subscribe(ctx, "user:1:events")
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, "user:1:events", Event{ID: "1", Type: "a"}))
	require.NoError(t, broker.Publish(ctx, "user:1:events", Event{ID: "2", Type: "b"}))
	require.NoError(t, broker.Publish(ctx, "user:1:events", Event{ID: "3", Type: "c"}))

	// let the listener drain all three messages
	time.Sleep(200 * time.Millisecond)

	require.Len(t, sub.Events, 1)
	assert.Equal(t, "1", receive(t, sub).ID)
}

func TestBrokerClose(t *testing.T) {
	_, client := redistest.New(t)
	broker := NewBroker(client, 0)
	ctx := context.Background()

	sub, err := broker.Subscribe(ctx, "user:1:events")
	require.NoError(t, err)

	broker.Close()
	broker.Close()

	select {
	case <-sub.Done:
	default:
		t.Fatal("done not closed")
	}

	_, err = broker.Subscribe(ctx, "user:1:events")
	assert.True(t, errors.Is(err, ErrBrokerClosed))
}

// holdSubscribe blocks the store's reply to SUBSCRIBE on channel until the
// returned release func is called, and counts those SUBSCRIBE commands.
func holdSubscribe(t *testing.T, mr *miniredis.Miniredis, channel string) (<-chan struct{}, func(), *atomic.Int32) {
	t.Helper()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	var count atomic.Int32
	mr.Server().SetPreHook(func(p *server.Peer, cmd string, args ...string) bool {
		if cmd == "SUBSCRIBE" && len(args) > 0 && args[0] == channel {
			count.Add(1)
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
		}
		return false
	})
	return entered, unblock, &count
}

func TestBrokerPendingSubscribeDoesNotBlockDelivery(t *testing.T) {
	mr, client := redistest.New(t)
	broker := NewBroker(client, 0)
	defer broker.Close()
	ctx := context.Background()

	live, err := broker.Subscribe(ctx, "user:1:events")
	require.NoError(t, err)

	entered, release, _ := holdSubscribe(t, mr, "user:2:events")

	done := make(chan error, 1)
	go func() {
		_, err := broker.Subscribe(ctx, "user:2:events")
		done <- err
	}()
	<-entered

	require.NoError(t, broker.Publish(ctx, "user:1:events", Event{Type: "ping"}))
	select {
	case got := <-live.Events:
		assert.Equal(t, "ping", got.Type)
	case <-time.After(time.Second):
		t.Fatal("delivery blocked by pending subscribe")
	}
	assert.Equal(t, 1, broker.TotalSubscribers())

	release()
	require.NoError(t, <-done)
	assert.Equal(t, 1, broker.SubscriberCount("user:2:events"))
}

func TestBrokerConcurrentSubscribersShareListener(t *testing.T) {
	mr, client := redistest.New(t)
	broker := NewBroker(client, 0)
	defer broker.Close()
	ctx := context.Background()

	entered, release, count := holdSubscribe(t, mr, "user:1:events")

	subs := make(chan *Subscription, 2)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			sub, err := broker.Subscribe(ctx, "user:1:events")
			errs <- err
			subs <- sub
		}()
	}
	<-entered
	time.Sleep(50 * time.Millisecond)
	release()

	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, int32(1), count.Load())
	assert.Equal(t, 2, broker.SubscriberCount("user:1:events"))

	require.NoError(t, broker.Publish(ctx, "user:1:events", Event{Type: "ping"}))
	for i := 0; i < 2; i++ {
		assert.Equal(t, "ping", receive(t, <-subs).Type)
	}
}

func TestBrokerFailedSubscribeRollsBack(t *testing.T) {
	mr, client := redistest.New(t)
	broker := NewBroker(client, 0)
	defer broker.Close()
	ctx := context.Background()

	mr.Server().SetPreHook(func(p *server.Peer, cmd string, args ...string) bool {
		if cmd == "SUBSCRIBE" {
			p.WriteError("ERR subscribe refused")
			return true
		}
		return false
	})

	_, err := broker.Subscribe(ctx, "user:1:events")
	require.Error(t, err)

	broker.mu.RLock()
	_, pending := broker.channels["user:1:events"]
	broker.mu.RUnlock()
	assert.False(t, pending)

	mr.Server().SetPreHook(nil)

	sub, err := broker.Subscribe(ctx, "user:1:events")
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, "user:1:events", Event{Type: "ping"}))
	assert.Equal(t, "ping", receive(t, sub).Type)
}
