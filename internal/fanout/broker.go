package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/therr/realtime-server-go/internal/config"
	redisclient "github.com/therr/realtime-server-go/internal/redis"
)

var ErrBrokerClosed = errors.New("fanout broker closed")

// Event is the envelope carried on every channel. ID is stable across
// redeliveries so handlers can skip repeats.
type Event struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{ID: uuid.NewString(), Type: eventType, Data: data}, nil
}

// Subscription is one local consumer of a channel. Events is buffered; when
// it is full new events are dropped. Done is closed on unsubscribe.
type Subscription struct {
	Channel string
	Events  chan Event
	Done    chan struct{}
}

// channelState is installed before the store confirms the subscription.
// ready is closed once the listener is running or err is set.
type channelState struct {
	subs   map[*Subscription]struct{}
	cancel context.CancelFunc
	ready  chan struct{}
	err    error
}

// Broker multiplexes store pub/sub channels onto local subscriptions. Each
// channel with at least one local subscriber has exactly one listener
// goroutine.
type Broker struct {
	redis      *redisclient.Client
	channels   map[string]*channelState
	bufferSize int
	closed     bool
	mu         sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client, bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = config.FanoutSubscriptionBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:      redisClient,
		channels:   make(map[string]*channelState),
		bufferSize: bufferSize,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Subscribe registers a local consumer. The first subscriber of a channel
// waits for the store to confirm the subscription so nothing published after
// Subscribe returns is missed. Concurrent subscribers of the same channel
// share that confirmation.
func (b *Broker) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	sub := &Subscription{
		Channel: channel,
		Events:  make(chan Event, b.bufferSize),
		Done:    make(chan struct{}),
	}

	for {
		state, err := b.channelFor(ctx, channel)
		if err != nil {
			return nil, err
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrBrokerClosed
		}
		if b.channels[channel] != state {
			// listener stopped while we waited for it
			b.mu.Unlock()
			continue
		}
		state.subs[sub] = struct{}{}
		count := len(state.subs)
		b.mu.Unlock()

		log.Debug().
			Str("channel", channel).
			Int("subscriberCount", count).
			Msg("fanout subscribed")

		return sub, nil
	}
}

// channelFor returns the confirmed state for channel, starting its listener
// when there is none. The store round trip runs without holding b.mu.
func (b *Broker) channelFor(ctx context.Context, channel string) (*channelState, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	state := b.channels[channel]
	if state == nil {
		state = &channelState{
			subs:  make(map[*Subscription]struct{}),
			ready: make(chan struct{}),
		}
		b.channels[channel] = state
		b.mu.Unlock()
		b.start(ctx, channel, state)
	} else {
		b.mu.Unlock()
	}

	select {
	case <-state.ready:
		return state, state.err
	default:
	}

	select {
	case <-state.ready:
		return state, state.err
	case <-ctx.Done():
		return nil, redisclient.StoreError("subscribe", ctx.Err())
	}
}

func (b *Broker) start(ctx context.Context, channel string, state *channelState) {
	pubsub := b.redis.Subscribe(b.ctx, channel)

	confirmCtx, cancel := b.redis.WithTimeout(ctx)
	_, err := pubsub.Receive(confirmCtx)
	cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	defer close(state.ready)

	switch {
	case err != nil:
		state.err = redisclient.StoreError("subscribe", err)
	case b.closed:
		state.err = ErrBrokerClosed
	}
	if state.err != nil {
		pubsub.Close()
		if b.channels[channel] == state {
			delete(b.channels, channel)
		}
		return
	}

	listenCtx, stop := context.WithCancel(b.ctx)
	state.cancel = stop

	b.wg.Add(1)
	go b.listen(listenCtx, channel, pubsub)
}

func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.channels[sub.Channel]
	if !ok {
		return
	}
	if _, ok := state.subs[sub]; !ok {
		return
	}

	delete(state.subs, sub)
	close(sub.Done)

	if len(state.subs) == 0 {
		state.cancel()
		delete(b.channels, sub.Channel)
	}

	log.Debug().
		Str("channel", sub.Channel).
		Int("subscriberCount", len(state.subs)).
		Msg("fanout unsubscribed")
}

// Publish sends event to every instance subscribed to channel. An empty ID
// is assigned before sending.
func (b *Broker) Publish(ctx context.Context, channel string, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	ctx, cancel := b.redis.WithTimeout(ctx)
	defer cancel()

	if err := b.redis.Publish(ctx, channel, data).Err(); err != nil {
		return redisclient.StoreError("publish", err)
	}
	return nil
}

func (b *Broker) listen(ctx context.Context, channel string, pubsub *redis.PubSub) {
	defer b.wg.Done()
	defer pubsub.Close()

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Str("channel", channel).Msg("failed to unmarshal event")
				continue
			}

			b.broadcast(channel, event)
		}
	}
}

func (b *Broker) broadcast(channel string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	state, ok := b.channels[channel]
	if !ok {
		return
	}

	for sub := range state.subs {
		select {
		case sub.Events <- event:
		default:
			log.Warn().
				Str("channel", channel).
				Str("eventId", event.ID).
				Msg("subscription buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.cancel()

	for _, state := range b.channels {
		for sub := range state.subs {
			close(sub.Done)
		}
	}
	b.channels = make(map[string]*channelState)
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Broker) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if state, ok := b.channels[channel]; ok {
		return len(state.subs)
	}
	return 0
}

func (b *Broker) TotalSubscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, state := range b.channels {
		total += len(state.subs)
	}
	return total
}
