package fanout

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/therr/realtime-server-go/internal/config"
)

type Handler func(ctx context.Context, event Event) error

// Dispatcher runs a handler for each event of a subscription in order,
// skipping event IDs seen within the last window events. Delivery across
// reconnecting subscribers is at-least-once.
type Dispatcher struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	ring   []string
	next   int
	window int
}

func NewDispatcher(window int) *Dispatcher {
	if window <= 0 {
		window = config.FanoutDedupeWindow
	}
	return &Dispatcher{
		seen:   make(map[string]struct{}, window),
		ring:   make([]string, window),
		window: window,
	}
}

// Seen records id and reports whether it was already recorded. Empty IDs are
// never treated as duplicates.
func (d *Dispatcher) Seen(id string) bool {
	if id == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}

	if evicted := d.ring[d.next]; evicted != "" {
		delete(d.seen, evicted)
	}
	d.ring[d.next] = id
	d.next = (d.next + 1) % d.window
	d.seen[id] = struct{}{}

	return false
}

// Run blocks until ctx is done or sub is unsubscribed. Handler errors are
// logged and do not stop the loop.
func (d *Dispatcher) Run(ctx context.Context, sub *Subscription, handle Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-sub.Done:
			return nil

		case event := <-sub.Events:
			if d.Seen(event.ID) {
				log.Debug().Str("channel", sub.Channel).Str("eventId", event.ID).Msg("skipping duplicate event")
				continue
			}

			if err := handle(ctx, event); err != nil {
				log.Error().Err(err).
					Str("channel", sub.Channel).
					Str("eventType", event.Type).
					Msg("event handler failed")
			}
		}
	}
}
