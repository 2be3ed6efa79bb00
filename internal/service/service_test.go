package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/therr/realtime-server-go/internal/fanout"
)

type publishedEvent struct {
	Channel string
	Event   fanout.Event
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, channel string, event fanout.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{Channel: channel, Event: event})
	return nil
}

func (p *recordingPublisher) on(channel string) []fanout.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var events []fanout.Event
	for _, e := range p.events {
		if e.Channel == channel {
			events = append(events, e.Event)
		}
	}
	return events
}

func decode[T any](t *testing.T, event fanout.Event) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(event.Data, &v))
	return v
}

type mockPresence struct {
	mock.Mock
}

func (m *mockPresence) IsOnlineOrOffline(ctx context.Context, userID string) bool {
	return m.Called(ctx, userID).Bool(0)
}
