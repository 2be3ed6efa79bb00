package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/therr/realtime-server-go/internal/audit"
	"github.com/therr/realtime-server-go/internal/config"
	"github.com/therr/realtime-server-go/internal/model"
)

type SocketRegistry interface {
	ScanSockets(ctx context.Context, cursor uint64, count int64) ([]string, uint64, error)
	ResolveSocket(ctx context.Context, handle string) (*model.UserSession, error)
}

// SessionSweepJob deletes socket-side keys whose user session is gone or
// bound to another connection. Keys expire on their own; the sweep only
// shortens the window in which they mislead lookups.
type SessionSweepJob struct {
	registry  SocketRegistry
	interval  time.Duration
	batchSize int64
	done      chan struct{}
}

func NewSessionSweepJob(registry SocketRegistry, interval time.Duration) *SessionSweepJob {
	return &SessionSweepJob{
		registry:  registry,
		interval:  interval,
		batchSize: config.SessionSweepBatchSize,
		done:      make(chan struct{}),
	}
}

func (j *SessionSweepJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("session sweep job started")
}

func (j *SessionSweepJob) Stop() {
	close(j.done)
	log.Info().Msg("session sweep job stopped")
}

func (j *SessionSweepJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweep()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *SessionSweepJob) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), config.SessionSweepTimeout)
	defer cancel()

	scanned, stale, err := j.Sweep(ctx)
	if err != nil {
		log.Error().Err(err).Int("scanned", scanned).Msg("failed to sweep socket mappings")
		return
	}
	if stale > 0 {
		log.Info().Int("scanned", scanned).Int("stale", stale).Msg("swept stale socket mappings")
	}
}

// Sweep walks every socket-side key once. It returns how many handles were
// examined and how many no longer resolved to a session.
func (j *SessionSweepJob) Sweep(ctx context.Context) (scanned, stale int, err error) {
	var cursor uint64
	for {
		handles, next, err := j.registry.ScanSockets(ctx, cursor, j.batchSize)
		if err != nil {
			return scanned, stale, err
		}

		for _, handle := range handles {
			scanned++
			session, err := j.registry.ResolveSocket(ctx, handle)
			if err != nil {
				return scanned, stale, err
			}
			if session == nil {
				stale++
				audit.Log(ctx, audit.Event{
					Type:             audit.EventStaleSocket,
					ConnectionHandle: handle,
				})
			}
		}

		cursor = next
		if cursor == 0 {
			return scanned, stale, nil
		}
		if err := ctx.Err(); err != nil {
			return scanned, stale, err
		}
	}
}
