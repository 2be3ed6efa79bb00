// Package redistest starts an in-memory store for package tests.
package redistest

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	redisclient "github.com/therr/realtime-server-go/internal/redis"
)

// New returns a running miniredis and a client bound to it. Both are closed
// when the test finishes.
func New(t testing.TB, opts ...redisclient.Option) (*miniredis.Miniredis, *redisclient.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redisclient.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), opts...)
	t.Cleanup(func() { client.Close() })

	return mr, client
}
