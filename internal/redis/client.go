package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/therr/realtime-server-go/internal/errors"
)

const (
	DefaultTimeout    = 2 * time.Second
	DefaultMaxRetries = 2
)

// Client wraps the go-redis client with the deployment key prefix and a
// bounded per-call timeout. It is the only handle components get to the
// shared store.
type Client struct {
	*redis.Client
	prefix  string
	timeout time.Duration
}

type options struct {
	prefix     string
	timeout    time.Duration
	maxRetries int
}

type Option func(*options)

// WithKeyPrefix prepends prefix to every key (not to pub/sub channels).
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

func buildOptions(opts []Option) options {
	o := options{timeout: DefaultTimeout, maxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewClient(redisURL string, opts ...Option) (*Client, error) {
	o := buildOptions(opts)

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	// go-redis treats 0 as "use the default"; -1 disables retries.
	redisOpts.MaxRetries = o.maxRetries
	if o.maxRetries == 0 {
		redisOpts.MaxRetries = -1
	}
	redisOpts.ContextTimeoutEnabled = true

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{Client: client, prefix: o.prefix, timeout: o.timeout}, nil
}

// New wraps an existing go-redis client without pinging it.
func New(client *redis.Client, opts ...Option) *Client {
	o := buildOptions(opts)
	return &Client{Client: client, prefix: o.prefix, timeout: o.timeout}
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// Key applies the deployment prefix to a key built by the helpers below.
func (c *Client) Key(key string) string {
	return c.prefix + key
}

// WithTimeout bounds a single store round trip.
func (c *Client) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// StoreError classifies a store error. A missing key (redis.Nil) is a valid
// negative result and is returned untouched; everything else becomes
// STORE_UNAVAILABLE.
func StoreError(op string, err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	return apperrors.StoreUnavailable(op, err)
}

// IsNil reports whether err is the go-redis "key does not exist" reply.
func IsNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

func UserKey(userID string) string {
	return fmt.Sprintf("users:%s", userID)
}

func UserSocketKey(connectionHandle string) string {
	return fmt.Sprintf("userSockets:%s", connectionHandle)
}

// UserSocketPattern matches every socket-side mapping, for SCAN.
const UserSocketPattern = "userSockets:*"

func ProximityKey(userID, namespace string) string {
	return fmt.Sprintf("user:%s:%s", userID, namespace)
}

func MaxActivationDistanceKey(userID, namespace string) string {
	return fmt.Sprintf("user:%s:%smaxActivationDistance", userID, namespace)
}

func GeoKey(userID, namespace string) string {
	return fmt.Sprintf("user:%s:%s-geo", userID, namespace)
}

func UnactivatedKey(userID, namespace, contentID string) string {
	return fmt.Sprintf("user:%s:%s-geo:unactivated:%s", userID, namespace, contentID)
}

func DMThrottleKey(toUserID, fromUserID string) string {
	return fmt.Sprintf("dmNotificationThrottles:%s:%s", toUserID, fromUserID)
}

func ReactionThrottleKey(toUserID, fromUserID string) string {
	return fmt.Sprintf("reactionNotificationThrottles:%s:%s", toUserID, fromUserID)
}

func UserEventsChannel(userID string) string {
	return fmt.Sprintf("user:%s:events", userID)
}

// PresenceChannel carries presence transitions for every user.
const PresenceChannel = "presence:events"

// PushChannel carries push notification requests for the push service.
const PushChannel = "notifications:push"
