package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Store retries are bounded so an outage cannot grow an unbounded backlog.
const MaxStoreRetries = 5

// Websocket gateway
const (
	WSHeartbeatInterval = 30 * time.Second
	WSPongWait          = 75 * time.Second
	WSWriteWait         = 10 * time.Second
	WSReadLimit         = 4096
)

// Fan-out queues
const (
	FanoutSubscriptionBuffer = 100
	FanoutDedupeWindow       = 256
)

// Proximity processing (meters)
const (
	AreaProximityMeters             = 1000
	AreaProximityExpandedMeters     = 5000
	FallbackCacheSearchRadiusMeters = 1000
	OriginRefreshDistanceMeters     = 2500
	NearbyContentFetchLimit         = 100
	MaxActivateCount                = 5
)

// Background job intervals
const SessionSweepInterval = 5 * time.Minute

// Default rate limiting
const DefaultRateLimitPerMin = 60

// Presence batch queries
const PresenceBatchMaxUsers = 500

// Session sweep
const (
	SessionSweepBatchSize = 200
	SessionSweepTimeout   = 30 * time.Second
)

// Request bodies carry coordinates or id lists only.
const MaxRequestBodyBytes = 64 << 10
