package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultInstanceID         = "productstats"
	DefaultRestURL            = "https://api.exchange.coinbase.com"
	DefaultWSURL              = "wss://ws-feed.exchange.coinbase.com"
	DefaultAPITimeout         = 30 * time.Second
	DefaultRefreshInterval    = 30 * time.Second
	DefaultSnapshotCapacity   = 15
	DefaultEviction           = "oldest"
	DefaultRefreshConcurrency = 1
	DefaultFetchTimeout       = 10 * time.Second
	DefaultWindowCapacity     = 300
	DefaultRetryAttempts      = 5
	DefaultRetryBackoff       = 300 * time.Millisecond
	DefaultDrainGrace         = 2 * time.Second
	DefaultRouteTimeout       = 10 * time.Second
	DefaultConnectTimeout     = 10 * time.Second
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultHeartbeatTimeout   = 30 * time.Second
	DefaultStopTimeout        = 5 * time.Second
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultBatchSize          = 500
	DefaultFlushInterval      = 1 * time.Second
	DefaultBufferSize         = 10000
	DefaultRedisAddr          = "localhost:6379"
	DefaultPublishTimeout     = 500 * time.Millisecond
	DefaultHTTPPort           = 8080
	DefaultLogLevel           = "info"
)

// ApplyDefaults fills zero values with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}

	// API defaults
	if c.API.RestURL == "" {
		c.API.RestURL = DefaultRestURL
	}
	if c.API.WSURL == "" {
		c.API.WSURL = DefaultWSURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}

	// Snapshot cache defaults
	if c.Stats.Interval == 0 {
		c.Stats.Interval = DefaultRefreshInterval
	}
	if c.Stats.Capacity == 0 {
		c.Stats.Capacity = DefaultSnapshotCapacity
	}
	if c.Stats.Eviction == "" {
		c.Stats.Eviction = DefaultEviction
	}
	if c.Stats.Concurrency == 0 {
		c.Stats.Concurrency = DefaultRefreshConcurrency
	}
	if c.Stats.FetchTimeout == 0 {
		c.Stats.FetchTimeout = DefaultFetchTimeout
	}

	if c.Quotes.WindowCapacity == 0 {
		c.Quotes.WindowCapacity = DefaultWindowCapacity
	}

	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = DefaultRetryAttempts
	}
	if c.Retry.Backoff == 0 {
		c.Retry.Backoff = DefaultRetryBackoff
	}

	// Stream defaults
	if c.Stream.DrainGrace == 0 {
		c.Stream.DrainGrace = DefaultDrainGrace
	}
	if c.Stream.RouteTimeout == 0 {
		c.Stream.RouteTimeout = DefaultRouteTimeout
	}
	if c.Stream.ConnectTimeout == 0 {
		c.Stream.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Stream.ReconnectBaseDelay == 0 {
		c.Stream.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Stream.ReconnectMaxDelay == 0 {
		c.Stream.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Stream.HeartbeatTimeout == 0 {
		c.Stream.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Stream.StopTimeout == 0 {
		c.Stream.StopTimeout = DefaultStopTimeout
	}

	applyDBDefaults(&c.Database.Timescale)

	// Writers defaults
	if c.Writers.BatchSize == 0 {
		c.Writers.BatchSize = DefaultBatchSize
	}
	if c.Writers.FlushInterval == 0 {
		c.Writers.FlushInterval = DefaultFlushInterval
	}
	if c.Writers.BufferSize == 0 {
		c.Writers.BufferSize = DefaultBufferSize
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = DefaultRedisAddr
	}
	if c.Redis.PublishTimeout == 0 {
		c.Redis.PublishTimeout = DefaultPublishTimeout
	}

	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
