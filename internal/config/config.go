package config

import "time"

// Config is the root configuration for a productstats instance.
type Config struct {
	Instance    InstanceConfig `yaml:"instance"`
	API         APIConfig      `yaml:"api"`
	Instruments []string       `yaml:"instruments"`
	Stats       StatsConfig    `yaml:"stats"`
	Quotes      QuotesConfig   `yaml:"quotes"`
	Retry       RetryConfig    `yaml:"retry"`
	Stream      StreamConfig   `yaml:"stream"`
	Database    DatabaseConfig `yaml:"database"`
	Writers     WritersConfig  `yaml:"writers"`
	Redis       RedisConfig    `yaml:"redis"`
	HTTP        HTTPConfig     `yaml:"http"`
	Logging     LoggingConfig  `yaml:"logging"`
}

// InstanceConfig identifies this instance in logs.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds exchange endpoints and optional credentials.
type APIConfig struct {
	RestURL    string        `yaml:"rest_url"`
	WSURL      string        `yaml:"ws_url"`
	Key        string        `yaml:"key"`
	Secret     string        `yaml:"secret"` // base64, as issued by the exchange
	Passphrase string        `yaml:"passphrase"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Authenticated reports whether credentials were configured.
func (a APIConfig) Authenticated() bool {
	return a.Key != "" || a.Secret != ""
}

// StatsConfig holds snapshot cache settings.
type StatsConfig struct {
	Interval     time.Duration `yaml:"interval"`
	Capacity     int           `yaml:"capacity"`
	Eviction     string        `yaml:"eviction"` // oldest | keep_first
	Concurrency  int           `yaml:"concurrency"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	Warmup       bool          `yaml:"warmup"`
}

// QuotesConfig holds quote window settings.
type QuotesConfig struct {
	WindowCapacity int `yaml:"window_capacity"`
}

// RetryConfig holds rate-limit retry settings for REST calls.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
}

// StreamConfig holds push stream and dispatcher settings.
type StreamConfig struct {
	DrainGrace         time.Duration `yaml:"drain_grace"`
	RouteTimeout       time.Duration `yaml:"route_timeout"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	HeartbeatTimeout   time.Duration `yaml:"heartbeat_timeout"`
	StopTimeout        time.Duration `yaml:"stop_timeout"`
}

// DatabaseConfig holds the TimescaleDB connection for the snapshot archive.
type DatabaseConfig struct {
	Timescale DBConfig `yaml:"timescale"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// WritersConfig holds snapshot archive writer settings.
type WritersConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// RedisConfig holds the quote mirror settings.
type RedisConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// HTTPConfig holds the status server settings.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
}
