package config

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/rickgao/productstats/internal/stats"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if len(c.Instruments) == 0 {
		return errors.New("instruments must list at least one instrument")
	}
	for i, id := range c.Instruments {
		if id == "" {
			return fmt.Errorf("instruments[%d] is empty", i)
		}
	}

	if c.API.Authenticated() {
		if c.API.Key == "" {
			return errors.New("api.key is required when api.secret is set")
		}
		if c.API.Secret == "" {
			return errors.New("api.secret is required when api.key is set")
		}
	}

	if c.Stats.Interval <= 0 {
		return errors.New("stats.interval must be > 0")
	}
	if c.Stats.Capacity < 1 {
		return errors.New("stats.capacity must be >= 1")
	}
	if _, err := stats.ParseEvictionPolicy(c.Stats.Eviction); err != nil {
		return fmt.Errorf("stats.eviction: %w", err)
	}
	if c.Stats.Concurrency < 1 {
		return errors.New("stats.concurrency must be >= 1")
	}

	if c.Quotes.WindowCapacity < 1 {
		return errors.New("quotes.window_capacity must be >= 1")
	}

	if c.Retry.Attempts < 1 {
		return errors.New("retry.attempts must be >= 1")
	}
	if c.Retry.Backoff < 0 {
		return errors.New("retry.backoff must be >= 0")
	}

	if c.Stream.ReconnectBaseDelay > c.Stream.ReconnectMaxDelay {
		return fmt.Errorf("stream.reconnect_base_delay (%s) cannot exceed reconnect_max_delay (%s)",
			c.Stream.ReconnectBaseDelay, c.Stream.ReconnectMaxDelay)
	}

	if c.Writers.Enabled {
		if err := c.Database.Timescale.validate("database.timescale"); err != nil {
			return err
		}
		if c.Writers.BatchSize < 1 {
			return errors.New("writers.batch_size must be >= 1")
		}
		if c.Writers.BufferSize < 1 {
			return errors.New("writers.buffer_size must be >= 1")
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}

	return nil
}

// SlogLevel parses the configured log level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return level, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
