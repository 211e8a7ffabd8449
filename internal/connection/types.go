package connection

import (
	"errors"
	"time"

	"github.com/rickgao/productstats/internal/auth"
)

// Errors
var (
	ErrHeartbeatTimeout   = errors.New("feed heartbeat timeout")
	ErrSessionClosed      = errors.New("feed session closed")
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// Channel names on the exchange feed.
const (
	ChannelHeartbeat = "heartbeat"
	ChannelTicker    = "ticker"
)

// SubscribeRequest is sent to add or remove product/channel pairs.
// Type is "subscribe" or "unsubscribe". The auth fields are only set when
// credentials are configured.
type SubscribeRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`

	Signature  string `json:"signature,omitempty"`
	Key        string `json:"key,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
}

// envelope extracts the message type before full parsing.
type envelope struct {
	Type string `json:"type"`
}

// HeartbeatMsg is a heartbeat channel message.
type HeartbeatMsg struct {
	Sequence    int64  `json:"sequence"`
	LastTradeID int64  `json:"last_trade_id"`
	ProductID   string `json:"product_id"`
	Time        string `json:"time"`
}

// TickerMsg is a ticker channel message. Prices are decimal strings.
type TickerMsg struct {
	Sequence  int64  `json:"sequence"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	Side      string `json:"side"`
	Time      string `json:"time"`
	TradeID   int64  `json:"trade_id"`
	LastSize  string `json:"last_size"`
}

// SubscriptionsMsg acknowledges a subscribe or unsubscribe request.
type SubscriptionsMsg struct {
	Channels []struct {
		Name       string   `json:"name"`
		ProductIDs []string `json:"product_ids"`
	} `json:"channels"`
}

// ErrorMsg is sent by the server when a request is rejected.
type ErrorMsg struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// ConnConfig configures each feed session.
type ConnConfig struct {
	HandshakeTimeout time.Duration // WebSocket handshake bound (default: 10s)
	HeartbeatTimeout time.Duration // Max silence on the heartbeat channel before reconnecting (default: 30s)
	WriteTimeout     time.Duration // Write deadline for requests (default: 5s)
	ReadLimit        int64         // Max frame size in bytes (default: 1 MiB)
	FrameBuffer      int           // Parsed frames queued ahead of delivery (default: 1024)
}

// DefaultConnConfig returns sensible defaults.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		HandshakeTimeout: 10 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadLimit:        1 << 20,
		FrameBuffer:      1024,
	}
}

// withDefaults fills zero fields from DefaultConnConfig.
func (c ConnConfig) withDefaults() ConnConfig {
	d := DefaultConnConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	if c.FrameBuffer <= 0 {
		c.FrameBuffer = d.FrameBuffer
	}
	return c
}

// FeedConfig configures a Feed.
type FeedConfig struct {
	URL               string            // WebSocket URL
	Credentials       *auth.Credentials // nil = unauthenticated feed
	Conn              ConnConfig        // Per-session settings
	ConnectTimeout    time.Duration     // Dial timeout, also used on reconnect
	ReconnectBaseWait time.Duration     // Base wait time for reconnection
	ReconnectMaxWait  time.Duration     // Max wait time for reconnection
}

// DefaultFeedConfig returns sensible defaults.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		Conn:              DefaultConnConfig(),
		ConnectTimeout:    10 * time.Second,
		ReconnectBaseWait: time.Second,
		ReconnectMaxWait:  60 * time.Second,
	}
}

// FeedStats counts events seen by one subscription.
type FeedStats struct {
	Heartbeats  int64
	Ticks       int64
	ParseErrors int64
	Reconnects  int64

	HeartbeatTimeouts int64 // Sessions dropped because heartbeats stopped
}
