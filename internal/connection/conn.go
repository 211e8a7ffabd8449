package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// inbound is one frame read from the feed, already parsed.
type inbound struct {
	ev  Event
	err error // set when the frame could not be parsed
}

// conn is a single websocket session with the exchange feed. Its read loop
// parses frames in arrival order. Liveness is judged by the exchange's
// heartbeat channel: once armed, the watchdog fails the session when no
// heartbeat has arrived within HeartbeatTimeout.
type conn struct {
	ws     *websocket.Conn
	cfg    ConnConfig
	logger *slog.Logger

	frames chan inbound
	failed chan error // capacity 1; first failure wins
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once

	armed         atomic.Bool
	lastHeartbeat atomic.Int64 // unix nanos
}

// dial opens a session to url and starts its read loop and watchdog.
func dial(ctx context.Context, url string, cfg ConnConfig, logger *slog.Logger) (*conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake %s: %w", resp.Status, err)
		}
		return nil, err
	}
	if cfg.ReadLimit > 0 {
		ws.SetReadLimit(cfg.ReadLimit)
	}

	c := &conn{
		ws:     ws,
		cfg:    cfg,
		logger: logger,
		frames: make(chan inbound, cfg.FrameBuffer),
		failed: make(chan error, 1),
		done:   make(chan struct{}),
	}
	c.lastHeartbeat.Store(time.Now().UnixNano())

	go c.readLoop()
	go c.watchdog()

	logger.Debug("feed session opened", "url", url)
	return c, nil
}

// Frames delivers parsed frames in arrival order.
func (c *conn) Frames() <-chan inbound {
	return c.frames
}

// Failed reports the error that ended the session, at most once.
func (c *conn) Failed() <-chan error {
	return c.failed
}

// arm turns the heartbeat watchdog on or off. Arming restarts the clock,
// so a session that just subscribed gets a full timeout for its first
// heartbeat. A session with nothing subscribed receives no heartbeats and
// is left disarmed.
func (c *conn) arm(on bool) {
	if on {
		c.lastHeartbeat.Store(time.Now().UnixNano())
	}
	c.armed.Store(on)
}

// LastHeartbeat returns when the last heartbeat frame was read.
func (c *conn) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// send writes v as a JSON text frame.
func (c *conn) send(v any) error {
	select {
	case <-c.done:
		return ErrSessionClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

// close ends the session. It is safe to call more than once.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		deadline := time.Now().Add(c.cfg.WriteTimeout)
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			c.logger.Debug("close frame not sent", "error", err)
		}
		c.ws.Close()
	})
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conn) fail(err error) {
	if c.closed() {
		return
	}
	select {
	case c.failed <- err:
	default:
	}
}

// readLoop parses frames until the socket fails or the session is closed.
// A full frame buffer blocks reading, which pushes back on the server.
func (c *conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("read: %w", err))
			return
		}

		at := time.Now()
		ev, err := ParseMessage(data, at)
		if err == nil && ev.Kind == EventHeartbeat {
			c.lastHeartbeat.Store(at.UnixNano())
		}

		select {
		case c.frames <- inbound{ev: ev, err: err}:
		case <-c.done:
			return
		}
	}
}

// watchdog fails the session when armed and heartbeats stop.
func (c *conn) watchdog() {
	ticker := time.NewTicker(max(c.cfg.HeartbeatTimeout/4, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			if !c.armed.Load() {
				continue
			}
			if silent := now.Sub(c.LastHeartbeat()); silent > c.cfg.HeartbeatTimeout {
				c.logger.Warn("feed heartbeats stopped",
					"silent_for", silent.Round(time.Millisecond),
					"timeout", c.cfg.HeartbeatTimeout,
				)
				c.fail(fmt.Errorf("%w: none for %s", ErrHeartbeatTimeout, silent.Round(time.Millisecond)))
				return
			}
		}
	}
}
