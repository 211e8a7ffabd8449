package connection

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/productstats/internal/auth"
	"github.com/rickgao/productstats/internal/model"
	"github.com/rickgao/productstats/internal/provider"
)

// feedServer records subscribe requests and lets the test push messages.
type feedServer struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	requests []SubscribeRequest
	conns    []*websocket.Conn
	connCh   chan *websocket.Conn
}

func newFeedServer(t *testing.T) *feedServer {
	fs := &feedServer{t: t, connCh: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	fs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.mu.Unlock()
		fs.connCh <- conn

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req SubscribeRequest
			if err := json.Unmarshal(data, &req); err != nil {
				t.Errorf("bad request: %s", data)
				continue
			}
			fs.mu.Lock()
			fs.requests = append(fs.requests, req)
			fs.mu.Unlock()
		}
	}))

	return fs
}

func (fs *feedServer) url() string {
	return wsURL(fs.server)
}

func (fs *feedServer) nextConn() *websocket.Conn {
	select {
	case c := <-fs.connCh:
		return c
	case <-time.After(2 * time.Second):
		fs.t.Fatal("timeout waiting for connection")
		return nil
	}
}

func (fs *feedServer) waitRequests(n int) []SubscribeRequest {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fs.mu.Lock()
		if len(fs.requests) >= n {
			out := append([]SubscribeRequest(nil), fs.requests...)
			fs.mu.Unlock()
			return out
		}
		fs.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	fs.t.Fatalf("timeout waiting for %d requests", n)
	return nil
}

func testFeedConfig(url string) FeedConfig {
	cfg := DefaultFeedConfig()
	cfg.URL = url
	cfg.ReconnectBaseWait = 10 * time.Millisecond
	cfg.ReconnectMaxWait = 50 * time.Millisecond
	cfg.Conn.FrameBuffer = 100
	return cfg
}

func TestFeed_SubscribeAndDeliver(t *testing.T) {
	fs := newFeedServer(t)
	defer fs.server.Close()

	var mu sync.Mutex
	var quotes []model.Quote
	var heartbeats atomic.Int32

	feed := NewFeed(testFeedConfig(fs.url()), nil)
	sub, err := feed.Subscribe(context.Background(), []string{"ETH-EUR", "BTC-EUR", "BTC-EUR"}, provider.Handlers{
		Heartbeat: func(provider.Heartbeat) { heartbeats.Add(1) },
		Tick: func(q model.Quote) {
			mu.Lock()
			quotes = append(quotes, q)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	reqs := fs.waitRequests(1)
	if reqs[0].Type != "subscribe" {
		t.Errorf("Type = %q, want subscribe", reqs[0].Type)
	}
	if got := reqs[0].ProductIDs; len(got) != 2 || got[0] != "BTC-EUR" || got[1] != "ETH-EUR" {
		t.Errorf("ProductIDs = %v, want [BTC-EUR ETH-EUR]", got)
	}
	if got := reqs[0].Channels; len(got) != 2 || got[0] != ChannelHeartbeat || got[1] != ChannelTicker {
		t.Errorf("Channels = %v", got)
	}
	if reqs[0].Signature != "" {
		t.Error("unauthenticated feed should not sign")
	}

	conn := fs.nextConn()
	msgs := []string{
		`{"type":"subscriptions","channels":[]}`,
		`{"type":"heartbeat","sequence":1,"product_id":"BTC-EUR","time":"2024-03-01T12:00:00Z"}`,
		`{"type":"ticker","product_id":"BTC-EUR","best_bid":"1","best_ask":"2","time":"2024-03-01T12:00:00Z"}`,
		`garbage`,
		`{"type":"ticker","product_id":"ETH-EUR","best_bid":"3","best_ask":"4","time":"2024-03-01T12:00:01Z"}`,
	}
	for _, m := range msgs {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(quotes)
		mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for quotes, got %d", n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	if quotes[0].InstrumentID != "BTC-EUR" || quotes[1].InstrumentID != "ETH-EUR" {
		t.Errorf("quotes out of order: %v, %v", quotes[0].InstrumentID, quotes[1].InstrumentID)
	}
	mu.Unlock()

	if heartbeats.Load() != 1 {
		t.Errorf("heartbeats = %d, want 1", heartbeats.Load())
	}

	stats := sub.(*FeedSubscription).Stats()
	if stats.Ticks != 2 || stats.Heartbeats != 1 || stats.ParseErrors != 1 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestFeed_UnsubscribeClosesDone(t *testing.T) {
	fs := newFeedServer(t)
	defer fs.server.Close()

	feed := NewFeed(testFeedConfig(fs.url()), nil)
	sub, err := feed.Subscribe(context.Background(), []string{"BTC-EUR"}, provider.Handlers{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("Unsubscribe failed: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("second Unsubscribe failed: %v", err)
	}

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Unsubscribe")
	}

	reqs := fs.waitRequests(2)
	if reqs[1].Type != "unsubscribe" {
		t.Errorf("Type = %q, want unsubscribe", reqs[1].Type)
	}

	if err := sub.(*FeedSubscription).Resubscribe([]string{"ETH-EUR"}); err != ErrSubscriptionClosed {
		t.Errorf("expected ErrSubscriptionClosed, got %v", err)
	}
}

func TestFeed_Resubscribe(t *testing.T) {
	fs := newFeedServer(t)
	defer fs.server.Close()

	feed := NewFeed(testFeedConfig(fs.url()), nil)
	sub, err := feed.Subscribe(context.Background(), []string{"BTC-EUR", "ETH-EUR"}, provider.Handlers{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	rs, ok := sub.(provider.Resubscriber)
	if !ok {
		t.Fatal("feed subscription should support Resubscribe")
	}
	if err := rs.Resubscribe([]string{"ETH-EUR", "LTC-EUR"}); err != nil {
		t.Fatalf("Resubscribe failed: %v", err)
	}

	reqs := fs.waitRequests(3)
	if reqs[1].Type != "unsubscribe" || len(reqs[1].ProductIDs) != 1 || reqs[1].ProductIDs[0] != "BTC-EUR" {
		t.Errorf("unsubscribe request = %+v", reqs[1])
	}
	if reqs[2].Type != "subscribe" || len(reqs[2].ProductIDs) != 1 || reqs[2].ProductIDs[0] != "LTC-EUR" {
		t.Errorf("subscribe request = %+v", reqs[2])
	}

	got := sub.(*FeedSubscription).Instruments()
	if len(got) != 2 || got[0] != "ETH-EUR" || got[1] != "LTC-EUR" {
		t.Errorf("Instruments = %v, want [ETH-EUR LTC-EUR]", got)
	}
}

func TestFeed_ReconnectsAndResubscribes(t *testing.T) {
	fs := newFeedServer(t)
	defer fs.server.Close()

	var ticks atomic.Int32
	feed := NewFeed(testFeedConfig(fs.url()), nil)
	sub, err := feed.Subscribe(context.Background(), []string{"BTC-EUR"}, provider.Handlers{
		Tick: func(model.Quote) { ticks.Add(1) },
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	first := fs.nextConn()
	fs.waitRequests(1)
	first.Close()

	second := fs.nextConn()
	reqs := fs.waitRequests(2)
	if reqs[1].Type != "subscribe" || reqs[1].ProductIDs[0] != "BTC-EUR" {
		t.Errorf("resubscribe request = %+v", reqs[1])
	}

	msg := `{"type":"ticker","product_id":"BTC-EUR","best_bid":"1","best_ask":"2"}`
	if err := second.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ticks.Load() != 1 {
		t.Errorf("ticks = %d, want 1", ticks.Load())
	}
	if n := sub.(*FeedSubscription).Stats().Reconnects; n != 1 {
		t.Errorf("Reconnects = %d, want 1", n)
	}
}

func TestFeed_SignsWhenAuthenticated(t *testing.T) {
	fs := newFeedServer(t)
	defer fs.server.Close()

	creds, err := auth.LoadCredentials("key-1", base64.StdEncoding.EncodeToString([]byte("secret")), "phrase")
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}

	cfg := testFeedConfig(fs.url())
	cfg.Credentials = creds

	sub, err := NewFeed(cfg, nil).Subscribe(context.Background(), []string{"BTC-EUR"}, provider.Handlers{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	req := fs.waitRequests(1)[0]
	if req.Key != "key-1" || req.Passphrase != "phrase" {
		t.Errorf("key/passphrase = %q/%q", req.Key, req.Passphrase)
	}
	if req.Signature == "" || req.Timestamp == "" {
		t.Error("expected signature and timestamp")
	}
}

func TestFeed_SubscribeDialFailure(t *testing.T) {
	cfg := testFeedConfig("ws://127.0.0.1:1")
	cfg.ConnectTimeout = 200 * time.Millisecond

	if _, err := NewFeed(cfg, nil).Subscribe(context.Background(), []string{"BTC-EUR"}, provider.Handlers{}); err == nil {
		t.Error("expected dial error")
	}
}

func TestFeed_ReconnectsWhenHeartbeatsStop(t *testing.T) {
	fs := newFeedServer(t)
	defer fs.server.Close()

	cfg := testFeedConfig(fs.url())
	cfg.Conn.HeartbeatTimeout = 50 * time.Millisecond

	sub, err := NewFeed(cfg, nil).Subscribe(context.Background(), []string{"BTC-EUR"}, provider.Handlers{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	// The server never sends heartbeats, so the session is abandoned
	// and the instruments are subscribed again on a fresh one.
	fs.nextConn()
	fs.nextConn()
	reqs := fs.waitRequests(2)
	if reqs[1].Type != "subscribe" || len(reqs[1].ProductIDs) != 1 || reqs[1].ProductIDs[0] != "BTC-EUR" {
		t.Errorf("resubscribe request = %+v", reqs[1])
	}

	fsub := sub.(*FeedSubscription)
	deadline := time.Now().Add(2 * time.Second)
	for fsub.Stats().Reconnects == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	stats := fsub.Stats()
	if stats.HeartbeatTimeouts == 0 || stats.Reconnects == 0 {
		t.Errorf("Stats = %+v, want heartbeat timeouts and reconnects", stats)
	}
}

func TestFeed_HeartbeatsHoldSession(t *testing.T) {
	fs := newFeedServer(t)
	defer fs.server.Close()

	cfg := testFeedConfig(fs.url())
	cfg.Conn.HeartbeatTimeout = 80 * time.Millisecond

	var beats atomic.Int32
	sub, err := NewFeed(cfg, nil).Subscribe(context.Background(), []string{"BTC-EUR"}, provider.Handlers{
		Heartbeat: func(provider.Heartbeat) { beats.Add(1) },
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	conn := fs.nextConn()
	for i := 0; i < 15; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(heartbeatFrame)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if n := sub.(*FeedSubscription).Stats().Reconnects; n != 0 {
		t.Errorf("Reconnects = %d, want 0 while heartbeats flow", n)
	}
	if beats.Load() == 0 {
		t.Error("heartbeat handler never ran")
	}
}
