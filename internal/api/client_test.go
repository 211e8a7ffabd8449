package api

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rickgao/productstats/internal/auth"
)

// TestNewClient tests client construction with various options.
func TestNewClient(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		c := NewClient("https://api.example.com")

		if c.baseURL != "https://api.example.com" {
			t.Errorf("baseURL = %q, want %q", c.baseURL, "https://api.example.com")
		}
		if c.httpClient.Timeout != 30*time.Second {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 30*time.Second)
		}
		if c.creds != nil {
			t.Error("creds should be nil by default")
		}
		if c.logger == nil {
			t.Error("logger should not be nil")
		}
	})

	t.Run("with timeout option", func(t *testing.T) {
		c := NewClient("https://api.example.com", WithTimeout(5*time.Second))
		if c.httpClient.Timeout != 5*time.Second {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 5*time.Second)
		}
	})

	t.Run("with logger option", func(t *testing.T) {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		c := NewClient("https://api.example.com", WithLogger(logger))
		if c.logger != logger {
			t.Error("logger not set correctly")
		}
	})

	t.Run("nil logger keeps default", func(t *testing.T) {
		c := NewClient("https://api.example.com", WithLogger(nil))
		if c.logger == nil {
			t.Error("logger should not be nil")
		}
	})

	t.Run("with custom HTTP client", func(t *testing.T) {
		customClient := &http.Client{Timeout: 10 * time.Second}
		c := NewClient("https://api.example.com", WithHTTPClient(customClient))
		if c.httpClient != customClient {
			t.Error("custom HTTP client not set")
		}
	})
}

// TestAPIError tests the APIError type.
func TestAPIError(t *testing.T) {
	t.Run("Error method", func(t *testing.T) {
		err := &APIError{StatusCode: 404, Message: "NotFound"}
		expected := "exchange api error 404: NotFound"
		if err.Error() != expected {
			t.Errorf("Error() = %q, want %q", err.Error(), expected)
		}
	})

	t.Run("RateLimited", func(t *testing.T) {
		tests := []struct {
			name string
			err  *APIError
			want bool
		}{
			{"429", &APIError{StatusCode: 429}, true},
			{"message", &APIError{StatusCode: 400, Message: "Rate limit exceeded"}, true},
			{"body", &APIError{StatusCode: 503, Body: []byte(`{"message":"Public rate limit exceeded"}`)}, true},
			{"not found", &APIError{StatusCode: 404, Message: "NotFound"}, false},
			{"server error", &APIError{StatusCode: 500, Message: "Internal Server Error"}, false},
		}

		for _, tt := range tests {
			if got := tt.err.RateLimited(); got != tt.want {
				t.Errorf("%s: RateLimited() = %v, want %v", tt.name, got, tt.want)
			}
		}
	})
}

// TestDoRequest tests the HTTP request functionality.
func TestDoRequest(t *testing.T) {
	t.Run("successful request", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Accept") != "application/json" {
				t.Errorf("Accept header = %q, want %q", r.Header.Get("Accept"), "application/json")
			}
			if r.Header.Get(auth.HeaderKey) != "" {
				t.Errorf("%s should be empty without credentials", auth.HeaderKey)
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status": "ok"}`))
		}))
		defer server.Close()

		c := NewClient(server.URL)
		body, err := c.doRequest(context.Background(), http.MethodGet, "/test")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(body) != `{"status": "ok"}` {
			t.Errorf("body = %q, want %q", string(body), `{"status": "ok"}`)
		}
	})

	t.Run("signed request", func(t *testing.T) {
		secret := base64.StdEncoding.EncodeToString([]byte("secret"))
		creds, err := auth.LoadCredentials("key-1", secret, "phrase")
		if err != nil {
			t.Fatalf("LoadCredentials failed: %v", err)
		}

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(auth.HeaderKey) != "key-1" {
				t.Errorf("%s = %q, want %q", auth.HeaderKey, r.Header.Get(auth.HeaderKey), "key-1")
			}
			if r.Header.Get(auth.HeaderSign) == "" {
				t.Errorf("%s is empty", auth.HeaderSign)
			}
			if r.Header.Get(auth.HeaderPassphrase) != "phrase" {
				t.Errorf("%s = %q, want %q", auth.HeaderPassphrase, r.Header.Get(auth.HeaderPassphrase), "phrase")
			}
			w.Write([]byte(`{}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, WithCredentials(creds))
		if _, err := c.doRequest(context.Background(), http.MethodGet, "/test"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("4xx error returns APIError with exchange message", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message":"NotFound"}`))
		}))
		defer server.Close()

		c := NewClient(server.URL)
		_, err := c.doRequest(context.Background(), http.MethodGet, "/test")

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected *APIError, got %T", err)
		}
		if apiErr.StatusCode != http.StatusNotFound {
			t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, http.StatusNotFound)
		}
		if apiErr.Message != "NotFound" {
			t.Errorf("Message = %q, want %q", apiErr.Message, "NotFound")
		}
	})

	t.Run("non-JSON error body falls back to status text", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("upstream down"))
		}))
		defer server.Close()

		c := NewClient(server.URL)
		_, err := c.doRequest(context.Background(), http.MethodGet, "/test")

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected *APIError, got %T", err)
		}
		if apiErr.Message != http.StatusText(http.StatusBadGateway) {
			t.Errorf("Message = %q, want %q", apiErr.Message, http.StatusText(http.StatusBadGateway))
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(100 * time.Millisecond)
			w.Write([]byte(`{}`))
		}))
		defer server.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		c := NewClient(server.URL)
		if _, err := c.doRequest(ctx, http.MethodGet, "/test"); err == nil {
			t.Error("expected error for cancelled context")
		}
	})
}

func TestGetProductStats(t *testing.T) {
	t.Run("successful response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/products/BTC-EUR/stats" {
				t.Errorf("path = %q, want %q", r.URL.Path, "/products/BTC-EUR/stats")
			}
			w.Write([]byte(`{"open":"100","high":"110","low":"95","last":"105","volume":"10","volume_30day":"300.5"}`))
		}))
		defer server.Close()

		c := NewClient(server.URL)
		stats, err := c.GetProductStats(context.Background(), "BTC-EUR")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if stats.Open != "100" || stats.High != "110" || stats.Low != "95" || stats.Last != "105" {
			t.Errorf("stats = %+v", stats)
		}
		if stats.Volume30Day != "300.5" {
			t.Errorf("Volume30Day = %q, want %q", stats.Volume30Day, "300.5")
		}
	})

	t.Run("rate limited", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message":"Public rate limit exceeded"}`))
		}))
		defer server.Close()

		c := NewClient(server.URL)
		_, err := c.GetProductStats(context.Background(), "BTC-EUR")
		if err == nil {
			t.Fatal("expected error")
		}
		if !strings.Contains(err.Error(), "get stats BTC-EUR") {
			t.Errorf("error = %q, want product context", err.Error())
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.RateLimited() {
			t.Errorf("expected rate-limited APIError, got %v", err)
		}
	})

	t.Run("malformed JSON", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{not json`))
		}))
		defer server.Close()

		c := NewClient(server.URL)
		if _, err := c.GetProductStats(context.Background(), "BTC-EUR"); err == nil {
			t.Error("expected unmarshal error")
		}
	})
}

func TestGetProductTicker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/products/ETH-USD/ticker" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/products/ETH-USD/ticker")
		}
		w.Write([]byte(`{"trade_id":42,"price":"2000.5","size":"0.1","bid":"2000.1","ask":"2000.9","volume":"123","time":"2024-03-01T12:00:00.123456Z"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL)
	ticker, err := c.GetProductTicker(context.Background(), "ETH-USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ticker.TradeID != 42 {
		t.Errorf("TradeID = %d, want %d", ticker.TradeID, 42)
	}
	if ticker.Bid != "2000.1" || ticker.Ask != "2000.9" {
		t.Errorf("bid/ask = %q/%q, want 2000.1/2000.9", ticker.Bid, ticker.Ask)
	}
}
