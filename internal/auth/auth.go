// Package auth provides Coinbase-style API authentication using HMAC-SHA256 signatures.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Header names sent with every signed request.
const (
	HeaderKey        = "CB-ACCESS-KEY"
	HeaderSign       = "CB-ACCESS-SIGN"
	HeaderTimestamp  = "CB-ACCESS-TIMESTAMP"
	HeaderPassphrase = "CB-ACCESS-PASSPHRASE"
)

// WebSocketVerifyPath is the pseudo-path signed for authenticated feed subscriptions.
const WebSocketVerifyPath = "/users/self/verify"

// Credentials holds the API key, decoded secret and passphrase for signing requests.
type Credentials struct {
	Key        string // API key from the exchange dashboard
	Passphrase string // Passphrase chosen when the key was created
	secret     []byte // Decoded HMAC secret
}

// LoadCredentials validates and decodes the raw credential strings.
func LoadCredentials(key, secret, passphrase string) (*Credentials, error) {
	if key == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if secret == "" {
		return nil, fmt.Errorf("API secret is required")
	}

	decoded, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("decode API secret: %w", err)
	}

	return &Credentials{
		Key:        key,
		Passphrase: passphrase,
		secret:     decoded,
	}, nil
}

// SignRequest generates authentication headers for a REST request.
// path must include the query string when one is sent.
func (c *Credentials) SignRequest(method, path, body string) (headers map[string]string, err error) {
	return c.signAt(time.Now().Unix(), method, path, body)
}

// SignWebSocket returns the headers a feed subscribe message carries when authenticated.
func (c *Credentials) SignWebSocket() (headers map[string]string, err error) {
	return c.SignRequest("GET", WebSocketVerifyPath, "")
}

func (c *Credentials) signAt(ts int64, method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(ts, 10)

	signature, err := c.generateSignature(timestamp, method, path, body)
	if err != nil {
		return nil, err
	}

	return map[string]string{
		HeaderKey:        c.Key,
		HeaderSign:       signature,
		HeaderTimestamp:  timestamp,
		HeaderPassphrase: c.Passphrase,
	}, nil
}

// generateSignature signs timestamp + method + path + body.
func (c *Credentials) generateSignature(timestamp, method, path, body string) (string, error) {
	if len(c.secret) == 0 {
		return "", fmt.Errorf("credentials have no secret")
	}

	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(timestamp + method + path + body))

	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
