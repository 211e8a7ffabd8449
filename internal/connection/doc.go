// Package connection implements the push-stream side of the exchange API.
//
// Client wraps a single gorilla/websocket connection with ping/pong
// keepalive and stale detection. Feed builds on Client to provide
// provider.Stream subscriptions on the heartbeat and ticker channels:
//   - one delivery goroutine per subscription invokes handlers one event at a time
//   - lost connections are redialled with exponential backoff and resubscribed
//   - instrument sets can be changed in place with Resubscribe
package connection
