// Package api provides a REST client for a Coinbase-Exchange-style market data API.
//
// REST endpoints:
//   - Production: https://api.exchange.coinbase.com
//   - Sandbox: https://api-public.sandbox.exchange.coinbase.com
//
// Endpoints used:
//   - GET /products/{product_id}/stats   24h open/high/low/last/volume
//   - GET /products/{product_id}/ticker  best bid/ask and last trade
//
// The client never retries; callers wrap it (see internal/provider) when
// rate limits should be absorbed.
package api
