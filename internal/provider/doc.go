// Package provider defines the contracts between the caches and the external
// market data provider, plus a rate-limit retry wrapper and a REST adapter.
//
// Request/response data comes through a Fetcher; live quotes come through a
// Stream whose Subscription delivers events one at a time on a single
// goroutine.
package provider
