// Package model defines shared data types used across the product stats service.
//
// Conventions:
//   - Prices and volumes: shopspring decimal.Decimal (exact, no float rounding)
//   - Timestamps: time.Time in UTC
//   - IDs: product ids such as "BTC-EUR" are plain strings
package model
