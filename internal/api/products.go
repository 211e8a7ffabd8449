package api

import (
	"context"
	"fmt"
	"net/url"
)

// GetProductStats fetches 24h statistics for a product.
func (c *Client) GetProductStats(ctx context.Context, productID string) (*ProductStats, error) {
	var resp ProductStats
	if err := c.get(ctx, "/products/"+url.PathEscape(productID)+"/stats", &resp); err != nil {
		return nil, fmt.Errorf("get stats %s: %w", productID, err)
	}
	return &resp, nil
}

// GetProductTicker fetches the current best bid/ask for a product.
func (c *Client) GetProductTicker(ctx context.Context, productID string) (*ProductTicker, error) {
	var resp ProductTicker
	if err := c.get(ctx, "/products/"+url.PathEscape(productID)+"/ticker", &resp); err != nil {
		return nil, fmt.Errorf("get ticker %s: %w", productID, err)
	}
	return &resp, nil
}
