package api

// ProductStats from GET /products/{product_id}/stats.
// Numeric values arrive as decimal strings.
type ProductStats struct {
	Open        string `json:"open"`
	High        string `json:"high"`
	Low         string `json:"low"`
	Last        string `json:"last"`
	Volume      string `json:"volume"`
	Volume30Day string `json:"volume_30day"`
}

// ProductTicker from GET /products/{product_id}/ticker.
type ProductTicker struct {
	TradeID int64  `json:"trade_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Bid     string `json:"bid"`
	Ask     string `json:"ask"`
	Volume  string `json:"volume"`
	Time    string `json:"time"`
}
