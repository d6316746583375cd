package provider

import "github.com/rickgao/marketpulse/internal/model"

// MarketsResponse from the markets-list endpoint.
type MarketsResponse struct {
	Result    []model.Market  `json:"result"`
	Allowance model.Allowance `json:"allowance"`
}

// PriceResponse from <route>/price.
type PriceResponse struct {
	Result    PriceResult     `json:"result"`
	Allowance model.Allowance `json:"allowance"`
}

// PriceResult is the body of a price lookup. Price is nil when the provider
// omitted it or sent null.
type PriceResult struct {
	Price *float64 `json:"price"`
}
