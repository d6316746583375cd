package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rickgao/marketpulse/internal/model"
)

var (
	// ErrNoRoute is returned when a market has no lookup route.
	ErrNoRoute = errors.New("market has no route")

	// ErrNoPrice is returned when a price response carries no price.
	ErrNoPrice = errors.New("price missing from response")
)

// GetMarkets fetches the full market list.
func (c *Client) GetMarkets(ctx context.Context) (*MarketsResponse, error) {
	var resp MarketsResponse
	if err := c.get(ctx, c.marketsURL, &resp); err != nil {
		return nil, fmt.Errorf("get markets: %w", err)
	}
	return &resp, nil
}

// GetPrice fetches the current price for a market from its route.
func (c *Client) GetPrice(ctx context.Context, market model.Market) (*PriceResponse, error) {
	if market.Route == "" {
		return nil, fmt.Errorf("get price %s: %w", market.Pair, ErrNoRoute)
	}

	url := strings.TrimRight(market.Route, "/") + "/price"

	var resp PriceResponse
	if err := c.get(ctx, url, &resp); err != nil {
		return nil, fmt.Errorf("get price %s: %w", market.Pair, err)
	}
	if resp.Result.Price == nil {
		return nil, fmt.Errorf("get price %s: %w", market.Pair, ErrNoPrice)
	}
	return &resp, nil
}
