package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultStockEndpoint = "https://www.alphavantage.co/query"

// StockPrice fetches the latest quote for a ticker symbol from Alpha Vantage.
type StockPrice struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewStockPrice creates the stock_price tool.
func NewStockPrice(endpoint, apiKey string, client *http.Client) *StockPrice {
	if endpoint == "" {
		endpoint = defaultStockEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &StockPrice{endpoint: endpoint, apiKey: apiKey, client: client}
}

func (s *StockPrice) Name() string { return "stock_price" }

func (s *StockPrice) Description() string {
	return "Fetch the latest stock price for a ticker symbol such as AAPL or TSLA."
}

func (s *StockPrice) Parameters() map[string]any {
	return map[string]any{
		"symbol": map[string]any{
			"type":        "string",
			"description": "Stock ticker symbol",
		},
	}
}

func (s *StockPrice) Required() []string { return []string{"symbol"} }

func (s *StockPrice) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	symbol, _ := args["symbol"].(string)
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol cannot be empty")
	}
	if s.apiKey == "" {
		return nil, fmt.Errorf("stock quotes are not configured (STOCK_API_KEY is empty)")
	}

	params := url.Values{}
	params.Set("function", "GLOBAL_QUOTE")
	params.Set("symbol", symbol)
	params.Set("apikey", s.apiKey)

	var body map[string]any
	if err := getJSON(ctx, s.client, s.endpoint, params, &body); err != nil {
		return nil, fmt.Errorf("quote %s: %w", symbol, err)
	}

	// The provider answers 200 with a message body when throttled or on bad input.
	for _, key := range []string{"Error Message", "Note", "Information"} {
		if msg, ok := body[key].(string); ok && msg != "" {
			return nil, fmt.Errorf("quote %s: %s", symbol, msg)
		}
	}
	quote, ok := body["Global Quote"].(map[string]any)
	if !ok || len(quote) == 0 {
		return nil, fmt.Errorf("no quote found for %s", symbol)
	}

	return map[string]any{
		"symbol": symbol,
		"quote":  quote,
	}, nil
}
