package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// YahooSource is the backup price source, reading the regular market price
// from Yahoo Finance's chart endpoint.
type YahooSource struct {
	client  *http.Client
	baseURL string
	// symbolMap translates broker symbols to Yahoo tickers (SPX -> ^SPX).
	symbolMap map[string]string
}

func NewYahooSource() *YahooSource {
	return &YahooSource{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: "https://query1.finance.yahoo.com",
		symbolMap: map[string]string{
			"SPX":  "^SPX",
			"SPXW": "^SPX",
			"SPY":  "SPY",
		},
	}
}

// WithBaseURL points the source at a different host (tests).
func (s *YahooSource) WithBaseURL(base string) *YahooSource {
	s.baseURL = base
	return s
}

func (s *YahooSource) Name() string { return "yahoo" }

type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				RegularMarketPrice float64 `json:"regularMarketPrice"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func (s *YahooSource) Price(ctx context.Context, symbol string) (float64, error) {
	ticker := symbol
	if mapped, ok := s.symbolMap[symbol]; ok {
		ticker = mapped
	}

	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1m&range=1d",
		s.baseURL, url.PathEscape(ticker))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "spx-straddle-bot/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return 0, fmt.Errorf("yahoo chart %s: status %d: %s", ticker, resp.StatusCode, string(body))
	}

	var payload yahooChartResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("yahoo chart decode: %w", err)
	}
	if payload.Chart.Error != nil {
		return 0, fmt.Errorf("yahoo chart %s: %s", ticker, payload.Chart.Error.Description)
	}
	if len(payload.Chart.Result) == 0 {
		return 0, fmt.Errorf("yahoo chart %s: empty result", ticker)
	}

	price := payload.Chart.Result[0].Meta.RegularMarketPrice
	if price <= 0 {
		return 0, fmt.Errorf("yahoo chart %s: non-positive price %.2f", ticker, price)
	}
	return price, nil
}
