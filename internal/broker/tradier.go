package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kdvalentine/spx-straddle-bot/internal/models"
)

// APIError represents an API error with status code and response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// TradierClient implements Gateway against the Tradier brokerage API.
type TradierClient struct {
	client    *http.Client
	apiKey    string
	baseURL   string
	accountID string
	sandbox   bool
}

// NewTradierClient creates a Tradier gateway client. An empty baseURL selects
// the production or sandbox endpoint based on the sandbox flag.
func NewTradierClient(apiKey, accountID, baseURL string, sandbox bool) *TradierClient {
	if baseURL == "" {
		if sandbox {
			baseURL = "https://sandbox.tradier.com/v1"
		} else {
			baseURL = "https://api.tradier.com/v1"
		}
	}
	return &TradierClient{
		client:    &http.Client{Timeout: 10 * time.Second},
		apiKey:    apiKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		accountID: accountID,
		sandbox:   sandbox,
	}
}

// WithHTTPClient overrides the HTTP client (tests, custom transport).
func (t *TradierClient) WithHTTPClient(c *http.Client) *TradierClient {
	if c != nil {
		t.client = c
	}
	return t
}

// Ensure TradierClient implements Gateway at compile time.
var _ Gateway = (*TradierClient)(nil)

// ============ Wire structures ============

// singleOrArray handles Tradier's habit of returning a bare object where a
// one-element array is expected.
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte(`"null"`)) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

type quoteItem struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
	Volume int64   `json:"volume"`
}

type quotesResponse struct {
	Quotes struct {
		Quote singleOrArray[quoteItem] `json:"quote"`
	} `json:"quotes"`
}

type balancesResponse struct {
	Balances struct {
		TotalEquity float64 `json:"total_equity"`
		AccountType string  `json:"account_type"`
		TotalCash   float64 `json:"total_cash"`

		Margin *struct {
			OptionBuyingPower float64 `json:"option_buying_power"`
		} `json:"margin"`
		Cash *struct {
			CashAvailable float64 `json:"cash_available"`
		} `json:"cash"`
		PDT *struct {
			OptionBuyingPower float64 `json:"option_buying_power"`
		} `json:"pdt"`
	} `json:"balances"`
}

func (b *balancesResponse) optionBuyingPower() (float64, error) {
	switch b.Balances.AccountType {
	case "margin":
		if b.Balances.Margin != nil {
			return b.Balances.Margin.OptionBuyingPower, nil
		}
	case "pdt":
		if b.Balances.PDT != nil {
			return b.Balances.PDT.OptionBuyingPower, nil
		}
	case "cash":
		if b.Balances.Cash != nil {
			return b.Balances.Cash.CashAvailable, nil
		}
	}
	return 0, fmt.Errorf("buying power unavailable for account type %q", b.Balances.AccountType)
}

type orderResponse struct {
	Order struct {
		ID                int     `json:"id"`
		Status            string  `json:"status"`
		Quantity          float64 `json:"quantity"`
		ExecQuantity      float64 `json:"exec_quantity"`
		RemainingQuantity float64 `json:"remaining_quantity"`
		AvgFillPrice      float64 `json:"avg_fill_price"`
	} `json:"order"`
}

type positionsResponse struct {
	Positions struct {
		Position singleOrArray[struct {
			Symbol    string  `json:"symbol"`
			Quantity  float64 `json:"quantity"`
			CostBasis float64 `json:"cost_basis"`
		}] `json:"position"`
	} `json:"positions"`
}

type marketClockResponse struct {
	Clock struct {
		State       string `json:"state"`
		Description string `json:"description"`
	} `json:"clock"`
}

// ============ Gateway implementation ============

// GetUnderlyingPrice returns the last traded price for the underlying symbol.
func (t *TradierClient) GetUnderlyingPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbols", symbol)
	params.Set("greeks", "false")
	endpoint := t.baseURL + "/markets/quotes?" + params.Encode()

	var response quotesResponse
	if err := t.makeRequest(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return 0, err
	}
	if len(response.Quotes.Quote) == 0 {
		return 0, fmt.Errorf("no quote found for symbol %s", symbol)
	}
	return response.Quotes.Quote[0].Last, nil
}

// GetQuotes batch-fetches quotes for the given symbols. Symbols the broker
// did not return are absent from the result map.
func (t *TradierClient) GetQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	if len(symbols) == 0 {
		return map[string]models.Quote{}, nil
	}
	params := url.Values{}
	params.Set("symbols", strings.Join(symbols, ","))
	params.Set("greeks", "false")
	endpoint := t.baseURL + "/markets/quotes?" + params.Encode()

	var response quotesResponse
	if err := t.makeRequest(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make(map[string]models.Quote, len(response.Quotes.Quote))
	for _, q := range response.Quotes.Quote {
		out[q.Symbol] = models.Quote{
			Symbol:    q.Symbol,
			Bid:       q.Bid,
			Ask:       q.Ask,
			Volume:    q.Volume,
			Timestamp: now,
		}
	}
	return out, nil
}

// IsMarketOpen reports whether the market clock state is "open".
func (t *TradierClient) IsMarketOpen(ctx context.Context) (bool, error) {
	endpoint := t.baseURL + "/markets/clock"
	var response marketClockResponse
	if err := t.makeRequest(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return false, err
	}
	return response.Clock.State == "open", nil
}

// AccountSnapshot returns current equity and option buying power.
func (t *TradierClient) AccountSnapshot(ctx context.Context) (*Account, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/balances", t.baseURL, t.accountID)
	var response balancesResponse
	if err := t.makeRequest(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	bp, err := response.optionBuyingPower()
	if err != nil {
		return nil, err
	}
	return &Account{
		Equity:      response.Balances.TotalEquity,
		BuyingPower: bp,
	}, nil
}

// GetPositions retrieves current open positions from the account.
func (t *TradierClient) GetPositions(ctx context.Context) ([]PositionItem, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/positions", t.baseURL, t.accountID)
	var response positionsResponse
	if err := t.makeRequest(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	out := make([]PositionItem, 0, len(response.Positions.Position))
	for _, p := range response.Positions.Position {
		out = append(out, PositionItem{Symbol: p.Symbol, Quantity: p.Quantity, CostBasis: p.CostBasis})
	}
	return out, nil
}

// PlaceOrder places a single-leg limit option order and returns the broker's
// order ID.
func (t *TradierClient) PlaceOrder(ctx context.Context, optionSymbol string, side OrderSide,
	contracts int, limitPrice float64, tag string) (string, error) {
	if contracts <= 0 {
		return "", fmt.Errorf("invalid quantity %d: must be positive", contracts)
	}
	if limitPrice <= 0 {
		return "", fmt.Errorf("invalid limit price %.2f: must be positive", limitPrice)
	}

	underlying := extractUnderlyingFromOSI(optionSymbol)
	if underlying == "" {
		return "", fmt.Errorf("failed to extract underlying from option symbol %s", optionSymbol)
	}

	params := url.Values{}
	params.Add("class", "option")
	params.Add("symbol", underlying)
	params.Add("option_symbol", optionSymbol)
	params.Add("side", string(side))
	params.Add("quantity", fmt.Sprintf("%d", contracts))
	params.Add("type", "limit")
	params.Add("duration", "day")
	params.Add("price", fmt.Sprintf("%.2f", limitPrice))
	if tag != "" {
		params.Add("tag", tag)
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)
	var response orderResponse
	if err := t.makeRequest(ctx, http.MethodPost, endpoint, params, &response); err != nil {
		return "", err
	}
	if response.Order.ID == 0 {
		return "", fmt.Errorf("broker returned no order id for %s", optionSymbol)
	}
	return fmt.Sprintf("%d", response.Order.ID), nil
}

// OrderStatus retrieves the current state of an order.
func (t *TradierClient) OrderStatus(ctx context.Context, orderID string) (*OrderState, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%s", t.baseURL, t.accountID, orderID)
	var response orderResponse
	if err := t.makeRequest(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	if response.Order.ID == 0 {
		return nil, fmt.Errorf("order payload missing for %s", orderID)
	}
	return &OrderState{
		ID:              orderID,
		Status:          strings.ToLower(response.Order.Status),
		FilledContracts: int(response.Order.ExecQuantity),
		AvgFillPrice:    response.Order.AvgFillPrice,
	}, nil
}

// CancelOrder requests cancellation of an order.
func (t *TradierClient) CancelOrder(ctx context.Context, orderID string) error {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%s", t.baseURL, t.accountID, orderID)
	var response orderResponse
	return t.makeRequest(ctx, http.MethodDelete, endpoint, nil, &response)
}

// extractUnderlyingFromOSI strips the expiry/type/strike suffix from an OPRA
// symbol, leaving the root (e.g. SPXW250829C05900000 -> SPXW).
func extractUnderlyingFromOSI(optionSymbol string) string {
	for i := 0; i < len(optionSymbol); i++ {
		if optionSymbol[i] >= '0' && optionSymbol[i] <= '9' {
			return optionSymbol[:i]
		}
	}
	return ""
}

func (t *TradierClient) makeRequest(ctx context.Context, method, endpoint string,
	params url.Values, response interface{}) error {
	var req *http.Request
	var err error

	if method == http.MethodPost && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "spx-straddle-bot/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
	case http.StatusNoContent:
		return nil
	default:
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // cap error payloads
		if readErr != nil {
			return &APIError{Status: resp.StatusCode,
				Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		return &APIError{Status: resp.StatusCode,
			Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(body))}
	}

	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}
