package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// CoinbaseBaseURL is the public Coinbase Exchange REST root.
const CoinbaseBaseURL = "https://api.exchange.coinbase.com"

type coinbasePayload struct {
	TradeID int64  `json:"trade_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Time    string `json:"time"`
	Side    string `json:"side"`
}

// CoinbaseConnector fetches trades from the Coinbase public REST API,
// translating HTTP status codes into the ErrRateLimited/ErrPermanent
// distinction Client's retry policy depends on.
type CoinbaseConnector struct {
	httpClient *http.Client
	baseURL    string
}

// NewCoinbaseConnector returns a CoinbaseConnector with a 10s
// per-request timeout.
func NewCoinbaseConnector() *CoinbaseConnector {
	return &CoinbaseConnector{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    CoinbaseBaseURL,
	}
}

func (c *CoinbaseConnector) Name() string { return "coinbase" }

// FetchTradesWithCursor calls GET /products/{product_id}/trades?after=...,
// the Coinbase API returning trades in descending trade_id order along
// with a CB-AFTER response header naming the next-page boundary.
func (c *CoinbaseConnector) FetchTradesWithCursor(ctx context.Context, productID string, limit int, after *int64) ([]Trade, *int64, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if after != nil {
		q.Set("after", strconv.FormatInt(*after, 10))
	}

	endpoint := fmt.Sprintf("%s/products/%s/trades?%s", c.baseURL, url.PathEscape(productID), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("exchange: build request: %w", err)
	}
	req.Header.Set("User-Agent", "tradefeed/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("exchange: request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, nil, err
	}

	var payloads []coinbasePayload
	if err := json.NewDecoder(resp.Body).Decode(&payloads); err != nil {
		return nil, nil, fmt.Errorf("exchange: decode response: %w", err)
	}

	trades := make([]Trade, 0, len(payloads))
	for _, p := range payloads {
		trades = append(trades, Trade{
			TradeID: p.TradeID,
			Price:   p.Price,
			Size:    p.Size,
			Time:    p.Time,
			Side:    p.Side,
		})
	}
	return trades, nextCursorFromHeader(resp), nil
}

// nextCursorFromHeader extracts the CB-AFTER pagination header. Coinbase
// omits it on the final page; a missing or malformed header is nil (the
// caller falls back to estimating from trade ids).
func nextCursorFromHeader(resp *http.Response) *int64 {
	raw := resp.Header.Get("CB-AFTER")
	if raw == "" {
		return nil
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &cursor
}

type coinbaseProduct struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	TradingDisabled bool   `json:"trading_disabled"`
}

// ListProducts calls GET /products and returns the IDs of every product
// not disabled or delisted, the universe update-seed merges into the
// seed file.
func (c *CoinbaseConnector) ListProducts(ctx context.Context) ([]string, error) {
	endpoint := fmt.Sprintf("%s/products", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("exchange: build request: %w", err)
	}
	req.Header.Set("User-Agent", "tradefeed/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchange: request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var products []coinbaseProduct
	if err := json.NewDecoder(resp.Body).Decode(&products); err != nil {
		return nil, fmt.Errorf("exchange: decode response: %w", err)
	}

	ids := make([]string, 0, len(products))
	for _, p := range products {
		if p.TradingDisabled || p.Status == "delisted" {
			continue
		}
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// LatestTradeID issues a limit=1 fetch to find the most recent trade_id.
func (c *CoinbaseConnector) LatestTradeID(ctx context.Context, productID string) (int64, error) {
	trades, _, err := c.FetchTradesWithCursor(ctx, productID, 1, nil)
	if err != nil {
		return 0, err
	}
	if len(trades) == 0 {
		return 0, fmt.Errorf("exchange: no trades returned for %s", productID)
	}
	return trades[0].TradeID, nil
}

func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ErrRateLimited{}
	case resp.StatusCode >= 500:
		return fmt.Errorf("exchange: upstream 5xx: %d", resp.StatusCode)
	default:
		return &ErrPermanent{StatusCode: resp.StatusCode}
	}
}
