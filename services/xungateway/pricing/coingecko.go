package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xun-project/UltraNote-WP-PaymentGateway/services/xungateway/amount"
)

const (
	// DefaultEndpoint is the public CoinGecko simple price API.
	DefaultEndpoint = "https://api.coingecko.com/api/v3/simple/price"
	// DefaultAssetID identifies the coin on CoinGecko.
	DefaultAssetID = "ultra-note"
)

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// CoinGecko quotes the coin price in fiat currencies.
type CoinGecko struct {
	client   HTTPDoer
	endpoint string
	assetID  string
}

// NewCoinGecko constructs an adapter. Empty endpoint and asset fall back to
// the public API and the ultra-note listing.
func NewCoinGecko(client HTTPDoer, endpoint, assetID string) *CoinGecko {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = DefaultEndpoint
	}
	id := strings.TrimSpace(assetID)
	if id == "" {
		id = DefaultAssetID
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &CoinGecko{client: client, endpoint: ep, assetID: id}
}

// Rate returns the price of one coin in currency. Every failure is reported
// as amount.ErrRateUnavailable.
func (c *CoinGecko) Rate(ctx context.Context, currency string) (decimal.Decimal, error) {
	if c == nil {
		return decimal.Decimal{}, fmt.Errorf("%w: coingecko not configured", amount.ErrRateUnavailable)
	}
	vs := strings.ToLower(strings.TrimSpace(currency))
	if vs == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: currency required", amount.ErrRateUnavailable)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", amount.ErrRateUnavailable, err)
	}
	values := url.Values{}
	values.Set("ids", c.assetID)
	values.Set("vs_currencies", vs)
	req.URL.RawQuery = values.Encode()
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", amount.ErrRateUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Decimal{}, fmt.Errorf("%w: coingecko status %d: %s", amount.ErrRateUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]interface{}
	if err := decoder.Decode(&payload); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: coingecko decode: %v", amount.ErrRateUnavailable, err)
	}
	entry, ok := payload[c.assetID]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: no quote for %s", amount.ErrRateUnavailable, c.assetID)
	}
	raw, ok := entry[vs]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: no %s price for %s", amount.ErrRateUnavailable, vs, c.assetID)
	}
	var priceStr string
	switch v := raw.(type) {
	case json.Number:
		priceStr = v.String()
	case string:
		priceStr = v
	default:
		return decimal.Decimal{}, fmt.Errorf("%w: unexpected price %v", amount.ErrRateUnavailable, v)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(priceStr))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: invalid price %q", amount.ErrRateUnavailable, priceStr)
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: non-positive price %s", amount.ErrRateUnavailable, price)
	}
	return price, nil
}
