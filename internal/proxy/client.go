package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"coinone-rebalancer/internal/core"
	"coinone-rebalancer/internal/exchange/coinone"
)

// Client talks to a remote proxy; one Client is one exchange account.
type Client struct {
	name    string
	baseURL string
	apiKey  string
	http    *http.Client
}

type ClientOptions struct {
	Name    string
	BaseURL string
	APIKey  string
	// HTTPClient overrides the default client; per-call deadlines come from ctx.
	HTTPClient *http.Client
}

func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	name := opts.Name
	if name == "" {
		name = opts.BaseURL
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		http:    httpClient,
	}
}

func (c *Client) Name() string { return c.name }

func (c *Client) Balances(ctx context.Context) (core.Balances, error) {
	body, err := c.do(ctx, http.MethodGet, "/private/balance", nil)
	if err != nil {
		return nil, err
	}
	return core.NormalizeBalances(body)
}

// PlaceOrder returns the exchange order id.
func (c *Client) PlaceOrder(ctx context.Context, order core.OrderRequest) (string, error) {
	if err := order.Validate(); err != nil {
		return "", err
	}
	params := url.Values{}
	for k, v := range order.Params() {
		switch tv := v.(type) {
		case string:
			params.Set(k, tv)
		case bool:
			params.Set(k, strconv.FormatBool(tv))
		default:
			params.Set(k, fmt.Sprint(tv))
		}
	}
	body, err := c.do(ctx, http.MethodPost, "/private/order", params)
	if err != nil {
		return "", err
	}
	return coinone.OrderID(body)
}

func (c *Client) CancelAll(ctx context.Context, pair core.Pair) error {
	params := url.Values{}
	params.Set("quote_currency", pair.Quote)
	params.Set("target_currency", pair.Target)
	_, err := c.do(ctx, http.MethodPost, "/private/cancel_all", params)
	return err
}

func (c *Client) Ticker(ctx context.Context, pair core.Pair) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/public/ticker/"+url.PathEscape(pair.Quote)+"/"+url.PathEscape(pair.Target), nil)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	urlStr := c.baseURL + path
	if encoded := params.Encode(); encoded != "" {
		urlStr += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, method, urlStr, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", core.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", core.ErrTransport, path, err)
	}
	if err := coinone.CheckResponse(resp.StatusCode, body); err != nil {
		return nil, fmt.Errorf("%s %s: %w", c.name, path, err)
	}
	return body, nil
}
