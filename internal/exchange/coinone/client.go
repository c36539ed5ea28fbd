package coinone

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"coinone-rebalancer/internal/config"
	"coinone-rebalancer/internal/core"
	"coinone-rebalancer/internal/exchange"
)

const (
	DefaultPublicBaseURL  = "https://api.coinone.co.kr/public/v2"
	DefaultPrivateBaseURL = "https://api.coinone.co.kr"
)

type Client struct {
	signer         *Signer
	publicBaseURL  string
	privateBaseURL string
	publicHTTP     *http.Client
	privateHTTP    *http.Client
}

type Options struct {
	Credential     Credential
	PublicBaseURL  string
	PrivateBaseURL string
	PublicTimeout  time.Duration
	PrivateTimeout time.Duration
	// Nonce replaces uuid generation; tests only.
	Nonce func() string
}

var (
	_ exchange.MarketData = (*Client)(nil)
	_ exchange.Trading    = (*Client)(nil)
)

func NewClient(cfg config.ExchangeConfig) *Client {
	return NewClientWithOptions(Options{
		Credential:     Credential{AccessToken: cfg.AccessToken, SecretKey: cfg.SecretKey},
		PublicBaseURL:  cfg.PublicBaseURL,
		PrivateBaseURL: cfg.PrivateBaseURL,
		PublicTimeout:  time.Duration(cfg.PublicTimeoutSec) * time.Second,
		PrivateTimeout: time.Duration(cfg.PrivateTimeoutSec) * time.Second,
	})
}

func NewClientWithOptions(opts Options) *Client {
	publicTimeout := opts.PublicTimeout
	if publicTimeout <= 0 {
		publicTimeout = 10 * time.Second
	}
	privateTimeout := opts.PrivateTimeout
	if privateTimeout <= 0 {
		privateTimeout = 10 * time.Second
	}
	publicBase := strings.TrimRight(opts.PublicBaseURL, "/")
	if publicBase == "" {
		publicBase = DefaultPublicBaseURL
	}
	privateBase := strings.TrimRight(opts.PrivateBaseURL, "/")
	if privateBase == "" {
		privateBase = DefaultPrivateBaseURL
	}
	signer := NewSigner(opts.Credential)
	if opts.Nonce != nil {
		signer.nonce = opts.Nonce
	}
	return &Client{
		signer:         signer,
		publicBaseURL:  publicBase,
		privateBaseURL: privateBase,
		publicHTTP:     &http.Client{Timeout: publicTimeout},
		privateHTTP:    &http.Client{Timeout: privateTimeout},
	}
}

func (c *Client) Name() string { return "coinone" }

func (c *Client) Markets(ctx context.Context, quote string) (exchange.Response, error) {
	return c.get(ctx, "/markets/"+seg(quote), nil)
}

func (c *Client) Market(ctx context.Context, pair core.Pair) (exchange.Response, error) {
	return c.get(ctx, "/markets/"+pairPath(pair), nil)
}

func (c *Client) RangeUnits(ctx context.Context, pair core.Pair) (exchange.Response, error) {
	return c.get(ctx, "/range_units/"+pairPath(pair), nil)
}

func (c *Client) OrderBookRaw(ctx context.Context, pair core.Pair, q OrderBookQuery) (exchange.Response, error) {
	params := url.Values{}
	if q.Size > 0 {
		params.Set("size", strconv.Itoa(q.Size))
	}
	if q.Unit.Sign() > 0 {
		params.Set("order_book_unit", q.Unit.String())
	}
	return c.get(ctx, "/orderbook/"+pairPath(pair), params)
}

func (c *Client) OrderBook(ctx context.Context, pair core.Pair, q OrderBookQuery) (core.OrderBook, error) {
	resp, err := c.OrderBookRaw(ctx, pair, q)
	if err != nil {
		return core.OrderBook{}, err
	}
	return ParseOrderBook(pair, resp.Body)
}

func (c *Client) Trades(ctx context.Context, pair core.Pair, size int) (exchange.Response, error) {
	params := url.Values{}
	if size > 0 {
		params.Set("size", strconv.Itoa(size))
	}
	return c.get(ctx, "/trades/"+pairPath(pair), params)
}

func (c *Client) Tickers(ctx context.Context, quote string, additional bool) (exchange.Response, error) {
	return c.get(ctx, "/ticker_new/"+seg(quote), additionalData(additional))
}

func (c *Client) Ticker(ctx context.Context, pair core.Pair, additional bool) (exchange.Response, error) {
	return c.get(ctx, "/ticker_new/"+pairPath(pair), additionalData(additional))
}

func (c *Client) Chart(ctx context.Context, pair core.Pair, q ChartQuery) (exchange.Response, error) {
	if !ValidChartInterval(q.Interval) {
		return exchange.Response{}, fmt.Errorf("%w: unsupported chart interval %q", core.ErrInvalidParameter, q.Interval)
	}
	params := url.Values{}
	params.Set("interval", q.Interval)
	if q.Timestamp > 0 {
		params.Set("timestamp", strconv.FormatInt(q.Timestamp, 10))
	}
	if q.Size > 0 {
		params.Set("size", strconv.Itoa(q.Size))
	}
	return c.get(ctx, "/chart/"+pairPath(pair), params)
}

func (c *Client) PlaceOrder(ctx context.Context, order core.OrderRequest) (exchange.Response, error) {
	if err := order.Validate(); err != nil {
		return exchange.Response{}, err
	}
	return c.post(ctx, "/v2.1/order", order.Params())
}

func (c *Client) Balances(ctx context.Context) (exchange.Response, error) {
	return c.post(ctx, "/v2.1/account/balance/all", map[string]any{})
}

func (c *Client) CancelAll(ctx context.Context, pair core.Pair) (exchange.Response, error) {
	if !pair.Valid() {
		return exchange.Response{}, fmt.Errorf("%w: quote_currency and target_currency are required", core.ErrInvalidParameter)
	}
	return c.post(ctx, "/v2.1/order/cancel/all", map[string]any{
		"quote_currency":  pair.Quote,
		"target_currency": pair.Target,
	})
}

func (c *Client) get(ctx context.Context, path string, params url.Values) (exchange.Response, error) {
	urlStr := c.publicBaseURL + path
	if encoded := params.Encode(); encoded != "" {
		urlStr += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return exchange.Response{}, err
	}
	req.Header.Set("Accept", "application/json")
	return c.do(c.publicHTTP, req)
}

func (c *Client) post(ctx context.Context, path string, params map[string]any) (exchange.Response, error) {
	signed, err := c.signer.Sign(params)
	if err != nil {
		return exchange.Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.privateBaseURL+path, strings.NewReader(signed.Payload))
	if err != nil {
		return exchange.Response{}, err
	}
	signed.Apply(req.Header)
	return c.do(c.privateHTTP, req)
}

func (c *Client) do(httpClient *http.Client, req *http.Request) (exchange.Response, error) {
	resp, err := httpClient.Do(req)
	if err != nil {
		return exchange.Response{}, fmt.Errorf("%w: %s %s: %w", core.ErrTransport, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return exchange.Response{}, fmt.Errorf("%w: read %s: %w", core.ErrTransport, req.URL.Path, err)
	}
	if err := CheckResponse(resp.StatusCode, body); err != nil {
		return exchange.Response{}, err
	}
	return exchange.Response{Status: resp.StatusCode, Body: body, Header: resp.Header}, nil
}

func additionalData(on bool) url.Values {
	if !on {
		return nil
	}
	return url.Values{"additional_data": []string{"true"}}
}

func pairPath(pair core.Pair) string {
	return seg(pair.Quote) + "/" + seg(pair.Target)
}

func seg(v string) string {
	return url.PathEscape(strings.ToUpper(strings.TrimSpace(v)))
}
