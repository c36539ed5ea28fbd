package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"coinone-rebalancer/internal/core"
	"coinone-rebalancer/internal/exchange"
	"coinone-rebalancer/internal/exchange/coinone"
	"coinone-rebalancer/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeExchange struct {
	mu        sync.Mutex
	tickerErr error
	orderErr  error
	orders    []core.OrderRequest
	cancels   []core.Pair
	tickers   int
}

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) Markets(ctx context.Context, quote string) (exchange.Response, error) {
	h := http.Header{}
	h.Set(exchange.HeaderRateLimitRemaining, "42")
	return exchange.Response{Status: 200, Body: []byte(`{"result":"success","quote":"` + quote + `"}`), Header: h}, nil
}

func (f *fakeExchange) Ticker(ctx context.Context, pair core.Pair, additional bool) (exchange.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickers++
	if f.tickerErr != nil {
		return exchange.Response{}, f.tickerErr
	}
	return exchange.Response{Status: 200, Body: []byte(`{"result":"success","pair":"` + pair.String() + `"}`)}, nil
}

func (f *fakeExchange) Balances(ctx context.Context) (exchange.Response, error) {
	return exchange.Response{Status: 200, Body: []byte(`{"result":"success","balances":[{"currency":"KRW","available":"1000"}]}`)}, nil
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, order core.OrderRequest) (exchange.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orderErr != nil {
		return exchange.Response{}, f.orderErr
	}
	f.orders = append(f.orders, order)
	return exchange.Response{Status: 200, Body: []byte(`{"result":"success","error_code":"0","order_id":"id-1"}`)}, nil
}

func (f *fakeExchange) CancelAll(ctx context.Context, pair core.Pair) (exchange.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, pair)
	return exchange.Response{Status: 200, Body: []byte(`{"result":"success","error_code":"0"}`)}, nil
}

func newTestServer(t *testing.T, fx *fakeExchange, opts Options) *Server {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return NewServer(fx, fx, opts)
}

func serve(s *Server, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRootWelcome(t *testing.T) {
	s := newTestServer(t, &fakeExchange{}, Options{})
	rec := serve(s, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Welcome to Coinone Proxy API", decodeBody(t, rec)["message"])
}

func TestMarketsWrapsDataAndRateLimit(t *testing.T) {
	s := newTestServer(t, &fakeExchange{}, Options{})
	rec := serve(s, http.MethodGet, "/public/markets/KRW", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	require.Equal(t, "42", body["rate_limit_remaining"])
	data, ok := body["data"].(map[string]any)
	require.True(t, ok, "data should be an object: %v", body)
	require.Equal(t, "KRW", data["quote"])
}

func TestTickerAndBalancePassThrough(t *testing.T) {
	s := newTestServer(t, &fakeExchange{}, Options{})

	rec := serve(s, http.MethodGet, "/public/ticker/krw/cbk", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"result":"success","pair":"CBK/KRW"}`, rec.Body.String())

	rec = serve(s, http.MethodGet, "/private/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"currency":"KRW"`)
}

func TestPlaceOrderBuildsVariant(t *testing.T) {
	fx := &fakeExchange{}
	s := newTestServer(t, fx, Options{})

	rec := serve(s, http.MethodPost, "/private/order?quote_currency=KRW&target_currency=CBK&side=buy&type_=LIMIT&price=1010&qty=10&post_only=false", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "id-1", decodeBody(t, rec)["order_id"])

	require.Len(t, fx.orders, 1)
	limit, ok := fx.orders[0].(core.LimitOrder)
	require.True(t, ok, "want LimitOrder, got %T", fx.orders[0])
	require.Equal(t, core.Buy, limit.Side)
	require.Equal(t, "1010", limit.Price.String())
	require.Equal(t, "10", limit.Qty.String())

	rec = serve(s, http.MethodPost, "/private/order?quote_currency=KRW&target_currency=CBK&side=BUY&type=MARKET&amount=200000", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	_, ok = fx.orders[1].(core.MarketOrder)
	require.True(t, ok, "want MarketOrder, got %T", fx.orders[1])
}

func TestPlaceOrderValidationErrors(t *testing.T) {
	fx := &fakeExchange{}
	s := newTestServer(t, fx, Options{})

	cases := map[string]string{
		"missing side":      "/private/order?quote_currency=KRW&target_currency=CBK&type=LIMIT&price=1&qty=1",
		"bad type":          "/private/order?quote_currency=KRW&target_currency=CBK&side=BUY&type=ICEBERG&price=1&qty=1",
		"non numeric price": "/private/order?quote_currency=KRW&target_currency=CBK&side=BUY&type=LIMIT&price=abc&qty=1",
		"limit with amount": "/private/order?quote_currency=KRW&target_currency=CBK&side=BUY&type=LIMIT&price=1&qty=1&amount=5",
		"limit without qty": "/private/order?quote_currency=KRW&target_currency=CBK&side=BUY&type=LIMIT&price=1",
		"bad post only":     "/private/order?quote_currency=KRW&target_currency=CBK&side=BUY&type=LIMIT&price=1&qty=1&post_only=maybe",
	}
	for name, target := range cases {
		t.Run(name, func(t *testing.T) {
			rec := serve(s, http.MethodPost, target, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			body := decodeBody(t, rec)
			require.Equal(t, "error", body["result"])
			require.Equal(t, coinone.CodeInvalidParameter, body["error_code"])
		})
	}
	require.Empty(t, fx.orders)
}

func TestExchangeErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"rate limit", coinone.CheckResponse(200, []byte(`{"result":"error","error_code":"4","error_msg":"Blocked user access."}`)), http.StatusTooManyRequests, "4"},
		{"blocked message with domain code", coinone.CheckResponse(200, []byte(`{"result":"error","error_code":"107","error_msg":"Blocked user access."}`)), http.StatusUnprocessableEntity, "107"},
		{"domain", coinone.CheckResponse(200, []byte(`{"result":"error","error_code":"103","error_msg":"Lack of Balance."}`)), http.StatusUnprocessableEntity, "103"},
		{"transport", coinone.HTTPError{Status: 503, Body: []byte("down")}, http.StatusBadGateway, codeTransport},
		{"protocol", core.ErrInvalidResponse, http.StatusBadGateway, codeTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := &fakeExchange{orderErr: tc.err}
			s := newTestServer(t, fx, Options{})
			rec := serve(s, http.MethodPost, "/private/order?quote_currency=KRW&target_currency=CBK&side=SELL&type=MARKET&qty=1", nil)
			require.Equal(t, tc.wantStatus, rec.Code)
			body := decodeBody(t, rec)
			require.Equal(t, "error", body["result"])
			require.Equal(t, tc.wantCode, body["error_code"])
			if tc.wantStatus == http.StatusTooManyRequests {
				require.Equal(t, "1", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestCancelAllRequiresPair(t *testing.T) {
	fx := &fakeExchange{}
	s := newTestServer(t, fx, Options{})

	rec := serve(s, http.MethodPost, "/private/cancel_all?quote_currency=KRW", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(s, http.MethodPost, "/private/cancel_all?quote_currency=krw&target_currency=cbk", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []core.Pair{{Quote: "KRW", Target: "CBK"}}, fx.cancels)
}

func TestAuthProtectsPrivateRoutes(t *testing.T) {
	s := newTestServer(t, &fakeExchange{}, Options{APIKey: "k1"})

	rec := serve(s, http.MethodGet, "/private/balance", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(s, http.MethodGet, "/private/balance", map[string]string{"Authorization": "Bearer wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(s, http.MethodGet, "/private/balance", map[string]string{"Authorization": "Bearer k1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(s, http.MethodGet, "/private/balance", map[string]string{"X-API-Key": "k1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(s, http.MethodGet, "/public/ticker/KRW/CBK", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestThrottleRejectsWhenRequestCancelled(t *testing.T) {
	s := newTestServer(t, &fakeExchange{}, Options{PrivateRPS: 1})

	rec := serve(s, http.MethodGet, "/private/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/private/balance", nil).WithContext(ctx)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestMetricsCountRequestsAndUpstreamErrors(t *testing.T) {
	metrics := NewMetrics()
	fx := &fakeExchange{tickerErr: coinone.HTTPError{Status: 500}}
	s := newTestServer(t, fx, Options{Metrics: metrics})

	serve(s, http.MethodGet, "/", nil)
	serve(s, http.MethodGet, "/public/ticker/KRW/CBK", nil)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues("/", "200")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues("/public/ticker/:quote/:target", "502")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.upstream.WithLabelValues("transport")))

	rec := serve(s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	raw, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(raw), "coinone_proxy_http_requests_total"))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := newTestServer(t, &fakeExchange{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClassifyPrefersRateLimitOverAPIError(t *testing.T) {
	err := errors.Join(coinone.APIError{Code: "4", Msg: "blocked"}, core.ErrRateLimited)
	f := classify(err)
	require.Equal(t, http.StatusTooManyRequests, f.status)
	require.Equal(t, "blocked", f.msg)
}
