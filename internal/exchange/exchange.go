package exchange

import (
	"context"
	"net/http"

	"coinone-rebalancer/internal/core"
)

const HeaderRateLimitRemaining = "Public-Ratelimit-Remaining"

// Response is an exchange body that already passed error checking, kept raw
// so callers can relay it unchanged.
type Response struct {
	Status int
	Body   []byte
	Header http.Header
}

func (r Response) RateLimitRemaining() string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get(HeaderRateLimitRemaining)
}

// MarketData is the unauthenticated side of an exchange.
type MarketData interface {
	Name() string
	Markets(ctx context.Context, quote string) (Response, error)
	Ticker(ctx context.Context, pair core.Pair, additional bool) (Response, error)
}

// Trading is the signed side of an exchange, bound to one account.
type Trading interface {
	Balances(ctx context.Context) (Response, error)
	PlaceOrder(ctx context.Context, order core.OrderRequest) (Response, error)
	CancelAll(ctx context.Context, pair core.Pair) (Response, error)
}
