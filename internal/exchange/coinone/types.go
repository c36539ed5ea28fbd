package coinone

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"coinone-rebalancer/internal/core"
)

var chartIntervals = map[string]struct{}{
	"1m": {}, "3m": {}, "5m": {}, "10m": {}, "15m": {}, "30m": {},
	"1h": {}, "2h": {}, "4h": {}, "6h": {},
	"1d": {}, "1w": {}, "1mon": {},
}

func ValidChartInterval(v string) bool {
	_, ok := chartIntervals[v]
	return ok
}

type OrderBookQuery struct {
	Size int
	// Unit is the price aggregation step; zero leaves it to the exchange.
	Unit decimal.Decimal
}

type ChartQuery struct {
	Interval  string
	Timestamp int64
	Size      int
}

type levelResponse struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

type orderBookResponse struct {
	Envelope
	QuoteCurrency  string          `json:"quote_currency"`
	TargetCurrency string          `json:"target_currency"`
	Bids           []levelResponse `json:"bids"`
	Asks           []levelResponse `json:"asks"`
}

type orderResponse struct {
	Envelope
	OrderID string `json:"order_id"`
}

// ParseOrderBook decodes an orderbook body. Bids come back best (highest)
// first and asks best (lowest) first regardless of the wire order.
func ParseOrderBook(pair core.Pair, body []byte) (core.OrderBook, error) {
	var resp orderBookResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.OrderBook{}, fmt.Errorf("%w: decode orderbook: %v", core.ErrInvalidResponse, err)
	}
	book := core.OrderBook{
		Pair: pair,
		Bids: toLevels(resp.Bids),
		Asks: toLevels(resp.Asks),
	}
	if resp.QuoteCurrency != "" && resp.TargetCurrency != "" {
		book.Pair = core.NewPair(resp.QuoteCurrency, resp.TargetCurrency)
	}
	sort.SliceStable(book.Bids, func(i, j int) bool { return book.Bids[i].Price.GreaterThan(book.Bids[j].Price) })
	sort.SliceStable(book.Asks, func(i, j int) bool { return book.Asks[i].Price.LessThan(book.Asks[j].Price) })
	return book, nil
}

func toLevels(in []levelResponse) []core.Level {
	out := make([]core.Level, 0, len(in))
	for _, l := range in {
		out = append(out, core.Level{Price: l.Price, Qty: l.Qty})
	}
	return out
}

// OrderID extracts order_id from a successful order placement body.
func OrderID(body []byte) (string, error) {
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: decode order response: %v", core.ErrInvalidResponse, err)
	}
	id := strings.TrimSpace(resp.OrderID)
	if id == "" {
		return "", fmt.Errorf("%w: order response has no order_id", core.ErrInvalidResponse)
	}
	return id, nil
}
