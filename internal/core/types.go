package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Limit     OrderType = "LIMIT"
	Market    OrderType = "MARKET"
	StopLimit OrderType = "STOP_LIMIT"
)

func ParseSide(v string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(v))) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	}
	return "", invalidOrder("side must be BUY or SELL")
}

func ParseOrderType(v string) (OrderType, error) {
	switch OrderType(strings.ToUpper(strings.TrimSpace(v))) {
	case Limit:
		return Limit, nil
	case Market:
		return Market, nil
	case StopLimit:
		return StopLimit, nil
	}
	return "", invalidOrder("type must be LIMIT, MARKET or STOP_LIMIT")
}

// Pair is a Coinone market: Target is traded against Quote (e.g. CBK/KRW).
type Pair struct {
	Quote  string
	Target string
}

func NewPair(quote, target string) Pair {
	return Pair{
		Quote:  strings.ToUpper(strings.TrimSpace(quote)),
		Target: strings.ToUpper(strings.TrimSpace(target)),
	}
}

func (p Pair) Valid() bool {
	return p.Quote != "" && p.Target != ""
}

func (p Pair) String() string {
	return p.Target + "/" + p.Quote
}

type Level struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

type OrderBook struct {
	Pair Pair
	Bids []Level
	Asks []Level
}

// Quote is the top of the book used to price one rebalance iteration.
type Quote struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

func (b OrderBook) BestBidAsk() (Quote, error) {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return Quote{}, ErrEmptyBook
	}
	q := Quote{Bid: b.Bids[0].Price, Ask: b.Asks[0].Price}
	if q.Bid.Sign() <= 0 || q.Ask.Sign() <= 0 {
		return Quote{}, ErrInvalidBook
	}
	return q, nil
}
