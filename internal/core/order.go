package core

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// OrderRequest is one of LimitOrder, MarketOrder or StopLimitOrder. Each
// variant carries exactly the fields Coinone requires for its order type.
type OrderRequest interface {
	Base() OrderBase
	Type() OrderType
	Validate() error
	// Params returns the exchange request body fields for this order.
	Params() map[string]any
}

type OrderBase struct {
	Pair        Pair
	Side        Side
	UserOrderID string
}

type LimitOrder struct {
	OrderBase
	Price    decimal.Decimal
	Qty      decimal.Decimal
	PostOnly bool
}

// MarketOrder buys for a quote Amount or sells a target Qty. LimitPrice is
// an optional price cap.
type MarketOrder struct {
	OrderBase
	Amount     decimal.Decimal
	Qty        decimal.Decimal
	LimitPrice decimal.Decimal
}

type StopLimitOrder struct {
	OrderBase
	Price        decimal.Decimal
	Qty          decimal.Decimal
	TriggerPrice decimal.Decimal
}

// OrderFields is the loosely typed form of an order as it arrives over the
// proxy surface. Zero decimals mean "not supplied".
type OrderFields struct {
	Pair         Pair
	Side         Side
	Type         OrderType
	Price        decimal.Decimal
	Qty          decimal.Decimal
	Amount       decimal.Decimal
	LimitPrice   decimal.Decimal
	TriggerPrice decimal.Decimal
	PostOnly     bool
	UserOrderID  string
}

func NewLimitOrder(pair Pair, side Side, price, qty decimal.Decimal, postOnly bool) (LimitOrder, error) {
	o := LimitOrder{
		OrderBase: OrderBase{Pair: pair, Side: side},
		Price:     price,
		Qty:       qty,
		PostOnly:  postOnly,
	}
	return o, o.Validate()
}

func NewMarketBuy(pair Pair, amount decimal.Decimal) (MarketOrder, error) {
	o := MarketOrder{
		OrderBase: OrderBase{Pair: pair, Side: Buy},
		Amount:    amount,
	}
	return o, o.Validate()
}

func NewMarketSell(pair Pair, qty decimal.Decimal) (MarketOrder, error) {
	o := MarketOrder{
		OrderBase: OrderBase{Pair: pair, Side: Sell},
		Qty:       qty,
	}
	return o, o.Validate()
}

func NewStopLimitOrder(pair Pair, side Side, price, qty, trigger decimal.Decimal) (StopLimitOrder, error) {
	o := StopLimitOrder{
		OrderBase:    OrderBase{Pair: pair, Side: side},
		Price:        price,
		Qty:          qty,
		TriggerPrice: trigger,
	}
	return o, o.Validate()
}

// BuildOrder picks the variant named by f.Type and rejects field sets the
// exchange would not accept for it.
func BuildOrder(f OrderFields) (OrderRequest, error) {
	base := OrderBase{Pair: f.Pair, Side: f.Side, UserOrderID: strings.TrimSpace(f.UserOrderID)}
	var o OrderRequest
	switch f.Type {
	case Limit:
		if f.Amount.Sign() != 0 || f.TriggerPrice.Sign() != 0 {
			return nil, invalidOrder("limit order accepts price, qty and post_only only")
		}
		o = LimitOrder{OrderBase: base, Price: f.Price, Qty: f.Qty, PostOnly: f.PostOnly}
	case Market:
		if f.Price.Sign() != 0 || f.TriggerPrice.Sign() != 0 || f.PostOnly {
			return nil, invalidOrder("market order accepts amount, qty and limit_price only")
		}
		o = MarketOrder{OrderBase: base, Amount: f.Amount, Qty: f.Qty, LimitPrice: f.LimitPrice}
	case StopLimit:
		if f.Amount.Sign() != 0 || f.PostOnly {
			return nil, invalidOrder("stop limit order accepts price, qty and trigger_price only")
		}
		o = StopLimitOrder{OrderBase: base, Price: f.Price, Qty: f.Qty, TriggerPrice: f.TriggerPrice}
	default:
		return nil, invalidOrder(fmt.Sprintf("unsupported order type %q", f.Type))
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

func (b OrderBase) Base() OrderBase { return b }

func (b OrderBase) validate() error {
	if !b.Pair.Valid() {
		return invalidOrder("quote_currency and target_currency are required")
	}
	if b.Side != Buy && b.Side != Sell {
		return invalidOrder("side must be BUY or SELL")
	}
	return nil
}

func (b OrderBase) params(t OrderType) map[string]any {
	p := map[string]any{
		"quote_currency":  b.Pair.Quote,
		"target_currency": b.Pair.Target,
		"side":            string(b.Side),
		"type":            string(t),
	}
	if b.UserOrderID != "" {
		p["user_order_id"] = b.UserOrderID
	}
	return p
}

func (LimitOrder) Type() OrderType { return Limit }

func (o LimitOrder) Validate() error {
	if err := o.OrderBase.validate(); err != nil {
		return err
	}
	if o.Price.Sign() <= 0 {
		return invalidOrder("limit order requires price > 0")
	}
	if o.Qty.Sign() <= 0 {
		return invalidOrder("limit order requires qty > 0")
	}
	return nil
}

func (o LimitOrder) Params() map[string]any {
	p := o.params(Limit)
	p["price"] = o.Price.String()
	p["qty"] = o.Qty.String()
	p["post_only"] = o.PostOnly
	return p
}

func (MarketOrder) Type() OrderType { return Market }

func (o MarketOrder) Validate() error {
	if err := o.OrderBase.validate(); err != nil {
		return err
	}
	switch o.Side {
	case Buy:
		if o.Amount.Sign() <= 0 {
			return invalidOrder("market buy requires amount > 0")
		}
		if o.Qty.Sign() != 0 {
			return invalidOrder("market buy is sized by amount, not qty")
		}
	case Sell:
		if o.Qty.Sign() <= 0 {
			return invalidOrder("market sell requires qty > 0")
		}
		if o.Amount.Sign() != 0 {
			return invalidOrder("market sell is sized by qty, not amount")
		}
	}
	if o.LimitPrice.Sign() < 0 {
		return invalidOrder("limit_price must be > 0")
	}
	return nil
}

func (o MarketOrder) Params() map[string]any {
	p := o.params(Market)
	if o.Side == Buy {
		p["amount"] = o.Amount.String()
	} else {
		p["qty"] = o.Qty.String()
	}
	if o.LimitPrice.Sign() > 0 {
		p["limit_price"] = o.LimitPrice.String()
	}
	return p
}

func (StopLimitOrder) Type() OrderType { return StopLimit }

func (o StopLimitOrder) Validate() error {
	if err := o.OrderBase.validate(); err != nil {
		return err
	}
	if o.Price.Sign() <= 0 {
		return invalidOrder("stop limit order requires price > 0")
	}
	if o.Qty.Sign() <= 0 {
		return invalidOrder("stop limit order requires qty > 0")
	}
	if o.TriggerPrice.Sign() <= 0 {
		return invalidOrder("stop limit order requires trigger_price > 0")
	}
	return nil
}

func (o StopLimitOrder) Params() map[string]any {
	p := o.params(StopLimit)
	p["price"] = o.Price.String()
	p["qty"] = o.Qty.String()
	p["trigger_price"] = o.TriggerPrice.String()
	return p
}

func invalidOrder(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidOrder, msg)
}
