package proxy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"coinone-rebalancer/internal/core"
)

type pairQuery struct {
	QuoteCurrency  string `form:"quote_currency" validate:"required,alphanum,max=15"`
	TargetCurrency string `form:"target_currency" validate:"required,alphanum,max=15"`
}

// orderQuery is the query string accepted by POST /private/order. type_ is
// accepted as an alias of type.
type orderQuery struct {
	pairQuery
	Side         string `form:"side" validate:"required,oneof=BUY SELL"`
	Type         string `form:"type" validate:"required,oneof=LIMIT MARKET STOP_LIMIT"`
	TypeAlias    string `form:"type_"`
	Price        string `form:"price" validate:"omitempty,numeric"`
	Qty          string `form:"qty" validate:"omitempty,numeric"`
	Amount       string `form:"amount" validate:"omitempty,numeric"`
	LimitPrice   string `form:"limit_price" validate:"omitempty,numeric"`
	TriggerPrice string `form:"trigger_price" validate:"omitempty,numeric"`
	PostOnly     bool   `form:"post_only"`
	UserOrderID  string `form:"user_order_id" validate:"omitempty,max=100"`
}

func (q *orderQuery) normalize() {
	q.QuoteCurrency = strings.ToUpper(strings.TrimSpace(q.QuoteCurrency))
	q.TargetCurrency = strings.ToUpper(strings.TrimSpace(q.TargetCurrency))
	q.Side = strings.ToUpper(strings.TrimSpace(q.Side))
	if strings.TrimSpace(q.Type) == "" {
		q.Type = q.TypeAlias
	}
	q.Type = strings.ToUpper(strings.TrimSpace(q.Type))
}

func (q orderQuery) fields() (core.OrderFields, error) {
	f := core.OrderFields{
		Pair:        core.NewPair(q.QuoteCurrency, q.TargetCurrency),
		Side:        core.Side(q.Side),
		Type:        core.OrderType(q.Type),
		PostOnly:    q.PostOnly,
		UserOrderID: q.UserOrderID,
	}
	for _, d := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"price", q.Price, &f.Price},
		{"qty", q.Qty, &f.Qty},
		{"amount", q.Amount, &f.Amount},
		{"limit_price", q.LimitPrice, &f.LimitPrice},
		{"trigger_price", q.TriggerPrice, &f.TriggerPrice},
	} {
		if d.raw == "" {
			continue
		}
		v, err := decimal.NewFromString(d.raw)
		if err != nil {
			return core.OrderFields{}, fmt.Errorf("%w: %s is not a decimal", core.ErrInvalidOrder, d.name)
		}
		*d.dst = v
	}
	return f, nil
}

func formatValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, e := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed on '%s'", e.Field(), e.Tag()))
	}
	return strings.Join(parts, "; ")
}
