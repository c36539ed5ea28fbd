package core

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Balances maps an upper-case currency code to a positive available amount.
type Balances map[string]decimal.Decimal

var (
	currencyKeys  = []string{"currency", "asset", "symbol"}
	availableKeys = []string{"available", "avail", "balance"}
)

func (b Balances) Get(currency string) decimal.Decimal {
	if v, ok := b[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return v
	}
	return decimal.Zero
}

func (b Balances) Currencies() []string {
	out := make([]string, 0, len(b))
	for k := range b {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NormalizeBalances turns a balance response into Balances. It accepts the
// Coinone list form {"result":"success","balances":[{...}]} where each entry
// names its currency and amount under one of several aliases, and the
// object form {"balances":{"BTC":"0.1"}}. Zero and unparsable amounts are
// dropped.
func NormalizeBalances(body []byte) (Balances, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	out := Balances{}
	switch entries := raw["balances"].(type) {
	case []any:
		if result, _ := raw["result"].(string); result != "success" {
			return out, nil
		}
		for _, e := range entries {
			entry, ok := e.(map[string]any)
			if !ok {
				continue
			}
			cur := firstString(entry, currencyKeys)
			if cur == "" {
				continue
			}
			if v, ok := firstAmount(entry, availableKeys); ok {
				out.add(cur, v)
			}
		}
	case map[string]any:
		for cur, v := range entries {
			if amt, ok := toDecimal(v); ok {
				out.add(cur, amt)
			}
		}
	}
	return out, nil
}

func (b Balances) add(currency string, amount decimal.Decimal) {
	if amount.Sign() <= 0 {
		return
	}
	b[strings.ToUpper(strings.TrimSpace(currency))] = amount
}

func firstString(m map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func firstAmount(m map[string]any, keys []string) (decimal.Decimal, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && s == "" {
			continue
		}
		return toDecimal(v)
	}
	return decimal.Zero, false
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(t))
		return d, err == nil
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(t), true
	}
	return decimal.Zero, false
}
