package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Decimal lets amounts and multipliers be written either quoted or bare in
// YAML without passing through float64.
type Decimal struct {
	decimal.Decimal
}

func NewDecimal(raw string) Decimal {
	return Decimal{decimal.RequireFromString(raw)}
}

func (d *Decimal) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("decimal must be a scalar, got %s", value.Tag)
	}
	raw := strings.ReplaceAll(strings.TrimSpace(value.Value), "_", "")
	if raw == "" {
		d.Decimal = decimal.Zero
		return nil
	}
	dec, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("invalid decimal %q: %w", value.Value, err)
	}
	d.Decimal = dec
	return nil
}

func (d Decimal) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}
