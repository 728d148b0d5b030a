package policy

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// UnknownActionMode decides how action types outside the closed enumeration
// are treated.
type UnknownActionMode string

const (
	// FailOpen lets unknown actions run without review at LOW priority.
	FailOpen UnknownActionMode = "fail-open"

	// FailClosed routes unknown actions to review at HIGH priority.
	FailClosed UnknownActionMode = "fail-closed"
)

// Thresholds holds every number the evaluator compares against.
type Thresholds struct {
	// SaleAmount is the amount above which a sale needs approval.
	SaleAmount float64 `yaml:"sale_amount" mapstructure:"sale_amount"`

	// UrgentSaleAmount is the amount above which a sale is URGENT.
	UrgentSaleAmount float64 `yaml:"urgent_sale_amount" mapstructure:"urgent_sale_amount"`

	// DiscountPercent is the discount at or above which sales and discounts need approval.
	DiscountPercent float64 `yaml:"discount_percent" mapstructure:"discount_percent"`

	// HighDiscountPercent and UrgentDiscountPercent raise discount priority.
	HighDiscountPercent   float64 `yaml:"high_discount_percent" mapstructure:"high_discount_percent"`
	UrgentDiscountPercent float64 `yaml:"urgent_discount_percent" mapstructure:"urgent_discount_percent"`

	// PriceChangePercent is the relative price change above which a product update needs approval.
	PriceChangePercent float64 `yaml:"price_change_percent" mapstructure:"price_change_percent"`

	UnknownAction UnknownActionMode `yaml:"unknown_action" mapstructure:"unknown_action"`
}

// DefaultThresholds returns the store-wide defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SaleAmount:            50_000,
		UrgentSaleAmount:      100_000,
		DiscountPercent:       10,
		HighDiscountPercent:   25,
		UrgentDiscountPercent: 50,
		PriceChangePercent:    10,
		UnknownAction:         FailOpen,
	}
}

// Validate checks that the thresholds are positive and ordered.
func (t Thresholds) Validate() error {
	var errs []error
	positive := []struct {
		name  string
		value float64
	}{
		{"sale_amount", t.SaleAmount},
		{"urgent_sale_amount", t.UrgentSaleAmount},
		{"discount_percent", t.DiscountPercent},
		{"high_discount_percent", t.HighDiscountPercent},
		{"urgent_discount_percent", t.UrgentDiscountPercent},
		{"price_change_percent", t.PriceChangePercent},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("policy: %s must be positive, got %v", p.name, p.value))
		}
	}

	if t.UrgentSaleAmount < t.SaleAmount {
		errs = append(errs, errors.New("policy: urgent_sale_amount must not be below sale_amount"))
	}
	if t.HighDiscountPercent < t.DiscountPercent || t.UrgentDiscountPercent < t.HighDiscountPercent {
		errs = append(errs, errors.New("policy: discount thresholds must be ordered discount <= high <= urgent"))
	}
	if t.UrgentDiscountPercent > 100 {
		errs = append(errs, errors.New("policy: urgent_discount_percent must not exceed 100"))
	}

	switch t.UnknownAction {
	case FailOpen, FailClosed:
	default:
		errs = append(errs, fmt.Errorf("policy: unknown_action must be %q or %q, got %q", FailOpen, FailClosed, t.UnknownAction))
	}

	return errors.Join(errs...)
}

// ParseThresholds decodes YAML over the defaults, so a file only needs the
// values it changes.
func ParseThresholds(data []byte) (Thresholds, error) {
	t := DefaultThresholds()
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Thresholds{}, fmt.Errorf("policy: parse thresholds: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Thresholds{}, err
	}
	return t, nil
}

// LoadThresholds reads a YAML thresholds file.
func LoadThresholds(path string) (Thresholds, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Thresholds{}, fmt.Errorf("policy: read thresholds: %w", err)
	}
	return ParseThresholds(data)
}
