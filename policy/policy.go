// Package policy decides whether a proposed CRM action needs review and how
// urgent that review is. It is the single place thresholds are compared;
// gateways and transports call it instead of checking amounts themselves.
//
// The evaluator is pure: no store, clock or network access.
package policy

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/lirancohen/loupe/approval"
)

// Decision is the evaluator's verdict for one payload.
type Decision struct {
	RequiresApproval bool              `json:"requiresApproval"`
	Priority         approval.Priority `json:"priority"`
	Reasons          []string          `json:"reasons,omitempty"`
}

// Evaluator applies Thresholds to action payloads. It is safe for concurrent use.
type Evaluator struct {
	t Thresholds
}

// New returns an Evaluator after validating t.
func New(t Thresholds) (*Evaluator, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Evaluator{t: t}, nil
}

// Default returns an Evaluator with DefaultThresholds.
func Default() *Evaluator {
	return &Evaluator{t: DefaultThresholds()}
}

// Thresholds returns the thresholds in effect.
func (e *Evaluator) Thresholds() Thresholds {
	return e.t
}

// RequiresApproval reports whether the action must be reviewed.
func (e *Evaluator) RequiresApproval(action approval.ActionType, raw json.RawMessage) (bool, error) {
	d, err := e.Evaluate(action, raw)
	if err != nil {
		return false, err
	}
	return d.RequiresApproval, nil
}

// PriorityFor returns the review priority of the action.
func (e *Evaluator) PriorityFor(action approval.ActionType, raw json.RawMessage) (approval.Priority, error) {
	d, err := e.Evaluate(action, raw)
	if err != nil {
		return "", err
	}
	return d.Priority, nil
}

// Evaluate decodes raw for action and applies the matching rule.
// Malformed payloads return a *approval.PolicyError.
func (e *Evaluator) Evaluate(action approval.ActionType, raw json.RawMessage) (Decision, error) {
	if !action.IsKnown() {
		return e.unknown(action), nil
	}

	p, err := approval.DecodePayload(action, raw)
	if err != nil {
		return Decision{}, &approval.PolicyError{Action: action, Reason: err.Error()}
	}

	switch p := p.(type) {
	case approval.SalePayload:
		return e.sale(action, p)
	case approval.SaleDeletePayload:
		return Decision{
			RequiresApproval: true,
			Priority:         approval.PriorityHigh,
			Reasons:          []string{"sale deletion always requires approval"},
		}, nil
	case approval.CustomerPayload:
		return e.customer(p), nil
	case approval.ProductUpdatePayload:
		return e.product(action, p)
	case approval.DiscountPayload:
		return e.discount(action, p)
	case approval.FloorAssignmentPayload:
		return Decision{
			RequiresApproval: true,
			Priority:         approval.PriorityMedium,
			Reasons:          []string{"floor reassignment always requires approval"},
		}, nil
	default:
		return Decision{}, &approval.PolicyError{Action: action, Reason: fmt.Sprintf("no rule for payload %T", p)}
	}
}

func (e *Evaluator) unknown(action approval.ActionType) Decision {
	if e.t.UnknownAction == FailClosed {
		return Decision{
			RequiresApproval: true,
			Priority:         approval.PriorityHigh,
			Reasons:          []string{fmt.Sprintf("unknown action %q routed to review", action)},
		}
	}
	return Decision{RequiresApproval: false, Priority: approval.PriorityLow}
}

func (e *Evaluator) sale(action approval.ActionType, p approval.SalePayload) (Decision, error) {
	discount := p.EffectiveDiscount()
	if err := checkPercent(action, discountField(p.DiscountPercent != nil), discount); err != nil {
		return Decision{}, err
	}

	d := Decision{Priority: approval.PriorityMedium}

	// Updates may change only the discount; creates must state the amount.
	if p.Amount == nil {
		if action == approval.ActionSaleCreate {
			return Decision{}, &approval.PolicyError{Action: action, Field: "amount", Reason: "is required"}
		}
	} else {
		amount := *p.Amount
		if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
			return Decision{}, &approval.PolicyError{Action: action, Field: "amount", Reason: "must be a non-negative number"}
		}
		if amount > e.t.SaleAmount {
			d.RequiresApproval = true
			d.Reasons = append(d.Reasons, fmt.Sprintf("amount %s exceeds %s", num(amount), num(e.t.SaleAmount)))
		}
		switch {
		case amount > e.t.UrgentSaleAmount:
			d.Priority = approval.PriorityUrgent
		case amount > e.t.SaleAmount:
			d.Priority = approval.PriorityHigh
		}
	}

	if discount >= e.t.DiscountPercent {
		d.RequiresApproval = true
		d.Reasons = append(d.Reasons, fmt.Sprintf("discount %s%% at or above %s%%", num(discount), num(e.t.DiscountPercent)))
	}
	return d, nil
}

func (e *Evaluator) customer(p approval.CustomerPayload) Decision {
	if strings.EqualFold(p.IncomeRange, "HIGH") || p.HighValue {
		return Decision{
			RequiresApproval: true,
			Priority:         approval.PriorityHigh,
			Reasons:          []string{"high-value customer"},
		}
	}
	return Decision{Priority: approval.PriorityLow}
}

func (e *Evaluator) product(action approval.ActionType, p approval.ProductUpdatePayload) (Decision, error) {
	d := Decision{Priority: approval.PriorityMedium}

	if p.Price != nil {
		if *p.Price < 0 {
			return Decision{}, &approval.PolicyError{Action: action, Field: "price", Reason: "must be non-negative"}
		}
		if p.PreviousPrice == nil {
			return Decision{}, &approval.PolicyError{Action: action, Field: "previousPrice", Reason: "is required when price changes"}
		}
		prev, next := *p.PreviousPrice, *p.Price
		switch {
		case prev == next:
		case prev == 0:
			d.RequiresApproval = true
			d.Reasons = append(d.Reasons, "price set from zero")
		default:
			change := math.Abs(next-prev) * 100 / prev
			if change > e.t.PriceChangePercent {
				d.RequiresApproval = true
				d.Reasons = append(d.Reasons, fmt.Sprintf("price changes by %s%%, above %s%%", num(change), num(e.t.PriceChangePercent)))
			}
		}
	}

	if p.CostPrice != nil && (p.PreviousCostPrice == nil || *p.PreviousCostPrice != *p.CostPrice) {
		d.RequiresApproval = true
		d.Reasons = append(d.Reasons, "cost price changes")
	}
	return d, nil
}

func (e *Evaluator) discount(action approval.ActionType, p approval.DiscountPayload) (Decision, error) {
	pct, ok := p.Percent()
	if !ok {
		return Decision{}, &approval.PolicyError{Action: action, Field: "discountPercent", Reason: "is required"}
	}
	if err := checkPercent(action, discountField(p.DiscountPercent != nil), pct); err != nil {
		return Decision{}, err
	}

	d := Decision{Priority: approval.PriorityLow}
	switch {
	case pct >= e.t.UrgentDiscountPercent:
		d.Priority = approval.PriorityUrgent
	case pct >= e.t.HighDiscountPercent:
		d.Priority = approval.PriorityHigh
	case pct >= e.t.DiscountPercent:
		d.Priority = approval.PriorityMedium
	}
	if pct >= e.t.DiscountPercent {
		d.RequiresApproval = true
		d.Reasons = append(d.Reasons, fmt.Sprintf("discount %s%% at or above %s%%", num(pct), num(e.t.DiscountPercent)))
	}
	return d, nil
}

func checkPercent(action approval.ActionType, field string, v float64) error {
	if v < 0 || v > 100 || math.IsNaN(v) {
		return &approval.PolicyError{Action: action, Field: field, Reason: "must be between 0 and 100"}
	}
	return nil
}

func discountField(percent bool) string {
	if percent {
		return "discountPercent"
	}
	return "discount"
}

func num(v float64) string {
	return fmt.Sprintf("%g", v)
}
