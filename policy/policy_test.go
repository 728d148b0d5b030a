package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/lirancohen/loupe/approval"
)

func TestEvaluate(t *testing.T) {
	e := Default()

	tests := []struct {
		name     string
		action   approval.ActionType
		raw      string
		required bool
		priority approval.Priority
	}{
		// Sales
		{"sale above threshold", approval.ActionSaleCreate, `{"amount": 75000, "discount": 5, "customerId": "c1"}`, true, approval.PriorityHigh},
		{"small sale", approval.ActionSaleCreate, `{"amount": 1000, "discount": 0}`, false, approval.PriorityMedium},
		{"sale exactly at threshold", approval.ActionSaleCreate, `{"amount": 50000}`, false, approval.PriorityMedium},
		{"urgent sale", approval.ActionSaleCreate, `{"amount": 100001}`, true, approval.PriorityUrgent},
		{"sale at urgent boundary", approval.ActionSaleCreate, `{"amount": 100000}`, true, approval.PriorityHigh},
		{"discount at threshold", approval.ActionSaleCreate, `{"amount": 10, "discountPercent": 10}`, true, approval.PriorityMedium},
		{"discount below threshold", approval.ActionSaleCreate, `{"amount": 10, "discount": 9.99}`, false, approval.PriorityMedium},
		{"sale update discount only", approval.ActionSaleUpdate, `{"saleId": "s1", "discount": 15}`, true, approval.PriorityMedium},
		{"sale delete", approval.ActionSaleDelete, `{"saleId": "s1"}`, true, approval.PriorityHigh},

		// Customers
		{"high income customer", approval.ActionCustomerCreate, `{"name": "A", "incomeRange": "HIGH"}`, true, approval.PriorityHigh},
		{"high income lower case", approval.ActionCustomerUpdate, `{"customerId": "c1", "incomeRange": "high"}`, true, approval.PriorityHigh},
		{"high value flag", approval.ActionCustomerCreate, `{"name": "A", "highValue": true}`, true, approval.PriorityHigh},
		{"regular customer", approval.ActionCustomerCreate, `{"name": "A", "incomeRange": "MEDIUM"}`, false, approval.PriorityLow},

		// Products
		{"price change above 10%", approval.ActionProductUpdate, `{"productId": "p1", "price": 112, "previousPrice": 100}`, true, approval.PriorityMedium},
		{"price change exactly 10%", approval.ActionProductUpdate, `{"productId": "p1", "price": 90, "previousPrice": 100}`, false, approval.PriorityMedium},
		{"price unchanged", approval.ActionProductUpdate, `{"productId": "p1", "price": 100, "previousPrice": 100}`, false, approval.PriorityMedium},
		{"price from zero", approval.ActionProductUpdate, `{"productId": "p1", "price": 5, "previousPrice": 0}`, true, approval.PriorityMedium},
		{"cost price changes", approval.ActionProductUpdate, `{"productId": "p1", "costPrice": 40, "previousCostPrice": 35}`, true, approval.PriorityMedium},
		{"cost price same", approval.ActionProductUpdate, `{"productId": "p1", "costPrice": 40, "previousCostPrice": 40}`, false, approval.PriorityMedium},
		{"cost price without previous", approval.ActionProductUpdate, `{"productId": "p1", "costPrice": 40}`, true, approval.PriorityMedium},
		{"stock only", approval.ActionProductUpdate, `{"productId": "p1", "stock": 3}`, false, approval.PriorityMedium},

		// Discounts
		{"small discount", approval.ActionDiscountApply, `{"discountPercent": 5}`, false, approval.PriorityLow},
		{"medium discount", approval.ActionDiscountApply, `{"discountPercent": 10}`, true, approval.PriorityMedium},
		{"high discount", approval.ActionDiscountApply, `{"discount": 25}`, true, approval.PriorityHigh},
		{"urgent discount", approval.ActionDiscountApply, `{"discountPercent": 60}`, true, approval.PriorityUrgent},

		// Floors
		{"floor assignment", approval.ActionFloorAssignment, `{"userId": "u1", "toFloor": "2"}`, true, approval.PriorityMedium},

		// Unknown
		{"unknown action fails open", "UNKNOWN_ACTION", `{"anything": true}`, false, approval.PriorityLow},
		{"unknown action ignores payload", "UNKNOWN_ACTION", `not json`, false, approval.PriorityLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := e.Evaluate(tt.action, json.RawMessage(tt.raw))
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if d.RequiresApproval != tt.required {
				t.Errorf("RequiresApproval = %v, want %v (reasons %v)", d.RequiresApproval, tt.required, d.Reasons)
			}
			if d.Priority != tt.priority {
				t.Errorf("Priority = %s, want %s", d.Priority, tt.priority)
			}
			if d.RequiresApproval && len(d.Reasons) == 0 {
				t.Error("a required decision should carry at least one reason")
			}
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	e := Default()

	tests := []struct {
		name   string
		action approval.ActionType
		raw    string
		field  string
	}{
		{"malformed json", approval.ActionSaleCreate, `{"amount": `, ""},
		{"amount wrong type", approval.ActionSaleCreate, `{"amount": "75000"}`, ""},
		{"missing amount", approval.ActionSaleCreate, `{"discount": 5}`, "amount"},
		{"negative amount", approval.ActionSaleCreate, `{"amount": -1}`, "amount"},
		{"discount over 100", approval.ActionSaleCreate, `{"amount": 1, "discountPercent": 150}`, "discountPercent"},
		{"negative discount", approval.ActionSaleCreate, `{"amount": 1, "discount": -5}`, "discount"},
		{"price without previous", approval.ActionProductUpdate, `{"productId": "p1", "price": 10}`, "previousPrice"},
		{"discount missing", approval.ActionDiscountApply, `{"saleId": "s1"}`, "discountPercent"},
		{"empty payload", approval.ActionFloorAssignment, ``, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Evaluate(tt.action, json.RawMessage(tt.raw))
			if !errors.Is(err, approval.ErrPolicyEvaluation) {
				t.Fatalf("Evaluate() error = %v, want ErrPolicyEvaluation", err)
			}
			var pe *approval.PolicyError
			if !errors.As(err, &pe) {
				t.Fatalf("error is %T, want *approval.PolicyError", err)
			}
			if pe.Field != tt.field {
				t.Errorf("Field = %q, want %q", pe.Field, tt.field)
			}
			if errors.Is(err, approval.ErrPersistence) {
				t.Error("policy errors must not match ErrPersistence")
			}
		})
	}
}

// Every sale at or below both thresholds runs without review, and every sale
// above the urgent amount is URGENT.
func TestSaleThresholdProperties(t *testing.T) {
	e := Default()

	for amount := 0.0; amount <= 150_000; amount += 2_500 {
		for discount := 0.0; discount < 20; discount += 0.5 {
			raw := json.RawMessage(fmt.Sprintf(`{"amount": %v, "discountPercent": %v}`, amount, discount))
			d, err := e.Evaluate(approval.ActionSaleCreate, raw)
			if err != nil {
				t.Fatalf("Evaluate(%s) error = %v", raw, err)
			}
			if amount <= 50_000 && discount < 10 && d.RequiresApproval {
				t.Errorf("Evaluate(%s) requires approval, want none", raw)
			}
			if amount > 100_000 && d.Priority != approval.PriorityUrgent {
				t.Errorf("Evaluate(%s) priority = %s, want URGENT", raw, d.Priority)
			}
		}
	}
}

func TestFailClosed(t *testing.T) {
	th := DefaultThresholds()
	th.UnknownAction = FailClosed
	e, err := New(th)
	if err != nil {
		t.Fatal(err)
	}

	required, err := e.RequiresApproval("UNKNOWN_ACTION", json.RawMessage(`{}`))
	if err != nil || !required {
		t.Errorf("RequiresApproval() = %v, %v, want true", required, err)
	}
	p, err := e.PriorityFor("UNKNOWN_ACTION", nil)
	if err != nil || p != approval.PriorityHigh {
		t.Errorf("PriorityFor() = %s, %v, want HIGH", p, err)
	}
}

func TestCustomThresholds(t *testing.T) {
	th := DefaultThresholds()
	th.SaleAmount = 10_000
	th.UrgentSaleAmount = 20_000
	e, err := New(th)
	if err != nil {
		t.Fatal(err)
	}

	d, err := e.Evaluate(approval.ActionSaleCreate, json.RawMessage(`{"amount": 15000}`))
	if err != nil {
		t.Fatal(err)
	}
	if !d.RequiresApproval || d.Priority != approval.PriorityHigh {
		t.Errorf("Evaluate() = %+v, want required HIGH", d)
	}
}

func TestThresholds_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Thresholds)
		wantErr bool
	}{
		{"defaults", func(*Thresholds) {}, false},
		{"zero sale amount", func(t *Thresholds) { t.SaleAmount = 0 }, true},
		{"urgent below sale", func(t *Thresholds) { t.UrgentSaleAmount = 1 }, true},
		{"discounts out of order", func(t *Thresholds) { t.HighDiscountPercent = 5 }, true},
		{"urgent discount above 100", func(t *Thresholds) { t.UrgentDiscountPercent = 101 }, true},
		{"bad unknown mode", func(t *Thresholds) { t.UnknownAction = "maybe" }, true},
		{"fail closed", func(t *Thresholds) { t.UnknownAction = FailClosed }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := DefaultThresholds()
			tt.mutate(&th)
			err := th.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadThresholds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	content := "sale_amount: 20000\nurgent_sale_amount: 40000\nunknown_action: fail-closed\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	th, err := LoadThresholds(path)
	if err != nil {
		t.Fatalf("LoadThresholds() error = %v", err)
	}
	if th.SaleAmount != 20000 || th.UrgentSaleAmount != 40000 {
		t.Errorf("amounts = %v/%v, want 20000/40000", th.SaleAmount, th.UrgentSaleAmount)
	}
	if th.DiscountPercent != 10 {
		t.Errorf("DiscountPercent = %v, want default 10", th.DiscountPercent)
	}
	if th.UnknownAction != FailClosed {
		t.Errorf("UnknownAction = %q, want fail-closed", th.UnknownAction)
	}

	if _, err := ParseThresholds([]byte("sale_amount: -5\n")); err == nil {
		t.Error("ParseThresholds() should reject a negative amount")
	}
	if _, err := LoadThresholds(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("LoadThresholds() should fail for a missing file")
	}
}
