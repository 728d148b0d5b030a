package approval

import (
	"encoding/json"
	"fmt"
)

// Payload is the typed form of a request's RequestData.
// Each action type decodes to exactly one variant.
type Payload interface {
	Action() ActionType
	isPayload()
}

// CustomerPayload is the input of CUSTOMER_CREATE and CUSTOMER_UPDATE.
type CustomerPayload struct {
	CustomerID  string `json:"customerId,omitempty"`
	Name        string `json:"name"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	IncomeRange string `json:"incomeRange,omitempty"` // "LOW", "MEDIUM", "HIGH"
	HighValue   bool   `json:"highValue,omitempty"`
	Floor       string `json:"floor,omitempty"`
	Notes       string `json:"notes,omitempty"`

	update bool
}

func (p CustomerPayload) Action() ActionType {
	if p.update {
		return ActionCustomerUpdate
	}
	return ActionCustomerCreate
}

func (CustomerPayload) isPayload() {}

// SalePayload is the input of SALE_CREATE and SALE_UPDATE.
// The discount may arrive as either discountPercent or discount.
type SalePayload struct {
	SaleID          string   `json:"saleId,omitempty"`
	CustomerID      string   `json:"customerId,omitempty"`
	ProductID       string   `json:"productId,omitempty"`
	Quantity        int      `json:"quantity,omitempty"`
	Amount          *float64 `json:"amount"`
	DiscountPercent *float64 `json:"discountPercent,omitempty"`
	Discount        *float64 `json:"discount,omitempty"`
	Floor           string   `json:"floor,omitempty"`

	update bool
}

func (p SalePayload) Action() ActionType {
	if p.update {
		return ActionSaleUpdate
	}
	return ActionSaleCreate
}

func (SalePayload) isPayload() {}

// EffectiveDiscount returns the discount percentage, zero when absent.
func (p SalePayload) EffectiveDiscount() float64 {
	switch {
	case p.DiscountPercent != nil:
		return *p.DiscountPercent
	case p.Discount != nil:
		return *p.Discount
	default:
		return 0
	}
}

// SaleDeletePayload is the input of SALE_DELETE.
type SaleDeletePayload struct {
	SaleID string `json:"saleId"`
	Reason string `json:"reason,omitempty"`
}

func (SaleDeletePayload) Action() ActionType { return ActionSaleDelete }
func (SaleDeletePayload) isPayload()         {}

// ProductUpdatePayload is the input of PRODUCT_UPDATE.
// Previous values are the caller's view of the product before the change.
type ProductUpdatePayload struct {
	ProductID         string   `json:"productId"`
	Name              *string  `json:"name,omitempty"`
	Price             *float64 `json:"price,omitempty"`
	PreviousPrice     *float64 `json:"previousPrice,omitempty"`
	CostPrice         *float64 `json:"costPrice,omitempty"`
	PreviousCostPrice *float64 `json:"previousCostPrice,omitempty"`
	Stock             *int     `json:"stock,omitempty"`
}

func (ProductUpdatePayload) Action() ActionType { return ActionProductUpdate }
func (ProductUpdatePayload) isPayload()         {}

// DiscountPayload is the input of DISCOUNT_APPLY.
type DiscountPayload struct {
	SaleID          string   `json:"saleId,omitempty"`
	CustomerID      string   `json:"customerId,omitempty"`
	DiscountPercent *float64 `json:"discountPercent,omitempty"`
	Discount        *float64 `json:"discount,omitempty"`
	Reason          string   `json:"reason,omitempty"`
}

func (DiscountPayload) Action() ActionType { return ActionDiscountApply }
func (DiscountPayload) isPayload()         {}

// Percent returns the requested discount and whether one was supplied.
func (p DiscountPayload) Percent() (float64, bool) {
	switch {
	case p.DiscountPercent != nil:
		return *p.DiscountPercent, true
	case p.Discount != nil:
		return *p.Discount, true
	default:
		return 0, false
	}
}

// FloorAssignmentPayload is the input of FLOOR_ASSIGNMENT.
type FloorAssignmentPayload struct {
	UserID    string `json:"userId"`
	FromFloor string `json:"fromFloor,omitempty"`
	ToFloor   string `json:"toFloor"`
}

func (FloorAssignmentPayload) Action() ActionType { return ActionFloorAssignment }
func (FloorAssignmentPayload) isPayload()         {}

// DecodePayload decodes raw into the variant for action.
// Unknown action types return a nil Payload and no error.
func DecodePayload(action ActionType, raw json.RawMessage) (Payload, error) {
	switch action {
	case ActionCustomerCreate, ActionCustomerUpdate:
		var p CustomerPayload
		if err := decode(action, raw, &p); err != nil {
			return nil, err
		}
		p.update = action == ActionCustomerUpdate
		return p, nil
	case ActionSaleCreate, ActionSaleUpdate:
		var p SalePayload
		if err := decode(action, raw, &p); err != nil {
			return nil, err
		}
		p.update = action == ActionSaleUpdate
		return p, nil
	case ActionSaleDelete:
		var p SaleDeletePayload
		if err := decode(action, raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case ActionProductUpdate:
		var p ProductUpdatePayload
		if err := decode(action, raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case ActionDiscountApply:
		var p DiscountPayload
		if err := decode(action, raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case ActionFloorAssignment:
		var p FloorAssignmentPayload
		if err := decode(action, raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, nil
	}
}

func decode(action ActionType, raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: %s payload is empty", ErrInvalidPayload, action)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidPayload, action, err)
	}
	return nil
}
