package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lirancohen/loupe/approval"
	"github.com/lirancohen/loupe/crm"
)

// validate reports the first missing identifier of p. Thresholds are not
// checked here.
func validate(p approval.Payload) (field, reason string) {
	switch p := p.(type) {
	case approval.CustomerPayload:
		if p.Action() == approval.ActionCustomerUpdate && p.CustomerID == "" {
			return "customerId", "is required"
		}
		if p.Action() == approval.ActionCustomerCreate && p.Name == "" {
			return "name", "is required"
		}
	case approval.SalePayload:
		if p.Action() == approval.ActionSaleUpdate && p.SaleID == "" {
			return "saleId", "is required"
		}
	case approval.SaleDeletePayload:
		if p.SaleID == "" {
			return "saleId", "is required"
		}
	case approval.ProductUpdatePayload:
		if p.ProductID == "" {
			return "productId", "is required"
		}
	case approval.DiscountPayload:
		if p.SaleID == "" {
			return "saleId", "is required"
		}
	case approval.FloorAssignmentPayload:
		if p.UserID == "" {
			return "userId", "is required"
		}
		if p.ToFloor == "" {
			return "toFloor", "is required"
		}
	}
	return "", ""
}

// writer performs the domain writes shared by immediate gateway calls and
// deferred executions.
type writer struct {
	store  crm.Store
	logger Logger
	clock  func() time.Time
}

func (w writer) now() time.Time {
	return w.clock().UTC()
}

func (w writer) createCustomer(ctx context.Context, actor approval.Actor, p approval.CustomerPayload, id string) (crm.Customer, error) {
	now := w.now()
	c := crm.Customer{
		ID:          id,
		TenantID:    actor.TenantID,
		Name:        p.Name,
		Email:       p.Email,
		Phone:       p.Phone,
		IncomeRange: p.IncomeRange,
		HighValue:   p.HighValue,
		Floor:       p.Floor,
		Notes:       p.Notes,
		CreatedBy:   actor.UserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if c.Floor == "" {
		c.Floor = actor.Floor
	}
	if err := w.store.CreateCustomer(ctx, c); err != nil {
		return crm.Customer{}, err
	}
	w.logger.Info("customer created", "customer_id", c.ID, "tenant_id", c.TenantID)
	return c, nil
}

func (w writer) updateCustomer(ctx context.Context, actor approval.Actor, p approval.CustomerPayload) (crm.Customer, error) {
	c, err := w.store.GetCustomer(ctx, actor.TenantID, p.CustomerID)
	if err != nil {
		return crm.Customer{}, err
	}
	setIf(&c.Name, p.Name)
	setIf(&c.Email, p.Email)
	setIf(&c.Phone, p.Phone)
	setIf(&c.IncomeRange, p.IncomeRange)
	setIf(&c.Floor, p.Floor)
	setIf(&c.Notes, p.Notes)
	if p.HighValue {
		c.HighValue = true
	}
	c.UpdatedAt = w.now()

	if err := w.store.UpdateCustomer(ctx, c); err != nil {
		return crm.Customer{}, err
	}
	w.logger.Info("customer updated", "customer_id", c.ID, "tenant_id", c.TenantID)
	return c, nil
}

func (w writer) createSale(ctx context.Context, actor approval.Actor, p approval.SalePayload, id string) (crm.Sale, error) {
	if p.Amount == nil {
		return crm.Sale{}, fmt.Errorf("%w: sale amount is required", approval.ErrInvalidPayload)
	}
	now := w.now()
	s := crm.Sale{
		ID:              id,
		TenantID:        actor.TenantID,
		CustomerID:      p.CustomerID,
		ProductID:       p.ProductID,
		Quantity:        p.Quantity,
		Amount:          *p.Amount,
		DiscountPercent: p.EffectiveDiscount(),
		Floor:           p.Floor,
		SalespersonID:   actor.UserID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if s.Floor == "" {
		s.Floor = actor.Floor
	}
	if err := w.store.CreateSale(ctx, s); err != nil {
		return crm.Sale{}, err
	}
	w.logger.Info("sale created", "sale_id", s.ID, "tenant_id", s.TenantID, "amount", s.Amount)
	return s, nil
}

func (w writer) updateSale(ctx context.Context, actor approval.Actor, p approval.SalePayload) (crm.Sale, error) {
	s, err := w.store.GetSale(ctx, actor.TenantID, p.SaleID)
	if err != nil {
		return crm.Sale{}, err
	}
	if p.Amount != nil {
		s.Amount = *p.Amount
	}
	if p.DiscountPercent != nil || p.Discount != nil {
		s.DiscountPercent = p.EffectiveDiscount()
	}
	if p.Quantity > 0 {
		s.Quantity = p.Quantity
	}
	setIf(&s.CustomerID, p.CustomerID)
	setIf(&s.ProductID, p.ProductID)
	setIf(&s.Floor, p.Floor)
	s.UpdatedAt = w.now()

	if err := w.store.UpdateSale(ctx, s); err != nil {
		return crm.Sale{}, err
	}
	w.logger.Info("sale updated", "sale_id", s.ID, "tenant_id", s.TenantID)
	return s, nil
}

func (w writer) deleteSale(ctx context.Context, actor approval.Actor, p approval.SaleDeletePayload) (crm.Sale, error) {
	s, err := w.store.GetSale(ctx, actor.TenantID, p.SaleID)
	if err != nil {
		return crm.Sale{}, err
	}
	if err := w.store.DeleteSale(ctx, actor.TenantID, p.SaleID); err != nil {
		return crm.Sale{}, err
	}
	w.logger.Info("sale deleted", "sale_id", s.ID, "tenant_id", s.TenantID, "reason", p.Reason)
	return s, nil
}

func (w writer) updateProduct(ctx context.Context, actor approval.Actor, p approval.ProductUpdatePayload) (crm.Product, error) {
	prod, err := w.store.GetProduct(ctx, actor.TenantID, p.ProductID)
	if err != nil {
		return crm.Product{}, err
	}
	if p.Name != nil {
		prod.Name = *p.Name
	}
	if p.Price != nil {
		prod.Price = *p.Price
	}
	if p.CostPrice != nil {
		prod.CostPrice = *p.CostPrice
	}
	if p.Stock != nil {
		prod.Stock = *p.Stock
	}
	prod.UpdatedAt = w.now()

	if err := w.store.UpdateProduct(ctx, prod); err != nil {
		return crm.Product{}, err
	}
	w.logger.Info("product updated", "product_id", prod.ID, "tenant_id", prod.TenantID)
	return prod, nil
}

func (w writer) applyDiscount(ctx context.Context, actor approval.Actor, p approval.DiscountPayload) (crm.Sale, error) {
	pct, ok := p.Percent()
	if !ok {
		return crm.Sale{}, fmt.Errorf("%w: discount percent is required", approval.ErrInvalidPayload)
	}
	s, err := w.store.GetSale(ctx, actor.TenantID, p.SaleID)
	if err != nil {
		return crm.Sale{}, err
	}
	s.DiscountPercent = pct
	s.UpdatedAt = w.now()

	if err := w.store.UpdateSale(ctx, s); err != nil {
		return crm.Sale{}, err
	}
	w.logger.Info("discount applied", "sale_id", s.ID, "tenant_id", s.TenantID, "percent", pct)
	return s, nil
}

func (w writer) assignFloor(ctx context.Context, actor approval.Actor, p approval.FloorAssignmentPayload) (crm.FloorAssignment, error) {
	a := crm.FloorAssignment{
		TenantID:   actor.TenantID,
		UserID:     p.UserID,
		Floor:      p.ToFloor,
		AssignedBy: actor.UserID,
		AssignedAt: w.now(),
	}
	if err := w.store.AssignFloor(ctx, a); err != nil {
		return crm.FloorAssignment{}, err
	}
	w.logger.Info("floor assigned", "user_id", a.UserID, "floor", a.Floor, "tenant_id", a.TenantID)
	return a, nil
}

// apply dispatches a decoded payload to its write. For creates, id becomes
// the new entity's id; a create that finds id already taken counts as done.
func (w writer) apply(ctx context.Context, actor approval.Actor, p approval.Payload, id string) (any, error) {
	switch p := p.(type) {
	case approval.CustomerPayload:
		if p.Action() == approval.ActionCustomerUpdate {
			return w.updateCustomer(ctx, actor, p)
		}
		c, err := w.createCustomer(ctx, actor, p, id)
		if errors.Is(err, crm.ErrConflict) {
			return w.store.GetCustomer(ctx, actor.TenantID, id)
		}
		return c, err
	case approval.SalePayload:
		if p.Action() == approval.ActionSaleUpdate {
			return w.updateSale(ctx, actor, p)
		}
		s, err := w.createSale(ctx, actor, p, id)
		if errors.Is(err, crm.ErrConflict) {
			return w.store.GetSale(ctx, actor.TenantID, id)
		}
		return s, err
	case approval.SaleDeletePayload:
		return w.deleteSale(ctx, actor, p)
	case approval.ProductUpdatePayload:
		return w.updateProduct(ctx, actor, p)
	case approval.DiscountPayload:
		return w.applyDiscount(ctx, actor, p)
	case approval.FloorAssignmentPayload:
		return w.assignFloor(ctx, actor, p)
	default:
		return nil, fmt.Errorf("%w: no writer for %T", approval.ErrInvalidPayload, p)
	}
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
