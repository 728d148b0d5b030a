// Package crm defines the jewellery-store entities that approved actions
// ultimately write, and the store interface the gateways write through.
package crm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates an unknown entity id.
	ErrNotFound = errors.New("crm: entity not found")

	// ErrConflict indicates an entity with the same id already exists.
	ErrConflict = errors.New("crm: entity already exists")
)

// EntityError names the entity an error refers to.
type EntityError struct {
	Kind string
	ID   string
	Err  error
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.ID, e.Err)
}

func (e *EntityError) Unwrap() error {
	return e.Err
}

// Entity kinds, also used as audit entity types.
const (
	KindCustomer = "customer"
	KindSale     = "sale"
	KindProduct  = "product"
	KindFloor    = "floor_assignment"
)

// Customer is a store client.
type Customer struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	Name        string    `json:"name"`
	Email       string    `json:"email,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	IncomeRange string    `json:"incomeRange,omitempty"`
	HighValue   bool      `json:"highValue"`
	Floor       string    `json:"floor,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (c Customer) AuditEntity() (string, string) { return KindCustomer, c.ID }

// Sale is a recorded sale. Amount is the total after discount.
type Sale struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenantId"`
	CustomerID      string    `json:"customerId,omitempty"`
	ProductID       string    `json:"productId,omitempty"`
	Quantity        int       `json:"quantity"`
	Amount          float64   `json:"amount"`
	DiscountPercent float64   `json:"discountPercent"`
	Floor           string    `json:"floor,omitempty"`
	SalespersonID   string    `json:"salespersonId"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func (s Sale) AuditEntity() (string, string) { return KindSale, s.ID }

// Product is an item of stock.
type Product struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Name      string    `json:"name"`
	Price     float64   `json:"price"`
	CostPrice float64   `json:"costPrice"`
	Stock     int       `json:"stock"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (p Product) AuditEntity() (string, string) { return KindProduct, p.ID }

// FloorAssignment places a staff member on a floor.
type FloorAssignment struct {
	TenantID   string    `json:"tenantId"`
	UserID     string    `json:"userId"`
	Floor      string    `json:"floor"`
	AssignedBy string    `json:"assignedBy"`
	AssignedAt time.Time `json:"assignedAt"`
}

func (f FloorAssignment) AuditEntity() (string, string) { return KindFloor, f.UserID }

// Store persists CRM entities. Every lookup is scoped by tenant.
// Implementations must be safe for concurrent use.
type Store interface {
	CreateCustomer(ctx context.Context, c Customer) error
	UpdateCustomer(ctx context.Context, c Customer) error
	GetCustomer(ctx context.Context, tenantID, id string) (Customer, error)

	CreateSale(ctx context.Context, s Sale) error
	UpdateSale(ctx context.Context, s Sale) error
	DeleteSale(ctx context.Context, tenantID, id string) error
	GetSale(ctx context.Context, tenantID, id string) (Sale, error)

	CreateProduct(ctx context.Context, p Product) error
	UpdateProduct(ctx context.Context, p Product) error
	GetProduct(ctx context.Context, tenantID, id string) (Product, error)

	// AssignFloor creates or replaces the assignment of a.UserID.
	AssignFloor(ctx context.Context, a FloorAssignment) error
	GetFloorAssignment(ctx context.Context, tenantID, userID string) (FloorAssignment, error)
}

// NotFound returns an *EntityError wrapping ErrNotFound.
func NotFound(kind, id string) error {
	return &EntityError{Kind: kind, ID: id, Err: ErrNotFound}
}

// Conflict returns an *EntityError wrapping ErrConflict.
func Conflict(kind, id string) error {
	return &EntityError{Kind: kind, ID: id, Err: ErrConflict}
}
