// Package pgstore provides a PostgreSQL-based crm.Store implementation.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lirancohen/loupe/crm"
)

const schema = `
CREATE TABLE IF NOT EXISTS loupe_customers (
	tenant_id    TEXT NOT NULL,
	id           TEXT NOT NULL,
	name         TEXT NOT NULL,
	email        TEXT NOT NULL DEFAULT '',
	phone        TEXT NOT NULL DEFAULT '',
	income_range TEXT NOT NULL DEFAULT '',
	high_value   BOOLEAN NOT NULL DEFAULT FALSE,
	floor        TEXT NOT NULL DEFAULT '',
	notes        TEXT NOT NULL DEFAULT '',
	created_by   TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS loupe_sales (
	tenant_id        TEXT NOT NULL,
	id               TEXT NOT NULL,
	customer_id      TEXT NOT NULL DEFAULT '',
	product_id       TEXT NOT NULL DEFAULT '',
	quantity         INTEGER NOT NULL DEFAULT 0,
	amount           DOUBLE PRECISION NOT NULL,
	discount_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
	floor            TEXT NOT NULL DEFAULT '',
	salesperson_id   TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS loupe_products (
	tenant_id  TEXT NOT NULL,
	id         TEXT NOT NULL,
	name       TEXT NOT NULL,
	price      DOUBLE PRECISION NOT NULL,
	cost_price DOUBLE PRECISION NOT NULL DEFAULT 0,
	stock      INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS loupe_floor_assignments (
	tenant_id   TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	floor       TEXT NOT NULL,
	assigned_by TEXT NOT NULL,
	assigned_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, user_id)
);
`

// Store implements crm.Store with PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new PostgreSQL CRM store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the CRM tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create crm schema: %w", err)
	}
	return nil
}

func (s *Store) CreateCustomer(ctx context.Context, c crm.Customer) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO loupe_customers
			(tenant_id, id, name, email, phone, income_range, high_value, floor, notes, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, c.TenantID, c.ID, c.Name, c.Email, c.Phone, c.IncomeRange, c.HighValue, c.Floor, c.Notes, c.CreatedBy, c.CreatedAt, c.UpdatedAt)
	return insertError(err, crm.KindCustomer, c.ID)
}

func (s *Store) UpdateCustomer(ctx context.Context, c crm.Customer) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE loupe_customers
		SET name = $3, email = $4, phone = $5, income_range = $6, high_value = $7,
			floor = $8, notes = $9, updated_at = $10
		WHERE tenant_id = $1 AND id = $2
	`, c.TenantID, c.ID, c.Name, c.Email, c.Phone, c.IncomeRange, c.HighValue, c.Floor, c.Notes, c.UpdatedAt)
	return updateError(tag, err, crm.KindCustomer, c.ID)
}

func (s *Store) GetCustomer(ctx context.Context, tenantID, id string) (crm.Customer, error) {
	var c crm.Customer
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, id, name, email, phone, income_range, high_value, floor, notes, created_by, created_at, updated_at
		FROM loupe_customers
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id).Scan(
		&c.TenantID, &c.ID, &c.Name, &c.Email, &c.Phone, &c.IncomeRange, &c.HighValue,
		&c.Floor, &c.Notes, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, selectError(err, crm.KindCustomer, id)
}

func (s *Store) CreateSale(ctx context.Context, sale crm.Sale) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO loupe_sales
			(tenant_id, id, customer_id, product_id, quantity, amount, discount_percent, floor, salesperson_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, sale.TenantID, sale.ID, sale.CustomerID, sale.ProductID, sale.Quantity, sale.Amount, sale.DiscountPercent,
		sale.Floor, sale.SalespersonID, sale.CreatedAt, sale.UpdatedAt)
	return insertError(err, crm.KindSale, sale.ID)
}

func (s *Store) UpdateSale(ctx context.Context, sale crm.Sale) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE loupe_sales
		SET customer_id = $3, product_id = $4, quantity = $5, amount = $6, discount_percent = $7,
			floor = $8, updated_at = $9
		WHERE tenant_id = $1 AND id = $2
	`, sale.TenantID, sale.ID, sale.CustomerID, sale.ProductID, sale.Quantity, sale.Amount, sale.DiscountPercent,
		sale.Floor, sale.UpdatedAt)
	return updateError(tag, err, crm.KindSale, sale.ID)
}

func (s *Store) DeleteSale(ctx context.Context, tenantID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM loupe_sales WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return updateError(tag, err, crm.KindSale, id)
}

func (s *Store) GetSale(ctx context.Context, tenantID, id string) (crm.Sale, error) {
	var sale crm.Sale
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, id, customer_id, product_id, quantity, amount, discount_percent, floor, salesperson_id, created_at, updated_at
		FROM loupe_sales
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id).Scan(
		&sale.TenantID, &sale.ID, &sale.CustomerID, &sale.ProductID, &sale.Quantity, &sale.Amount,
		&sale.DiscountPercent, &sale.Floor, &sale.SalespersonID, &sale.CreatedAt, &sale.UpdatedAt,
	)
	return sale, selectError(err, crm.KindSale, id)
}

func (s *Store) CreateProduct(ctx context.Context, p crm.Product) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO loupe_products (tenant_id, id, name, price, cost_price, stock, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.TenantID, p.ID, p.Name, p.Price, p.CostPrice, p.Stock, p.UpdatedAt)
	return insertError(err, crm.KindProduct, p.ID)
}

func (s *Store) UpdateProduct(ctx context.Context, p crm.Product) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE loupe_products
		SET name = $3, price = $4, cost_price = $5, stock = $6, updated_at = $7
		WHERE tenant_id = $1 AND id = $2
	`, p.TenantID, p.ID, p.Name, p.Price, p.CostPrice, p.Stock, p.UpdatedAt)
	return updateError(tag, err, crm.KindProduct, p.ID)
}

func (s *Store) GetProduct(ctx context.Context, tenantID, id string) (crm.Product, error) {
	var p crm.Product
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, id, name, price, cost_price, stock, updated_at
		FROM loupe_products
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id).Scan(&p.TenantID, &p.ID, &p.Name, &p.Price, &p.CostPrice, &p.Stock, &p.UpdatedAt)
	return p, selectError(err, crm.KindProduct, id)
}

func (s *Store) AssignFloor(ctx context.Context, a crm.FloorAssignment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO loupe_floor_assignments (tenant_id, user_id, floor, assigned_by, assigned_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, user_id) DO UPDATE
		SET floor = EXCLUDED.floor, assigned_by = EXCLUDED.assigned_by, assigned_at = EXCLUDED.assigned_at
	`, a.TenantID, a.UserID, a.Floor, a.AssignedBy, a.AssignedAt)
	if err != nil {
		return fmt.Errorf("assign floor: %w", err)
	}
	return nil
}

func (s *Store) GetFloorAssignment(ctx context.Context, tenantID, userID string) (crm.FloorAssignment, error) {
	var a crm.FloorAssignment
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, user_id, floor, assigned_by, assigned_at
		FROM loupe_floor_assignments
		WHERE tenant_id = $1 AND user_id = $2
	`, tenantID, userID).Scan(&a.TenantID, &a.UserID, &a.Floor, &a.AssignedBy, &a.AssignedAt)
	return a, selectError(err, crm.KindFloor, userID)
}

func insertError(err error, kind, id string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return crm.Conflict(kind, id)
	}
	return fmt.Errorf("insert %s %s: %w", kind, id, err)
}

func updateError(tag pgconn.CommandTag, err error, kind, id string) error {
	if err != nil {
		return fmt.Errorf("write %s %s: %w", kind, id, err)
	}
	if tag.RowsAffected() == 0 {
		return crm.NotFound(kind, id)
	}
	return nil
}

func selectError(err error, kind, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return crm.NotFound(kind, id)
	}
	return fmt.Errorf("load %s %s: %w", kind, id, err)
}
