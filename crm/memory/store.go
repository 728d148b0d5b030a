// Package memory provides an in-memory crm.Store for tests and local runs.
package memory

import (
	"context"
	"sync"

	"github.com/lirancohen/loupe/crm"
)

// Store is an in-memory crm.Store. The zero value is ready to use.
type Store struct {
	mu        sync.RWMutex
	customers map[string]crm.Customer
	sales     map[string]crm.Sale
	products  map[string]crm.Product
	floors    map[string]crm.FloorAssignment
}

// New creates an empty Store.
func New() *Store {
	s := &Store{}
	s.init()
	return s
}

func (s *Store) init() {
	if s.customers == nil {
		s.customers = make(map[string]crm.Customer)
		s.sales = make(map[string]crm.Sale)
		s.products = make(map[string]crm.Product)
		s.floors = make(map[string]crm.FloorAssignment)
	}
}

func key(tenantID, id string) string {
	return tenantID + "\x00" + id
}

// put inserts or replaces v under k. create fails on an existing key and
// replace fails on a missing one.
func put[T any](s *Store, m func() map[string]T, kind, tenantID, id string, v T, create bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()

	items := m()
	k := key(tenantID, id)
	_, exists := items[k]
	switch {
	case create && exists:
		return crm.Conflict(kind, id)
	case !create && !exists:
		return crm.NotFound(kind, id)
	}
	items[k] = v
	return nil
}

func get[T any](s *Store, m func() map[string]T, kind, tenantID, id string) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := m()[key(tenantID, id)]
	if !ok {
		var zero T
		return zero, crm.NotFound(kind, id)
	}
	return v, nil
}

func (s *Store) customerMap() map[string]crm.Customer { return s.customers }
func (s *Store) saleMap() map[string]crm.Sale         { return s.sales }
func (s *Store) productMap() map[string]crm.Product   { return s.products }

func (s *Store) CreateCustomer(ctx context.Context, c crm.Customer) error {
	return put(s, s.customerMap, crm.KindCustomer, c.TenantID, c.ID, c, true)
}

func (s *Store) UpdateCustomer(ctx context.Context, c crm.Customer) error {
	return put(s, s.customerMap, crm.KindCustomer, c.TenantID, c.ID, c, false)
}

func (s *Store) GetCustomer(ctx context.Context, tenantID, id string) (crm.Customer, error) {
	return get(s, s.customerMap, crm.KindCustomer, tenantID, id)
}

func (s *Store) CreateSale(ctx context.Context, sale crm.Sale) error {
	return put(s, s.saleMap, crm.KindSale, sale.TenantID, sale.ID, sale, true)
}

func (s *Store) UpdateSale(ctx context.Context, sale crm.Sale) error {
	return put(s, s.saleMap, crm.KindSale, sale.TenantID, sale.ID, sale, false)
}

func (s *Store) DeleteSale(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(tenantID, id)
	if _, ok := s.sales[k]; !ok {
		return crm.NotFound(crm.KindSale, id)
	}
	delete(s.sales, k)
	return nil
}

func (s *Store) GetSale(ctx context.Context, tenantID, id string) (crm.Sale, error) {
	return get(s, s.saleMap, crm.KindSale, tenantID, id)
}

func (s *Store) CreateProduct(ctx context.Context, p crm.Product) error {
	return put(s, s.productMap, crm.KindProduct, p.TenantID, p.ID, p, true)
}

func (s *Store) UpdateProduct(ctx context.Context, p crm.Product) error {
	return put(s, s.productMap, crm.KindProduct, p.TenantID, p.ID, p, false)
}

func (s *Store) GetProduct(ctx context.Context, tenantID, id string) (crm.Product, error) {
	return get(s, s.productMap, crm.KindProduct, tenantID, id)
}

func (s *Store) AssignFloor(ctx context.Context, a crm.FloorAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()

	s.floors[key(a.TenantID, a.UserID)] = a
	return nil
}

func (s *Store) GetFloorAssignment(ctx context.Context, tenantID, userID string) (crm.FloorAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.floors[key(tenantID, userID)]
	if !ok {
		return crm.FloorAssignment{}, crm.NotFound(crm.KindFloor, userID)
	}
	return a, nil
}
