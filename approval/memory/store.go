// Package memory provides an in-memory implementation of approval.Store.
// This implementation is suitable for testing and development.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/lirancohen/loupe/approval"
)

// Store is a thread-safe in-memory implementation of approval.Store.
// The zero value is ready for use.
type Store struct {
	mu          sync.RWMutex
	requests    map[string]approval.Request    // id -> request
	pending     map[string]string              // tenant+fingerprint -> id of the PENDING holder
	escalations map[string]approval.Escalation // id -> escalation
}

// New creates a new in-memory approval store.
func New() *Store {
	return &Store{
		requests:    make(map[string]approval.Request),
		pending:     make(map[string]string),
		escalations: make(map[string]approval.Escalation),
	}
}

// init initializes maps if nil (supports zero value). Caller must hold s.mu.
func (s *Store) init() {
	if s.requests == nil {
		s.requests = make(map[string]approval.Request)
	}
	if s.pending == nil {
		s.pending = make(map[string]string)
	}
	if s.escalations == nil {
		s.escalations = make(map[string]approval.Escalation)
	}
}

func pendingKey(tenantID, fingerprint string) string {
	return tenantID + "\x00" + fingerprint
}

// Create inserts a new request.
func (s *Store) Create(ctx context.Context, req approval.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()

	if _, exists := s.requests[req.ID]; exists {
		return &approval.PersistenceError{Op: "create", Err: errDuplicateID(req.ID)}
	}

	if req.Fingerprint != "" && req.Status == approval.StatusPending {
		key := pendingKey(req.TenantID, req.Fingerprint)
		if holder, ok := s.pending[key]; ok {
			return &approval.DuplicatePendingError{Existing: s.requests[holder].Clone()}
		}
		s.pending[key] = req.ID
	}

	s.requests[req.ID] = req.Clone()
	return nil
}

// Get loads a request by id.
func (s *Store) Get(ctx context.Context, id string) (approval.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return approval.Request{}, approval.ErrNotFound
	}
	return req.Clone(), nil
}

// Transition applies a compare-and-set status change.
// The escalation, if any, is inserted under the same lock.
func (s *Store) Transition(ctx context.Context, t approval.Transition) (approval.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()

	req, ok := s.requests[t.ID]
	if !ok {
		return approval.Request{}, approval.ErrNotFound
	}
	if req.Status != t.From || !t.From.CanTransitionTo(t.To) {
		return approval.Request{}, &approval.TransitionError{ID: t.ID, Current: req.Status, Target: t.To}
	}

	if t.Escalation != nil {
		if _, exists := s.escalations[t.Escalation.ID]; exists {
			return approval.Request{}, errDuplicateID(t.Escalation.ID)
		}
		s.escalations[t.Escalation.ID] = t.Escalation.Clone()
		req.EscalationID = t.Escalation.ID
	}

	at := t.At
	req.Status = t.To
	req.ReviewerID = t.ReviewerID
	req.ReviewerRole = t.ReviewerRole
	req.ApprovalNotes = t.Notes
	req.UpdatedAt = at
	req.ResolvedAt = &at
	s.requests[t.ID] = req

	if req.Fingerprint != "" {
		key := pendingKey(req.TenantID, req.Fingerprint)
		if s.pending[key] == req.ID {
			delete(s.pending, key)
		}
	}

	return req.Clone(), nil
}

// ListPending returns PENDING requests matching the filter, oldest first.
func (s *Store) ListPending(ctx context.Context, f approval.PendingFilter) ([]approval.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []approval.Request
	for _, req := range s.requests {
		if req.Status != approval.StatusPending || !matchPending(req, f) {
			continue
		}
		result = append(result, req.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return paginate(result, f.Offset, f.Limit), nil
}

// CountPending implements query.PendingCounter.
func (s *Store) CountPending(ctx context.Context, f approval.PendingFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, req := range s.requests {
		if req.Status == approval.StatusPending && matchPending(req, f) {
			n++
		}
	}
	return n, nil
}

func matchPending(req approval.Request, f approval.PendingFilter) bool {
	if f.TenantID != "" && req.TenantID != f.TenantID {
		return false
	}
	if f.Floor != "" && req.RequesterFloor != f.Floor {
		return false
	}
	if len(f.ActionTypes) > 0 && !slices.Contains(f.ActionTypes, req.ActionType) {
		return false
	}
	if f.ExcludeRequesterID != "" && req.RequesterID == f.ExcludeRequesterID {
		return false
	}
	if !f.CreatedBefore.IsZero() && !req.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

// CreateEscalation inserts a standalone escalation.
func (s *Store) CreateEscalation(ctx context.Context, e approval.Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()

	if _, exists := s.escalations[e.ID]; exists {
		return errDuplicateID(e.ID)
	}
	s.escalations[e.ID] = e.Clone()
	return nil
}

// GetEscalation loads an escalation by id.
func (s *Store) GetEscalation(ctx context.Context, id string) (approval.Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.escalations[id]
	if !ok {
		return approval.Escalation{}, approval.ErrNotFound
	}
	return e.Clone(), nil
}

// UpdateEscalation applies a compare-and-set escalation status change.
func (s *Store) UpdateEscalation(ctx context.Context, u approval.EscalationUpdate) (approval.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.escalations[u.ID]
	if !ok {
		return approval.Escalation{}, approval.ErrNotFound
	}
	if e.Status != u.From || !u.From.CanTransitionTo(u.To) {
		return approval.Escalation{}, &approval.EscalationTransitionError{ID: u.ID, Current: e.Status, Target: u.To}
	}

	e.Status = u.To
	e.UpdatedAt = u.At
	if u.Notes != "" {
		e.ResolutionNotes = u.Notes
	}
	if u.To == approval.EscalationResolved || u.To == approval.EscalationClosed {
		if e.ResolvedAt == nil {
			at := u.At
			e.ResolvedAt = &at
			e.ResolvedBy = u.ActorID
		}
	}
	s.escalations[u.ID] = e
	return e.Clone(), nil
}

// ListEscalations returns escalations matching the filter, newest first.
func (s *Store) ListEscalations(ctx context.Context, f approval.EscalationFilter) ([]approval.Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []approval.Escalation
	for _, e := range s.escalations {
		if f.TenantID != "" && e.TenantID != f.TenantID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.AssigneeRole != "" && e.AssigneeRole != f.AssigneeRole {
			continue
		}
		if f.ApprovalRequestID != "" && e.ApprovalRequestID != f.ApprovalRequestID {
			continue
		}
		result = append(result, e.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	return paginate(result, f.Offset, f.Limit), nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	if items == nil {
		return []T{}
	}
	return items
}

type duplicateIDError string

func (e duplicateIDError) Error() string {
	return "memory: duplicate id " + string(e)
}

func errDuplicateID(id string) error {
	return duplicateIDError(id)
}
