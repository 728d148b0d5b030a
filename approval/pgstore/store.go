// Package pgstore provides a PostgreSQL-based approval store implementation.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lirancohen/loupe/approval"
)

//go:embed schema.sql
var schema string

const pendingFingerprintIndex = "loupe_approval_requests_pending_fingerprint"

const requestColumns = `id, tenant_id, action_type, requester_id, requester_role, requester_floor,
	request_data, fingerprint, status, priority, requester_notes, approval_notes,
	reviewer_id, reviewer_role, escalation_id, created_at, updated_at, resolved_at`

const escalationColumns = `id, tenant_id, title, description, priority, status,
	requester_id, requester_role, requester_floor, approval_request_id, summary,
	assignee_role, resolution_notes, resolved_by, created_at, updated_at, resolved_at`

// createTries bounds the inserts of one Create that collide with a pending
// request resolved before it could be loaded.
const createTries = 3

// Store implements approval.Store with PostgreSQL.
type Store struct {
	pool *pgxpool.Pool

	// onConflict runs between a fingerprint collision and the lookup of the
	// colliding request.
	onConflict func()
}

// New creates a new PostgreSQL approval store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the approval tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create approval schema: %w", err)
	}
	return nil
}

// Create inserts a new request. A collision with a PENDING request of the
// same fingerprint returns *approval.DuplicatePendingError; when that request
// leaves PENDING before it can be loaded, the insert is tried again.
func (s *Store) Create(ctx context.Context, req approval.Request) error {
	for try := 1; ; try++ {
		err := s.insert(ctx, req)
		if err == nil {
			return nil
		}

		constraint, ok := uniqueViolation(err)
		if !ok || constraint != pendingFingerprintIndex {
			return &approval.PersistenceError{Op: "create", Err: err}
		}
		if s.onConflict != nil {
			s.onConflict()
		}

		existing, err := s.loadPendingByFingerprint(ctx, req.TenantID, req.Fingerprint)
		switch {
		case err == nil:
			return &approval.DuplicatePendingError{Existing: existing}
		case errors.Is(err, pgx.ErrNoRows) && try < createTries:
			continue
		default:
			return &approval.PersistenceError{Op: "create", Err: err}
		}
	}
}

func (s *Store) insert(ctx context.Context, req approval.Request) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO loupe_approval_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		req.ID, req.TenantID, string(req.ActionType), req.RequesterID, string(req.RequesterRole), req.RequesterFloor,
		[]byte(req.RequestData), req.Fingerprint, string(req.Status), string(req.Priority), req.RequesterNotes, req.ApprovalNotes,
		req.ReviewerID, string(req.ReviewerRole), req.EscalationID, req.CreatedAt, req.UpdatedAt, req.ResolvedAt,
	)
	return err
}

func (s *Store) loadPendingByFingerprint(ctx context.Context, tenantID, fingerprint string) (approval.Request, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+requestColumns+`
		FROM loupe_approval_requests
		WHERE tenant_id = $1 AND fingerprint = $2 AND status = 'PENDING'
	`, tenantID, fingerprint)
	return scanRequest(row)
}

// Get loads a request by id.
func (s *Store) Get(ctx context.Context, id string) (approval.Request, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+requestColumns+`
		FROM loupe_approval_requests
		WHERE id = $1
	`, id)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return approval.Request{}, approval.ErrNotFound
	}
	if err != nil {
		return approval.Request{}, fmt.Errorf("get request: %w", err)
	}
	return req, nil
}

// Transition applies a compare-and-set status change.
// The status check and the escalation insert share one transaction.
func (s *Store) Transition(ctx context.Context, t approval.Transition) (approval.Request, error) {
	if !t.From.CanTransitionTo(t.To) {
		current, err := s.currentStatus(ctx, s.pool, t.ID)
		if err != nil {
			return approval.Request{}, err
		}
		return approval.Request{}, &approval.TransitionError{ID: t.ID, Current: current, Target: t.To}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return approval.Request{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	escalationID := ""
	if t.Escalation != nil {
		if err := insertEscalation(ctx, tx, *t.Escalation); err != nil {
			return approval.Request{}, err
		}
		escalationID = t.Escalation.ID
	}

	row := tx.QueryRow(ctx, `
		UPDATE loupe_approval_requests
		SET status = $3,
			reviewer_id = $4,
			reviewer_role = $5,
			approval_notes = $6,
			escalation_id = CASE WHEN $7 = '' THEN escalation_id ELSE $7 END,
			updated_at = $8,
			resolved_at = $8
		WHERE id = $1 AND status = $2
		RETURNING `+requestColumns,
		t.ID, string(t.From), string(t.To), t.ReviewerID, string(t.ReviewerRole), t.Notes, escalationID, t.At,
	)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the id is unknown or another writer moved it first.
		current, statusErr := s.currentStatus(ctx, tx, t.ID)
		if statusErr != nil {
			return approval.Request{}, statusErr
		}
		return approval.Request{}, &approval.TransitionError{ID: t.ID, Current: current, Target: t.To}
	}
	if err != nil {
		return approval.Request{}, fmt.Errorf("update request status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return approval.Request{}, fmt.Errorf("commit transaction: %w", err)
	}
	return req, nil
}

// querier is an interface satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) currentStatus(ctx context.Context, q querier, id string) (approval.Status, error) {
	var status string
	err := q.QueryRow(ctx, `SELECT status FROM loupe_approval_requests WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", approval.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get request status: %w", err)
	}
	st, _ := approval.ParseStatus(status)
	return st, nil
}

// ListPending returns PENDING requests matching the filter, oldest first.
func (s *Store) ListPending(ctx context.Context, f approval.PendingFilter) ([]approval.Request, error) {
	where, args := pendingWhere(f)
	sql := `SELECT ` + requestColumns + ` FROM loupe_approval_requests WHERE ` + where +
		` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending requests: %w", err)
	}
	defer rows.Close()

	result := []approval.Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		result = append(result, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return result, nil
}

// CountPending implements query.PendingCounter.
func (s *Store) CountPending(ctx context.Context, f approval.PendingFilter) (int64, error) {
	where, args := pendingWhere(f)
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM loupe_approval_requests WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending requests: %w", err)
	}
	return n, nil
}

func pendingWhere(f approval.PendingFilter) (string, []any) {
	clauses := []string{"status = 'PENDING'"}
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.Floor != "" {
		add("requester_floor = $%d", f.Floor)
	}
	if len(f.ActionTypes) > 0 {
		actions := make([]string, len(f.ActionTypes))
		for i, a := range f.ActionTypes {
			actions[i] = string(a)
		}
		add("action_type = ANY($%d)", actions)
	}
	if f.ExcludeRequesterID != "" {
		add("requester_id <> $%d", f.ExcludeRequesterID)
	}
	if !f.CreatedBefore.IsZero() {
		add("created_at < $%d", f.CreatedBefore)
	}
	return strings.Join(clauses, " AND "), args
}

// CreateEscalation inserts a standalone escalation.
func (s *Store) CreateEscalation(ctx context.Context, e approval.Escalation) error {
	return insertEscalation(ctx, s.pool, e)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertEscalation(ctx context.Context, x execer, e approval.Escalation) error {
	_, err := x.Exec(ctx, `
		INSERT INTO loupe_escalations (`+escalationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		e.ID, e.TenantID, e.Title, e.Description, string(e.Priority), string(e.Status),
		e.RequesterID, string(e.RequesterRole), e.RequesterFloor, e.ApprovalRequestID, []byte(e.Summary),
		string(e.AssigneeRole), e.ResolutionNotes, e.ResolvedBy, e.CreatedAt, e.UpdatedAt, e.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("insert escalation: %w", err)
	}
	return nil
}

// GetEscalation loads an escalation by id.
func (s *Store) GetEscalation(ctx context.Context, id string) (approval.Escalation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+escalationColumns+` FROM loupe_escalations WHERE id = $1`, id)
	e, err := scanEscalation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return approval.Escalation{}, approval.ErrNotFound
	}
	if err != nil {
		return approval.Escalation{}, fmt.Errorf("get escalation: %w", err)
	}
	return e, nil
}

// UpdateEscalation applies a compare-and-set escalation status change.
func (s *Store) UpdateEscalation(ctx context.Context, u approval.EscalationUpdate) (approval.Escalation, error) {
	resolving := u.To == approval.EscalationResolved || u.To == approval.EscalationClosed

	var row pgx.Row
	if u.From.CanTransitionTo(u.To) {
		row = s.pool.QueryRow(ctx, `
			UPDATE loupe_escalations
			SET status = $3,
				updated_at = $4,
				resolution_notes = CASE WHEN $5 = '' THEN resolution_notes ELSE $5 END,
				resolved_at = CASE WHEN $6 AND resolved_at IS NULL THEN $4 ELSE resolved_at END,
				resolved_by = CASE WHEN $6 AND resolved_at IS NULL THEN $7 ELSE resolved_by END
			WHERE id = $1 AND status = $2
			RETURNING `+escalationColumns,
			u.ID, string(u.From), string(u.To), u.At, u.Notes, resolving, u.ActorID,
		)
		e, err := scanEscalation(row)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return approval.Escalation{}, fmt.Errorf("update escalation: %w", err)
		}
	}

	current, err := s.GetEscalation(ctx, u.ID)
	if err != nil {
		return approval.Escalation{}, err
	}
	return approval.Escalation{}, &approval.EscalationTransitionError{ID: u.ID, Current: current.Status, Target: u.To}
}

// ListEscalations returns escalations matching the filter, newest first.
func (s *Store) ListEscalations(ctx context.Context, f approval.EscalationFilter) ([]approval.Escalation, error) {
	clauses := []string{"TRUE"}
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.AssigneeRole != "" {
		add("assignee_role = $%d", string(f.AssigneeRole))
	}
	if f.ApprovalRequestID != "" {
		add("approval_request_id = $%d", f.ApprovalRequestID)
	}

	sql := `SELECT ` + escalationColumns + ` FROM loupe_escalations WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query escalations: %w", err)
	}
	defer rows.Close()

	result := []approval.Escalation{}
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate escalations: %w", err)
	}
	return result, nil
}

func scanRequest(row pgx.Row) (approval.Request, error) {
	var (
		r                                       approval.Request
		action, requesterRole, status, priority string
		reviewerRole                            string
		data                                    []byte
		createdAt, updatedAt                    time.Time
	)
	err := row.Scan(
		&r.ID, &r.TenantID, &action, &r.RequesterID, &requesterRole, &r.RequesterFloor,
		&data, &r.Fingerprint, &status, &priority, &r.RequesterNotes, &r.ApprovalNotes,
		&r.ReviewerID, &reviewerRole, &r.EscalationID, &createdAt, &updatedAt, &r.ResolvedAt,
	)
	if err != nil {
		return approval.Request{}, err
	}
	r.ActionType = approval.ActionType(action)
	r.RequesterRole = approval.Role(requesterRole)
	r.ReviewerRole = approval.Role(reviewerRole)
	r.Status = approval.Status(status)
	r.Priority = approval.Priority(priority)
	r.RequestData = data
	r.CreatedAt = createdAt.UTC()
	r.UpdatedAt = updatedAt.UTC()
	if r.ResolvedAt != nil {
		at := r.ResolvedAt.UTC()
		r.ResolvedAt = &at
	}
	return r, nil
}

func scanEscalation(row pgx.Row) (approval.Escalation, error) {
	var (
		e                                             approval.Escalation
		priority, status, requesterRole, assigneeRole string
		summary                                       []byte
	)
	err := row.Scan(
		&e.ID, &e.TenantID, &e.Title, &e.Description, &priority, &status,
		&e.RequesterID, &requesterRole, &e.RequesterFloor, &e.ApprovalRequestID, &summary,
		&assigneeRole, &e.ResolutionNotes, &e.ResolvedBy, &e.CreatedAt, &e.UpdatedAt, &e.ResolvedAt,
	)
	if err != nil {
		return approval.Escalation{}, err
	}
	e.Priority = approval.Priority(priority)
	e.Status = approval.EscalationStatus(status)
	e.RequesterRole = approval.Role(requesterRole)
	e.AssigneeRole = approval.Role(assigneeRole)
	if len(summary) > 0 {
		e.Summary = summary
	}
	return e, nil
}

// uniqueViolation reports whether err is a PostgreSQL unique_violation (23505)
// and returns the violated constraint name.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}
