package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lirancohen/loupe/approval"
	approvalmem "github.com/lirancohen/loupe/approval/memory"
	"github.com/lirancohen/loupe/audit"
	auditmem "github.com/lirancohen/loupe/audit/memory"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

var (
	seller  = approval.Actor{UserID: "sp-1", TenantID: "t1", Role: approval.RoleSalesperson, Floor: "1"}
	manager = approval.Actor{UserID: "fm-1", TenantID: "t1", Role: approval.RoleFloorManager, Floor: "1"}
	admin   = approval.Actor{UserID: "ba-1", TenantID: "t1", Role: approval.RoleBusinessAdmin}
	roaming = approval.Actor{UserID: "sp-4", TenantID: "t1", Role: approval.RoleSalesperson}
)

type notices struct {
	mu   sync.Mutex
	list []approval.Notice
}

func (n *notices) Notify(_ context.Context, notice approval.Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.list = append(n.list, notice)
	return nil
}

func (n *notices) kinds() []approval.NoticeKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var kinds []approval.NoticeKind
	for _, notice := range n.list {
		kinds = append(kinds, notice.Kind)
	}
	return kinds
}

type harness struct {
	m       *Manager
	store   *approvalmem.Store
	audit   *auditmem.Store
	notices *notices
	now     time.Time
	seq     atomic.Int64
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		store:   approvalmem.New(),
		audit:   auditmem.New(),
		notices: &notices{},
		now:     t0,
	}
	cfg := Config{
		Store:    h.store,
		Audit:    h.audit,
		Notifier: h.notices,
		Clock:    func() time.Time { return h.now },
		NewID: func() string {
			return fmt.Sprintf("esc-%d", h.seq.Add(1))
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	h.m = m
	return h
}

func (h *harness) pending(t *testing.T, id string, action approval.ActionType, requester approval.Actor) approval.Request {
	t.Helper()
	req := approval.Request{
		ID:             id,
		TenantID:       requester.TenantID,
		ActionType:     action,
		RequesterID:    requester.UserID,
		RequesterRole:  requester.Role,
		RequesterFloor: requester.Floor,
		RequestData:    json.RawMessage(`{"amount": 75000, "discount": 5}`),
		Status:         approval.StatusPending,
		Priority:       approval.PriorityHigh,
		RequesterNotes: "please",
		CreatedAt:      h.now,
		UpdatedAt:      h.now,
	}
	if err := h.store.Create(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	return req
}

func TestRejectThenApprove(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.pending(t, "r1", approval.ActionSaleCreate, seller)
	h.now = t0.Add(time.Hour)

	rejected, err := h.m.Reject(ctx, "r1", manager, "insufficient justification")
	if err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if rejected.Status != approval.StatusRejected {
		t.Errorf("Status = %s, want REJECTED", rejected.Status)
	}
	if rejected.ApprovalNotes != "insufficient justification" {
		t.Errorf("ApprovalNotes = %q", rejected.ApprovalNotes)
	}
	if rejected.RequesterNotes != "please" {
		t.Errorf("RequesterNotes = %q, want it untouched", rejected.RequesterNotes)
	}
	if rejected.ReviewerID != manager.UserID || rejected.ResolvedAt == nil || !rejected.UpdatedAt.Equal(h.now) {
		t.Errorf("reviewer stamp = %+v", rejected)
	}

	_, err = h.m.Approve(ctx, "r1", manager, "")
	if !errors.Is(err, approval.ErrInvalidTransition) {
		t.Errorf("Approve() after reject error = %v, want ErrInvalidTransition", err)
	}
}

func TestApproveTwice(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.pending(t, "r1", approval.ActionSaleCreate, seller)

	if _, err := h.m.Approve(ctx, "r1", admin, "ok"); err != nil {
		t.Fatalf("first Approve() error = %v", err)
	}
	_, err := h.m.Approve(ctx, "r1", admin, "ok")
	var te *approval.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("second Approve() error = %v, want *TransitionError", err)
	}
	if te.Current != approval.StatusApproved {
		t.Errorf("Current = %s, want APPROVED", te.Current)
	}

	if got := h.notices.kinds(); len(got) != 1 || got[0] != approval.NoticeApproved {
		t.Errorf("notices = %v, want [approved]", got)
	}
}

func TestTerminalStatesAreClosed(t *testing.T) {
	ops := map[string]func(h *harness, id string) error{
		"approve": func(h *harness, id string) error {
			_, err := h.m.Approve(context.Background(), id, admin, "")
			return err
		},
		"reject": func(h *harness, id string) error {
			_, err := h.m.Reject(context.Background(), id, admin, "")
			return err
		},
		"escalate": func(h *harness, id string) error {
			_, _, err := h.m.Escalate(context.Background(), id, admin, "")
			return err
		},
		"cancel": func(h *harness, id string) error {
			_, err := h.m.Cancel(context.Background(), id, seller, "")
			return err
		},
		"expire": func(h *harness, id string) error {
			_, err := h.m.Expire(context.Background(), id, ExpireCancel)
			return err
		},
	}

	for setup, first := range ops {
		if setup == "expire" {
			continue
		}
		for name, op := range ops {
			t.Run(setup+" then "+name, func(t *testing.T) {
				h := newHarness(t, nil)
				h.pending(t, "r1", approval.ActionSaleCreate, seller)
				if err := first(h, "r1"); err != nil {
					t.Fatalf("%s error = %v", setup, err)
				}
				if err := op(h, "r1"); !errors.Is(err, approval.ErrInvalidTransition) {
					t.Errorf("%s error = %v, want ErrInvalidTransition", name, err)
				}
			})
		}
	}
}

func TestEscalate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	original := h.pending(t, "r1", approval.ActionSaleCreate, seller)

	req, esc, err := h.m.Escalate(ctx, "r1", manager, "above my limit")
	if err != nil {
		t.Fatalf("Escalate() error = %v", err)
	}
	if req.Status != approval.StatusEscalated || req.EscalationID != esc.ID {
		t.Errorf("request = %s/%s, want ESCALATED linked to %s", req.Status, req.EscalationID, esc.ID)
	}
	if esc.ApprovalRequestID != "r1" || esc.AssigneeRole != approval.RoleBusinessAdmin {
		t.Errorf("escalation = %+v", esc)
	}
	if esc.Priority != original.Priority || esc.Status != approval.EscalationOpen {
		t.Errorf("escalation priority/status = %s/%s", esc.Priority, esc.Status)
	}
	if string(esc.Summary) != string(original.RequestData) {
		t.Errorf("Summary = %s, want %s", esc.Summary, original.RequestData)
	}

	stored, err := h.m.GetEscalation(ctx, admin, esc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ID != esc.ID {
		t.Errorf("GetEscalation() = %+v", stored)
	}

	entries, _ := h.audit.Load(ctx, "r1")
	if len(entries) != 1 || entries[0].Type != audit.EntryEscalated {
		t.Fatalf("request trail = %+v, want one approval.escalated", entries)
	}
	var data audit.EscalatedData
	if err := json.Unmarshal(entries[0].Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.EscalationID != esc.ID || data.Notes != "above my limit" {
		t.Errorf("escalated data = %+v", data)
	}
	opened, _ := h.audit.Load(ctx, esc.ID)
	if len(opened) != 1 || opened[0].Type != audit.EntryEscalationOpened {
		t.Errorf("escalation trail = %+v", opened)
	}
}

func TestAuthorization(t *testing.T) {
	otherFloor := approval.Actor{UserID: "fm-2", TenantID: "t1", Role: approval.RoleFloorManager, Floor: "2"}
	otherTenant := approval.Actor{UserID: "ba-9", TenantID: "t2", Role: approval.RoleBusinessAdmin}
	peer := approval.Actor{UserID: "sp-2", TenantID: "t1", Role: approval.RoleSalesperson, Floor: "1"}
	floorless := approval.Actor{UserID: "fm-3", TenantID: "t1", Role: approval.RoleFloorManager}

	tests := []struct {
		name    string
		action  approval.ActionType
		actor   approval.Actor
		op      Operation
		wantErr error
	}{
		{"manager approves sale on own floor", approval.ActionSaleCreate, manager, OpApprove, nil},
		{"manager on other floor", approval.ActionSaleCreate, otherFloor, OpApprove, approval.ErrUnauthorizedReviewer},
		{"manager approves sale delete", approval.ActionSaleDelete, manager, OpApprove, approval.ErrUnauthorizedReviewer},
		{"manager escalates sale delete", approval.ActionSaleDelete, manager, OpEscalate, nil},
		{"admin approves floor assignment", approval.ActionFloorAssignment, admin, OpApprove, nil},
		{"salesperson approves", approval.ActionSaleCreate, peer, OpApprove, approval.ErrUnauthorizedReviewer},
		{"requester approves own", approval.ActionSaleCreate, seller, OpApprove, approval.ErrUnauthorizedReviewer},
		{"requester cancels", approval.ActionSaleCreate, seller, OpCancel, nil},
		{"admin cancels", approval.ActionSaleCreate, admin, OpCancel, approval.ErrUnauthorizedReviewer},
		{"other tenant", approval.ActionSaleCreate, otherTenant, OpApprove, approval.ErrNotFound},
		{"floorless manager approves", approval.ActionSaleCreate, floorless, OpApprove, approval.ErrUnauthorizedReviewer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.pending(t, "r1", tt.action, seller)
			ctx := context.Background()

			var err error
			switch tt.op {
			case OpApprove:
				_, err = h.m.Approve(ctx, "r1", tt.actor, "")
			case OpEscalate:
				_, _, err = h.m.Escalate(ctx, "r1", tt.actor, "")
			case OpCancel:
				_, err = h.m.Cancel(ctx, "r1", tt.actor, "")
			}

			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if got, _ := h.store.Get(ctx, "r1"); got.Status != approval.StatusPending {
				t.Errorf("Status = %s, refused operation must leave PENDING", got.Status)
			}
		})
	}
}

// A request raised without a floor is reviewed and listed by admins only.
func TestFloorlessRequest(t *testing.T) {
	tests := []struct {
		reviewer approval.Actor
		wantErr  error
		listed   int
	}{
		{manager, approval.ErrUnauthorizedReviewer, 0},
		{admin, nil, 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.reviewer.Role), func(t *testing.T) {
			h := newHarness(t, nil)
			ctx := context.Background()
			h.pending(t, "r1", approval.ActionSaleCreate, roaming)

			got, err := h.m.Pending(ctx, tt.reviewer, approval.PendingFilter{})
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.listed {
				t.Errorf("Pending() = %d requests, want %d", len(got), tt.listed)
			}

			_, err = h.m.Approve(ctx, "r1", tt.reviewer, "")
			if tt.wantErr == nil && err != nil {
				t.Errorf("Approve() error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Approve() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.m.Approve(context.Background(), "missing", admin, ""); !errors.Is(err, approval.ErrNotFound) {
		t.Errorf("Approve() error = %v, want ErrNotFound", err)
	}
}

func TestConcurrentReviewers(t *testing.T) {
	h := newHarness(t, nil)
	h.pending(t, "r1", approval.ActionSaleCreate, seller)

	const reviewers = 12
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := range reviewers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = h.m.Approve(context.Background(), "r1", admin, "")
			} else {
				_, err = h.m.Reject(context.Background(), "r1", admin, "")
			}
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, approval.ErrInvalidTransition):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 || conflicts.Load() != reviewers-1 {
		t.Errorf("wins = %d, conflicts = %d, want 1 and %d", wins.Load(), conflicts.Load(), reviewers-1)
	}
}

func TestExpireStale(t *testing.T) {
	tests := []struct {
		name   string
		action ExpiryAction
		want   approval.Status
	}{
		{"cancel", ExpireCancel, approval.StatusCancelled},
		{"escalate", ExpireEscalate, approval.StatusEscalated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *Config) {
				c.Expiry = ExpiryPolicy{After: 24 * time.Hour, Action: tt.action}
			})
			ctx := context.Background()
			h.pending(t, "old-1", approval.ActionSaleCreate, seller)
			h.pending(t, "old-2", approval.ActionDiscountApply, seller)
			h.now = t0.Add(30 * time.Hour)
			h.pending(t, "fresh", approval.ActionSaleCreate, seller)

			n, err := h.m.ExpireStale(ctx, "t1")
			if err != nil {
				t.Fatalf("ExpireStale() error = %v", err)
			}
			if n != 2 {
				t.Errorf("expired = %d, want 2", n)
			}

			for _, id := range []string{"old-1", "old-2"} {
				got, _ := h.store.Get(ctx, id)
				if got.Status != tt.want || got.ReviewerID != audit.SystemActor {
					t.Errorf("%s = %s by %s, want %s by system", id, got.Status, got.ReviewerID, tt.want)
				}
				if tt.want == approval.StatusEscalated && got.EscalationID == "" {
					t.Errorf("%s has no linked escalation", id)
				}
				entries, _ := h.audit.Load(ctx, id)
				if len(entries) == 0 || entries[len(entries)-1].Type != audit.EntryExpired {
					t.Errorf("%s trail = %+v, want approval.expired", id, entries)
				}
			}
			if got, _ := h.store.Get(ctx, "fresh"); got.Status != approval.StatusPending {
				t.Errorf("fresh = %s, want PENDING", got.Status)
			}

			// A second sweep finds nothing left to do.
			if n, _ := h.m.ExpireStale(ctx, "t1"); n != 0 {
				t.Errorf("second sweep expired %d, want 0", n)
			}
		})
	}
}

func TestExpireStale_Disabled(t *testing.T) {
	h := newHarness(t, nil)
	h.pending(t, "old", approval.ActionSaleCreate, seller)
	h.now = t0.Add(1000 * time.Hour)

	n, err := h.m.ExpireStale(context.Background(), "")
	if err != nil || n != 0 {
		t.Errorf("ExpireStale() = %d, %v, want 0, nil", n, err)
	}
}

func TestPending(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.pending(t, "sale", approval.ActionSaleCreate, seller)
	h.pending(t, "delete", approval.ActionSaleDelete, seller)
	h.pending(t, "mine", approval.ActionDiscountApply, manager)
	upstairs := approval.Actor{UserID: "sp-3", TenantID: "t1", Role: approval.RoleSalesperson, Floor: "2"}
	h.pending(t, "upstairs", approval.ActionSaleCreate, upstairs)
	h.pending(t, "roaming", approval.ActionSaleCreate, roaming)

	tests := []struct {
		name     string
		reviewer approval.Actor
		want     int
	}{
		{"floor manager", manager, 1},
		{"floorless manager", approval.Actor{UserID: "fm-3", TenantID: "t1", Role: approval.RoleFloorManager}, 0},
		{"admin", admin, 5},
		{"salesperson", seller, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.m.Pending(ctx, tt.reviewer, approval.PendingFilter{})
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("Pending() = %d requests, want %d", len(got), tt.want)
			}
			n, err := h.m.CountPending(ctx, tt.reviewer)
			if err != nil {
				t.Fatal(err)
			}
			if n != int64(tt.want) {
				t.Errorf("CountPending() = %d, want %d", n, tt.want)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"missing store", Config{}, true},
		{"negative expiry", Config{Store: approvalmem.New(), Expiry: ExpiryPolicy{After: -time.Hour}}, true},
		{"bad expiry action", Config{Store: approvalmem.New(), Expiry: ExpiryPolicy{After: time.Hour, Action: "delete"}}, true},
		{"minimal", Config{Store: approvalmem.New()}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
