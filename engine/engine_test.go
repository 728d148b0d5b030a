package engine

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
	auditmem "github.com/lirancohen/loupe/audit/memory"
	"github.com/lirancohen/loupe/crm"
	crmmem "github.com/lirancohen/loupe/crm/memory"
	"github.com/lirancohen/loupe/gateway"
	"github.com/lirancohen/loupe/project"
)

var (
	seller   = approval.Actor{UserID: "sp-1", TenantID: "t1", Role: approval.RoleSalesperson, Floor: "1"}
	manager  = approval.Actor{UserID: "fm-1", TenantID: "t1", Role: approval.RoleFloorManager, Floor: "1"}
	admin    = approval.Actor{UserID: "ba-1", TenantID: "t1", Role: approval.RoleBusinessAdmin}
	outsider = approval.Actor{UserID: "ba-9", TenantID: "t2", Role: approval.RoleBusinessAdmin}
)

type testEngine struct {
	*Engine
	crm *crmmem.Store
}

func newTestEngine(t *testing.T) testEngine {
	t.Helper()
	var seq atomic.Int64
	store := crmmem.New()
	eng, err := New(Config{
		Store: approvalmem.New(),
		CRM:   store,
		Audit: auditmem.New(),
		Clock: func() time.Time { return time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC) },
		NewID: func() string { return fmt.Sprintf("id-%d", seq.Add(1)) },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return testEngine{Engine: eng, crm: store}
}

func TestNew_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing store", Config{CRM: crmmem.New()}},
		{"missing crm", Config{Store: approvalmem.New()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestCreateSaleWithWorkflow(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		requires bool
		priority approval.Priority
	}{
		{"large sale is held", `{"amount": 75000, "discount": 5, "customerId": "c1"}`, true, approval.PriorityHigh},
		{"small sale is stored", `{"amount": 1000, "discount": 0}`, false, ""},
		{"very large sale is urgent", `{"amount": 150000}`, true, approval.PriorityUrgent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)
			res, err := e.CreateSaleWithWorkflow(context.Background(), json.RawMessage(tt.data), seller)
			if err != nil {
				t.Fatalf("CreateSaleWithWorkflow() error = %v", err)
			}
			if res.RequiresApproval != tt.requires {
				t.Fatalf("RequiresApproval = %v, want %v", res.RequiresApproval, tt.requires)
			}
			if !tt.requires {
				sale, ok := res.Data.(*crm.Sale)
				if !ok || sale.Amount != 1000 {
					t.Errorf("Data = %#v, want stored sale", res.Data)
				}
				return
			}
			req, ok := res.Data.(*approval.Request)
			if !ok {
				t.Fatalf("Data = %T, want *approval.Request", res.Data)
			}
			if req.Status != approval.StatusPending || req.Priority != tt.priority {
				t.Errorf("request = %s/%s, want PENDING/%s", req.Status, req.Priority, tt.priority)
			}
			if string(req.RequestData) != tt.data {
				t.Errorf("RequestData = %s, want %s", req.RequestData, tt.data)
			}
		})
	}
}

func TestApproveThenExecute(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	res, err := e.CreateCustomerWithWorkflow(ctx, json.RawMessage(`{"name": "Ada", "incomeRange": "HIGH"}`), seller)
	if err != nil {
		t.Fatal(err)
	}
	id := res.Data.(*approval.Request).ID

	if n, _ := e.PendingCount(ctx, manager); n != 1 {
		t.Errorf("PendingCount(manager) = %d, want 1", n)
	}

	if _, err := e.ExecuteApproved(ctx, id); err == nil {
		t.Fatal("ExecuteApproved() before approval succeeded")
	}

	approved, err := e.ApproveRequest(ctx, id, manager, "known client")
	if err != nil {
		t.Fatalf("ApproveRequest() error = %v", err)
	}
	if approved.ReviewerID != "fm-1" || approved.ApprovalNotes != "known client" || approved.ResolvedAt == nil {
		t.Errorf("approved = %+v", approved)
	}

	exec, err := e.ExecuteApproved(ctx, id)
	if err != nil {
		t.Fatalf("ExecuteApproved() error = %v", err)
	}
	if _, err := e.crm.GetCustomer(ctx, "t1", exec.EntityID); err != nil {
		t.Errorf("customer not created: %v", err)
	}

	trail, err := e.AuditTrail(ctx, admin, id)
	if err != nil {
		t.Fatalf("AuditTrail() error = %v", err)
	}
	if trail.Status.Status != project.StatusExecuted || trail.Status.ReviewerID != "fm-1" {
		t.Errorf("trail status = %+v", trail.Status)
	}
	if len(trail.Timeline) != 4 {
		t.Errorf("timeline = %d entries, want 4", len(trail.Timeline))
	}

	streams, err := e.EntityHistory(ctx, crm.KindCustomer, exec.EntityID)
	if err != nil || len(streams) != 1 || streams[0] != id {
		t.Errorf("EntityHistory() = %v, %v, want [%s]", streams, err, id)
	}
}

type slowSales struct {
	crm.Store
	deletes atomic.Int32
}

func (s *slowSales) GetSale(ctx context.Context, tenantID, id string) (crm.Sale, error) {
	time.Sleep(20 * time.Millisecond)
	return s.Store.GetSale(ctx, tenantID, id)
}

func (s *slowSales) DeleteSale(ctx context.Context, tenantID, id string) error {
	s.deletes.Add(1)
	return s.Store.DeleteSale(ctx, tenantID, id)
}

func TestExecuteApproved_Concurrent(t *testing.T) {
	ctx := context.Background()
	store := &slowSales{Store: crmmem.New()}
	e, err := New(Config{Store: approvalmem.New(), CRM: store, Audit: auditmem.New()})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.CreateSale(ctx, crm.Sale{ID: "s1", TenantID: "t1", Amount: 900}); err != nil {
		t.Fatal(err)
	}

	out, err := e.Gateway().DeleteSale(ctx, gateway.Request{Requester: seller, Data: json.RawMessage(`{"saleId": "s1"}`)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.ApproveRequest(ctx, out.ApprovalID, admin, ""); err != nil {
		t.Fatal(err)
	}

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.ExecuteApproved(ctx, out.ApprovalID)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil && !errors.Is(err, gateway.ErrExecutionInProgress) {
			t.Errorf("ExecuteApproved() error = %v, want nil or ErrExecutionInProgress", err)
		}
	}
	if got := store.deletes.Load(); got != 1 {
		t.Errorf("DeleteSale calls = %d, want 1", got)
	}

	trail, err := e.AuditTrail(ctx, admin, out.ApprovalID)
	if err != nil {
		t.Fatal(err)
	}
	if len(trail.Executions) != 1 || trail.Executions[0].Status != project.ExecutionSucceeded {
		t.Errorf("executions = %+v, want one success", trail.Executions)
	}
}

func TestRejectThenApprove(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	req, err := e.SubmitApprovalRequest(ctx, approval.ActionDiscountApply, json.RawMessage(`{"saleId": "s1", "discountPercent": 12}`), seller, nil)
	if err != nil {
		t.Fatal(err)
	}

	rejected, err := e.RejectRequest(ctx, req.ID, admin, "insufficient justification")
	if err != nil {
		t.Fatal(err)
	}
	if rejected.Status != approval.StatusRejected || rejected.ApprovalNotes != "insufficient justification" {
		t.Errorf("rejected = %s %q", rejected.Status, rejected.ApprovalNotes)
	}

	_, err = e.ApproveRequest(ctx, req.ID, admin, "")
	if !errors.Is(err, approval.ErrInvalidTransition) {
		t.Errorf("ApproveRequest() after reject error = %v, want ErrInvalidTransition", err)
	}
	if _, err := e.ExecuteApproved(ctx, req.ID); err == nil {
		t.Error("ExecuteApproved() of a rejected request succeeded")
	}
}

func TestSubmitApprovalRequest_Priority(t *testing.T) {
	e := newTestEngine(t)
	urgent := approval.PriorityUrgent

	req, err := e.SubmitApprovalRequest(context.Background(), approval.ActionSaleCreate, json.RawMessage(`{"amount": 10}`), seller, &urgent)
	if err != nil {
		t.Fatal(err)
	}
	if req.Priority != approval.PriorityUrgent {
		t.Errorf("Priority = %s, want URGENT", req.Priority)
	}
}

func TestEscalateRequest(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	req, err := e.SubmitApprovalRequest(ctx, approval.ActionSaleCreate, json.RawMessage(`{"amount": 60000}`), seller, nil)
	if err != nil {
		t.Fatal(err)
	}
	esc, err := e.EscalateRequest(ctx, req.ID, manager, "above my limit")
	if err != nil {
		t.Fatalf("EscalateRequest() error = %v", err)
	}
	if esc.ApprovalRequestID != req.ID || esc.AssigneeRole != approval.RoleBusinessAdmin {
		t.Errorf("escalation = %+v", esc)
	}

	got, err := e.GetRequest(ctx, admin, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != approval.StatusEscalated || got.EscalationID != esc.ID {
		t.Errorf("request = %s linked to %q, want ESCALATED linked to %q", got.Status, got.EscalationID, esc.ID)
	}

	trail, err := e.AuditTrail(ctx, admin, esc.ID)
	if err != nil {
		t.Fatalf("AuditTrail(escalation) error = %v", err)
	}
	if len(trail.Timeline) == 0 {
		t.Error("escalation trail is empty")
	}
}

func TestTenantIsolation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	req, err := e.SubmitApprovalRequest(ctx, approval.ActionSaleCreate, json.RawMessage(`{"amount": 60000}`), seller, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.GetRequest(ctx, outsider, req.ID); !errors.Is(err, approval.ErrNotFound) {
		t.Errorf("GetRequest() error = %v, want ErrNotFound", err)
	}
	if _, err := e.AuditTrail(ctx, outsider, req.ID); !errors.Is(err, approval.ErrNotFound) {
		t.Errorf("AuditTrail() error = %v, want ErrNotFound", err)
	}
	if _, err := e.ApproveRequest(ctx, req.ID, outsider, ""); !errors.Is(err, approval.ErrNotFound) {
		t.Errorf("ApproveRequest() error = %v, want ErrNotFound", err)
	}
	if pending, _ := e.GetPendingApprovals(ctx, outsider); len(pending) != 0 {
		t.Errorf("GetPendingApprovals() = %d, want 0", len(pending))
	}
}

func TestCancelRequest(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	req, err := e.SubmitApprovalRequest(ctx, approval.ActionSaleCreate, json.RawMessage(`{"amount": 60000}`), seller, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.CancelRequest(ctx, req.ID, admin, ""); !errors.Is(err, approval.ErrUnauthorizedReviewer) {
		t.Errorf("CancelRequest() by admin error = %v, want ErrUnauthorizedReviewer", err)
	}
	got, err := e.CancelRequest(ctx, req.ID, seller, "typo")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != approval.StatusCancelled {
		t.Errorf("Status = %s, want CANCELLED", got.Status)
	}
}

func TestEvaluate_UnknownActionFailsOpen(t *testing.T) {
	e := newTestEngine(t)
	d, err := e.Evaluate("UNKNOWN_ACTION", json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if d.RequiresApproval {
		t.Error("RequiresApproval = true, want false")
	}
}
