package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lirancohen/loupe/approval"
	approvalmem "github.com/lirancohen/loupe/approval/memory"
	"github.com/lirancohen/loupe/audit"
	auditmem "github.com/lirancohen/loupe/audit/memory"
	"github.com/lirancohen/loupe/crm"
	crmmem "github.com/lirancohen/loupe/crm/memory"
	"github.com/lirancohen/loupe/policy"
	"github.com/lirancohen/loupe/workflow"
)

var clock = func() time.Time { return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) }

var seller = approval.Actor{UserID: "sp-1", TenantID: "t1", Role: approval.RoleSalesperson, Floor: "1"}

type env struct {
	gw       *Gateway
	exec     *Executor
	requests *approvalmem.Store
	crm      *crmmem.Store
	audit    *auditmem.Store
}

func newEnv(t *testing.T) env {
	t.Helper()
	e := env{requests: approvalmem.New(), crm: crmmem.New(), audit: auditmem.New()}

	orch, err := workflow.New(workflow.Config{
		Evaluator: policy.Default(),
		Store:     e.requests,
		Audit:     e.audit,
		Clock:     clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	e.gw, err = New(Config{Orchestrator: orch, Store: e.crm, Clock: clock})
	if err != nil {
		t.Fatal(err)
	}
	e.exec, err = NewExecutor(ExecutorConfig{Store: e.crm, Audit: e.audit, Clock: clock})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func (e env) approve(t *testing.T, id string) approval.Request {
	t.Helper()
	req, err := e.requests.Transition(context.Background(), approval.Transition{
		ID: id, From: approval.StatusPending, To: approval.StatusApproved, ReviewerID: "ba-1", At: clock(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestCreateSale(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		status Status
	}{
		{"small sale completes", `{"amount": 1000, "discount": 0}`, StatusCompleted},
		{"large sale waits", `{"amount": 75000, "discount": 5, "customerId": "c1"}`, StatusPendingApproval},
		{"big discount waits", `{"amount": 500, "discountPercent": 15}`, StatusPendingApproval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			ctx := context.Background()

			out, err := e.gw.CreateSale(ctx, Request{Requester: seller, Data: json.RawMessage(tt.data)})
			if err != nil {
				t.Fatalf("CreateSale() error = %v", err)
			}
			if out.Status != tt.status {
				t.Fatalf("Status = %s, want %s", out.Status, tt.status)
			}

			switch tt.status {
			case StatusCompleted:
				if out.Entity == nil || out.RequiresApproval {
					t.Fatalf("outcome = %+v, want entity", out)
				}
				stored, err := e.crm.GetSale(ctx, "t1", out.Entity.ID)
				if err != nil {
					t.Fatalf("sale not stored: %v", err)
				}
				if stored.SalespersonID != "sp-1" || stored.Floor != "1" {
					t.Errorf("stored sale = %+v", stored)
				}
			case StatusPendingApproval:
				if out.Entity != nil || out.ApprovalID == "" || !out.RequiresApproval {
					t.Fatalf("outcome = %+v, want approval handle only", out)
				}
				if _, err := e.crm.GetSale(ctx, "t1", out.ApprovalID); !errors.Is(err, crm.ErrNotFound) {
					t.Errorf("pending sale touched domain storage: %v", err)
				}
			}
		})
	}
}

func TestValidationErrors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		call  func() error
		field string
	}{
		{"discount without sale", func() error {
			_, err := e.gw.ApplyDiscount(ctx, Request{Requester: seller, Data: json.RawMessage(`{"discountPercent": 30}`)})
			return err
		}, "saleId"},
		{"customer without name", func() error {
			_, err := e.gw.CreateCustomer(ctx, Request{Requester: seller, Data: json.RawMessage(`{"email": "a@b.c"}`)})
			return err
		}, "name"},
		{"floor without target", func() error {
			_, err := e.gw.AssignFloor(ctx, Request{Requester: seller, Data: json.RawMessage(`{"userId": "u1"}`)})
			return err
		}, "toFloor"},
		{"malformed json", func() error {
			_, err := e.gw.CreateSale(ctx, Request{Requester: seller, Data: json.RawMessage(`{"amount":`)})
			return err
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			var pe *approval.PolicyError
			if !errors.As(err, &pe) {
				t.Fatalf("error = %v, want *approval.PolicyError", err)
			}
			if pe.Field != tt.field {
				t.Errorf("Field = %q, want %q", pe.Field, tt.field)
			}
		})
	}

	if n, _ := e.requests.CountPending(ctx, approval.PendingFilter{}); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestCreateCustomer_HighValueIsDeferredThenExecuted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	out, err := e.gw.CreateCustomer(ctx, Request{Requester: seller, Data: json.RawMessage(`{"name": "Grace", "incomeRange": "HIGH"}`)})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusPendingApproval {
		t.Fatalf("Status = %s, want PENDING_APPROVAL", out.Status)
	}

	pending, _ := e.requests.Get(ctx, out.ApprovalID)
	if _, err := e.exec.Execute(ctx, pending); !errors.Is(err, ErrNotApproved) {
		t.Errorf("Execute() of pending error = %v, want ErrNotApproved", err)
	}

	approved := e.approve(t, out.ApprovalID)
	exec, err := e.exec.Execute(ctx, approved)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if exec.EntityType != crm.KindCustomer || exec.EntityID != out.ApprovalID {
		t.Errorf("Execute() = %+v", exec)
	}
	c, err := e.crm.GetCustomer(ctx, "t1", out.ApprovalID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "Grace" || c.CreatedBy != "sp-1" {
		t.Errorf("customer = %+v", c)
	}

	again, err := e.exec.Execute(ctx, approved)
	if err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
	if !again.AlreadyExecuted || again.EntityID != exec.EntityID {
		t.Errorf("second Execute() = %+v, want already executed", again)
	}

	entries, _ := e.audit.Load(ctx, out.ApprovalID)
	last := entries[len(entries)-1]
	if last.Type != audit.EntryExecuted {
		t.Errorf("last entry = %s, want action.executed", last.Type)
	}
}

func TestUpdateProduct(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if err := e.crm.CreateProduct(ctx, crm.Product{ID: "p1", TenantID: "t1", Name: "Ring", Price: 100, CostPrice: 40, Stock: 2}); err != nil {
		t.Fatal(err)
	}

	out, err := e.gw.UpdateProduct(ctx, Request{Requester: seller, Data: json.RawMessage(`{"productId": "p1", "price": 105, "previousPrice": 100, "stock": 5}`)})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusCompleted || out.Entity.Price != 105 || out.Entity.Stock != 5 || out.Entity.CostPrice != 40 {
		t.Errorf("small price change outcome = %+v", out)
	}

	out, err = e.gw.UpdateProduct(ctx, Request{Requester: seller, Data: json.RawMessage(`{"productId": "p1", "price": 150, "previousPrice": 105}`)})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusPendingApproval {
		t.Errorf("large price change Status = %s, want PENDING_APPROVAL", out.Status)
	}
	if p, _ := e.crm.GetProduct(ctx, "t1", "p1"); p.Price != 105 {
		t.Errorf("Price = %v, want 105 until approved", p.Price)
	}
}

func TestApplyDiscountAndDeleteSale(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if err := e.crm.CreateSale(ctx, crm.Sale{ID: "s1", TenantID: "t1", Amount: 2000}); err != nil {
		t.Fatal(err)
	}

	out, err := e.gw.ApplyDiscount(ctx, Request{Requester: seller, Data: json.RawMessage(`{"saleId": "s1", "discountPercent": 5}`)})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusCompleted || out.Entity.DiscountPercent != 5 {
		t.Errorf("ApplyDiscount() = %+v", out)
	}

	del, err := e.gw.DeleteSale(ctx, Request{Requester: seller, Data: json.RawMessage(`{"saleId": "s1", "reason": "duplicate"}`)})
	if err != nil {
		t.Fatal(err)
	}
	if del.Status != StatusPendingApproval || del.Request.Priority != approval.PriorityHigh {
		t.Fatalf("DeleteSale() = %+v, want pending HIGH", del)
	}
	if _, err := e.crm.GetSale(ctx, "t1", "s1"); err != nil {
		t.Fatalf("sale removed before approval: %v", err)
	}

	if _, err := e.exec.Execute(ctx, e.approve(t, del.ApprovalID)); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if _, err := e.crm.GetSale(ctx, "t1", "s1"); !errors.Is(err, crm.ErrNotFound) {
		t.Errorf("GetSale() after approved delete error = %v, want ErrNotFound", err)
	}
}

func TestAssignFloor(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	out, err := e.gw.AssignFloor(ctx, Request{Requester: seller, Data: json.RawMessage(`{"userId": "sp-7", "toFloor": "3"}`)})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusPendingApproval {
		t.Fatalf("Status = %s, want PENDING_APPROVAL", out.Status)
	}
	if _, err := e.exec.Execute(ctx, e.approve(t, out.ApprovalID)); err != nil {
		t.Fatal(err)
	}
	a, err := e.crm.GetFloorAssignment(ctx, "t1", "sp-7")
	if err != nil || a.Floor != "3" {
		t.Errorf("assignment = %+v, %v", a, err)
	}
}

// slowCRM stretches GetSale so concurrent executions overlap, and counts
// deletes.
type slowCRM struct {
	crm.Store
	delay   time.Duration
	deletes atomic.Int32
}

func (s *slowCRM) GetSale(ctx context.Context, tenantID, id string) (crm.Sale, error) {
	time.Sleep(s.delay)
	return s.Store.GetSale(ctx, tenantID, id)
}

func (s *slowCRM) DeleteSale(ctx context.Context, tenantID, id string) error {
	s.deletes.Add(1)
	return s.Store.DeleteSale(ctx, tenantID, id)
}

// approvedDelete submits and approves the deletion of sale s1.
func (e env) approvedDelete(t *testing.T) approval.Request {
	t.Helper()
	del, err := e.gw.DeleteSale(context.Background(), Request{Requester: seller, Data: json.RawMessage(`{"saleId": "s1", "reason": "duplicate"}`)})
	if err != nil {
		t.Fatal(err)
	}
	return e.approve(t, del.ApprovalID)
}

func entryTypes(t *testing.T, s audit.Store, id string) []audit.EntryType {
	t.Helper()
	entries, err := s.Load(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	var types []audit.EntryType
	for _, entry := range entries {
		types = append(types, entry.Type)
	}
	return types
}

func TestExecute_ConcurrentCallersWriteOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if err := e.crm.CreateSale(ctx, crm.Sale{ID: "s1", TenantID: "t1", Amount: 2000}); err != nil {
		t.Fatal(err)
	}
	req := e.approvedDelete(t)

	slow := &slowCRM{Store: e.crm, delay: 20 * time.Millisecond}
	exec, err := NewExecutor(ExecutorConfig{Store: slow, Audit: e.audit, Clock: clock})
	if err != nil {
		t.Fatal(err)
	}

	const callers = 8
	var (
		wg       sync.WaitGroup
		written  atomic.Int32
		inFlight atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := exec.Execute(ctx, req)
			switch {
			case err == nil && !res.AlreadyExecuted:
				written.Add(1)
			case err == nil:
			case errors.Is(err, ErrExecutionInProgress):
				inFlight.Add(1)
			default:
				t.Errorf("Execute() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := written.Load(); got != 1 {
		t.Errorf("executions that wrote = %d, want 1", got)
	}
	if got := slow.deletes.Load(); got != 1 {
		t.Errorf("DeleteSale calls = %d, want 1", got)
	}

	want := []audit.EntryType{audit.EntrySubmitted, audit.EntryExecutionStarted, audit.EntryExecuted}
	if got := entryTypes(t, e.audit, req.ID); !slices.Equal(got, want) {
		t.Errorf("trail = %v, want %v", got, want)
	}
}

func TestExecute_FailureReleasesClaim(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if err := e.crm.CreateSale(ctx, crm.Sale{ID: "s1", TenantID: "t1", Amount: 2000}); err != nil {
		t.Fatal(err)
	}
	req := e.approvedDelete(t)
	if err := e.crm.DeleteSale(ctx, "t1", "s1"); err != nil {
		t.Fatal(err)
	}

	if _, err := e.exec.Execute(ctx, req); !errors.Is(err, crm.ErrNotFound) {
		t.Fatalf("Execute() error = %v, want crm.ErrNotFound", err)
	}

	if err := e.crm.CreateSale(ctx, crm.Sale{ID: "s1", TenantID: "t1", Amount: 2000}); err != nil {
		t.Fatal(err)
	}
	res, err := e.exec.Execute(ctx, req)
	if err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
	if res.AlreadyExecuted {
		t.Error("second Execute() AlreadyExecuted = true, want false")
	}

	entries, _ := e.audit.Load(ctx, req.ID)
	var attempts []int
	for _, entry := range entries {
		switch entry.Type {
		case audit.EntryExecutionStarted:
			var data audit.ExecutionStartedData
			json.Unmarshal(entry.Data, &data)
			attempts = append(attempts, data.Attempt)
		case audit.EntryExecutionFailed:
			var data audit.ExecutionFailedData
			json.Unmarshal(entry.Data, &data)
			if data.Attempt != 1 {
				t.Errorf("failed attempt = %d, want 1", data.Attempt)
			}
		}
	}
	if !slices.Equal(attempts, []int{1, 2}) {
		t.Errorf("claimed attempts = %v, want [1 2]", attempts)
	}
}

func TestExecute_AbandonedClaim(t *testing.T) {
	tests := []struct {
		name    string
		age     time.Duration
		wantErr error
	}{
		{"fresh claim blocks", time.Minute, ErrExecutionInProgress},
		{"stale claim is taken over", DefaultClaimTimeout + time.Minute, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			ctx := context.Background()
			if err := e.crm.CreateSale(ctx, crm.Sale{ID: "s1", TenantID: "t1", Amount: 2000}); err != nil {
				t.Fatal(err)
			}
			req := e.approvedDelete(t)

			last, err := e.audit.GetLastSequence(ctx, req.ID)
			if err != nil {
				t.Fatal(err)
			}
			if err := e.audit.Append(ctx, audit.Entry{
				ID:        "claim-1",
				StreamID:  req.ID,
				Sequence:  last + 1,
				Version:   1,
				Type:      audit.EntryExecutionStarted,
				ActorID:   audit.SystemActor,
				Data:      json.RawMessage(`{"attempt": 1}`),
				Timestamp: clock().Add(-tt.age),
			}); err != nil {
				t.Fatal(err)
			}

			_, err = e.exec.Execute(ctx, req)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Execute() error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Execute() error = %v, want %v", err, tt.wantErr)
			}

			_, getErr := e.crm.GetSale(ctx, "t1", "s1")
			if deleted := errors.Is(getErr, crm.ErrNotFound); deleted != (tt.wantErr == nil) {
				t.Errorf("sale deleted = %v, want %v", deleted, tt.wantErr == nil)
			}
		})
	}
}
