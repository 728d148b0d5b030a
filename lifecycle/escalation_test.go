package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/lirancohen/loupe/approval"
)

func TestOpenEscalation(t *testing.T) {
	tests := []struct {
		name     string
		actor    approval.Actor
		in       EscalationInput
		assignee approval.Role
		priority approval.Priority
		wantErr  bool
	}{
		{"defaults from salesperson", seller, EscalationInput{Title: "Broken clasp complaint"}, approval.RoleFloorManager, approval.PriorityMedium, false},
		{"manager goes to admin", manager, EscalationInput{Title: "Stock mismatch", Priority: approval.PriorityUrgent}, approval.RoleBusinessAdmin, approval.PriorityUrgent, false},
		{"explicit assignee", seller, EscalationInput{Title: "x", AssigneeRole: approval.RoleBusinessAdmin}, approval.RoleBusinessAdmin, approval.PriorityMedium, false},
		{"missing title", seller, EscalationInput{Title: "  "}, "", "", true},
		{"bad priority", seller, EscalationInput{Title: "x", Priority: "SOON"}, "", "", true},
		{"bad assignee", seller, EscalationInput{Title: "x", AssigneeRole: "JANITOR"}, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			esc, err := h.m.OpenEscalation(context.Background(), tt.actor, tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidEscalation) {
					t.Errorf("OpenEscalation() error = %v, want ErrInvalidEscalation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("OpenEscalation() error = %v", err)
			}
			if esc.AssigneeRole != tt.assignee || esc.Priority != tt.priority {
				t.Errorf("assignee/priority = %s/%s, want %s/%s", esc.AssigneeRole, esc.Priority, tt.assignee, tt.priority)
			}
			if esc.Status != approval.EscalationOpen || esc.ApprovalRequestID != "" {
				t.Errorf("escalation = %+v", esc)
			}
		})
	}
}

func TestUpdateEscalation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	esc, err := h.m.OpenEscalation(ctx, manager, EscalationInput{Title: "Vault alarm"})
	if err != nil {
		t.Fatal(err)
	}

	peer := approval.Actor{UserID: "fm-2", TenantID: "t1", Role: approval.RoleFloorManager, Floor: "2"}
	if _, err := h.m.UpdateEscalation(ctx, esc.ID, peer, approval.EscalationInProgress, ""); !errors.Is(err, approval.ErrUnauthorizedReviewer) {
		t.Errorf("peer update error = %v, want ErrUnauthorizedReviewer", err)
	}

	got, err := h.m.UpdateEscalation(ctx, esc.ID, admin, approval.EscalationInProgress, "")
	if err != nil {
		t.Fatalf("UpdateEscalation() error = %v", err)
	}
	if got.Status != approval.EscalationInProgress {
		t.Errorf("Status = %s, want IN_PROGRESS", got.Status)
	}

	got, err = h.m.UpdateEscalation(ctx, esc.ID, admin, approval.EscalationResolved, "reset sensor")
	if err != nil {
		t.Fatal(err)
	}
	if got.ResolvedBy != admin.UserID || got.ResolvedAt == nil || got.ResolutionNotes != "reset sensor" {
		t.Errorf("resolution = %+v", got)
	}

	if _, err := h.m.UpdateEscalation(ctx, esc.ID, admin, approval.EscalationOpen, ""); !errors.Is(err, approval.ErrInvalidTransition) {
		t.Errorf("reopen error = %v, want ErrInvalidTransition", err)
	}

	// The opener may close their own escalation.
	if _, err := h.m.UpdateEscalation(ctx, esc.ID, manager, approval.EscalationClosed, ""); err != nil {
		t.Errorf("close by opener error = %v", err)
	}

	entries, _ := h.audit.Load(ctx, esc.ID)
	if len(entries) != 4 {
		t.Errorf("escalation trail has %d entries, want 4", len(entries))
	}
}

func TestListEscalations_TenantScoped(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.m.OpenEscalation(ctx, seller, EscalationInput{Title: "a"}); err != nil {
		t.Fatal(err)
	}
	stranger := approval.Actor{UserID: "x", TenantID: "t2", Role: approval.RoleBusinessAdmin}
	if _, err := h.m.OpenEscalation(ctx, stranger, EscalationInput{Title: "b"}); err != nil {
		t.Fatal(err)
	}

	got, err := h.m.ListEscalations(ctx, admin, approval.EscalationFilter{TenantID: "t2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].TenantID != "t1" {
		t.Errorf("ListEscalations() = %+v, want the one t1 escalation", got)
	}

	if _, err := h.m.GetEscalation(ctx, admin, "esc-2"); !errors.Is(err, approval.ErrNotFound) {
		t.Errorf("cross-tenant GetEscalation() error = %v, want ErrNotFound", err)
	}
}
