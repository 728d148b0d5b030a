package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/lirancohen/loupe/approval"
	"github.com/lirancohen/loupe/engine"
	"github.com/lirancohen/loupe/gateway"
	"github.com/lirancohen/loupe/lifecycle"
)

// SubmitRequest is the body of POST /approvals.
type SubmitRequest struct {
	ActionType  approval.ActionType `json:"actionType"`
	RequestData json.RawMessage     `json:"requestData"`
	Priority    *approval.Priority  `json:"priority,omitempty"`
}

// NotesRequest is the body of transition calls. The body is optional.
type NotesRequest struct {
	Notes string `json:"notes"`
}

// OpenEscalationRequest is the body of POST /escalations.
type OpenEscalationRequest struct {
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	Priority     approval.Priority `json:"priority,omitempty"`
	AssigneeRole approval.Role     `json:"assigneeRole,omitempty"`
	Summary      json.RawMessage   `json:"summary,omitempty"`
}

// UpdateEscalationRequest is the body of PATCH /escalations/{id}.
type UpdateEscalationRequest struct {
	Status approval.EscalationStatus `json:"status"`
	Notes  string                    `json:"notes"`
}

// TransitionResponse is returned by approve, reject, escalate and cancel.
type TransitionResponse struct {
	Request    *approval.Request    `json:"request,omitempty"`
	Escalation *approval.Escalation `json:"escalation,omitempty"`
}

func actorOf(r *http.Request) approval.Actor {
	a, _ := ActorFrom(r.Context())
	return a
}

// readBody returns the raw body, which must be a JSON document.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", errBadRequest, err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: body is not valid JSON", errBadRequest)
	}
	return body, nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", errBadRequest, err)
	}
	if optional && len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// priorityParam reads the optional priority query parameter.
func priorityParam(r *http.Request) (*approval.Priority, error) {
	raw := r.URL.Query().Get("priority")
	if raw == "" {
		return nil, nil
	}
	p, ok := approval.ParsePriority(raw)
	if !ok {
		return nil, fmt.Errorf("%w: unknown priority %q", errBadRequest, raw)
	}
	return &p, nil
}

// matchID checks that the body's id field, when present, names the path's entity.
func matchID(body json.RawMessage, field, id string) error {
	var ids map[string]any
	if err := json.Unmarshal(body, &ids); err != nil {
		return fmt.Errorf("%w: body must be a JSON object", errBadRequest)
	}
	got, ok := ids[field].(string)
	if !ok || got != id {
		return fmt.Errorf("%w: %s must be %q", errBadRequest, field, id)
	}
	return nil
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var in SubmitRequest
	if err := s.decode(w, r, &in, false); err != nil {
		respondError(w, err)
		return
	}
	// Unknown action types reach the evaluator, whose unknown-action mode
	// sets their priority.
	if in.ActionType == "" {
		respondError(w, fmt.Errorf("%w: actionType is required", errBadRequest))
		return
	}
	if in.Priority != nil && !in.Priority.IsValid() {
		respondError(w, fmt.Errorf("%w: unknown priority %q", errBadRequest, *in.Priority))
		return
	}

	req, err := s.eng.SubmitApprovalRequest(r.Context(), in.ActionType, in.RequestData, actorOf(r), in.Priority)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, req)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.eng.GetPendingApprovals(r.Context(), actorOf(r))
	if err != nil {
		respondError(w, err)
		return
	}
	if reqs == nil {
		reqs = []approval.Request{}
	}
	respondJSON(w, http.StatusOK, reqs)
}

func (s *Server) handlePendingCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.eng.PendingCount(r.Context(), actorOf(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"count": n})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.eng.GetRequest(r.Context(), actorOf(r), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (s *Server) handleTrail(w http.ResponseWriter, r *http.Request) {
	trail, err := s.eng.AuditTrail(r.Context(), actorOf(r), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, trail)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, op := vars["id"], lifecycle.Operation(vars["op"])

	var in NotesRequest
	if err := s.decode(w, r, &in, true); err != nil {
		respondError(w, err)
		return
	}

	ctx, actor := r.Context(), actorOf(r)
	var (
		res TransitionResponse
		req approval.Request
		err error
	)
	switch op {
	case lifecycle.OpApprove:
		req, err = s.eng.ApproveRequest(ctx, id, actor, in.Notes)
	case lifecycle.OpReject:
		req, err = s.eng.RejectRequest(ctx, id, actor, in.Notes)
	case lifecycle.OpCancel:
		req, err = s.eng.CancelRequest(ctx, id, actor, in.Notes)
	case lifecycle.OpEscalate:
		var esc approval.Escalation
		esc, err = s.eng.EscalateRequest(ctx, id, actor, in.Notes)
		res.Escalation = &esc
	}
	if err != nil {
		respondError(w, err)
		return
	}

	if op == lifecycle.OpEscalate {
		req, err = s.eng.GetRequest(ctx, actor, id)
		if err != nil {
			respondError(w, err)
			return
		}
	}
	res.Request = &req
	respondJSON(w, http.StatusOK, res)
}

// handleExecute runs the deferred write of an APPROVED request of the
// caller's tenant. Deployments without background workers use it.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	actor := actorOf(r)

	if actor.Role != approval.RoleBusinessAdmin && actor.Role != approval.RoleFloorManager {
		respondError(w, fmt.Errorf("execute %s: %w", id, approval.ErrUnauthorizedReviewer))
		return
	}
	if _, err := s.eng.GetRequest(r.Context(), actor, id); err != nil {
		respondError(w, err)
		return
	}
	res, err := s.eng.ExecuteApproved(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func respondWorkflow(w http.ResponseWriter, res engine.WorkflowResult) {
	status := http.StatusCreated
	if res.RequiresApproval {
		status = http.StatusAccepted
	}
	respondJSON(w, status, res)
}

func respondOutcome[T any](w http.ResponseWriter, out gateway.Outcome[T], err error) {
	if err != nil {
		respondError(w, err)
		return
	}
	status := http.StatusOK
	if out.RequiresApproval {
		status = http.StatusAccepted
	}
	respondJSON(w, status, out)
}

func (s *Server) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		respondError(w, err)
		return
	}
	res, err := s.eng.CreateCustomerWithWorkflow(r.Context(), body, actorOf(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondWorkflow(w, res)
}

func (s *Server) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		respondError(w, err)
		return
	}
	res, err := s.eng.CreateSaleWithWorkflow(r.Context(), body, actorOf(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondWorkflow(w, res)
}

// gatewayRequest reads the body as the action payload. idField, when set,
// must name the entity of the path's {id}.
func (s *Server) gatewayRequest(w http.ResponseWriter, r *http.Request, idField string) (gateway.Request, error) {
	body, err := s.readBody(w, r)
	if err != nil {
		return gateway.Request{}, err
	}
	if idField != "" {
		if err := matchID(body, idField, mux.Vars(r)["id"]); err != nil {
			return gateway.Request{}, err
		}
	}
	priority, err := priorityParam(r)
	if err != nil {
		return gateway.Request{}, err
	}
	return gateway.Request{
		Requester: actorOf(r),
		Data:      body,
		Notes:     r.URL.Query().Get("notes"),
		Priority:  priority,
	}, nil
}

func (s *Server) handleUpdateCustomer(w http.ResponseWriter, r *http.Request) {
	in, err := s.gatewayRequest(w, r, "customerId")
	if err != nil {
		respondError(w, err)
		return
	}
	out, err := s.eng.Gateway().UpdateCustomer(r.Context(), in)
	respondOutcome(w, out, err)
}

func (s *Server) handleUpdateSale(w http.ResponseWriter, r *http.Request) {
	in, err := s.gatewayRequest(w, r, "saleId")
	if err != nil {
		respondError(w, err)
		return
	}
	out, err := s.eng.Gateway().UpdateSale(r.Context(), in)
	respondOutcome(w, out, err)
}

// handleDeleteSale builds the SALE_DELETE payload from the path and the
// optional reason parameter.
func (s *Server) handleDeleteSale(w http.ResponseWriter, r *http.Request) {
	data, err := json.Marshal(approval.SaleDeletePayload{
		SaleID: mux.Vars(r)["id"],
		Reason: r.URL.Query().Get("reason"),
	})
	if err != nil {
		respondError(w, err)
		return
	}
	out, err := s.eng.Gateway().DeleteSale(r.Context(), gateway.Request{Requester: actorOf(r), Data: data})
	respondOutcome(w, out, err)
}

func (s *Server) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	in, err := s.gatewayRequest(w, r, "productId")
	if err != nil {
		respondError(w, err)
		return
	}
	out, err := s.eng.Gateway().UpdateProduct(r.Context(), in)
	respondOutcome(w, out, err)
}

func (s *Server) handleApplyDiscount(w http.ResponseWriter, r *http.Request) {
	in, err := s.gatewayRequest(w, r, "")
	if err != nil {
		respondError(w, err)
		return
	}
	out, err := s.eng.Gateway().ApplyDiscount(r.Context(), in)
	respondOutcome(w, out, err)
}

func (s *Server) handleAssignFloor(w http.ResponseWriter, r *http.Request) {
	in, err := s.gatewayRequest(w, r, "")
	if err != nil {
		respondError(w, err)
		return
	}
	out, err := s.eng.Gateway().AssignFloor(r.Context(), in)
	respondOutcome(w, out, err)
}

func (s *Server) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter approval.EscalationFilter

	if raw := q.Get("status"); raw != "" {
		st, ok := approval.ParseEscalationStatus(raw)
		if !ok {
			respondError(w, fmt.Errorf("%w: unknown escalation status %q", errBadRequest, raw))
			return
		}
		filter.Status = st
	}
	if raw := q.Get("assigneeRole"); raw != "" {
		role, ok := approval.ParseRole(raw)
		if !ok {
			respondError(w, fmt.Errorf("%w: unknown role %q", errBadRequest, raw))
			return
		}
		filter.AssigneeRole = role
	}
	filter.ApprovalRequestID = q.Get("requestId")
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if raw := q.Get(name); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				respondError(w, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, name))
				return
			}
			*dst = n
		}
	}

	escs, err := s.eng.Lifecycle().ListEscalations(r.Context(), actorOf(r), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	if escs == nil {
		escs = []approval.Escalation{}
	}
	respondJSON(w, http.StatusOK, escs)
}

func (s *Server) handleOpenEscalation(w http.ResponseWriter, r *http.Request) {
	var in OpenEscalationRequest
	if err := s.decode(w, r, &in, false); err != nil {
		respondError(w, err)
		return
	}
	esc, err := s.eng.Lifecycle().OpenEscalation(r.Context(), actorOf(r), lifecycle.EscalationInput{
		Title:        in.Title,
		Description:  in.Description,
		Priority:     in.Priority,
		AssigneeRole: in.AssigneeRole,
		Summary:      in.Summary,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, esc)
}

func (s *Server) handleGetEscalation(w http.ResponseWriter, r *http.Request) {
	esc, err := s.eng.Lifecycle().GetEscalation(r.Context(), actorOf(r), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, esc)
}

func (s *Server) handleUpdateEscalation(w http.ResponseWriter, r *http.Request) {
	var in UpdateEscalationRequest
	if err := s.decode(w, r, &in, false); err != nil {
		respondError(w, err)
		return
	}
	if _, ok := approval.ParseEscalationStatus(string(in.Status)); !ok {
		respondError(w, fmt.Errorf("%w: unknown escalation status %q", errBadRequest, in.Status))
		return
	}

	esc, err := s.eng.Lifecycle().UpdateEscalation(r.Context(), mux.Vars(r)["id"], actorOf(r), in.Status, in.Notes)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, esc)
}
