package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/pitabwire/arbiter/internal/capability"
	"github.com/pitabwire/arbiter/internal/config"
	"github.com/pitabwire/arbiter/internal/recovery"
	"github.com/pitabwire/arbiter/model"
)

type fakeWorkflowService struct {
	startErr   error
	advanceErr error

	started  []string
	resolved []string
}

func (f *fakeWorkflowService) Start(ctx context.Context, rctx *model.RequestContext, definitionID string, initialData map[string]any) (model.WorkflowInstance, error) {
	if f.startErr != nil {
		return model.WorkflowInstance{}, f.startErr
	}
	f.started = append(f.started, definitionID)
	return model.WorkflowInstance{ID: "inst-1", DefinitionID: definitionID, Status: model.StatusWaitingResponse, Version: 1}, nil
}

func (f *fakeWorkflowService) Advance(ctx context.Context, rctx *model.RequestContext, instanceID, stepID, outcome, notes string, output map[string]any) (model.WorkflowInstance, error) {
	if f.advanceErr != nil {
		return model.WorkflowInstance{}, f.advanceErr
	}
	f.resolved = append(f.resolved, instanceID+"/"+stepID+"/"+outcome)
	return model.WorkflowInstance{ID: instanceID, Status: model.StatusCompleted, Version: 2}, nil
}

func (f *fakeWorkflowService) GetInstance(ctx context.Context, instanceID string) (model.InstanceSnapshot, error) {
	if instanceID == "missing" {
		return model.InstanceSnapshot{}, model.NewUnknownInstanceError(instanceID)
	}
	return model.InstanceSnapshot{ID: instanceID, Status: model.StatusRunning}, nil
}

func (f *fakeWorkflowService) List(ctx context.Context, filters model.InstanceFilters) ([]model.InstanceSummary, int, error) {
	return []model.InstanceSummary{{ID: "inst-1"}}, 1, nil
}

type fakeRecoveryService struct {
	applied []recovery.Request
	err     error
}

func (f *fakeRecoveryService) Apply(ctx context.Context, rctx *model.RequestContext, req recovery.Request) (recovery.Result, error) {
	if f.err != nil {
		return recovery.Result{}, f.err
	}
	f.applied = append(f.applied, req)
	return recovery.Result{InstanceID: req.InstanceID, Action: req.Action, Status: model.StatusRunning}, nil
}

// stubAuth injects claims directly, standing in for the JWT middleware.
func stubAuth(sub string, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			anyRoles := make([]any, len(roles))
			for i, role := range roles {
				anyRoles[i] = role
			}
			ctx := WithClaims(r.Context(), map[string]any{"sub": sub, "roles": anyRoles})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func newTestRouter(t *testing.T, wf *fakeWorkflowService, rc *fakeRecoveryService, roles ...string) http.Handler {
	t.Helper()

	evaluator, err := capability.NewStaticPolicyEvaluator("")
	if err != nil {
		t.Fatalf("policy evaluator: %v", err)
	}

	cfg := config.Defaults()
	return NewRouter(Dependencies{
		Config:             cfg,
		Logger:             zap.NewNop(),
		Workflows:          wf,
		Recovery:           rc,
		CapabilityResolver: capability.NewResolver(evaluator, 0),
		Authenticate:       stubAuth("user-1", roles...),
	})
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleInstanceStart(t *testing.T) {
	wf := &fakeWorkflowService{}
	router := newTestRouter(t, wf, &fakeRecoveryService{}, "requester")

	rec := doJSON(t, router, http.MethodPost, "/v1/workflows/expense.approval/instances",
		map[string]any{"data": map[string]any{"amount": 100}})

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(wf.started) != 1 || wf.started[0] != "expense.approval" {
		t.Errorf("started = %v", wf.started)
	}
}

func TestHandleInstanceStart_requiresCapability(t *testing.T) {
	wf := &fakeWorkflowService{}
	// Approvers can resolve steps but not start instances.
	router := newTestRouter(t, wf, &fakeRecoveryService{}, "approver")

	rec := doJSON(t, router, http.MethodPost, "/v1/workflows/expense.approval/instances",
		map[string]any{"data": map[string]any{}})

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if len(wf.started) != 0 {
		t.Error("service must not be called when capability check fails")
	}
}

func TestHandleInstanceResolve(t *testing.T) {
	wf := &fakeWorkflowService{}
	router := newTestRouter(t, wf, &fakeRecoveryService{}, "approver")

	rec := doJSON(t, router, http.MethodPost, "/v1/instances/inst-1/resolve",
		map[string]any{"step_id": "manager-approval", "outcome": "approved"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(wf.resolved) != 1 || wf.resolved[0] != "inst-1/manager-approval/approved" {
		t.Errorf("resolved = %v", wf.resolved)
	}
}

func TestHandleInstanceResolve_validation(t *testing.T) {
	router := newTestRouter(t, &fakeWorkflowService{}, &fakeRecoveryService{}, "approver")

	rec := doJSON(t, router, http.MethodPost, "/v1/instances/inst-1/resolve",
		map[string]any{"outcome": "approved"})

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestHandleInstanceResolve_staleActionConflict(t *testing.T) {
	wf := &fakeWorkflowService{advanceErr: model.NewStaleActionError("step moved on")}
	router := newTestRouter(t, wf, &fakeRecoveryService{}, "approver")

	rec := doJSON(t, router, http.MethodPost, "/v1/instances/inst-1/resolve",
		map[string]any{"step_id": "old-step", "outcome": "approved"})

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestHandleInstanceGet(t *testing.T) {
	router := newTestRouter(t, &fakeWorkflowService{}, &fakeRecoveryService{}, "approver")

	rec := doJSON(t, router, http.MethodGet, "/v1/instances/inst-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/instances/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing instance status = %d, want 404", rec.Code)
	}
}

func TestHandleInstanceList(t *testing.T) {
	router := newTestRouter(t, &fakeWorkflowService{}, &fakeRecoveryService{}, "operator")

	rec := doJSON(t, router, http.MethodGet, "/v1/instances?status=running&page=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Data       []model.InstanceSummary `json:"data"`
		TotalCount int                     `json:"total_count"`
		Page       int                     `json:"page"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TotalCount != 1 || resp.Page != 2 {
		t.Errorf("total = %d, page = %d", resp.TotalCount, resp.Page)
	}
}

func TestHandleRecoveryAction(t *testing.T) {
	rc := &fakeRecoveryService{}
	router := newTestRouter(t, &fakeWorkflowService{}, rc, "operator")

	rec := doJSON(t, router, http.MethodPost, "/v1/instances/inst-1/actions",
		map[string]any{"action": "retry", "step_id": "payout", "idempotency_key": "key-1"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(rc.applied) != 1 {
		t.Fatalf("applied = %v", rc.applied)
	}
	if rc.applied[0].IdempotencyKey != "key-1" || rc.applied[0].Action != "retry" {
		t.Errorf("request = %+v", rc.applied[0])
	}
}

func TestHandleRecoveryAction_idempotencyKeyHeader(t *testing.T) {
	rc := &fakeRecoveryService{}
	router := newTestRouter(t, &fakeWorkflowService{}, rc, "operator")

	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(map[string]any{"action": "skip"})
	req := httptest.NewRequest(http.MethodPost, "/v1/instances/inst-1/actions", &buf)
	req.Header.Set("Idempotency-Key", "hdr-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rc.applied[0].IdempotencyKey != "hdr-key" {
		t.Errorf("idempotency key = %q", rc.applied[0].IdempotencyKey)
	}
}

func TestHandleRecoveryAction_unknownAction(t *testing.T) {
	router := newTestRouter(t, &fakeWorkflowService{}, &fakeRecoveryService{}, "operator")

	rec := doJSON(t, router, http.MethodPost, "/v1/instances/inst-1/actions",
		map[string]any{"action": "reboot"})

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestHandleRecoveryAction_requesterCanCancelOnly(t *testing.T) {
	rc := &fakeRecoveryService{}
	router := newTestRouter(t, &fakeWorkflowService{}, rc, "requester")

	rec := doJSON(t, router, http.MethodPost, "/v1/instances/inst-1/actions",
		map[string]any{"action": "cancel", "reason": "no longer needed"})
	if rec.Code != http.StatusOK {
		t.Errorf("cancel status = %d, want 200", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/instances/inst-1/actions",
		map[string]any{"action": "escalate"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("escalate status = %d, want 403", rec.Code)
	}
}

func TestRouter_healthEndpointsBypassAuth(t *testing.T) {
	// Auth middleware that rejects everything; health must still answer.
	cfg := config.Defaults()
	router := NewRouter(Dependencies{
		Config:    cfg,
		Logger:    zap.NewNop(),
		Workflows: &fakeWorkflowService{},
		Recovery:  &fakeRecoveryService{},
		Authenticate: func(http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				WriteError(w, model.NewUnauthorizedError("no"))
			})
		},
	})

	rec := doJSON(t, router, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/instances", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("api status = %d, want 401", rec.Code)
	}
}
