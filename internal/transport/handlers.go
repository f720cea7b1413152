package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/arbiter/internal/capability"
	"github.com/pitabwire/arbiter/internal/recovery"
	"github.com/pitabwire/arbiter/model"
)

// WorkflowService is the slice of the workflow manager the transport layer
// drives.
type WorkflowService interface {
	Start(ctx context.Context, rctx *model.RequestContext, definitionID string, initialData map[string]any) (model.WorkflowInstance, error)
	Advance(ctx context.Context, rctx *model.RequestContext, instanceID, stepID, outcome, notes string, output map[string]any) (model.WorkflowInstance, error)
	GetInstance(ctx context.Context, instanceID string) (model.InstanceSnapshot, error)
	List(ctx context.Context, filters model.InstanceFilters) ([]model.InstanceSummary, int, error)
}

// RecoveryService applies operator recovery actions.
type RecoveryService interface {
	Apply(ctx context.Context, rctx *model.RequestContext, req recovery.Request) (recovery.Result, error)
}

// actionCapabilities maps each recovery action to the capability that
// authorizes it.
var actionCapabilities = map[string]string{
	recovery.ActionRetry:    capability.CapActionRetry,
	recovery.ActionSkip:     capability.CapActionSkip,
	recovery.ActionCancel:   capability.CapActionCancel,
	recovery.ActionEscalate: capability.CapActionEscalate,
}

func handleInstanceStart(svc WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireRequestContext(w, r)
		if !ok {
			return
		}
		if !requireCapability(w, r, capability.CapInstanceStart) {
			return
		}
		definitionID := chi.URLParam(r, "workflowId")

		var body struct {
			Data map[string]any `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		inst, err := svc.Start(r.Context(), rctx, definitionID, body.Data)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, inst)
	}
}

func handleInstanceResolve(svc WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireRequestContext(w, r)
		if !ok {
			return
		}
		if !requireCapability(w, r, capability.CapInstanceResolve) {
			return
		}
		instanceID := chi.URLParam(r, "instanceId")

		var body struct {
			StepID  string         `json:"step_id"`
			Outcome string         `json:"outcome"`
			Notes   string         `json:"notes"`
			Data    map[string]any `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		var details []model.FieldError
		if body.StepID == "" {
			details = append(details, model.FieldError{Field: "step_id", Message: "step_id is required"})
		}
		if body.Outcome == "" {
			details = append(details, model.FieldError{Field: "outcome", Message: "outcome is required"})
		}
		if details != nil {
			WriteValidationError(w, details)
			return
		}

		inst, err := svc.Advance(r.Context(), rctx, instanceID, body.StepID, body.Outcome, body.Notes, body.Data)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceGet(svc WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireRequestContext(w, r); !ok {
			return
		}
		if !requireCapability(w, r, capability.CapInstanceRead) {
			return
		}
		instanceID := chi.URLParam(r, "instanceId")

		snap, err := svc.GetInstance(r.Context(), instanceID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, snap)
	}
}

func handleInstanceList(svc WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireRequestContext(w, r); !ok {
			return
		}
		if !requireCapability(w, r, capability.CapInstanceRead) {
			return
		}

		filters := model.InstanceFilters{
			DefinitionID: r.URL.Query().Get("definition_id"),
			Status:       r.URL.Query().Get("status"),
			Page:         queryInt(r, "page", 1),
			PageSize:     queryInt(r, "page_size", 20),
		}

		summaries, totalCount, err := svc.List(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        summaries,
			"total_count": totalCount,
			"page":        filters.Page,
			"page_size":   filters.PageSize,
		})
	}
}

func handleRecoveryAction(svc RecoveryService, record func(action string, err error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requireRequestContext(w, r)
		if !ok {
			return
		}
		instanceID := chi.URLParam(r, "instanceId")

		var body struct {
			Action         string `json:"action"`
			StepID         string `json:"step_id"`
			Reason         string `json:"reason"`
			IdempotencyKey string `json:"idempotency_key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.IdempotencyKey == "" {
			body.IdempotencyKey = r.Header.Get("Idempotency-Key")
		}

		cap, known := actionCapabilities[body.Action]
		if !known {
			WriteValidationError(w, []model.FieldError{
				{Field: "action", Message: "action must be one of retry, skip, cancel, escalate"},
			})
			return
		}
		if !requireCapability(w, r, cap) {
			return
		}

		result, err := svc.Apply(r.Context(), rctx, recovery.Request{
			InstanceID:     instanceID,
			Action:         body.Action,
			StepID:         body.StepID,
			Reason:         body.Reason,
			IdempotencyKey: body.IdempotencyKey,
		})
		if record != nil {
			record(body.Action, err)
		}
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

// requireRequestContext rejects requests that somehow passed authentication
// without an identity attached.
func requireRequestContext(w http.ResponseWriter, r *http.Request) (*model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil || rctx.SubjectID == "" {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return nil, false
	}
	return rctx, true
}

// requireCapability fails closed: an empty capability set denies everything.
func requireCapability(w http.ResponseWriter, r *http.Request, cap string) bool {
	caps := CapabilitiesFrom(r.Context())
	if !caps.Has(cap) {
		WriteForbidden(w, "missing capability "+cap)
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
