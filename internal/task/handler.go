// Package task resolves step assignees against instance data and fans
// notification dispatch out to the configured channel.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/arbiter/model"
)

// Handler implements the workflow manager's TaskDispatcher: it expands
// assignee rules into recipient identities and delivers one notification
// per recipient, concurrently.
type Handler struct {
	notifier model.Notifier
	logger   *zap.Logger
}

// NewHandler creates a task handler.
func NewHandler(notifier model.Notifier, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{notifier: notifier, logger: logger}
}

// Dispatch resolves the step's assignees and notifies each of them. A
// partial delivery failure is a success from the workflow's point of view:
// at least one assignee can respond. It fails with NO_ASSIGNEES when the
// rules resolve to nothing and DISPATCH_FAILED when every delivery failed.
func (h *Handler) Dispatch(ctx context.Context, def model.WorkflowDefinition, step model.StepDefinition, inst model.WorkflowInstance) ([]model.DeliveryResult, error) {
	recipients, err := ResolveAssignees(step.Assignees, inst.Data)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, model.NewNoAssigneesError(step.ID)
	}

	stepCtx := model.StepContext{
		InstanceID:     inst.ID,
		DefinitionID:   def.ID,
		DefinitionName: def.Name,
		StepID:         step.ID,
		StepName:       step.Name,
		StepKind:       step.Kind,
		Data:           inst.Data,
		DeadlineAt:     inst.DeadlineAt,
	}

	results := h.fanOut(ctx, recipients, stepCtx)

	delivered := 0
	for _, r := range results {
		if r.Delivered {
			delivered++
		} else {
			h.logger.Warn("notification delivery failed",
				zap.String("instance_id", inst.ID),
				zap.String("step_id", step.ID),
				zap.String("recipient", r.Recipient),
				zap.Bool("timeout", r.Timeout),
				zap.String("error", r.Error),
			)
		}
	}
	if delivered == 0 {
		return results, model.NewDispatchFailedError(step.ID, firstDeliveryError(results))
	}
	return results, nil
}

// NotifyEscalation delivers an escalation notice carrying the risk verdict
// to the administrator set. It fails only when no recipient could be
// reached.
func (h *Handler) NotifyEscalation(ctx context.Context, def model.WorkflowDefinition, inst model.WorkflowInstance, result model.EscalationResult, recipients []string) error {
	if len(recipients) == 0 {
		return nil
	}

	step := def.Step(inst.CurrentStepIndex)
	stepCtx := model.StepContext{
		InstanceID:     inst.ID,
		DefinitionID:   def.ID,
		DefinitionName: def.Name,
		Data:           inst.Data,
		Escalation:     &result,
	}
	if step != nil {
		stepCtx.StepID = step.ID
		stepCtx.StepName = step.Name
		stepCtx.StepKind = step.Kind
	}

	results := h.fanOut(ctx, recipients, stepCtx)
	for _, r := range results {
		if r.Delivered {
			return nil
		}
	}
	return model.NewDispatchFailedError(stepCtx.StepID, firstDeliveryError(results))
}

// fanOut dispatches to every recipient concurrently and returns results in
// recipient order.
func (h *Handler) fanOut(ctx context.Context, recipients []string, stepCtx model.StepContext) []model.DeliveryResult {
	results := make([]model.DeliveryResult, len(recipients))
	var wg sync.WaitGroup
	for i, recipient := range recipients {
		wg.Add(1)
		go func(i int, recipient string) {
			defer wg.Done()
			results[i] = h.notifier.Dispatch(ctx, recipient, stepCtx)
		}(i, recipient)
	}
	wg.Wait()
	return results
}

// ResolveAssignees expands assignee rules into recipient identities against
// instance data. Duplicates are removed, first occurrence wins. A field
// rule naming a missing or empty data field contributes nothing; the
// caller decides whether an empty total set is an error.
func ResolveAssignees(rules []model.AssigneeRule, data map[string]any) ([]string, error) {
	var recipients []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		recipients = append(recipients, id)
	}

	for _, rule := range rules {
		switch rule.Type {
		case model.AssigneeUser:
			add("user:" + rule.Value)
		case model.AssigneeGroup:
			add("group:" + rule.Value)
		case model.AssigneeField:
			for _, id := range fieldRecipients(data, rule.Value) {
				add(id)
			}
		default:
			return nil, model.NewValidationError([]model.FieldError{{
				Field:   "assignees",
				Message: fmt.Sprintf("unknown assignee rule type %q", rule.Type),
			}})
		}
	}
	return recipients, nil
}

// fieldRecipients reads recipient identities from a data field. The field
// may hold a single identity string or a list of them. Bare identities
// without a kind prefix are treated as user identities.
func fieldRecipients(data map[string]any, field string) []string {
	var out []string
	switch v := data[field].(type) {
	case string:
		out = append(out, qualifyRecipient(v))
	case []string:
		for _, s := range v {
			out = append(out, qualifyRecipient(s))
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, qualifyRecipient(s))
			}
		}
	}
	return out
}

func qualifyRecipient(id string) string {
	if id == "" {
		return ""
	}
	for _, prefix := range []string{"user:", "group:"} {
		if len(id) > len(prefix) && id[:len(prefix)] == prefix {
			return id
		}
	}
	return "user:" + id
}

func firstDeliveryError(results []model.DeliveryResult) error {
	for _, r := range results {
		if !r.Delivered && r.Error != "" {
			return errors.New(r.Error)
		}
	}
	return nil
}
