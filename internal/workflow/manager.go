// Package workflow contains the orchestration core: the manager owning
// every instance state transition, the condition evaluator, and the
// instance stores.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/arbiter/internal/definition"
	"github.com/pitabwire/arbiter/internal/escalation"
	"github.com/pitabwire/arbiter/model"
)

// TaskDispatcher executes the side-effecting portion of a step: resolving
// assignees and fanning notifications out through the external channel.
type TaskDispatcher interface {
	// Dispatch notifies every assignee of the step. It returns the
	// per-recipient delivery results; the error carries NO_ASSIGNEES when
	// the assignee rules resolve to nothing and DISPATCH_FAILED when every
	// delivery failed.
	Dispatch(ctx context.Context, def model.WorkflowDefinition, step model.StepDefinition, inst model.WorkflowInstance) ([]model.DeliveryResult, error)

	// NotifyEscalation delivers an escalation notice to the administrator
	// set. Best-effort: the caller logs failures and does not roll back.
	NotifyEscalation(ctx context.Context, def model.WorkflowDefinition, inst model.WorkflowInstance, result model.EscalationResult, recipients []string) error
}

// DeadlineScheduler tracks the deadline of the current step of every active
// instance. The manager re-arms it on every transition.
type DeadlineScheduler interface {
	Arm(instanceID string, at time.Time)
	Disarm(instanceID string)
}

// Observer receives lifecycle events from the manager. Implementations may
// record metrics or audit telemetry.
type Observer interface {
	OnWorkflowEvent(definitionID, event string)
}

// Lifecycle event names reported to the Observer.
const (
	EventStarted         = "started"
	EventAdvanced        = "advanced"
	EventCompleted       = "completed"
	EventFailed          = "failed"
	EventCancelled       = "cancelled"
	EventEscalated       = "escalated"
	EventRetried         = "retried"
	EventSkipped         = "skipped"
	EventTimeoutExtended = "timeout_extended"
	EventDispatchFailed  = "dispatch_failed"
)

// errNoChange signals an idempotent no-op inside a mutation: the stored
// state already satisfies the request and must not be rewritten.
var errNoChange = errors.New("no change")

const defaultWriteRetries = 3

// Manager is the single source of truth for instance state transitions.
// Per-instance serialization comes from the store's compare-and-swap write
// contract rather than locks, so distinct instances progress in parallel.
type Manager struct {
	registry *definition.Registry
	store    InstanceStore
	tasks    TaskDispatcher
	esc      *escalation.Engine

	sched        DeadlineScheduler
	observer     Observer
	logger       *zap.Logger
	admins       []string
	defaultGrace time.Duration
	writeRetries int
	now          func() time.Time
}

// ManagerOption configures optional manager dependencies.
type ManagerOption func(*Manager)

// WithScheduler sets the deadline scheduler armed on every transition.
func WithScheduler(s DeadlineScheduler) ManagerOption {
	return func(m *Manager) { m.sched = s }
}

// WithObserver sets the lifecycle event observer.
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) { m.observer = o }
}

// WithLogger sets the manager logger.
func WithLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithAdministrators sets the global fallback administrator set notified on
// escalation.
func WithAdministrators(admins []string) ManagerOption {
	return func(m *Manager) { m.admins = admins }
}

// WithGracePeriod sets the default one-time deadline extension granted on a
// first non-escalating timeout.
func WithGracePeriod(d time.Duration) ManagerOption {
	return func(m *Manager) { m.defaultGrace = d }
}

// WithWriteRetries bounds reload-and-recompute attempts on version
// conflicts.
func WithWriteRetries(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.writeRetries = n
		}
	}
}

// WithClock overrides the time source. For testing.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a workflow manager.
func NewManager(
	registry *definition.Registry,
	store InstanceStore,
	tasks TaskDispatcher,
	esc *escalation.Engine,
	opts ...ManagerOption,
) *Manager {
	m := &Manager{
		registry:     registry,
		store:        store,
		tasks:        tasks,
		esc:          esc,
		logger:       zap.NewNop(),
		defaultGrace: 15 * time.Minute,
		writeRetries: defaultWriteRetries,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start creates an instance from a definition and immediately advances it
// into the first eligible step. The returned instance is never pending:
// it is running, waiting_response, escalated, or completed.
func (m *Manager) Start(ctx context.Context, rctx *model.RequestContext, definitionID string, initialData map[string]any) (model.WorkflowInstance, error) {
	def, ok := m.registry.Get(definitionID)
	if !ok {
		return model.WorkflowInstance{}, model.NewUnknownDefinitionError(definitionID)
	}

	now := m.now().UTC()
	data := make(map[string]any, len(initialData))
	for k, v := range initialData {
		data[k] = v
	}

	inst := model.WorkflowInstance{
		ID:           uuid.New().String(),
		DefinitionID: definitionID,
		Status:       model.StatusPending,
		Data:         data,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var escResult *model.EscalationResult
	if err := m.enterCurrentStep(ctx, &inst, def, &escResult); err != nil {
		return model.WorkflowInstance{}, err
	}

	if err := m.store.Create(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}
	m.syncScheduler(inst)
	m.report(definitionID, EventStarted)
	if inst.Status == model.StatusCompleted {
		m.report(definitionID, EventCompleted)
	}
	if escResult != nil {
		m.notifyAdministrators(ctx, def, inst, *escResult)
	}

	m.logger.Info("workflow started",
		zap.String("instance_id", inst.ID),
		zap.String("definition_id", definitionID),
		zap.String("status", inst.Status),
	)
	return inst, nil
}

// Advance resolves the current step with the given outcome and moves the
// instance forward. Approval steps accept approved or rejected; task steps
// accept completed; notify steps resolve automatically and reject manual
// resolution. A rejected approval terminates the instance as failed.
// Output data from a successful resolution is merged into the instance
// data, so later step conditions can branch on it.
func (m *Manager) Advance(ctx context.Context, rctx *model.RequestContext, instanceID, stepID, outcome, notes string, output map[string]any) (model.WorkflowInstance, error) {
	actor := actorOf(rctx)

	var escResult *model.EscalationResult
	var defSeen model.WorkflowDefinition

	inst, err := m.mutate(ctx, instanceID, func(inst *model.WorkflowInstance, wfDef model.WorkflowDefinition) error {
		defSeen = wfDef
		if err := requireAwaiting(inst); err != nil {
			return err
		}
		step := wfDef.Step(inst.CurrentStepIndex)
		if step == nil {
			return model.NewInvalidStateError(fmt.Sprintf("instance %q has no current step", inst.ID))
		}
		if stepID != "" && stepID != step.ID {
			return model.NewStaleActionError(
				fmt.Sprintf("action targets step %q but instance %q is on step %q", stepID, inst.ID, step.ID),
			)
		}
		if err := checkOutcomeContract(step.Kind, outcome); err != nil {
			return err
		}

		m.resolveOpen(inst, outcome, actor, notes)

		if outcome == model.OutcomeRejected {
			// Rejection of an approval step is terminal.
			inst.Status = model.StatusFailed
			inst.DeadlineAt = nil
			inst.UpdatedAt = m.now().UTC()
			return nil
		}

		if len(output) > 0 {
			if inst.Data == nil {
				inst.Data = make(map[string]any, len(output))
			}
			for k, v := range output {
				inst.Data[k] = v
			}
		}

		inst.CurrentStepIndex++
		escResult = nil
		return m.enterCurrentStep(ctx, inst, wfDef, &escResult)
	})
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	m.report(inst.DefinitionID, EventAdvanced)
	switch inst.Status {
	case model.StatusCompleted:
		m.report(inst.DefinitionID, EventCompleted)
	case model.StatusFailed:
		m.report(inst.DefinitionID, EventFailed)
	}
	if escResult != nil {
		m.notifyAdministrators(ctx, defSeen, inst, *escResult)
	}
	return inst, nil
}

// RetryCurrentStep re-dispatches the current step without advancing the
// step index. The prior attempt is finalized as retried and the deadline is
// re-armed from now. This is also the resumption path for escalated
// instances.
func (m *Manager) RetryCurrentStep(ctx context.Context, rctx *model.RequestContext, instanceID, stepID string) (model.WorkflowInstance, error) {
	actor := actorOf(rctx)

	var escResult *model.EscalationResult
	var defSeen model.WorkflowDefinition

	inst, err := m.mutate(ctx, instanceID, func(inst *model.WorkflowInstance, wfDef model.WorkflowDefinition) error {
		defSeen = wfDef
		if model.IsTerminalStatus(inst.Status) {
			return model.NewInvalidStateError(
				fmt.Sprintf("instance %q is %s and cannot be retried", inst.ID, inst.Status),
			)
		}
		step := wfDef.Step(inst.CurrentStepIndex)
		if step == nil {
			return model.NewInvalidStateError(fmt.Sprintf("instance %q has no current step", inst.ID))
		}
		if stepID != "" && stepID != step.ID {
			return model.NewStaleActionError(
				fmt.Sprintf("action targets step %q but instance %q is on step %q", stepID, inst.ID, step.ID),
			)
		}

		m.resolveOpen(inst, model.OutcomeRetried, actor, "")

		escResult = nil
		advanced, err := m.dispatchStep(ctx, inst, wfDef, *step, &escResult)
		if err != nil {
			return err
		}
		if advanced {
			inst.CurrentStepIndex++
			return m.enterCurrentStep(ctx, inst, wfDef, &escResult)
		}
		return nil
	})
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	m.report(inst.DefinitionID, EventRetried)
	if escResult != nil {
		m.notifyAdministrators(ctx, defSeen, inst, *escResult)
	}
	return inst, nil
}

// SkipCurrentStep finalizes the current step as skipped and advances as if
// it had resolved successfully with no output data merged.
func (m *Manager) SkipCurrentStep(ctx context.Context, rctx *model.RequestContext, instanceID, stepID string) (model.WorkflowInstance, error) {
	actor := actorOf(rctx)

	var escResult *model.EscalationResult
	var defSeen model.WorkflowDefinition

	inst, err := m.mutate(ctx, instanceID, func(inst *model.WorkflowInstance, wfDef model.WorkflowDefinition) error {
		defSeen = wfDef
		if err := requireAwaiting(inst); err != nil {
			return err
		}
		step := wfDef.Step(inst.CurrentStepIndex)
		if step == nil {
			return model.NewInvalidStateError(fmt.Sprintf("instance %q has no current step", inst.ID))
		}
		if stepID != "" && stepID != step.ID {
			return model.NewStaleActionError(
				fmt.Sprintf("action targets step %q but instance %q is on step %q", stepID, inst.ID, step.ID),
			)
		}

		m.resolveOpen(inst, model.OutcomeSkipped, actor, "")
		inst.CurrentStepIndex++
		escResult = nil
		return m.enterCurrentStep(ctx, inst, wfDef, &escResult)
	})
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	m.report(inst.DefinitionID, EventSkipped)
	if inst.Status == model.StatusCompleted {
		m.report(inst.DefinitionID, EventCompleted)
	}
	if escResult != nil {
		m.notifyAdministrators(ctx, defSeen, inst, *escResult)
	}
	return inst, nil
}

// Cancel transitions the instance to cancelled from any non-terminal state.
// Idempotent: cancelling an already-cancelled instance is a no-op success.
func (m *Manager) Cancel(ctx context.Context, rctx *model.RequestContext, instanceID, reason string) (model.WorkflowInstance, error) {
	actor := actorOf(rctx)

	inst, err := m.mutate(ctx, instanceID, func(inst *model.WorkflowInstance, _ model.WorkflowDefinition) error {
		if inst.Status == model.StatusCancelled {
			return errNoChange
		}
		if model.IsTerminalStatus(inst.Status) {
			return model.NewInvalidStateError(
				fmt.Sprintf("instance %q is %s and cannot be cancelled", inst.ID, inst.Status),
			)
		}

		m.resolveOpen(inst, model.OutcomeCancelled, actor, reason)
		inst.Status = model.StatusCancelled
		inst.DeadlineAt = nil
		inst.UpdatedAt = m.now().UTC()
		return nil
	})
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	m.report(inst.DefinitionID, EventCancelled)
	return inst, nil
}

// Escalate forces a hand-off to the administrator set. The instance does
// not resume automatically: resumption requires RetryCurrentStep or Cancel.
func (m *Manager) Escalate(ctx context.Context, rctx *model.RequestContext, instanceID, reason string) (model.WorkflowInstance, error) {
	actor := actorOf(rctx)

	var result model.EscalationResult
	var defSeen model.WorkflowDefinition

	inst, err := m.mutate(ctx, instanceID, func(inst *model.WorkflowInstance, wfDef model.WorkflowDefinition) error {
		defSeen = wfDef
		if inst.Status == model.StatusEscalated {
			return errNoChange
		}
		if model.IsTerminalStatus(inst.Status) {
			return model.NewInvalidStateError(
				fmt.Sprintf("instance %q is %s and cannot be escalated", inst.ID, inst.Status),
			)
		}

		result = model.EscalationResult{
			ShouldEscalate: true,
			RiskScore:      100,
			Factors:        []string{"manual escalation"},
			Reason:         fmt.Sprintf("escalated by %s: %s", actor, reason),
		}
		m.applyEscalation(inst, actor, result)
		return nil
	})
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	if inst.Status == model.StatusEscalated {
		m.report(inst.DefinitionID, EventEscalated)
		m.notifyAdministrators(ctx, defSeen, inst, result)
	}
	return inst, nil
}

// OnTimeout is invoked by the scheduler when a deadline elapses without
// resolution. It consults the escalation engine: an escalation verdict (or
// a second consecutive timeout) escalates the instance; otherwise the
// deadline is extended once by the policy grace period. Stale timeouts for
// since-resolved instances are silently dropped.
func (m *Manager) OnTimeout(ctx context.Context, instanceID string) error {
	var result model.EscalationResult
	var escalated bool
	var defSeen model.WorkflowDefinition

	inst, err := m.mutate(ctx, instanceID, func(inst *model.WorkflowInstance, wfDef model.WorkflowDefinition) error {
		defSeen = wfDef
		escalated = false
		if inst.Status != model.StatusRunning && inst.Status != model.StatusWaitingResponse {
			return errNoChange
		}
		now := m.now().UTC()
		if inst.DeadlineAt == nil || now.Before(*inst.DeadlineAt) {
			// Deadline was re-armed after this timeout was queued.
			return errNoChange
		}
		step := wfDef.Step(inst.CurrentStepIndex)
		if step == nil {
			return model.NewInvalidStateError(fmt.Sprintf("instance %q has no current step", inst.ID))
		}

		elapsed := now.Sub(stepEnteredAt(inst, now))
		result = m.esc.Evaluate(inst, step, elapsed)

		if inst.TimeoutExtensions >= 1 && !result.ShouldEscalate {
			// Bounded retries: a second consecutive timeout escalates
			// regardless of score, preventing infinite silent extension.
			result.ShouldEscalate = true
			result.Factors = append(result.Factors, "second consecutive timeout")
			result.Reason = "second consecutive timeout on step " + step.ID
		}

		if result.ShouldEscalate {
			// The open execution is closed here, so the verdict must
			// ride on its notes to reach the audit trail.
			m.resolveOpen(inst, model.OutcomeTimedOut, model.SystemActor,
				"deadline elapsed; "+escalationNotes(result))
			m.applyEscalation(inst, model.SystemActor, result)
			escalated = true
			return nil
		}

		// One-time grace extension.
		m.resolveOpen(inst, model.OutcomeTimedOut, model.SystemActor,
			fmt.Sprintf("deadline elapsed; extended by grace period (risk score %d)", result.RiskScore))
		inst.History = append(inst.History, model.StepExecution{
			ID:        uuid.New().String(),
			StepID:    step.ID,
			EnteredAt: now,
		})
		grace := m.gracePeriod(step)
		deadline := now.Add(grace)
		inst.DeadlineAt = &deadline
		inst.TimeoutExtensions++
		inst.UpdatedAt = now

		// A step stuck in running never reached its assignees; the grace
		// tick is the re-dispatch point for the dispatch-failed path.
		if inst.Status == model.StatusRunning {
			deliveries, derr := m.tasks.Dispatch(ctx, wfDef, *step, *inst)
			open := inst.OpenExecution()
			if derr != nil {
				if open != nil {
					open.Notes = "re-dispatch failed: " + derr.Error()
				}
				m.report(inst.DefinitionID, EventDispatchFailed)
			} else {
				if open != nil {
					open.Notes = deliveryNotes(deliveries)
				}
				inst.Status = model.StatusWaitingResponse
			}
		}
		return nil
	})
	if err != nil {
		if model.IsCode(err, model.ErrUnknownInstance) {
			return nil // instance removed by retention; nothing to do
		}
		return err
	}

	if escalated {
		m.report(inst.DefinitionID, EventEscalated)
		m.notifyAdministrators(ctx, defSeen, inst, result)
	} else if inst.TimeoutExtensions > 0 {
		m.report(inst.DefinitionID, EventTimeoutExtended)
	}
	return nil
}

// GetInstance returns a read-only snapshot for status displays.
func (m *Manager) GetInstance(ctx context.Context, instanceID string) (model.InstanceSnapshot, error) {
	inst, err := m.store.Get(ctx, instanceID)
	if err != nil {
		return model.InstanceSnapshot{}, err
	}

	snap := model.InstanceSnapshot{
		ID:               inst.ID,
		DefinitionID:     inst.DefinitionID,
		Status:           inst.Status,
		CurrentStepIndex: inst.CurrentStepIndex,
		Data:             inst.Data,
		History:          inst.History,
		DeadlineAt:       inst.DeadlineAt,
		CreatedAt:        inst.CreatedAt,
		UpdatedAt:        inst.UpdatedAt,
	}
	if def, ok := m.registry.Get(inst.DefinitionID); ok {
		snap.DefinitionName = def.Name
		if step := def.Step(inst.CurrentStepIndex); step != nil {
			snap.CurrentStepID = step.ID
		}
	}
	return snap, nil
}

// List returns summaries of non-terminal instances matching the filters.
func (m *Manager) List(ctx context.Context, filters model.InstanceFilters) ([]model.InstanceSummary, int, error) {
	storeFilters := StoreFilters{
		DefinitionID: filters.DefinitionID,
		Status:       filters.Status,
		Limit:        filters.PageSize,
		Offset:       (filters.Page - 1) * filters.PageSize,
	}
	if storeFilters.Limit <= 0 {
		storeFilters.Limit = 20
	}
	if storeFilters.Offset < 0 {
		storeFilters.Offset = 0
	}

	instances, err := m.store.FindActive(ctx, storeFilters)
	if err != nil {
		return nil, 0, err
	}

	all, err := m.store.FindActive(ctx, StoreFilters{
		DefinitionID: filters.DefinitionID,
		Status:       filters.Status,
	})
	if err != nil {
		return nil, 0, err
	}

	summaries := make([]model.InstanceSummary, 0, len(instances))
	for _, inst := range instances {
		summary := model.InstanceSummary{
			ID:           inst.ID,
			DefinitionID: inst.DefinitionID,
			Status:       inst.Status,
			DeadlineAt:   inst.DeadlineAt,
			CreatedAt:    inst.CreatedAt,
			UpdatedAt:    inst.UpdatedAt,
		}
		if def, ok := m.registry.Get(inst.DefinitionID); ok {
			summary.DefinitionName = def.Name
			if step := def.Step(inst.CurrentStepIndex); step != nil {
				summary.CurrentStepID = step.ID
			}
		}
		summaries = append(summaries, summary)
	}

	return summaries, len(all), nil
}

// --- internals ---

// mutate implements the read-modify-write contract: load the instance,
// apply fn, write with a version check, and on conflict reload and
// recompute up to the retry budget before surfacing
// CONCURRENT_MODIFICATION. fn returning errNoChange reports the stored
// state as already satisfying the request.
func (m *Manager) mutate(ctx context.Context, instanceID string, fn func(*model.WorkflowInstance, model.WorkflowDefinition) error) (model.WorkflowInstance, error) {
	for attempt := 0; attempt < m.writeRetries; attempt++ {
		inst, err := m.store.Get(ctx, instanceID)
		if err != nil {
			return model.WorkflowInstance{}, err
		}
		def, ok := m.registry.Get(inst.DefinitionID)
		if !ok {
			return model.WorkflowInstance{}, model.NewUnknownDefinitionError(inst.DefinitionID)
		}

		if err := fn(&inst, def); err != nil {
			if errors.Is(err, errNoChange) {
				return inst, nil
			}
			return model.WorkflowInstance{}, err
		}

		err = m.store.UpdateIfVersion(ctx, inst)
		if err == nil {
			inst.Version++
			m.syncScheduler(inst)
			return inst, nil
		}
		if !model.IsCode(err, model.ErrConcurrentModification) {
			return model.WorkflowInstance{}, err
		}
		// Conflict: reload and recompute.
	}
	return model.WorkflowInstance{}, model.NewConcurrentModificationError(instanceID)
}

// enterCurrentStep advances the instance from CurrentStepIndex through any
// steps whose condition evaluates false, dispatches the first eligible
// step, and chains through notify steps. When no steps remain the instance
// completes.
func (m *Manager) enterCurrentStep(ctx context.Context, inst *model.WorkflowInstance, def model.WorkflowDefinition, escResult **model.EscalationResult) error {
	for {
		now := m.now().UTC()
		if inst.CurrentStepIndex >= len(def.Steps) {
			inst.Status = model.StatusCompleted
			inst.DeadlineAt = nil
			inst.UpdatedAt = now
			return nil
		}

		step := def.Steps[inst.CurrentStepIndex]
		if !EvaluateCondition(step.Condition, inst.Data) {
			resolvedAt := now
			inst.History = append(inst.History, model.StepExecution{
				ID:         uuid.New().String(),
				StepID:     step.ID,
				EnteredAt:  now,
				ResolvedAt: &resolvedAt,
				Outcome:    model.OutcomeSkipped,
				Actor:      model.SystemActor,
				Notes:      "condition evaluated false",
			})
			inst.CurrentStepIndex++
			continue
		}

		advanced, err := m.dispatchStep(ctx, inst, def, step, escResult)
		if err != nil {
			return err
		}
		if !advanced {
			return nil
		}
		inst.CurrentStepIndex++
	}
}

// dispatchStep opens an execution for the given step, arms its deadline,
// and dispatches notifications. Returns true when the step resolved
// immediately (notify kind) and the entry loop should continue.
func (m *Manager) dispatchStep(ctx context.Context, inst *model.WorkflowInstance, def model.WorkflowDefinition, step model.StepDefinition, escResult **model.EscalationResult) (bool, error) {
	now := m.now().UTC()

	inst.History = append(inst.History, model.StepExecution{
		ID:        uuid.New().String(),
		StepID:    step.ID,
		EnteredAt: now,
	})
	inst.Status = model.StatusRunning
	deadline := now.Add(time.Duration(step.TimeoutMinutes) * time.Minute)
	inst.DeadlineAt = &deadline
	inst.TimeoutExtensions = 0
	inst.UpdatedAt = now

	deliveries, err := m.tasks.Dispatch(ctx, def, step, *inst)
	open := inst.OpenExecution()

	switch {
	case err == nil:
		if open != nil {
			open.Notes = deliveryNotes(deliveries)
		}
		if step.Kind == model.StepKindNotify {
			// Notify steps require no response.
			m.resolveOpen(inst, model.OutcomeCompleted, model.SystemActor, deliveryNotes(deliveries))
			return true, nil
		}
		inst.Status = model.StatusWaitingResponse
		return false, nil

	case model.IsCode(err, model.ErrNoAssignees):
		// Configuration error: the workflow cannot progress without a
		// resolvable assignee set. Escalate immediately.
		result := model.EscalationResult{
			ShouldEscalate: true,
			RiskScore:      100,
			Factors:        []string{"no resolvable assignees"},
			Reason:         err.Error(),
		}
		m.resolveOpen(inst, model.OutcomeEscalated, model.SystemActor, err.Error())
		m.applyEscalation(inst, model.SystemActor, result)
		*escResult = &result
		m.report(inst.DefinitionID, EventEscalated)
		return false, nil

	case model.IsCode(err, model.ErrDispatchFailed):
		// Recorded, not surfaced: the timeout path re-dispatches and
		// eventually escalates. The instance stays running with the
		// deadline armed.
		if open != nil {
			open.Notes = err.Error()
		}
		m.report(inst.DefinitionID, EventDispatchFailed)
		m.logger.Warn("step dispatch failed for all assignees",
			zap.String("instance_id", inst.ID),
			zap.String("step_id", step.ID),
			zap.Error(err),
		)
		return false, nil

	default:
		return false, err
	}
}

// applyEscalation moves the instance into the escalated status. The
// deadline is disarmed: escalated instances resume only through an
// explicit retry or cancel.
func (m *Manager) applyEscalation(inst *model.WorkflowInstance, actor string, result model.EscalationResult) {
	if open := inst.OpenExecution(); open != nil {
		m.resolveOpen(inst, model.OutcomeEscalated, actor, escalationNotes(result))
	}
	inst.Status = model.StatusEscalated
	inst.DeadlineAt = nil
	inst.UpdatedAt = m.now().UTC()
}

// resolveOpen finalizes the currently open execution. A resolved execution
// is never touched again.
func (m *Manager) resolveOpen(inst *model.WorkflowInstance, outcome, actor, notes string) {
	open := inst.OpenExecution()
	if open == nil {
		return
	}
	resolvedAt := m.now().UTC()
	open.ResolvedAt = &resolvedAt
	open.Outcome = outcome
	open.Actor = actor
	if notes != "" {
		open.Notes = notes
	}
}

func (m *Manager) syncScheduler(inst model.WorkflowInstance) {
	if m.sched == nil {
		return
	}
	if inst.DeadlineAt != nil &&
		(inst.Status == model.StatusRunning || inst.Status == model.StatusWaitingResponse) {
		m.sched.Arm(inst.ID, *inst.DeadlineAt)
		return
	}
	m.sched.Disarm(inst.ID)
}

// notifyAdministrators delivers the escalation notice. Best-effort by
// contract: a failed notice is logged, and the escalated status itself is
// already durable.
func (m *Manager) notifyAdministrators(ctx context.Context, def model.WorkflowDefinition, inst model.WorkflowInstance, result model.EscalationResult) {
	recipients := def.Administrators
	if len(recipients) == 0 {
		recipients = m.admins
	}
	if len(recipients) == 0 {
		m.logger.Warn("instance escalated but no administrators are configured",
			zap.String("instance_id", inst.ID),
			zap.String("definition_id", inst.DefinitionID),
		)
		return
	}
	if err := m.tasks.NotifyEscalation(ctx, def, inst, result, recipients); err != nil {
		m.logger.Error("escalation notice delivery failed",
			zap.String("instance_id", inst.ID),
			zap.Error(err),
		)
	}
}

func (m *Manager) gracePeriod(step *model.StepDefinition) time.Duration {
	if step != nil && step.Escalation != nil && step.Escalation.GraceMinutes > 0 {
		return time.Duration(step.Escalation.GraceMinutes) * time.Minute
	}
	return m.defaultGrace
}

func (m *Manager) report(definitionID, event string) {
	if m.observer != nil {
		m.observer.OnWorkflowEvent(definitionID, event)
	}
}

// requireAwaiting rejects operations on instances that are not currently
// waiting for a step to resolve.
func requireAwaiting(inst *model.WorkflowInstance) error {
	switch inst.Status {
	case model.StatusRunning, model.StatusWaitingResponse:
		return nil
	case model.StatusEscalated:
		return model.NewInvalidStateError(
			fmt.Sprintf("instance %q is escalated; retry or cancel it first", inst.ID),
		)
	default:
		return model.NewInvalidStateError(
			fmt.Sprintf("instance %q is %s", inst.ID, inst.Status),
		)
	}
}

// checkOutcomeContract enforces the per-kind resolution contract.
func checkOutcomeContract(kind, outcome string) error {
	switch kind {
	case model.StepKindApproval:
		if outcome == model.OutcomeApproved || outcome == model.OutcomeRejected {
			return nil
		}
		return model.NewInvalidStateError(
			fmt.Sprintf("approval steps accept approved or rejected, not %q", outcome),
		)
	case model.StepKindTask:
		if outcome == model.OutcomeCompleted {
			return nil
		}
		return model.NewInvalidStateError(
			fmt.Sprintf("task steps accept completed, not %q", outcome),
		)
	case model.StepKindNotify:
		return model.NewInvalidStateError("notify steps resolve automatically")
	default:
		return model.NewInvalidStateError(fmt.Sprintf("unknown step kind %q", kind))
	}
}

// stepEnteredAt returns when the current open execution was entered,
// falling back to the last update time.
func stepEnteredAt(inst *model.WorkflowInstance, fallback time.Time) time.Time {
	if open := inst.OpenExecution(); open != nil {
		return open.EnteredAt
	}
	return fallback
}

// actorOf returns the acting subject, or the system actor for
// engine-driven transitions.
func actorOf(rctx *model.RequestContext) string {
	if rctx == nil || rctx.SubjectID == "" {
		return model.SystemActor
	}
	return rctx.SubjectID
}

// deliveryNotes summarizes per-recipient delivery outcomes for the audit
// trail.
func deliveryNotes(deliveries []model.DeliveryResult) string {
	if len(deliveries) == 0 {
		return ""
	}
	parts := make([]string, 0, len(deliveries))
	for _, d := range deliveries {
		switch {
		case d.Delivered:
			parts = append(parts, d.Recipient+": delivered")
		case d.Timeout:
			parts = append(parts, d.Recipient+": timeout")
		default:
			parts = append(parts, d.Recipient+": failed")
		}
	}
	return "dispatched to " + strings.Join(parts, ", ")
}

func escalationNotes(result model.EscalationResult) string {
	notes := fmt.Sprintf("risk score %d: %s", result.RiskScore, result.Reason)
	if len(result.Factors) > 0 {
		notes += " [" + strings.Join(result.Factors, "; ") + "]"
	}
	return notes
}
