// Package recovery exposes the operator surface for stuck workflow
// instances: retry, skip, cancel, and escalate, deduplicated by
// idempotency key so a retried HTTP request never applies an action twice.
package recovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/arbiter/model"
)

// Recovery action names.
const (
	ActionRetry    = "retry"
	ActionSkip     = "skip"
	ActionCancel   = "cancel"
	ActionEscalate = "escalate"
)

// Request is one recovery action against an instance. StepID, when set,
// guards against acting on a step the instance has already moved past.
type Request struct {
	InstanceID     string
	Action         string
	StepID         string
	Reason         string
	IdempotencyKey string
}

// Result reports the applied action and the instance state after it.
type Result struct {
	InstanceID string `json:"instance_id"`
	Action     string `json:"action"`
	Status     string `json:"status"`
	StepID     string `json:"step_id,omitempty"`
	Version    int    `json:"version"`
}

// InstanceManager is the slice of the workflow manager the controller
// drives.
type InstanceManager interface {
	RetryCurrentStep(ctx context.Context, rctx *model.RequestContext, instanceID, stepID string) (model.WorkflowInstance, error)
	SkipCurrentStep(ctx context.Context, rctx *model.RequestContext, instanceID, stepID string) (model.WorkflowInstance, error)
	Cancel(ctx context.Context, rctx *model.RequestContext, instanceID, reason string) (model.WorkflowInstance, error)
	Escalate(ctx context.Context, rctx *model.RequestContext, instanceID, reason string) (model.WorkflowInstance, error)
}

// Controller validates and applies recovery actions.
type Controller struct {
	mgr    InstanceManager
	idem   IdempotencyStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewController creates a recovery controller. idem may be nil to disable
// deduplication.
func NewController(mgr InstanceManager, idem IdempotencyStore, ttl time.Duration, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Controller{mgr: mgr, idem: idem, ttl: ttl, logger: logger}
}

// Apply executes one recovery action. When the request carries an
// idempotency key, a repeat of the same request returns the original
// result without re-applying the action.
func (c *Controller) Apply(ctx context.Context, rctx *model.RequestContext, req Request) (Result, error) {
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}

	useIdem := c.idem != nil && req.IdempotencyKey != ""
	var idemKey, inputHash string
	if useIdem {
		idemKey = FormatIdempotencyKey(req.InstanceID, req.IdempotencyKey)
		inputHash = HashRequest(req)
		cached, found, err := c.idem.Check(ctx, idemKey, inputHash)
		if err != nil {
			return Result{}, err
		}
		if found {
			c.logger.Debug("recovery action replayed from idempotency cache",
				zap.String("instance_id", req.InstanceID),
				zap.String("action", req.Action),
			)
			return *cached, nil
		}
	}

	inst, err := c.dispatch(ctx, rctx, req)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		InstanceID: inst.ID,
		Action:     req.Action,
		Status:     inst.Status,
		Version:    inst.Version,
	}
	if open := inst.OpenExecution(); open != nil {
		result.StepID = open.StepID
	}

	if useIdem {
		if err := c.idem.Store(ctx, idemKey, inputHash, result, c.ttl); err != nil {
			// The action is already applied; a cache write failure only
			// weakens deduplication for retries of this request.
			c.logger.Warn("idempotency store write failed",
				zap.String("instance_id", req.InstanceID),
				zap.Error(err),
			)
		}
	}

	c.logger.Info("recovery action applied",
		zap.String("instance_id", req.InstanceID),
		zap.String("action", req.Action),
		zap.String("status", result.Status),
		zap.String("actor", actorOf(rctx)),
	)
	return result, nil
}

func (c *Controller) dispatch(ctx context.Context, rctx *model.RequestContext, req Request) (model.WorkflowInstance, error) {
	switch req.Action {
	case ActionRetry:
		return c.mgr.RetryCurrentStep(ctx, rctx, req.InstanceID, req.StepID)
	case ActionSkip:
		return c.mgr.SkipCurrentStep(ctx, rctx, req.InstanceID, req.StepID)
	case ActionCancel:
		return c.mgr.Cancel(ctx, rctx, req.InstanceID, req.Reason)
	case ActionEscalate:
		return c.mgr.Escalate(ctx, rctx, req.InstanceID, req.Reason)
	default:
		// validateRequest already rejected this.
		return model.WorkflowInstance{}, model.NewBadRequestError(fmt.Sprintf("unknown action %q", req.Action))
	}
}

func validateRequest(req Request) error {
	var details []model.FieldError
	if req.InstanceID == "" {
		details = append(details, model.FieldError{Field: "instance_id", Code: "required", Message: "instance_id is required"})
	}
	switch req.Action {
	case ActionRetry, ActionSkip, ActionCancel, ActionEscalate:
	case "":
		details = append(details, model.FieldError{Field: "action", Code: "required", Message: "action is required"})
	default:
		details = append(details, model.FieldError{
			Field: "action", Code: "invalid",
			Message: fmt.Sprintf("action must be one of retry, skip, cancel, escalate; got %q", req.Action),
		})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

func actorOf(rctx *model.RequestContext) string {
	if rctx == nil || rctx.SubjectID == "" {
		return model.SystemActor
	}
	return rctx.SubjectID
}
