package model

import (
	"context"
	"time"
)

// StepContext is the payload handed to the notifier for one recipient. It
// carries everything the messaging channel needs to render a prompt; the
// engine never renders human-readable text itself.
type StepContext struct {
	InstanceID     string         `json:"instance_id"`
	DefinitionID   string         `json:"definition_id"`
	DefinitionName string         `json:"definition_name"`
	StepID         string         `json:"step_id"`
	StepName       string         `json:"step_name"`
	StepKind       string         `json:"step_kind"`
	Data           map[string]any `json:"data,omitempty"`
	DeadlineAt     *time.Time     `json:"deadline_at,omitempty"`

	// Escalation is set only on escalation notices to administrators.
	Escalation *EscalationResult `json:"escalation,omitempty"`
}

// DeliveryResult reports the outcome of one dispatch attempt. A failure is
// distinguishable from a timeout via the Timeout flag.
type DeliveryResult struct {
	Recipient string `json:"recipient"`
	Delivered bool   `json:"delivered"`
	Timeout   bool   `json:"timeout,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Notifier delivers a step prompt to a single recipient through an external
// messaging channel. Implementations must be safe for concurrent use; the
// task handler fans out one call per recipient. Delivery is at-least-once;
// step re-entry is idempotent on the receiving side.
type Notifier interface {
	Dispatch(ctx context.Context, recipient string, stepCtx StepContext) DeliveryResult
}
