package model

import "time"

// Workflow instance status constants.
const (
	StatusPending         = "pending"
	StatusRunning         = "running"
	StatusWaitingResponse = "waiting_response"
	StatusEscalated       = "escalated"
	StatusCompleted       = "completed"
	StatusCancelled       = "cancelled"
	StatusFailed          = "failed"
)

// Step execution outcome constants.
const (
	OutcomeApproved  = "approved"
	OutcomeRejected  = "rejected"
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped"
	OutcomeTimedOut  = "timed_out"
	OutcomeRetried   = "retried"
	OutcomeEscalated = "escalated"
	OutcomeCancelled = "cancelled"
)

// IsTerminalStatus returns true for statuses from which no further
// transition is possible.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// WorkflowInstance is one running execution of a workflow definition.
// CurrentStepIndex is always a valid index into the definition's steps, or
// equals the step count exactly when the instance is completed.
type WorkflowInstance struct {
	ID               string          `json:"id"`
	DefinitionID     string          `json:"definition_id"`
	Status           string          `json:"status"`
	CurrentStepIndex int             `json:"current_step_index"`
	Data             map[string]any  `json:"data,omitempty"`
	History          []StepExecution `json:"history"`
	DeadlineAt       *time.Time      `json:"deadline_at,omitempty"`

	// TimeoutExtensions counts consecutive grace extensions granted to the
	// current step. Reset on every step entry and on retry.
	TimeoutExtensions int `json:"timeout_extensions"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StepExecution is one attempt at one step. Records are append-only: a
// resolved execution is never mutated, and a retried step produces a new
// record.
type StepExecution struct {
	ID         string     `json:"id"`
	StepID     string     `json:"step_id"`
	EnteredAt  time.Time  `json:"entered_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Outcome    string     `json:"outcome,omitempty"`
	Actor      string     `json:"actor,omitempty"`
	Notes      string     `json:"notes,omitempty"`
}

// OpenExecution returns a pointer to the currently open (unresolved) history
// entry, or nil if every entry is resolved.
func (w *WorkflowInstance) OpenExecution() *StepExecution {
	for i := len(w.History) - 1; i >= 0; i-- {
		if w.History[i].ResolvedAt == nil {
			return &w.History[i]
		}
	}
	return nil
}

// RetryCount returns the number of retried executions recorded for the given
// step. The escalation engine weighs this as eroding confidence in eventual
// resolution.
func (w *WorkflowInstance) RetryCount(stepID string) int {
	n := 0
	for _, ex := range w.History {
		if ex.StepID == stepID && ex.Outcome == OutcomeRetried {
			n++
		}
	}
	return n
}

// InstanceSnapshot is the read-only view of an instance returned by the
// query surface. It never exposes anything mutable.
type InstanceSnapshot struct {
	ID               string          `json:"id"`
	DefinitionID     string          `json:"definition_id"`
	DefinitionName   string          `json:"definition_name"`
	Status           string          `json:"status"`
	CurrentStepIndex int             `json:"current_step_index"`
	CurrentStepID    string          `json:"current_step_id,omitempty"`
	Data             map[string]any  `json:"data,omitempty"`
	History          []StepExecution `json:"history"`
	DeadlineAt       *time.Time      `json:"deadline_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// InstanceSummary is a lightweight representation of an instance used in
// list views.
type InstanceSummary struct {
	ID             string     `json:"id"`
	DefinitionID   string     `json:"definition_id"`
	DefinitionName string     `json:"definition_name"`
	Status         string     `json:"status"`
	CurrentStepID  string     `json:"current_step_id,omitempty"`
	DeadlineAt     *time.Time `json:"deadline_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// InstanceFilters are optional filters for listing instances.
type InstanceFilters struct {
	DefinitionID string
	Status       string
	Page         int
	PageSize     int
}
