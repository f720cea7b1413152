package definition

import (
	"fmt"

	"github.com/pitabwire/arbiter/model"
)

// VError describes a single validation error in a definition file.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates definition files structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

var validKinds = map[string]bool{
	model.StepKindTask:     true,
	model.StepKindApproval: true,
	model.StepKindNotify:   true,
}

var validAssigneeTypes = map[string]bool{
	model.AssigneeUser:  true,
	model.AssigneeGroup: true,
	model.AssigneeField: true,
}

// Validate checks all definition files. Workflow IDs must be unique across
// files.
func (v *Validator) Validate(files []model.DefinitionFile) []VError {
	var errs []VError
	seen := make(map[string]string) // workflow ID → source file

	for i, file := range files {
		prefix := fmt.Sprintf("files[%d]", i)
		if file.SourceFile != "" {
			prefix = file.SourceFile
		}

		if len(file.Workflows) == 0 {
			errs = append(errs, VError{Path: prefix, Code: "REQUIRED", Message: "file declares no workflows"})
		}

		for j, wf := range file.Workflows {
			wfPath := fmt.Sprintf("%s.workflows[%d]", prefix, j)
			if wf.ID == "" {
				errs = append(errs, VError{Path: wfPath + ".id", Code: "REQUIRED", Message: "workflow id is required"})
			} else if prior, dup := seen[wf.ID]; dup {
				errs = append(errs, VError{
					Path: wfPath + ".id", Code: "DUPLICATE",
					Message: fmt.Sprintf("workflow id %q already declared in %s", wf.ID, prior),
				})
			} else {
				seen[wf.ID] = prefix
			}
			errs = append(errs, v.validateWorkflow(wfPath, wf)...)
		}
	}
	return errs
}

func (v *Validator) validateWorkflow(prefix string, wf model.WorkflowDefinition) []VError {
	var errs []VError

	if wf.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "workflow name is required"})
	}
	if len(wf.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
	}

	stepIDs := make(map[string]bool, len(wf.Steps))
	for i, step := range wf.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)

		if step.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "step id is required"})
		} else if stepIDs[step.ID] {
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("step id %q is duplicated", step.ID)})
		}
		stepIDs[step.ID] = true

		if !validKinds[step.Kind] {
			errs = append(errs, VError{
				Path: sp + ".kind", Code: "INVALID",
				Message: fmt.Sprintf("step kind %q must be one of task, approval, notify", step.Kind),
			})
		}
		if step.TimeoutMinutes <= 0 {
			errs = append(errs, VError{Path: sp + ".timeout_minutes", Code: "INVALID", Message: "timeout_minutes must be positive"})
		}

		// Every step kind notifies someone, so every step needs at least
		// one assignee rule.
		if len(step.Assignees) == 0 {
			errs = append(errs, VError{Path: sp + ".assignees", Code: "REQUIRED", Message: "at least one assignee rule is required"})
		}
		for k, rule := range step.Assignees {
			ap := fmt.Sprintf("%s.assignees[%d]", sp, k)
			if !validAssigneeTypes[rule.Type] {
				errs = append(errs, VError{
					Path: ap + ".type", Code: "INVALID",
					Message: fmt.Sprintf("assignee type %q must be one of user, group, field", rule.Type),
				})
			}
			if rule.Value == "" {
				errs = append(errs, VError{Path: ap + ".value", Code: "REQUIRED", Message: "assignee value is required"})
			}
		}

		if step.Escalation != nil {
			if t := step.Escalation.RiskThreshold; t < 0 || t > 100 {
				errs = append(errs, VError{Path: sp + ".escalation.risk_threshold", Code: "INVALID", Message: "risk_threshold must be between 0 and 100"})
			}
			if step.Escalation.GraceMinutes < 0 {
				errs = append(errs, VError{Path: sp + ".escalation.grace_minutes", Code: "INVALID", Message: "grace_minutes must not be negative"})
			}
		}
	}

	return errs
}
