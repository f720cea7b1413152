package model

// Step kind constants. Kind is a closed discriminator: the manager switches
// on it to choose the resolution contract for a step.
const (
	// StepKindTask requires an assignee to report completion.
	StepKindTask = "task"
	// StepKindApproval requires an assignee to approve or reject.
	StepKindApproval = "approval"
	// StepKindNotify requires no response; it resolves as soon as delivery
	// is attempted.
	StepKindNotify = "notify"
)

// Assignee rule type constants.
const (
	// AssigneeUser names a recipient identity directly.
	AssigneeUser = "user"
	// AssigneeGroup names a group expanded by the notifier side; the group
	// id itself is the recipient.
	AssigneeGroup = "group"
	// AssigneeField reads recipient identities from an instance data field.
	// The field may hold a string or a list of strings.
	AssigneeField = "field"
)

// DefinitionFile is the root structure of a definition YAML file. Each file
// declares one or more workflow definitions.
type DefinitionFile struct {
	Version   string               `yaml:"version"   json:"version"`
	Workflows []WorkflowDefinition `yaml:"workflows" json:"workflows"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// WorkflowDefinition describes a multi-step human approval process. It is
// immutable after load.
type WorkflowDefinition struct {
	ID   string `yaml:"id"   json:"id"`
	Name string `yaml:"name" json:"name"`

	// Administrators receive the escalation notice when an instance
	// escalates. Falls back to the configured global set when empty.
	Administrators []string `yaml:"administrators" json:"administrators,omitempty"`

	Steps []StepDefinition `yaml:"steps" json:"steps"`
}

// StepDefinition describes a single step in a workflow's ordered sequence.
type StepDefinition struct {
	ID   string `yaml:"id"   json:"id"`
	Name string `yaml:"name" json:"name"`
	Kind string `yaml:"kind" json:"kind"`

	Assignees []AssigneeRule `yaml:"assignees" json:"assignees,omitempty"`

	// TimeoutMinutes bounds how long the step may wait for resolution
	// before the scheduler fires a timeout.
	TimeoutMinutes int `yaml:"timeout_minutes" json:"timeout_minutes"`

	// Condition is a predicate over instance data. When it evaluates false
	// the step is skipped entirely on entry. Empty means always eligible.
	Condition string `yaml:"condition" json:"condition,omitempty"`

	Escalation *EscalationPolicy `yaml:"escalation" json:"escalation,omitempty"`
}

// AssigneeRule resolves to zero or more recipient identities against
// instance data.
type AssigneeRule struct {
	Type  string `yaml:"type"  json:"type"`
	Value string `yaml:"value" json:"value"`
}

// EscalationPolicy tunes the escalation engine per step.
type EscalationPolicy struct {
	// RiskThreshold is the score at or above which the engine recommends
	// escalation. Zero means use the configured default.
	RiskThreshold int `yaml:"risk_threshold" json:"risk_threshold,omitempty"`

	// GraceMinutes is the one-time deadline extension granted on a first
	// timeout that the engine does not escalate. Zero means use the
	// configured default.
	GraceMinutes int `yaml:"grace_minutes" json:"grace_minutes,omitempty"`
}

// Step returns the step at the given index, or nil when the index is out of
// range (which includes the completed position one past the last step).
func (d *WorkflowDefinition) Step(index int) *StepDefinition {
	if index < 0 || index >= len(d.Steps) {
		return nil
	}
	return &d.Steps[index]
}
