package model

// EscalationResult is the verdict of the escalation engine for one instance
// at one point in time. It is ephemeral: computed on demand, never persisted
// beyond a history annotation.
type EscalationResult struct {
	ShouldEscalate bool     `json:"should_escalate"`
	RiskScore      int      `json:"risk_score"`
	Factors        []string `json:"factors,omitempty"`
	Reason         string   `json:"reason"`
}
