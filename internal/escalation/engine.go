// Package escalation computes the risk verdict consulted on every timeout
// and on every failed or ambiguous step resolution. The engine is a pure
// decision function: it performs no I/O and never mutates its inputs, so it
// is safe to call speculatively.
package escalation

import (
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/arbiter/model"
)

// DefaultRiskThreshold is the score at or above which the engine recommends
// escalation when neither the step policy nor the configuration overrides it.
const DefaultRiskThreshold = 60

// Factor weights. Each factor is scored independently; the total is clamped
// to [0,100].
const (
	weightPriorityHigh        = 30
	weightPriorityMedium      = 15
	weightSecuritySensitive   = 25
	weightFinancialImpact     = 20
	weightProductionAffecting = 20
	weightElapsedOver         = 15
	weightElapsedNearOver     = 10
	weightElapsedWellOver     = 20
	weightPerRetry            = 15
	maxRetryWeight            = 45
)

// Engine evaluates escalation risk for stalled workflow instances.
type Engine struct {
	defaultThreshold int
}

// NewEngine creates an escalation engine with the given default risk
// threshold. A non-positive threshold falls back to DefaultRiskThreshold.
func NewEngine(defaultThreshold int) *Engine {
	if defaultThreshold <= 0 {
		defaultThreshold = DefaultRiskThreshold
	}
	return &Engine{defaultThreshold: defaultThreshold}
}

// Evaluate computes the risk score and verdict for an instance stalled on
// the given step after the given elapsed time. Deterministic: identical
// inputs always yield identical output.
func (e *Engine) Evaluate(inst *model.WorkflowInstance, step *model.StepDefinition, elapsed time.Duration) model.EscalationResult {
	var (
		score   int
		factors []string
		hard    []string
	)

	// Declared priority or severity.
	switch priorityOf(inst.Data) {
	case "critical":
		hard = append(hard, "priority is critical")
	case "high":
		score += weightPriorityHigh
		factors = append(factors, fmt.Sprintf("priority is high (+%d)", weightPriorityHigh))
	case "medium":
		score += weightPriorityMedium
		factors = append(factors, fmt.Sprintf("priority is medium (+%d)", weightPriorityMedium))
	}

	// Domain flags in instance data.
	if boolField(inst.Data, "contains_security_changes") {
		hard = append(hard, "contains security changes")
	}
	if boolField(inst.Data, "security_sensitive") {
		score += weightSecuritySensitive
		factors = append(factors, fmt.Sprintf("security sensitive (+%d)", weightSecuritySensitive))
	}
	if boolField(inst.Data, "financial_impact") {
		score += weightFinancialImpact
		factors = append(factors, fmt.Sprintf("financial impact (+%d)", weightFinancialImpact))
	}
	if boolField(inst.Data, "production_affecting") {
		score += weightProductionAffecting
		factors = append(factors, fmt.Sprintf("production affecting (+%d)", weightProductionAffecting))
	}

	// Elapsed time against the step's declared timeout.
	if step != nil && step.TimeoutMinutes > 0 {
		timeout := time.Duration(step.TimeoutMinutes) * time.Minute
		ratio := float64(elapsed) / float64(timeout)
		switch {
		case ratio >= 2.0:
			hard = append(hard, fmt.Sprintf("elapsed time is %.1fx the step timeout", ratio))
		case ratio >= 1.5:
			score += weightElapsedWellOver
			factors = append(factors, fmt.Sprintf("elapsed time is %.1fx the step timeout (+%d)", ratio, weightElapsedWellOver))
		case ratio >= 1.0:
			score += weightElapsedOver
			factors = append(factors, fmt.Sprintf("step timeout exceeded (+%d)", weightElapsedOver))
		case ratio >= 0.75:
			score += weightElapsedNearOver
			factors = append(factors, fmt.Sprintf("step timeout nearly exceeded (+%d)", weightElapsedNearOver))
		}
	}

	// Prior retries on the current step erode confidence in eventual
	// resolution.
	if step != nil {
		if retries := inst.RetryCount(step.ID); retries > 0 {
			w := retries * weightPerRetry
			if w > maxRetryWeight {
				w = maxRetryWeight
			}
			score += w
			factors = append(factors, fmt.Sprintf("%d prior retries on current step (+%d)", retries, w))
		}
	}

	if score > 100 {
		score = 100
	}

	threshold := e.threshold(step)
	result := model.EscalationResult{
		RiskScore: score,
		Factors:   append(hard, factors...),
	}

	switch {
	case len(hard) > 0:
		result.ShouldEscalate = true
		result.Reason = "hard factor: " + strings.Join(hard, "; ")
	case score >= threshold:
		result.ShouldEscalate = true
		result.Reason = fmt.Sprintf("risk score %d meets threshold %d", score, threshold)
	default:
		result.Reason = fmt.Sprintf("risk score %d below threshold %d", score, threshold)
	}

	return result
}

// threshold returns the effective risk threshold for a step.
func (e *Engine) threshold(step *model.StepDefinition) int {
	if step != nil && step.Escalation != nil && step.Escalation.RiskThreshold > 0 {
		return step.Escalation.RiskThreshold
	}
	return e.defaultThreshold
}

// priorityOf reads the priority (or severity, as fallback) field from
// instance data, normalized to lower case.
func priorityOf(data map[string]any) string {
	for _, key := range []string{"priority", "severity"} {
		if v, ok := data[key]; ok {
			if s, ok := v.(string); ok {
				return strings.ToLower(strings.TrimSpace(s))
			}
		}
	}
	return ""
}

// boolField reads a boolean flag from instance data. String forms of truth
// ("true", "yes") count, since data bags frequently arrive JSON-decoded
// from loosely typed sources.
func boolField(data map[string]any, key string) bool {
	v, ok := data[key]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "true" || s == "yes"
	}
	return false
}
