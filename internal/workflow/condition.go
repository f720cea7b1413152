package workflow

import (
	"fmt"
	"strings"
)

// EvaluateCondition evaluates a step condition predicate against instance
// data. Supported forms:
//   - "field == 'value'"  equality against the string form of the field
//   - "field != 'value'"  inequality
//   - "field"             bare truthy check (bool true, "true", "yes")
//
// Field names may use dotted paths into nested maps. An empty condition and
// an unparseable condition both evaluate true, so a malformed predicate
// never silently blocks a workflow.
func EvaluateCondition(condition string, data map[string]any) bool {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true
	}

	if parts := splitCondition(condition, "!="); len(parts) == 2 {
		field := strings.TrimSpace(parts[0])
		expected := trimQuotes(strings.TrimSpace(parts[1]))
		return stringOf(navigatePath(data, field)) != expected
	}
	if parts := splitCondition(condition, "=="); len(parts) == 2 {
		field := strings.TrimSpace(parts[0])
		expected := trimQuotes(strings.TrimSpace(parts[1]))
		return stringOf(navigatePath(data, field)) == expected
	}

	// Bare field: truthy check.
	if !strings.ContainsAny(condition, " \t") {
		switch v := navigatePath(data, condition).(type) {
		case bool:
			return v
		case string:
			s := strings.ToLower(v)
			return s == "true" || s == "yes"
		case nil:
			return false
		default:
			return true
		}
	}

	return true
}

// splitCondition splits a condition string by an operator, guarding against
// "==" matching inside "!=".
func splitCondition(s, op string) []string {
	for i := 0; i <= len(s)-len(op); i++ {
		if s[i:i+len(op)] != op {
			continue
		}
		if op == "==" && i > 0 && s[i-1] == '!' {
			continue
		}
		return []string{s[:i], s[i+len(op):]}
	}
	return nil
}

func trimQuotes(s string) string {
	if len(s) >= 2 && ((s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"')) {
		return s[1 : len(s)-1]
	}
	return s
}

// navigatePath navigates a dot-separated path through nested maps.
func navigatePath(data map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

func stringOf(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
