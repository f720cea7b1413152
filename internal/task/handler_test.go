package task

import (
	"context"
	"sync"
	"testing"

	"github.com/pitabwire/arbiter/model"
)

// recordingNotifier records dispatches and returns per-recipient results.
type recordingNotifier struct {
	mu       sync.Mutex
	dispatch []string
	fail     map[string]string
	timeout  map[string]bool
}

func (n *recordingNotifier) Dispatch(_ context.Context, recipient string, _ model.StepContext) model.DeliveryResult {
	n.mu.Lock()
	n.dispatch = append(n.dispatch, recipient)
	n.mu.Unlock()
	if msg, ok := n.fail[recipient]; ok {
		return model.DeliveryResult{Recipient: recipient, Error: msg}
	}
	if n.timeout[recipient] {
		return model.DeliveryResult{Recipient: recipient, Timeout: true, Error: "deadline exceeded"}
	}
	return model.DeliveryResult{Recipient: recipient, Delivered: true}
}

func testStep(assignees ...model.AssigneeRule) model.StepDefinition {
	return model.StepDefinition{
		ID:             "review",
		Name:           "Review",
		Kind:           model.StepKindApproval,
		Assignees:      assignees,
		TimeoutMinutes: 60,
	}
}

func testDef() model.WorkflowDefinition {
	return model.WorkflowDefinition{ID: "expense.approval", Name: "Expense Approval"}
}

func testInst(data map[string]any) model.WorkflowInstance {
	return model.WorkflowInstance{ID: "wi-1", DefinitionID: "expense.approval", Data: data}
}

func TestResolveAssignees(t *testing.T) {
	data := map[string]any{
		"requester": "bob",
		"reviewers": []any{"carol", "group:sec-review", "carol"},
		"empty":     "",
	}

	tests := []struct {
		name  string
		rules []model.AssigneeRule
		want  []string
	}{
		{
			"user rule",
			[]model.AssigneeRule{{Type: model.AssigneeUser, Value: "alice"}},
			[]string{"user:alice"},
		},
		{
			"group rule",
			[]model.AssigneeRule{{Type: model.AssigneeGroup, Value: "finance"}},
			[]string{"group:finance"},
		},
		{
			"field rule single value",
			[]model.AssigneeRule{{Type: model.AssigneeField, Value: "requester"}},
			[]string{"user:bob"},
		},
		{
			"field rule list keeps prefixes and dedupes",
			[]model.AssigneeRule{{Type: model.AssigneeField, Value: "reviewers"}},
			[]string{"user:carol", "group:sec-review"},
		},
		{
			"missing field contributes nothing",
			[]model.AssigneeRule{{Type: model.AssigneeField, Value: "nonexistent"}},
			nil,
		},
		{
			"empty value contributes nothing",
			[]model.AssigneeRule{{Type: model.AssigneeField, Value: "empty"}},
			nil,
		},
		{
			"mixed rules deduped",
			[]model.AssigneeRule{
				{Type: model.AssigneeUser, Value: "bob"},
				{Type: model.AssigneeField, Value: "requester"},
			},
			[]string{"user:bob"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveAssignees(tt.rules, data)
			if err != nil {
				t.Fatalf("ResolveAssignees error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestResolveAssignees_unknownType(t *testing.T) {
	_, err := ResolveAssignees([]model.AssigneeRule{{Type: "role", Value: "x"}}, nil)
	if err == nil {
		t.Fatal("expected error for unknown rule type")
	}
	if model.ErrorCode(err) != model.ErrValidationError {
		t.Errorf("code = %s", model.ErrorCode(err))
	}
}

func TestHandler_Dispatch_success(t *testing.T) {
	n := &recordingNotifier{}
	h := NewHandler(n, nil)

	step := testStep(
		model.AssigneeRule{Type: model.AssigneeUser, Value: "alice"},
		model.AssigneeRule{Type: model.AssigneeGroup, Value: "finance"},
	)
	results, err := h.Dispatch(context.Background(), testDef(), step, testInst(nil))
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for _, r := range results {
		if !r.Delivered {
			t.Errorf("recipient %s not delivered", r.Recipient)
		}
	}
	if len(n.dispatch) != 2 {
		t.Errorf("dispatch calls = %d, want 2", len(n.dispatch))
	}
}

func TestHandler_Dispatch_partialFailureIsSuccess(t *testing.T) {
	n := &recordingNotifier{fail: map[string]string{"user:alice": "mailbox full"}}
	h := NewHandler(n, nil)

	step := testStep(
		model.AssigneeRule{Type: model.AssigneeUser, Value: "alice"},
		model.AssigneeRule{Type: model.AssigneeUser, Value: "bob"},
	)
	results, err := h.Dispatch(context.Background(), testDef(), step, testInst(nil))
	if err != nil {
		t.Fatalf("partial failure must not error: %v", err)
	}
	var failed, delivered int
	for _, r := range results {
		if r.Delivered {
			delivered++
		} else {
			failed++
		}
	}
	if delivered != 1 || failed != 1 {
		t.Errorf("delivered = %d, failed = %d", delivered, failed)
	}
}

func TestHandler_Dispatch_allFailed(t *testing.T) {
	n := &recordingNotifier{fail: map[string]string{
		"user:alice": "unreachable",
		"user:bob":   "unreachable",
	}}
	h := NewHandler(n, nil)

	step := testStep(
		model.AssigneeRule{Type: model.AssigneeUser, Value: "alice"},
		model.AssigneeRule{Type: model.AssigneeUser, Value: "bob"},
	)
	results, err := h.Dispatch(context.Background(), testDef(), step, testInst(nil))
	if model.ErrorCode(err) != model.ErrDispatchFailed {
		t.Fatalf("code = %s, want DISPATCH_FAILED (err: %v)", model.ErrorCode(err), err)
	}
	// Results are still returned for the audit trail.
	if len(results) != 2 {
		t.Errorf("results = %d, want 2", len(results))
	}
}

func TestHandler_Dispatch_noAssignees(t *testing.T) {
	h := NewHandler(&recordingNotifier{}, nil)

	step := testStep(model.AssigneeRule{Type: model.AssigneeField, Value: "nonexistent"})
	_, err := h.Dispatch(context.Background(), testDef(), step, testInst(nil))
	if model.ErrorCode(err) != model.ErrNoAssignees {
		t.Fatalf("code = %s, want NO_ASSIGNEES (err: %v)", model.ErrorCode(err), err)
	}
}

func TestHandler_Dispatch_timeoutDistinguishable(t *testing.T) {
	n := &recordingNotifier{timeout: map[string]bool{"user:alice": true}}
	h := NewHandler(n, nil)

	step := testStep(
		model.AssigneeRule{Type: model.AssigneeUser, Value: "alice"},
		model.AssigneeRule{Type: model.AssigneeUser, Value: "bob"},
	)
	results, err := h.Dispatch(context.Background(), testDef(), step, testInst(nil))
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	for _, r := range results {
		if r.Recipient == "user:alice" && !r.Timeout {
			t.Error("expected timeout flag for user:alice")
		}
	}
}

func TestHandler_NotifyEscalation(t *testing.T) {
	n := &recordingNotifier{}
	h := NewHandler(n, nil)

	inst := testInst(map[string]any{"priority": "high"})
	result := model.EscalationResult{ShouldEscalate: true, RiskScore: 75, Reason: "deadline exceeded"}

	err := h.NotifyEscalation(context.Background(), testDef(), inst, result, []string{"user:admin-1", "user:admin-2"})
	if err != nil {
		t.Fatalf("NotifyEscalation error: %v", err)
	}
	if len(n.dispatch) != 2 {
		t.Errorf("dispatch calls = %d, want 2", len(n.dispatch))
	}

	// All recipients unreachable surfaces an error.
	failing := &recordingNotifier{fail: map[string]string{"user:admin-1": "down"}}
	h = NewHandler(failing, nil)
	err = h.NotifyEscalation(context.Background(), testDef(), inst, result, []string{"user:admin-1"})
	if model.ErrorCode(err) != model.ErrDispatchFailed {
		t.Errorf("code = %s, want DISPATCH_FAILED", model.ErrorCode(err))
	}
}
