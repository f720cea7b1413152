package integration

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/arbiter/model"
)

func TestTimeout_GraceExtensionThenEscalation(t *testing.T) {
	h := NewTestHarness(t)

	inst := startInstance(t, h, "expense.approval", map[string]any{"requester": "someone"})
	firstDeadline := *inst.DeadlineAt

	// First deadline elapses with no risk factors in play: the step gets
	// its one-time grace extension instead of escalating.
	h.Clock.Advance(61 * time.Minute)
	if err := h.FireTimeout(inst.ID); err != nil {
		t.Fatalf("first timeout: %v", err)
	}

	stored, err := h.Store.Get(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if stored.Status != model.StatusWaitingResponse {
		t.Fatalf("status after first timeout = %q, want %q", stored.Status, model.StatusWaitingResponse)
	}
	if stored.TimeoutExtensions != 1 {
		t.Fatalf("timeout extensions = %d, want 1", stored.TimeoutExtensions)
	}
	if stored.DeadlineAt == nil || !stored.DeadlineAt.After(firstDeadline) {
		t.Fatal("expected the deadline to be re-armed past the original")
	}

	// The prior attempt is finalized as timed out and a fresh execution
	// opened for the same step.
	timedOut := stored.History[0]
	if timedOut.Outcome != model.OutcomeTimedOut || timedOut.Actor != model.SystemActor {
		t.Errorf("first execution = %s by %s, want %s by %s",
			timedOut.Outcome, timedOut.Actor, model.OutcomeTimedOut, model.SystemActor)
	}
	if open := stored.OpenExecution(); open == nil || open.StepID != "manager-approval" {
		t.Fatalf("expected a reopened manager-approval execution\n%s", FormatJSON(stored.History))
	}

	// The grace period (30 minutes from the step policy) elapses too: a
	// second consecutive timeout escalates regardless of risk score.
	h.Clock.Advance(31 * time.Minute)
	if err := h.FireTimeout(inst.ID); err != nil {
		t.Fatalf("second timeout: %v", err)
	}

	stored, err = h.Store.Get(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if stored.Status != model.StatusEscalated {
		t.Fatalf("status after second timeout = %q, want %q", stored.Status, model.StatusEscalated)
	}
	if stored.DeadlineAt != nil {
		t.Error("escalated instance must not carry a deadline")
	}

	// The definition's administrator set received the escalation notice.
	var noticed bool
	for _, d := range h.Notifier.Deliveries() {
		if d.Recipient == "user:admin-1" && d.Step.Escalation != nil {
			noticed = true
			if !d.Step.Escalation.ShouldEscalate {
				t.Error("escalation notice carries a non-escalating verdict")
			}
		}
	}
	if !noticed {
		t.Error("no escalation notice delivered to user:admin-1")
	}
}

func TestTimeout_CriticalPriorityEscalatesImmediately(t *testing.T) {
	h := NewTestHarness(t)

	inst := startInstance(t, h, "expense.approval", map[string]any{
		"requester": "someone",
		"priority":  "critical",
	})

	// Critical priority is a hard factor: the first timeout escalates
	// with no grace extension.
	h.Clock.Advance(61 * time.Minute)
	if err := h.FireTimeout(inst.ID); err != nil {
		t.Fatalf("timeout: %v", err)
	}

	stored, err := h.Store.Get(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if stored.Status != model.StatusEscalated {
		t.Fatalf("status = %q, want %q", stored.Status, model.StatusEscalated)
	}
	if stored.TimeoutExtensions != 0 {
		t.Errorf("timeout extensions = %d, want 0", stored.TimeoutExtensions)
	}
}

func TestTimeout_BeforeDeadlineIsDropped(t *testing.T) {
	h := NewTestHarness(t)

	inst := startInstance(t, h, "expense.approval", map[string]any{"requester": "someone"})

	// A queued timeout firing before the deadline (re-armed or spurious)
	// must leave the instance untouched.
	h.Clock.Advance(10 * time.Minute)
	if err := h.FireTimeout(inst.ID); err != nil {
		t.Fatalf("timeout: %v", err)
	}

	stored, err := h.Store.Get(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if stored.Status != model.StatusWaitingResponse {
		t.Errorf("status = %q, want %q", stored.Status, model.StatusWaitingResponse)
	}
	if stored.Version != inst.Version {
		t.Errorf("version changed from %d to %d on a dropped timeout", inst.Version, stored.Version)
	}
}

func TestTimeout_ResolvedInstanceIgnoresLateFiring(t *testing.T) {
	h := NewTestHarness(t)

	inst := startInstance(t, h, "expense.approval", map[string]any{"requester": "someone"})
	resolveStep(t, h, inst.ID, "manager-approval", model.OutcomeRejected)

	h.Clock.Advance(2 * time.Hour)
	if err := h.FireTimeout(inst.ID); err != nil {
		t.Fatalf("timeout on failed instance: %v", err)
	}

	stored, err := h.Store.Get(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if stored.Status != model.StatusFailed {
		t.Errorf("status = %q, want %q", stored.Status, model.StatusFailed)
	}
}

func TestTimeout_UnknownInstanceIsSilent(t *testing.T) {
	h := NewTestHarness(t)

	// Instances removed by retention may still have timeouts in flight.
	if err := h.FireTimeout("gone"); err != nil {
		t.Fatalf("timeout for unknown instance: %v", err)
	}
}
