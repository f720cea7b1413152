package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/arbiter/model"
)

// recordingHandler records timeout callbacks.
type recordingHandler struct {
	mu    sync.Mutex
	fired []string
}

func (h *recordingHandler) OnTimeout(_ context.Context, instanceID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fired = append(h.fired, instanceID)
	return nil
}

func (h *recordingHandler) firedIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.fired))
	copy(out, h.fired)
	return out
}

// staticSource returns a fixed set of overdue instances.
type staticSource struct {
	overdue []model.WorkflowInstance
}

func (s *staticSource) FindDeadlinesBefore(_ context.Context, _ time.Time) ([]model.WorkflowInstance, error) {
	return s.overdue, nil
}

func TestScheduler_ArmDisarm(t *testing.T) {
	s := New(&recordingHandler{}, &staticSource{})

	s.Arm("wi-1", time.Now().Add(time.Hour))
	s.Arm("wi-2", time.Now().Add(2*time.Hour))
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}

	// Re-arming replaces, not duplicates.
	s.Arm("wi-1", time.Now().Add(30*time.Minute))
	if s.Len() != 2 {
		t.Fatalf("Len after re-arm = %d, want 2", s.Len())
	}

	s.Disarm("wi-1")
	if s.Len() != 1 {
		t.Fatalf("Len after disarm = %d, want 1", s.Len())
	}

	// Disarming an untracked instance is a no-op.
	s.Disarm("unknown")
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestScheduler_FireDue_ordersByDeadline(t *testing.T) {
	h := &recordingHandler{}
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s := New(h, &staticSource{},
		WithClock(func() time.Time { return now }),
		WithMaxConcurrent(1),
	)

	s.Arm("late", now.Add(-time.Minute))
	s.Arm("early", now.Add(-time.Hour))
	s.Arm("future", now.Add(time.Hour))

	s.fireDue(context.Background())

	fired := h.firedIDs()
	if len(fired) != 2 {
		t.Fatalf("fired = %v, want 2 entries", fired)
	}
	if fired[0] != "early" || fired[1] != "late" {
		t.Errorf("fired order = %v, want early then late", fired)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1 (future still armed)", s.Len())
	}
}

func TestScheduler_NextTimer_usesInjectedClock(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s := New(&recordingHandler{}, &staticSource{},
		WithClock(func() time.Time { return now }),
	)

	// The deadline is far from wall-clock time but one minute from the
	// injected clock, so the timer must be short.
	s.Arm("wi-1", now.Add(time.Minute))

	timer := s.nextTimer()
	defer timer.Stop()
	select {
	case <-timer.C:
		t.Fatal("timer fired immediately for a future deadline")
	case <-time.After(10 * time.Millisecond):
	}

	// A deadline already past on the injected clock yields a timer that
	// fires at once.
	s.Arm("wi-0", now.Add(-time.Minute))
	expired := s.nextTimer()
	defer expired.Stop()
	select {
	case <-expired.C:
	case <-time.After(time.Second):
		t.Fatal("timer for an elapsed deadline did not fire")
	}
}

func TestScheduler_Sweep_firesOverdueFromStore(t *testing.T) {
	h := &recordingHandler{}
	source := &staticSource{overdue: []model.WorkflowInstance{
		{ID: "wi-lost"},
		{ID: "wi-armed"},
	}}
	s := New(h, source)

	// wi-armed is tracked; wi-lost was only ever in the store.
	s.Arm("wi-armed", time.Now().Add(-time.Minute))

	s.sweep(context.Background())

	fired := h.firedIDs()
	if len(fired) != 2 {
		t.Fatalf("fired = %v, want both instances", fired)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0 after sweep", s.Len())
	}
}

func TestScheduler_Run_firesElapsedDeadline(t *testing.T) {
	h := &recordingHandler{}
	s := New(h, &staticSource{}, WithSweepInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	s.Arm("wi-1", time.Now().Add(20*time.Millisecond))

	deadline := time.After(2 * time.Second)
	for len(h.firedIDs()) == 0 {
		select {
		case <-deadline:
			t.Fatal("timeout waiting for deadline to fire")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done

	if fired := h.firedIDs(); fired[0] != "wi-1" {
		t.Errorf("fired = %v", fired)
	}
}
