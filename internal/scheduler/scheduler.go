// Package scheduler tracks step deadlines for active workflow instances
// and fires timeout callbacks when they elapse. A min-heap serves the hot
// path; a periodic store sweep catches deadlines lost to crashes or missed
// arms, so firing is at-least-once and the manager drops stale callbacks.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/arbiter/model"
)

// TimeoutHandler receives elapsed deadlines. The handler owns staleness
// checks: a deadline re-armed or resolved after queueing must be ignored.
type TimeoutHandler interface {
	OnTimeout(ctx context.Context, instanceID string) error
}

// DeadlineSource lists instances whose deadline elapsed before a cutoff.
// The sweep uses it to reconcile the in-memory heap against the store.
type DeadlineSource interface {
	FindDeadlinesBefore(ctx context.Context, cutoff time.Time) ([]model.WorkflowInstance, error)
}

// Metrics receives scheduler activity for instrumentation. All methods
// must be safe for concurrent use.
type Metrics interface {
	ObserveSweep(d time.Duration)
	AddFirings(n int)
	SetTracked(n int)
}

const defaultMaxConcurrent = 8

// Scheduler is an in-process deadline tracker. Safe for concurrent use.
type Scheduler struct {
	handler TimeoutHandler
	source  DeadlineSource
	logger  *zap.Logger

	sweepInterval time.Duration
	maxConcurrent int
	now           func() time.Time
	metrics       Metrics

	mu      sync.Mutex
	heap    deadlineHeap
	entries map[string]*deadlineEntry
	wake    chan struct{}
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithSweepInterval sets how often the store is swept for deadlines the
// heap missed.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// WithMaxConcurrent bounds concurrent timeout callbacks.
func WithMaxConcurrent(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

// WithMetrics attaches scheduler instrumentation.
func WithMetrics(m Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock overrides the time source. For testing.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler. Run must be called for deadlines to fire.
func New(handler TimeoutHandler, source DeadlineSource, opts ...Option) *Scheduler {
	s := &Scheduler{
		handler:       handler,
		source:        source,
		logger:        zap.NewNop(),
		sweepInterval: time.Minute,
		maxConcurrent: defaultMaxConcurrent,
		now:           time.Now,
		entries:       make(map[string]*deadlineEntry),
		wake:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Arm tracks a deadline for the instance, replacing any existing one.
func (s *Scheduler) Arm(instanceID string, at time.Time) {
	s.mu.Lock()
	if e, ok := s.entries[instanceID]; ok {
		e.at = at
		heap.Fix(&s.heap, e.index)
	} else {
		e := &deadlineEntry{instanceID: instanceID, at: at}
		s.entries[instanceID] = e
		heap.Push(&s.heap, e)
	}
	tracked := len(s.entries)
	s.mu.Unlock()
	s.trackGauge(tracked)
	s.signal()
}

// Disarm drops any tracked deadline for the instance.
func (s *Scheduler) Disarm(instanceID string) {
	s.mu.Lock()
	if e, ok := s.entries[instanceID]; ok {
		heap.Remove(&s.heap, e.index)
		delete(s.entries, instanceID)
	}
	tracked := len(s.entries)
	s.mu.Unlock()
	s.trackGauge(tracked)
	s.signal()
}

// Len returns the number of tracked deadlines.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run fires deadlines until ctx is cancelled. It sweeps the store once at
// startup so deadlines armed before a restart are recovered.
func (s *Scheduler) Run(ctx context.Context) {
	s.sweep(ctx)

	sweepTicker := time.NewTicker(s.sweepInterval)
	defer sweepTicker.Stop()

	for {
		timer := s.nextTimer()
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-sweepTicker.C:
			timer.Stop()
			s.sweep(ctx)
		case <-timer.C:
			s.fireDue(ctx)
		}
	}
}

// nextTimer returns a timer for the earliest tracked deadline, or one that
// effectively never fires when the heap is empty.
func (s *Scheduler) nextTimer() *time.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap.Len() == 0 {
		return time.NewTimer(24 * time.Hour)
	}
	d := s.heap[0].at.Sub(s.now())
	if d < 0 {
		d = 0
	}
	return time.NewTimer(d)
}

// fireDue pops every elapsed deadline and invokes the handler with bounded
// concurrency.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []string
	for s.heap.Len() > 0 && !s.heap[0].at.After(now) {
		e := heap.Pop(&s.heap).(*deadlineEntry)
		delete(s.entries, e.instanceID)
		due = append(due, e.instanceID)
	}
	tracked := len(s.entries)
	s.mu.Unlock()
	s.trackGauge(tracked)

	s.dispatch(ctx, due)
}

func (s *Scheduler) dispatch(ctx context.Context, instanceIDs []string) {
	if len(instanceIDs) == 0 {
		return
	}
	if s.metrics != nil {
		s.metrics.AddFirings(len(instanceIDs))
	}
	sem := make(chan struct{}, s.maxConcurrent)
	var wg sync.WaitGroup
	for _, id := range instanceIDs {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.handler.OnTimeout(ctx, id); err != nil {
				s.logger.Error("timeout handling failed",
					zap.String("instance_id", id),
					zap.Error(err),
				)
			}
		}(id)
	}
	wg.Wait()
}

// sweep reconciles against the store: any instance with an elapsed
// deadline is fired regardless of heap state.
func (s *Scheduler) sweep(ctx context.Context) {
	started := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.ObserveSweep(time.Since(started))
		}
	}()

	now := s.now()
	overdue, err := s.source.FindDeadlinesBefore(ctx, now)
	if err != nil {
		s.logger.Error("deadline sweep failed", zap.Error(err))
		return
	}

	var due []string
	s.mu.Lock()
	for _, inst := range overdue {
		if e, ok := s.entries[inst.ID]; ok {
			heap.Remove(&s.heap, e.index)
			delete(s.entries, inst.ID)
		}
		due = append(due, inst.ID)
	}
	tracked := len(s.entries)
	s.mu.Unlock()
	s.trackGauge(tracked)

	if len(due) > 0 {
		s.logger.Info("deadline sweep found overdue instances",
			zap.Int("count", len(due)),
		)
	}
	s.dispatch(ctx, due)
}

func (s *Scheduler) trackGauge(n int) {
	if s.metrics != nil {
		s.metrics.SetTracked(n)
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// deadlineEntry is a heap element tracking one instance deadline.
type deadlineEntry struct {
	instanceID string
	at         time.Time
	index      int
}

// deadlineHeap is a min-heap ordered by deadline.
type deadlineHeap []*deadlineEntry

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	e := x.(*deadlineEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
