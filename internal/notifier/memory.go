package notifier

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/arbiter/model"
)

// MemoryNotifier records deliveries instead of sending them. Used in tests
// and in local development when no webhook receiver is configured.
type MemoryNotifier struct {
	mu         sync.Mutex
	deliveries []Delivery
	failing    bool
	logger     *zap.Logger
}

// Delivery is one recorded dispatch.
type Delivery struct {
	Recipient string
	Step      model.StepContext
}

// NewMemory creates a recording notifier.
func NewMemory(logger *zap.Logger) *MemoryNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryNotifier{logger: logger}
}

// SetFailing toggles failure injection: while set, every dispatch reports
// a delivery failure.
func (n *MemoryNotifier) SetFailing(failing bool) {
	n.mu.Lock()
	n.failing = failing
	n.mu.Unlock()
}

// Dispatch records the delivery and reports success unless failure
// injection is active.
func (n *MemoryNotifier) Dispatch(_ context.Context, recipient string, stepCtx model.StepContext) model.DeliveryResult {
	n.mu.Lock()
	failing := n.failing
	n.deliveries = append(n.deliveries, Delivery{Recipient: recipient, Step: stepCtx})
	n.mu.Unlock()
	if failing {
		return model.DeliveryResult{Recipient: recipient, Error: "injected delivery failure"}
	}
	n.logger.Debug("notification recorded",
		zap.String("recipient", recipient),
		zap.String("instance_id", stepCtx.InstanceID),
		zap.String("step_id", stepCtx.StepID),
	)
	return model.DeliveryResult{Recipient: recipient, Delivered: true}
}

// Deliveries returns a copy of everything recorded so far.
func (n *MemoryNotifier) Deliveries() []Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Delivery, len(n.deliveries))
	copy(out, n.deliveries)
	return out
}

// Reset clears the recorded deliveries.
func (n *MemoryNotifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveries = nil
}
