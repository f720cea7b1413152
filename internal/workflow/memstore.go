package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/arbiter/model"
)

// MemoryInstanceStore is an in-memory InstanceStore. Suitable for tests and
// single-process deployments.
type MemoryInstanceStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance
}

// NewMemoryInstanceStore creates a new in-memory instance store.
func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{
		instances: make(map[string]model.WorkflowInstance),
	}
}

// Create persists a new instance.
func (s *MemoryInstanceStore) Create(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConcurrentModificationError(inst.ID)
	}

	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

// Get retrieves an instance by ID.
func (s *MemoryInstanceStore) Get(_ context.Context, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists {
		return model.WorkflowInstance{}, model.NewUnknownInstanceError(instanceID)
	}
	return cloneInstance(inst), nil
}

// UpdateIfVersion persists an updated instance with compare-and-swap
// semantics on the version counter.
func (s *MemoryInstanceStore) UpdateIfVersion(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.NewUnknownInstanceError(inst.ID)
	}
	if existing.Version != inst.Version {
		return model.NewConcurrentModificationError(inst.ID)
	}

	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

// FindActive returns non-terminal instances matching the filters, newest
// first.
func (s *MemoryInstanceStore) FindActive(_ context.Context, filters StoreFilters) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if model.IsTerminalStatus(inst.Status) {
			continue
		}
		if filters.DefinitionID != "" && inst.DefinitionID != filters.DefinitionID {
			continue
		}
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		result = append(result, cloneInstance(inst))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowInstance{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}

	return result, nil
}

// FindDeadlinesBefore returns deadline-bearing instances past the cutoff,
// soonest deadline first.
func (s *MemoryInstanceStore) FindDeadlinesBefore(_ context.Context, cutoff time.Time) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status != model.StatusRunning && inst.Status != model.StatusWaitingResponse {
			continue
		}
		if inst.DeadlineAt == nil || !inst.DeadlineAt.Before(cutoff) {
			continue
		}
		result = append(result, cloneInstance(inst))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].DeadlineAt.Before(*result[j].DeadlineAt)
	})

	return result, nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryInstanceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// cloneInstance copies the mutable parts of an instance so callers cannot
// alias the store's copy.
func cloneInstance(inst model.WorkflowInstance) model.WorkflowInstance {
	out := inst
	if inst.Data != nil {
		out.Data = make(map[string]any, len(inst.Data))
		for k, v := range inst.Data {
			out.Data[k] = v
		}
	}
	if inst.History != nil {
		out.History = make([]model.StepExecution, len(inst.History))
		copy(out.History, inst.History)
	}
	if inst.DeadlineAt != nil {
		d := *inst.DeadlineAt
		out.DeadlineAt = &d
	}
	return out
}
