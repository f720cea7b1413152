package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/arbiter/model"
)

// InstanceStore persists workflow instances. The engine requires nothing
// more of it than key-addressable reads and single-key compare-and-swap
// writes; the instance's embedded history rides along with every write.
type InstanceStore interface {
	// Create persists a new instance. Fails with CONCURRENT_MODIFICATION
	// if the instance ID already exists.
	Create(ctx context.Context, instance model.WorkflowInstance) error

	// Get retrieves an instance by ID, version included. Returns
	// UNKNOWN_INSTANCE if it does not exist.
	Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error)

	// UpdateIfVersion persists an updated instance iff the stored version
	// equals instance.Version, then increments the version by exactly one.
	// Returns CONCURRENT_MODIFICATION on a version mismatch.
	UpdateIfVersion(ctx context.Context, instance model.WorkflowInstance) error

	// FindActive returns non-terminal instances matching the filters,
	// newest first.
	FindActive(ctx context.Context, filters StoreFilters) ([]model.WorkflowInstance, error)

	// FindDeadlinesBefore returns instances in a deadline-bearing status
	// whose deadline falls before the cutoff, soonest first. Used to
	// rehydrate the timeout scheduler after a restart.
	FindDeadlinesBefore(ctx context.Context, cutoff time.Time) ([]model.WorkflowInstance, error)
}

// StoreFilters are optional filters for listing instances.
type StoreFilters struct {
	DefinitionID string
	Status       string
	Limit        int
	Offset       int
}
