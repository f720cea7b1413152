package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/arbiter/model"
)

// PgInstanceStore is a PostgreSQL-backed InstanceStore using pgx/v5.
// The data payload and execution history are stored as JSONB.
type PgInstanceStore struct {
	pool *pgxpool.Pool
}

// NewPgInstanceStore creates a new PostgreSQL instance store.
func NewPgInstanceStore(pool *pgxpool.Pool) *PgInstanceStore {
	return &PgInstanceStore{pool: pool}
}

// CheckHealth reports whether the database is reachable.
func (s *PgInstanceStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the instance table when it does not exist.
func (s *PgInstanceStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workflow_instances (
			id                 TEXT PRIMARY KEY,
			definition_id      TEXT NOT NULL,
			status             TEXT NOT NULL,
			current_step_index INT NOT NULL DEFAULT 0,
			data               JSONB,
			history            JSONB,
			deadline_at        TIMESTAMPTZ,
			timeout_extensions INT NOT NULL DEFAULT 0,
			version            BIGINT NOT NULL,
			created_at         TIMESTAMPTZ NOT NULL,
			updated_at         TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_instances_deadline
			ON workflow_instances (deadline_at)
			WHERE deadline_at IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_workflow_instances_status
			ON workflow_instances (status, created_at DESC)`)
	if err != nil {
		return fmt.Errorf("ensure workflow_instances schema: %w", err)
	}
	return nil
}

// Create inserts a new workflow instance.
func (s *PgInstanceStore) Create(ctx context.Context, inst model.WorkflowInstance) error {
	dataJSON, historyJSON, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, definition_id, status, current_step_index,
			data, history, deadline_at, timeout_extensions,
			version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11
		)`,
		inst.ID, inst.DefinitionID, inst.Status, inst.CurrentStepIndex,
		dataJSON, historyJSON, inst.DeadlineAt, inst.TimeoutExtensions,
		inst.Version, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// Get retrieves a workflow instance by ID.
func (s *PgInstanceStore) Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var dataJSON, historyJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, definition_id, status, current_step_index,
		       data, history, deadline_at, timeout_extensions,
		       version, created_at, updated_at
		FROM workflow_instances
		WHERE id = $1`,
		instanceID,
	).Scan(
		&inst.ID, &inst.DefinitionID, &inst.Status, &inst.CurrentStepIndex,
		&dataJSON, &historyJSON, &inst.DeadlineAt, &inst.TimeoutExtensions,
		&inst.Version, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return model.WorkflowInstance{}, model.NewUnknownInstanceError(instanceID)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}

	if err := decodeInstance(&inst, dataJSON, historyJSON); err != nil {
		return model.WorkflowInstance{}, err
	}
	return inst, nil
}

// UpdateIfVersion persists the instance only when the stored version still
// matches inst.Version, incrementing it by one. A zero-row update reports
// CONCURRENT_MODIFICATION.
func (s *PgInstanceStore) UpdateIfVersion(ctx context.Context, inst model.WorkflowInstance) error {
	dataJSON, historyJSON, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances SET
			status = $1,
			current_step_index = $2,
			data = $3,
			history = $4,
			deadline_at = $5,
			timeout_extensions = $6,
			version = $7,
			updated_at = $8
		WHERE id = $9 AND version = $10`,
		inst.Status, inst.CurrentStepIndex, dataJSON, historyJSON,
		inst.DeadlineAt, inst.TimeoutExtensions, inst.Version+1,
		time.Now().UTC(),
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from a version conflict.
		var exists bool
		if qErr := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM workflow_instances WHERE id = $1)`,
			inst.ID,
		).Scan(&exists); qErr == nil && !exists {
			return model.NewUnknownInstanceError(inst.ID)
		}
		return model.NewConcurrentModificationError(inst.ID)
	}
	return nil
}

// FindActive returns non-terminal instances matching the filters, newest
// first.
func (s *PgInstanceStore) FindActive(ctx context.Context, filters StoreFilters) ([]model.WorkflowInstance, error) {
	query := `SELECT id, definition_id, status, current_step_index,
	                 data, history, deadline_at, timeout_extensions,
	                 version, created_at, updated_at
	          FROM workflow_instances
	          WHERE status NOT IN ('completed', 'cancelled', 'failed')`
	args := []any{}
	argIdx := 1

	if filters.DefinitionID != "" {
		query += fmt.Sprintf(" AND definition_id = $%d", argIdx)
		args = append(args, filters.DefinitionID)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	return s.queryInstances(ctx, query, args...)
}

// FindDeadlinesBefore returns active instances whose deadline elapsed
// before the cutoff, soonest first. The scheduler uses this for startup
// rehydration and the periodic sweep.
func (s *PgInstanceStore) FindDeadlinesBefore(ctx context.Context, cutoff time.Time) ([]model.WorkflowInstance, error) {
	query := `SELECT id, definition_id, status, current_step_index,
	                 data, history, deadline_at, timeout_extensions,
	                 version, created_at, updated_at
	          FROM workflow_instances
	          WHERE status IN ('running', 'waiting_response')
	            AND deadline_at IS NOT NULL AND deadline_at < $1
	          ORDER BY deadline_at ASC`
	return s.queryInstances(ctx, query, cutoff)
}

func (s *PgInstanceStore) queryInstances(ctx context.Context, query string, args ...any) ([]model.WorkflowInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		var inst model.WorkflowInstance
		var dataJSON, historyJSON []byte
		if err := rows.Scan(
			&inst.ID, &inst.DefinitionID, &inst.Status, &inst.CurrentStepIndex,
			&dataJSON, &historyJSON, &inst.DeadlineAt, &inst.TimeoutExtensions,
			&inst.Version, &inst.CreatedAt, &inst.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		if err := decodeInstance(&inst, dataJSON, historyJSON); err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func encodeInstance(inst model.WorkflowInstance) (dataJSON, historyJSON []byte, err error) {
	dataJSON, err = json.Marshal(inst.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal instance data: %w", err)
	}
	historyJSON, err = json.Marshal(inst.History)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal instance history: %w", err)
	}
	return dataJSON, historyJSON, nil
}

func decodeInstance(inst *model.WorkflowInstance, dataJSON, historyJSON []byte) error {
	if dataJSON != nil {
		if err := json.Unmarshal(dataJSON, &inst.Data); err != nil {
			return fmt.Errorf("unmarshal instance data: %w", err)
		}
	}
	if historyJSON != nil {
		if err := json.Unmarshal(historyJSON, &inst.History); err != nil {
			return fmt.Errorf("unmarshal instance history: %w", err)
		}
	}
	return nil
}
