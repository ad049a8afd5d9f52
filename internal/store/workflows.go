package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"reviewflow/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = sql.ErrNoRows

const workflowColumns = `id, tenant_id, workflow_type, status, priority, current_step,
	step_index, total_steps, completed_steps, context_data, input_data, error_details,
	claimed_by, claimed_at, started_at, finished_at, created_at, updated_at`

// WorkflowStore persists workflow instances.
type WorkflowStore struct {
	db *sql.DB
}

func NewWorkflowStore(db *sql.DB) *WorkflowStore {
	return &WorkflowStore{db: db}
}

func (s *WorkflowStore) Create(ctx context.Context, wf *models.Workflow) error {
	contextJSON, err := marshalMap(wf.ContextData)
	if err != nil {
		return fmt.Errorf("marshal context_data: %w", err)
	}
	inputJSON, err := marshalMap(wf.InputData)
	if err != nil {
		return fmt.Errorf("marshal input_data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows
			(id, tenant_id, workflow_type, status, priority, current_step,
			 step_index, total_steps, completed_steps, context_data, input_data,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())`,
		wf.ID, wf.TenantID, wf.WorkflowType, wf.Status, wf.Priority, wf.CurrentStep,
		wf.StepIndex, wf.TotalSteps, wf.CompletedSteps, contextJSON, inputJSON,
	)
	return err
}

func (s *WorkflowStore) Get(ctx context.Context, id string) (*models.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
	return scanWorkflow(row)
}

// ListRunnable returns up to limit workflows the scheduler may select:
// pending or running, unclaimed or with a stale lease, oldest first.
func (s *WorkflowStore) ListRunnable(ctx context.Context, limit int, leaseStaleBefore time.Time) ([]*models.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workflowColumns+`
		FROM workflows
		WHERE status = ANY($1)
		  AND (claimed_by IS NULL OR claimed_at < $2)
		ORDER BY created_at ASC
		LIMIT $3`,
		pq.Array([]string{string(models.WorkflowStatusPending), string(models.WorkflowStatusRunning)}),
		leaseStaleBefore, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// Claim takes the lease on a workflow with a single conditional update so
// concurrent scheduler instances never double-process one id. Returns false
// when another owner holds a fresh lease or the workflow is no longer
// runnable.
func (s *WorkflowStore) Claim(ctx context.Context, id, owner string, leaseStaleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET claimed_by = $1, claimed_at = now(), updated_at = now()
		WHERE id = $2
		  AND status = ANY($3)
		  AND (claimed_by IS NULL OR claimed_by = $1 OR claimed_at < $4)`,
		owner, id,
		pq.Array([]string{string(models.WorkflowStatusPending), string(models.WorkflowStatusRunning)}),
		leaseStaleBefore,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release drops the lease after a step finishes.
func (s *WorkflowStore) Release(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET claimed_by = NULL, claimed_at = NULL, updated_at = now()
		WHERE id = $1 AND claimed_by = $2`,
		id, owner,
	)
	return err
}

// Initialize moves a pending workflow to running exactly once. A second
// call is a no-op because of the status guard.
func (s *WorkflowStore) Initialize(ctx context.Context, id, firstStep string, totalSteps int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET status = $1, current_step = $2, step_index = 0, completed_steps = 0,
		    total_steps = $3, started_at = now(), updated_at = now()
		WHERE id = $4 AND status = $5`,
		models.WorkflowStatusRunning, firstStep, totalSteps, id, models.WorkflowStatusPending,
	)
	return err
}

// SaveProgress persists the outcome of one step atomically: merged context,
// next step pointer, counters and status.
func (s *WorkflowStore) SaveProgress(ctx context.Context, wf *models.Workflow) error {
	contextJSON, err := marshalMap(wf.ContextData)
	if err != nil {
		return fmt.Errorf("marshal context_data: %w", err)
	}

	finished := sql.NullTime{}
	if wf.Status == models.WorkflowStatusCompleted {
		finished = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE workflows
		SET status = $1, current_step = $2, step_index = $3, completed_steps = $4,
		    context_data = $5, finished_at = COALESCE(finished_at, $6), updated_at = now()
		WHERE id = $7`,
		wf.Status, wf.CurrentStep, wf.StepIndex, wf.CompletedSteps,
		contextJSON, finished, wf.ID,
	)
	return err
}

func (s *WorkflowStore) MarkFailed(ctx context.Context, id, errorDetails string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET status = $1, error_details = $2, claimed_by = NULL, claimed_at = NULL,
		    finished_at = now(), updated_at = now()
		WHERE id = $3`,
		models.WorkflowStatusFailed, errorDetails, id,
	)
	return err
}

// MarkWaitingApproval pauses a workflow until a human decides.
func (s *WorkflowStore) MarkWaitingApproval(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET status = $1, claimed_by = NULL, claimed_at = NULL, updated_at = now()
		WHERE id = $2 AND status = $3`,
		models.WorkflowStatusWaitingApproval, id, models.WorkflowStatusRunning,
	)
	return err
}

// Resume moves a waiting workflow back to running. The step pointer and
// counters are untouched, so the next cycle continues at the paused step
// instead of re-initializing from the first one.
func (s *WorkflowStore) Resume(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3`,
		models.WorkflowStatusRunning, id, models.WorkflowStatusWaitingApproval,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("workflow %s is not waiting for approval", id)
	}
	return nil
}

// ListStuck returns running workflows with no update since the cutoff,
// oldest first. The reaper will fail these on its next pass; the listing
// exists so an operator can look before that happens.
func (s *WorkflowStore) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*models.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workflowColumns+`
		FROM workflows
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`,
		models.WorkflowStatusRunning, cutoff, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// ReapStale force-fails workflows stuck in running with no update since the
// cutoff, so one hung step never blocks the pipeline.
func (s *WorkflowStore) ReapStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET status = $1, error_details = $2, claimed_by = NULL, claimed_at = NULL,
		    finished_at = now(), updated_at = now()
		WHERE status = $3 AND updated_at < $4`,
		models.WorkflowStatusFailed, "workflow timed out: no progress within staleness window",
		models.WorkflowStatusRunning, cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflow(row rowScanner) (*models.Workflow, error) {
	var (
		wf           models.Workflow
		contextRaw   []byte
		inputRaw     []byte
		errorDetails sql.NullString
		claimedBy    sql.NullString
		claimedAt    sql.NullTime
		startedAt    sql.NullTime
		finishedAt   sql.NullTime
	)

	err := row.Scan(
		&wf.ID, &wf.TenantID, &wf.WorkflowType, &wf.Status, &wf.Priority, &wf.CurrentStep,
		&wf.StepIndex, &wf.TotalSteps, &wf.CompletedSteps, &contextRaw, &inputRaw, &errorDetails,
		&claimedBy, &claimedAt, &startedAt, &finishedAt, &wf.CreatedAt, &wf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if wf.ContextData, err = unmarshalMap(contextRaw); err != nil {
		return nil, fmt.Errorf("unmarshal context_data: %w", err)
	}
	if wf.InputData, err = unmarshalMap(inputRaw); err != nil {
		return nil, fmt.Errorf("unmarshal input_data: %w", err)
	}
	wf.ErrorDetails = errorDetails.String
	wf.ClaimedBy = claimedBy.String
	wf.ClaimedAt = timePtr(claimedAt)
	wf.StartedAt = timePtr(startedAt)
	wf.FinishedAt = timePtr(finishedAt)

	return &wf, nil
}
