package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"ai-image-pipeline/internal/domain"
	"ai-image-pipeline/internal/domain/model"
	"ai-image-pipeline/internal/domain/ports/repository"
)

var _ repository.ExecutionRepository = (*ExecutionRepo)(nil)

type ExecutionRepo struct {
	pool *pgxpool.Pool
}

func NewExecutionRepo(pool *pgxpool.Pool) *ExecutionRepo {
	return &ExecutionRepo{pool: pool}
}

func (r *ExecutionRepo) Save(ctx context.Context, tx repository.Tx, exec *model.JobExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	snapshot, err := json.Marshal(exec.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	const q = `
INSERT INTO job_executions (
  id, configuration_id, label, status, started_at, completed_at,
  total_images, successful_images, failed_images, error_message, snapshot
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  completed_at = EXCLUDED.completed_at,
  total_images = EXCLUDED.total_images,
  successful_images = EXCLUDED.successful_images,
  failed_images = EXCLUDED.failed_images,
  error_message = EXCLUDED.error_message;`

	_, err = execSQL(ctx, r.pool, tx, q,
		exec.ID, exec.ConfigurationID, exec.Label, exec.Status, exec.StartedAt, exec.CompletedAt,
		exec.TotalImages, exec.SuccessfulImages, exec.FailedImages, exec.ErrorMessage, snapshot)
	return err
}

const executionColumns = `
id, configuration_id, label, status, started_at, completed_at,
total_images, successful_images, failed_images, error_message, snapshot`

func scanExecution(row pgx.Row) (*model.JobExecution, error) {
	var (
		e         model.JobExecution
		statusStr string
		snapshot  []byte
	)
	err := row.Scan(&e.ID, &e.ConfigurationID, &e.Label, &statusStr, &e.StartedAt, &e.CompletedAt,
		&e.TotalImages, &e.SuccessfulImages, &e.FailedImages, &e.ErrorMessage, &snapshot)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
	}
	e.Status = model.ExecutionStatus(statusStr)
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &e.Snapshot); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
	}
	return &e, nil
}

func (r *ExecutionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.JobExecution, error) {
	q := `SELECT ` + executionColumns + ` FROM job_executions WHERE id = $1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanExecution(row)
}

func (r *ExecutionRepo) List(ctx context.Context, tx repository.Tx, limit int) ([]*model.JobExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + executionColumns + ` FROM job_executions ORDER BY started_at DESC LIMIT $1;`
	rows, err := pickRows(ctx, r.pool, tx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.JobExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *ExecutionRepo) UpdateCounts(ctx context.Context, tx repository.Tx, id string, successful, failed int) error {
	const q = `UPDATE job_executions SET successful_images = $2, failed_images = $3 WHERE id = $1;`
	tag, err := execSQL(ctx, r.pool, tx, q, id, successful, failed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *ExecutionRepo) Delete(ctx context.Context, tx repository.Tx, id string) error {
	// ON DELETE CASCADE removes the execution's images.
	const q = `DELETE FROM job_executions WHERE id = $1;`
	tag, err := execSQL(ctx, r.pool, tx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *ExecutionRepo) MarkOrphansFailed(ctx context.Context, tx repository.Tx, errMsg string) (int64, error) {
	const q = `
UPDATE job_executions
   SET status = 'failed', completed_at = now(), error_message = $1
 WHERE status IN ('pending', 'running');`
	tag, err := execSQL(ctx, r.pool, tx, q, errMsg)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
