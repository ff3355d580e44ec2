package repository

import (
	"context"

	"ai-image-pipeline/internal/domain/model"
)

// ExecutionRepository is the durable store for job executions. Every write
// targets exactly one row by primary key; persistence is the single source of
// truth for status.
type ExecutionRepository interface {
	Save(ctx context.Context, tx Tx, exec *model.JobExecution) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.JobExecution, error)
	List(ctx context.Context, tx Tx, limit int) ([]*model.JobExecution, error)
	// UpdateCounts refreshes the denormalized success/failure counters.
	UpdateCounts(ctx context.Context, tx Tx, id string, successful, failed int) error
	// Delete removes the execution and cascades to its images.
	Delete(ctx context.Context, tx Tx, id string) error
	// MarkOrphansFailed transitions every non-terminal execution to failed.
	// Run at startup so a crash can never leave a phantom "running" job.
	MarkOrphansFailed(ctx context.Context, tx Tx, errMsg string) (int64, error)
}
