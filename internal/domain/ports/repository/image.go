package repository

import (
	"context"

	"ai-image-pipeline/internal/domain/model"
)

// ImageStats is the derived per-status breakdown surfaced to reviewers.
type ImageStats struct {
	Total    int64
	ByStatus map[model.QCStatus]int64
}

type ImageRepository interface {
	Save(ctx context.Context, tx Tx, img *model.GeneratedImage) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.GeneratedImage, error)
	FindByIDs(ctx context.Context, tx Tx, ids []string) ([]*model.GeneratedImage, error)
	ListByStatus(ctx context.Context, tx Tx, status model.QCStatus, limit int) ([]*model.GeneratedImage, error)
	UpdateStatus(ctx context.Context, tx Tx, id string, status model.QCStatus, reason model.FailureReason) error
	// ClaimForRetry transitions the image to processing iff it is currently
	// in a retryable status, so one image can sit in at most one active
	// retry at a time.
	ClaimForRetry(ctx context.Context, tx Tx, id string) (*model.GeneratedImage, error)
	BulkDelete(ctx context.Context, tx Tx, ids []string) (int64, error)
	Stats(ctx context.Context, tx Tx) (*ImageStats, error)
	// MarkOrphansRetryFailed transitions every image stuck in processing to
	// retry_failed. Startup companion of ExecutionRepository.MarkOrphansFailed.
	MarkOrphansRetryFailed(ctx context.Context, tx Tx, detail string) (int64, error)
}
