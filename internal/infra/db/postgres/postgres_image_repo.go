package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"ai-image-pipeline/internal/domain"
	"ai-image-pipeline/internal/domain/model"
	"ai-image-pipeline/internal/domain/ports/repository"
)

var _ repository.ImageRepository = (*ImageRepo)(nil)

type ImageRepo struct {
	pool *pgxpool.Pool
	tm   repository.TransactionManager
}

func NewImageRepo(pool *pgxpool.Pool, tm repository.TransactionManager) *ImageRepo {
	return &ImageRepo{pool: pool, tm: tm}
}

func (r *ImageRepo) Save(ctx context.Context, tx repository.Tx, img *model.GeneratedImage) error {
	if img.ID == "" {
		img.ID = uuid.NewString()
	}
	settings, err := json.Marshal(img.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	var metadata []byte
	if img.Metadata != nil {
		if metadata, err = json.Marshal(img.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	const q = `
INSERT INTO generated_images (
  id, image_mapping_id, execution_id, generation_prompt, seed, qc_status,
  reason_kind, reason_step, reason_detail, temp_image_path, final_image_path,
  metadata, processing_settings, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (id) DO UPDATE SET
  qc_status = EXCLUDED.qc_status,
  reason_kind = EXCLUDED.reason_kind,
  reason_step = EXCLUDED.reason_step,
  reason_detail = EXCLUDED.reason_detail,
  final_image_path = EXCLUDED.final_image_path,
  metadata = EXCLUDED.metadata,
  processing_settings = EXCLUDED.processing_settings;`

	_, err = execSQL(ctx, r.pool, tx, q,
		img.ID, img.ImageMappingID, img.ExecutionID, img.GenerationPrompt, img.Seed, img.QCStatus,
		img.Reason.Kind, img.Reason.Step, img.Reason.Detail, img.TempImagePath, img.FinalImagePath,
		metadata, settings, img.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// unique_violation on image_mapping_id
			return fmt.Errorf("%w: mapping id %s", domain.ErrAlreadyExists, img.ImageMappingID)
		}
		return err
	}
	return nil
}

const imageColumns = `
id, image_mapping_id, execution_id, generation_prompt, seed, qc_status,
reason_kind, reason_step, reason_detail, temp_image_path, final_image_path,
metadata, processing_settings, created_at`

func scanImage(row pgx.Row) (*model.GeneratedImage, error) {
	var (
		g         model.GeneratedImage
		statusStr string
		metadata  []byte
		settings  []byte
	)
	err := row.Scan(&g.ID, &g.ImageMappingID, &g.ExecutionID, &g.GenerationPrompt, &g.Seed, &statusStr,
		&g.Reason.Kind, &g.Reason.Step, &g.Reason.Detail, &g.TempImagePath, &g.FinalImagePath,
		&metadata, &settings, &g.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
	}
	g.QCStatus = model.QCStatus(statusStr)
	if len(metadata) > 0 {
		g.Metadata = &model.ImageMetadata{}
		if err := json.Unmarshal(metadata, g.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &g.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	}
	return &g, nil
}

func (r *ImageRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.GeneratedImage, error) {
	q := `SELECT ` + imageColumns + ` FROM generated_images WHERE id = $1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanImage(row)
}

func (r *ImageRepo) FindByIDs(ctx context.Context, tx repository.Tx, ids []string) ([]*model.GeneratedImage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := `SELECT ` + imageColumns + ` FROM generated_images WHERE id = ANY($1) ORDER BY created_at;`
	rows, err := pickRows(ctx, r.pool, tx, q, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectImages(rows)
}

func (r *ImageRepo) ListByStatus(ctx context.Context, tx repository.Tx, status model.QCStatus, limit int) ([]*model.GeneratedImage, error) {
	if limit <= 0 {
		limit = 500
	}
	q := `SELECT ` + imageColumns + ` FROM generated_images WHERE qc_status = $1 ORDER BY created_at LIMIT $2;`
	rows, err := pickRows(ctx, r.pool, tx, q, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectImages(rows)
}

func collectImages(rows pgx.Rows) ([]*model.GeneratedImage, error) {
	var out []*model.GeneratedImage
	for rows.Next() {
		g, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *ImageRepo) UpdateStatus(ctx context.Context, tx repository.Tx, id string, status model.QCStatus, reason model.FailureReason) error {
	const q = `
UPDATE generated_images
   SET qc_status = $2, reason_kind = $3, reason_step = $4, reason_detail = $5
 WHERE id = $1;`
	tag, err := execSQL(ctx, r.pool, tx, q, id, status, reason.Kind, reason.Step, reason.Detail)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ClaimForRetry flips the image to processing iff it is currently retryable,
// under FOR UPDATE so two queue consumers can never claim the same row.
func (r *ImageRepo) ClaimForRetry(ctx context.Context, tx repository.Tx, id string) (*model.GeneratedImage, error) {
	var claimed *model.GeneratedImage

	err := r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		q := `SELECT ` + imageColumns + `
FROM generated_images
WHERE id = $1 AND qc_status IN ('qc_failed', 'retry_pending', 'retry_failed')
FOR UPDATE SKIP LOCKED;`
		row, err := pickRow(ctx, r.pool, tx, q, id)
		if err != nil {
			return err
		}
		img, err := scanImage(row)
		if err != nil {
			return err
		}
		img.QCStatus = model.QCStatusProcessing
		if err := r.Save(ctx, tx, img); err != nil {
			return err
		}
		claimed = img
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *ImageRepo) BulkDelete(ctx context.Context, tx repository.Tx, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	const q = `DELETE FROM generated_images WHERE id = ANY($1);`
	tag, err := execSQL(ctx, r.pool, tx, q, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *ImageRepo) Stats(ctx context.Context, tx repository.Tx) (*repository.ImageStats, error) {
	const q = `SELECT qc_status, count(*) FROM generated_images GROUP BY qc_status;`
	rows, err := pickRows(ctx, r.pool, tx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &repository.ImageStats{ByStatus: map[model.QCStatus]int64{}}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.ByStatus[model.QCStatus(status)] = n
		stats.Total += n
	}
	return stats, rows.Err()
}

func (r *ImageRepo) MarkOrphansRetryFailed(ctx context.Context, tx repository.Tx, detail string) (int64, error) {
	const q = `
UPDATE generated_images
   SET qc_status = 'retry_failed', reason_kind = 'processing', reason_step = '', reason_detail = $1
 WHERE qc_status IN ('pending', 'processing');`
	tag, err := execSQL(ctx, r.pool, tx, q, detail)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
