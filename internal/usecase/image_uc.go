package usecase

import (
	"context"
	"path/filepath"

	"github.com/rs/zerolog"

	"ai-image-pipeline/internal/domain/model"
	"ai-image-pipeline/internal/domain/ports/repository"
)

var _ LibraryService = (*libraryService)(nil)

// LibraryService is the read/maintenance surface over executions and images:
// everything an operator does outside of running jobs.
type LibraryService interface {
	ImagesByStatus(ctx context.Context, status model.QCStatus, limit int) ([]*model.GeneratedImage, error)
	BulkDeleteImages(ctx context.Context, ids []string) (int64, error)
	Stats(ctx context.Context) (*repository.ImageStats, error)
	ListExecutions(ctx context.Context, limit int) ([]*model.JobExecution, error)
	GetExecution(ctx context.Context, id string) (*model.JobExecution, error)
	DeleteExecution(ctx context.Context, id string) error
	// Reconcile sweeps rows orphaned in non-terminal states by a crash.
	// Called once at startup, before any new work is accepted.
	Reconcile(ctx context.Context) error
}

// FileRemover is the slice of the file store the library needs.
type FileRemover interface {
	RemoveFinal(path string) error
}

type libraryService struct {
	execs  repository.ExecutionRepository
	images repository.ImageRepository
	files  FileRemover
	log    *zerolog.Logger
}

func NewLibraryService(execs repository.ExecutionRepository, images repository.ImageRepository, files FileRemover, logger *zerolog.Logger) *libraryService {
	l := logger.With().Str("component", "Library").Logger()
	return &libraryService{execs: execs, images: images, files: files, log: &l}
}

func (s *libraryService) ImagesByStatus(ctx context.Context, status model.QCStatus, limit int) ([]*model.GeneratedImage, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.images.ListByStatus(ctx, nil, status, limit)
}

// BulkDeleteImages removes rows and their final files. File removal is best
// effort; a missing file never blocks the row deletion.
func (s *libraryService) BulkDeleteImages(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	imgs, err := s.images.FindByIDs(ctx, nil, ids)
	if err != nil {
		return 0, err
	}
	for _, img := range imgs {
		if img.FinalImagePath == "" {
			continue
		}
		if err := s.files.RemoveFinal(img.FinalImagePath); err != nil {
			s.log.Warn().Err(err).Str("image_id", img.ID).
				Str("file", filepath.Base(img.FinalImagePath)).Msg("final file removal failed")
		}
	}
	deleted, err := s.images.BulkDelete(ctx, nil, ids)
	if err != nil {
		return 0, err
	}
	s.log.Info().Int64("deleted", deleted).Int("requested", len(ids)).Msg("bulk delete done")
	return deleted, nil
}

func (s *libraryService) Stats(ctx context.Context) (*repository.ImageStats, error) {
	return s.images.Stats(ctx, nil)
}

func (s *libraryService) ListExecutions(ctx context.Context, limit int) ([]*model.JobExecution, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.execs.List(ctx, nil, limit)
}

func (s *libraryService) GetExecution(ctx context.Context, id string) (*model.JobExecution, error) {
	return s.execs.FindByID(ctx, nil, id)
}

// DeleteExecution removes the execution row; the schema cascades to its
// images. Final files of cascaded images are left for the operator's
// storage cleanup, matching explicit bulk delete being the file-aware path.
func (s *libraryService) DeleteExecution(ctx context.Context, id string) error {
	return s.execs.Delete(ctx, nil, id)
}

func (s *libraryService) Reconcile(ctx context.Context) error {
	jobs, err := s.execs.MarkOrphansFailed(ctx, nil, "interrupted by restart")
	if err != nil {
		return err
	}
	imgs, err := s.images.MarkOrphansRetryFailed(ctx, nil, "interrupted by restart")
	if err != nil {
		return err
	}
	if jobs > 0 || imgs > 0 {
		s.log.Warn().Int64("executions", jobs).Int64("images", imgs).Msg("reconciled orphaned rows")
	}
	return nil
}
