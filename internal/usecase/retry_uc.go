package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ai-image-pipeline/internal/domain"
	"ai-image-pipeline/internal/domain/model"
	"ai-image-pipeline/internal/domain/ports/adapter"
	"ai-image-pipeline/internal/domain/ports/repository"
	"ai-image-pipeline/internal/infra/logging"
	"ai-image-pipeline/internal/infra/metrics"
)

const retryQueueCapacity = 256

var _ RetryQueueService = (*retryQueueService)(nil)

// RetryQueueService accepts failed images for reprocessing and works through
// them one at a time, fully decoupled from the main job runner. Queue entries
// are in-memory; the durable state lives on the images themselves, and
// startup reconciliation covers anything lost to a crash.
type RetryQueueService interface {
	Enqueue(ctx context.Context, imageIDs []string, mode model.SettingsMode, override *model.ProcessingSettings, includeMetadata bool, policy model.FailPolicy) (*model.RetryJob, error)
	Status(ctx context.Context) model.RetryQueueStatus
	// Run consumes the queue until ctx is cancelled. Exactly one Run loop
	// may be active.
	Run(ctx context.Context)
}

type retryQueueService struct {
	images   repository.ImageRepository
	execs    repository.ExecutionRepository
	pipeline imagePipeline
	bus      EventPublisher
	log      *zerolog.Logger

	queue chan *model.RetryJob

	mu        sync.Mutex
	current   *model.RetryJob
	pending   int
	completed int
	failed    int
}

func NewRetryQueueService(
	images repository.ImageRepository,
	execs repository.ExecutionRepository,
	qc adapter.QualityChecker,
	meta adapter.MetadataGenerator,
	proc PostProcessor,
	store FileStore,
	bus EventPublisher,
	logger *zerolog.Logger,
) *retryQueueService {
	svcLog := logger.With().Str("component", "RetryQueue").Logger()
	return &retryQueueService{
		images: images,
		execs:  execs,
		pipeline: imagePipeline{
			images: images,
			proc:   proc,
			store:  store,
			qc:     qc,
			meta:   meta,
			bus:    bus,
			log:    &svcLog,
		},
		bus:   bus,
		log:   &svcLog,
		queue: make(chan *model.RetryJob, retryQueueCapacity),
	}
}

// Enqueue validates the request, moves the images to retry_pending, and
// appends one job to the queue. A batch is a single queue entry.
func (s *retryQueueService) Enqueue(ctx context.Context, imageIDs []string, mode model.SettingsMode, override *model.ProcessingSettings, includeMetadata bool, policy model.FailPolicy) (*model.RetryJob, error) {
	if len(imageIDs) == 0 {
		return nil, domain.ErrEmptySelection
	}
	switch mode {
	case model.SettingsModeOriginal:
		if override != nil {
			return nil, fmt.Errorf("%w: override settings not allowed in original mode", domain.ErrInvalidArgument)
		}
	case model.SettingsModeModified:
		if override == nil {
			return nil, fmt.Errorf("%w: modified mode requires override settings", domain.ErrInvalidArgument)
		}
		if err := override.Validate(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown settings mode %q", domain.ErrInvalidArgument, mode)
	}

	imgs, err := s.images.FindByIDs(ctx, nil, imageIDs)
	if err != nil {
		return nil, err
	}
	if len(imgs) != len(imageIDs) {
		return nil, fmt.Errorf("%w: %d of %d selected images", domain.ErrNotFound, len(imgs), len(imageIDs))
	}
	for _, img := range imgs {
		if !img.QCStatus.Retryable() {
			return nil, fmt.Errorf("%w: image %s is %s", domain.ErrInvalidArgument, img.ID, img.QCStatus)
		}
	}

	// Marking retry_pending up front makes the selection visible in the
	// store immediately; the claim to processing happens per image when its
	// turn comes. A selection that never makes it onto the queue is rolled
	// back so store state and queue state stay in step.
	marked := make([]*model.GeneratedImage, 0, len(imgs))
	for _, img := range imgs {
		if err := s.images.UpdateStatus(ctx, nil, img.ID, model.QCStatusRetryPending, img.Reason); err != nil {
			s.rollbackPending(ctx, marked)
			return nil, err
		}
		marked = append(marked, img)
	}

	job := &model.RetryJob{
		ID:              uuid.NewString(),
		ImageIDs:        imageIDs,
		Status:          model.RetryJobStatusQueued,
		Mode:            mode,
		Override:        override,
		IncludeMetadata: includeMetadata,
		Policy:          policy,
		CreatedAt:       time.Now(),
	}

	select {
	case s.queue <- job:
	default:
		s.rollbackPending(ctx, marked)
		return nil, fmt.Errorf("%w: retry queue full", domain.ErrInvalidArgument)
	}

	s.mu.Lock()
	s.pending++
	s.mu.Unlock()
	s.publishQueueUpdate()
	s.log.Info().Str("retry_job_id", job.ID).Int("images", len(imageIDs)).
		Str("mode", string(mode)).Msg("retry job enqueued")
	// The consumer goroutine owns the queued job from here on; callers get a
	// detached copy.
	return job.Clone(), nil
}

// rollbackPending restores the pre-enqueue status of images that were marked
// retry_pending but whose job never made it onto the queue.
func (s *retryQueueService) rollbackPending(ctx context.Context, imgs []*model.GeneratedImage) {
	for _, img := range imgs {
		if err := s.images.UpdateStatus(ctx, nil, img.ID, img.QCStatus, img.Reason); err != nil {
			s.log.Error().Err(err).Str("image_id", img.ID).Msg("retry_pending rollback failed")
		}
	}
}

func (s *retryQueueService) Status(ctx context.Context) model.RetryQueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := model.RetryQueueStatus{
		QueueLength:   s.pending,
		PendingJobs:   s.pending,
		CompletedJobs: s.completed,
		FailedJobs:    s.failed,
	}
	if s.current != nil {
		st.ProcessingJobs = 1
		st.CurrentJob = s.current.Clone()
	}
	return st
}

func (s *retryQueueService) Run(ctx context.Context) {
	s.log.Info().Msg("retry consumer started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("retry consumer stopped")
			return
		case job := <-s.queue:
			// Every mutation of the live job happens under s.mu; Status
			// clones it, so concurrent readers never see a torn write.
			s.mu.Lock()
			s.pending--
			s.current = job
			job.Status = model.RetryJobStatusProcessing
			s.mu.Unlock()

			s.publishQueueUpdate()
			s.process(ctx, job)

			s.mu.Lock()
			s.current = nil
			if job.Status == model.RetryJobStatusFailed {
				s.failed++
			} else {
				s.completed++
			}
			s.mu.Unlock()
			s.publishQueueUpdate()
		}
	}
}

// process works through a batch image by image. One image failing never
// blocks the rest of the batch.
func (s *retryQueueService) process(ctx context.Context, job *model.RetryJob) {
	total := len(job.ImageIDs)
	for i, id := range job.ImageIDs {
		if ctx.Err() != nil {
			return
		}
		if err := s.retryOne(ctx, job, id); err != nil {
			s.mu.Lock()
			job.FailureCount++
			s.mu.Unlock()
			metrics.IncRetryImage("failed")
			s.bus.Publish(model.EventRetryError, model.RetryErrorPayload{
				RetryJobID: job.ID, ImageID: id, Detail: err.Error(),
			})
			s.log.Warn().Err(err).Str("retry_job_id", job.ID).Str("image_id", id).Msg("retry attempt failed")
		} else {
			s.mu.Lock()
			job.SuccessCount++
			s.mu.Unlock()
			metrics.IncRetryImage("approved")
		}
		s.bus.Publish(model.EventRetryProgress, model.RetryProgressPayload{
			RetryJobID: job.ID, ImageID: id, Done: i + 1, Total: total,
		})
	}

	now := time.Now()
	s.mu.Lock()
	job.CompletedAt = &now
	if job.SuccessCount == 0 && job.FailureCount > 0 {
		job.Status = model.RetryJobStatusFailed
	} else {
		job.Status = model.RetryJobStatusCompleted
	}
	status := job.Status
	success, failure := job.SuccessCount, job.FailureCount
	s.mu.Unlock()

	metrics.IncRetryJob(string(status))
	s.bus.Publish(model.EventRetryCompleted, model.RetryCompletedPayload{
		RetryJobID: job.ID, SuccessCount: success, FailureCount: failure,
	})
	s.log.Info().Str("retry_job_id", job.ID).Int("success", success).
		Int("failure", failure).Msg("retry job finished")
}

// retryOne claims the image, resolves the settings for this attempt, and
// replays the per-image pipeline. A returned error means the image ended in
// retry_failed (or could not be claimed); success means approved.
func (s *retryQueueService) retryOne(ctx context.Context, job *model.RetryJob, imageID string) error {
	ctx = logging.WithImageID(ctx, imageID)
	img, err := s.images.ClaimForRetry(ctx, nil, imageID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("image %s no longer claimable: %w", imageID, err)
		}
		return err
	}

	qcSettings, metaSettings := s.resolveContext(ctx, img, job.IncludeMetadata)

	stored := img.Settings
	if job.Mode == model.SettingsModeModified {
		// The override applies to this attempt; it becomes the settings of
		// record only when the attempt ends approved.
		img.Settings = *job.Override
	}

	runErr := s.pipeline.runImage(ctx, img, job.Policy, qcSettings, metaSettings, model.QCStatusRetryFailed)

	if job.Mode == model.SettingsModeModified && img.QCStatus != model.QCStatusApproved {
		// A failed attempt must not replace the stored snapshot: a later
		// original-mode retry replays what the image had before this one.
		img.Settings = stored
		if err := s.images.Save(ctx, nil, img); err != nil {
			s.log.Error().Err(err).Str("image_id", img.ID).Msg("settings restore persist failed")
		}
	}

	if runErr != nil {
		return runErr
	}
	if img.QCStatus != model.QCStatusApproved {
		return fmt.Errorf("image %s: %s", img.ID, img.Reason.String())
	}
	return nil
}

// resolveContext pulls QC and metadata settings off the originating
// execution's snapshot. A deleted or missing execution degrades to QC-less
// reprocessing rather than failing the retry.
func (s *retryQueueService) resolveContext(ctx context.Context, img *model.GeneratedImage, includeMetadata bool) (model.QualityCheckSettings, model.MetadataSettings) {
	exec, err := s.execs.FindByID(ctx, nil, img.ExecutionID)
	if err != nil {
		s.log.Warn().Err(err).Str("image_id", img.ID).Msg("originating execution unavailable, retrying without qc context")
		return model.QualityCheckSettings{}, model.MetadataSettings{Enabled: includeMetadata}
	}
	metaSettings := exec.Snapshot.Metadata
	metaSettings.Enabled = includeMetadata
	return exec.Snapshot.QualityCheck, metaSettings
}

func (s *retryQueueService) publishQueueUpdate() {
	st := s.Status(context.Background())
	metrics.SetRetryQueueLength(st.QueueLength)
	s.bus.Publish(model.EventRetryQueueUpdated, st)
}
