package usecase

import (
	"context"
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

// JobLocker guards the single-active-job invariant across processes
// (implemented by the redis locker; nil-able for single-instance runs).
type JobLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	Unlock(ctx context.Context, key, token string) error
}

const jobLockKey = "pipeline:active_job"

// JobStatus is the externally observable view of the runner.
type JobStatus struct {
	State      string              `json:"state"` // idle | running
	Progress   float64             `json:"progress"`
	CurrentJob *model.JobExecution `json:"current_job,omitempty"`
}

// Compile-time check
var _ JobRunner = (*jobRunner)(nil)

// JobRunner orchestrates one job execution at a time: N generations of V
// variations, each image through post-processing, optional QC and metadata,
// every state change persisted before the next step begins.
type JobRunner interface {
	Start(ctx context.Context, snapshot model.ConfigurationSnapshot) (string, error)
	Stop(ctx context.Context, jobID string) error
	Rerun(ctx context.Context, jobID string) (string, error)
	Status(ctx context.Context) (JobStatus, error)
	// Wait blocks until the currently running job (if any) reaches its
	// terminal state. Intended for shutdown and tests.
	Wait()
}

type activeJob struct {
	exec      *model.JobExecution
	lockToken string

	mu       sync.Mutex
	stopped  bool
	progress float64
	done     chan struct{}
}

func (a *activeJob) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
}

func (a *activeJob) stopRequested() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

func (a *activeJob) setProgress(p float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.progress = p
}

func (a *activeJob) getProgress() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.progress
}

// snapshotExec copies the execution under the job lock; finalize mutates it
// from the run goroutine while Status may be serving a concurrent read.
func (a *activeJob) snapshotExec() *model.JobExecution {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := *a.exec
	return &cp
}

type jobRunner struct {
	execs    repository.ExecutionRepository
	images   repository.ImageRepository
	gen      adapter.ImageGenerator
	pipeline imagePipeline
	store    FileStore
	bus      EventPublisher
	locker   JobLocker // nil-able
	log      *zerolog.Logger

	topUpAttempts int

	mu      sync.Mutex
	current *activeJob
}

func NewJobRunner(
	execs repository.ExecutionRepository,
	images repository.ImageRepository,
	gen adapter.ImageGenerator,
	qc adapter.QualityChecker,
	meta adapter.MetadataGenerator,
	proc PostProcessor,
	store FileStore,
	bus EventPublisher,
	locker JobLocker,
	topUpAttempts int,
	logger *zerolog.Logger,
) *jobRunner {
	runnerLog := logger.With().Str("component", "JobRunner").Logger()
	if topUpAttempts <= 0 {
		topUpAttempts = 3
	}
	return &jobRunner{
		execs:  execs,
		images: images,
		gen:    gen,
		pipeline: imagePipeline{
			images: images,
			proc:   proc,
			store:  store,
			qc:     qc,
			meta:   meta,
			bus:    bus,
			log:    &runnerLog,
		},
		store:         store,
		bus:           bus,
		locker:        locker,
		topUpAttempts: topUpAttempts,
		log:           &runnerLog,
	}
}

// Start validates the snapshot, persists the execution row before any
// provider call, and launches the run loop. Exactly one job may run at a
// time.
func (r *jobRunner) Start(ctx context.Context, snapshot model.ConfigurationSnapshot) (string, error) {
	return r.start(ctx, snapshot, snapshot.Label)
}

// start is the shared path behind Start and Rerun. label goes on the
// execution row, not into the snapshot, so a rerun's snapshot stays identical
// to the original's.
func (r *jobRunner) start(ctx context.Context, snapshot model.ConfigurationSnapshot, label string) (string, error) {
	if err := snapshot.Validate(); err != nil {
		return "", err
	}
	snapshot = snapshot.Clone()

	r.mu.Lock()
	if r.current != nil {
		select {
		case <-r.current.done:
			// previous job finished; slot is free
		default:
			r.mu.Unlock()
			return "", domain.ErrJobAlreadyRunning
		}
	}

	var lockToken string
	if r.locker != nil {
		token, err := r.locker.TryLock(ctx, jobLockKey, time.Hour)
		if err != nil {
			r.mu.Unlock()
			return "", err
		}
		lockToken = token
	}

	exec := model.NewJobExecution(uuid.NewString(), snapshot)
	exec.Label = label
	if err := r.execs.Save(ctx, nil, exec); err != nil {
		if r.locker != nil {
			_ = r.locker.Unlock(ctx, jobLockKey, lockToken)
		}
		r.mu.Unlock()
		return "", fmt.Errorf("persist execution: %w", err)
	}

	job := &activeJob{exec: exec, lockToken: lockToken, done: make(chan struct{})}
	r.current = job
	r.mu.Unlock()

	go r.run(job)

	r.log.Info().Str("job_id", exec.ID).Str("label", exec.Label).
		Int("count", snapshot.Parameters.Count).Int("variations", snapshot.Parameters.Variations).
		Msg("job started")
	return exec.ID, nil
}

// Stop requests cooperative cancellation. Work in flight for the current
// generation is allowed to finish; the flag is checked between units of work.
func (r *jobRunner) Stop(ctx context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || r.current.exec.ID != jobID {
		return domain.ErrJobNotRunning
	}
	select {
	case <-r.current.done:
		return domain.ErrJobNotRunning
	default:
	}
	r.current.stop()
	r.log.Info().Str("job_id", jobID).Msg("stop requested")
	return nil
}

// Rerun starts a fresh execution with a deep copy of the original snapshot.
// The original job's rows are never touched.
func (r *jobRunner) Rerun(ctx context.Context, jobID string) (string, error) {
	orig, err := r.execs.FindByID(ctx, nil, jobID)
	if err != nil {
		return "", err
	}
	return r.start(ctx, orig.Snapshot.Clone(), orig.RerunLabel())
}

func (r *jobRunner) Status(ctx context.Context) (JobStatus, error) {
	r.mu.Lock()
	job := r.current
	r.mu.Unlock()

	if job == nil {
		return JobStatus{State: "idle"}, nil
	}
	select {
	case <-job.done:
		return JobStatus{State: "idle", Progress: 100, CurrentJob: job.snapshotExec()}, nil
	default:
		return JobStatus{State: "running", Progress: job.getProgress(), CurrentJob: job.snapshotExec()}, nil
	}
}

func (r *jobRunner) Wait() {
	r.mu.Lock()
	job := r.current
	r.mu.Unlock()
	if job != nil {
		<-job.done
	}
}

// run drives the whole job. It uses a background context internally: the
// caller's request context ends long before the job does, and cancellation
// is cooperative via the stop flag.
func (r *jobRunner) run(job *activeJob) {
	ctx := logging.WithJobID(context.Background(), job.exec.ID)
	exec := job.exec
	params := exec.Snapshot.Parameters
	start := time.Now()

	defer func() {
		if r.locker != nil {
			_ = r.locker.Unlock(ctx, jobLockKey, job.lockToken)
		}
		close(job.done)
	}()

	var successful, failed int
	var jobErr error
	imagesDone := 0

generations:
	for gen := 0; gen < params.Count; gen++ {
		if job.stopRequested() {
			break
		}

		assets, err := r.deliverVariations(ctx, job, params)
		if err != nil {
			// Provider-level failure aborts the current generation and is
			// surfaced on the execution; earlier generations keep their
			// results.
			jobErr = err
			r.log.Error().Err(err).Str("job_id", exec.ID).Int("generation", gen).Msg("generation failed")
			break
		}

		for _, asset := range assets {
			img, err := r.processAsset(ctx, exec, asset)
			if err != nil {
				jobErr = err
				break generations
			}

			if img.QCStatus == model.QCStatusApproved {
				successful++
			} else {
				failed++
			}
			metrics.IncImage(string(img.QCStatus))

			if err := r.execs.UpdateCounts(ctx, nil, exec.ID, successful, failed); err != nil {
				r.log.Error().Err(err).Str("job_id", exec.ID).Msg("count update failed")
			}

			imagesDone++
			r.publishProgress(job, imagesDone, exec.TotalImages, exec.Snapshot.QualityCheck.Enabled)
		}
	}

	r.finalize(ctx, job, successful, failed, jobErr)
	metrics.ObserveJobDuration(time.Since(start).Seconds())
}

// deliverVariations requests V variations and tops up on short delivery: a
// provider may non-deterministically return partial batches, and the loop
// must not silently under-deliver without resubmitting.
func (r *jobRunner) deliverVariations(ctx context.Context, job *activeJob, params model.GenerationParameters) ([]adapter.GeneratedAsset, error) {
	want := params.Variations
	req := adapter.GenerateRequest{
		Prompt: params.Prompt,
		Count:  want,
		Model:  params.Model,
		Width:  params.Width,
		Height: params.Height,
		Seed:   params.Seed,
	}

	assets, err := r.gen.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	for attempt := 0; len(assets) < want && attempt < r.topUpAttempts; attempt++ {
		if job.stopRequested() {
			break
		}
		missing := want - len(assets)
		r.log.Warn().Int("missing", missing).Int("attempt", attempt+1).Msg("short delivery, topping up")
		metrics.IncTopUp()

		req.Count = missing
		more, err := r.gen.Generate(ctx, req)
		if err != nil {
			return nil, err
		}
		if len(more) == 0 {
			continue
		}
		assets = append(assets, more...)
	}
	if len(assets) < want {
		r.log.Warn().Int("delivered", len(assets)).Int("requested", want).
			Msg("provider exhausted top-up attempts, continuing with partial batch")
	}
	if len(assets) > want {
		assets = assets[:want]
	}
	return assets, nil
}

// processAsset materializes one delivered variation: temp file, image row,
// then the shared per-image pipeline. A per-image failure never aborts the
// job; only infrastructure failures (persistence) propagate.
func (r *jobRunner) processAsset(ctx context.Context, exec *model.JobExecution, asset adapter.GeneratedAsset) (*model.GeneratedImage, error) {
	var tempPath string
	var err error
	if len(asset.Data) > 0 {
		tempPath, err = r.store.WriteTemp(asset.MappingID, asset.Data)
	} else {
		tempPath, err = r.store.Download(ctx, asset.URL, asset.MappingID)
	}

	img := model.NewGeneratedImage(uuid.NewString(), asset.MappingID, exec.ID,
		exec.Snapshot.Parameters.Prompt, asset.Seed, exec.Snapshot.Processing)

	if err != nil {
		// The artifact still gets a row: images are never silently dropped.
		img.MarkFailed(model.QCStatusFailed, model.FailureReason{
			Kind: model.ReasonProcessing, Step: model.StepDownload, Detail: err.Error(),
		})
		return img, r.images.Save(ctx, nil, img)
	}
	img.TempImagePath = tempPath
	if err := r.images.Save(ctx, nil, img); err != nil {
		return nil, fmt.Errorf("persist image row: %w", err)
	}

	ctx = logging.WithImageID(ctx, img.ID)
	err = r.pipeline.runImage(ctx, img,
		model.FailPolicy{}, // first pass tolerates soft step failures
		exec.Snapshot.QualityCheck,
		exec.Snapshot.Metadata,
		model.QCStatusFailed,
	)
	return img, err
}

// publishProgress reports per-image progress, capped at 95% while QC is
// enabled: the UI must never read "done" while verification is outstanding.
func (r *jobRunner) publishProgress(job *activeJob, done, total int, qcEnabled bool) {
	pct := float64(done) / float64(total) * 100
	if qcEnabled && pct > 95 {
		pct = 95
	}
	job.setProgress(pct)
	r.bus.Publish(model.EventProgress, model.ProgressPayload{
		JobID:       job.exec.ID,
		Percent:     pct,
		ImagesDone:  done,
		ImagesTotal: total,
	})
}

func (r *jobRunner) finalize(ctx context.Context, job *activeJob, successful, failed int, jobErr error) {
	var status model.ExecutionStatus
	var errMsg string
	switch {
	case job.stopRequested():
		status = model.ExecutionStatusStopped
	case jobErr != nil && successful == 0:
		status = model.ExecutionStatusFailed
		errMsg = jobErr.Error()
	case jobErr != nil:
		// Some generations succeeded before the failure; the job counts as
		// completed with the error recorded for the operator.
		status = model.ExecutionStatusCompleted
		errMsg = jobErr.Error()
	case successful == 0 && failed > 0:
		status = model.ExecutionStatusFailed
		errMsg = "all images failed"
	default:
		status = model.ExecutionStatusCompleted
	}

	job.mu.Lock()
	exec := job.exec
	exec.SuccessfulImages = successful
	exec.FailedImages = failed
	exec.Finalize(status, errMsg)
	job.mu.Unlock()

	if err := r.execs.Save(ctx, nil, exec); err != nil {
		r.log.Error().Err(err).Str("job_id", exec.ID).Msg("finalize persist failed")
	}

	job.setProgress(100)
	metrics.IncJob(string(status))
	r.bus.Publish(model.EventProgress, model.ProgressPayload{
		JobID: exec.ID, Percent: 100,
		ImagesDone: successful + failed, ImagesTotal: exec.TotalImages,
	})
	r.bus.Publish(model.EventJobCompleted, model.JobCompletedPayload{
		JobID: exec.ID, Status: status, Successful: successful, Failed: failed,
	})
	r.log.Info().Str("job_id", exec.ID).Str("status", string(status)).
		Int("successful", successful).Int("failed", failed).Msg("job finished")
}
