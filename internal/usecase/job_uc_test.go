package usecase

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"ai-image-pipeline/internal/domain"
	"ai-image-pipeline/internal/domain/model"
	"ai-image-pipeline/internal/domain/ports/adapter"
	"ai-image-pipeline/internal/infra/imaging"
)

func testSnapshot(count, variations int) model.ConfigurationSnapshot {
	return model.ConfigurationSnapshot{
		ConfigurationID: "cfg-1",
		Label:           "test config",
		Parameters: model.GenerationParameters{
			Prompt:     "a lighthouse at dusk",
			Count:      count,
			Variations: variations,
			Model:      "test-model",
			Width:      1024,
			Height:     1024,
		},
		Processing: model.ProcessingSettings{
			Conversion: model.ConversionSettings{Format: model.FormatPNG},
		},
		QualityCheck: model.QualityCheckSettings{Enabled: true},
	}
}

func newTestRunner(gen adapter.ImageGenerator, qc adapter.QualityChecker) (*jobRunner, *memExecRepo, *memImageRepo, *memStore, *captureBus) {
	execs := newMemExecRepo()
	images := newMemImageRepo()
	store := newMemStore()
	bus := &captureBus{}
	r := NewJobRunner(execs, images, gen, qc, &fakeMeta{}, &fakeProc{}, store, bus, nil, 3, testLogger())
	return r, execs, images, store, bus
}

func TestJobRunner_HappyPath(t *testing.T) {
	gen := &fakeGenerator{}
	r, execs, images, _, bus := newTestRunner(gen, &fakeQC{})

	jobID, err := r.Start(context.Background(), testSnapshot(2, 3))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Wait()

	exec, err := execs.FindByID(context.Background(), nil, jobID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if exec.Status != model.ExecutionStatusCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}
	if exec.SuccessfulImages != 6 || exec.FailedImages != 0 {
		t.Fatalf("counts = %d/%d, want 6/0", exec.SuccessfulImages, exec.FailedImages)
	}
	if got := len(images.byStatus(model.QCStatusApproved)); got != 6 {
		t.Fatalf("approved rows = %d, want 6", got)
	}
	if len(bus.byKind(model.EventJobCompleted)) != 1 {
		t.Fatal("expected exactly one job_completed event")
	}
}

func TestJobRunner_TopUpDeliversExactCount(t *testing.T) {
	// First call under-delivers 2 of 4, the top-up delivers 1, the next
	// top-up the last 1. Total rows must be exactly 4, never more.
	gen := &fakeGenerator{script: []fakeBatch{{n: 2}, {n: 1}, {n: 1}}}
	r, _, images, _, _ := newTestRunner(gen, &fakeQC{})

	_, err := r.Start(context.Background(), testSnapshot(1, 4))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Wait()

	if got := gen.callCount(); got != 3 {
		t.Fatalf("generator calls = %d, want 3", got)
	}
	if got := len(images.byStatus(model.QCStatusApproved)); got != 4 {
		t.Fatalf("approved rows = %d, want exactly 4", got)
	}
}

func TestJobRunner_SingleActiveJob(t *testing.T) {
	release := make(chan struct{})
	gen := &fakeGenerator{onCall: func(int) { <-release }}
	r, _, _, _, _ := newTestRunner(gen, &fakeQC{})

	if _, err := r.Start(context.Background(), testSnapshot(1, 1)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := r.Start(context.Background(), testSnapshot(1, 1)); !errors.Is(err, domain.ErrJobAlreadyRunning) {
		t.Fatalf("second Start err = %v, want ErrJobAlreadyRunning", err)
	}
	close(release)
	r.Wait()

	// The slot frees up once the first job is terminal.
	if _, err := r.Start(context.Background(), testSnapshot(1, 1)); err != nil {
		t.Fatalf("Start after completion: %v", err)
	}
	r.Wait()
}

func TestJobRunner_StopLeavesNoProcessingImages(t *testing.T) {
	var r *jobRunner
	jobID := make(chan string, 1)
	gen := &fakeGenerator{}
	gen.onCall = func(call int) {
		if call == 1 {
			// Stop between the first and second generation.
			_ = r.Stop(context.Background(), <-jobID)
		}
	}
	r, execs, images, _, _ := newTestRunner(gen, &fakeQC{})

	id, err := r.Start(context.Background(), testSnapshot(3, 2))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	jobID <- id
	r.Wait()

	exec, _ := execs.FindByID(context.Background(), nil, id)
	if exec.Status != model.ExecutionStatusStopped {
		t.Fatalf("status = %s, want stopped", exec.Status)
	}
	if got := len(images.byStatus(model.QCStatusProcessing)); got != 0 {
		t.Fatalf("images left processing after stop = %d, want 0", got)
	}
	// First generation completed before the stop landed.
	if got := len(images.byStatus(model.QCStatusApproved)); got < 2 {
		t.Fatalf("approved = %d, want at least the first generation (2)", got)
	}
}

func TestJobRunner_StopUnknownJob(t *testing.T) {
	r, _, _, _, _ := newTestRunner(&fakeGenerator{}, &fakeQC{})
	if err := r.Stop(context.Background(), "nope"); !errors.Is(err, domain.ErrJobNotRunning) {
		t.Fatalf("err = %v, want ErrJobNotRunning", err)
	}
}

func TestJobRunner_ProviderFailureAfterPartialSuccess(t *testing.T) {
	provErr := adapter.NewProviderError(adapter.ErrKindTransport, "fake", "boom", nil)
	gen := &fakeGenerator{script: []fakeBatch{{n: 2}, {err: provErr}}}
	r, execs, images, _, _ := newTestRunner(gen, &fakeQC{})

	id, err := r.Start(context.Background(), testSnapshot(2, 2))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Wait()

	exec, _ := execs.FindByID(context.Background(), nil, id)
	// Earlier generations survive; the job completes with the error recorded.
	if exec.Status != model.ExecutionStatusCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}
	if exec.ErrorMessage == "" {
		t.Fatal("provider error not recorded on the execution")
	}
	if got := len(images.byStatus(model.QCStatusApproved)); got != 2 {
		t.Fatalf("approved = %d, want 2 from the first generation", got)
	}
}

func TestJobRunner_ProviderFailureWithNoSuccess(t *testing.T) {
	provErr := adapter.NewProviderError(adapter.ErrKindAuth, "fake", "bad key", nil)
	gen := &fakeGenerator{script: []fakeBatch{{err: provErr}}}
	r, execs, _, _, _ := newTestRunner(gen, &fakeQC{})

	id, err := r.Start(context.Background(), testSnapshot(2, 2))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Wait()

	exec, _ := execs.FindByID(context.Background(), nil, id)
	if exec.Status != model.ExecutionStatusFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
}

func TestJobRunner_StepFailureIsolatedToOneImage(t *testing.T) {
	// The second image's pipeline blows up; its siblings must still come
	// through approved and the failed row must carry a structured reason.
	execs := newMemExecRepo()
	images := newMemImageRepo()
	store := newMemStore()
	bus := &captureBus{}
	proc := &fakeProc{err: &imaging.StepError{Step: model.StepConversion, Err: errors.New("decode exploded")}, errOn: 2}
	r := NewJobRunner(execs, images, &fakeGenerator{}, &fakeQC{}, &fakeMeta{}, proc, store, bus, nil, 3, testLogger())

	id, err := r.Start(context.Background(), testSnapshot(1, 3))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Wait()

	exec, _ := execs.FindByID(context.Background(), nil, id)
	if exec.Status != model.ExecutionStatusCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}
	if exec.SuccessfulImages != 2 || exec.FailedImages != 1 {
		t.Fatalf("counts = %d/%d, want 2/1", exec.SuccessfulImages, exec.FailedImages)
	}
	failedRows := images.byStatus(model.QCStatusFailed)
	if len(failedRows) != 1 {
		t.Fatalf("qc_failed rows = %d, want 1", len(failedRows))
	}
	reason := failedRows[0].Reason
	if reason.Kind != model.ReasonProcessing || reason.Step != model.StepConversion {
		t.Fatalf("reason = %+v, want processing/conversion", reason)
	}
	if !strings.HasPrefix(reason.String(), "processing_failed:") {
		t.Fatalf("legacy rendering = %q", reason.String())
	}
}

func TestJobRunner_QCRejectionCountsAsFailed(t *testing.T) {
	qc := &fakeQC{verdict: func(string) (adapter.Verdict, error) {
		return adapter.Verdict{Approved: false, Reason: "blurry"}, nil
	}}
	r, execs, images, _, _ := newTestRunner(&fakeGenerator{}, qc)

	id, err := r.Start(context.Background(), testSnapshot(1, 2))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Wait()

	exec, _ := execs.FindByID(context.Background(), nil, id)
	if exec.Status != model.ExecutionStatusFailed {
		t.Fatalf("status = %s, want failed when every image is rejected", exec.Status)
	}
	rejected := images.byStatus(model.QCStatusFailed)
	if len(rejected) != 2 {
		t.Fatalf("qc_failed rows = %d, want 2", len(rejected))
	}
	for _, img := range rejected {
		if img.Reason.Kind != model.ReasonRejected || img.Reason.Detail != "blurry" {
			t.Fatalf("reason = %+v, want rejected/blurry", img.Reason)
		}
	}
}

func TestJobRunner_ProgressCappedWhileQCEnabled(t *testing.T) {
	// 3 generations of 2 variations: six per-image progress events climbing
	// but never exceeding 95 while QC is outstanding, then the final 100.
	gen := &fakeGenerator{}
	r, _, _, _, bus := newTestRunner(gen, &fakeQC{})

	_, err := r.Start(context.Background(), testSnapshot(3, 2))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Wait()

	events := bus.byKind(model.EventProgress)
	if len(events) != 7 {
		t.Fatalf("progress events = %d, want 6 per-image plus final", len(events))
	}
	for i, e := range events[:6] {
		p := e.Data.(model.ProgressPayload)
		if p.ImagesDone != i+1 || p.ImagesTotal != 6 {
			t.Fatalf("event %d = %d/%d", i, p.ImagesDone, p.ImagesTotal)
		}
		if p.Percent > 95 {
			t.Fatalf("intermediate percent %.1f exceeds the 95 cap", p.Percent)
		}
	}
	last := events[6].Data.(model.ProgressPayload)
	if last.Percent != 100 {
		t.Fatalf("final percent = %.1f, want 100", last.Percent)
	}
}

func TestJobRunner_RerunClonesSnapshot(t *testing.T) {
	gen := &fakeGenerator{}
	r, execs, _, _, _ := newTestRunner(gen, &fakeQC{})

	seed := int64(42)
	snap := testSnapshot(1, 1)
	snap.Parameters.Seed = &seed
	origID, err := r.Start(context.Background(), snap)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Wait()

	rerunID, err := r.Rerun(context.Background(), origID)
	if err != nil {
		t.Fatalf("Rerun: %v", err)
	}
	r.Wait()

	orig, _ := execs.FindByID(context.Background(), nil, origID)
	rerun, _ := execs.FindByID(context.Background(), nil, rerunID)

	if !strings.Contains(rerun.Label, "Rerun") || !strings.Contains(rerun.Label, origID[:8]) {
		t.Fatalf("rerun label %q does not reference the original", rerun.Label)
	}
	// The rerun marker lives on the execution row; the snapshot itself is an
	// exact deep copy of the original's.
	if !reflect.DeepEqual(rerun.Snapshot, orig.Snapshot) {
		t.Fatalf("rerun snapshot %+v differs from original %+v", rerun.Snapshot, orig.Snapshot)
	}
	if rerun.Snapshot.Parameters.Seed == orig.Snapshot.Parameters.Seed {
		t.Fatal("rerun shares the original's seed pointer")
	}
	if *rerun.Snapshot.Parameters.Seed != seed {
		t.Fatalf("rerun seed = %d, want %d", *rerun.Snapshot.Parameters.Seed, seed)
	}
	if orig.Label != "test config" {
		t.Fatalf("original label mutated to %q", orig.Label)
	}
}

func TestJobRunner_InvalidSnapshotRejected(t *testing.T) {
	r, _, _, _, _ := newTestRunner(&fakeGenerator{}, &fakeQC{})
	snap := testSnapshot(0, 1)
	if _, err := r.Start(context.Background(), snap); !errors.Is(err, domain.ErrConfigurationInvalid) {
		t.Fatalf("err = %v, want ErrConfigurationInvalid", err)
	}
	if st, _ := r.Status(context.Background()); st.State != "idle" {
		t.Fatalf("state = %s, want idle", st.State)
	}
}

func TestJobRunner_StatusTransitions(t *testing.T) {
	release := make(chan struct{})
	gen := &fakeGenerator{onCall: func(int) { <-release }}
	r, _, _, _, _ := newTestRunner(gen, &fakeQC{})

	if st, _ := r.Status(context.Background()); st.State != "idle" {
		t.Fatalf("initial state = %s, want idle", st.State)
	}
	id, err := r.Start(context.Background(), testSnapshot(1, 1))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	st, _ := r.Status(context.Background())
	if st.State != "running" || st.CurrentJob == nil || st.CurrentJob.ID != id {
		t.Fatalf("running status = %+v", st)
	}
	close(release)
	r.Wait()
	st, _ = r.Status(context.Background())
	if st.State != "idle" || st.Progress != 100 {
		t.Fatalf("final status = %+v, want idle/100", st)
	}
}
