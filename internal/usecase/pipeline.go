package usecase

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"ai-image-pipeline/internal/domain/model"
	"ai-image-pipeline/internal/domain/ports/adapter"
	"ai-image-pipeline/internal/domain/ports/repository"
	"ai-image-pipeline/internal/infra/imaging"
	"ai-image-pipeline/internal/infra/logging"
)

// EventPublisher is the slice of the event bus the use cases need.
type EventPublisher interface {
	Publish(kind model.EventKind, data interface{})
}

// PostProcessor is the post-processing stage contract (implemented by
// imaging.Processor).
type PostProcessor interface {
	Process(ctx context.Context, raw []byte, settings model.ProcessingSettings, policy model.FailPolicy) (*imaging.Result, error)
}

// FileStore is the slice of the storage layer the pipeline needs.
type FileStore interface {
	Download(ctx context.Context, url, mappingID string) (string, error)
	WriteTemp(mappingID string, data []byte) (string, error)
	ReadTemp(path string) ([]byte, error)
	WriteFinal(mappingID, ext string, data []byte) (string, error)
	RemoveFinal(path string) error
}

// imagePipeline is the per-image stage sequence shared by the first pass
// (JobRunner) and every retry (RetryQueueService): post-processing, optional
// QC, optional metadata. Both callers differ only in how they source the raw
// bytes and which terminal failure status they record.
type imagePipeline struct {
	images repository.ImageRepository
	proc   PostProcessor
	store  FileStore
	qc     adapter.QualityChecker    // nil when QC is not configured
	meta   adapter.MetadataGenerator // nil when metadata is not configured
	bus    EventPublisher
	log    *zerolog.Logger
}

// runImage drives one image from raw temp bytes to its terminal status.
// failStatus is the status recorded on failure (qc_failed on first pass,
// retry_failed on retries). The image row is saved exactly once at the end;
// the caller has already persisted the transitional processing state.
func (p *imagePipeline) runImage(
	ctx context.Context,
	img *model.GeneratedImage,
	policy model.FailPolicy,
	qcSettings model.QualityCheckSettings,
	metaSettings model.MetadataSettings,
	failStatus model.QCStatus,
) error {
	log := logging.With(ctx, p.log)
	defer logging.TraceDuration(log, "imagePipeline.runImage")()

	raw, err := p.store.ReadTemp(img.TempImagePath)
	if err != nil {
		img.MarkFailed(failStatus, model.FailureReason{
			Kind: model.ReasonProcessing, Step: model.StepDownload, Detail: err.Error(),
		})
		return p.images.Save(ctx, nil, img)
	}

	// Post-processing. A soft step failure degrades inside Process; only a
	// hard failure (policy or decode/encode) surfaces here.
	prevFinal := img.FinalImagePath
	result, err := p.proc.Process(ctx, raw, img.Settings, policy)
	if err != nil {
		var stepErr *imaging.StepError
		reason := model.FailureReason{Kind: model.ReasonProcessing, Detail: err.Error()}
		if errors.As(err, &stepErr) {
			reason.Step = stepErr.Step
		}
		img.MarkFailed(failStatus, reason)
		return p.images.Save(ctx, nil, img)
	}

	finalPath, err := p.store.WriteFinal(img.ImageMappingID, result.Ext, result.Data)
	if err != nil {
		img.MarkFailed(failStatus, model.FailureReason{
			Kind: model.ReasonProcessing, Step: model.StepSave, Detail: err.Error(),
		})
		return p.images.Save(ctx, nil, img)
	}
	if prevFinal != "" && prevFinal != finalPath {
		// A retry changed the output format; drop the stale file.
		if err := p.store.RemoveFinal(prevFinal); err != nil {
			log.Warn().Err(err).Str("path", prevFinal).Msg("stale final image not removed")
		}
	}

	// Quality check. A transport error is a processing failure; a rejection
	// is a judgment with its own reason kind.
	if qcSettings.Enabled && p.qc != nil {
		verdict, err := p.qc.Check(ctx, finalPath, adapter.QCContext{
			Prompt:   img.GenerationPrompt,
			Guidance: qcSettings.Context,
		})
		if err != nil {
			img.MarkFailed(failStatus, model.FailureReason{
				Kind: model.ReasonProcessing, Step: model.StepQC, Detail: err.Error(),
			})
			return p.images.Save(ctx, nil, img)
		}
		if !verdict.Approved {
			img.MarkFailed(failStatus, model.FailureReason{
				Kind: model.ReasonRejected, Step: model.StepQC, Detail: verdict.Reason,
			})
			return p.images.Save(ctx, nil, img)
		}
	}

	img.MarkApproved(finalPath)

	// Metadata is best-effort: a failure is logged per image and never
	// changes the approval.
	if metaSettings.Enabled && p.meta != nil {
		md, err := p.meta.Generate(ctx, finalPath, adapter.MetadataContext{
			Prompt:   img.GenerationPrompt,
			Guidance: metaSettings.Context,
		})
		if err != nil {
			if policy.Hard(model.StepMetadata) {
				img.MarkFailed(failStatus, model.FailureReason{
					Kind: model.ReasonProcessing, Step: model.StepMetadata, Detail: err.Error(),
				})
				return p.images.Save(ctx, nil, img)
			}
			log.Warn().Err(err).Str("image_id", img.ID).Msg("metadata generation failed, keeping image approved")
			p.bus.Publish(model.EventLog, model.LogPayload{
				ImageID: img.ID, Level: "warn",
				Message: "metadata generation failed: " + err.Error(),
			})
		} else {
			img.Metadata = &md
		}
	}

	return p.images.Save(ctx, nil, img)
}
