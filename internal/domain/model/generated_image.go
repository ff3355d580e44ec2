package model

import (
	"fmt"
	"time"
)

type QCStatus string

const (
	QCStatusPending      QCStatus = "pending"
	QCStatusProcessing   QCStatus = "processing"
	QCStatusApproved     QCStatus = "approved"
	QCStatusFailed       QCStatus = "qc_failed"
	QCStatusRetryPending QCStatus = "retry_pending"
	QCStatusRetryFailed  QCStatus = "retry_failed"
)

func (s QCStatus) Terminal() bool {
	switch s {
	case QCStatusApproved, QCStatusFailed, QCStatusRetryFailed:
		return true
	}
	return false
}

// Retryable reports whether the review/retry workflow may pick this image up.
func (s QCStatus) Retryable() bool {
	switch s {
	case QCStatusFailed, QCStatusRetryPending, QCStatusRetryFailed:
		return true
	}
	return false
}

// ReasonKind separates a technical pipeline failure from a genuine content
// rejection. Technical failures are safe to blind-retry; rejections usually
// need different settings.
type ReasonKind string

const (
	ReasonProcessing ReasonKind = "processing" // a pipeline step errored
	ReasonRejected   ReasonKind = "rejected"   // the QC judge said no
	ReasonProvider   ReasonKind = "provider"   // an upstream provider call failed
)

// PipelineStep names a unit of per-image work for failure attribution and
// fail-policy matching.
type PipelineStep string

const (
	StepGeneration  PipelineStep = "generation"
	StepDownload    PipelineStep = "download"
	StepBackground  PipelineStep = "background_removal"
	StepTrim        PipelineStep = "trim"
	StepEnhancement PipelineStep = "enhancement"
	StepConversion  PipelineStep = "conversion"
	StepSave        PipelineStep = "save"
	StepQC          PipelineStep = "qc"
	StepMetadata    PipelineStep = "metadata"
)

// FailureReason is the structured replacement for prefix-encoded reason
// strings. Callers branch on Kind/Step, never on string contents.
type FailureReason struct {
	Kind   ReasonKind   `json:"kind"`
	Step   PipelineStep `json:"step,omitempty"`
	Detail string       `json:"detail,omitempty"`
}

// String renders the legacy machine-parseable form
// ("processing_failed:<step>:<detail>") kept for observers only.
func (r FailureReason) String() string {
	switch r.Kind {
	case "":
		return ""
	case ReasonRejected:
		return r.Detail
	default:
		if r.Detail == "" {
			return fmt.Sprintf("processing_failed:%s", r.Step)
		}
		return fmt.Sprintf("processing_failed:%s:%s", r.Step, r.Detail)
	}
}

func (r FailureReason) Empty() bool { return r.Kind == "" }

type ImageMetadata struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// GeneratedImage is one produced artifact. Every generated artifact gets a
// row, even if every later stage failed.
type GeneratedImage struct {
	ID               string
	ImageMappingID   string // stable provider-derived identifier, unique per image
	ExecutionID      string
	GenerationPrompt string
	Seed             *int64
	QCStatus         QCStatus
	Reason           FailureReason
	TempImagePath    string
	FinalImagePath   string // empty until post-processing succeeds
	Metadata         *ImageMetadata
	Settings         ProcessingSettings
	CreatedAt        time.Time
}

func NewGeneratedImage(id, mappingID, executionID, prompt string, seed *int64, settings ProcessingSettings) *GeneratedImage {
	return &GeneratedImage{
		ID:               id,
		ImageMappingID:   mappingID,
		ExecutionID:      executionID,
		GenerationPrompt: prompt,
		Seed:             seed,
		QCStatus:         QCStatusProcessing,
		Settings:         settings,
		CreatedAt:        time.Now(),
	}
}

func (g *GeneratedImage) MarkApproved(finalPath string) {
	g.QCStatus = QCStatusApproved
	g.FinalImagePath = finalPath
	g.Reason = FailureReason{}
}

func (g *GeneratedImage) MarkFailed(status QCStatus, reason FailureReason) {
	g.QCStatus = status
	g.Reason = reason
	g.FinalImagePath = ""
}
