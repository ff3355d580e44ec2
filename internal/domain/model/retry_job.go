package model

import "time"

type RetryJobStatus string

const (
	RetryJobStatusQueued     RetryJobStatus = "queued"
	RetryJobStatusProcessing RetryJobStatus = "processing"
	RetryJobStatusCompleted  RetryJobStatus = "completed"
	RetryJobStatusFailed     RetryJobStatus = "failed"
)

type SettingsMode string

const (
	// SettingsModeOriginal replays the image's own stored snapshot exactly.
	SettingsModeOriginal SettingsMode = "original"
	// SettingsModeModified applies caller-supplied settings for this attempt
	// and persists them as the new snapshot on success.
	SettingsModeModified SettingsMode = "modified"
)

// FailPolicy marks specific pipeline steps as hard-stop for a retry. When a
// hard step fails the image is marked retry_failed immediately instead of
// falling through to a best-effort partial result.
type FailPolicy struct {
	HardSteps []PipelineStep `json:"hard_steps"`
}

func (p FailPolicy) Hard(step PipelineStep) bool {
	for _, s := range p.HardSteps {
		if s == step {
			return true
		}
	}
	return false
}

// RetryJob is one queue entry; it may cover a single image or a batch. Queue
// entries are ephemeral: the durable state all lives on the images.
type RetryJob struct {
	ID              string
	ImageIDs        []string
	Status          RetryJobStatus
	Mode            SettingsMode
	Override        *ProcessingSettings // only when Mode == SettingsModeModified
	IncludeMetadata bool
	Policy          FailPolicy
	CreatedAt       time.Time
	CompletedAt     *time.Time
	SuccessCount    int
	FailureCount    int
}

// Clone returns a deep copy safe to hand out while the consumer goroutine
// keeps mutating the original.
func (j *RetryJob) Clone() *RetryJob {
	cp := *j
	cp.ImageIDs = append([]string(nil), j.ImageIDs...)
	if j.Override != nil {
		o := *j.Override
		cp.Override = &o
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Policy.HardSteps = append([]PipelineStep(nil), j.Policy.HardSteps...)
	return &cp
}

// RetryQueueStatus is the observable snapshot recomputed on every state
// change so the UI never needs a tight polling loop against the core.
type RetryQueueStatus struct {
	QueueLength    int       `json:"queue_length"`
	PendingJobs    int       `json:"pending_jobs"`
	ProcessingJobs int       `json:"processing_jobs"`
	CompletedJobs  int       `json:"completed_jobs"`
	FailedJobs     int       `json:"failed_jobs"`
	CurrentJob     *RetryJob `json:"current_job,omitempty"`
}
