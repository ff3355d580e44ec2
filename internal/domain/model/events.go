package model

import "time"

// EventKind tags the payload carried by a bus Event.
type EventKind string

const (
	EventProgress          EventKind = "progress"
	EventLog               EventKind = "log"
	EventJobCompleted      EventKind = "job_completed"
	EventRetryProgress     EventKind = "retry_progress"
	EventRetryCompleted    EventKind = "retry_completed"
	EventRetryError        EventKind = "retry_error"
	EventRetryQueueUpdated EventKind = "retry_queue_updated"
)

// Event is what observers receive. Every payload carries enough identifying
// data (job/image id) for an observer to refresh only the affected rows.
type Event struct {
	Kind EventKind   `json:"kind"`
	At   time.Time   `json:"at"`
	Data interface{} `json:"data"`
}

type ProgressPayload struct {
	JobID       string  `json:"job_id"`
	Percent     float64 `json:"percent"`
	ImagesDone  int     `json:"images_done"`
	ImagesTotal int     `json:"images_total"`
	Message     string  `json:"message,omitempty"`
}

type LogPayload struct {
	JobID   string `json:"job_id,omitempty"`
	ImageID string `json:"image_id,omitempty"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

type JobCompletedPayload struct {
	JobID      string          `json:"job_id"`
	Status     ExecutionStatus `json:"status"`
	Successful int             `json:"successful"`
	Failed     int             `json:"failed"`
}

type RetryProgressPayload struct {
	RetryJobID string `json:"retry_job_id"`
	ImageID    string `json:"image_id"`
	Done       int    `json:"done"`
	Total      int    `json:"total"`
}

type RetryCompletedPayload struct {
	RetryJobID   string `json:"retry_job_id"`
	SuccessCount int    `json:"success_count"`
	FailureCount int    `json:"failure_count"`
}

type RetryErrorPayload struct {
	RetryJobID string `json:"retry_job_id"`
	ImageID    string `json:"image_id,omitempty"`
	Detail     string `json:"detail"`
}
