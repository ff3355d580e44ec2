package model

import (
	"fmt"
	"time"
)

type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusStopped   ExecutionStatus = "stopped"
)

// Terminal reports whether no further transitions are allowed.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusStopped:
		return true
	}
	return false
}

// JobExecution is one run of a configuration. Rows are never deleted
// automatically; deletion is an explicit operator action that cascades to the
// execution's images.
type JobExecution struct {
	ID               string
	ConfigurationID  string
	Label            string
	Status           ExecutionStatus
	StartedAt        time.Time
	CompletedAt      *time.Time
	TotalImages      int
	SuccessfulImages int
	FailedImages     int
	ErrorMessage     string
	Snapshot         ConfigurationSnapshot
}

func NewJobExecution(id string, snapshot ConfigurationSnapshot) *JobExecution {
	return &JobExecution{
		ID:              id,
		ConfigurationID: snapshot.ConfigurationID,
		Label:           snapshot.Label,
		Status:          ExecutionStatusRunning,
		StartedAt:       time.Now(),
		TotalImages:     snapshot.Parameters.Count * snapshot.Parameters.Variations,
		Snapshot:        snapshot,
	}
}

// Finalize sets the terminal status exactly once.
func (j *JobExecution) Finalize(status ExecutionStatus, errMsg string) {
	if j.Status.Terminal() {
		return
	}
	now := time.Now()
	j.Status = status
	j.CompletedAt = &now
	j.ErrorMessage = errMsg
}

// RerunLabel derives the label for a rerun of this execution, carrying a
// short form of the original id so operators can trace the lineage.
func (j *JobExecution) RerunLabel() string {
	id := j.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s (Rerun %s)", j.Label, id)
}
