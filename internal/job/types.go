package job

import (
	"time"

	"studio/internal/artifact"
	"studio/internal/stage"
	"studio/internal/stageexec"
)

// State constants. Transitions only move forward:
// pending -> running -> completed|failed.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// StateProcessing is reported to submitters: the job is accepted but its
// outcome is not known yet.
const StateProcessing = "processing"

// Terminal reports whether state is completed or failed.
func Terminal(state string) bool {
	return state == StateCompleted || state == StateFailed
}

// Callback represents callback configuration for a job
type Callback struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Key    string   `json:"key,omitempty"` // HMAC signing key
}

// SubmitRequest is the body of a stage submission. Stage-specific fields
// sit at the top level next to the upstream references.
type SubmitRequest struct {
	stage.Request
	References stage.References `json:"references,omitempty"`
	Callback   *Callback        `json:"callback,omitempty"`
}

// Record is the persisted state of one job.
type Record struct {
	ID         string             `json:"id"`
	Stage      stage.Type         `json:"stage"`
	Request    stage.Request      `json:"request"`
	References stage.References   `json:"references,omitempty"`
	Callback   *Callback          `json:"callback,omitempty"`
	State      string             `json:"state"`
	CreatedAt  time.Time          `json:"createdAt"`
	StartedAt  *time.Time         `json:"startedAt,omitempty"`
	FinishedAt *time.Time         `json:"finishedAt,omitempty"`
	Failure    *stageexec.Failure `json:"failure,omitempty"`
	// Degraded names artifacts produced by a fallback.
	Degraded []string `json:"degraded,omitempty"`
}

// ArtifactInfo describes a produced artifact in a status snapshot.
type ArtifactInfo struct {
	artifact.Artifact
	Degraded bool `json:"degraded,omitempty"`
}

// Status is a point-in-time view of a job. State is derived from the
// artifacts present in the store, so it survives restarts.
type Status struct {
	ID         string             `json:"jobId"`
	Stage      stage.Type         `json:"stage"`
	State      string             `json:"status"`
	References stage.References   `json:"references,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
	StartedAt  *time.Time         `json:"startedAt,omitempty"`
	FinishedAt *time.Time         `json:"finishedAt,omitempty"`
	Artifacts  []ArtifactInfo     `json:"artifacts"`
	Required   []string           `json:"required"`
	Failure    *stageexec.Failure `json:"failure,omitempty"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Stage stage.Type
	State string
}
