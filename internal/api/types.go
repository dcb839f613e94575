package api

import (
	"time"

	"studio/internal/job"
	"studio/internal/stage"
	"studio/internal/stageexec"
)

// SubmitResponse acknowledges an accepted submission. Artifacts maps each
// artifact the job must produce to its download URL.
type SubmitResponse struct {
	JobID     string            `json:"jobId"`
	Stage     stage.Type        `json:"stage"`
	Status    string            `json:"status"`
	StatusURL string            `json:"statusUrl"`
	Artifacts map[string]string `json:"artifacts"`
}

// ArtifactResponse describes one produced artifact. URL is set once the job
// has completed.
type ArtifactResponse struct {
	Name      string    `json:"name"`
	MediaType string    `json:"mediaType"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
	Degraded  bool      `json:"degraded,omitempty"`
	URL       string    `json:"url,omitempty"`
}

// StatusResponse is the body of GET /v1/jobs/{jobId}.
type StatusResponse struct {
	JobID      string             `json:"jobId"`
	Stage      stage.Type         `json:"stage"`
	Status     string             `json:"status"`
	References stage.References   `json:"references,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
	StartedAt  *time.Time         `json:"startedAt,omitempty"`
	FinishedAt *time.Time         `json:"finishedAt,omitempty"`
	Artifacts  []ArtifactResponse `json:"artifacts"`
	Failure    *stageexec.Failure `json:"failure,omitempty"`
}

// ListResponse is the body of GET /v1/jobs.
type ListResponse struct {
	Jobs  []StatusResponse `json:"jobs"`
	Total int              `json:"total"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// urls builds the externally visible links of jobs and artifacts.
type urls struct {
	base string
}

func (u urls) job(jobID string) string {
	return u.base + "/v1/jobs/" + jobID
}

func (u urls) artifact(jobID, name string) string {
	return u.job(jobID) + "/artifacts/" + name
}

func (u urls) submitResponse(rec *job.Record) *SubmitResponse {
	required := stage.RequiredArtifacts(rec.Stage)
	links := make(map[string]string, len(required))
	for _, name := range required {
		links[name] = u.artifact(rec.ID, name)
	}
	return &SubmitResponse{
		JobID:     rec.ID,
		Stage:     rec.Stage,
		Status:    job.StateProcessing,
		StatusURL: u.job(rec.ID),
		Artifacts: links,
	}
}

func (u urls) statusResponse(st *job.Status) StatusResponse {
	completed := st.State == job.StateCompleted
	arts := make([]ArtifactResponse, len(st.Artifacts))
	for i, a := range st.Artifacts {
		arts[i] = ArtifactResponse{
			Name:      a.Name,
			MediaType: a.MediaType,
			Size:      a.Size,
			CreatedAt: a.CreatedAt,
			Degraded:  a.Degraded,
		}
		if completed {
			arts[i].URL = u.artifact(st.ID, a.Name)
		}
	}
	return StatusResponse{
		JobID:      st.ID,
		Stage:      st.Stage,
		Status:     st.State,
		References: st.References,
		CreatedAt:  st.CreatedAt,
		StartedAt:  st.StartedAt,
		FinishedAt: st.FinishedAt,
		Artifacts:  arts,
		Failure:    st.Failure,
	}
}
