package job

import (
	"fmt"
	"slices"
	"time"

	"studio/internal/artifact"
	"studio/internal/stageexec"
	"studio/pkg/cloudevent"
)

// Event types for job lifecycle callbacks
const (
	EventTypeStart     = "studio.job.start"
	EventTypeArtifact  = "studio.job.artifact"
	EventTypeCompleted = "studio.job.completed"
	EventTypeFailed    = "studio.job.failed"
)

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventBuilder builds CloudEvents for job lifecycle events.
type EventBuilder struct {
	source  string
	subject string
	stage   string
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder(rec *Record, source string) *EventBuilder {
	return &EventBuilder{
		source:  source,
		subject: rec.ID,
		stage:   string(rec.Stage),
	}
}

// Build creates a new CloudEvent with the given type and data.
func (b *EventBuilder) Build(eventType string, data map[string]any) *cloudevent.CloudEvent {
	eventID := fmt.Sprintf("%s-%d", b.subject, time.Now().UnixNano())
	return cloudevent.New(eventType, b.source, b.subject, eventID, data)
}

// BuildStartEvent creates a job start event.
func (b *EventBuilder) BuildStartEvent() *cloudevent.CloudEvent {
	return b.Build(EventTypeStart, map[string]any{
		"jobId": b.subject,
		"stage": b.stage,
	})
}

// BuildArtifactEvent creates an artifact event.
func (b *EventBuilder) BuildArtifactEvent(art *artifact.Artifact, degraded bool) *cloudevent.CloudEvent {
	return b.Build(EventTypeArtifact, map[string]any{
		"jobId":     b.subject,
		"stage":     b.stage,
		"name":      art.Name,
		"mediaType": art.MediaType,
		"size":      art.Size,
		"degraded":  degraded,
	})
}

// BuildFinishEvent creates a completed or failed event from an execution result.
func (b *EventBuilder) BuildFinishEvent(result *stageexec.Result) *cloudevent.CloudEvent {
	data := map[string]any{
		"jobId": b.subject,
		"stage": b.stage,
	}
	if len(result.Degraded) > 0 {
		data["degraded"] = result.Degraded
	}
	if !result.Succeeded() {
		data["failure"] = result.Failure
		return b.Build(EventTypeFailed, data)
	}
	names := make([]string, len(result.Artifacts))
	for i, a := range result.Artifacts {
		names[i] = a.Name
	}
	data["artifacts"] = names
	return b.Build(EventTypeCompleted, data)
}
