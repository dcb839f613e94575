// Package provider declares the generation capabilities that stage sub-steps
// delegate to. Each capability has a single method so a sub-step depends on
// exactly what it calls, and any implementation (remote API, container, test
// double) can stand in for it.
//
// Implementations report failures as apperrors.Provider errors.
package provider

import (
	"context"
)

// Media is generated binary content with its media type.
type Media struct {
	MediaType string
	Data      []byte
}

// TextPrompt asks a text model for a completion.
type TextPrompt struct {
	// Task labels the request ("lyrics", "screenplay", ...) for logs and metrics.
	Task   string
	System string
	Prompt string
	// JSON asks for a single JSON object as the response.
	JSON bool
	// Image is optional visual input for multimodal models.
	Image          []byte
	ImageMediaType string
}

// Text tasks issued by the stage sequences.
const (
	TaskInterpretation = "interpretation"
	TaskLyrics         = "lyrics"
	TaskVisualFeatures = "visual-features"
	TaskScreenplay     = "screenplay"
	TaskPageCopy       = "page-copy"
)

// TextGenerator interprets and writes text.
type TextGenerator interface {
	Complete(ctx context.Context, prompt TextPrompt) (string, error)
}

// CompositionRequest describes an instrumental track to generate.
type CompositionRequest struct {
	Lyrics  string
	Genre   string
	Emotion string
}

// MusicGenerator produces instrumental audio.
type MusicGenerator interface {
	Compose(ctx context.Context, req CompositionRequest) (*Media, error)
}

// VoiceRequest describes a vocal track to synthesize.
type VoiceRequest struct {
	Lyrics  string
	Emotion string
	// Sample is an optional reference recording of the artist's voice.
	Sample []byte
}

// VoiceSynthesizer produces vocal audio.
type VoiceSynthesizer interface {
	Synthesize(ctx context.Context, req VoiceRequest) (*Media, error)
}

// AvatarRequest describes a base avatar model to build.
type AvatarRequest struct {
	Style    string
	Features []byte // visual features JSON
}

// AvatarGenerator produces a base 3D avatar model.
type AvatarGenerator interface {
	Generate(ctx context.Context, req AvatarRequest) (*Media, error)
}

// AnimationRequest asks for an avatar animation synchronized to audio.
type AnimationRequest struct {
	Model []byte
	Audio []byte
}

// Animator produces animation data for an avatar model.
type Animator interface {
	Animate(ctx context.Context, req AnimationRequest) (*Media, error)
}

// SceneRequest describes one storyboard scene to render as a clip.
type SceneRequest struct {
	Index       int
	Title       string
	Description string
	Style       string
}

// SceneRenderer produces a video clip for one scene.
type SceneRenderer interface {
	RenderScene(ctx context.Context, req SceneRequest) (*Media, error)
}

// CompositeKind selects what a compositor produces.
type CompositeKind string

const (
	// MixAudio mixes an instrumental and a vocal track into one audio track.
	MixAudio CompositeKind = "mix-audio"
	// RenderAvatar renders an animated avatar against an audio track.
	RenderAvatar CompositeKind = "render-avatar"
	// EditFilm concatenates scene clips and lays the music under them.
	EditFilm CompositeKind = "edit-film"
)

// Input is one stored artifact handed to a compositor.
type Input struct {
	Name      string
	Location  string // store-relative location
	MediaType string
}

// CompositeRequest combines stored artifacts into one new media file.
type CompositeRequest struct {
	JobID  string
	Kind   CompositeKind
	Inputs []Input
}

// Compositor combines media files.
type Compositor interface {
	Composite(ctx context.Context, req CompositeRequest) (*Media, error)
}

// Set bundles the capabilities the stage sequences need.
type Set struct {
	Text       TextGenerator
	Music      MusicGenerator
	Voice      VoiceSynthesizer
	Avatar     AvatarGenerator
	Animator   Animator
	Scenes     SceneRenderer
	Compositor Compositor
}
