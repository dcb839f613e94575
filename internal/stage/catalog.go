package stage

import (
	"fmt"
	"strings"
)

// Artifact names produced by the music stage.
const (
	ArtifactInterpretation = "interpretation"
	ArtifactLyrics         = "lyrics"
	ArtifactInstrumental   = "instrumental-audio"
	ArtifactVocal          = "vocal-audio"
	ArtifactFinalAudio     = "final-audio"
)

// Artifact names produced by the avatar stage.
const (
	ArtifactVisualFeatures = "visual-features"
	ArtifactAvatarBase     = "avatar-base"
	ArtifactAnimation      = "avatar-animation"
	ArtifactAvatarVideo    = "avatar-video"
	ArtifactAvatarModel    = "avatar-model"
)

// Artifact names produced by the film stage.
const (
	ArtifactScreenplay = "screenplay"
	ArtifactStoryboard = "storyboard"
	ArtifactFinalFilm  = "final-film"

	sceneVideoPrefix = "scene-video-"
)

// Artifact names produced by the publication stage.
const (
	ArtifactManifest  = "asset-manifest"
	ArtifactBundle    = "asset-bundle"
	ArtifactPage      = "publication-page"
	ArtifactPublicURL = "public-url"
	ArtifactSharing   = "sharing"
)

// SceneVideo returns the artifact name of the i-th (1-based) scene clip.
func SceneVideo(i int) string {
	return fmt.Sprintf("%s%d", sceneVideoPrefix, i)
}

// IsSceneVideo reports whether name is a scene clip artifact.
func IsSceneVideo(name string) bool {
	return strings.HasPrefix(name, sceneVideoPrefix)
}

// Media types
const (
	MediaJSON   = "application/json"
	MediaText   = "text/plain; charset=utf-8"
	MediaHTML   = "text/html; charset=utf-8"
	MediaAudio  = "audio/mpeg"
	MediaVideo  = "video/mp4"
	MediaModel  = "model/gltf-binary"
	MediaGzip   = "application/gzip"
	MediaBinary = "application/octet-stream"
)

var mediaTypes = map[string]string{
	ArtifactInterpretation: MediaJSON,
	ArtifactLyrics:         MediaText,
	ArtifactInstrumental:   MediaAudio,
	ArtifactVocal:          MediaAudio,
	ArtifactFinalAudio:     MediaAudio,
	ArtifactVisualFeatures: MediaJSON,
	ArtifactAvatarBase:     MediaModel,
	ArtifactAnimation:      MediaJSON,
	ArtifactAvatarVideo:    MediaVideo,
	ArtifactAvatarModel:    MediaModel,
	ArtifactScreenplay:     MediaText,
	ArtifactStoryboard:     MediaJSON,
	ArtifactFinalFilm:      MediaVideo,
	ArtifactManifest:       MediaJSON,
	ArtifactBundle:         MediaGzip,
	ArtifactPage:           MediaHTML,
	ArtifactPublicURL:      MediaText,
	ArtifactSharing:        MediaJSON,
}

var fileExtensions = map[string]string{
	MediaJSON:  ".json",
	MediaText:  ".txt",
	MediaHTML:  ".html",
	MediaAudio: ".mp3",
	MediaVideo: ".mp4",
	MediaModel: ".glb",
	MediaGzip:  ".tar.gz",
}

// MediaType returns the media type of the named artifact.
func MediaType(name string) string {
	if mt, ok := mediaTypes[name]; ok {
		return mt
	}
	if IsSceneVideo(name) {
		return MediaVideo
	}
	return MediaBinary
}

// FileName suggests a download file name for an artifact of a job.
func FileName(jobID, name string) string {
	return fmt.Sprintf("%s-%s%s", name, jobID, fileExtensions[MediaType(name)])
}

// RequiredArtifacts returns the artifacts whose presence marks a job of
// stage t as completed. Each set includes the output of the stage's final
// sub-step.
func RequiredArtifacts(t Type) []string {
	switch t {
	case Music:
		return []string{ArtifactFinalAudio}
	case Avatar:
		return []string{ArtifactAvatarVideo, ArtifactAvatarModel}
	case Film:
		return []string{ArtifactFinalFilm, ArtifactScreenplay}
	case Publication:
		return []string{ArtifactPage, ArtifactPublicURL, ArtifactSharing}
	default:
		return nil
	}
}
