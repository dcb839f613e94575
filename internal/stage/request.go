package stage

import (
	"fmt"
	"slices"
	"strings"

	"studio/internal/apperrors"
)

// Validation limits
const (
	maxPhraseLength      = 500
	maxDescriptionLength = 2000
	maxNameLength        = 120
	maxLabelLength       = 64
	maxInlineBytes       = 10 << 20
	maxReferenceLength   = 128
)

// Avatar styles.
const (
	StyleRealistic  = "realistic"
	StyleCartoon    = "cartoon"
	StyleAnime      = "anime"
	StyleFuturistic = "futuristic"
)

var validStyles = []string{StyleRealistic, StyleCartoon, StyleAnime, StyleFuturistic}

// Request carries the stage-specific input fields of one submission.
// Only the fields relevant to the submitted stage are read; the rest are
// carried forward when the pipeline advances.
type Request struct {
	// Music
	Phrase      string `json:"phrase,omitempty"`
	Genre       string `json:"genre,omitempty"`
	Emotion     string `json:"emotion,omitempty"`
	VoiceSample []byte `json:"voiceSample,omitempty"`

	// Avatar
	VisualDescription string `json:"visualDescription,omitempty"`
	Style             string `json:"style,omitempty"`
	Image             []byte `json:"image,omitempty"`

	// Publication
	ArtistName string `json:"artistName,omitempty"`
}

// ApplyDefaults fills unset optional fields for stage t.
func (r *Request) ApplyDefaults(t Type) {
	if t == Avatar && r.Style == "" {
		r.Style = StyleRealistic
	}
	r.Style = strings.ToLower(strings.TrimSpace(r.Style))
}

// Merge overlays the non-empty fields of o onto a copy of r.
func (r Request) Merge(o *Request) Request {
	if o == nil {
		return r
	}
	if o.Phrase != "" {
		r.Phrase = o.Phrase
	}
	if o.Genre != "" {
		r.Genre = o.Genre
	}
	if o.Emotion != "" {
		r.Emotion = o.Emotion
	}
	if len(o.VoiceSample) > 0 {
		r.VoiceSample = o.VoiceSample
	}
	if o.VisualDescription != "" {
		r.VisualDescription = o.VisualDescription
	}
	if o.Style != "" {
		r.Style = o.Style
	}
	if len(o.Image) > 0 {
		r.Image = o.Image
	}
	if o.ArtistName != "" {
		r.ArtistName = o.ArtistName
	}
	return r
}

// Validate checks that the request and references are well-formed for t.
// It does not check that referenced jobs exist; that surfaces when the
// consuming sub-step runs.
func Validate(t Type, req *Request, refs References) error {
	if !t.Valid() {
		return apperrors.Validation("stage", fmt.Sprintf("unknown stage %q", t))
	}
	if req == nil {
		return apperrors.Validation("request", "request is required")
	}

	for _, need := range RequiredReferences(t) {
		id := strings.TrimSpace(refs[need])
		if id == "" {
			return apperrors.Validation("references."+string(need), fmt.Sprintf("%s stage requires a %s job reference", t, need))
		}
		if len(id) > maxReferenceLength {
			return apperrors.Validation("references."+string(need), fmt.Sprintf("%s reference exceeds maximum length of %d", need, maxReferenceLength))
		}
	}
	for ref := range refs {
		if !ref.Valid() {
			return apperrors.Validation("references", fmt.Sprintf("unknown reference stage %q", ref))
		}
	}

	switch t {
	case Music:
		if strings.TrimSpace(req.Phrase) == "" {
			return apperrors.Validation("phrase", "phrase is required")
		}
		if len(req.Phrase) > maxPhraseLength {
			return apperrors.Validation("phrase", fmt.Sprintf("phrase exceeds maximum length of %d", maxPhraseLength))
		}
		if len(req.Genre) > maxLabelLength {
			return apperrors.Validation("genre", fmt.Sprintf("genre exceeds maximum length of %d", maxLabelLength))
		}
		if len(req.Emotion) > maxLabelLength {
			return apperrors.Validation("emotion", fmt.Sprintf("emotion exceeds maximum length of %d", maxLabelLength))
		}
		if len(req.VoiceSample) > maxInlineBytes {
			return apperrors.Validation("voiceSample", fmt.Sprintf("voice sample exceeds maximum of %d bytes", maxInlineBytes))
		}
	case Avatar:
		if !slices.Contains(validStyles, req.Style) {
			return apperrors.Validation("style", fmt.Sprintf("style must be one of %s", strings.Join(validStyles, ", ")))
		}
		if len(req.VisualDescription) > maxDescriptionLength {
			return apperrors.Validation("visualDescription", fmt.Sprintf("visual description exceeds maximum length of %d", maxDescriptionLength))
		}
		if len(req.Image) > maxInlineBytes {
			return apperrors.Validation("image", fmt.Sprintf("image exceeds maximum of %d bytes", maxInlineBytes))
		}
	case Publication:
		if len(req.ArtistName) > maxNameLength {
			return apperrors.Validation("artistName", fmt.Sprintf("artist name exceeds maximum length of %d", maxNameLength))
		}
	}

	return nil
}
