package stageexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"strings"

	"studio/internal/provider"
	"studio/internal/stage"
)

// VisualFeatures describes the look of an avatar.
type VisualFeatures struct {
	FaceShape string `json:"faceShape"`
	SkinTone  string `json:"skinTone"`
	HairColor string `json:"hairColor"`
	HairStyle string `json:"hairStyle"`
	EyeColor  string `json:"eyeColor"`
	Style     string `json:"style"`
	// Source is "image", "description" or "default".
	Source string `json:"source"`
}

var defaultFeatures = VisualFeatures{
	FaceShape: "oval",
	SkinTone:  "medium",
	HairColor: "brown",
	HairStyle: "short",
	EyeColor:  "brown",
}

// fillDefaults replaces empty features with the defaults.
func (f *VisualFeatures) fillDefaults() {
	fill := func(v *string, d string) {
		if strings.TrimSpace(*v) == "" {
			*v = d
		}
	}
	fill(&f.FaceShape, defaultFeatures.FaceShape)
	fill(&f.SkinTone, defaultFeatures.SkinTone)
	fill(&f.HairColor, defaultFeatures.HairColor)
	fill(&f.HairStyle, defaultFeatures.HairStyle)
	fill(&f.EyeColor, defaultFeatures.EyeColor)
}

const maxImagePixels = 64 << 20

func (s *sequences) avatar() []Step {
	return []Step{
		{Name: "visual-input", Run: s.processVisualInput, Fallback: s.visualInputFallback},
		{Name: "base-model", Run: s.createBaseModel, Fallback: s.baseModelFallback},
		{Name: "animation", Run: s.animate, Fallback: s.animationFallback},
		{Name: "export", Run: s.exportAvatar},
	}
}

func (s *sequences) processVisualInput(ctx context.Context, sc *StepContext) ([]Output, error) {
	req := sc.Job.Request
	prompt := provider.TextPrompt{
		Task:   provider.TaskVisualFeatures,
		System: "You describe people's appearance for 3D avatar artists.",
		JSON:   true,
	}
	source := "description"

	if len(req.Image) > 0 {
		cfg, format, err := image.DecodeConfig(bytes.NewReader(req.Image))
		if err != nil {
			return nil, fmt.Errorf("malformed image: %w", err)
		}
		if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > maxImagePixels {
			return nil, fmt.Errorf("image dimensions %dx%d out of range", cfg.Width, cfg.Height)
		}
		prompt.Image = req.Image
		prompt.ImageMediaType = "image/" + format
		source = "image"
	}

	desc := strings.TrimSpace(req.VisualDescription)
	if desc == "" && source != "image" {
		return nil, errors.New("neither an image nor a visual description was provided")
	}
	prompt.Prompt = fmt.Sprintf(`Describe the person for a %s avatar.
Reply with a JSON object with the string fields "faceShape", "skinTone", "hairColor", "hairStyle" and "eyeColor".`, req.Style)
	if desc != "" {
		prompt.Prompt += "\nDescription: " + desc
	}

	text, err := s.providers.Text.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}
	var f VisualFeatures
	if err := json.Unmarshal([]byte(text), &f); err != nil {
		return nil, fmt.Errorf("invalid visual features from provider: %w", err)
	}
	f.fillDefaults()
	f.Style = req.Style
	f.Source = source
	return featuresOutput(f)
}

func (s *sequences) visualInputFallback(_ context.Context, sc *StepContext, _ error) ([]Output, error) {
	f := defaultFeatures
	f.Style = sc.Job.Request.Style
	f.Source = "default"
	return featuresOutput(f)
}

func featuresOutput(f VisualFeatures) ([]Output, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return []Output{{Name: stage.ArtifactVisualFeatures, Data: data}}, nil
}

func readFeatures(data []byte) (*VisualFeatures, error) {
	var f VisualFeatures
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode visual features: %w", err)
	}
	return &f, nil
}

func (s *sequences) createBaseModel(ctx context.Context, sc *StepContext) ([]Output, error) {
	features, err := sc.Read(ctx, stage.ArtifactVisualFeatures)
	if err != nil {
		return nil, err
	}
	m, err := s.providers.Avatar.Generate(ctx, provider.AvatarRequest{
		Style:    sc.Job.Request.Style,
		Features: features,
	})
	if err == nil && m != nil && !isGLB(m.Data) {
		return nil, errors.New("avatar provider did not return a binary glTF model")
	}
	return media(stage.ArtifactAvatarBase, m, err)
}

func (s *sequences) baseModelFallback(ctx context.Context, sc *StepContext, _ error) ([]Output, error) {
	data, err := sc.Read(ctx, stage.ArtifactVisualFeatures)
	if err != nil {
		return nil, err
	}
	f, err := readFeatures(data)
	if err != nil {
		return nil, err
	}
	model, err := placeholderModel(f)
	if err != nil {
		return nil, err
	}
	return []Output{{Name: stage.ArtifactAvatarBase, Data: model}}, nil
}

func (s *sequences) animate(ctx context.Context, sc *StepContext) ([]Output, error) {
	audio, err := sc.ReadUpstream(ctx, stage.Music, stage.ArtifactFinalAudio)
	if err != nil {
		return nil, err
	}
	model, err := sc.Read(ctx, stage.ArtifactAvatarBase)
	if err != nil {
		return nil, err
	}
	m, err := s.providers.Animator.Animate(ctx, provider.AnimationRequest{Model: model, Audio: audio})
	if err == nil && m != nil && !json.Valid(m.Data) {
		return nil, errors.New("animator returned invalid animation data")
	}
	return media(stage.ArtifactAnimation, m, err)
}

// idleAnimation is a looping breathing cycle used when lip sync fails.
type idleAnimation struct {
	Clip      string         `json:"clip"`
	Loop      bool           `json:"loop"`
	FPS       int            `json:"fps"`
	Keyframes []idleKeyframe `json:"keyframes"`
}

type idleKeyframe struct {
	Time  float64 `json:"time"`
	Bone  string  `json:"bone"`
	Scale float64 `json:"scale"`
}

func (s *sequences) animationFallback(_ context.Context, _ *StepContext, _ error) ([]Output, error) {
	data, err := json.Marshal(idleAnimation{
		Clip: "idle",
		Loop: true,
		FPS:  30,
		Keyframes: []idleKeyframe{
			{Time: 0, Bone: "chest", Scale: 1},
			{Time: 1.5, Bone: "chest", Scale: 1.02},
			{Time: 3, Bone: "chest", Scale: 1},
		},
	})
	if err != nil {
		return nil, err
	}
	return []Output{{Name: stage.ArtifactAnimation, Data: data}}, nil
}

func (s *sequences) exportAvatar(ctx context.Context, sc *StepContext) ([]Output, error) {
	audio, err := sc.Input(ctx, stage.Music, stage.ArtifactFinalAudio)
	if err != nil {
		return nil, err
	}
	anim, err := sc.Input(ctx, "", stage.ArtifactAnimation)
	if err != nil {
		return nil, err
	}
	model, err := sc.Read(ctx, stage.ArtifactAvatarBase)
	if err != nil {
		return nil, err
	}

	m, err := s.providers.Compositor.Composite(ctx, provider.CompositeRequest{
		JobID:  sc.Job.ID,
		Kind:   provider.RenderAvatar,
		Inputs: []provider.Input{audio, anim},
	})
	video, err := media(stage.ArtifactAvatarVideo, m, err)
	if err != nil {
		return nil, err
	}
	return append(video, Output{Name: stage.ArtifactAvatarModel, Data: model}), nil
}
