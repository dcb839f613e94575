package stageexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"studio/internal/provider"
	"studio/internal/stage"
)

// Storyboard lists the scenes to render, in order.
type Storyboard struct {
	Scenes []Scene `json:"scenes"`
}

var errNoScenes = errors.New("screenplay has no INT./EXT. scene headings")

func (s *sequences) film() []Step {
	return []Step{
		{Name: "screenplay", Run: s.writeScreenplay, Fallback: s.screenplayFallback},
		{Name: "storyboard", Run: s.createStoryboard, Fallback: s.storyboardFallback},
		{Name: "scenes", Run: s.renderScenes},
		{Name: "edit", Run: s.editFilm},
	}
}

func (s *sequences) writeScreenplay(ctx context.Context, sc *StepContext) ([]Output, error) {
	if err := requireUpstream(ctx, sc); err != nil {
		return nil, err
	}
	lyrics, err := sc.ReadUpstream(ctx, stage.Music, stage.ArtifactLyrics)
	if err != nil {
		return nil, err
	}
	interpData, err := sc.ReadUpstream(ctx, stage.Music, stage.ArtifactInterpretation)
	if err != nil {
		return nil, err
	}
	in, err := readInterpretation(interpData)
	if err != nil {
		return nil, err
	}
	featureData, err := sc.ReadUpstream(ctx, stage.Avatar, stage.ArtifactVisualFeatures)
	if err != nil {
		return nil, err
	}
	f, err := readFeatures(featureData)
	if err != nil {
		return nil, err
	}

	text, err := s.providers.Text.Complete(ctx, provider.TextPrompt{
		Task:   provider.TaskScreenplay,
		System: "You are a screenwriter for short music films.",
		Prompt: fmt.Sprintf(`Write a three-act screenplay for a two-minute music film.
The song conveys %s in the %s genre. The protagonist is a %s avatar with %s %s hair and %s eyes.
Start every scene with an INT. or EXT. heading and label the acts ACT 1, ACT 2 and ACT 3.

Lyrics:
%s`, in.Emotion, in.Genre, f.Style, f.HairColor, f.HairStyle, f.EyeColor, lyrics),
	})
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errEmptyOutput
	}
	return []Output{{Name: stage.ArtifactScreenplay, Data: []byte(text + "\n")}}, nil
}

// requireUpstream fails fast when a referenced job has not produced its
// deliverables, so a film is never written around a missing song or avatar.
func requireUpstream(ctx context.Context, sc *StepContext) error {
	for _, t := range stage.RequiredReferences(sc.Job.Stage) {
		for _, name := range stage.RequiredArtifacts(t) {
			if _, err := sc.Stat(ctx, t, name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *sequences) screenplayFallback(_ context.Context, _ *StepContext, _ error) ([]Output, error) {
	return []Output{{Name: stage.ArtifactScreenplay, Data: []byte(fallbackScreenplay)}}, nil
}

func (s *sequences) createStoryboard(ctx context.Context, sc *StepContext) ([]Output, error) {
	screenplay, err := sc.Read(ctx, stage.ArtifactScreenplay)
	if err != nil {
		return nil, err
	}
	scenes := parseScenes(string(screenplay))
	if len(scenes) == 0 {
		return nil, errNoScenes
	}
	return storyboardOutput(scenes)
}

func (s *sequences) storyboardFallback(_ context.Context, _ *StepContext, _ error) ([]Output, error) {
	return storyboardOutput(fallbackScenes)
}

func storyboardOutput(scenes []Scene) ([]Output, error) {
	data, err := json.Marshal(Storyboard{Scenes: scenes})
	if err != nil {
		return nil, err
	}
	return []Output{{Name: stage.ArtifactStoryboard, Data: data}}, nil
}

func (s *sequences) loadStoryboard(ctx context.Context, sc *StepContext) (*Storyboard, error) {
	data, err := sc.Read(ctx, stage.ArtifactStoryboard)
	if err != nil {
		return nil, err
	}
	var sb Storyboard
	if err := json.Unmarshal(data, &sb); err != nil {
		return nil, fmt.Errorf("decode storyboard: %w", err)
	}
	if len(sb.Scenes) == 0 {
		return nil, errNoScenes
	}
	return &sb, nil
}

// renderScenes renders every storyboard scene in order. All clips are
// produced before any is stored, so a failed render stores none of them.
func (s *sequences) renderScenes(ctx context.Context, sc *StepContext) ([]Output, error) {
	sb, err := s.loadStoryboard(ctx, sc)
	if err != nil {
		return nil, err
	}
	style := ""
	if data, err := sc.ReadUpstream(ctx, stage.Avatar, stage.ArtifactVisualFeatures); err == nil {
		if f, err := readFeatures(data); err == nil {
			style = f.Style
		}
	}

	outputs := make([]Output, 0, len(sb.Scenes))
	for i, scene := range sb.Scenes {
		m, err := s.providers.Scenes.RenderScene(ctx, provider.SceneRequest{
			Index:       i + 1,
			Title:       scene.Title,
			Description: scene.Description,
			Style:       style,
		})
		out, err := media(stage.SceneVideo(i+1), m, err)
		if err != nil {
			return nil, fmt.Errorf("scene %d: %w", i+1, err)
		}
		outputs = append(outputs, out...)
	}
	return outputs, nil
}

func (s *sequences) editFilm(ctx context.Context, sc *StepContext) ([]Output, error) {
	sb, err := s.loadStoryboard(ctx, sc)
	if err != nil {
		return nil, err
	}

	inputs := make([]provider.Input, 0, len(sb.Scenes)+2)
	for i := range sb.Scenes {
		in, err := sc.Input(ctx, "", stage.SceneVideo(i+1))
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, in)
	}
	avatarVideo, err := sc.Input(ctx, stage.Avatar, stage.ArtifactAvatarVideo)
	if err != nil {
		return nil, err
	}
	music, err := sc.Input(ctx, stage.Music, stage.ArtifactFinalAudio)
	if err != nil {
		return nil, err
	}
	inputs = append(inputs, avatarVideo, music)

	m, err := s.providers.Compositor.Composite(ctx, provider.CompositeRequest{
		JobID:  sc.Job.ID,
		Kind:   provider.EditFilm,
		Inputs: inputs,
	})
	return media(stage.ArtifactFinalFilm, m, err)
}
