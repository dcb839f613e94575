package stageexec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"studio/internal/provider"
	"studio/internal/stage"
)

// Interpretation is the music stage's reading of the creative phrase.
type Interpretation struct {
	Phrase   string   `json:"phrase"`
	Emotion  string   `json:"emotion"`
	Genre    string   `json:"genre"`
	Keywords []string `json:"keywords"`
}

const (
	defaultEmotion = "joy"
	defaultGenre   = "pop"
)

func (s *sequences) music() []Step {
	return []Step{
		{Name: "interpret", Run: s.interpret, Fallback: s.interpretFallback},
		{Name: "lyrics", Run: s.writeLyrics, Fallback: s.lyricsFallback},
		{Name: "instrumental", Run: s.composeInstrumental},
		{Name: "vocal", Run: s.synthesizeVocal},
		{Name: "mix", Run: s.mixAudio},
	}
}

func (s *sequences) interpret(ctx context.Context, sc *StepContext) ([]Output, error) {
	req := sc.Job.Request
	phrase := strings.TrimSpace(req.Phrase)

	// Nothing left to infer when the caller chose both.
	if req.Emotion != "" && req.Genre != "" {
		return interpretationOutput(Interpretation{
			Phrase:   phrase,
			Emotion:  req.Emotion,
			Genre:    req.Genre,
			Keywords: extractKeywords(phrase),
		})
	}

	text, err := s.providers.Text.Complete(ctx, provider.TextPrompt{
		Task:   provider.TaskInterpretation,
		System: "You analyse short creative phrases for songwriters.",
		Prompt: fmt.Sprintf(`Analyse the phrase %q.
Reply with a JSON object with the fields "emotion" (one word), "genre" (one music genre) and "keywords" (up to three words from the phrase).`, phrase),
		JSON: true,
	})
	if err != nil {
		return nil, err
	}

	var in Interpretation
	if err := json.Unmarshal([]byte(text), &in); err != nil {
		return nil, fmt.Errorf("invalid interpretation from provider: %w", err)
	}
	in.Phrase = phrase
	if req.Emotion != "" {
		in.Emotion = req.Emotion
	}
	if req.Genre != "" {
		in.Genre = req.Genre
	}
	if in.Emotion == "" || in.Genre == "" {
		return nil, fmt.Errorf("interpretation is missing emotion or genre")
	}
	if len(in.Keywords) == 0 {
		in.Keywords = extractKeywords(phrase)
	}
	return interpretationOutput(in)
}

func (s *sequences) interpretFallback(_ context.Context, sc *StepContext, _ error) ([]Output, error) {
	req := sc.Job.Request
	in := Interpretation{
		Phrase:   strings.TrimSpace(req.Phrase),
		Emotion:  req.Emotion,
		Genre:    req.Genre,
		Keywords: extractKeywords(req.Phrase),
	}
	if in.Emotion == "" {
		in.Emotion = defaultEmotion
	}
	if in.Genre == "" {
		in.Genre = defaultGenre
	}
	return interpretationOutput(in)
}

func interpretationOutput(in Interpretation) ([]Output, error) {
	if in.Keywords == nil {
		in.Keywords = []string{}
	}
	data, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return []Output{{Name: stage.ArtifactInterpretation, Data: data}}, nil
}

func readInterpretation(data []byte) (*Interpretation, error) {
	var in Interpretation
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode interpretation: %w", err)
	}
	return &in, nil
}

func (s *sequences) loadInterpretation(ctx context.Context, sc *StepContext) (*Interpretation, error) {
	data, err := sc.Read(ctx, stage.ArtifactInterpretation)
	if err != nil {
		return nil, err
	}
	return readInterpretation(data)
}

func (s *sequences) writeLyrics(ctx context.Context, sc *StepContext) ([]Output, error) {
	in, err := s.loadInterpretation(ctx, sc)
	if err != nil {
		return nil, err
	}

	text, err := s.providers.Text.Complete(ctx, provider.TextPrompt{
		Task:   provider.TaskLyrics,
		System: "You are a talented songwriter.",
		Prompt: fmt.Sprintf(`Write song lyrics based on the phrase %q.
The song must convey %s, be in the %s genre and use the keywords: %s.
Structure: VERSE 1, PRE-CHORUS, CHORUS, VERSE 2, FINAL CHORUS, with each section labelled.
Keep the chorus catchy without repeating any word more than four times.`,
			in.Phrase, in.Emotion, in.Genre, strings.Join(in.Keywords, ", ")),
	})
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errEmptyOutput
	}
	return []Output{{Name: stage.ArtifactLyrics, Data: []byte(text + "\n")}}, nil
}

func (s *sequences) lyricsFallback(ctx context.Context, sc *StepContext, _ error) ([]Output, error) {
	in, err := s.loadInterpretation(ctx, sc)
	if err != nil {
		return nil, err
	}
	return []Output{{Name: stage.ArtifactLyrics, Data: []byte(fallbackLyrics(in.Phrase, in.Emotion, in.Genre))}}, nil
}

func (s *sequences) composeInstrumental(ctx context.Context, sc *StepContext) ([]Output, error) {
	in, err := s.loadInterpretation(ctx, sc)
	if err != nil {
		return nil, err
	}
	lyrics, err := sc.Read(ctx, stage.ArtifactLyrics)
	if err != nil {
		return nil, err
	}
	m, err := s.providers.Music.Compose(ctx, provider.CompositionRequest{
		Lyrics:  string(lyrics),
		Genre:   in.Genre,
		Emotion: in.Emotion,
	})
	return media(stage.ArtifactInstrumental, m, err)
}

func (s *sequences) synthesizeVocal(ctx context.Context, sc *StepContext) ([]Output, error) {
	in, err := s.loadInterpretation(ctx, sc)
	if err != nil {
		return nil, err
	}
	lyrics, err := sc.Read(ctx, stage.ArtifactLyrics)
	if err != nil {
		return nil, err
	}
	m, err := s.providers.Voice.Synthesize(ctx, provider.VoiceRequest{
		Lyrics:  string(lyrics),
		Emotion: in.Emotion,
		Sample:  sc.Job.Request.VoiceSample,
	})
	return media(stage.ArtifactVocal, m, err)
}

func (s *sequences) mixAudio(ctx context.Context, sc *StepContext) ([]Output, error) {
	var inputs []provider.Input
	for _, name := range []string{stage.ArtifactInstrumental, stage.ArtifactVocal} {
		in, err := sc.Input(ctx, "", name)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, in)
	}
	m, err := s.providers.Compositor.Composite(ctx, provider.CompositeRequest{
		JobID:  sc.Job.ID,
		Kind:   provider.MixAudio,
		Inputs: inputs,
	})
	return media(stage.ArtifactFinalAudio, m, err)
}
