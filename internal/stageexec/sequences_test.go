package stageexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"

	"studio/internal/apperrors"
	"studio/internal/artifact"
	"studio/internal/provider"
	"studio/internal/provider/mock"
	"studio/internal/stage"
)

const testBaseURL = "https://studio.example.com/p"

type harness struct {
	t     *testing.T
	store *artifact.FileStore
	mock  *mock.Provider
	exec  *Executor
}

func newHarness(t *testing.T, opts ...mock.Option) *harness {
	t.Helper()
	store := newTestStore(t)
	m := mock.New(opts...)
	seqs, err := Sequences(m.Set(), store, Options{PublicBaseURL: testBaseURL})
	if err != nil {
		t.Fatalf("Failed to build sequences: %v", err)
	}
	return &harness{t: t, store: store, mock: m, exec: NewExecutor(store, seqs, Config{})}
}

func (h *harness) run(id string, st stage.Type, req stage.Request, refs stage.References) *Result {
	h.t.Helper()
	req.ApplyDefaults(st)
	return h.exec.Execute(context.Background(), &Job{ID: id, Stage: st, Request: req, References: refs}, nil)
}

func (h *harness) mustSucceed(id string, st stage.Type, req stage.Request, refs stage.References) *Result {
	h.t.Helper()
	result := h.run(id, st, req, refs)
	if !result.Succeeded() {
		h.t.Fatalf("%s job %s failed: %+v", st, id, result.Failure)
	}
	return result
}

func (h *harness) read(jobID, name string) []byte {
	h.t.Helper()
	data, _, err := artifact.ReadAll(context.Background(), h.store, jobID, name)
	if err != nil {
		h.t.Fatalf("read %s/%s: %v", jobID, name, err)
	}
	return data
}

// chain runs music, avatar and film jobs and returns their references.
func (h *harness) chain() stage.References {
	h.t.Helper()
	h.mustSucceed("m1", stage.Music, stage.Request{Phrase: "chasing the sunrise", Genre: "pop", Emotion: "hope"}, nil)
	h.mustSucceed("a1", stage.Avatar, stage.Request{VisualDescription: "short dark hair, freckles", Style: "anime"}, stage.References{stage.Music: "m1"})
	h.mustSucceed("f1", stage.Film, stage.Request{}, stage.References{stage.Music: "m1", stage.Avatar: "a1"})
	return stage.References{stage.Music: "m1", stage.Avatar: "a1", stage.Film: "f1"}
}

func TestSequences_RequiresEveryProvider(t *testing.T) {
	t.Parallel()
	set := mock.New().Set()
	set.Scenes = nil
	set.Voice = nil
	_, err := Sequences(set, newTestStore(t), Options{PublicBaseURL: testBaseURL})
	if err == nil || !strings.Contains(err.Error(), "scenes, voice") {
		t.Fatalf("expected missing providers error, got %v", err)
	}

	_, err = Sequences(mock.New().Set(), newTestStore(t), Options{PublicBaseURL: "ftp://nope"})
	if err == nil {
		t.Fatal("expected invalid base URL error")
	}
}

func TestMusic_HappyPath(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	result := h.mustSucceed("m1", stage.Music, stage.Request{Phrase: "chasing the sunrise", Genre: "pop", Emotion: "hope"}, nil)

	if len(result.Degraded) != 0 {
		t.Errorf("expected no degraded artifacts, got %v", result.Degraded)
	}
	audio := h.read("m1", stage.ArtifactFinalAudio)
	if len(audio) == 0 {
		t.Fatal("final audio is empty")
	}
	// Emotion and genre were both given
	if h.mock.Called(mock.OpComplete(provider.TaskInterpretation)) {
		t.Error("interpretation should not call the text provider when emotion and genre are given")
	}

	var in Interpretation
	if err := json.Unmarshal(h.read("m1", stage.ArtifactInterpretation), &in); err != nil {
		t.Fatal(err)
	}
	if in.Emotion != "hope" || in.Genre != "pop" {
		t.Errorf("interpretation = %+v", in)
	}
	if !slices.Contains(in.Keywords, "sunrise") {
		t.Errorf("keywords = %v", in.Keywords)
	}
}

func TestMusic_InterpretationUsesProviderAndUserOverrides(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.mustSucceed("m2", stage.Music, stage.Request{Phrase: "neon rain", Genre: "synthwave"}, nil)

	if !h.mock.Called(mock.OpComplete(provider.TaskInterpretation)) {
		t.Fatal("expected an interpretation call")
	}
	var in Interpretation
	if err := json.Unmarshal(h.read("m2", stage.ArtifactInterpretation), &in); err != nil {
		t.Fatal(err)
	}
	if in.Genre != "synthwave" {
		t.Errorf("user genre must win, got %q", in.Genre)
	}
	if in.Emotion != "hope" {
		t.Errorf("emotion should come from the provider, got %q", in.Emotion)
	}
}

func TestMusic_TextFailuresFallBack(t *testing.T) {
	t.Parallel()
	outage := errors.New("text model unavailable")
	h := newHarness(t,
		mock.WithFailure(mock.OpComplete(provider.TaskInterpretation), outage),
		mock.WithFailure(mock.OpComplete(provider.TaskLyrics), outage),
	)
	result := h.mustSucceed("m3", stage.Music, stage.Request{Phrase: "Chasing the SUNRISE!"}, nil)

	if !slices.Equal(result.Degraded, []string{stage.ArtifactInterpretation, stage.ArtifactLyrics}) {
		t.Errorf("degraded = %v", result.Degraded)
	}
	var in Interpretation
	if err := json.Unmarshal(h.read("m3", stage.ArtifactInterpretation), &in); err != nil {
		t.Fatal(err)
	}
	if in.Emotion != defaultEmotion || in.Genre != defaultGenre {
		t.Errorf("fallback interpretation = %+v", in)
	}
	lyrics := string(h.read("m3", stage.ArtifactLyrics))
	for _, section := range []string{"VERSE 1", "PRE-CHORUS", "CHORUS", "VERSE 2", "FINAL CHORUS"} {
		if !strings.Contains(lyrics, section) {
			t.Errorf("template lyrics missing %s", section)
		}
	}
}

func TestMusic_MixFailureKeepsEarlierArtifacts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, mock.WithFailure(mock.OpComposite(provider.MixAudio), errors.New("ffmpeg crashed")))
	result := h.run("m4", stage.Music, stage.Request{Phrase: "glass city", Genre: "rock", Emotion: "anger"}, nil)

	if result.Succeeded() {
		t.Fatal("expected failure")
	}
	if result.Failure.Step != "mix" {
		t.Errorf("failed step = %q", result.Failure.Step)
	}
	if result.Failure.Kind != apperrors.KindSubStepFailure {
		t.Errorf("kind = %q", result.Failure.Kind)
	}
	for _, name := range []string{stage.ArtifactLyrics, stage.ArtifactInstrumental, stage.ArtifactVocal} {
		if ok, _ := h.store.Exists(context.Background(), "m4", name); !ok {
			t.Errorf("%s should remain after the mix failed", name)
		}
	}
}

func TestAvatar_MalformedImageFallsBack(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.mustSucceed("m1", stage.Music, stage.Request{Phrase: "p", Genre: "pop", Emotion: "hope"}, nil)

	result := h.mustSucceed("a1", stage.Avatar, stage.Request{Image: []byte("definitely not a png")}, stage.References{stage.Music: "m1"})
	if !slices.Equal(result.Degraded, []string{stage.ArtifactVisualFeatures}) {
		t.Errorf("degraded = %v, want [visual-features]", result.Degraded)
	}

	f, err := readFeatures(h.read("a1", stage.ArtifactVisualFeatures))
	if err != nil {
		t.Fatal(err)
	}
	if f.Source != "default" || f.FaceShape != "oval" || f.Style != stage.StyleRealistic {
		t.Errorf("fallback features = %+v", f)
	}
	for _, name := range stage.RequiredArtifacts(stage.Avatar) {
		if ok, _ := h.store.Exists(context.Background(), "a1", name); !ok {
			t.Errorf("missing %s", name)
		}
	}
	if !isGLB(h.read("a1", stage.ArtifactAvatarModel)) {
		t.Error("exported model is not a GLB")
	}
}

func TestAvatar_BaseModelFallback(t *testing.T) {
	t.Parallel()
	h := newHarness(t, mock.WithFailure(mock.OpGenerate, errors.New("gpu busy")))
	h.mustSucceed("m1", stage.Music, stage.Request{Phrase: "p", Genre: "pop", Emotion: "hope"}, nil)
	result := h.mustSucceed("a1", stage.Avatar, stage.Request{VisualDescription: "tall, red hair"}, stage.References{stage.Music: "m1"})

	if !slices.Equal(result.Degraded, []string{stage.ArtifactAvatarBase}) {
		t.Errorf("degraded = %v", result.Degraded)
	}
	model := h.read("a1", stage.ArtifactAvatarBase)
	if !isGLB(model) || !bytes.Contains(model, []byte(`"faceShape":"heart"`)) {
		t.Error("placeholder model should embed the visual features")
	}
}

func TestAvatar_MissingMusicFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	result := h.run("a2", stage.Avatar, stage.Request{VisualDescription: "x"}, stage.References{stage.Music: "nope"})
	if result.Succeeded() {
		t.Fatal("expected failure")
	}
	if result.Failure.Step != "animation" {
		t.Errorf("failed step = %q, want animation", result.Failure.Step)
	}
	if slices.Contains(result.Degraded, stage.ArtifactAnimation) {
		t.Error("idle animation must not replace a missing music track")
	}
}

func TestFilm_MissingUpstreamFailsAtScreenplay(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	result := h.run("f1", stage.Film, stage.Request{}, stage.References{stage.Music: "missing-music", stage.Avatar: "a1"})

	if result.Succeeded() {
		t.Fatal("expected failure")
	}
	if result.Failure.Step != "screenplay" {
		t.Errorf("failed step = %q, want screenplay", result.Failure.Step)
	}
	if result.Failure.Kind != apperrors.KindSubStepFailure {
		t.Errorf("kind = %q, want %q", result.Failure.Kind, apperrors.KindSubStepFailure)
	}
	if !strings.Contains(result.Failure.Message, "missing-music") {
		t.Errorf("message should cite the missing reference: %q", result.Failure.Message)
	}
	if h.mock.Called(mock.OpComplete(provider.TaskScreenplay)) {
		t.Error("screenplay provider must not be called without upstream inputs")
	}
}

func TestFilm_MalformedReferenceFailsAtScreenplay(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.mustSucceed("m1", stage.Music, stage.Request{Phrase: "chasing the sunrise", Genre: "pop", Emotion: "hope"}, nil)
	result := h.run("f2", stage.Film, stage.Request{}, stage.References{stage.Music: "m1", stage.Avatar: "no such avatar!"})

	if result.Succeeded() {
		t.Fatal("expected failure")
	}
	if result.Failure.Step != "screenplay" || result.Failure.Kind != apperrors.KindSubStepFailure {
		t.Errorf("failure = %+v, want sub-step failure at screenplay", result.Failure)
	}
	if !strings.Contains(result.Failure.Message, "no such avatar!") {
		t.Errorf("message should cite the bad reference: %q", result.Failure.Message)
	}
	if len(result.Degraded) != 0 {
		t.Errorf("no fallback should stand in for a bad reference, degraded %v", result.Degraded)
	}
	if ok, _ := h.store.Exists(context.Background(), "f2", stage.ArtifactScreenplay); ok {
		t.Error("no screenplay should be stored")
	}
}

func TestFilm_ScenesFromScreenplay(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	refs := h.chain()

	var sb Storyboard
	if err := json.Unmarshal(h.read(refs[stage.Film], stage.ArtifactStoryboard), &sb); err != nil {
		t.Fatal(err)
	}
	if len(sb.Scenes) != 3 || !strings.HasPrefix(sb.Scenes[0].Title, "EXT. CITY ROOFTOP") {
		t.Errorf("storyboard = %+v", sb.Scenes)
	}
	for i := range sb.Scenes {
		if ok, _ := h.store.Exists(context.Background(), refs[stage.Film], stage.SceneVideo(i+1)); !ok {
			t.Errorf("missing scene clip %d", i+1)
		}
	}
	if len(h.read(refs[stage.Film], stage.ArtifactFinalFilm)) == 0 {
		t.Error("final film is empty")
	}
}

func TestFilm_StoryboardFallback(t *testing.T) {
	t.Parallel()
	h := newHarness(t, mock.WithText(provider.TaskScreenplay, "A film with no headings at all."))
	h.mustSucceed("m1", stage.Music, stage.Request{Phrase: "p", Genre: "pop", Emotion: "hope"}, nil)
	h.mustSucceed("a1", stage.Avatar, stage.Request{VisualDescription: "x"}, stage.References{stage.Music: "m1"})
	result := h.mustSucceed("f1", stage.Film, stage.Request{}, stage.References{stage.Music: "m1", stage.Avatar: "a1"})

	if !slices.Equal(result.Degraded, []string{stage.ArtifactStoryboard}) {
		t.Errorf("degraded = %v", result.Degraded)
	}
	var sb Storyboard
	if err := json.Unmarshal(h.read("f1", stage.ArtifactStoryboard), &sb); err != nil {
		t.Fatal(err)
	}
	if len(sb.Scenes) != 3 || sb.Scenes[1].Title != "ACT 2: CONFLICT" {
		t.Errorf("fallback storyboard = %+v", sb.Scenes)
	}
}

func TestFilm_SceneRenderFailureStoresNoClips(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.mustSucceed("m1", stage.Music, stage.Request{Phrase: "p", Genre: "pop", Emotion: "hope"}, nil)
	h.mustSucceed("a1", stage.Avatar, stage.Request{VisualDescription: "x"}, stage.References{stage.Music: "m1"})
	h.mock.Fail(mock.OpRender, errors.New("renderer down"))

	result := h.run("f1", stage.Film, stage.Request{}, stage.References{stage.Music: "m1", stage.Avatar: "a1"})
	if result.Succeeded() || result.Failure.Step != "scenes" {
		t.Fatalf("expected failure at scenes, got %+v", result.Failure)
	}
	if ok, _ := h.store.Exists(context.Background(), "f1", stage.SceneVideo(1)); ok {
		t.Error("no clip should be stored when rendering fails")
	}
	if ok, _ := h.store.Exists(context.Background(), "f1", stage.ArtifactScreenplay); !ok {
		t.Error("screenplay should remain for debugging")
	}
}

func TestPublication_HappyPath(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	refs := h.chain()
	result := h.mustSucceed("p1", stage.Publication, stage.Request{ArtistName: "nova lights"}, refs)
	if len(result.Degraded) != 0 {
		t.Errorf("degraded = %v", result.Degraded)
	}

	page := string(h.read("p1", stage.ArtifactPage))
	if !strings.Contains(page, "<h1>Nova Lights</h1>") {
		t.Error("page should show the title-cased artist name")
	}
	if !strings.Contains(page, "/v1/jobs/f1/artifacts/final-film") {
		t.Error("page should link the final film")
	}

	publicURL := string(h.read("p1", stage.ArtifactPublicURL))
	if publicURL != testBaseURL+"/nova-lights/p1" {
		t.Errorf("public URL = %q", publicURL)
	}

	var sh Sharing
	if err := json.Unmarshal(h.read("p1", stage.ArtifactSharing), &sh); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(sh.Links["youtube"], "https://youtube.com/upload?url=") {
		t.Errorf("links = %v", sh.Links)
	}
	if sh.Metadata.Title != "Nova Lights: chasing the sunrise" {
		t.Errorf("title = %q", sh.Metadata.Title)
	}
	if sh.Metadata.Image != publicURL+"/thumbnail.jpg" {
		t.Errorf("image = %q", sh.Metadata.Image)
	}

	var manifest Manifest
	if err := json.Unmarshal(h.read("p1", stage.ArtifactManifest), &manifest); err != nil {
		t.Fatal(err)
	}
	if len(manifest.Assets) != 6 {
		t.Errorf("manifest assets = %d, want 6", len(manifest.Assets))
	}
	if len(h.read("p1", stage.ArtifactBundle)) == 0 {
		t.Error("asset bundle is empty")
	}
}

func TestPublication_PageFallbackAndAnonymousURL(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	refs := h.chain()
	h.mock.Fail(mock.OpComplete(provider.TaskPageCopy), errors.New("rate limited"))

	result := h.mustSucceed("p2", stage.Publication, stage.Request{}, refs)
	if !slices.Equal(result.Degraded, []string{stage.ArtifactPage}) {
		t.Errorf("degraded = %v", result.Degraded)
	}
	if !strings.Contains(string(h.read("p2", stage.ArtifactPage)), defaultArtist) {
		t.Error("basic page should use the default artist name")
	}
	if got := string(h.read("p2", stage.ArtifactPublicURL)); got != testBaseURL+"/p2" {
		t.Errorf("public URL = %q", got)
	}
}

func TestPublication_MissingFilmFailsAtCompile(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	refs := h.chain()
	refs[stage.Film] = "never-ran"

	result := h.run("p3", stage.Publication, stage.Request{}, refs)
	if result.Succeeded() || result.Failure.Step != "compile" {
		t.Fatalf("expected failure at compile, got %+v", result.Failure)
	}
	if !strings.Contains(result.Failure.Message, "never-ran") {
		t.Errorf("message = %q", result.Failure.Message)
	}
}
