package stageexec

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net/url"
	"strings"

	"studio/internal/artifact"
	"studio/internal/provider"
	"studio/internal/stage"
)

//go:embed templates/page.html.tmpl
var templateFS embed.FS

var pageTemplate = template.Must(template.ParseFS(templateFS, "templates/page.html.tmpl"))

const defaultArtist = "Studio Artist"

// ManifestAsset is one upstream deliverable compiled for publication.
type ManifestAsset struct {
	Stage     stage.Type `json:"stage"`
	JobID     string     `json:"jobId"`
	Name      string     `json:"name"`
	MediaType string     `json:"mediaType"`
	Size      int64      `json:"size"`
	URL       string     `json:"url"`
}

// Manifest describes the compiled assets of a publication.
type Manifest struct {
	JobID      string          `json:"jobId"`
	ArtistName string          `json:"artistName"`
	Phrase     string          `json:"phrase"`
	Emotion    string          `json:"emotion"`
	Genre      string          `json:"genre"`
	Assets     []ManifestAsset `json:"assets"`
}

func (m *Manifest) url(name string) string {
	for _, a := range m.Assets {
		if a.Name == name {
			return a.URL
		}
	}
	return ""
}

// Sharing holds share links and social metadata for a public page.
type Sharing struct {
	PublicURL string            `json:"publicUrl"`
	Links     map[string]string `json:"links"`
	Metadata  SocialMetadata    `json:"metadata"`
}

// SocialMetadata is the Open Graph style summary of a publication.
type SocialMetadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Image       string `json:"image,omitempty"`
	URL         string `json:"url"`
}

// deliverables are the upstream artifacts compiled into a publication.
var deliverables = []struct {
	stage stage.Type
	names []string
}{
	{stage.Music, []string{stage.ArtifactFinalAudio, stage.ArtifactLyrics}},
	{stage.Avatar, []string{stage.ArtifactAvatarVideo, stage.ArtifactAvatarModel}},
	{stage.Film, []string{stage.ArtifactFinalFilm, stage.ArtifactScreenplay}},
}

func (s *sequences) publication() []Step {
	return []Step{
		{Name: "compile", Run: s.compileAssets},
		{Name: "page", Run: s.renderPage, Fallback: s.pageFallback},
		{Name: "public-url", Run: s.publicURL, Fallback: s.publicURLFallback},
		{Name: "sharing", Run: s.sharing, Fallback: s.sharingFallback},
	}
}

func (s *sequences) artifactURL(jobID, name string) string {
	return fmt.Sprintf("%s/v1/jobs/%s/artifacts/%s", s.opts.ArtifactBaseURL, url.PathEscape(jobID), url.PathEscape(name))
}

func (s *sequences) compileAssets(ctx context.Context, sc *StepContext) ([]Output, error) {
	manifest := Manifest{
		JobID:      sc.Job.ID,
		ArtistName: titleCase(sc.Job.Request.ArtistName),
	}
	var entries []artifact.BundleEntry

	for _, d := range deliverables {
		for _, name := range d.names {
			art, err := sc.Stat(ctx, d.stage, name)
			if err != nil {
				return nil, err
			}
			jobID := art.JobID
			manifest.Assets = append(manifest.Assets, ManifestAsset{
				Stage:     d.stage,
				JobID:     jobID,
				Name:      name,
				MediaType: art.MediaType,
				Size:      art.Size,
				URL:       s.artifactURL(jobID, name),
			})
			entries = append(entries, artifact.BundleEntry{
				JobID: jobID,
				Name:  name,
				Path:  string(d.stage) + "/" + stage.FileName(jobID, name),
			})
		}
	}

	interpData, err := sc.ReadUpstream(ctx, stage.Music, stage.ArtifactInterpretation)
	if err != nil {
		return nil, err
	}
	in, err := readInterpretation(interpData)
	if err != nil {
		return nil, err
	}
	manifest.Phrase, manifest.Emotion, manifest.Genre = in.Phrase, in.Emotion, in.Genre

	var bundle bytes.Buffer
	if err := artifact.WriteBundle(ctx, &bundle, s.store, entries); err != nil {
		return nil, fmt.Errorf("write asset bundle: %w", err)
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	return []Output{
		{Name: stage.ArtifactBundle, Data: bundle.Bytes()},
		{Name: stage.ArtifactManifest, Data: data},
	}, nil
}

func (s *sequences) loadManifest(ctx context.Context, sc *StepContext) (*Manifest, error) {
	data, err := sc.Read(ctx, stage.ArtifactManifest)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode asset manifest: %w", err)
	}
	return &m, nil
}

type pageData struct {
	Artist    string
	Phrase    string
	Tagline   string
	Lyrics    string
	AudioURL  string
	FilmURL   string
	AvatarURL string
	ModelURL  string
	BundleURL string
}

func (s *sequences) newPageData(ctx context.Context, sc *StepContext, m *Manifest) pageData {
	artist := m.ArtistName
	if artist == "" {
		artist = defaultArtist
	}
	d := pageData{
		Artist:    artist,
		Phrase:    m.Phrase,
		AudioURL:  m.url(stage.ArtifactFinalAudio),
		FilmURL:   m.url(stage.ArtifactFinalFilm),
		AvatarURL: m.url(stage.ArtifactAvatarVideo),
		ModelURL:  m.url(stage.ArtifactAvatarModel),
		BundleURL: s.artifactURL(sc.Job.ID, stage.ArtifactBundle),
	}
	if lyrics, err := sc.ReadUpstream(ctx, stage.Music, stage.ArtifactLyrics); err == nil {
		d.Lyrics = strings.TrimSpace(string(lyrics))
	}
	return d
}

func renderPage(d pageData) ([]Output, error) {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, d); err != nil {
		return nil, fmt.Errorf("render page: %w", err)
	}
	return []Output{{Name: stage.ArtifactPage, Data: buf.Bytes()}}, nil
}

func (s *sequences) renderPage(ctx context.Context, sc *StepContext) ([]Output, error) {
	m, err := s.loadManifest(ctx, sc)
	if err != nil {
		return nil, err
	}
	d := s.newPageData(ctx, sc, m)

	tagline, err := s.providers.Text.Complete(ctx, provider.TextPrompt{
		Task:   provider.TaskPageCopy,
		System: "You write short, warm release notes for music pages.",
		Prompt: fmt.Sprintf("Write one sentence introducing a new %s release by %s inspired by the phrase %q. It should feel %s.",
			m.Genre, d.Artist, m.Phrase, m.Emotion),
	})
	if err != nil {
		return nil, err
	}
	d.Tagline = strings.TrimSpace(tagline)
	return renderPage(d)
}

func (s *sequences) pageFallback(ctx context.Context, sc *StepContext, _ error) ([]Output, error) {
	m, err := s.loadManifest(ctx, sc)
	if err != nil {
		return nil, err
	}
	return renderPage(s.newPageData(ctx, sc, m))
}

func (s *sequences) publicURL(_ context.Context, sc *StepContext) ([]Output, error) {
	segments := []string{sc.Job.ID}
	if slug := slugify(sc.Job.Request.ArtistName); slug != "" {
		segments = []string{slug, sc.Job.ID}
	}
	u, err := url.JoinPath(s.opts.PublicBaseURL, segments...)
	if err != nil {
		return nil, fmt.Errorf("build public URL: %w", err)
	}
	if err := artifact.ValidateURL(u); err != nil {
		return nil, err
	}
	return []Output{{Name: stage.ArtifactPublicURL, Data: []byte(u)}}, nil
}

func (s *sequences) publicURLFallback(_ context.Context, sc *StepContext, _ error) ([]Output, error) {
	u := s.opts.PublicBaseURL + "/fallback/" + url.PathEscape(sc.Job.ID)
	return []Output{{Name: stage.ArtifactPublicURL, Data: []byte(u)}}, nil
}

func shareLinks(publicURL string) map[string]string {
	q := url.QueryEscape(publicURL)
	return map[string]string{
		"youtube": "https://youtube.com/upload?url=" + q,
		"tiktok":  "https://www.tiktok.com/upload?url=" + q,
		"spotify": "https://open.spotify.com/share?url=" + q,
	}
}

func (s *sequences) sharing(ctx context.Context, sc *StepContext) ([]Output, error) {
	data, err := sc.Read(ctx, stage.ArtifactPublicURL)
	if err != nil {
		return nil, err
	}
	publicURL := strings.TrimSpace(string(data))
	if err := artifact.ValidateURL(publicURL); err != nil || publicURL == "" {
		return nil, fmt.Errorf("invalid public URL %q", publicURL)
	}
	m, err := s.loadManifest(ctx, sc)
	if err != nil {
		return nil, err
	}

	artist := m.ArtistName
	if artist == "" {
		artist = defaultArtist
	}
	return sharingOutput(Sharing{
		PublicURL: publicURL,
		Links:     shareLinks(publicURL),
		Metadata: SocialMetadata{
			Title:       fmt.Sprintf("%s: %s", artist, m.Phrase),
			Description: fmt.Sprintf("A %s song, avatar and short film by %s.", m.Genre, artist),
			Image:       strings.TrimRight(publicURL, "/") + "/thumbnail.jpg",
			URL:         publicURL,
		},
	})
}

func (s *sequences) sharingFallback(ctx context.Context, sc *StepContext, _ error) ([]Output, error) {
	data, err := sc.Read(ctx, stage.ArtifactPublicURL)
	if err != nil {
		return nil, err
	}
	publicURL := strings.TrimSpace(string(data))
	return sharingOutput(Sharing{
		PublicURL: publicURL,
		Links:     shareLinks(publicURL),
		Metadata: SocialMetadata{
			Title:       "Studio Release",
			Description: "A generated song, avatar and short film.",
			URL:         publicURL,
		},
	})
}

func sharingOutput(sh Sharing) ([]Output, error) {
	data, err := json.Marshal(sh)
	if err != nil {
		return nil, err
	}
	return []Output{{Name: stage.ArtifactSharing, Data: data}}, nil
}
