package stageexec

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"studio/internal/artifact"
	"studio/internal/provider"
	"studio/internal/stage"
)

// Options tunes the stage sequences.
type Options struct {
	// PublicBaseURL is the root under which publication pages are served.
	PublicBaseURL string
	// ArtifactBaseURL prefixes artifact links on publication pages. Empty
	// yields relative API paths.
	ArtifactBaseURL string
}

// sequences holds the collaborators shared by the four stage sequences.
type sequences struct {
	providers provider.Set
	store     artifact.Store
	opts      Options
}

// Sequences builds the step sequences of all four stages.
func Sequences(p provider.Set, store artifact.Store, opts Options) (map[stage.Type][]Step, error) {
	var missing []string
	for name, set := range map[string]bool{
		"text":       p.Text != nil,
		"music":      p.Music != nil,
		"voice":      p.Voice != nil,
		"avatar":     p.Avatar != nil,
		"animator":   p.Animator != nil,
		"scenes":     p.Scenes != nil,
		"compositor": p.Compositor != nil,
	} {
		if !set {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, fmt.Errorf("providers not configured: %s", strings.Join(missing, ", "))
	}
	if opts.PublicBaseURL == "" {
		return nil, errors.New("public base URL is required")
	}
	if err := artifact.ValidateURL(opts.PublicBaseURL); err != nil {
		return nil, fmt.Errorf("public base URL: %w", err)
	}
	opts.PublicBaseURL = strings.TrimRight(opts.PublicBaseURL, "/")
	opts.ArtifactBaseURL = strings.TrimRight(opts.ArtifactBaseURL, "/")

	s := &sequences{providers: p, store: store, opts: opts}
	return map[stage.Type][]Step{
		stage.Music:       s.music(),
		stage.Avatar:      s.avatar(),
		stage.Film:        s.film(),
		stage.Publication: s.publication(),
	}, nil
}

var errEmptyOutput = errors.New("provider returned empty output")

// media checks a provider result and turns it into an output.
func media(name string, m *provider.Media, err error) ([]Output, error) {
	if err != nil {
		return nil, err
	}
	if m == nil || len(m.Data) == 0 {
		return nil, errEmptyOutput
	}
	return []Output{{Name: name, Data: m.Data}}, nil
}
