// Package mock provides a deterministic in-process implementation of every
// provider capability. The service uses it when no real provider is
// configured, and tests use it to inject failures and delays.
package mock

import (
	"context"
	"encoding/binary"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"studio/internal/apperrors"
	"studio/internal/provider"
)

var (
	_ provider.TextGenerator    = (*Provider)(nil)
	_ provider.MusicGenerator   = (*Provider)(nil)
	_ provider.VoiceSynthesizer = (*Provider)(nil)
	_ provider.AvatarGenerator  = (*Provider)(nil)
	_ provider.Animator         = (*Provider)(nil)
	_ provider.SceneRenderer    = (*Provider)(nil)
	_ provider.Compositor       = (*Provider)(nil)
)

// Operation names used for failure injection and call recording.
const (
	OpCompose    = "compose"
	OpSynthesize = "synthesize"
	OpGenerate   = "generate"
	OpAnimate    = "animate"
	OpRender     = "render"
)

// OpComplete names a text completion for a task.
func OpComplete(task string) string { return "complete." + task }

// OpComposite names a compositing request of a kind.
func OpComposite(kind provider.CompositeKind) string { return "composite." + string(kind) }

const providerName = "mock"

// Provider is a scripted provider. The zero value is not usable; use New.
type Provider struct {
	mu       sync.Mutex
	failures map[string]error
	texts    map[string]string
	delay    time.Duration
	calls    []string
}

// Option configures a Provider.
type Option func(*Provider)

// WithFailure makes every call of op fail with cause wrapped as a provider error.
func WithFailure(op string, cause error) Option {
	return func(p *Provider) { p.failures[op] = cause }
}

// WithText overrides the completion returned for a text task.
func WithText(task, text string) Option {
	return func(p *Provider) { p.texts[task] = text }
}

// WithDelay makes every call take d, or until its context ends.
func WithDelay(d time.Duration) Option {
	return func(p *Provider) { p.delay = d }
}

// New creates a mock provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		failures: make(map[string]error),
		texts:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Set returns the provider as every capability.
func (p *Provider) Set() provider.Set {
	return provider.Set{
		Text:       p,
		Music:      p,
		Voice:      p,
		Avatar:     p,
		Animator:   p,
		Scenes:     p,
		Compositor: p,
	}
}

// Fail injects a failure for op after construction.
func (p *Provider) Fail(op string, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = cause
}

// Calls returns the operations invoked so far, in order.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}

// Called reports whether op was invoked.
func (p *Provider) Called(op string) bool {
	return slices.Contains(p.Calls(), op)
}

func (p *Provider) begin(ctx context.Context, op string) error {
	p.mu.Lock()
	p.calls = append(p.calls, op)
	cause := p.failures[op]
	delay := p.delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if cause != nil {
		return apperrors.Provider(providerName, op, cause)
	}
	return ctx.Err()
}

func (p *Provider) Complete(ctx context.Context, prompt provider.TextPrompt) (string, error) {
	if err := p.begin(ctx, OpComplete(prompt.Task)); err != nil {
		return "", err
	}
	p.mu.Lock()
	text, ok := p.texts[prompt.Task]
	p.mu.Unlock()
	if ok {
		return text, nil
	}

	switch prompt.Task {
	case provider.TaskInterpretation:
		return `{"emotion":"hope","genre":"pop","keywords":["sunrise","chasing"]}`, nil
	case provider.TaskLyrics:
		return "VERSE 1\n" + firstLine(prompt.Prompt) + "\n\nCHORUS\nWe keep on rising\n", nil
	case provider.TaskVisualFeatures:
		return `{"faceShape":"heart","skinTone":"olive","hairColor":"black","hairStyle":"long","eyeColor":"green"}`, nil
	case provider.TaskScreenplay:
		return sampleScreenplay, nil
	default:
		return "Generated: " + firstLine(prompt.Prompt), nil
	}
}

func (p *Provider) Compose(ctx context.Context, req provider.CompositionRequest) (*provider.Media, error) {
	if err := p.begin(ctx, OpCompose); err != nil {
		return nil, err
	}
	return audio("instrumental " + req.Genre), nil
}

func (p *Provider) Synthesize(ctx context.Context, req provider.VoiceRequest) (*provider.Media, error) {
	if err := p.begin(ctx, OpSynthesize); err != nil {
		return nil, err
	}
	return audio("vocal " + req.Emotion), nil
}

func (p *Provider) Generate(ctx context.Context, req provider.AvatarRequest) (*provider.Media, error) {
	if err := p.begin(ctx, OpGenerate); err != nil {
		return nil, err
	}
	return &provider.Media{MediaType: "model/gltf-binary", Data: glb(req.Style)}, nil
}

func (p *Provider) Animate(ctx context.Context, req provider.AnimationRequest) (*provider.Media, error) {
	if err := p.begin(ctx, OpAnimate); err != nil {
		return nil, err
	}
	body := fmt.Sprintf(`{"clip":"lipsync","modelBytes":%d,"audioBytes":%d,"fps":30}`, len(req.Model), len(req.Audio))
	return &provider.Media{MediaType: "application/json", Data: []byte(body)}, nil
}

func (p *Provider) RenderScene(ctx context.Context, req provider.SceneRequest) (*provider.Media, error) {
	if err := p.begin(ctx, OpRender); err != nil {
		return nil, err
	}
	return video(fmt.Sprintf("scene %d %s", req.Index, req.Title)), nil
}

func (p *Provider) Composite(ctx context.Context, req provider.CompositeRequest) (*provider.Media, error) {
	if err := p.begin(ctx, OpComposite(req.Kind)); err != nil {
		return nil, err
	}
	names := make([]string, len(req.Inputs))
	for i, in := range req.Inputs {
		names[i] = in.Name
	}
	label := string(req.Kind) + " " + strings.Join(names, "+")
	if req.Kind == provider.MixAudio {
		return audio(label), nil
	}
	return video(label), nil
}

func audio(label string) *provider.Media {
	return &provider.Media{MediaType: "audio/mpeg", Data: append([]byte("ID3\x04\x00\x00"), label...)}
}

func video(label string) *provider.Media {
	header := []byte{0, 0, 0, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm'}
	return &provider.Media{MediaType: "video/mp4", Data: append(header, label...)}
}

// glb returns a minimal binary glTF header followed by a JSON chunk naming the style.
func glb(style string) []byte {
	chunk := fmt.Sprintf(`{"asset":{"version":"2.0","generator":"mock"},"extras":{"style":%q}}`, style)
	for len(chunk)%4 != 0 {
		chunk += " "
	}
	out := make([]byte, 20, 20+len(chunk))
	copy(out[0:4], "glTF")
	binary.LittleEndian.PutUint32(out[4:8], 2)
	binary.LittleEndian.PutUint32(out[8:12], uint32(20+len(chunk)))
	binary.LittleEndian.PutUint32(out[12:16], uint32(len(chunk)))
	copy(out[16:20], "JSON")
	return append(out, chunk...)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}

const sampleScreenplay = `TITLE: "SUNRISE"

FADE IN:

EXT. CITY ROOFTOP - NIGHT

The ARTIST stands alone above the city lights, humming the first verse.

INT. STUDIO - DAWN

Headphones on, the ARTIST records the chorus as light creeps in.

EXT. HILLTOP - SUNRISE

The ARTIST reaches the summit as the sun breaks the horizon.

FADE OUT.
`
