package docker

import (
	"fmt"
	"path"
	"strings"

	"studio/internal/provider"
)

// command is the ffmpeg invocation for one compositing run. The output path
// is appended by the caller.
type command struct {
	args      []string
	extension string
	mediaType string
}

const (
	mediaAudio = "audio/mpeg"
	mediaVideo = "video/mp4"
)

func buildCommand(req provider.CompositeRequest) (*command, error) {
	var audio, video []string
	for _, in := range req.Inputs {
		if in.Location == "" || strings.Contains(in.Location, "..") {
			return nil, fmt.Errorf("input %q has an invalid location", in.Name)
		}
		p := path.Join(mountPoint, in.Location)
		switch {
		case strings.HasPrefix(in.MediaType, "audio/"):
			audio = append(audio, p)
		case strings.HasPrefix(in.MediaType, "video/"):
			video = append(video, p)
		}
	}

	base := []string{"-hide_banner", "-loglevel", "error", "-y"}

	switch req.Kind {
	case provider.MixAudio:
		if len(audio) < 2 {
			return nil, fmt.Errorf("mix needs at least two audio inputs, got %d", len(audio))
		}
		args := base
		for _, a := range audio {
			args = append(args, "-i", a)
		}
		args = append(args,
			"-filter_complex", fmt.Sprintf("amix=inputs=%d:duration=longest", len(audio)),
			"-c:a", "libmp3lame", "-q:a", "2",
		)
		return &command{args: args, extension: ".mp3", mediaType: mediaAudio}, nil

	case provider.RenderAvatar:
		if len(audio) != 1 {
			return nil, fmt.Errorf("avatar render needs exactly one audio input, got %d", len(audio))
		}
		args := append(base,
			"-f", "lavfi", "-i", "color=c=0x1d1f2b:s=1280x720:r=30",
			"-i", audio[0],
			"-shortest",
			"-c:v", "libx264", "-pix_fmt", "yuv420p",
			"-c:a", "aac",
		)
		return &command{args: args, extension: ".mp4", mediaType: mediaVideo}, nil

	case provider.EditFilm:
		if len(video) == 0 {
			return nil, fmt.Errorf("film edit needs at least one video input")
		}
		if len(audio) != 1 {
			return nil, fmt.Errorf("film edit needs exactly one audio input, got %d", len(audio))
		}
		args := base
		var filter strings.Builder
		for i, v := range video {
			args = append(args, "-i", v)
			fmt.Fprintf(&filter, "[%d:v]scale=1280:720,setsar=1[v%d];", i, i)
		}
		for i := range video {
			fmt.Fprintf(&filter, "[v%d]", i)
		}
		fmt.Fprintf(&filter, "concat=n=%d:v=1:a=0[outv]", len(video))
		args = append(args,
			"-i", audio[0],
			"-filter_complex", filter.String(),
			"-map", "[outv]", "-map", fmt.Sprintf("%d:a", len(video)),
			"-shortest",
			"-c:v", "libx264", "-pix_fmt", "yuv420p",
			"-c:a", "aac",
		)
		return &command{args: args, extension: ".mp4", mediaType: mediaVideo}, nil

	default:
		return nil, fmt.Errorf("unknown composite kind %q", req.Kind)
	}
}
