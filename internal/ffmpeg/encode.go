package ffmpeg

import (
	"context"
	"fmt"
	"strconv"
)

// Settings are the output encoding parameters shared by every render.
type Settings struct {
	VideoCodec   string
	Preset       string
	CRF          int
	PixelFormat  string
	FPS          int
	AudioCodec   string
	AudioBitrate string
	SampleRate   int
}

// DefaultSettings targets broadly playable H.264/AAC MP4.
func DefaultSettings() Settings {
	return Settings{
		VideoCodec:   "libx264",
		Preset:       "veryfast",
		CRF:          20,
		PixelFormat:  "yuv420p",
		FPS:          30,
		AudioCodec:   "aac",
		AudioBitrate: "160k",
		SampleRate:   48000,
	}
}

// EncodeRequest is one render invocation.
type EncodeRequest struct {
	Inputs      []string
	FilterGraph string
	VideoLabel  string
	// AudioLabel is empty when the output has no audio track.
	AudioLabel string
	Output     string
}

// Encoder runs render invocations.
type Encoder struct {
	runner   Runner
	binary   string
	settings Settings
}

// NewEncoder returns an Encoder.
func NewEncoder(runner Runner, binary string, settings Settings) *Encoder {
	return &Encoder{runner: runner, binary: binary, settings: settings}
}

// Binary returns the encoder executable.
func (e *Encoder) Binary() string {
	return e.binary
}

// Args builds the full argument list for req.
func (e *Encoder) Args(req EncodeRequest) []string {
	s := e.settings
	args := []string{"-hide_banner", "-nostdin", "-y", "-loglevel", "error", "-progress", "pipe:1", "-nostats"}
	for _, in := range req.Inputs {
		args = append(args, "-i", in)
	}
	args = append(args,
		"-filter_complex", req.FilterGraph,
		"-map", "["+req.VideoLabel+"]",
	)
	if req.AudioLabel != "" {
		args = append(args, "-map", "["+req.AudioLabel+"]")
	}
	args = append(args,
		"-c:v", s.VideoCodec,
		"-preset", s.Preset,
		"-crf", strconv.Itoa(s.CRF),
		"-pix_fmt", s.PixelFormat,
		"-r", strconv.Itoa(s.FPS),
	)
	if req.AudioLabel != "" {
		args = append(args,
			"-c:a", s.AudioCodec,
			"-b:a", s.AudioBitrate,
			"-ar", strconv.Itoa(s.SampleRate),
			"-ac", "2",
		)
	} else {
		args = append(args, "-an")
	}
	return append(args, "-movflags", "+faststart", req.Output)
}

// Encode runs the render and reports every progress block to onProgress.
func (e *Encoder) Encode(ctx context.Context, req EncodeRequest, onProgress func(Progress)) error {
	var parser ProgressParser
	_, err := e.runner.Stream(ctx, e.binary, e.Args(req), func(line string) {
		if p, ok := parser.Feed(line); ok && onProgress != nil {
			onProgress(p)
		}
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", req.Output, err)
	}
	return nil
}
