// Package filtergraph translates normalized controls and probed clip facts
// into the encoder's -filter_complex text. Everything here is pure: the
// builder never touches the filesystem and returns the overlay text files it
// references so the caller can write them.
package filtergraph

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/reelpair/reelpair/internal/controls"
	"github.com/reelpair/reelpair/internal/ffmpeg"
)

// Geometry defaults. They are tuning values, not invariants.
const (
	CanvasWidth  = 1080
	CanvasHeight = 1920
	FPS          = 30
	SampleRate   = 48000

	PreviewWidth = 360
	MinFontPx    = 10
	MaxFontPx    = 240

	blurRadius = 20
)

// ErrDurationRequired is returned when a composition needs clip durations
// that the probe could not determine.
var ErrDurationRequired = errors.New("clip duration could not be determined")

// Features are the optional capabilities an attempt may use.
type Features struct {
	Text      bool `json:"text"`
	Fade      bool `json:"fade"`
	AudioFade bool `json:"audioFade"`
}

// Options is the full input of Build.
type Options struct {
	Controls controls.Controls
	Before   ffmpeg.Probe
	After    ffmpeg.Probe
	Features Features
	// TextDir is where overlay text files are expected to live.
	TextDir  string
	FontFile string
}

// Graph is a built filter graph plus what it actually ended up using.
type Graph struct {
	Filter     string
	VideoLabel string
	AudioLabel string
	// TextFiles maps file path to content for every textfile= reference.
	TextFiles map[string]string

	TextApplied bool
	FadeApplied bool
	FadeSeconds float64
	FadeOffset  float64
	// DurationSeconds is the expected output length, 0 when unknown.
	DurationSeconds float64
	Notes           []string
}

// Build dispatches on the composition mode.
func Build(opts Options) (Graph, error) {
	switch opts.Controls.Mode {
	case controls.ModeSideBySide:
		return buildSideBySide(opts)
	default:
		return buildSequential(opts), nil
	}
}

// audioWanted reports whether both clips carry audio the user asked for.
func audioWanted(opts Options) (bool, string) {
	if !opts.Controls.IncludeAudio {
		return false, ""
	}
	if !opts.Before.HasAudio || !opts.After.HasAudio {
		return false, "audio omitted: both clips need an audio track"
	}
	return true, ""
}

// audioChain resamples input idx to the common format and, when the duration
// is known, pads or trims it to match the video segment.
func audioChain(idx int, duration float64, out string) string {
	chain := fmt.Sprintf("[%d:a]aresample=%d,aformat=sample_fmts=fltp:channel_layouts=stereo,asetpts=PTS-STARTPTS", idx, SampleRate)
	if duration > 0 {
		chain += ",apad,atrim=duration=" + num(duration)
	}
	return chain + "[" + out + "]"
}

func colorFilter(c controls.Controls) string {
	if !c.HasColorFilter() {
		return ""
	}
	return fmt.Sprintf("eq=brightness=%s:contrast=%s:saturation=%s",
		num(float64(c.Brightness)/100), num(float64(c.Contrast)/100), num(float64(c.Saturation)/100))
}

// num formats seconds and ratios with millisecond precision and no trailing
// zeros.
func num(v float64) string {
	return strconv.FormatFloat(math.Round(v*1000)/1000, 'f', -1, 64)
}

// joinFilters joins non-empty filter fragments of one chain.
func joinFilters(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ",")
}
