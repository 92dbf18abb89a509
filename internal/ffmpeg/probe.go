package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

var (
	durationRe    = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	videoStreamRe = regexp.MustCompile(`Stream #\d+:\d+.*?: Video: .*?[ ,](\d{2,5})x(\d{2,5})`)
	audioStreamRe = regexp.MustCompile(`Stream #\d+:\d+.*?: Audio: `)
)

// Probe holds the facts read from an input's diagnostic banner. Nil fields
// were not reported by the encoder.
type Probe struct {
	DurationSeconds *float64 `json:"durationSeconds"`
	HasAudio        bool     `json:"hasAudio"`
	Width           *int     `json:"width"`
	Height          *int     `json:"height"`
}

// Prober inspects input files.
type Prober struct {
	runner Runner
	binary string
}

// NewProber returns a Prober that invokes binary through runner.
func NewProber(runner Runner, binary string) *Prober {
	return &Prober{runner: runner, binary: binary}
}

// Probe runs the encoder against path without an output, which makes it print
// the input banner and exit non-zero. The exit status is ignored; an error is
// returned only when the encoder could not be run at all.
func (p *Prober) Probe(ctx context.Context, path string) (Probe, error) {
	res, err := p.runner.Run(ctx, p.binary, "-hide_banner", "-nostdin", "-i", path)
	if err != nil {
		if ctx.Err() != nil {
			return Probe{}, ctx.Err()
		}
		var cmdErr *CommandError
		if !errors.As(err, &cmdErr) || !cmdErr.Started() {
			return Probe{}, fmt.Errorf("probe %s: %w", path, err)
		}
	}
	return ParseProbe(res.Stderr + "\n" + res.Stdout), nil
}

// ParseProbe extracts duration, dimensions and audio presence from banner text.
func ParseProbe(text string) Probe {
	var p Probe
	if m := durationRe.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		mins, _ := strconv.Atoi(m[2])
		sec, _ := strconv.ParseFloat(m[3], 64)
		d := float64(h*3600+mins*60) + sec
		p.DurationSeconds = &d
	}
	if m := videoStreamRe.FindStringSubmatch(text); m != nil {
		w, _ := strconv.Atoi(m[1])
		h, _ := strconv.Atoi(m[2])
		p.Width = &w
		p.Height = &h
	}
	p.HasAudio = audioStreamRe.MatchString(text)
	return p
}

// Duration returns the probed duration and whether it is known.
func (p Probe) Duration() (float64, bool) {
	if p.DurationSeconds == nil {
		return 0, false
	}
	return *p.DurationSeconds, true
}
