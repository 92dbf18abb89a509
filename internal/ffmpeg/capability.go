package ffmpeg

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

var (
	versionRe    = regexp.MustCompile(`^\S+ version n?(\d+)\.(\d+)`)
	xfadeRe      = regexp.MustCompile(`\bxfade\b`)
	acrossfadeRe = regexp.MustCompile(`\bacrossfade\b`)
	drawtextRe   = regexp.MustCompile(`\bdrawtext\b`)
)

// Capabilities describes what the installed encoder supports. The zero value
// is the conservative set: nothing optional is available.
type Capabilities struct {
	VersionRaw   string `json:"versionRaw"`
	Major        int    `json:"major"`
	Minor        int    `json:"minor"`
	HasVideoFade bool   `json:"hasVideoFade"`
	HasAudioFade bool   `json:"hasAudioFade"`
	HasDrawText  bool   `json:"hasDrawText"`
}

// VersionKnown reports whether the version line parsed.
func (c Capabilities) VersionKnown() bool {
	return c.Major > 0
}

// VersionAtLeast compares the parsed version. An unknown version never
// satisfies a minimum.
func (c Capabilities) VersionAtLeast(major, minor int) bool {
	if !c.VersionKnown() {
		return false
	}
	if c.Major != major {
		return c.Major > major
	}
	return c.Minor >= minor
}

// FadeSupported reports whether a video cross-fade can be attempted. Builds
// with an unparseable version string (git snapshots) are trusted on the
// filter list alone.
func (c Capabilities) FadeSupported() bool {
	if !c.HasVideoFade {
		return false
	}
	return !c.VersionKnown() || c.VersionAtLeast(4, 3)
}

// Detector runs the capability diagnostics once per process.
type Detector struct {
	runner Runner
	binary string
	logger *slog.Logger

	mu   sync.Mutex
	done bool
	caps Capabilities
}

// NewDetector returns a Detector for binary.
func NewDetector(runner Runner, binary string, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{runner: runner, binary: binary, logger: logger}
}

// Detect returns the memoized capabilities, running the version and filter
// diagnostics concurrently on first use. Any diagnostic failure yields the
// zero Capabilities. A result cut short by ctx is not memoized, so the next
// caller detects again.
func (d *Detector) Detect(ctx context.Context) Capabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return d.caps
	}
	caps := d.detect(ctx)
	if ctx.Err() != nil {
		return caps
	}
	d.caps, d.done = caps, true
	return caps
}

func (d *Detector) detect(ctx context.Context) Capabilities {
	var versionOut, filtersOut string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := d.runner.Run(gctx, d.binary, "-hide_banner", "-version")
		versionOut = res.Stdout
		return err
	})
	g.Go(func() error {
		res, err := d.runner.Run(gctx, d.binary, "-hide_banner", "-filters")
		filtersOut = res.Stdout + res.Stderr
		return err
	})
	if err := g.Wait(); err != nil {
		d.logger.Warn("encoder capability detection failed, optional features disabled",
			"binary", d.binary, "error", err)
		return Capabilities{}
	}

	caps := ParseVersion(versionOut)
	caps.HasVideoFade = xfadeRe.MatchString(filtersOut)
	caps.HasAudioFade = acrossfadeRe.MatchString(filtersOut)
	caps.HasDrawText = drawtextRe.MatchString(filtersOut)
	d.logger.Info("encoder capabilities detected",
		"version", caps.VersionRaw,
		"xfade", caps.HasVideoFade,
		"acrossfade", caps.HasAudioFade,
		"drawtext", caps.HasDrawText)
	return caps
}

// ParseVersion reads the first line of the version banner.
func ParseVersion(out string) Capabilities {
	first, _, _ := strings.Cut(out, "\n")
	caps := Capabilities{VersionRaw: strings.TrimRight(first, "\r ")}
	if m := versionRe.FindStringSubmatch(caps.VersionRaw); m != nil {
		caps.Major, _ = strconv.Atoi(m[1])
		caps.Minor, _ = strconv.Atoi(m[2])
	}
	return caps
}
