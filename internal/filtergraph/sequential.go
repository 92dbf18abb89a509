package filtergraph

import (
	"fmt"
	"math"
	"strings"
)

// minFadeSeconds is the shortest transition worth rendering.
const minFadeSeconds = 0.1

func buildSequential(opts Options) Graph {
	c := opts.Controls
	g := Graph{VideoLabel: "vout", TextFiles: map[string]string{}}

	d0, ok0 := opts.Before.Duration()
	d1, ok1 := opts.After.Duration()
	if ok0 && ok1 {
		g.DurationSeconds = d0 + d1
	}

	fade := 0.0
	if opts.Features.Fade && c.WantsFade() {
		switch {
		case !ok0 || !ok1:
			g.Notes = append(g.Notes, "fade skipped: clip duration unknown")
		default:
			fade = c.FadeSeconds
			limit := math.Min(d0, d1)/2 - 0.05
			if fade > limit {
				fade = limit
				if fade >= minFadeSeconds {
					g.Notes = append(g.Notes, fmt.Sprintf("fade shortened to %ss to fit the shorter clip", num(fade)))
				}
			}
			if fade < minFadeSeconds {
				fade = 0
				g.Notes = append(g.Notes, "fade skipped: clips too short")
			}
		}
	}

	var chains []string
	for i, clip := range [2]struct{ name, label, subtext string }{
		{"before", c.BeforeLabel, c.BeforeSubtext},
		{"after", c.AfterLabel, c.AfterSubtext},
	} {
		text := ""
		if opts.Features.Text && c.ShowText {
			text = overlay(c, clip.name, clip.label, clip.subtext, CanvasWidth, CanvasHeight, opts.TextDir, opts.FontFile, g.TextFiles)
		}
		if text != "" {
			g.TextApplied = true
		}
		chains = append(chains, fmt.Sprintf("[%d:v]%s[v%d]", i, joinFilters(
			fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", CanvasWidth, CanvasHeight),
			fmt.Sprintf("pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black", CanvasWidth, CanvasHeight),
			"setsar=1",
			fmt.Sprintf("fps=%d", FPS),
			"format=yuv420p",
			"settb=AVTB",
			colorFilter(c),
			text,
		), i))
	}

	audio, note := audioWanted(opts)
	if note != "" {
		g.Notes = append(g.Notes, note)
	}
	if audio {
		durs := [2]float64{}
		if ok0 && ok1 {
			durs = [2]float64{d0, d1}
		}
		chains = append(chains, audioChain(0, durs[0], "a0"), audioChain(1, durs[1], "a1"))
		g.AudioLabel = "aout"
	}

	if fade > 0 {
		offset := d0 - fade
		g.FadeApplied = true
		g.FadeSeconds = fade
		g.FadeOffset = offset
		g.DurationSeconds = d0 + d1 - fade
		chains = append(chains, fmt.Sprintf("[v0][v1]xfade=transition=fade:duration=%s:offset=%s[vout]", num(fade), num(offset)))
		if audio {
			if opts.Features.AudioFade {
				chains = append(chains, fmt.Sprintf("[a0][a1]acrossfade=d=%s[aout]", num(fade)))
			} else {
				g.Notes = append(g.Notes, "audio joined without cross-fade")
				chains = append(chains, fmt.Sprintf("[a0][a1]concat=n=2:v=0:a=1,atrim=duration=%s[aout]", num(g.DurationSeconds)))
			}
		}
	} else if audio {
		chains = append(chains, "[v0][a0][v1][a1]concat=n=2:v=1:a=1[vout][aout]")
	} else {
		chains = append(chains, "[v0][v1]concat=n=2:v=1:a=0[vout]")
	}

	g.Filter = strings.Join(chains, ";")
	return g
}
