package filtergraph

import (
	"fmt"
	"strings"

	"github.com/reelpair/reelpair/internal/controls"
)

// PanelSize returns the panel dimensions for a side-by-side direction.
func PanelSize(dir controls.Direction) (int, int) {
	if dir == controls.Horizontal {
		return CanvasWidth / 2, CanvasHeight
	}
	return CanvasWidth, CanvasHeight / 2
}

// buildSideBySide plays the before panel while the after panel holds its
// first frame, then holds the before panel on its last frame while the after
// panel plays.
func buildSideBySide(opts Options) (Graph, error) {
	c := opts.Controls
	d0, ok0 := opts.Before.Duration()
	d1, ok1 := opts.After.Duration()
	if !ok0 || !ok1 {
		return Graph{}, fmt.Errorf("side-by-side composition: %w", ErrDurationRequired)
	}

	g := Graph{VideoLabel: "vout", TextFiles: map[string]string{}, DurationSeconds: d0 + d1}
	if c.WantsFade() {
		g.Notes = append(g.Notes, "fade ignored: not supported in side-by-side mode")
	}

	pw, ph := PanelSize(c.Direction)
	var chains []string
	for i, clip := range [2]struct {
		name, label, subtext string
		hold                 string
	}{
		{"before", c.BeforeLabel, c.BeforeSubtext, "tpad=stop_mode=clone:stop_duration=" + num(d1)},
		{"after", c.AfterLabel, c.AfterSubtext, "tpad=start_mode=clone:start_duration=" + num(d0)},
	} {
		text := ""
		if opts.Features.Text && c.ShowText {
			text = overlay(c, clip.name, clip.label, clip.subtext, pw, ph, opts.TextDir, opts.FontFile, g.TextFiles)
		}
		if text != "" {
			g.TextApplied = true
		}
		chains = append(chains,
			fmt.Sprintf("[%d:v]fps=%d,setsar=1,split=2[bg%d][fg%d]", i, FPS, i, i),
			fmt.Sprintf("[bg%d]scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,boxblur=%d:2[bgb%d]", i, pw, ph, pw, ph, blurRadius, i),
			fmt.Sprintf("[fg%d]scale=%d:%d:force_original_aspect_ratio=decrease[fgs%d]", i, pw, ph, i),
			fmt.Sprintf("[bgb%d][fgs%d]overlay=(W-w)/2:(H-h)/2,%s[p%d]", i, i, joinFilters(
				"format=yuv420p",
				colorFilter(c),
				text,
				clip.hold,
			), i),
		)
	}

	stack := "vstack"
	if c.Direction == controls.Horizontal {
		stack = "hstack"
	}
	chains = append(chains, fmt.Sprintf("[p0][p1]%s=inputs=2,trim=duration=%s,setpts=PTS-STARTPTS[vout]", stack, num(g.DurationSeconds)))

	audio, note := audioWanted(opts)
	if note != "" {
		g.Notes = append(g.Notes, note)
	}
	if audio {
		chains = append(chains,
			audioChain(0, d0, "a0"),
			audioChain(1, d1, "a1"),
			"[a0][a1]concat=n=2:v=0:a=1[aout]",
		)
		g.AudioLabel = "aout"
	}

	g.Filter = strings.Join(chains, ";")
	return g, nil
}
