package render

import (
	"github.com/reelpair/reelpair/internal/controls"
	"github.com/reelpair/reelpair/internal/ffmpeg"
	"github.com/reelpair/reelpair/internal/filtergraph"
)

// Attempt is one rung of the ladder: a named feature set.
type Attempt struct {
	Name     string
	Features filtergraph.Features
}

func attemptName(f filtergraph.Features) string {
	switch {
	case f.Text && f.Fade:
		return "text+fade"
	case f.Text:
		return "text"
	case f.Fade:
		return "fade"
	default:
		return "plain"
	}
}

// BuildLadder returns the attempts to try in order, most featured first, and
// warnings for requested features the encoder cannot provide at all. Each
// later rung drops one more optional feature; fade goes before text.
func BuildLadder(c controls.Controls, caps ffmpeg.Capabilities) ([]Attempt, []string) {
	var warnings []string

	text := c.WantsText()
	if text && !caps.HasDrawText {
		text = false
		warnings = append(warnings, "text overlay skipped: encoder lacks the drawtext filter")
	}

	// Side-by-side never fades; the graph builder reports that itself.
	fade := c.WantsFade() && c.Mode == controls.ModeSequential
	if fade && !caps.FadeSupported() {
		fade = false
		if caps.HasVideoFade {
			warnings = append(warnings, "fade skipped: encoder "+caps.VersionRaw+" is older than 4.3")
		} else {
			warnings = append(warnings, "fade skipped: encoder lacks the xfade filter")
		}
	}

	full := filtergraph.Features{Text: text, Fade: fade, AudioFade: fade && caps.HasAudioFade}
	ladder := []Attempt{{Name: attemptName(full), Features: full}}
	if full.Fade {
		f := filtergraph.Features{Text: full.Text}
		ladder = append(ladder, Attempt{Name: attemptName(f), Features: f})
	}
	if full.Text {
		ladder = append(ladder, Attempt{Name: attemptName(filtergraph.Features{})})
	}
	return ladder, warnings
}

// degradations describes what a successful attempt dropped relative to the
// first rung.
func degradations(first, used filtergraph.Features) []string {
	var out []string
	if first.Fade && !used.Fade {
		out = append(out, "fade failed at render time and was disabled")
	}
	if first.Text && !used.Text {
		out = append(out, "text overlay failed at render time and was removed")
	}
	return out
}
