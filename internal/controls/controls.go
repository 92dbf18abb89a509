// Package controls turns the untrusted styling payload of a submission into a
// fully typed, range-clamped Controls value. Nothing downstream reads user
// input except through this package.
package controls

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeSideBySide Mode = "side-by-side-sequential"
)

type Direction string

const (
	Horizontal Direction = "horizontal"
	Vertical   Direction = "vertical"
)

// Position names one of the nine text anchor points.
type Position string

const (
	TopLeft      Position = "top-left"
	TopCenter    Position = "top-center"
	TopRight     Position = "top-right"
	MiddleLeft   Position = "middle-left"
	Center       Position = "center"
	MiddleRight  Position = "middle-right"
	BottomLeft   Position = "bottom-left"
	BottomCenter Position = "bottom-center"
	BottomRight  Position = "bottom-right"
)

var positions = map[Position]bool{
	TopLeft: true, TopCenter: true, TopRight: true,
	MiddleLeft: true, Center: true, MiddleRight: true,
	BottomLeft: true, BottomCenter: true, BottomRight: true,
}

const (
	MinFontSize    = 12
	MaxFontSize    = 120
	MaxFadeSeconds = 2.0
	maxLabelRunes  = 80
)

var hexColor = regexp.MustCompile(`^#?([0-9a-fA-F]{6})$`)

// Controls is the normalized styling configuration of a job. It is immutable
// after submission.
type Controls struct {
	Mode      Mode      `json:"compositionMode"`
	Direction Direction `json:"direction"`

	ShowText      bool     `json:"showText"`
	BeforeLabel   string   `json:"beforeLabel"`
	AfterLabel    string   `json:"afterLabel"`
	BeforeSubtext string   `json:"beforeSubtext"`
	AfterSubtext  string   `json:"afterSubtext"`
	TextPosition  Position `json:"textPosition"`
	FontSize      int      `json:"fontSize"`
	TextColor     string   `json:"textColor"`

	ShowBox    bool   `json:"showBox"`
	RoundedBox bool   `json:"roundedBox"`
	BoxColor   string `json:"boxColor"`
	BoxOpacity int    `json:"boxOpacity"`
	BoxPadding int    `json:"boxPadding"`

	Brightness int `json:"brightness"`
	Contrast   int `json:"contrast"`
	Saturation int `json:"saturation"`

	EnableFade   bool    `json:"enableFade"`
	FadeSeconds  float64 `json:"fadeSeconds"`
	IncludeAudio bool    `json:"includeAudio"`
}

// Default returns the configuration used for every field the client omits.
func Default() Controls {
	return Controls{
		Mode:         ModeSequential,
		Direction:    Vertical,
		ShowText:     true,
		BeforeLabel:  "Before",
		AfterLabel:   "After",
		TextPosition: TopCenter,
		FontSize:     48,
		TextColor:    "#FFFFFF",
		ShowBox:      true,
		BoxColor:     "#000000",
		BoxOpacity:   60,
		BoxPadding:   40,
		Contrast:     100,
		Saturation:   100,
		FadeSeconds:  0.5,
	}
}

// Normalize parses raw JSON and maps it onto Default, clamping every numeric
// field and falling back to the default for unknown enum values or bad colors.
// Only malformed JSON is an error.
func Normalize(raw []byte) (Controls, error) {
	c := Default()
	if len(strings.TrimSpace(string(raw))) == 0 {
		return c, nil
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return Controls{}, fmt.Errorf("controls must be a JSON object: %w", err)
	}

	switch Mode(str(m, "compositionMode", "")) {
	case ModeSideBySide:
		c.Mode = ModeSideBySide
	case ModeSequential:
		c.Mode = ModeSequential
	}
	switch Direction(str(m, "direction", "")) {
	case Horizontal:
		c.Direction = Horizontal
	case Vertical:
		c.Direction = Vertical
	}

	c.ShowText = boolean(m, "showText", c.ShowText)
	c.BeforeLabel = label(m, "beforeLabel", c.BeforeLabel)
	c.AfterLabel = label(m, "afterLabel", c.AfterLabel)
	c.BeforeSubtext = label(m, "beforeSubtext", c.BeforeSubtext)
	c.AfterSubtext = label(m, "afterSubtext", c.AfterSubtext)
	if p := Position(str(m, "textPosition", "")); positions[p] {
		c.TextPosition = p
	}
	c.FontSize = integer(m, "fontSize", c.FontSize, MinFontSize, MaxFontSize)
	c.TextColor = color(m, "textColor", c.TextColor)

	c.ShowBox = boolean(m, "showBox", c.ShowBox)
	c.RoundedBox = boolean(m, "roundedBox", c.RoundedBox)
	c.BoxColor = color(m, "boxColor", c.BoxColor)
	c.BoxOpacity = integer(m, "boxOpacity", c.BoxOpacity, 0, 100)
	c.BoxPadding = integer(m, "boxPadding", c.BoxPadding, 0, 100)

	c.Brightness = integer(m, "brightness", c.Brightness, -100, 100)
	c.Contrast = integer(m, "contrast", c.Contrast, 0, 200)
	c.Saturation = integer(m, "saturation", c.Saturation, 0, 200)

	c.EnableFade = boolean(m, "enableFade", c.EnableFade)
	c.FadeSeconds = number(m, "fadeSeconds", c.FadeSeconds, 0, MaxFadeSeconds)
	c.IncludeAudio = boolean(m, "includeAudio", c.IncludeAudio)
	return c, nil
}

// WantsText reports whether the configuration asks for any overlay text.
func (c Controls) WantsText() bool {
	if !c.ShowText {
		return false
	}
	return c.BeforeLabel != "" || c.AfterLabel != "" || c.BeforeSubtext != "" || c.AfterSubtext != ""
}

// WantsFade reports whether a cross-fade was requested with a usable duration.
func (c Controls) WantsFade() bool {
	return c.EnableFade && c.FadeSeconds > 0
}

// HasColorFilter reports whether any color adjustment differs from neutral.
func (c Controls) HasColorFilter() bool {
	return c.Brightness != 0 || c.Contrast != 100 || c.Saturation != 100
}

// FFmpegColor converts "#RRGGBB" to the 0xRRGGBB form the encoder expects.
func FFmpegColor(hex string) string {
	return "0x" + strings.ToUpper(strings.TrimPrefix(hex, "#"))
}

func str(m map[string]any, key, fallback string) string {
	v, ok := m[key].(string)
	if !ok {
		return fallback
	}
	return strings.TrimSpace(v)
}

func label(m map[string]any, key, fallback string) string {
	raw, present := m[key]
	if !present || raw == nil {
		return fallback
	}
	s, ok := raw.(string)
	if !ok {
		return fallback
	}
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) > maxLabelRunes {
		s = string([]rune(s)[:maxLabelRunes])
	}
	return s
}

func boolean(m map[string]any, key string, fallback bool) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fallback
		}
		return b
	case float64:
		return v != 0
	}
	return fallback
}

func number(m map[string]any, key string, fallback, lo, hi float64) float64 {
	var f float64
	switch v := m[key].(type) {
	case float64:
		f = v
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fallback
		}
		f = parsed
	default:
		return fallback
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fallback
	}
	return math.Min(hi, math.Max(lo, f))
}

func integer(m map[string]any, key string, fallback, lo, hi int) int {
	return int(math.Round(number(m, key, float64(fallback), float64(lo), float64(hi))))
}

func color(m map[string]any, key, fallback string) string {
	match := hexColor.FindStringSubmatch(str(m, key, ""))
	if match == nil {
		return fallback
	}
	return "#" + strings.ToUpper(match[1])
}
