package filtergraph

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/reelpair/reelpair/internal/controls"
)

const (
	// Average glyph advance and line height as fractions of the font size.
	glyphWidthRatio = 0.58
	lineHeightRatio = 1.2
	subtextRatio    = 0.6
	lineGapRatio    = 0.25
	marginRatio     = 0.05
	maxRadiusRatio  = 0.25
)

// FontPx scales the preview font size to a panel of width panelW.
func FontPx(fontSize, panelW int) int {
	px := int(math.Round(float64(fontSize) * float64(panelW) / PreviewWidth))
	return min(MaxFontPx, max(MinFontPx, px))
}

// Box is a text background rectangle in panel pixels.
type Box struct {
	X, Y, W, H int
}

// textBlock is the laid-out overlay of one clip.
type textBlock struct {
	label, subtext string
	fontPx, subPx  int
	pad            int
	box            Box
}

func layout(c controls.Controls, label, subtext string, panelW, panelH int) textBlock {
	b := textBlock{label: label, subtext: subtext}
	b.fontPx = FontPx(c.FontSize, panelW)
	b.subPx = max(MinFontPx, int(math.Round(float64(b.fontPx)*subtextRatio)))
	b.pad = int(math.Round(float64(b.fontPx) * float64(c.BoxPadding) / 100))

	textW, textH := 0, 0
	if label != "" {
		textW = estimateWidth(label, b.fontPx)
		textH = int(math.Round(float64(b.fontPx) * lineHeightRatio))
	}
	if subtext != "" {
		textW = max(textW, estimateWidth(subtext, b.subPx))
		if textH > 0 {
			textH += int(math.Round(float64(b.fontPx) * lineGapRatio))
		}
		textH += int(math.Round(float64(b.subPx) * lineHeightRatio))
	}

	margin := int(math.Round(float64(panelW) * marginRatio))
	w := min(panelW-2*margin, textW+2*b.pad)
	h := min(panelH-2*margin, textH+2*b.pad)
	x, y := Anchor(c.TextPosition, panelW, panelH, w, h, margin)
	b.box = Box{X: x, Y: y, W: w, H: h}
	return b
}

// Anchor places a w×h box at one of the nine named positions, keeping margin
// pixels from the panel edges.
func Anchor(pos controls.Position, panelW, panelH, w, h, margin int) (int, int) {
	x := (panelW - w) / 2
	y := (panelH - h) / 2
	switch pos {
	case controls.TopLeft, controls.MiddleLeft, controls.BottomLeft:
		x = margin
	case controls.TopRight, controls.MiddleRight, controls.BottomRight:
		x = panelW - margin - w
	}
	switch pos {
	case controls.TopLeft, controls.TopCenter, controls.TopRight:
		y = margin
	case controls.BottomLeft, controls.BottomCenter, controls.BottomRight:
		y = panelH - margin - h
	}
	return max(0, x), max(0, y)
}

func estimateWidth(s string, px int) int {
	return int(math.Ceil(float64(utf8.RuneCountInString(s)) * float64(px) * glyphWidthRatio))
}

// overlay returns the drawbox/drawtext fragment for one clip and the text
// files it references. name distinguishes the clips ("before", "after").
func overlay(c controls.Controls, name, label, subtext string, panelW, panelH int, textDir, fontFile string, files map[string]string) string {
	if label == "" && subtext == "" {
		return ""
	}
	b := layout(c, label, subtext, panelW, panelH)

	var parts []string
	if c.ShowBox {
		parts = append(parts, boxFilters(c, b.box, b.pad)...)
	}

	y := b.box.Y + b.pad
	if label != "" {
		path := filepath.Join(textDir, name+"-label.txt")
		files[path] = label
		parts = append(parts, drawtext(c, path, fontFile, b.fontPx, b.box, y))
		y += int(math.Round(float64(b.fontPx)*lineHeightRatio)) + int(math.Round(float64(b.fontPx)*lineGapRatio))
	}
	if subtext != "" {
		path := filepath.Join(textDir, name+"-subtext.txt")
		files[path] = subtext
		parts = append(parts, drawtext(c, path, fontFile, b.subPx, b.box, y))
	}
	return strings.Join(parts, ",")
}

// boxFilters draws the background. The rounded variant notches the corners
// with three non-overlapping boxes so translucent fills stay uniform.
func boxFilters(c controls.Controls, box Box, pad int) []string {
	color := fmt.Sprintf("%s@%s", controls.FFmpegColor(c.BoxColor), num(float64(c.BoxOpacity)/100))
	r := min(pad, int(float64(min(box.W, box.H))*maxRadiusRatio))
	if !c.RoundedBox || r <= 0 {
		return []string{drawbox(box, color)}
	}
	return []string{
		drawbox(Box{X: box.X + r, Y: box.Y, W: box.W - 2*r, H: box.H}, color),
		drawbox(Box{X: box.X, Y: box.Y + r, W: r, H: box.H - 2*r}, color),
		drawbox(Box{X: box.X + box.W - r, Y: box.Y + r, W: r, H: box.H - 2*r}, color),
	}
}

func drawbox(b Box, color string) string {
	return fmt.Sprintf("drawbox=x=%d:y=%d:w=%d:h=%d:color=%s:t=fill", b.X, b.Y, b.W, b.H, color)
}

func drawtext(c controls.Controls, path, fontFile string, px int, box Box, y int) string {
	f := fmt.Sprintf("drawtext=textfile=%s:expansion=none:fontsize=%d:fontcolor=%s:x=%d+(%d-text_w)/2:y=%d",
		quote(path), px, controls.FFmpegColor(c.TextColor), box.X, box.W, y)
	if fontFile != "" {
		f += ":fontfile=" + quote(fontFile)
	}
	return f
}

// quote wraps a path for a filter option value.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
