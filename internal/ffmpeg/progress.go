package ffmpeg

import (
	"strconv"
	"strings"
)

// Progress is one block of the encoder's -progress output.
type Progress struct {
	OutTimeSeconds float64
	Frame          int
	Speed          string
	Done           bool
}

// ProgressParser accumulates key=value lines and emits a Progress every time
// the block terminator (progress=continue or progress=end) arrives.
type ProgressParser struct {
	cur      Progress
	haveTime bool
}

// Feed consumes one line. It returns the completed block and true when the
// line closed a block.
func (p *ProgressParser) Feed(line string) (Progress, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return Progress{}, false
	}
	value = strings.TrimSpace(value)

	switch key {
	case "out_time_us", "out_time_ms":
		// Both keys carry microseconds.
		if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
			p.cur.OutTimeSeconds = float64(us) / 1e6
			p.haveTime = true
		}
	case "out_time":
		if !p.haveTime {
			if s, ok := parseClock(value); ok {
				p.cur.OutTimeSeconds = s
			}
		}
	case "frame":
		if n, err := strconv.Atoi(value); err == nil {
			p.cur.Frame = n
		}
	case "speed":
		p.cur.Speed = value
	case "progress":
		out := p.cur
		out.Done = value == "end"
		p.haveTime = false
		return out, true
	}
	return Progress{}, false
}

// parseClock parses HH:MM:SS.micro.
func parseClock(s string) (float64, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	sec, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil || h < 0 {
		return 0, false
	}
	return float64(h*3600+m*60) + sec, true
}
