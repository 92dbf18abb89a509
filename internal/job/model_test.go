package job

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/reelpair/reelpair/internal/controls"
	"github.com/reelpair/reelpair/internal/ffmpeg"
)

func TestIsTerminal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusQueued, false},
		{StatusProcessing, false},
		{StatusCompleted, true},
		{StatusFailed, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("Status(%q).IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusProcessing, true},
		{StatusQueued, StatusCompleted, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusQueued, true},
		{StatusFailed, StatusQueued, true},
		{StatusCompleted, StatusQueued, false},
		{StatusFailed, StatusProcessing, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestNew_Queued(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	j := New("j1", controls.Default(), "/w/j1", [2]string{"/w/j1/before.mp4", "/w/j1/after.mp4"}, "/w/j1/out.mp4", now)
	if j.Status != StatusQueued || j.Progress != 0 {
		t.Errorf("status=%s progress=%d, want queued/0", j.Status, j.Progress)
	}
	if !j.CreatedAt.Equal(now) || !j.UpdatedAt.Equal(now) {
		t.Error("timestamps not set")
	}
}

func TestClone_Deep(t *testing.T) {
	t.Parallel()
	d := 3.0
	j := New("j1", controls.Default(), "/w", [2]string{"a", "b"}, "o", time.Now())
	j.Warnings = []string{"w1"}
	j.ProbeCache[Before] = &ffmpeg.Probe{DurationSeconds: &d}

	c := j.Clone()
	c.Warnings[0] = "changed"
	c.ProbeCache[Before].HasAudio = true
	if j.Warnings[0] != "w1" {
		t.Error("warnings shared between clone and original")
	}
	if j.ProbeCache[Before].HasAudio {
		t.Error("probe cache shared between clone and original")
	}
}

func TestPublic_HidesInternals(t *testing.T) {
	t.Parallel()
	j := New("j1", controls.Default(), "/secret/dir", [2]string{"/secret/a", "/secret/b"}, "/secret/out.mp4", time.Now())
	j.Status = StatusFailed
	j.Error = "boom"

	data, err := json.Marshal(j.Public())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if strings.Contains(string(data), "/secret") {
		t.Errorf("public projection leaks paths: %s", data)
	}
	if !j.Public().Retryable {
		t.Error("failed job with inputs should be retryable")
	}
	j.InputsPurged = true
	if j.Public().Retryable {
		t.Error("purged job must not be retryable")
	}
}
