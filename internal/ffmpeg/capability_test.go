package ffmpeg

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

const sampleFilters = `Filters:
  T.. = Timeline support
 ... acrossfade        AA->A      Cross fade two input audio streams.
 T.C drawtext          V->V       Draw text on top of video frames using libfreetype library.
 ... xfade             VV->V      Cross fade one video with another video.
`

func capsRunner(version, filters string, fail bool, calls *int32) *fakeRunner {
	return &fakeRunner{
		run: func(_ context.Context, name string, args ...string) (Result, error) {
			atomic.AddInt32(calls, 1)
			if fail {
				return Result{ExitCode: -1}, &CommandError{Command: name, ExitCode: -1, Err: errors.New("not found")}
			}
			if hasArg(args, "-version") {
				return Result{Stdout: version}, nil
			}
			return Result{Stdout: filters}, nil
		},
	}
}

func TestDetector_FullCapabilities(t *testing.T) {
	t.Parallel()
	var calls int32
	d := NewDetector(capsRunner("ffmpeg version 6.1.1-3ubuntu5 Copyright (c) 2000-2023\nbuilt with gcc\n", sampleFilters, false, &calls), "ffmpeg", nil)

	caps := d.Detect(context.Background())
	if !caps.HasVideoFade || !caps.HasAudioFade || !caps.HasDrawText {
		t.Errorf("caps = %+v, want all filters", caps)
	}
	if caps.Major != 6 || caps.Minor != 1 {
		t.Errorf("version = %d.%d, want 6.1", caps.Major, caps.Minor)
	}
	if !caps.FadeSupported() {
		t.Error("FadeSupported() = false, want true")
	}

	d.Detect(context.Background())
	if calls != 2 {
		t.Errorf("runner calls = %d, want 2 (memoized)", calls)
	}
}

func TestDetector_FailureIsConservative(t *testing.T) {
	t.Parallel()
	var calls int32
	d := NewDetector(capsRunner("", "", true, &calls), "ffmpeg", nil)

	caps := d.Detect(context.Background())
	if caps != (Capabilities{}) {
		t.Errorf("caps = %+v, want zero value", caps)
	}
	if caps.FadeSupported() {
		t.Error("fade must be unsupported after detection failure")
	}
}

func TestDetector_CancelledContextIsNotMemoized(t *testing.T) {
	t.Parallel()
	var calls int32
	runner := capsRunner("ffmpeg version 6.1", sampleFilters, false, &calls)
	inner := runner.run
	runner.run = func(ctx context.Context, name string, args ...string) (Result, error) {
		if err := ctx.Err(); err != nil {
			return Result{ExitCode: -1}, err
		}
		return inner(ctx, name, args...)
	}
	d := NewDetector(runner, "ffmpeg", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if caps := d.Detect(ctx); caps != (Capabilities{}) {
		t.Errorf("caps = %+v, want zero value under a cancelled context", caps)
	}

	caps := d.Detect(context.Background())
	if !caps.HasVideoFade || !caps.HasDrawText {
		t.Errorf("caps = %+v, want detection to rerun after cancellation", caps)
	}
	before := atomic.LoadInt32(&calls)
	d.Detect(context.Background())
	if after := atomic.LoadInt32(&calls); after != before {
		t.Errorf("runner calls %d -> %d, want the successful result memoized", before, after)
	}
}

func TestDetector_WordBoundary(t *testing.T) {
	t.Parallel()
	var calls int32
	filters := " ... xfade_opencl      VV->V      Cross fade (OpenCL).\n ... drawtextx  V->V  not real\n"
	d := NewDetector(capsRunner("ffmpeg version 5.0", filters, false, &calls), "ffmpeg", nil)

	caps := d.Detect(context.Background())
	if caps.HasVideoFade || caps.HasDrawText || caps.HasAudioFade {
		t.Errorf("caps = %+v, substrings must not match", caps)
	}
}

func TestCapabilities_VersionGate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		version string
		want    bool
	}{
		{"old", "ffmpeg version 4.2.7", false},
		{"exact", "ffmpeg version 4.3", true},
		{"prefixed", "ffmpeg version n7.0.1", true},
		{"snapshot", "ffmpeg version N-112000-g1234abcd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps := ParseVersion(tt.version)
			caps.HasVideoFade = true
			if got := caps.FadeSupported(); got != tt.want {
				t.Errorf("FadeSupported(%q) = %v, want %v", tt.version, got, tt.want)
			}
		})
	}
}

func TestCapabilities_VersionAtLeast(t *testing.T) {
	t.Parallel()
	c := Capabilities{Major: 5, Minor: 1}
	if !c.VersionAtLeast(4, 9) || !c.VersionAtLeast(5, 1) || c.VersionAtLeast(5, 2) || c.VersionAtLeast(6, 0) {
		t.Errorf("VersionAtLeast comparisons wrong for %d.%d", c.Major, c.Minor)
	}
	if (Capabilities{}).VersionAtLeast(0, 0) {
		t.Error("unknown version must not satisfy a minimum")
	}
}
