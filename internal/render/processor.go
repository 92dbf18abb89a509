// Package render turns a queued job into an output video: probe, choose a
// composition, then walk the attempt ladder until one encoder run succeeds.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/reelpair/reelpair/internal/controls"
	"github.com/reelpair/reelpair/internal/ffmpeg"
	"github.com/reelpair/reelpair/internal/filtergraph"
	"github.com/reelpair/reelpair/internal/job"
	"github.com/reelpair/reelpair/internal/metrics"
	"github.com/reelpair/reelpair/internal/workspace"
)

// Progress checkpoints.
const (
	ProgressProbeStart   = 2
	ProgressProbeDone    = 5
	ProgressGraphChosen  = 6
	ProgressAttemptFloor = 8
	ProgressEncodeCeil   = 98
	ProgressDone         = 100
)

// ErrClipTooLong is returned when a probed clip exceeds the duration cap.
var ErrClipTooLong = errors.New("clip too long")

// Prober reads clip facts.
type Prober interface {
	Probe(ctx context.Context, path string) (ffmpeg.Probe, error)
}

// Detector reports encoder capabilities.
type Detector interface {
	Detect(ctx context.Context) ffmpeg.Capabilities
}

// Encoder runs one render.
type Encoder interface {
	Encode(ctx context.Context, req ffmpeg.EncodeRequest, onProgress func(ffmpeg.Progress)) error
}

// Reporter receives intermediate state. Calls arrive on the processing
// goroutine.
type Reporter interface {
	Progress(percent int, message string)
	Probed(slot int, p ffmpeg.Probe)
}

// Outcome is the terminal result of Process.
type Outcome struct {
	Warnings []string
	Attempt  string
	Err      error
}

type Processor struct {
	prober   Prober
	detector Detector
	encoder  Encoder
	fontFile string
	maxClip  float64
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Options configures a Processor.
type Options struct {
	FontFile       string
	MaxClipSeconds float64
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

func NewProcessor(prober Prober, detector Detector, encoder Encoder, opts Options) *Processor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		prober:   prober,
		detector: detector,
		encoder:  encoder,
		fontFile: opts.FontFile,
		maxClip:  opts.MaxClipSeconds,
		metrics:  opts.Metrics,
		logger:   logger,
	}
}

// CheckDuration fails with ErrClipTooLong when p exceeds the cap. Unknown
// durations pass.
func (p *Processor) CheckDuration(slot int, probe ffmpeg.Probe) error {
	d, ok := probe.Duration()
	if !ok || p.maxClip <= 0 || d <= p.maxClip {
		return nil
	}
	return fmt.Errorf("%w: %s clip is %.1fs, limit is %.0fs", ErrClipTooLong, slotName(slot), d, p.maxClip)
}

// Process renders j. It never returns a context error as a job failure: when
// ctx is done, Outcome.Err is ctx.Err() and the caller should leave the job
// for recovery.
func (p *Processor) Process(ctx context.Context, j *job.Job, r Reporter) Outcome {
	logger := p.logger.With("job_id", j.ID)

	probes, err := p.probe(ctx, j, r)
	if err != nil {
		return Outcome{Err: err}
	}

	r.Progress(ProgressGraphChosen, "Preparing "+string(j.Controls.Mode)+" composition")
	caps := p.detector.Detect(ctx)
	ladder, warnings := BuildLadder(j.Controls, caps)

	var lastErr error
	for i, attempt := range ladder {
		if err := ctx.Err(); err != nil {
			return Outcome{Err: err}
		}
		graph, err := filtergraph.Build(filtergraph.Options{
			Controls: j.Controls,
			Before:   probes[job.Before],
			After:    probes[job.After],
			Features: attempt.Features,
			TextDir:  j.WorkDir,
			FontFile: p.fontFile,
		})
		if err != nil {
			// Graph errors do not depend on the feature set.
			return Outcome{Err: err}
		}
		if err := workspace.WriteFiles(j.WorkDir, graph.TextFiles); err != nil {
			return Outcome{Err: err}
		}
		os.Remove(j.OutputPath)

		r.Progress(ProgressAttemptFloor, fmt.Sprintf("Rendering (attempt %d of %d: %s)", i+1, len(ladder), attempt.Name))
		err = p.encode(ctx, j, graph, r)
		if err == nil {
			p.metrics.Attempt(attempt.Name, true)
			warnings = append(warnings, graph.Notes...)
			warnings = append(warnings, degradations(ladder[0].Features, attempt.Features)...)
			logger.Info("render succeeded", "attempt", attempt.Name, "warnings", len(warnings))
			return Outcome{Warnings: warnings, Attempt: attempt.Name}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{Err: ctxErr}
		}
		p.metrics.Attempt(attempt.Name, false)
		logger.Warn("render attempt failed", "attempt", attempt.Name, "error", err)
		lastErr = err
	}
	return Outcome{Warnings: warnings, Err: lastErr}
}

func (p *Processor) probe(ctx context.Context, j *job.Job, r Reporter) ([2]ffmpeg.Probe, error) {
	var out [2]ffmpeg.Probe
	r.Progress(ProgressProbeStart, "Probing clips")
	for slot, path := range j.InputPaths {
		if cached := j.ProbeCache[slot]; cached != nil {
			out[slot] = *cached
		} else {
			probe, err := p.prober.Probe(ctx, path)
			if err != nil {
				return out, err
			}
			out[slot] = probe
			r.Probed(slot, probe)
		}
		if err := p.CheckDuration(slot, out[slot]); err != nil {
			return out, err
		}
		r.Progress(ProgressProbeStart+(slot+1)*(ProgressProbeDone-ProgressProbeStart)/2, "Probed "+slotName(slot)+" clip")
	}
	if j.Controls.Mode == controls.ModeSideBySide {
		for slot := range out {
			if _, ok := out[slot].Duration(); !ok {
				return out, fmt.Errorf("%s clip: %w", slotName(slot), filtergraph.ErrDurationRequired)
			}
		}
	}
	return out, nil
}

func (p *Processor) encode(ctx context.Context, j *job.Job, graph filtergraph.Graph, r Reporter) error {
	last := ProgressAttemptFloor
	started := time.Now()
	err := p.encoder.Encode(ctx, ffmpeg.EncodeRequest{
		Inputs:      j.InputPaths[:],
		FilterGraph: graph.Filter,
		VideoLabel:  graph.VideoLabel,
		AudioLabel:  graph.AudioLabel,
		Output:      j.OutputPath,
	}, func(pr ffmpeg.Progress) {
		pct := MapProgress(pr, graph.DurationSeconds)
		if pct <= last {
			return
		}
		last = pct
		msg := "Rendering"
		if graph.DurationSeconds > 0 {
			msg = fmt.Sprintf("Rendering %.1fs of %.1fs", min(pr.OutTimeSeconds, graph.DurationSeconds), graph.DurationSeconds)
		}
		r.Progress(pct, msg)
	})
	if err != nil {
		return err
	}
	if workspace.Size(j.OutputPath) == 0 {
		return fmt.Errorf("encoder exited cleanly after %s but produced no output", time.Since(started).Round(time.Millisecond))
	}
	return nil
}

// MapProgress maps encoder output time onto the attempt's share of the
// overall progress range.
func MapProgress(pr ffmpeg.Progress, total float64) int {
	if pr.Done {
		return ProgressEncodeCeil
	}
	if total <= 0 || pr.OutTimeSeconds <= 0 {
		return ProgressAttemptFloor
	}
	frac := min(1, pr.OutTimeSeconds/total)
	return ProgressAttemptFloor + int(frac*float64(ProgressEncodeCeil-ProgressAttemptFloor))
}

func slotName(slot int) string {
	if slot == job.Before {
		return "before"
	}
	return "after"
}
