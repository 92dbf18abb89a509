package job

import (
	"slices"
	"time"

	"github.com/reelpair/reelpair/internal/controls"
	"github.com/reelpair/reelpair/internal/ffmpeg"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// processing -> queued is the recovery demotion of an orphaned job.
var transitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusQueued},
	StatusFailed:     {StatusQueued},
}

// CanTransition reports whether s may move to next.
func (s Status) CanTransition(next Status) bool {
	return slices.Contains(transitions[s], next)
}

// Input slots.
const (
	Before = 0
	After  = 1
)

type Job struct {
	ID         string     `json:"job_id"`
	Status     Status     `json:"status"`
	Progress   int        `json:"progress"`
	Message    string     `json:"message"`
	Warnings   []string   `json:"warnings"`
	Error      string     `json:"error,omitempty"`
	Attempt    string     `json:"attempt,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	WorkDir      string            `json:"work_dir"`
	InputPaths   [2]string         `json:"input_paths"`
	OutputPath   string            `json:"output_path"`
	InputsPurged bool              `json:"inputs_purged,omitempty"`
	Controls     controls.Controls `json:"controls"`
	ProbeCache   [2]*ffmpeg.Probe  `json:"probe_cache"`
}

// New returns a queued job with progress 0.
func New(id string, c controls.Controls, workDir string, inputs [2]string, output string, now time.Time) *Job {
	return &Job{
		ID:         id,
		Status:     StatusQueued,
		Message:    "Queued",
		Warnings:   []string{},
		CreatedAt:  now,
		UpdatedAt:  now,
		WorkDir:    workDir,
		InputPaths: inputs,
		OutputPath: output,
		Controls:   c,
	}
}

// Clone returns a deep copy so callers never share mutable state with the
// store.
func (j *Job) Clone() *Job {
	c := *j
	c.Warnings = slices.Clone(j.Warnings)
	if c.Warnings == nil {
		c.Warnings = []string{}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	for i, p := range j.ProbeCache {
		if p != nil {
			cp := *p
			c.ProbeCache[i] = &cp
		}
	}
	return &c
}

// Public is the client-facing projection. Paths and probe data never leave
// the server.
type Public struct {
	ID         string     `json:"job_id"`
	Status     Status     `json:"status"`
	Progress   int        `json:"progress"`
	Message    string     `json:"message"`
	Warnings   []string   `json:"warnings"`
	Error      string     `json:"error,omitempty"`
	Retryable  bool       `json:"retryable"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (j *Job) Public() Public {
	c := j.Clone()
	return Public{
		ID:         c.ID,
		Status:     c.Status,
		Progress:   c.Progress,
		Message:    c.Message,
		Warnings:   c.Warnings,
		Error:      c.Error,
		Retryable:  c.Status == StatusFailed && !c.InputsPurged,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
		FinishedAt: c.FinishedAt,
	}
}
