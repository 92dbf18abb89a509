package queue

import (
	"errors"

	"github.com/reelpair/reelpair/internal/job"
	"github.com/reelpair/reelpair/internal/render"
)

var (
	ErrNotFound     = job.ErrNotFound
	ErrQueueFull    = errors.New("queue full")
	ErrClipTooLong  = render.ErrClipTooLong
	ErrNotRetryable = errors.New("job is not in a retryable state")
	ErrInputsGone   = errors.New("job inputs are no longer available")
	ErrNotReady     = errors.New("job output is not ready")
	ErrInvalidState = errors.New("job is still in flight")
)
