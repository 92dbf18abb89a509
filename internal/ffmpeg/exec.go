// Package ffmpeg drives the external encoder: diagnostic probes of inputs,
// capability detection, and render invocations with live progress.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const stderrTailBytes = 16 << 10

// Result captures what one encoder invocation wrote.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner abstracts process execution so probing, detection and rendering can
// be exercised without a real encoder.
type Runner interface {
	// Run executes name and buffers both output streams.
	Run(ctx context.Context, name string, args ...string) (Result, error)
	// Stream executes name and hands every stdout line to onLine as it arrives.
	// Result.Stdout is left empty; Result.Stderr keeps the tail of stderr.
	Stream(ctx context.Context, name string, args []string, onLine func(string)) (Result, error)
}

// CommandError describes a process that could not start or exited non-zero.
// ExitCode is -1 when the process never ran.
type CommandError struct {
	Command  string
	ExitCode int
	Detail   string
	Err      error
}

func (e *CommandError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s exited %d: %v", e.Command, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s exited %d: %v: %s", e.Command, e.ExitCode, e.Err, e.Detail)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Started reports whether the process ran at all.
func (e *CommandError) Started() bool {
	return e.ExitCode >= 0
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.ExitCode = exitCode(err)
		return res, &CommandError{Command: name, ExitCode: res.ExitCode, Detail: lastLine(res.Stderr), Err: err}
	}
	return res, nil
}

func (ExecRunner) Stream(ctx context.Context, name string, args []string, onLine func(string)) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	stderr := &tailBuffer{limit: stderrTailBytes}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, &CommandError{Command: name, ExitCode: -1, Err: err}
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if onLine != nil {
			onLine(line)
		}
	}

	err = cmd.Wait()
	res := Result{Stderr: stderr.String()}
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.ExitCode = exitCode(err)
		return res, &CommandError{Command: name, ExitCode: res.ExitCode, Detail: lastLine(res.Stderr), Err: err}
	}
	return res, nil
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// lastLine returns the last non-empty line, which is where the encoder puts
// the reason it gave up.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// tailBuffer keeps only the last limit bytes written to it.
type tailBuffer struct {
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
