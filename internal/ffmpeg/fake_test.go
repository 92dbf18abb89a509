package ffmpeg

import (
	"context"
	"strings"
)

// fakeRunner scripts encoder invocations.
type fakeRunner struct {
	run    func(ctx context.Context, name string, args ...string) (Result, error)
	stream func(ctx context.Context, name string, args []string, onLine func(string)) (Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if f.run == nil {
		return Result{}, nil
	}
	return f.run(ctx, name, args...)
}

func (f *fakeRunner) Stream(ctx context.Context, name string, args []string, onLine func(string)) (Result, error) {
	if f.stream == nil {
		return Result{}, nil
	}
	return f.stream(ctx, name, args, onLine)
}

func hasArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

func argValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func joinArgs(args []string) string {
	return strings.Join(args, " ")
}
