package mailsync

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

var ErrResumeLimit = errors.New("auto-resume iteration limit reached")

type CycleRunner interface {
	RunSyncCycle(ctx context.Context, maxMessages int) (CycleResult, error)
}

type ResumeOptions struct {
	MaxMessages   int
	MaxIterations int
	Delay         time.Duration
}

// RunUntilDone calls RunSyncCycle until it reports there is nothing left,
// waiting Delay between calls. It gives up with ErrResumeLimit after
// MaxIterations cycles so a stuck remaining count cannot spin forever.
func RunUntilDone(ctx context.Context, runner CycleRunner, opts ResumeOptions) (CycleResult, int, error) {
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 1
	}

	var last CycleResult
	for i := 1; i <= maxIterations; i++ {
		res, err := runner.RunSyncCycle(ctx, opts.MaxMessages)
		if err != nil {
			return last, i, err
		}
		last = res
		if !res.ShouldContinue {
			return last, i, nil
		}
		if i == maxIterations {
			break
		}
		if err := sleep(ctx, opts.Delay); err != nil {
			return last, i, err
		}
	}

	slog.WarnContext(ctx, "auto-resume stopped at iteration cap", "iterations", maxIterations, "remaining", last.Remaining)
	return last, maxIterations, ErrResumeLimit
}
