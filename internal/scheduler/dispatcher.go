package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
)

// Dispatcher hands a claimed episode to an execution unit. The scheduler
// never waits for the unit to finish; execution concurrency is the dispatch
// platform's concern.
type Dispatcher interface {
	Dispatch(ctx context.Context, episodeID string, force bool) error
}

// ExecDispatcher launches one worker process per episode. Each worker runs
// the full pipeline for exactly one episode and exits, so a crash in the
// native audio toolchain takes down a single item, never the scheduler.
type ExecDispatcher struct {
	workerPath string
	logger     *slog.Logger
}

// NewExecDispatcher creates a dispatcher that runs the worker binary at
// workerPath. The worker inherits the scheduler's environment, including its
// configuration.
func NewExecDispatcher(workerPath string, logger *slog.Logger) *ExecDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecDispatcher{workerPath: workerPath, logger: logger}
}

// Dispatch starts the worker process without waiting for it.
func (d *ExecDispatcher) Dispatch(_ context.Context, episodeID string, force bool) error {
	args := []string{"-episode", episodeID}
	if force {
		args = append(args, "-force")
	}

	// Deliberately not CommandContext: dispatched workers outlive the poll
	// iteration and must not be killed when the scheduler stops.
	cmd := exec.Command(d.workerPath, args...) // #nosec G204 - workerPath comes from configuration
	cmd.Env = os.Environ()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	go func() {
		if err := cmd.Wait(); err != nil {
			d.logger.Warn("worker exited with error",
				slog.String("episode_id", episodeID),
				slog.String("error", err.Error()),
			)
		}
	}()
	return nil
}
