package job

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"contentsync/internal/model"
)

// Controls manages control marker files named <job id>.<action>.
type Controls struct {
	dir string
}

// NewControls returns markers kept in dir, creating it if needed.
func NewControls(dir string) (Controls, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Controls{}, fmt.Errorf("failed to create control directory: %w", err)
	}
	return Controls{dir: dir}, nil
}

func (c Controls) path(jobID string, a Action) string {
	return filepath.Join(c.dir, jobID+"."+string(a))
}

// Request drops a marker. It reports false if the same request is already
// pending.
func (c Controls) Request(jobID string, a Action) (bool, error) {
	f, err := os.OpenFile(c.path(jobID, a), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create %s marker: %w", a, err)
	}
	return true, f.Close()
}

// Pending reports whether a marker is present.
func (c Controls) Pending(jobID string, a Action) bool {
	_, err := os.Stat(c.path(jobID, a))
	return err == nil
}

// consume deletes a marker and reports whether it was there.
func (c Controls) consume(jobID string, a Action) bool {
	return os.Remove(c.path(jobID, a)) == nil
}

// Clear removes every marker of a job.
func (c Controls) Clear(jobID string) {
	for _, a := range []Action{ActionPause, ActionResume, ActionCancel} {
		_ = os.Remove(c.path(jobID, a))
	}
}

// controller tracks the state of one running job and implements its
// checkpoints.
type controller struct {
	jobID    string
	log      *Log
	controls Controls
	poll     time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	state State
}

func (c *controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState writes the state record. It always precedes the log line that
// describes the change.
func (c *controller) setState(next State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state, next)
	}
	if err := c.log.Append(Record{Type: RecordState, JobID: c.jobID, State: next}); err != nil {
		return err
	}
	c.state = next
	return nil
}

// Checkpoint consumes pending markers. Cancel beats pause; a paused job waits
// here until it is resumed or cancelled.
func (c *controller) Checkpoint(ctx context.Context) error {
	if c.State() == StateCancelled {
		return model.ErrCancelled
	}
	if c.controls.consume(c.jobID, ActionCancel) || ctx.Err() != nil {
		return c.cancel(ctx)
	}
	if c.controls.consume(c.jobID, ActionResume) {
		c.logger.DebugContext(ctx, "ignoring resume request for a running job")
	}
	if !c.controls.consume(c.jobID, ActionPause) {
		return nil
	}

	if err := c.setState(StatePaused); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "job paused")

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		if c.controls.consume(c.jobID, ActionCancel) {
			return c.cancel(ctx)
		}
		if c.controls.consume(c.jobID, ActionResume) {
			if err := c.setState(StateRunning); err != nil {
				return err
			}
			c.logger.InfoContext(ctx, "job resumed")
			// A pause requested while parked is stale.
			c.controls.consume(c.jobID, ActionPause)
			return nil
		}
		select {
		case <-ctx.Done():
			return c.cancel(ctx)
		case <-ticker.C:
		}
	}
}

func (c *controller) cancel(ctx context.Context) error {
	if err := c.setState(StateCancelled); err != nil {
		return err
	}
	c.logger.InfoContext(context.WithoutCancel(ctx), "job cancelled")
	return model.ErrCancelled
}

var _ model.Checkpointer = (*controller)(nil)
