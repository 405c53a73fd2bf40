package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrCancelled is returned by a checkpoint once the job has been cancelled.
var ErrCancelled = errors.New("job cancelled")

// TerminalError marks a per-item failure that retrying cannot fix,
// such as an unsupported type, a zero-size item or a path that is too long.
type TerminalError struct {
	Reason string
}

func (e *TerminalError) Error() string {
	return e.Reason
}

// Terminal creates a TerminalError with a formatted reason.
func Terminal(format string, args ...any) error {
	return &TerminalError{Reason: fmt.Sprintf(format, args...)}
}

// IsTerminal reports whether err is or wraps a TerminalError.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// TerminalPrefix is stamped in front of terminal errors written to ledgers so
// later runs can tell them apart from transient ones without the error value.
const TerminalPrefix = "terminal: "

// LedgerError renders err for a ledger error column as a single line.
func LedgerError(err error) string {
	if err == nil {
		return ""
	}
	if IsTerminal(err) {
		return TerminalPrefix + OneLine(err.Error())
	}
	return OneLine(err.Error())
}

// OneLine collapses line breaks and the whitespace around them into single
// spaces, so error text such as an HTTP response body stays on one ledger row.
func OneLine(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	lines := strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == '\r' })
	parts := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, " ")
}

// IsTerminalText reports whether a ledger error column holds a terminal error.
func IsTerminalText(s string) bool {
	return len(s) >= len(TerminalPrefix) && s[:len(TerminalPrefix)] == TerminalPrefix
}

// SetupError aborts a stage outright: source unreachable, index deleted,
// ledger unrecoverable after fallback.
type SetupError struct {
	Stage string
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("%s setup failed: %v", e.Stage, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// Setup wraps err as a SetupError for stage.
func Setup(stage string, err error) error {
	return &SetupError{Stage: stage, Err: err}
}

// Checkpointer is called between work items. It blocks while the job is
// paused and returns ErrCancelled once the job is cancelled.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// CheckpointFunc adapts a function to Checkpointer.
type CheckpointFunc func(ctx context.Context) error

// Checkpoint calls f.
func (f CheckpointFunc) Checkpoint(ctx context.Context) error {
	return f(ctx)
}

// NoCheckpoint only honours context cancellation.
var NoCheckpoint Checkpointer = CheckpointFunc(func(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return ErrCancelled
	}
	return nil
})
