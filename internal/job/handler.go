package job

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// logHandler writes every record as a log record of a job and passes it on
// to the process handler. Lines are formatted as:
//
//	<message>\t<key=value ...>
type logHandler struct {
	log   *Log
	next  slog.Handler
	level slog.Leveler
	attrs []slog.Attr
}

func newLogHandler(log *Log, next slog.Handler, level slog.Leveler) *logHandler {
	return &logHandler{log: log, next: next, level: level}
}

func (h *logHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level() || h.next.Enabled(ctx, level)
}

func (h *logHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.level.Level() {
		var b strings.Builder
		b.WriteString(r.Message)
		for _, a := range h.attrs {
			fmt.Fprintf(&b, "\t%s=%v", a.Key, a.Value)
		}
		r.Attrs(func(a slog.Attr) bool {
			fmt.Fprintf(&b, "\t%s=%v", a.Key, a.Value)
			return true
		})
		// A closed log only means the job already ended.
		_ = h.log.Append(Record{Type: RecordLog, Time: r.Time.UTC(), Level: r.Level.String(), Message: b.String()})
	}
	if h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *logHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logHandler{
		log:   h.log,
		next:  h.next.WithAttrs(attrs),
		level: h.level,
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func (h *logHandler) WithGroup(name string) slog.Handler {
	return &logHandler{log: h.log, next: h.next.WithGroup(name), level: h.level, attrs: h.attrs}
}
