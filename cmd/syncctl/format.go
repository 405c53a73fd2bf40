package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"contentsync/internal/job"
)

const timeFormat = "15:04:05.000"

// writeRecord prints one job log record as a human-readable line.
func writeRecord(w io.Writer, rec job.Record) error {
	ts := rec.Time.Local().Format(timeFormat)
	var err error
	switch rec.Type {
	case job.RecordStart:
		mode := ""
		if rec.DryRun {
			mode = " (dry run)"
		}
		_, err = fmt.Fprintf(w, "%s job %s started for pipeline %s%s\n", ts, rec.JobID, rec.PipelineID, mode)
	case job.RecordLog:
		msg := strings.ReplaceAll(rec.Message, "\n", "\n\t")
		_, err = fmt.Fprintf(w, "%s %-5s %s\n", ts, rec.Level, msg)
	case job.RecordState:
		_, err = fmt.Fprintf(w, "%s job %s\n", ts, rec.State)
	case job.RecordEnd:
		_, err = fmt.Fprintf(w, "%s job finished: %s\n", ts, rec.State)
		if err == nil && rec.Result != nil {
			err = writeResult(w, rec.Result)
		}
	default:
		_, err = fmt.Fprintf(w, "%s %s\n", ts, rec.Message)
	}
	return err
}

func writeResult(w io.Writer, r *job.Result) error {
	for _, st := range r.Stages {
		line := fmt.Sprintf("  %-10s processed=%d skipped=%d failed=%d", st.Stage, st.Processed, st.Skipped, st.Failed)
		if st.Error != "" {
			line += " error=" + st.Error
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	if r.Error != "" {
		if _, err := fmt.Fprintf(w, "  error: %s\n", r.Error); err != nil {
			return err
		}
	}
	return nil
}

// writeSummary prints the reconstructed state of a job.
func writeSummary(w io.Writer, s job.Summary) error {
	fmt.Fprintf(w, "Job:      %s\n", s.JobID)
	fmt.Fprintf(w, "Pipeline: %s\n", s.PipelineID)
	fmt.Fprintf(w, "State:    %s\n", s.State)
	fmt.Fprintf(w, "Started:  %s\n", s.StartedAt.Local().Format(time.RFC3339))
	if s.FinishedAt != nil {
		fmt.Fprintf(w, "Finished: %s\n", s.FinishedAt.Local().Format(time.RFC3339))
	}
	if s.Result != nil {
		return writeResult(w, s.Result)
	}
	return nil
}
