package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"contentsync/internal/app"
	"contentsync/internal/config"
	"contentsync/internal/job"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp loads the environment config and wires the application. Job
// output goes to the job log; the process log goes to stderr.
func newApp(ctx context.Context, withIndex bool) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	a, err := app.New(ctx, cfg, app.Options{WithIndex: withIndex, Logger: app.NewLogger(cfg, os.Stderr)})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "syncctl",
	Short:        "Run and control content sync pipelines",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run <pipeline>",
	Short: "Run a pipeline in this process and stream its log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		noIndex, _ := cmd.Flags().GetBool("no-index")
		return runJob(cmd, args[0], !noIndex && !dryRun, func(a *app.App, pcfg *config.PipelineConfig) job.Spec {
			return job.Spec{PipelineID: pcfg.ID, DryRun: dryRun, Run: a.Runner.Job(pcfg, dryRun)}
		})
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit <pipeline>",
	Short: "Verify the local mirror against the ledgers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scanOnly, _ := cmd.Flags().GetBool("scan-only")
		return runJob(cmd, args[0], false, func(a *app.App, pcfg *config.PipelineConfig) job.Spec {
			return job.Spec{PipelineID: pcfg.ID, Run: a.Runner.AuditJob(pcfg, scanOnly)}
		})
	},
}

// runJob starts a job in-process and follows it to the end. The first
// interrupt requests cancellation; the job stops at its next checkpoint.
func runJob(cmd *cobra.Command, pipelineID string, withIndex bool, spec func(*app.App, *config.PipelineConfig) job.Spec) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, withIndex)
	if err != nil {
		return err
	}
	defer a.Close()

	pcfg, err := a.Pipelines.Load(pipelineID)
	if err != nil {
		return err
	}
	j, err := a.Jobs.Start(spec(a, pcfg))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Started job %s\n", j.ID)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-sigs:
			fmt.Fprintf(cmd.ErrOrStderr(), "Cancelling job %s\n", j.ID)
			if _, err := a.Jobs.Request(j.ID, job.ActionCancel); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "cancel request failed: %v\n", err)
			}
		case <-j.Done():
		}
	}()

	out := cmd.OutOrStdout()
	if err := a.Jobs.Follow(context.WithoutCancel(ctx), j.ID, 0, func(rec job.Record) error {
		return writeRecord(out, rec)
	}); err != nil {
		return err
	}
	<-j.Done()
	return jobOutcome(a.Jobs, j.ID)
}

func jobOutcome(jobs *job.Manager, jobID string) error {
	s, err := jobs.Status(jobID)
	if err != nil {
		return err
	}
	switch {
	case s.State == job.StateCancelled:
		return fmt.Errorf("job %s was cancelled", jobID)
	case s.Result != nil && s.Result.Error != "":
		return fmt.Errorf("job %s finished with errors: %s", jobID, s.Result.Error)
	}
	return nil
}

func controlCmd(action job.Action) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " <job-id>",
		Short: fmt.Sprintf("Request %s for a running job", action),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			requested, err := a.Jobs.Request(args[0], action)
			if err != nil {
				return err
			}
			if requested {
				fmt.Fprintf(cmd.OutOrStdout(), "Requested %s for job %s\n", action, args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "A %s request for job %s is already pending\n", action, args[0])
			}
			return nil
		},
	}
}

var tailCmd = &cobra.Command{
	Use:   "tail <job-id>",
	Short: "Print a job log, optionally following it until the job ends",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		offset, _ := cmd.Flags().GetInt64("offset")

		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()
		return tail(cmd.Context(), a.Jobs, args[0], offset, follow, cmd.OutOrStdout())
	},
}

func tail(ctx context.Context, jobs *job.Manager, jobID string, offset int64, follow bool, out io.Writer) error {
	if follow {
		err := jobs.Follow(ctx, jobID, offset, func(rec job.Record) error { return writeRecord(out, rec) })
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	records, _, err := jobs.Replay(jobID, offset)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := writeRecord(out, rec); err != nil {
			return err
		}
	}
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the state of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.Jobs.Status(args[0])
		if err != nil {
			return err
		}
		return writeSummary(cmd.OutOrStdout(), s)
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup-metadata <pipeline>",
	Short: "Remove metadata for files no longer in the pipeline's index store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		pcfg, err := a.Pipelines.Load(args[0])
		if err != nil {
			return err
		}
		removed, remaining, err := a.Runner.CleanupMetadata(cmd.Context(), pcfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d metadata entries, %d remaining\n", removed, remaining)
		return nil
	},
}

func init() {
	runCmd.Flags().Bool("dry-run", false, "Preview the change set without touching the mirror")
	runCmd.Flags().Bool("no-index", false, "Skip the embed stage")
	auditCmd.Flags().Bool("scan-only", false, "Report discrepancies without correcting them")
	tailCmd.Flags().BoolP("follow", "f", false, "Wait for new records until the job ends")
	tailCmd.Flags().Int64("offset", 0, "Byte offset to start reading from")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(controlCmd(job.ActionPause))
	rootCmd.AddCommand(controlCmd(job.ActionResume))
	rootCmd.AddCommand(controlCmd(job.ActionCancel))
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cleanupCmd)
}
