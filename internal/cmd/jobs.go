package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/lexbatch/internal/observability"
	"github.com/3leaps/lexbatch/pkg/jobstore"
	"github.com/3leaps/lexbatch/pkg/moderation"
	"github.com/3leaps/lexbatch/pkg/observe"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Create and manage moderation jobs",
}

var (
	jobsCreateJobPath string
	jobsCreateDryRun  bool

	jobsListStatus string
	jobsListLimit  int

	jobsStatusBucket   string
	jobsStatusPage     int
	jobsStatusPageSize int
)

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a job from a manifest",
	Long: `Create a job from a YAML or JSON manifest. The scope is materialized
immediately; items are submitted by a running worker or server.

Examples:
  lexbatch jobs create --job job.yaml
  lexbatch jobs create --job job.yaml --dry-run`,
	Args: cobra.NoArgs,
	RunE: runJobsCreate,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job with one page of its items",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Print a snapshot whenever the job changes, until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsWatch,
}

var jobsExportCmd = &cobra.Command{
	Use:   "export <job-id> <destination>",
	Short: "Export a job as JSONL to a file or s3:// URI",
	Long: `Export a job header, every item and a summary as JSONL.

Examples:
  lexbatch jobs export 4b1d... ./out/job.jsonl
  lexbatch jobs export 4b1d... s3://moderation-exports/jobs/4b1d.jsonl`,
	Args: cobra.ExactArgs(2),
	RunE: runJobsExport,
}

type transitionFunc func(svc *moderation.Service, ctx context.Context, id string) (*jobstore.Job, error)

func transitionCmd(use, short string, fn transitionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJobService(cmd, func(svc *moderation.Service) error {
				job, err := fn(svc, cmd.Context(), args[0])
				if err != nil {
					return exitError(foundry.ExitInvalidArgument, fmt.Sprintf("Cannot %s job", use), err)
				}
				observability.CLILogger.Info("Job updated", zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
				return printJSON(job)
			})
		},
	}
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job that is not running",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobService(cmd, func(svc *moderation.Service) error {
			if err := svc.DeleteJob(cmd.Context(), args[0]); err != nil {
				return exitError(foundry.ExitInvalidArgument, "Cannot delete job", err)
			}
			observability.CLILogger.Info("Job deleted", zap.String("job_id", args[0]))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsCreateCmd, jobsListCmd, jobsStatusCmd, jobsWatchCmd, jobsExportCmd, jobsDeleteCmd,
		transitionCmd("cancel", "Cancel a queued, running or paused job", (*moderation.Service).CancelJob),
		transitionCmd("pause", "Pause a queued or running job", (*moderation.Service).PauseJob),
		transitionCmd("resume", "Resume a paused job", (*moderation.Service).ResumeJob),
	)

	jobsCreateCmd.Flags().StringVarP(&jobsCreateJobPath, "job", "j", "", "Path to job manifest (required)")
	jobsCreateCmd.Flags().BoolVar(&jobsCreateDryRun, "dry-run", false, "Validate and estimate without creating the job")
	_ = jobsCreateCmd.MarkFlagRequired("job")

	jobsListCmd.Flags().StringVar(&jobsListStatus, "status", "", "Comma-separated statuses to include")
	jobsListCmd.Flags().IntVar(&jobsListLimit, "limit", 50, "Maximum number of jobs")

	for _, c := range []*cobra.Command{jobsStatusCmd, jobsWatchCmd} {
		c.Flags().StringVar(&jobsStatusBucket, "bucket", "all", "Item bucket (all|pending|succeeded|failed|skipped|flagged)")
		c.Flags().IntVar(&jobsStatusPage, "page", 1, "Item page (1-based)")
		c.Flags().IntVar(&jobsStatusPageSize, "page-size", jobstore.DefaultPageSize, "Items per page")
	}
}

func withJobService(cmd *cobra.Command, fn func(svc *moderation.Service) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot open store", err)
	}
	defer func() { _ = a.Close() }()

	svc, err := a.service(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid pricing table", err)
	}
	return fn(svc)
}

func runJobsCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	req, err := loadJobRequest(jobsCreateJobPath)
	if err != nil {
		return err
	}
	return withJobService(cmd, func(svc *moderation.Service) error {
		if jobsCreateDryRun {
			est, err := svc.Estimate(ctx, req.EstimateRequest())
			if err != nil {
				return exitError(foundry.ExitInvalidArgument, "Invalid job", err)
			}
			return printJSON(est)
		}
		job, err := svc.CreateJob(ctx, req)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Cannot create job", err)
		}
		observability.CLILogger.Info("Job created",
			zap.String("job_id", job.ID),
			zap.String("model", job.Model),
			zap.Int("total_items", job.Total))
		return printJSON(job)
	})
}

func parseStatuses(raw string) ([]jobstore.JobStatus, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []jobstore.JobStatus
	for _, s := range strings.Split(raw, ",") {
		st, ok := jobstore.ParseJobStatus(strings.TrimSpace(s))
		if !ok {
			return nil, fmt.Errorf("unknown job status %q", s)
		}
		out = append(out, st)
	}
	return out, nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	statuses, err := parseStatuses(jobsListStatus)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --status", err)
	}
	return withJobService(cmd, func(svc *moderation.Service) error {
		jobs, err := svc.ListJobs(cmd.Context(), jobstore.ListQuery{Statuses: statuses, Limit: jobsListLimit})
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Cannot list jobs", err)
		}
		if jobs == nil {
			jobs = []jobstore.Job{}
		}
		return printJSON(jobs)
	})
}

func itemsQueryFromFlags() (jobstore.ItemsQuery, error) {
	bucket, ok := jobstore.ParseBucket(jobsStatusBucket)
	if !ok {
		return jobstore.ItemsQuery{}, fmt.Errorf("unknown bucket %q", jobsStatusBucket)
	}
	return jobstore.ItemsQuery{Bucket: bucket, Page: jobsStatusPage, PageSize: jobsStatusPageSize}, nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	q, err := itemsQueryFromFlags()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --bucket", err)
	}
	return withJobService(cmd, func(svc *moderation.Service) error {
		view, err := svc.GetJob(cmd.Context(), args[0], q)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Cannot read job", err)
		}
		return printJSON(view)
	})
}

type serviceSource struct{ svc *moderation.Service }

func (s serviceSource) View(ctx context.Context, id string, q jobstore.ItemsQuery) (*jobstore.JobView, error) {
	return s.svc.GetJob(ctx, id, q)
}

func runJobsWatch(cmd *cobra.Command, args []string) error {
	q, err := itemsQueryFromFlags()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --bucket", err)
	}
	cfg, err := currentConfig(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return withJobService(cmd, func(svc *moderation.Service) error {
		obs := observe.New(serviceSource{svc}, args[0], observe.Options{
			Items:           q,
			PersistentAfter: cfg.Observe.PersistentAfter,
			Logger:          observability.CLILogger,
		})
		err := obs.Watch(cmd.Context(), cfg.Observe.PollInterval, func(ev observe.Event) error {
			if ev.Err != nil {
				observability.CLILogger.Warn("Job store unreachable", zap.String("job_id", args[0]), zap.Error(ev.Err))
				return nil
			}
			return printJSON(ev.Snapshot)
		})
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Watch stopped", err)
		}
		return nil
	})
}

func runJobsExport(cmd *cobra.Command, args []string) error {
	return withJobService(cmd, func(svc *moderation.Service) error {
		res, err := svc.ExportJob(cmd.Context(), args[0], args[1])
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Export failed", err)
		}
		observability.CLILogger.Info("Export written",
			zap.String("job_id", res.JobID),
			zap.String("destination", res.Destination),
			zap.Int64("items", res.Items),
			zap.Int64("bytes", res.Bytes))
		return printJSON(res)
	})
}
