package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hibiken/asynq"

	"github.com/cartera-erp/cartera-erp/jobs"
)

// Enqueuer submits reconciliation sweeps to the queue.
type Enqueuer interface {
	EnqueueReconScan(ctx context.Context, payload jobs.ReconScanPayload) (*asynq.TaskInfo, error)
	Close() error
}

// QueueInspector reads queue state for the stats and scheduled commands.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	Close() error
}

// JobsCLI wraps manual management helpers for queued jobs.
type JobsCLI struct {
	enqueuer  Enqueuer
	inspector QueueInspector
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) (*JobsCLI, error) {
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	client, err := jobs.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &JobsCLI{enqueuer: client, inspector: asynq.NewInspector(opts)}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.enqueuer != nil {
		if closeErr := c.enqueuer.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// Trigger enqueues a supported job by name with default payload.
func (c *JobsCLI) Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error) {
	if c == nil || c.enqueuer == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	switch name {
	case jobs.TaskTypeReconScan:
		return c.enqueuer.EnqueueReconScan(ctx, jobs.ReconScanPayload{})
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = int(info.Pending)
		stats.Active = int(info.Active)
		stats.Scheduled = int(info.Scheduled)
		stats.Retry = int(info.Retry)
	}
	return stats, nil
}

// ListScheduled returns scheduled task infos for observability.
func (c *JobsCLI) ListScheduled(ctx context.Context, size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(jobs.QueueDefault, asynq.PageSize(size), asynq.Page(1))
}

// JobsOptions defines available flags for the jobs subcommand.
type JobsOptions struct {
	Command    string
	Job        string
	Size       int
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

type taskSummary struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
	Type  string `json:"type"`
}

type scheduledSummary struct {
	Tasks []taskSummary `json:"tasks"`
}

// Run dispatches one jobs subcommand and prints the outcome.
func (c *JobsCLI) Run(ctx context.Context, opts JobsOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	switch opts.Command {
	case "trigger":
		job := opts.Job
		if job == "" {
			job = jobs.TaskTypeReconScan
		}
		info, err := c.Trigger(ctx, job)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "jobs trigger: %v\n", err)
			return 1
		}
		return render(opts, taskSummary{ID: info.ID, Queue: info.Queue, Type: info.Type},
			fmt.Sprintf("enqueued %s (id %s) on queue %s", info.Type, info.ID, info.Queue))
	case "stats":
		stats, err := c.InspectQueue(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "jobs stats: %v\n", err)
			return 1
		}
		return render(opts, stats,
			fmt.Sprintf("queue %s: pending=%d active=%d scheduled=%d retry=%d",
				stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry))
	case "scheduled":
		tasks, err := c.ListScheduled(ctx, opts.Size)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "jobs scheduled: %v\n", err)
			return 1
		}
		summary := scheduledSummary{Tasks: make([]taskSummary, 0, len(tasks))}
		for _, task := range tasks {
			summary.Tasks = append(summary.Tasks, taskSummary{ID: task.ID, Queue: task.Queue, Type: task.Type})
		}
		if opts.JSONOutput {
			return render(opts, summary, "")
		}
		for _, task := range summary.Tasks {
			_, _ = fmt.Fprintf(opts.Stdout, "%s %s (queue %s)\n", task.ID, task.Type, task.Queue)
		}
		return 0
	default:
		_, _ = fmt.Fprintf(opts.Stderr, "jobs: unknown command %q (expected trigger, stats or scheduled)\n", opts.Command)
		return 1
	}
}

func render(opts JobsOptions, summary any, human string) int {
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "jobs: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	_, _ = fmt.Fprintln(opts.Stdout, human)
	return 0
}
