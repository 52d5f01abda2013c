package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"visionforge/internal/daemon"
	"visionforge/internal/daemonctl"
	"visionforge/internal/events"
	"visionforge/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the generation queue",
	}

	queueCmd.AddCommand(newQueueAddCommand(ctx))
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueShowCommand(ctx))
	queueCmd.AddCommand(newQueueCancelCommand(ctx))
	queueCmd.AddCommand(newQueuePriorityCommand(ctx))
	queueCmd.AddCommand(newQueuePauseCommand(ctx))
	queueCmd.AddCommand(newQueueResumeCommand(ctx))
	queueCmd.AddCommand(newQueueWatchCommand(ctx))

	return queueCmd
}

func newQueueAddCommand(ctx *commandContext) *cobra.Command {
	var (
		negative string
		priority string
	)
	addCmd := &cobra.Command{
		Use:   "add <positive prompt>",
		Short: "Queue a generation job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *daemonctl.Client) error {
				job, err := client.Enqueue(cmd.Context(), daemon.EnqueueRequest{
					PositivePrompt: args[0],
					NegativePrompt: negative,
					Priority:       priority,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued job %s at %s priority\n", job.ID, job.Priority)
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&negative, "negative", "", "Negative prompt (default from config)")
	addCmd.Flags().StringVar(&priority, "priority", "normal", "Job priority (high, normal, low)")
	return addCmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs in execution order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *daemonctl.Client) error {
				jobs, err := client.ListJobs(cmd.Context())
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				rows := make([][]string, 0, len(jobs))
				for _, job := range jobs {
					rows = append(rows, []string{
						shortID(job.ID),
						job.Priority.String(),
						string(job.Status),
						truncatePrompt(job.PositivePrompt, 48),
						job.CreatedAt.Local().Format("2006-01-02 15:04"),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Priority", "Status", "Prompt", "Created"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
}

func newQueueShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *daemonctl.Client) error {
				job, err := client.GetJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				stdout := cmd.OutOrStdout()
				colorize := shouldColorize(stdout)

				fmt.Fprintln(stdout, statusLine("ID", sevInfo, job.ID, colorize))
				fmt.Fprintln(stdout, statusLine("Status", jobSeverity(job.Status), string(job.Status), colorize))
				fmt.Fprintln(stdout, statusLine("Priority", sevInfo, job.Priority.String(), colorize))
				fmt.Fprintln(stdout, statusLine("Checkpoint", sevInfo, job.Settings.Checkpoint, colorize))
				size := fmt.Sprintf("%dx%d, %d steps", job.Settings.Width, job.Settings.Height, job.Settings.Steps)
				fmt.Fprintln(stdout, statusLine("Generation", sevInfo, size, colorize))
				fmt.Fprintln(stdout, statusLine("Pipeline log", sevInfo, yesNo(len(job.PipelineLog) > 0), colorize))
				if job.ErrorMessage != "" {
					fmt.Fprintln(stdout, statusLine("Error", sevError, job.ErrorMessage, colorize))
				}
				if job.ResultArtifactID != "" {
					fmt.Fprintln(stdout, statusLine("Artifact", sevOK, job.ResultArtifactID, colorize))
				}
				fmt.Fprintf(stdout, "\nPositive prompt:\n  %s\n", job.PositivePrompt)
				fmt.Fprintf(stdout, "\nNegative prompt:\n  %s\n", job.NegativePrompt)
				return nil
			})
		},
	}
}

func newQueueCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or generating job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *daemonctl.Client) error {
				if err := client.CancelJob(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Cancellation requested")
				return nil
			})
		},
	}
}

func newQueuePriorityCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "priority <job-id> <high|normal|low>",
		Short: "Move a pending job to a new priority tier",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			priority, err := queue.ParsePriority(args[1])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *daemonctl.Client) error {
				if err := client.ReorderJob(cmd.Context(), args[0], priority); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job moved to %s priority\n", priority)
				return nil
			})
		},
	}
}

func newQueuePauseCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause job execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *daemonctl.Client) error {
				if err := client.Pause(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Queue paused")
				return nil
			})
		},
	}
}

func newQueueResumeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume job execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *daemonctl.Client) error {
				if err := client.Resume(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Queue resumed")
				return nil
			})
		},
	}
}

func newQueueWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow a job's progress until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *daemonctl.Client) error {
				return watchJob(cmd.Context(), client, args[0], cmd)
			})
		},
	}
}

func watchJob(ctx context.Context, client *daemonctl.Client, jobID string, cmd *cobra.Command) error {
	stdout := cmd.OutOrStdout()

	job, err := client.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		fmt.Fprintf(stdout, "Job already %s\n", job.Status)
		return nil
	}

	cursorResp, err := client.Events(ctx, 0, 1, false)
	if err != nil {
		return err
	}
	cursor := cursorResp.Next

	var bar *progressbar.ProgressBar
	finishBar := func() {
		if bar != nil {
			_ = bar.Finish()
			fmt.Fprintln(stdout)
			bar = nil
		}
	}
	defer finishBar()

	for ctx.Err() == nil {
		resp, err := client.Events(ctx, cursor, 200, true)
		if err != nil {
			return err
		}
		for _, evt := range resp.Events {
			if payloadString(evt, "jobId") != jobID {
				continue
			}
			switch evt.Topic {
			case events.TopicJobStarted:
				fmt.Fprintln(stdout, "Generation started")
			case events.TopicJobProgress:
				current, total := progressSteps(evt)
				if bar == nil && total > 0 {
					bar = progressbar.NewOptions(total,
						progressbar.OptionSetDescription("sampling"),
						progressbar.OptionSetWriter(stdout),
						progressbar.OptionShowCount(),
						progressbar.OptionSetWidth(30),
					)
				}
				if bar != nil {
					_ = bar.Set(current)
				}
			case events.TopicJobCompleted:
				finishBar()
				fmt.Fprintf(stdout, "Completed, artifact %s\n", payloadString(evt, "artifactId"))
				return nil
			case events.TopicJobFailed:
				finishBar()
				return fmt.Errorf("job failed: %s", payloadString(evt, "error"))
			case events.TopicJobCancelled:
				finishBar()
				fmt.Fprintln(stdout, "Job cancelled")
				return nil
			}
		}
		if resp.Next > cursor {
			cursor = resp.Next
		}

		// The job may have finished before we started following events.
		job, err := client.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			finishBar()
			fmt.Fprintf(stdout, "Job %s\n", job.Status)
			return nil
		}
	}
	return ctx.Err()
}

func progressSteps(evt events.Event) (int, int) {
	fields, ok := evt.Payload.(map[string]any)
	if !ok {
		return 0, 0
	}
	current, _ := fields["currentStep"].(float64)
	total, _ := fields["totalSteps"].(float64)
	return int(current), int(total)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func truncatePrompt(prompt string, limit int) string {
	prompt = strings.TrimSpace(prompt)
	runes := []rune(prompt)
	if len(runes) <= limit {
		return prompt
	}
	return string(runes[:limit-1]) + "…"
}
