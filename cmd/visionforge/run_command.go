package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"visionforge/internal/daemon"
	"visionforge/internal/events"
	"visionforge/internal/pipeline"
)

var stageTitle = cases.Title(language.English)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		concepts    int
		autoApprove bool
		priority    string
		noStream    bool
	)

	runCmd := &cobra.Command{
		Use:   "run <idea>",
		Short: "Run the prompt refinement pipeline",
		Long:  "Runs the refinement stages on an idea and prints the final prompt pair. Stage output streams live unless --no-stream is set.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			client, err := ctx.client()
			if err != nil {
				return err
			}

			streamCtx, stopStream := context.WithCancel(cmd.Context())
			defer stopStream()
			streamDone := make(chan struct{})
			if noStream {
				close(streamDone)
			} else {
				cursor, err := currentCursor(streamCtx, client)
				if err != nil {
					return err
				}
				go func() {
					defer close(streamDone)
					streamStageEvents(streamCtx, client, cursor, stdout)
				}()
			}

			resp, runErr := client.RunPipeline(cmd.Context(), daemon.PipelineRunRequest{
				Idea:        args[0],
				NumConcepts: concepts,
				AutoApprove: autoApprove,
				Priority:    priority,
			})
			stopStream()
			<-streamDone

			if runErr != nil {
				return runErr
			}
			printRun(stdout, resp.Run)
			if resp.JobID != "" {
				fmt.Fprintf(stdout, "\nQueued generation job %s\n", resp.JobID)
			}
			return nil
		},
	}

	runCmd.Flags().IntVar(&concepts, "concepts", 0, "Number of concepts to explore (default from config)")
	runCmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Queue a generation job when the run completes")
	runCmd.Flags().StringVar(&priority, "priority", "normal", "Priority for the auto-approved job (high, normal, low)")
	runCmd.Flags().BoolVar(&noStream, "no-stream", false, "Suppress live stage output")

	runCmd.AddCommand(&cobra.Command{
		Use:   "cancel",
		Short: "Cancel the active pipeline run",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			cancelled, err := client.CancelPipeline(cmd.Context())
			if err != nil {
				return err
			}
			if cancelled {
				fmt.Fprintln(cmd.OutOrStdout(), "Run cancelled")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "No active run")
			}
			return nil
		},
	})

	return runCmd
}

// currentCursor returns the bus sequence to stream from, skipping everything
// already published.
func currentCursor(ctx context.Context, client eventsFetcher) (uint64, error) {
	resp, err := client.Events(ctx, 0, 1, false)
	if err != nil {
		return 0, err
	}
	return resp.Next, nil
}

type eventsFetcher interface {
	Events(ctx context.Context, since uint64, limit int, wait bool) (daemon.EventsResponse, error)
}

// streamStageEvents long-polls the daemon and renders pipeline stage events
// until ctx is cancelled.
func streamStageEvents(ctx context.Context, client eventsFetcher, cursor uint64, out io.Writer) {
	for ctx.Err() == nil {
		resp, err := client.Events(ctx, cursor, 200, true)
		if err != nil {
			return
		}
		for _, evt := range resp.Events {
			switch evt.Topic {
			case events.TopicStageStart:
				stage := payloadString(evt, "stage")
				model := payloadString(evt, "model")
				fmt.Fprintf(out, "\n== %s [%s] ==\n", stageLabel(stage), model)
			case events.TopicStageToken:
				fmt.Fprint(out, payloadString(evt, "token"))
			case events.TopicStageComplete:
				fmt.Fprintln(out)
			}
		}
		if resp.Next > cursor {
			cursor = resp.Next
		}
	}
}

// stageLabel turns a camel-case stage name into a heading.
func stageLabel(stage string) string {
	var b strings.Builder
	for i, r := range stage {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return stageTitle.String(b.String())
}

func payloadString(evt events.Event, key string) string {
	fields, ok := evt.Payload.(map[string]any)
	if !ok {
		return ""
	}
	value, _ := fields[key].(string)
	return value
}

func printRun(out io.Writer, run *pipeline.Run) {
	if run == nil {
		return
	}
	fmt.Fprintf(out, "\nPhase: %s\n", run.Phase)
	if run.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", run.Error)
	}
	if len(run.Concepts) > 1 {
		fmt.Fprintln(out, "\nConcepts:")
		for i, concept := range run.Concepts {
			marker := "  "
			if i == run.SelectedIndex {
				marker = "* "
			}
			fmt.Fprintf(out, "%s%d. %s\n", marker, i+1, concept)
		}
	}
	if result, ok := run.Result(pipeline.StageReviewer); ok {
		if verdict, ok := result.Output.(map[string]any); ok {
			if approved, ok := verdict["approved"].(bool); ok && !approved {
				fmt.Fprintln(out, "\nReviewer rejected the draft; suggestions applied.")
			}
		}
	}
	if run.FinalPrompts.Positive != "" {
		fmt.Fprintf(out, "\nPositive prompt:\n  %s\n", run.FinalPrompts.Positive)
		fmt.Fprintf(out, "\nNegative prompt:\n  %s\n", run.FinalPrompts.Negative)
	}
}
