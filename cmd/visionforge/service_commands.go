package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"visionforge/internal/daemonctl"
)

func newModelsCommand(ctx *commandContext) *cobra.Command {
	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "List models available on the model server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *daemonctl.Client) error {
				models, err := client.ListModels(cmd.Context())
				if err != nil {
					return err
				}
				stdout := cmd.OutOrStdout()
				if len(models) == 0 {
					fmt.Fprintln(stdout, "No models installed")
					return nil
				}
				rows := make([][]string, 0, len(models))
				for _, model := range models {
					rows = append(rows, []string{model.Name, formatBytes(model.Size)})
				}
				fmt.Fprintln(stdout, renderTable(
					[]string{"Model", "Size"},
					rows,
					[]columnAlignment{alignLeft, alignRight},
				))
				return nil
			})
		},
	}

	warmCmd := &cobra.Command{
		Use:   "warm <model>",
		Short: "Preload a model so the next pipeline run starts instantly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *daemonctl.Client) error {
				if err := client.WarmModel(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Model %s warmed\n", args[0])
				return nil
			})
		},
	}
	modelsCmd.AddCommand(warmCmd)

	return modelsCmd
}

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the daemon's backing services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *daemonctl.Client) error {
				report, err := client.Doctor(cmd.Context())
				if err != nil {
					return err
				}
				stdout := cmd.OutOrStdout()
				colorize := shouldColorize(stdout)

				fmt.Fprintln(stdout, sectionHeader("Services", colorize))
				fmt.Fprintln(stdout, serviceCheckLine("Ollama", report.Ollama.Reachable,
					report.Ollama.Endpoint, report.Ollama.Error, colorize))
				fmt.Fprintln(stdout, serviceCheckLine("ComfyUI", report.ComfyUI.Reachable,
					report.ComfyUI.Endpoint, report.ComfyUI.Error, colorize))

				if report.Ollama.Reachable {
					fmt.Fprintln(stdout, statusLine("Models", sevInfo,
						fmt.Sprintf("%d installed", len(report.Models)), colorize))
				}
				if report.BackendQueue != nil {
					detail := fmt.Sprintf("%d running, %d pending",
						report.BackendQueue.Running, report.BackendQueue.Pending)
					fmt.Fprintln(stdout, statusLine("Backend queue", sevInfo, detail, colorize))
				}

				if !report.Ollama.Reachable || !report.ComfyUI.Reachable {
					return fmt.Errorf("one or more services are unreachable")
				}
				return nil
			})
		},
	}
}

func serviceCheckLine(label string, reachable bool, endpoint, errMsg string, colorize bool) string {
	if reachable {
		return statusLine(label, sevOK, endpoint, colorize)
	}
	detail := endpoint
	if errMsg != "" {
		detail += " (" + errMsg + ")"
	}
	return statusLine(label, sevError, detail, colorize)
}

func newFreeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "free",
		Short: "Unload backend models and release VRAM",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *daemonctl.Client) error {
				if err := client.FreeBackendMemory(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Backend memory released")
				return nil
			})
		},
	}
}

func formatBytes(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(size)/float64(div), "KMGTPE"[exp])
}
