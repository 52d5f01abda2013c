package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"visionforge/internal/daemonctl"
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the visionforge daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			client, err := ctx.client()
			if err != nil {
				return err
			}

			if _, err := client.Status(cmd.Context()); err == nil {
				fmt.Fprintln(stdout, "Daemon already running")
				return nil
			}

			exe, err := daemonExecutable()
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, "Daemon not running, launching...")
			if err := daemonctl.Launch(exe, ctx.configPath()); err != nil {
				return err
			}
			if err := client.WaitForDaemon(cmd.Context(), 10*time.Second); err != nil {
				return err
			}
			fmt.Fprintln(stdout, "Daemon started")
			return nil
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the visionforge daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *daemonctl.Client) error {
				if err := client.Shutdown(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Shutdown requested")
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)

			client, err := ctx.client()
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context())
			if err != nil {
				fmt.Fprintln(stdout, statusLine("Daemon", sevError, "not reachable", colorize))
				return err
			}

			fmt.Fprintln(stdout, sectionHeader("Daemon", colorize))
			runningSev := sevOK
			if !status.Running {
				runningSev = sevError
			}
			fmt.Fprintln(stdout, statusLine("Running", runningSev, yesNo(status.Running), colorize))

			pausedSev := sevOK
			if status.Paused {
				pausedSev = sevWarn
			}
			fmt.Fprintln(stdout, statusLine("Queue paused", pausedSev, yesNo(status.Paused), colorize))
			fmt.Fprintln(stdout, statusLine("Pipeline active", sevInfo, yesNo(status.PipelineActive), colorize))
			fmt.Fprintln(stdout, statusLine("Database", sevInfo, status.QueueDBPath, colorize))

			if len(status.QueueCounts) > 0 {
				fmt.Fprintln(stdout)
				rows := make([][]string, 0, len(status.QueueCounts))
				statuses := make([]string, 0, len(status.QueueCounts))
				for name := range status.QueueCounts {
					statuses = append(statuses, name)
				}
				sort.Strings(statuses)
				for _, name := range statuses {
					rows = append(rows, []string{name, strconv.Itoa(status.QueueCounts[name])})
				}
				fmt.Fprintln(stdout, renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
			}
			return nil
		},
	}

	return []*cobra.Command{startCmd, stopCmd, statusCmd}
}

func daemonExecutable() (string, error) {
	self, err := os.Executable()
	if err == nil {
		candidate := filepath.Join(filepath.Dir(self), "visionforged")
		if info, statErr := os.Stat(candidate); statErr == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	path, err := exec.LookPath("visionforged")
	if err != nil {
		return "", fmt.Errorf("locate visionforged: %w", err)
	}
	return path, nil
}
