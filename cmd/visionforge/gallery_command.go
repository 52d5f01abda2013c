package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"visionforge/internal/daemonctl"
)

func newGalleryCommand(ctx *commandContext) *cobra.Command {
	var limit int

	galleryCmd := &cobra.Command{
		Use:   "gallery",
		Short: "List generated images, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *daemonctl.Client) error {
				artifacts, err := client.ListArtifacts(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if len(artifacts) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Gallery is empty")
					return nil
				}
				rows := make([][]string, 0, len(artifacts))
				for _, artifact := range artifacts {
					rows = append(rows, []string{
						shortID(artifact.ID),
						shortID(artifact.JobID),
						artifact.Checkpoint,
						fmt.Sprintf("%dx%d", artifact.Width, artifact.Height),
						fmt.Sprintf("%d", artifact.Seed),
						artifact.CreatedAt.Local().Format("2006-01-02 15:04"),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Job", "Checkpoint", "Size", "Seed", "Created"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
	galleryCmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of entries")
	return galleryCmd
}
