package commands

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

type downloadSummary struct {
	ModelID          string  `json:"model_id"`
	TotalBytes       int64   `json:"total_bytes"`
	DownloadedBytes  int64   `json:"downloaded_bytes"`
	Percentage       float64 `json:"percentage"`
	Status           string  `json:"status"`
	DownloadSpeedBps float64 `json:"download_speed_bps"`
}

type downloadListResponse struct {
	Downloads []downloadSummary `json:"downloads"`
}

func newDownloadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "downloads",
		Short: "Inspect and control model downloads",
	}
	cmd.AddCommand(newDownloadsListCmd(), newDownloadsCancelCmd(), newDownloadsPauseCmd(), newDownloadsResumeCmd())
	return cmd
}

func newDownloadsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List in-flight and recent downloads",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp downloadListResponse
			if err := cli.get(cmd.Context(), "/downloads", &resp); err != nil {
				return fmt.Errorf("listing downloads: %w", err)
			}
			if len(resp.Downloads) == 0 {
				cmd.Println("No downloads")
				return nil
			}

			table := tablewriter.NewTable(os.Stdout,
				tablewriter.WithHeader([]string{"MODEL", "STATUS", "PROGRESS", "SPEED"}),
			)
			for _, d := range resp.Downloads {
				table.Append([]string{
					d.ModelID,
					d.Status,
					fmt.Sprintf("%.1f%%", d.Percentage),
					fmt.Sprintf("%.0f B/s", d.DownloadSpeedBps),
				})
			}
			table.Render()
			return nil
		},
	}
}

func newDownloadsCancelCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "cancel [MODEL]",
		Short: "Cancel a download, or all downloads with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				var resp map[string]any
				if err := cli.post(cmd.Context(), "/downloads/cancel", nil, &resp); err != nil {
					return fmt.Errorf("cancelling downloads: %w", err)
				}
				cmd.Printf("Cancelled %v download(s)\n", resp["cancelled"])
				return nil
			}
			if len(args) != 1 {
				return fmt.Errorf("pass a model id, or --all to cancel every download")
			}
			if err := cli.post(cmd.Context(), "/downloads/"+args[0]+"/cancel", nil, nil); err != nil {
				return fmt.Errorf("cancelling download: %w", err)
			}
			cmd.Printf("Cancelled download: %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "cancel every active download")
	return cmd
}

func newDownloadsPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause MODEL",
		Short: "Pause an active download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.post(cmd.Context(), "/downloads/"+args[0]+"/pause", nil, nil); err != nil {
				return fmt.Errorf("pausing download: %w", err)
			}
			cmd.Printf("Paused download: %s\n", args[0])
			return nil
		},
	}
}

func newDownloadsResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume MODEL",
		Short: "Resume a paused download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.post(cmd.Context(), "/downloads/"+args[0]+"/resume", nil, nil); err != nil {
				return fmt.Errorf("resuming download: %w", err)
			}
			cmd.Printf("Resumed download: %s\n", args[0])
			return nil
		},
	}
}
