package command

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theLastOfCats/audiosync/internal/download"
	"github.com/theLastOfCats/audiosync/internal/model"
)

func NewDownloadCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Manage offline copies of media",
	}

	start := &cobra.Command{
		Use:   "start <media-id>",
		Short: "Download a media file and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: withDownloads(v, func(cmd *cobra.Command, m *download.Manager, session model.Session, mediaID string) error {
			if _, err := m.Start(cmd.Context(), session, mediaID); err != nil {
				return err
			}
			return waitDownload(cmd, m, session, mediaID)
		}),
	}
	retry := &cobra.Command{
		Use:   "retry <media-id>",
		Short: "Retry a failed download",
		Args:  cobra.ExactArgs(1),
		RunE: withDownloads(v, func(cmd *cobra.Command, m *download.Manager, session model.Session, mediaID string) error {
			if _, err := m.Retry(cmd.Context(), session, mediaID); err != nil {
				return err
			}
			return waitDownload(cmd, m, session, mediaID)
		}),
	}
	cancel := &cobra.Command{
		Use:   "cancel <media-id>",
		Short: "Cancel an unfinished download and remove its files",
		Args:  cobra.ExactArgs(1),
		RunE: withDownloads(v, func(cmd *cobra.Command, m *download.Manager, session model.Session, mediaID string) error {
			return m.Cancel(cmd.Context(), session, mediaID)
		}),
	}
	del := &cobra.Command{
		Use:   "delete <media-id>",
		Short: "Delete a download in any state",
		Args:  cobra.ExactArgs(1),
		RunE: withDownloads(v, func(cmd *cobra.Command, m *download.Manager, session model.Session, mediaID string) error {
			return m.Delete(cmd.Context(), session, mediaID)
		}),
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List downloads",
		Args:  cobra.NoArgs,
		RunE: withApp(v, func(cmd *cobra.Command, args []string, app *App) error {
			session, err := app.Session()
			if err != nil {
				return err
			}
			downloads, err := download.List(cmd.Context(), app.DB, session.ServerURL)
			if err != nil {
				return err
			}
			if len(downloads) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No downloads")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MEDIA\tSTATUS\tPROGRESS\tUPDATED")
			for _, d := range downloads {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.MediaID, describeStatus(d), progressText(d),
					humanize.Time(time.UnixMilli(d.UpdatedAt)))
			}
			return tw.Flush()
		}),
	}

	cmd.AddCommand(start, retry, cancel, del, list)
	return cmd
}

func withDownloads(v *viper.Viper, fn func(cmd *cobra.Command, m *download.Manager, session model.Session, mediaID string) error) func(*cobra.Command, []string) error {
	return withApp(v, func(cmd *cobra.Command, args []string, app *App) error {
		session, err := app.Session()
		if err != nil {
			return err
		}
		m, err := app.Downloads()
		if err != nil {
			return err
		}
		return fn(cmd, m, session, args[0])
	})
}

func waitDownload(cmd *cobra.Command, m *download.Manager, session model.Session, mediaID string) error {
	d, err := m.Wait(cmd.Context(), session.ServerURL, mediaID)
	if err != nil {
		return err
	}
	if d.Status == model.DownloadError {
		return fmt.Errorf("download failed: %s", describeStatus(d))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", mediaID, describeStatus(d))
	return nil
}

func describeStatus(d model.Download) string {
	if d.Status == model.DownloadError && d.ErrorMessage != nil {
		return fmt.Sprintf("%s (%s)", d.Status, *d.ErrorMessage)
	}
	return string(d.Status)
}

func progressText(d model.Download) string {
	if d.Progress == nil {
		return "-"
	}
	return fmt.Sprintf("%.0f%%", *d.Progress*100)
}
