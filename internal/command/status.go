package command

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theLastOfCats/audiosync/internal/cursor"
	"github.com/theLastOfCats/audiosync/internal/download"
	"github.com/theLastOfCats/audiosync/internal/library"
	"github.com/theLastOfCats/audiosync/internal/model"
	"github.com/theLastOfCats/audiosync/internal/playthrough"
)

var (
	statusHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("111"))
	statusLabelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(20)
	statusValueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	statusWarnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
)

func NewStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync state, library size, pending progress and downloads",
		Args:  cobra.NoArgs,
		RunE: withApp(v, func(cmd *cobra.Command, args []string, app *App) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			session, err := app.Session()
			if err != nil {
				return err
			}
			cur, err := cursor.NewStore().Get(ctx, app.DB, session.ServerURL)
			if err != nil {
				return err
			}
			counts, err := library.Counts(ctx, app.DB, session.ServerURL)
			if err != nil {
				return err
			}
			pending, err := playthrough.PendingIDs(ctx, app.DB, session.ServerURL)
			if err != nil {
				return err
			}
			playthroughs, err := app.Service.List(ctx, session)
			if err != nil {
				return err
			}
			downloads, err := download.List(ctx, app.DB, session.ServerURL)
			if err != nil {
				return err
			}

			header(out, "Account")
			row(out, "server", session.ServerURL)
			row(out, "user", fmt.Sprint(session.UserID))
			row(out, "device", app.Device.ID)
			row(out, "library synced", syncedAgo(cur.LastLibrarySyncAt))
			row(out, "progress synced", syncedAgo(cur.LastUserSyncAt))

			header(out, "Library")
			tables := make([]string, 0, len(counts))
			for t := range counts {
				tables = append(tables, t)
			}
			sort.Strings(tables)
			for _, t := range tables {
				row(out, t, humanize.Comma(int64(counts[t])))
			}

			header(out, "Progress")
			byStatus := map[model.PlaythroughStatus]int{}
			for _, pt := range playthroughs {
				byStatus[pt.Status]++
			}
			row(out, "in progress", fmt.Sprint(byStatus[model.StatusInProgress]))
			row(out, "finished", fmt.Sprint(byStatus[model.StatusFinished]))
			row(out, "abandoned", fmt.Sprint(byStatus[model.StatusAbandoned]))
			if len(pending) > 0 {
				row(out, "awaiting push", statusWarnStyle.Render(fmt.Sprint(len(pending))))
			} else {
				row(out, "awaiting push", "0")
			}

			header(out, "Downloads")
			byDownload := map[model.DownloadStatus]int{}
			for _, d := range downloads {
				byDownload[d.Status]++
			}
			row(out, "ready", fmt.Sprint(byDownload[model.DownloadReady]))
			row(out, "in flight", fmt.Sprint(byDownload[model.DownloadPending]+byDownload[model.DownloadDownloading]))
			if n := byDownload[model.DownloadError]; n > 0 {
				row(out, "failed", statusWarnStyle.Render(fmt.Sprint(n)))
			}
			return nil
		}),
	}
}

func header(w io.Writer, title string) {
	fmt.Fprintln(w, statusHeaderStyle.Render(title))
}

func row(w io.Writer, label, value string) {
	fmt.Fprintln(w, "  "+statusLabelStyle.Render(label)+statusValueStyle.Render(value))
}

func syncedAgo(at *int64) string {
	if at == nil {
		return statusWarnStyle.Render("never")
	}
	return humanize.Time(time.UnixMilli(*at))
}

func NewDeviceCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "device",
		Short: "Show this installation's device identity",
		Args:  cobra.NoArgs,
		RunE: withApp(v, func(cmd *cobra.Command, args []string, app *App) error {
			d := app.Device
			out := cmd.OutOrStdout()
			row(out, "id", d.ID)
			row(out, "type", d.Type)
			row(out, "platform", d.OS+"/"+d.Arch)
			row(out, "hostname", d.Hostname)
			row(out, "app version", d.AppVersion)
			row(out, "first seen", humanize.Time(time.UnixMilli(d.CreatedAt)))
			return nil
		}),
	}
}

func NewMigrateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Convert progress saved by old releases into playthroughs",
		Long: strings.TrimSpace(`
Convert progress saved by old releases into playthroughs. This also runs
automatically on every start; the command reports what was converted.`),
		Args: cobra.NoArgs,
		RunE: withApp(v, func(cmd *cobra.Command, args []string, app *App) error {
			m := app.Migration
			if !m.Ran {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to migrate")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Converted %d legacy progress rows into playthroughs with %d events\n",
				m.Playthroughs, m.Events)
			return nil
		}),
	}
}
