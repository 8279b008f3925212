package command

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theLastOfCats/audiosync/internal/background"
	"github.com/theLastOfCats/audiosync/internal/model"
)

func NewDaemonCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Sync periodically and keep downloads running until interrupted",
		Args:  cobra.NoArgs,
		RunE: withApp(v, func(cmd *cobra.Command, args []string, app *App) error {
			session, err := app.Session()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			downloads, err := app.Downloads()
			if err != nil {
				return err
			}
			if n, err := downloads.ResumeAll(ctx, session); err != nil {
				app.Logger.Printf("ERROR: failed to resume downloads: %v", err)
			} else if n > 0 {
				app.Logger.Printf("resumed %d downloads", n)
			}

			watcher, err := downloads.Watch(ctx)
			if err != nil {
				app.Logger.Printf("WARNING: not watching download directory: %v", err)
			} else {
				defer watcher.Close()
			}

			scheduler := background.NewTickerScheduler(app.Config.BackgroundBudget, app.Logging.For("background"))
			scheduler.OnResult = func(name string, r background.Result, took time.Duration) {
				app.Logger.Printf("%s: %s in %s", name, r, took.Round(time.Millisecond))
			}
			defer scheduler.Close()

			sessions := func() []model.Session { return []model.Session{session} }
			syncTask := background.SyncTask(app.Sync, sessions, app.Logging.For("background"))

			// The first sync runs now; later ones follow the interval.
			first := syncTask(ctx)
			app.Logger.Printf("initial sync: %s", first)
			if err := scheduler.Register("sync", app.Config.SyncInterval, syncTask); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Syncing %s every %s; press Ctrl-C to stop\n", session.ServerURL, app.Config.SyncInterval)
			<-ctx.Done()
			return nil
		}),
	}
}
