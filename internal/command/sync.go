package command

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theLastOfCats/audiosync/internal/syncer"
)

func NewSyncCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull library and progress changes, then push local progress",
		Args:  cobra.NoArgs,
		RunE: withApp(v, func(cmd *cobra.Command, args []string, app *App) error {
			session, err := app.Session()
			if err != nil {
				return err
			}

			full, _ := cmd.Flags().GetBool("full")
			run := app.Sync.Sync
			if full {
				run = app.Sync.FullResync
			}
			out, err := run(cmd.Context(), session)
			if err != nil {
				return err
			}
			printOutcome(cmd.OutOrStdout(), out)
			return out.Err()
		}),
	}
	cmd.Flags().Bool("full", false, "ignore sync cursors and pull everything")
	return cmd
}

func printOutcome(w io.Writer, out syncer.Outcome) {
	phases := []struct {
		name string
		res  syncer.PhaseResult
	}{
		{"library", out.Library},
		{"user", out.User},
		{"push", out.Push},
	}
	for _, p := range phases {
		status := "ok"
		if p.res.Err != nil {
			status = "failed: " + p.res.Err.Error()
		}
		fmt.Fprintf(w, "%-8s %4d changed  %s  (%s)\n", p.name, p.res.Changed, status, p.res.Duration.Round(time.Millisecond))
	}
}
