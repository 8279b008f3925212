package command

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theLastOfCats/audiosync/internal/library"
	"github.com/theLastOfCats/audiosync/internal/model"
	"github.com/theLastOfCats/audiosync/internal/playback"
	"github.com/theLastOfCats/audiosync/internal/playthrough"
)

func NewPlayCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "play <media-id>",
		Short: "Listen to a media item with the built-in player and record progress",
		Long: `Listen to a media item with the built-in software player. Progress is
recorded to the local playthrough and pushed on the next sync. Jumps are
applied like repeated remote skip taps.`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(v, func(cmd *cobra.Command, args []string, app *App) error {
			session, err := app.Session()
			if err != nil {
				return err
			}
			listen, _ := cmd.Flags().GetDuration("for")
			rate, _ := cmd.Flags().GetFloat64("rate")
			jumps, _ := cmd.Flags().GetFloat64Slice("jump")
			finish, _ := cmd.Flags().GetBool("finish")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return play(ctx, cmd, app, session, args[0], playOptions{listen: listen, rate: rate, jumps: jumps, finish: finish})
		}),
	}
	cmd.Flags().Duration("for", 30*time.Second, "how long to listen")
	cmd.Flags().Float64("rate", 1, "playback rate")
	cmd.Flags().Float64Slice("jump", nil, "skip by this many seconds after starting (repeatable)")
	cmd.Flags().Bool("finish", false, "mark the playthrough finished afterwards")
	return cmd
}

type playOptions struct {
	listen time.Duration
	rate   float64
	jumps  []float64
	finish bool
}

func play(ctx context.Context, cmd *cobra.Command, app *App, session model.Session, mediaID string, opts playOptions) error {
	out := cmd.OutOrStdout()
	media, err := library.GetMedia(ctx, app.DB, session.ServerURL, mediaID)
	if err != nil {
		return fmt.Errorf("media %s: %w", mediaID, err)
	}
	var duration float64
	if media.Duration != nil {
		duration = *media.Duration
	}

	pt, created, err := app.Service.Start(ctx, session, mediaID)
	if err != nil {
		return err
	}
	state, err := playthrough.State(ctx, app.DB, session.ServerURL, pt.ID)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(out, "Started playthrough %s\n", pt.ID)
	} else {
		fmt.Fprintf(out, "Resuming playthrough %s at %s\n", pt.ID, formatPosition(state.CurrentPosition))
	}

	player := playback.NewSimPlayer(playback.RealClock(), duration, state.CurrentPosition, opts.rate)
	recorder := app.Service.Recorder(session, pt.ID)
	recorder.OnFinishPrompt = func(playthrough.Snapshot) {
		fmt.Fprintln(out, "Almost done; run again with --finish to mark it finished")
	}

	paused := make(chan struct{}, 1)
	record := playback.RecorderFunc(func(ctx context.Context, ev playback.Event) error {
		err := recorder.Record(ctx, ev)
		if ev.Type == model.EventPause {
			select {
			case paused <- struct{}{}:
			default:
			}
		}
		return err
	})

	ctrl := playback.NewController(nil, player, record, playback.Config{
		ApplyWindow:    app.Config.Playback.ApplyWindow,
		LogWindow:      app.Config.Playback.LogWindow,
		FallbackWindow: app.Config.Playback.FallbackWindow,
		Logger:         app.Logging.For("playback"),
	})
	defer ctrl.Close()

	ended := make(chan struct{})
	ctrl.OnQueueEnded(func() { close(ended) })

	ctrl.Play()
	for _, delta := range opts.jumps {
		ctrl.SeekBy(delta)
	}

	select {
	case <-time.After(opts.listen):
	case <-ended:
		fmt.Fprintln(out, "Reached the end")
	case <-ctx.Done():
	}

	select {
	case <-ended:
	default:
		ctrl.Pause()
	}

	// Close logs the jump gesture and the pause without waiting out their windows.
	ctrl.Close()
	select {
	case <-paused:
	default:
		app.Logger.Printf("WARNING: pause was not recorded")
	}

	position := player.Progress().Position
	if opts.finish {
		if _, err := app.Service.Finish(context.WithoutCancel(ctx), session, pt.ID, position); err != nil {
			return err
		}
		fmt.Fprintln(out, "Marked finished")
	}

	state, err = playthrough.State(context.WithoutCancel(ctx), app.DB, session.ServerURL, pt.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Position %s, listened %s in total\n", formatPosition(state.CurrentPosition),
		(time.Duration(state.TotalListeningTime) * time.Millisecond).Round(time.Second))
	return nil
}

func formatPosition(seconds float64) string {
	return (time.Duration(seconds * float64(time.Second))).Round(time.Second).String()
}
