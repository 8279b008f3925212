package command

import (
	"errors"
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theLastOfCats/audiosync/internal/config"
	"github.com/theLastOfCats/audiosync/internal/device"
	"github.com/theLastOfCats/audiosync/internal/download"
	"github.com/theLastOfCats/audiosync/internal/logging"
	"github.com/theLastOfCats/audiosync/internal/model"
	"github.com/theLastOfCats/audiosync/internal/playthrough"
	"github.com/theLastOfCats/audiosync/internal/store"
	"github.com/theLastOfCats/audiosync/internal/syncer"
)

var errNotLoggedIn = errors.New("not logged in: run 'audiosync login' first")

// App holds the components shared by commands. Boot order is config, logs,
// replica, device, then the one-time legacy progress migration.
type App struct {
	Config    *config.Config
	Viper     *viper.Viper
	Logging   *logging.Logging
	Logger    *log.Logger
	DB        *store.DB
	Device    model.Device
	Log       *playthrough.Log
	Service   *playthrough.Service
	Sync      *syncer.Coordinator
	Migration playthrough.MigrationResult

	downloads *download.Manager
}

func openApp(cmd *cobra.Command, v *viper.Viper) (*App, error) {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, err
	}

	logs, err := logging.New(logging.Options{File: cfg.LogFile})
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(logs.Writer())

	app := &App{Config: cfg, Viper: v, Logging: logs, Logger: logs.For(AppName)}

	app.DB, err = store.Open(cfg.DBPath())
	if err != nil {
		logs.Close()
		return nil, err
	}

	ctx := cmd.Context()
	app.Device, err = device.NewRegistry(app.DB, Version).Current(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Log = playthrough.NewLog(app.DB, logs.For("playthrough"))
	app.Migration, err = app.Log.MigrateLegacy(ctx)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("%w\nclear app data (%s) and sync again to recover", err, cfg.DataDir)
	}
	if app.Migration.Ran {
		app.Logger.Printf("converted %d legacy progress rows", app.Migration.Playthroughs)
	}

	app.Service = playthrough.NewService(app.DB, app.Log, app.Device.ID)
	app.Sync = syncer.New(app.DB, app.Log, syncer.Config{
		Timeout: cfg.SyncTimeout,
		Logger:  logs.For("sync"),
	})
	return app, nil
}

// Session is the logged-in account from config.
func (a *App) Session() (model.Session, error) {
	if a.Config.Server == "" || a.Config.Token == "" {
		return model.Session{}, errNotLoggedIn
	}
	server, err := syncer.NormalizeBaseURL(a.Config.Server)
	if err != nil {
		return model.Session{}, err
	}
	return syncer.SessionFromToken(server, a.Config.Token)
}

// Downloads opens the download manager on first use.
func (a *App) Downloads() (*download.Manager, error) {
	if a.downloads != nil {
		return a.downloads, nil
	}
	m, err := download.NewManager(a.DB, download.Config{
		Dir:        a.Config.DownloadDir(),
		Transfer:   download.NewHTTPTransfer(),
		Thumbnails: download.DefaultThumbnails,
		Logger:     a.Logging.For("download"),
	})
	if err != nil {
		return nil, err
	}
	a.downloads = m
	return m, nil
}

func (a *App) Close() {
	if a.downloads != nil {
		a.downloads.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
	a.Logging.Close()
}

// withApp runs fn with an opened App and closes it afterwards.
func withApp(v *viper.Viper, fn func(cmd *cobra.Command, args []string, app *App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := openApp(cmd, v)
		if err != nil {
			return err
		}
		defer app.Close()
		return fn(cmd, args, app)
	}
}
