// Package command implements the audiosync client CLI.
package command

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theLastOfCats/audiosync/internal/config"
)

const AppName = "audiosync"

// Version is set at build time.
var Version = "dev"

func NewRootCmd(version string) *cobra.Command {
	v := config.New()

	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "Offline-first audiobook progress sync",
		Long:          "audiosync keeps a local replica of an audiobook library, records listening progress offline and syncs it with a server.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	flags := cmd.PersistentFlags()
	flags.String("config", "", "config file (default $XDG_CONFIG_HOME/audiosync/audiosync.yaml)")
	flags.String("data-dir", "", "directory for the replica and downloads")
	flags.String("server", "", "server base URL")
	flags.String("log-file", "", "also write logs to this file, rotated")
	bindFlag(v, "data_dir", cmd, "data-dir")
	bindFlag(v, "server", cmd, "server")
	bindFlag(v, "log_file", cmd, "log-file")

	cmd.AddCommand(
		NewLoginCmd(v),
		NewSyncCmd(v),
		NewDaemonCmd(v),
		NewDownloadCmd(v),
		NewPlayCmd(v),
		NewStatusCmd(v),
		NewDeviceCmd(v),
		NewMigrateCmd(v),
	)
	return cmd
}

func bindFlag(v *viper.Viper, key string, cmd *cobra.Command, name string) {
	_ = v.BindPFlag(key, cmd.PersistentFlags().Lookup(name))
}

func Execute() error {
	return NewRootCmd(Version).Execute()
}
