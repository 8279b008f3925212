package command

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theLastOfCats/audiosync/internal/config"
	"github.com/theLastOfCats/audiosync/internal/syncer"
)

func NewLoginCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <email>",
		Short: "Log in to a server and remember the token",
		Long:  "Log in to a server. Unknown accounts are registered by the server. The password is read from --password or AUDIOSYNC_PASSWORD.",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(v, func(cmd *cobra.Command, args []string, app *App) error {
			password, _ := cmd.Flags().GetString("password")
			if password == "" {
				password = os.Getenv(config.EnvPrefix + "_PASSWORD")
			}
			if password == "" {
				return fmt.Errorf("password is required")
			}
			if app.Config.Server == "" {
				return fmt.Errorf("--server is required")
			}

			client, err := syncer.NewClient(app.Config.Server, "", app.Config.SyncTimeout)
			if err != nil {
				return err
			}
			token, err := client.Login(cmd.Context(), args[0], password)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			session, err := syncer.SessionFromToken(client.BaseURL(), token)
			if err != nil {
				return err
			}

			path, err := config.SaveCredentials(app.Viper, client.BaseURL(), token)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in to %s as user %d (saved to %s)\n", session.ServerURL, session.UserID, path)
			return nil
		}),
	}
	cmd.Flags().String("password", "", "account password")
	return cmd
}
