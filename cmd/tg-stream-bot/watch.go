package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/drapik/tg-stream-bot/internal/tui"
)

// envAPIToken supplies the watch bearer token when --token is omitted.
const envAPIToken = "TG_STREAM_BOT_API_TOKEN"

func newWatchCmd(flags *rootFlags) *cobra.Command {
	var apiURL, token string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of a running bot's queue and events",
		Long: `Connects to the operator API of a running bot, polls /v1/status and tails
/v1/events. The token needs the status:ro and events:ro scopes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				token = os.Getenv(envAPIToken)
			}
			if token == "" {
				return errors.New("API token required: use --token or " + envAPIToken)
			}
			if apiURL == "" {
				cfg, err := flags.loadConfig(cmd)
				if err != nil {
					return err
				}
				if !cfg.API.Enabled {
					return errors.New("api is disabled in " + cfg.SourcePath + "; pass --api explicitly")
				}
				apiURL = "http://" + cfg.API.Listen
			}

			m := tui.NewMonitor(apiURL, token, &http.Client{})
			if _, err := tea.NewProgram(m).Run(); err != nil {
				return fmt.Errorf("TUI error: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", "", "Operator API base URL (default: from api.listen)")
	cmd.Flags().StringVar(&token, "token", "", "API bearer token (default: $"+envAPIToken+")")
	return cmd
}
