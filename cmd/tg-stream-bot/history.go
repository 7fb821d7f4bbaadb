package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/drapik/tg-stream-bot/internal/registry"
	"github.com/drapik/tg-stream-bot/internal/storage"
	"github.com/drapik/tg-stream-bot/internal/tui"
)

func newHistoryCmd(flags *rootFlags) *cobra.Command {
	var (
		limit   int
		jsonOut bool
		plain   bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Browse recent acquisitions",
		Long: `Shows the newest acquisitions from the state database. On a terminal this opens
an interactive browser; --plain or a redirected stdout prints a table instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig(cmd)
			if err != nil {
				return err
			}
			statePath := cfg.ResolvePath(cfg.State.Path)
			db, err := storage.OpenSQLite(cmd.Context(), statePath)
			if err != nil {
				return fmt.Errorf("open state database %s: %w", statePath, err)
			}
			defer db.Close()
			store := registry.NewStore(db)

			out := cmd.OutOrStdout()
			if !jsonOut && !plain && isTerminal(out) {
				if _, err := tea.NewProgram(tui.NewHistory(store, limit), tea.WithAltScreen()).Run(); err != nil {
					return fmt.Errorf("TUI error: %w", err)
				}
				return nil
			}

			rows, err := store.RecentAcquisitions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOut {
				if rows == nil {
					rows = []registry.Acquisition{}
				}
				data, err := json.MarshalIndent(rows, "", "  ")
				if err != nil {
					return fmt.Errorf("render history: %w", err)
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			return printHistory(out, rows)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of acquisitions to show")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&plain, "plain", false, "Print a table instead of the interactive browser")
	return cmd
}

func printHistory(w io.Writer, rows []registry.Acquisition) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "No acquisitions recorded yet.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FINISHED\tSTATUS\tBACKEND\tSOURCE\tSIZE\tTOOK\tDETAIL")
	for _, a := range rows {
		detail := a.Title
		if a.Status != registry.StatusSucceeded {
			detail = a.Cause
			if a.LastCause != "" {
				detail += "/" + a.LastCause
			}
		}
		size := "-"
		if a.SizeBytes > 0 {
			size = humanize.IBytes(uint64(a.SizeBytes))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(a.FinishedAt), a.Status, a.Backend, a.Source, size,
			a.FinishedAt.Sub(a.StartedAt).Round(time.Second), detail)
	}
	return tw.Flush()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
