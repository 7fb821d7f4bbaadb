package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/drapik/tg-stream-bot/internal/log"
	"github.com/drapik/tg-stream-bot/internal/workspace"
)

func newProbeCmd(flags *rootFlags) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "probe <url>",
		Short: "Print the metadata a backend reports for a link without downloading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig(cmd)
			if err != nil {
				return err
			}
			log.Setup("WARN", "text")

			// Probing never allocates a workspace, but the engine wants a
			// manager; keep it away from the live root.
			scratch, err := os.MkdirTemp("", "tg-stream-bot-probe-")
			if err != nil {
				return fmt.Errorf("create scratch dir: %w", err)
			}
			defer os.RemoveAll(scratch)
			ws, err := workspace.NewFSManager(scratch)
			if err != nil {
				return fmt.Errorf("initialize workspace manager: %w", err)
			}

			eng, err := newEngine(cfg, ws, nil, nil)
			if err != nil {
				return err
			}
			meta, err := eng.Probe(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("probe %s: %w", args[0], err)
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				data, err := json.MarshalIndent(meta, "", "  ")
				if err != nil {
					return fmt.Errorf("render metadata: %w", err)
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			fmt.Fprintf(out, "title:     %s\n", meta.Title)
			fmt.Fprintf(out, "id:        %s\n", meta.ID)
			fmt.Fprintf(out, "duration:  %s\n", meta.Duration.Round(time.Second))
			if meta.Uploader != "" {
				fmt.Fprintf(out, "uploader:  %s\n", meta.Uploader)
			}
			if meta.ViewCount > 0 {
				fmt.Fprintf(out, "views:     %s\n", humanize.Comma(meta.ViewCount))
			}
			if meta.Extractor != "" {
				fmt.Fprintf(out, "extractor: %s\n", meta.Extractor)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output metadata as JSON")
	return cmd
}
