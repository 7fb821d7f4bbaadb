package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/drapik/tg-stream-bot/internal/lock"
	"github.com/drapik/tg-stream-bot/internal/log"
	"github.com/drapik/tg-stream-bot/internal/sweeper"
	"github.com/drapik/tg-stream-bot/internal/workspace"
)

func newSweepCmd(flags *rootFlags) *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove orphaned workspaces once",
		Long: `Deletes workspace directories older than --max-age (default: workspace.sweep_max_age).
Refuses to run while the bot holds the workspace lock.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig(cmd)
			if err != nil {
				return err
			}
			log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

			if maxAge <= 0 {
				maxAge = cfg.Workspace.SweepMaxAge
			}
			if maxAge <= 0 {
				return errors.New("no max age: pass --max-age or set workspace.sweep_max_age")
			}

			root := cfg.ResolvePath(cfg.Workspace.Root)
			l, err := lock.Acquire(lock.PathFor(root))
			if errors.Is(err, lock.ErrHeld) {
				return fmt.Errorf("workspace %s is in use by a running bot: %w", root, err)
			}
			if err != nil {
				return fmt.Errorf("lock workspace root %s: %w", root, err)
			}
			defer l.Release()

			ws, err := workspace.NewFSManager(root)
			if err != nil {
				return fmt.Errorf("initialize workspace manager: %w", err)
			}
			// Interval is irrelevant to a single run.
			s, err := sweeper.New(sweeper.Config{Interval: maxAge, MaxAge: maxAge}, ws, nil, log.Get())
			if err != nil {
				return err
			}
			report, err := s.RunOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep %s: %w", root, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d orphaned workspace(s) older than %s from %s\n",
				report.DeletedDirs, maxAge, root)
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "Delete workspaces older than this")
	return cmd
}
