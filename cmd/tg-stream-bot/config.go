package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/drapik/tg-stream-bot/internal/config"
)

func newConfigCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Seal and verify the config file",
	}
	cmd.AddCommand(newConfigHashCmd(flags), newConfigVerifyCmd(flags))
	return cmd
}

// resolveConfigPath finds the file the config subcommands operate on
// without loading it; a sealed file that no longer matches must still be
// reachable here.
func (f *rootFlags) resolveConfigPath() (string, error) {
	if f.configPath == "" {
		return config.Discover()
	}
	info, err := os.Stat(f.configPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %w", err)
	}
	if info.IsDir() {
		return filepath.Join(f.configPath, "config.yaml"), nil
	}
	return f.configPath, nil
}

func newConfigHashCmd(flags *rootFlags) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Record the config's BLAKE3 hash in .checksums",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := flags.resolveConfigPath()
			if err != nil {
				return err
			}
			report, err := config.Seal(path, dryRun)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !report.Written {
				fmt.Fprintf(out, "Would write %s\n  %s  %s\n", report.ChecksumPath, report.Hash, report.ConfigPath)
				return nil
			}
			fmt.Fprintf(out, "Sealed %s\n  %s  %s\n", report.ChecksumPath, report.Hash, report.ConfigPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Compute the hash without writing")
	return cmd
}

func newConfigVerifyCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the config against its recorded hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := flags.resolveConfigPath()
			if err != nil {
				return err
			}
			if err := config.VerifySeal(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config %s matches its recorded hash.\n", path)
			return nil
		},
	}
}
