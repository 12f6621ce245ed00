package main

import (
	"log/slog"
	"os"

	"github.com/macjediwizard/calmirror/internal/config"
	"github.com/macjediwizard/calmirror/internal/logging"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli holds state shared by subcommands. It is populated before any
// subcommand runs.
type cli struct {
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "calmirror",
		Short:         "Offline-first calendar mirror",
		Long:          "calmirror keeps a local copy of remote CalDAV or Google calendars, syncs it in the background and serves it to a local UI.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = logging.New(string(cfg.Environment), cfg.LogFile)
			slog.SetDefault(c.logger)
			return nil
		},
	}

	root.AddCommand(
		c.newServeCmd(),
		c.newSyncCmd(),
		c.newSourcesCmd(),
		c.newCheckCmd(),
	)
	return root
}
