package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/macjediwizard/calmirror/internal/db"
	"github.com/spf13/cobra"
)

var errSourceExists = errors.New("source already exists")

func (c *cli) newSourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sources",
		Aliases: []string{"src"},
		Short:   "Manage mirrored calendars",
	}

	cmd.AddCommand(
		c.newSourcesListCmd(),
		c.newSourcesDiscoverCmd(),
		c.newSourcesAddCmd(),
		c.newSourcesToggleCmd("enable", true),
		c.newSourcesToggleCmd("disable", false),
	)
	return cmd
}

// withStore opens only the local store; these commands work offline.
func (c *cli) withStore(fn func(store *db.DB) error) error {
	store, err := db.New(c.cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func (c *cli) newSourcesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List mirrored calendars",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(func(store *db.DB) error {
				sources, err := store.GetSources()
				if err != nil {
					return err
				}
				return printSources(cmd.OutOrStdout(), sources)
			})
		},
	}
}

func printSources(w io.Writer, sources []*db.Source) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tENABLED\tLAST SYNC\tSTATUS\tREMOTE PATH")
	for _, s := range sources {
		lastSync := "never"
		if s.LastSyncedAt != nil {
			lastSync = s.LastSyncedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n", s.ID, s.Name, s.Enabled, lastSync, s.LastSyncStatus, s.RemotePath)
	}
	return tw.Flush()
}

func (c *cli) newSourcesDiscoverCmd() *cobra.Command {
	var add bool

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List calendars available on the remote account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := c.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			calendars, err := a.gateway.ListCalendars(ctx)
			if err != nil {
				return fmt.Errorf("failed to discover calendars: %w", err)
			}

			w := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tPATH\tMIRRORED")
			for _, cal := range calendars {
				_, err := a.store.GetSourceByRemotePath(cal.Path)
				mirrored := err == nil

				if add && !mirrored {
					src := &db.Source{Name: cal.Name, Color: cal.Color, RemotePath: cal.Path, Enabled: true}
					if err := a.store.CreateSource(src); err != nil {
						return err
					}
					mirrored = true
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\n", cal.Name, cal.Path, mirrored)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&add, "add", false, "mirror every discovered calendar that is not mirrored yet")
	return cmd
}

func (c *cli) newSourcesAddCmd() *cobra.Command {
	var (
		name  string
		color string
	)

	cmd := &cobra.Command{
		Use:   "add <remote-path>",
		Short: "Mirror a remote calendar by collection path or calendar id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remotePath := args[0]
			if name == "" {
				name = remotePath
			}

			return c.withStore(func(store *db.DB) error {
				if _, err := store.GetSourceByRemotePath(remotePath); err == nil {
					return fmt.Errorf("%w: %s", errSourceExists, remotePath)
				} else if !errors.Is(err, db.ErrNotFound) {
					return err
				}

				src := &db.Source{Name: name, Color: color, RemotePath: remotePath, Enabled: true}
				if err := store.CreateSource(src); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", src.Name, src.ID)
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&name, "name", "", "display name (defaults to the remote path)")
	f.StringVar(&color, "color", "", "display color, e.g. #3a87ad")
	return cmd
}

func (c *cli) newSourcesToggleCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: fmt.Sprintf("%s syncing of a mirrored calendar", capitalize(use)),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(func(store *db.DB) error {
				if err := store.SetSourceEnabled(args[0], enabled); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%sd %s\n", use, args[0])
				return nil
			})
		},
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
