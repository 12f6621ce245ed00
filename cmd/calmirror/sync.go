package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func (c *cli) newSyncCmd() *cobra.Command {
	var (
		retry  bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync attempt and print the outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := c.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := c.seedGoogleSources(a.store); err != nil {
				return err
			}

			if retry {
				n, err := a.engine.RequeueOutbox()
				if err != nil {
					return fmt.Errorf("failed to requeue pushes: %w", err)
				}
				c.logger.Info("requeued pushes", "count", n)
			}

			out := a.engine.Reconcile(ctx)

			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				if err := enc.Encode(out); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(w, "%s: %s\n", out.State(), out.Message())
				for _, e := range out.Errors {
					fmt.Fprintf(w, "  %s\n", e)
				}
			}

			return out.Err()
		},
	}

	f := cmd.Flags()
	f.BoolVar(&retry, "retry", false, "push every queued local edit now, including ones that exhausted their attempts")
	f.BoolVar(&asJSON, "json", false, "print the outcome as JSON")

	return cmd
}
