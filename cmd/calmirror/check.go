package main

import (
	"fmt"

	"github.com/macjediwizard/calmirror/internal/notify"
	"github.com/spf13/cobra"
)

func (c *cli) newCheckCmd() *cobra.Command {
	var webhook bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify that configured endpoints are reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			w := cmd.OutOrStdout()

			if err := c.cfg.Validate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(w, "endpoints: ok")

			if webhook {
				n := notify.New(notify.Config{WebhookURL: c.cfg.Webhook.URL, Cooldown: c.cfg.Webhook.Cooldown}, c.logger)
				if !n.IsEnabled() {
					fmt.Fprintln(w, "webhook: not configured")
					return nil
				}
				if err := n.SendTestWebhook(ctx); err != nil {
					return fmt.Errorf("webhook test failed: %w", err)
				}
				fmt.Fprintln(w, "webhook: ok")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&webhook, "webhook", false, "also send a test alert to the configured webhook")
	return cmd
}
