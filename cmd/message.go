package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/epiloop/epiloop/pkg/protocol"
)

func messageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Send messages through the gateway",
	}

	var channel, account, target, kind, ambiguous string
	send := &cobra.Command{
		Use:   "send <message>",
		Short: "Deliver a direct message to a channel target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if channel == "" || target == "" {
				return fmt.Errorf("--channel and --target are required")
			}
			// Sending mutates conversations; a broken config is fatal here,
			// unlike for the diagnostic commands.
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			params := map[string]string{
				"channel": channel,
				"target":  target,
				"message": args[0],
			}
			if account != "" {
				params["account"] = account
			}
			if kind != "" {
				params["kind"] = kind
			}
			if ambiguous != "" {
				params["resolveAmbiguous"] = ambiguous
			}
			var out map[string]any
			if err := callGatewayWith(cfg, protocol.MethodSend, params, &out); err != nil {
				return err
			}
			if jsonOutput {
				printJSON(out)
			} else {
				fmt.Println("sent")
			}
			return nil
		},
	}
	send.Flags().StringVar(&channel, "channel", "", "channel to deliver through (telegram, discord, ...)")
	send.Flags().StringVar(&account, "account", "", "channel account when several are configured")
	send.Flags().StringVar(&target, "target", "", "recipient: id, @handle or display name")
	send.Flags().StringVar(&kind, "kind", "", "target kind hint (user, group, channel)")
	send.Flags().StringVar(&ambiguous, "resolve-ambiguous", "", "ambiguity policy: fail or first")

	cmd.AddCommand(send)
	return cmd
}
