package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/epiloop/epiloop/pkg/protocol"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Approve unknown message senders",
	}

	approve := &cobra.Command{
		Use:   "approve <channel> <code>",
		Short: "Approve a sender by their pairing code",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			params := map[string]string{"channel": args[0], "code": args[1]}
			var out struct {
				Sender string `json:"sender"`
			}
			if err := callGateway(protocol.MethodPairingApprove, params, &out); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("approved sender %s on %s\n", out.Sender, args[0])
		},
	}

	cmd.AddCommand(approve)
	return cmd
}
