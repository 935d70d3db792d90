package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/epiloop/epiloop/pkg/protocol"
)

func channelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Manage messaging channels",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List configured channels",
		Run: func(cmd *cobra.Command, args []string) {
			var out struct {
				Channels []map[string]any `json:"channels"`
			}
			if err := callGateway(protocol.MethodChannelsList, nil, &out); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if jsonOutput {
				printJSON(out)
				return
			}
			for _, ch := range out.Channels {
				fmt.Printf("%-12v enabled=%-5v running=%v\n", ch["name"], ch["enabled"], ch["running"])
			}
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show channel connection status",
		Run: func(cmd *cobra.Command, args []string) {
			var out map[string]any
			if err := callGateway(protocol.MethodChannelsStatus, nil, &out); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			printJSON(out)
		},
	}

	var token string
	login := &cobra.Command{
		Use:   "login <channel>",
		Short: "Enable a channel and store its credential",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if token == "" {
				fmt.Fprintln(os.Stderr, "Error: --token is required")
				os.Exit(1)
			}
			params := map[string]string{"channel": args[0], "token": token}
			var out map[string]any
			if err := callGateway(protocol.MethodChannelsLogin, params, &out); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s enabled; restart the gateway to connect\n", args[0])
		},
	}
	login.Flags().StringVar(&token, "token", "", "bot token for the channel")

	logout := &cobra.Command{
		Use:   "logout <channel>",
		Short: "Disable a channel and clear its credential",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			params := map[string]string{"channel": args[0]}
			var out map[string]any
			if err := callGateway(protocol.MethodChannelsLogout, params, &out); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s disabled\n", args[0])
		},
	}

	cmd.AddCommand(list, status, login, logout)
	return cmd
}
