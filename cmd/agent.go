package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/epiloop/epiloop/pkg/protocol"
)

func agentCmd() *cobra.Command {
	var message, agentID, sessionKey, to string
	var wait, deliver bool
	var waitTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the agent once and print its reply",
		Run: func(cmd *cobra.Command, args []string) {
			if message == "" {
				fmt.Fprintln(os.Stderr, "Error: --message is required")
				os.Exit(1)
			}
			if deliver && to == "" {
				fmt.Fprintln(os.Stderr, "Error: --deliver needs --to")
				os.Exit(1)
			}
			params := map[string]any{"message": message}
			if agentID != "" {
				params["agentId"] = agentID
			}
			if sessionKey != "" {
				params["sessionKey"] = sessionKey
			}
			if to != "" {
				params["to"] = to
			}
			if deliver {
				params["deliver"] = true
			}
			var out struct {
				SessionKey string `json:"sessionKey"`
				Outcome    string `json:"outcome"`
				Error      string `json:"error,omitempty"`
				Text       string `json:"text,omitempty"`
			}
			if err := callGateway(protocol.MethodAgent, params, &out); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if wait {
				waitParams := map[string]any{
					"sessionKey": out.SessionKey,
					"timeoutSec": int(waitTimeout.Seconds()),
				}
				var settled map[string]any
				if err := callGateway(protocol.MethodAgentWait, waitParams, &settled); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
			}
			if jsonOutput {
				printJSON(out)
				return
			}
			if out.Text != "" {
				fmt.Println(out.Text)
			}
			if out.Outcome != "completed" {
				fmt.Fprintf(os.Stderr, "run %s: %s\n", out.Outcome, out.Error)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "prompt to send to the agent")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (default from config)")
	cmd.Flags().StringVar(&sessionKey, "session", "", "session key (default: fresh cli session)")
	cmd.Flags().StringVar(&to, "to", "", "conversation target as <channel>:<peer-id>")
	cmd.Flags().BoolVar(&deliver, "deliver", false, "deliver the reply to the --to conversation")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the session to settle before exiting")
	cmd.Flags().DurationVar(&waitTimeout, "wait-timeout", time.Minute, "how long to wait with --wait")
	return cmd
}
