package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/epiloop/epiloop/pkg/protocol"
)

func approvalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Manage execution approvals",
	}

	allowlist := &cobra.Command{
		Use:   "allowlist",
		Short: "Manage the system.run command allowlist",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List allowed programs",
		Run: func(cmd *cobra.Command, args []string) {
			var out struct {
				Programs []string `json:"programs"`
			}
			if err := callGateway(protocol.MethodApprovalsAllowlistList, nil, &out); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if jsonOutput {
				printJSON(out)
				return
			}
			if len(out.Programs) == 0 {
				fmt.Println("allowlist is empty; system.run is denied everywhere")
				return
			}
			for _, p := range out.Programs {
				fmt.Println(p)
			}
		},
	}

	add := allowlistEditCmd("add", protocol.MethodApprovalsAllowlistAdd)
	remove := allowlistEditCmd("remove", protocol.MethodApprovalsAllowlistRemove)

	allowlist.AddCommand(list, add, remove)
	cmd.AddCommand(allowlist)
	return cmd
}

func allowlistEditCmd(verb, method string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <program>",
		Short: verb + " a program on the allowlist",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var out map[string]any
			if err := callGateway(method, map[string]string{"program": args[0]}, &out); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s %sd\n", args[0], verb)
		},
	}
}
