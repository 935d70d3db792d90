package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/epiloop/epiloop/internal/store"
	"github.com/epiloop/epiloop/pkg/protocol"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		Run: func(cmd *cobra.Command, args []string) {
			var res struct {
				DisplayName string         `json:"displayName"`
				Port        int            `json:"port"`
				Protocol    int            `json:"protocol"`
				UptimeSec   int            `json:"uptimeSec"`
				Clients     map[string]int `json:"clients"`
				Sessions    int            `json:"sessions"`
			}
			if err := callGateway(protocol.MethodStatus, nil, &res); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if jsonOutput {
				printJSON(res)
				return
			}
			name := res.DisplayName
			if name == "" {
				name = "Epiloop"
			}
			fmt.Printf("%s on port %d (protocol %d)\n", name, res.Port, res.Protocol)
			fmt.Printf("  Uptime:   %ds\n", res.UptimeSec)
			fmt.Printf("  Sessions: %d\n", res.Sessions)
			for role, n := range res.Clients {
				fmt.Printf("  %-9s %d\n", role+":", n)
			}
			printNotifications()
		},
	}
}

// printNotifications drains and shows notices the gateway queued while
// no operator was looking.
func printNotifications() {
	notes, err := store.NewNotifications(resolveStateDir()).Drain()
	if err != nil || len(notes) == 0 {
		return
	}
	fmt.Println("Notifications:")
	for _, n := range notes {
		fmt.Printf("  [%s] %s\n", n.At.Local().Format(time.Stamp), n.Text)
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check gateway liveness",
		Run: func(cmd *cobra.Command, args []string) {
			var res struct {
				Status   string `json:"status"`
				Protocol int    `json:"protocol"`
			}
			if err := callGateway(protocol.MethodHealth, nil, &res); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if jsonOutput {
				printJSON(res)
				return
			}
			fmt.Printf("%s (protocol %d)\n", res.Status, res.Protocol)
		},
	}
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List active conversation sessions",
		Run: func(cmd *cobra.Command, args []string) {
			var res struct {
				Sessions []struct {
					Key       string `json:"key"`
					State     string `json:"state"`
					Queued    int    `json:"queued"`
					Processed uint64 `json:"processed"`
					LastError string `json:"lastError,omitempty"`
				} `json:"sessions"`
			}
			if err := callGateway(protocol.MethodSessionsList, nil, &res); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if jsonOutput {
				printJSON(res)
				return
			}
			if len(res.Sessions) == 0 {
				fmt.Println("no active sessions")
				return
			}
			for _, s := range res.Sessions {
				line := fmt.Sprintf("%-14s queued=%d processed=%d  %s", s.State, s.Queued, s.Processed, s.Key)
				if s.LastError != "" {
					line += "  last-error: " + s.LastError
				}
				fmt.Println(line)
			}
		},
	}
}

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Scheduled jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show scheduled jobs and their next runs",
		Run: func(cmd *cobra.Command, args []string) {
			var res struct {
				Jobs []struct {
					ID       string `json:"id"`
					Name     string `json:"name,omitempty"`
					Schedule string `json:"schedule"`
					NextRun  string `json:"nextRun"`
					LastErr  string `json:"lastError,omitempty"`
				} `json:"jobs"`
			}
			if err := callGateway(protocol.MethodCronStatus, nil, &res); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if jsonOutput {
				printJSON(res)
				return
			}
			if len(res.Jobs) == 0 {
				fmt.Println("no scheduled jobs")
				return
			}
			for _, j := range res.Jobs {
				fmt.Printf("%-16s %-16s next %s", j.ID, j.Schedule, j.NextRun)
				if j.LastErr != "" {
					fmt.Printf("  last-error: %s", j.LastErr)
				}
				fmt.Println()
			}
		},
	})
	return cmd
}
