package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/epiloop/epiloop/internal/authprofiles"
	"github.com/epiloop/epiloop/internal/config"
	"github.com/epiloop/epiloop/internal/discovery"
	"github.com/epiloop/epiloop/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment, profile and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("epiloop doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	if p := activeProfile(); p != "" {
		fmt.Printf("  Profile:  %s\n", p)
	}
	fmt.Println()

	stateDir := resolveStateDir()
	fmt.Printf("  State:    %s", stateDir)
	if _, err := os.Stat(stateDir); err != nil {
		fmt.Println(" (NOT FOUND, run `epiloop onboard`)")
	} else {
		fmt.Println(" (OK)")
	}

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, changes, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if len(changes) > 0 {
		fmt.Printf("  Config:   %d legacy field(s) migrated on load\n", len(changes))
	}
	fmt.Printf("  Gateway:  port %d, bind %s, auth %s\n",
		cfg.Gateway.Port, cfg.Gateway.Bind, cfg.Gateway.Auth.Mode)
	if cfg.Gateway.Auth.Mode == config.AuthModeNone && cfg.Gateway.Bind != config.BindLoopback {
		fmt.Println("  WARNING:  auth mode none with a non-loopback bind")
	}

	agentID := cfg.ResolveDefaultAgentID()
	profiles, err := authprofiles.Load(authprofiles.Path(stateDir, agentID))
	if err != nil {
		fmt.Printf("  Auth profiles: load error: %s\n", err)
	} else {
		statuses := profiles.Status(time.Now(), 24*time.Hour)
		fmt.Printf("  Auth profiles: %d\n", len(statuses))
		for _, st := range statuses {
			if st.Expiring {
				fmt.Printf("  WARNING:  credential %s expires %s\n", st.ID, st.ExpiresAt.Format(time.RFC3339))
			}
		}
	}

	if len(cfg.Agents.Defaults.Command) == 0 {
		fmt.Println("  Agent:    no command configured (agent runs will fail)")
	} else if _, err := exec.LookPath(cfg.Agents.Defaults.Command[0]); err != nil {
		fmt.Printf("  Agent:    %s not found on PATH\n", cfg.Agents.Defaults.Command[0])
	} else {
		fmt.Printf("  Agent:    %s (OK)\n", cfg.Agents.Defaults.Command[0])
	}

	if discovery.Disabled() {
		fmt.Println("  Discovery: disabled (EPILOOP_DISABLE_BONJOUR)")
	}
	fmt.Println()

	if err := callGateway(protocol.MethodHealth, nil, nil); err != nil {
		fmt.Printf("  Gateway:  not reachable (%v)\n", err)
	} else {
		fmt.Println("  Gateway:  reachable (OK)")
	}
}
