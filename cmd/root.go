// Package cmd holds the epiloop CLI. The root command runs the gateway;
// everything else is an operator surface talking to a running gateway or
// to the profile state directory.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/epiloop/epiloop/internal/config"
	"github.com/epiloop/epiloop/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/epiloop/epiloop/cmd.Version=v1.0.0"
var Version = "dev"

var (
	flagProfile string
	flagDev     bool
	flagConfig  string
	verbose     bool
	jsonOutput  bool
)

var rootCmd = &cobra.Command{
	Use:   "epiloop",
	Short: "Epiloop, the multi-tenant AI messaging gateway",
	Long:  "Epiloop routes chat-platform conversations to AI agents: one WebSocket hub, channel plugins, per-conversation sessions, and LAN/tailnet discovery.",
	Run: func(cmd *cobra.Command, args []string) {
		runGateway()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagProfile, "profile", "", "profile name (state dir ~/.epiloop-<profile>)")
	pf.BoolVar(&flagDev, "dev", false, "shorthand for --profile dev")
	pf.StringVar(&flagConfig, "config", "", "config file (default: <stateDir>/epiloop.json)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVar(&jsonOutput, "json", false, "machine-readable output where supported")

	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(channelsCmd())
	rootCmd.AddCommand(messageCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(nodesCmd())
	rootCmd.AddCommand(nodeCmd())
	rootCmd.AddCommand(pluginsCmd())
	rootCmd.AddCommand(approvalsCmd())
	rootCmd.AddCommand(pairingCmd())
	rootCmd.AddCommand(cronCmd())
	rootCmd.AddCommand(configCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("epiloop %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

// activeProfile resolves the profile from flags and environment.
func activeProfile() string {
	if flagDev {
		return "dev"
	}
	if flagProfile != "" {
		return flagProfile
	}
	return os.Getenv("EPILOOP_PROFILE")
}

// cliEnv snapshots the environment with the profile flags folded in, so
// state-dir resolution sees --profile the same way it sees EPILOOP_PROFILE.
func cliEnv() map[string]string {
	env := config.EnvFromProcess()
	if p := activeProfile(); p != "" {
		env["EPILOOP_PROFILE"] = p
	}
	if flagConfig != "" {
		env["EPILOOP_CONFIG_PATH"] = flagConfig
	}
	return env
}

func resolveStateDir() string   { return config.ResolveStateDir(cliEnv()) }
func resolveConfigPath() string { return config.ResolveConfigPath(cliEnv()) }

// loadConfig loads the profile config, printing any migrations applied.
func loadConfig() (*config.Config, error) {
	cfg, changes, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	for _, ch := range changes {
		fmt.Fprintf(os.Stderr, "config migrated: %s\n", ch.Path)
	}
	return cfg, nil
}

// mustLoadConfig is for mutating commands: config problems fail fast.
func mustLoadConfig() *config.Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
