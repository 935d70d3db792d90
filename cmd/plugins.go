package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/epiloop/epiloop/internal/config"
	"github.com/epiloop/epiloop/pkg/protocol"
)

// bundledPlugins are the plugin ids compiled into this binary.
var bundledPlugins = map[string]string{
	"telegram": "Telegram channel (long polling)",
	"discord":  "Discord channel (gateway socket)",
}

func pluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Manage gateway plugins",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		Run: func(cmd *cobra.Command, args []string) {
			var out struct {
				Plugins []map[string]any `json:"plugins"`
			}
			if err := callGateway(protocol.MethodPluginsList, nil, &out); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if jsonOutput {
				printJSON(out)
				return
			}
			for _, p := range out.Plugins {
				fmt.Printf("%-16v enabled=%-5v %v\n", p["id"], p["enabled"], p["description"])
			}
		},
	}

	install := &cobra.Command{
		Use:   "install <plugin-id>",
		Short: "Register a bundled plugin in the config (disabled)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id := args[0]
			if _, ok := bundledPlugins[id]; !ok {
				fmt.Fprintf(os.Stderr, "Error: unknown plugin %q (bundled: telegram, discord)\n", id)
				os.Exit(1)
			}
			cfg := mustLoadConfig()
			if cfg.Plugins.Entries == nil {
				cfg.Plugins.Entries = make(map[string]config.PluginEntry)
			}
			if _, exists := cfg.Plugins.Entries[id]; exists {
				fmt.Printf("%s is already installed\n", id)
				return
			}
			disabled := false
			cfg.Plugins.Entries[id] = config.PluginEntry{Enabled: &disabled}
			if err := config.Save(resolveConfigPath(), cfg); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s installed; run `epiloop plugins enable %s` to turn it on\n", id, id)
		},
	}

	enable := pluginToggleCmd("enable", protocol.MethodPluginsEnable)
	disable := pluginToggleCmd("disable", protocol.MethodPluginsDisable)

	cmd.AddCommand(list, install, enable, disable)
	return cmd
}

func pluginToggleCmd(verb, method string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <plugin-id>",
		Short: verb + " a plugin",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var out struct {
				RestartRequired bool `json:"restartRequired"`
			}
			if err := callGateway(method, map[string]string{"id": args[0]}, &out); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s %sd\n", args[0], verb)
			if out.RestartRequired {
				fmt.Println("restart the gateway to apply")
			}
		},
	}
}
