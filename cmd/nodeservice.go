package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

const (
	nodeServiceName = "epiloop-node"
	nodeLaunchLabel = "com.epiloop.node"
)

func nodeInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the node as a user service and start it",
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := os.Executable()
			if err != nil {
				return err
			}
			switch runtime.GOOS {
			case "linux":
				return installSystemdUnit(exe, activeProfile())
			case "darwin":
				return installLaunchdAgent(exe, activeProfile())
			default:
				return fmt.Errorf("node install is not supported on %s", runtime.GOOS)
			}
		},
	}
}

func nodeRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the installed node service",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch runtime.GOOS {
			case "linux":
				return runService("systemctl", "--user", "restart", nodeServiceName+".service")
			case "darwin":
				if err := runService("launchctl", "stop", nodeLaunchLabel); err != nil {
					return err
				}
				return runService("launchctl", "start", nodeLaunchLabel)
			default:
				return fmt.Errorf("node restart is not supported on %s", runtime.GOOS)
			}
		},
	}
}

func runService(name string, args ...string) error {
	if out, err := exec.Command(name, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// nodeRunArgv is the command line the service files launch.
func nodeRunArgv(exe, profile string) []string {
	if profile == "" {
		return []string{exe, "node", "run"}
	}
	return []string{exe, "--profile", profile, "node", "run"}
}

func renderSystemdUnit(exe, profile string) string {
	var b strings.Builder
	b.WriteString("[Unit]\n")
	b.WriteString("Description=Epiloop companion node\n")
	b.WriteString("After=network-online.target\n\n")
	b.WriteString("[Service]\n")
	b.WriteString("ExecStart=" + strings.Join(nodeRunArgv(exe, profile), " ") + "\n")
	b.WriteString("Restart=on-failure\n")
	b.WriteString("RestartSec=5\n\n")
	b.WriteString("[Install]\n")
	b.WriteString("WantedBy=default.target\n")
	return b.String()
}

func renderLaunchdPlist(exe, profile string) string {
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n")
	b.WriteString("<!DOCTYPE plist PUBLIC \"-//Apple//DTD PLIST 1.0//EN\" \"http://www.apple.com/DTDs/PropertyList-1.0.dtd\">\n")
	b.WriteString("<plist version=\"1.0\">\n<dict>\n")
	b.WriteString("\t<key>Label</key>\n\t<string>" + nodeLaunchLabel + "</string>\n")
	b.WriteString("\t<key>ProgramArguments</key>\n\t<array>\n")
	for _, arg := range nodeRunArgv(exe, profile) {
		b.WriteString("\t\t<string>" + arg + "</string>\n")
	}
	b.WriteString("\t</array>\n")
	b.WriteString("\t<key>RunAtLoad</key>\n\t<true/>\n")
	b.WriteString("\t<key>KeepAlive</key>\n\t<true/>\n")
	b.WriteString("</dict>\n</plist>\n")
	return b.String()
}

func installSystemdUnit(exe, profile string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	dir := filepath.Join(home, ".config", "systemd", "user")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, nodeServiceName+".service")
	if err := os.WriteFile(path, []byte(renderSystemdUnit(exe, profile)), 0o644); err != nil {
		return err
	}
	if err := runService("systemctl", "--user", "daemon-reload"); err != nil {
		return err
	}
	if err := runService("systemctl", "--user", "enable", "--now", nodeServiceName+".service"); err != nil {
		return err
	}
	fmt.Printf("installed %s\n", path)
	return nil
}

func installLaunchdAgent(exe, profile string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	dir := filepath.Join(home, "Library", "LaunchAgents")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, nodeLaunchLabel+".plist")
	if err := os.WriteFile(path, []byte(renderLaunchdPlist(exe, profile)), 0o644); err != nil {
		return err
	}
	// Reload when already installed.
	exec.Command("launchctl", "unload", path).Run()
	if err := runService("launchctl", "load", path); err != nil {
		return err
	}
	fmt.Printf("installed %s\n", path)
	return nil
}
