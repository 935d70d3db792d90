package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/epiloop/epiloop/internal/bootstrap"
	"github.com/epiloop/epiloop/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-time setup for a profile",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runOnboard(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}
}

func runOnboard() error {
	stateDir := resolveStateDir()
	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); err == nil {
		var overwrite bool
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("A config already exists at %s. Overwrite?", cfgPath)).
			Value(&overwrite)
		if err := confirm.Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("Keeping the existing config.")
			return nil
		}
	}

	cfg := config.Default()
	displayName := ""
	portStr := strconv.Itoa(cfg.Gateway.Port)
	authMode := config.AuthModeToken
	bind := config.BindLoopback
	enableDiscovery := true

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Display name").
				Description("Shown to peers browsing the LAN for gateways.").
				Placeholder("Mac Studio").
				Value(&displayName),
			huh.NewInput().
				Title("Gateway port").
				Description("Profiles on one host need ports at least 20 apart.").
				Value(&portStr).
				Validate(func(s string) error {
					p, err := strconv.Atoi(s)
					if err != nil || p < 1 || p > 65535 {
						return fmt.Errorf("enter a port between 1 and 65535")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Client authentication").
				Options(
					huh.NewOption("Token (generated now)", config.AuthModeToken),
					huh.NewOption("Password", config.AuthModePassword),
					huh.NewOption("None (loopback only)", config.AuthModeNone),
				).
				Value(&authMode),
			huh.NewSelect[string]().
				Title("Bind address").
				Options(
					huh.NewOption("Loopback only", config.BindLoopback),
					huh.NewOption("Tailnet address", config.BindTailnet),
					huh.NewOption("All interfaces", config.BindAll),
				).
				Value(&bind),
			huh.NewConfirm().
				Title("Advertise on the local network (mDNS)?").
				Value(&enableDiscovery),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Gateway.DisplayName = displayName
	cfg.Gateway.Port, _ = strconv.Atoi(portStr)
	cfg.Gateway.Bind = bind
	cfg.Gateway.Auth.Mode = authMode
	cfg.Discovery.Disabled = !enableDiscovery
	switch authMode {
	case config.AuthModeToken:
		cfg.Gateway.Auth.Token = newToken()
	case config.AuthModePassword:
		password := ""
		prompt := huh.NewInput().
			Title("Gateway password").
			EchoMode(huh.EchoModePassword).
			Value(&password).
			Validate(func(s string) error {
				if len(s) < 8 {
					return fmt.Errorf("use at least 8 characters")
				}
				return nil
			})
		if err := prompt.Run(); err != nil {
			return err
		}
		cfg.Gateway.Auth.Password = password
	}

	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := bootstrap.SeedWorkspace(stateDir, cfg.ResolveDefaultAgentID()); err != nil {
		return fmt.Errorf("seed agent workspace: %w", err)
	}

	fmt.Printf("\nProfile ready at %s\n", stateDir)
	if cfg.Gateway.Auth.Mode == config.AuthModeToken {
		fmt.Printf("Gateway token: %s\n", cfg.Gateway.Auth.Token)
	}
	fmt.Printf("Start the gateway with: %s\n",
		config.FormatCliCommand("epiloop gateway", activeProfile()))
	return nil
}

func newToken() string {
	buf := make([]byte, 24)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
