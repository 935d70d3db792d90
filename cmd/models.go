package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/epiloop/epiloop/internal/authprofiles"
)

// expiryWindow is how far ahead `models status --check` looks for dying
// credentials. Exit code 2 means "still working, refresh soon".
const expiryWindow = 24 * time.Hour

func modelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage model provider credentials",
	}
	cmd.AddCommand(modelsStatusCmd(), modelsAuthCmd())
	return cmd
}

func openAuthProfiles() (*authprofiles.Store, error) {
	cfg := mustLoadConfig()
	agentID := cfg.ResolveDefaultAgentID()
	return authprofiles.Load(authprofiles.Path(resolveStateDir(), agentID))
}

func modelsStatusCmd() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show credential profiles and their expiry",
		Run: func(cmd *cobra.Command, args []string) {
			store, err := openAuthProfiles()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			now := time.Now()
			statuses := store.Status(now, expiryWindow)
			if jsonOutput {
				printJSON(map[string]any{"profiles": statuses})
			} else if len(statuses) == 0 {
				fmt.Println("no credential profiles (run `epiloop models auth add`)")
			} else {
				for _, st := range statuses {
					line := fmt.Sprintf("%-28s %-6s", st.ID, st.Mode)
					if !st.ExpiresAt.IsZero() {
						line += "  expires " + st.ExpiresAt.Format(time.RFC3339)
					}
					if st.Expiring {
						line += "  EXPIRING"
					}
					fmt.Println(line)
				}
			}
			if check && store.AnyExpiring(now, expiryWindow) {
				os.Exit(2)
			}
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "exit 2 when any credential expires within 24h")
	return cmd
}

// storeToken writes a static bearer profile and prints its id.
func storeToken(provider, label, token string, expiresIn time.Duration) error {
	store, err := openAuthProfiles()
	if err != nil {
		return err
	}
	p := authprofiles.Profile{
		Mode:     authprofiles.ModeToken,
		Provider: provider,
		Label:    label,
		Token:    token,
	}
	if expiresIn > 0 {
		p.ExpiresAt = time.Now().Add(expiresIn).UnixMilli()
	}
	id, err := store.Upsert(p)
	if err != nil {
		return err
	}
	fmt.Printf("stored %s\n", id)
	return nil
}

func modelsAuthCmd() *cobra.Command {
	auth := &cobra.Command{
		Use:   "auth",
		Short: "Manage credential profiles",
	}

	var provider, label string
	login := &cobra.Command{
		Use:   "login",
		Short: "Store a provider credential interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			if provider == "" {
				return fmt.Errorf("--provider is required")
			}
			var token string
			prompt := huh.NewInput().
				Title(fmt.Sprintf("%s API key", provider)).
				EchoMode(huh.EchoModePassword).
				Value(&token)
			if err := prompt.Run(); err != nil {
				return err
			}
			if strings.TrimSpace(token) == "" {
				return fmt.Errorf("no credential entered")
			}
			return storeToken(provider, label, strings.TrimSpace(token), 0)
		},
	}

	var token string
	var expiresIn time.Duration
	setupToken := &cobra.Command{
		Use:   "setup-token",
		Short: "Store a static bearer token non-interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			if provider == "" || token == "" {
				return fmt.Errorf("--provider and --token are required")
			}
			return storeToken(provider, label, token, expiresIn)
		},
	}
	setupToken.Flags().StringVar(&token, "token", "", "bearer token")
	setupToken.Flags().DurationVar(&expiresIn, "expires-in", 0, "mark the token as expiring after this duration")

	pasteToken := &cobra.Command{
		Use:   "paste-token",
		Short: "Read a bearer token from stdin and store it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if provider == "" {
				return fmt.Errorf("--provider is required")
			}
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			pasted := strings.TrimSpace(string(data))
			if pasted == "" {
				return fmt.Errorf("no token on stdin")
			}
			return storeToken(provider, label, pasted, 0)
		},
	}

	remove := &cobra.Command{
		Use:   "remove <profile-id>",
		Short: "Delete a credential profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openAuthProfiles()
			if err != nil {
				return err
			}
			if err := store.Remove(args[0]); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", args[0])
			return nil
		},
	}

	auth.PersistentFlags().StringVar(&provider, "provider", "", "provider name (anthropic, openai, ...)")
	auth.PersistentFlags().StringVar(&label, "label", "", "profile label (default \"default\")")
	auth.AddCommand(login, setupToken, pasteToken, remove, modelsOrderCmd())
	return auth
}

func printOrder(store *authprofiles.Store, provider string) {
	ordered := store.Ordered(provider)
	if len(ordered) == 0 {
		fmt.Printf("%s: no profiles\n", provider)
		return
	}
	fmt.Printf("%s order: %s\n", provider, strings.Join(ordered, ", "))
}

func modelsOrderCmd() *cobra.Command {
	order := &cobra.Command{
		Use:   "order",
		Short: "Manage the preferred credential order per provider",
	}

	get := &cobra.Command{
		Use:   "get <provider>",
		Short: "Show the credential order for a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openAuthProfiles()
			if err != nil {
				return err
			}
			printOrder(store, args[0])
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <provider> <profile-id> [profile-id...]",
		Short: "Set the credential order for a provider",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openAuthProfiles()
			if err != nil {
				return err
			}
			if err := store.SetOrder(args[0], args[1:]); err != nil {
				return err
			}
			printOrder(store, args[0])
			return nil
		},
	}

	clear := &cobra.Command{
		Use:   "clear <provider>",
		Short: "Drop the explicit order; profiles fall back to id order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openAuthProfiles()
			if err != nil {
				return err
			}
			if err := store.SetOrder(args[0], nil); err != nil {
				return err
			}
			printOrder(store, args[0])
			return nil
		},
	}

	order.AddCommand(get, set, clear)
	return order
}
