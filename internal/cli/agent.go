package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/ddikddak/dockerclaw-sub000/internal/config"
	"github.com/ddikddak/dockerclaw-sub000/internal/identity"
	"github.com/ddikddak/dockerclaw-sub000/internal/store"
	"github.com/ddikddak/dockerclaw-sub000/internal/store/postgres"
	"github.com/spf13/cobra"
)

// EnvAPIKey is read by client commands when --api-key is not given.
const EnvAPIKey = "DOCKERCLAW_API_KEY"

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents",
	}
	cmd.AddCommand(newAgentRegisterCmd())
	cmd.AddCommand(newAgentShowCmd())
	return cmd
}

// openStore opens the store configured for home (config.yaml, then DATABASE_URL).
func openStore(home string) (store.Store, error) {
	c, err := config.Load(home)
	if err != nil {
		return nil, err
	}
	if c.Database.Driver == "postgres" {
		if c.Database.URL == "" {
			return nil, fmt.Errorf("postgres driver needs %s", config.EnvDatabaseURL)
		}
		return postgres.Open(c.Database.URL)
	}
	return store.Open(home)
}

func newAgentRegisterCmd() *cobra.Command {
	var (
		name       string
		email      string
		webhookURL string
		envFile    string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent and print its API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return errors.New("--name is required")
			}
			if email == "" {
				return errors.New("--email is required")
			}

			home := config.MustHomeFrom(cmd.Context())
			st, err := openStore(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			a, err := identity.Register(cmd.Context(), st, identity.Registration{Name: name, Email: email, WebhookURL: webhookURL})
			if errors.Is(err, store.ErrDuplicate) {
				return fmt.Errorf("agent with email %q already exists", email)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Registered agent %q (id %s)\n", a.Name, a.AgentID)
			_, _ = fmt.Fprintln(out, "API key (shown once, save it somewhere safe):")
			_, _ = fmt.Fprintln(out)
			_, _ = fmt.Fprintln(out, "  "+a.APIKey)
			_, _ = fmt.Fprintln(out)

			if envFile != "" {
				line := EnvAPIKey + "=" + a.APIKey + "\n"
				f, err := os.OpenFile(envFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
				if err != nil {
					return fmt.Errorf("write %s: %w", envFile, err)
				}
				if _, err := f.WriteString(line); err != nil {
					_ = f.Close()
					return fmt.Errorf("write %s: %w", envFile, err)
				}
				if err := f.Close(); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "Appended %s to %s\n", EnvAPIKey, envFile)
			} else {
				_, _ = fmt.Fprintln(out, "Use it:")
				_, _ = fmt.Fprintln(out, "  export "+EnvAPIKey+"="+a.APIKey)
				_, _ = fmt.Fprintln(out, "  In clients: send header X-API-Key: <key> or query ?api_key=<key>")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Agent name")
	cmd.Flags().StringVar(&email, "email", "", "Agent email (unique)")
	cmd.Flags().StringVar(&webhookURL, "webhook-url", "", "URL that receives card events")
	cmd.Flags().StringVar(&envFile, "env", "", "Append "+EnvAPIKey+" to this file (e.g. .env)")
	return cmd
}

func newAgentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Show a registered agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := openStore(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			a, err := st.GetAgent(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("agent %q not found", args[0])
			}
			if err != nil {
				return err
			}
			hook := "-"
			if a.WebhookURL != nil {
				hook = *a.WebhookURL
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %s <%s>  webhook=%s  created=%s\n",
				a.AgentID, a.Name, a.Email, hook, a.CreatedAt.Format("2006-01-02 15:04:05"))
			return nil
		},
	}
	return cmd
}
