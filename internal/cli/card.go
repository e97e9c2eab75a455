package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/ddikddak/dockerclaw-sub000/internal/config"
	"github.com/ddikddak/dockerclaw-sub000/pkg/client"
	"github.com/ddikddak/dockerclaw-sub000/pkg/models"
	"github.com/spf13/cobra"
)

// clientFlags select the server and actor for commands that talk to a running daemon.
type clientFlags struct {
	server    string
	apiKey    string
	humanID   string
	humanName string
}

func (f *clientFlags) bind(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.server, "server", "http://localhost:"+strconv.Itoa(config.DefaultPort), "DockerClaw server URL")
	cmd.PersistentFlags().StringVar(&f.apiKey, "api-key", "", "Agent API key (default: $"+EnvAPIKey+")")
	cmd.PersistentFlags().StringVar(&f.humanID, "as-human", "", "Act as this human user id instead of the agent")
	cmd.PersistentFlags().StringVar(&f.humanName, "human-name", "", "Display name for --as-human")
}

func (f *clientFlags) client() (*client.Client, error) {
	key := f.apiKey
	if key == "" {
		key = os.Getenv(EnvAPIKey)
	}
	if key == "" {
		return nil, fmt.Errorf("--api-key or %s is required", EnvAPIKey)
	}
	c := client.New(f.server, key)
	if f.humanID != "" {
		c = c.AsHuman(f.humanID, f.humanName)
	}
	return c, nil
}

func newCardCmd() *cobra.Command {
	var cf clientFlags
	cmd := &cobra.Command{
		Use:   "card",
		Short: "Work with cards on a running server",
	}
	cf.bind(cmd)
	cmd.AddCommand(newCardListCmd(&cf))
	cmd.AddCommand(newCardCreateCmd(&cf))
	cmd.AddCommand(newCardShowCmd(&cf))
	cmd.AddCommand(newCardActCmd(&cf))
	cmd.AddCommand(newCardCommentCmd(&cf))
	cmd.AddCommand(newCardReactCmd(&cf))
	return cmd
}

func newCardListCmd(cf *clientFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the agent's cards",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cf.client()
			if err != nil {
				return err
			}
			cards, err := c.ListCards(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(cards) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No cards.")
				return nil
			}
			for _, k := range cards {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %-11s v%d  %s\n", k.ID, k.Status, k.Version, k.TemplateID)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Max cards to list (0 = server default)")
	return cmd
}

func newCardCreateCmd(cf *clientFlags) *cobra.Command {
	var (
		template string
		data     string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a card from a template id and JSON data",
		RunE: func(cmd *cobra.Command, args []string) error {
			if template == "" {
				return errors.New("--template is required")
			}
			var m map[string]any
			if data != "" {
				if err := json.Unmarshal([]byte(data), &m); err != nil {
					return fmt.Errorf("--data: %w", err)
				}
			}
			c, err := cf.client()
			if err != nil {
				return err
			}
			k, err := c.CreateCard(cmd.Context(), template, m)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created card %s\n", k.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&template, "template", "", "Template id")
	cmd.Flags().StringVar(&data, "data", "", `Card data as a JSON object (e.g. {"title":"Review PR"})`)
	return cmd
}

func newCardShowCmd(cf *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <card-id>",
		Short: "Print a card as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cf.client()
			if err != nil {
				return err
			}
			k, err := c.GetCard(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(k)
		},
	}
}

func newCardActCmd(cf *clientFlags) *cobra.Command {
	var (
		column    string
		component string
		payload   string
		version   int64
	)
	cmd := &cobra.Command{
		Use:   "act <card-id> <action>",
		Short: "Execute a card action, or a component action with --component",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := models.ActionRequest{Action: args[1], Version: version}
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &req.Payload); err != nil {
					return fmt.Errorf("--payload: %w", err)
				}
			}
			if column != "" {
				if req.Payload == nil {
					req.Payload = map[string]any{}
				}
				req.Payload["column"] = column
			}
			c, err := cf.client()
			if err != nil {
				return err
			}
			var res *models.ActionResponse
			if component != "" {
				res, err = c.ActOnComponent(cmd.Context(), args[0], component, req)
			} else {
				res, err = c.Act(cmd.Context(), args[0], req)
			}
			if err != nil {
				return err
			}
			status := res.Card.Status
			if status == "" {
				status = "-"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s: status=%s version=%d\n", res.Action.Action, res.Card.ID, status, res.Card.Version)
			return nil
		},
	}
	cmd.Flags().StringVar(&column, "column", "", "Target column for move")
	cmd.Flags().StringVar(&component, "component", "", "Component id for component actions")
	cmd.Flags().StringVar(&payload, "payload", "", "Action payload as a JSON object")
	cmd.Flags().Int64Var(&version, "version", 0, "Expected card version (0 = no check)")
	return cmd
}

func newCardCommentCmd(cf *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "comment <card-id> <text>",
		Short: "Comment on a card",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cf.client()
			if err != nil {
				return err
			}
			cm, err := c.AddComment(cmd.Context(), args[0], models.CommentRequest{Content: args[1]})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Comment %s by %s\n", cm.ID, cm.AuthorName)
			return nil
		},
	}
}

func newCardReactCmd(cf *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "react <card-id> <emoji>",
		Short: "Toggle an emoji reaction on a card",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cf.client()
			if err != nil {
				return err
			}
			res, err := c.ToggleReaction(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Reaction %s %s\n", args[1], res.Action)
			return nil
		},
	}
}
