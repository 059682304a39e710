package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shohag/postrelay/internal/models"
)

func templateCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Manage postback templates",
	}

	// template create
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a postback template",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			rawURL, _ := flags.GetString("url")
			if rawURL == "" {
				return fmt.Errorf("--url is required")
			}
			if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
				return fmt.Errorf("--url must start with http:// or https://")
			}

			method, _ := flags.GetString("method")
			method = strings.ToUpper(method)
			if method != http.MethodGet && method != http.MethodPost {
				return fmt.Errorf("--method must be GET or POST")
			}

			scope, _ := flags.GetString("scope")
			switch models.Scope(scope) {
			case models.ScopeGlobal, models.ScopeOffer, models.ScopeFlow:
			default:
				return fmt.Errorf("--scope must be global, offer or flow")
			}

			owner, _ := flags.GetString("owner")
			scopeRef, _ := flags.GetString("scope-ref")
			events, _ := flags.GetStringSlice("events")
			signed, _ := flags.GetBool("signed")
			sigHeader, _ := flags.GetString("signature-header")
			maxAttempts, _ := flags.GetInt("max-attempts")
			baseDelay, _ := flags.GetDuration("base-delay")
			maxDelay, _ := flags.GetDuration("max-delay")
			timeout, _ := flags.GetDuration("timeout")

			_, store, _, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			now := time.Now().UTC()
			tpl := &models.Template{
				ID:              models.NewID("tpl"),
				OwnerID:         owner,
				Scope:           models.Scope(scope),
				ScopeRef:        scopeRef,
				URL:             rawURL,
				Method:          method,
				EventTypes:      events,
				SignatureHeader: sigHeader,
				Retry: models.RetryPolicy{
					MaxAttempts: maxAttempts,
					BaseDelay:   baseDelay,
					MaxDelay:    maxDelay,
				},
				Timeout:   timeout,
				Active:    true,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if signed {
				tpl.Secret = models.NewSecret()
			}

			if err := store.CreateTemplate(context.Background(), tpl); err != nil {
				return fmt.Errorf("failed to create template: %w", err)
			}
			return printJSON(tpl)
		},
	}
	createCmd.Flags().String("url", "", "postback URL with {macro} placeholders")
	createCmd.Flags().String("method", "GET", "HTTP method, GET or POST")
	createCmd.Flags().String("scope", string(models.ScopeGlobal), "template scope: global, offer or flow")
	createCmd.Flags().String("scope-ref", "", "offer or flow id the template belongs to")
	createCmd.Flags().String("owner", "", "owning account id")
	createCmd.Flags().StringSlice("events", nil, "event types to deliver, empty for all")
	createCmd.Flags().Bool("signed", false, "generate a signing secret")
	createCmd.Flags().String("signature-header", "", "signature header name (default X-Signature)")
	createCmd.Flags().Int("max-attempts", 0, "attempts including the first, 0 for the engine default")
	createCmd.Flags().Duration("base-delay", 0, "first retry delay, 0 for the engine default")
	createCmd.Flags().Duration("max-delay", 0, "retry delay cap, 0 for the engine default")
	createCmd.Flags().Duration("timeout", 0, "per-attempt timeout, 0 for the engine default")

	// template list
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List postback templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			tpls, err := store.ListTemplates(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list templates: %w", err)
			}

			if len(tpls) == 0 {
				fmt.Println("No templates found.")
				return nil
			}

			for _, t := range tpls {
				state := "active"
				if !t.Active {
					state = "disabled"
				}
				fmt.Printf("  %s  %-4s %s  [%s]  %s\n", t.ID, t.Method, t.URL, strings.Join(t.EventTypes, ","), state)
			}
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd, setActiveCmd(configPath, true), setActiveCmd(configPath, false))
	return cmd
}

func setActiveCmd(configPath *string, active bool) *cobra.Command {
	use, short := "enable <template_id>", "Enable a template"
	if !active {
		use, short = "disable <template_id>", "Disable a template; pending retries for it are dropped"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := store.SetTemplateActive(context.Background(), args[0], active); err != nil {
				return fmt.Errorf("failed to update template: %w", err)
			}
			fmt.Printf("template %s active=%t\n", args[0], active)
			return nil
		},
	}
}
