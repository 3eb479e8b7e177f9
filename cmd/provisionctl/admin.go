package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"adaccount-provisioner/internal/service"
	"adaccount-provisioner/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store.RunMigrations(cfg.PostgresDSN); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}

var accountInput service.AccountInput

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage ad business accounts",
}

var accountsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		if accountInput.AccessToken == "" {
			accountInput.AccessToken = os.Getenv("PROVISIONER_ACCESS_TOKEN")
		}
		return call(cmd.OutOrStdout(), http.MethodPost, "/accounts", accountInput)
	},
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd.OutOrStdout(), http.MethodGet, "/accounts", nil)
	},
}

var proxiesCmd = &cobra.Command{
	Use:   "proxies",
	Short: "Manage egress proxies",
}

var proxiesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import proxies, one URL per line",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		return call(cmd.OutOrStdout(), http.MethodPost, "/proxies/import", map[string]string{"text": string(text)})
	},
}

var proxiesValidateCmd = &cobra.Command{
	Use:   "validate [proxy-id]",
	Short: "Probe one proxy, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return call(cmd.OutOrStdout(), http.MethodPost, "/proxies/"+url.PathEscape(args[0])+"/validate", nil)
		}
		return call(cmd.OutOrStdout(), http.MethodPost, "/proxies/validate", nil)
	},
}

var proxiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List proxies with health statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd.OutOrStdout(), http.MethodGet, "/proxies", nil)
	},
}

var botsTestCmd = &cobra.Command{
	Use:   "test-bot <bot-id>",
	Short: "Send a test notification through a Telegram bot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd.OutOrStdout(), http.MethodPost, "/bots/"+url.PathEscape(args[0])+"/test", nil)
	},
}

func init() {
	f := accountsCreateCmd.Flags()
	f.StringVar(&accountInput.Title, "title", "", "display name")
	f.StringVar(&accountInput.BusinessID, "business-id", "", "numeric business id")
	f.StringVar(&accountInput.AccessToken, "token", "", "access token (default $PROVISIONER_ACCESS_TOKEN)")
	_ = accountsCreateCmd.MarkFlagRequired("title")
	_ = accountsCreateCmd.MarkFlagRequired("business-id")

	accountsCmd.AddCommand(accountsCreateCmd, accountsListCmd)
	proxiesCmd.AddCommand(proxiesImportCmd, proxiesValidateCmd, proxiesListCmd)
	rootCmd.AddCommand(migrateCmd, accountsCmd, proxiesCmd, botsTestCmd)
}
