package main

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"adaccount-provisioner/internal/service"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Create and control provisioning jobs",
}

var jobInput service.JobInput

var jobsCreateCmd = &cobra.Command{
	Use:     "create",
	Short:   "Create a job on an account lane",
	Example: `  provisionctl jobs create --account 3f2c... --pattern "Shop-{number}" --total 20 --currency EUR`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd.OutOrStdout(), http.MethodPost, "/jobs", jobInput)
	},
}

var (
	listAccount     string
	listStatus      string
	listWithDeleted bool
	listLimit       int
)

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if listAccount != "" {
			q.Set("account_id", listAccount)
		}
		if listStatus != "" {
			q.Set("status", listStatus)
		}
		if listWithDeleted {
			q.Set("with_deleted", "true")
		}
		if listLimit > 0 {
			q.Set("limit", strconv.Itoa(listLimit))
		}
		path := "/jobs"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		return call(cmd.OutOrStdout(), http.MethodGet, path, nil)
	},
}

// jobAction builds a subcommand that takes a job id and hits one endpoint.
func jobAction(use, short, method, suffix string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd.OutOrStdout(), method, "/jobs/"+url.PathEscape(args[0])+suffix, nil)
		},
	}
}

func init() {
	f := jobsCreateCmd.Flags()
	f.StringVar(&jobInput.AccountID, "account", "", "account id (lane)")
	f.StringVar(&jobInput.Pattern, "pattern", "", "name pattern; {number} is replaced by the sequence number")
	f.IntVar(&jobInput.StartingNumber, "start", 1, "first sequence number")
	f.IntVar(&jobInput.Total, "total", 1, "number of ad accounts to create")
	f.StringVar(&jobInput.Currency, "currency", "", "ISO currency code")
	f.IntVar(&jobInput.TimezoneID, "timezone", 0, "timezone id from the catalog")
	_ = jobsCreateCmd.MarkFlagRequired("account")

	l := jobsListCmd.Flags()
	l.StringVar(&listAccount, "account", "", "only jobs on this account")
	l.StringVar(&listStatus, "status", "", "pending, processing, paused, completed or failed")
	l.BoolVar(&listWithDeleted, "with-deleted", false, "include deleted jobs")
	l.IntVar(&listLimit, "limit", 0, "maximum rows")

	jobsCmd.AddCommand(
		jobsCreateCmd,
		jobsListCmd,
		jobAction("get", "Show a job with progress", http.MethodGet, ""),
		jobAction("items", "List the ad accounts of a job", http.MethodGet, "/items"),
		jobAction("pause", "Pause a processing job", http.MethodPost, "/pause"),
		jobAction("resume", "Resume a paused job", http.MethodPost, "/resume"),
		jobAction("retry", "Retry a failed job", http.MethodPost, "/retry"),
		jobAction("delete", "Soft-delete a job", http.MethodDelete, ""),
		jobAction("restore", "Restore a deleted job", http.MethodPost, "/restore"),
	)
	rootCmd.AddCommand(jobsCmd)
}
