// Command provisionctl drives the provisioner API from a terminal.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"adaccount-provisioner/internal/config"
)

var (
	cfgFile string
	apiURL  string
	owner   string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:           "provisionctl",
	Short:         "Operate the ad account provisioner",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		if apiURL == "" {
			apiURL = cfg.APIBaseURL
		}
		if owner == "" {
			owner = os.Getenv("PROVISIONER_OWNER")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./configs/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "API base URL (default from api_base_url)")
	rootCmd.PersistentFlags().StringVar(&owner, "owner", "", "owner id sent as X-Owner-ID (default $PROVISIONER_OWNER)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"error"`
}

func client() (*resty.Client, error) {
	if owner == "" {
		return nil, errors.New("--owner or PROVISIONER_OWNER is required")
	}
	return resty.New().
		SetBaseURL(apiURL).
		SetTimeout(30*time.Second).
		SetHeader("X-Owner-ID", owner).
		SetHeader("Content-Type", "application/json"), nil
}

// call sends one request and prints the JSON reply to out.
func call(out io.Writer, method, path string, body any) error {
	c, err := client()
	if err != nil {
		return err
	}
	var failure apiError
	req := c.R().SetError(&failure)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		if failure.Error.Code == "" {
			return fmt.Errorf("%s %s: %s", method, path, resp.Status())
		}
		if failure.Error.Field != "" {
			return fmt.Errorf("%s: %s %s", failure.Error.Code, failure.Error.Field, failure.Error.Message)
		}
		return fmt.Errorf("%s: %s", failure.Error.Code, failure.Error.Message)
	}
	return printJSON(out, resp.Body())
}

func printJSON(out io.Writer, raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		_, err = out.Write(raw)
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
