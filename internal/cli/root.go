// Package cli implements mitigatectl, the operator command line for a
// running mitigator server.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mbd888/mitigator/internal/apiclient"
)

const defaultAPIURL = "http://localhost:8080"

var (
	apiURL      string
	apiKey      string
	adminSecret string
	timeout     time.Duration
	rawJSON     bool
)

var rootCmd = &cobra.Command{
	Use:   "mitigatectl",
	Short: "Operate a mitigator server",
	Long: "Submit detections, inspect source state, tail the mitigation logs and manage policy on a running mitigator.\n" +
		"Connection settings fall back to MITIGATOR_API_URL, MITIGATOR_API_KEY and MITIGATOR_ADMIN_SECRET (a .env file is honored).",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&apiURL, "api-url", "", "Server base URL (default $MITIGATOR_API_URL or "+defaultAPIURL+")")
	pf.StringVar(&apiKey, "api-key", "", "API key sent as a Bearer token (default $MITIGATOR_API_KEY)")
	pf.StringVar(&adminSecret, "admin-secret", "", "Admin secret for admin commands (default $MITIGATOR_ADMIN_SECRET)")
	pf.DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	pf.BoolVar(&rawJSON, "json", false, "Print raw JSON responses")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newClient() *apiclient.Client {
	return apiclient.New(apiclient.Config{
		APIURL:      firstNonEmpty(apiURL, os.Getenv("MITIGATOR_API_URL"), defaultAPIURL),
		APIKey:      firstNonEmpty(apiKey, os.Getenv("MITIGATOR_API_KEY")),
		AdminSecret: firstNonEmpty(adminSecret, os.Getenv("MITIGATOR_ADMIN_SECRET")),
		Timeout:     timeout,
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// printJSON writes raw indented.
func printJSON(w io.Writer, raw json.RawMessage) error {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}
	_, err := fmt.Fprintln(w, pretty.String())
	return err
}
