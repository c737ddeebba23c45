package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mbd888/mitigator/internal/auth"
	"github.com/mbd888/mitigator/internal/events"
	"github.com/mbd888/mitigator/internal/mitigation"
	"github.com/mbd888/mitigator/internal/policy"
)

var (
	resetYes   bool
	logLines   int
	keygenName string
)

func init() {
	rootCmd.AddCommand(resetCmd, logsCmd, policyCmd, keygenCmd)

	resetCmd.Flags().BoolVar(&resetYes, "yes", false, "Confirm clearing all blocks, rate limits and the blacklist")

	logsCmd.Flags().IntVarP(&logLines, "lines", "n", 10, "Number of lines")
	logsCmd.AddCommand(logsClearCmd)

	policyCmd.AddCommand(policyShowCmd, policyValidateCmd, policyReloadCmd)

	keygenCmd.Flags().StringVar(&keygenName, "owner", "detector", "Owner recorded with the key")
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear all mitigation state (admin)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetYes {
			return errors.New("refusing to reset without --yes")
		}
		raw, err := newClient().Reset(cmd.Context())
		if err != nil {
			return err
		}
		if rawJSON {
			return printJSON(cmd.OutOrStdout(), raw)
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), "mitigation state reset")
		return err
	},
}

var logsCmd = &cobra.Command{
	Use:       "logs [activity|threat|mitigation]",
	Short:     "Print the most recent lines of a text log",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{events.LogActivity, events.LogThreat, events.LogMitigation},
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := events.LogActivity
		if len(args) == 1 {
			kind = args[0]
		}
		if logLines < 1 {
			return errors.New("--lines must be at least 1")
		}
		raw, err := newClient().RecentLogs(cmd.Context(), kind, logLines)
		if err != nil {
			return err
		}
		if rawJSON {
			return printJSON(cmd.OutOrStdout(), raw)
		}

		var resp struct {
			Entries []string `json:"entries"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("failed to parse log: %w", err)
		}
		for _, line := range resp.Entries {
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		return nil
	},
}

var logsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Truncate all text logs (admin)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := newClient().ClearLogs(cmd.Context()); err != nil {
			return err
		}
		_, err := fmt.Fprintln(cmd.OutOrStdout(), "logs cleared")
		return err
	},
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect, validate and reload the mitigation policy",
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the server's active policy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := newClient().GetPolicy(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), raw)
	},
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a policy file locally without contacting the server",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyValidate,
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	p, err := policy.Parse(data, mitigation.DefaultPolicy())
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: ok\n", args[0])
	fmt.Fprintf(out, "  dos_block_threshold: %d\n", p.DosBlockThreshold)
	fmt.Fprintf(out, "  block_ttl: %s\n", p.BlockTTL)
	fmt.Fprintf(out, "  rate_limit_ttl: %s\n", p.RateLimitTTL)
	for label := 0; label <= 9; label++ {
		fmt.Fprintf(out, "  label %d (%s): %s\n", label, mitigation.LabelName(label), p.CategoryOf(label))
	}
	return nil
}

var policyReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask the server to re-read its policy file (admin)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := newClient().ReloadPolicy(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), raw)
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a detector API key and its API_KEY_HASHES entry",
	Long: "Prints a new raw key once and the owner:hash entry to add to API_KEY_HASHES.\n" +
		"The server only ever stores the hash.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, hash, err := auth.NewRawKey()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "key:   %s\n", raw)
		fmt.Fprintf(out, "entry: %s:%s\n", keygenName, hash)
		return nil
	},
}
