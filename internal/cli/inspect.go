package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mbd888/mitigator/internal/apiclient"
	"github.com/mbd888/mitigator/internal/mitigation"
)

var (
	decisionsSource string
	decisionsAction string
	decisionsLimit  int
	decisionsCursor string
)

func init() {
	rootCmd.AddCommand(statusCmd, statsCmd, decisionsCmd, healthCmd)
	decisionsCmd.Flags().StringVar(&decisionsSource, "source", "", "Only decisions for this source")
	decisionsCmd.Flags().StringVar(&decisionsAction, "action", "", "Only decisions with this action (blocked, rate_limited, ...)")
	decisionsCmd.Flags().IntVar(&decisionsLimit, "limit", 20, "Maximum decisions to list")
	decisionsCmd.Flags().StringVar(&decisionsCursor, "cursor", "", "Resume from a previous page's nextCursor")
}

var statusCmd = &cobra.Command{
	Use:   "status <source>",
	Short: "Show the mitigation state of a source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := newClient().GetSource(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if rawJSON {
			return printJSON(cmd.OutOrStdout(), raw)
		}

		var st mitigation.SourceStatus
		if err := json.Unmarshal(raw, &st); err != nil {
			return fmt.Errorf("failed to parse status: %w", err)
		}
		state := "clean"
		switch {
		case st.Blocked:
			state = "blocked"
		case st.RateLimited:
			state = "rate limited"
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: %s\n", st.Source, state)
		if st.Blacklisted {
			fmt.Fprintln(out, "  blacklisted")
		}
		if st.Threat != nil {
			fmt.Fprintf(out, "  violations: %d\n", st.Threat.ViolationCount)
			if !st.Threat.LastViolation.IsZero() {
				fmt.Fprintf(out, "  last violation: %s\n", st.Threat.LastViolation.Format("2006-01-02 15:04:05"))
			}
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show blocked and rate-limited sources",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := newClient().GetStats(cmd.Context())
		if err != nil {
			return err
		}
		if rawJSON {
			return printJSON(cmd.OutOrStdout(), raw)
		}

		var st mitigation.Stats
		if err := json.Unmarshal(raw, &st); err != nil {
			return fmt.Errorf("failed to parse stats: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "blocked:      %d\n", st.BlockedCount)
		fmt.Fprintf(out, "rate limited: %d\n", st.RateLimitedCount)
		fmt.Fprintf(out, "blacklisted:  %d\n", st.BlacklistedCount)
		if len(st.BlockedList) > 0 {
			fmt.Fprintf(out, "blocked sources: %s\n", strings.Join(st.BlockedList, ", "))
		}
		if len(st.RateLimitedList) > 0 {
			fmt.Fprintf(out, "rate-limited sources: %s\n", strings.Join(st.RateLimitedList, ", "))
		}
		return nil
	},
}

var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "List recent decisions, newest first",
	Args:  cobra.NoArgs,
	RunE:  runDecisions,
}

func runDecisions(cmd *cobra.Command, args []string) error {
	raw, err := newClient().ListDecisions(cmd.Context(), apiclient.DecisionQuery{
		Source: decisionsSource,
		Action: decisionsAction,
		Limit:  decisionsLimit,
		Cursor: decisionsCursor,
	})
	if err != nil {
		return err
	}
	if rawJSON {
		return printJSON(cmd.OutOrStdout(), raw)
	}

	var page struct {
		Decisions []struct {
			ID string `json:"id"`
			mitigation.Outcome
		} `json:"decisions"`
		NextCursor string `json:"nextCursor"`
		HasMore    bool   `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return fmt.Errorf("failed to parse decisions: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(page.Decisions) == 0 {
		_, err := fmt.Fprintln(out, "no decisions")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSOURCE\tATTACK\tACTION\tREASON")
	for _, d := range page.Decisions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			d.DecidedAt.Format("2006-01-02 15:04:05"), d.Source, d.AttackType, d.Action, d.Reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if page.HasMore {
		fmt.Fprintf(out, "\nmore: --cursor %s\n", page.NextCursor)
	}
	return nil
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show server health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := newClient().Health(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), raw)
	},
}
