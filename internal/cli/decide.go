package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mbd888/mitigator/internal/apiclient"
	"github.com/mbd888/mitigator/internal/mitigation"
)

var (
	decideSession string
	decideScore   float64
)

func init() {
	rootCmd.AddCommand(decideCmd)
	decideCmd.Flags().StringVar(&decideSession, "session", "", "Session the detection belongs to")
	decideCmd.Flags().Float64Var(&decideScore, "score", 0, "Anomaly score, informational")
}

var decideCmd = &cobra.Command{
	Use:   "decide <source> <label>",
	Short: "Submit one detection and print the decision",
	Long:  "Submits a classified detection (label 0-9) for a source. This changes engine state exactly as a detector would.",
	Args:  cobra.ExactArgs(2),
	RunE:  runDecide,
}

func runDecide(cmd *cobra.Command, args []string) error {
	label, err := strconv.Atoi(args[1])
	if err != nil || label < 0 {
		return fmt.Errorf("label must be a non-negative integer, got %q", args[1])
	}

	raw, err := newClient().Decide(cmd.Context(), apiclient.DecideRequest{
		Source:    args[0],
		Label:     label,
		SessionID: decideSession,
		Score:     decideScore,
	})
	if err != nil {
		return err
	}
	if rawJSON {
		return printJSON(cmd.OutOrStdout(), raw)
	}

	var resp struct {
		Decision   mitigation.Decision `json:"decision"`
		Source     string              `json:"source"`
		AttackType string              `json:"attackType"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("failed to parse decision: %w", err)
	}

	out := cmd.OutOrStdout()
	if resp.Decision.Reason == "" {
		_, err = fmt.Fprintf(out, "%s %s (%s)\n", resp.Source, resp.Decision.Action.Title(), resp.AttackType)
		return err
	}
	_, err = fmt.Fprintf(out, "%s %s: %s (%s)\n", resp.Source, resp.Decision.Action.Title(), resp.Decision.Reason, resp.AttackType)
	return err
}
