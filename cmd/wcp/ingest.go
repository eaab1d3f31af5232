package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/whiteclaws/clawpoints/internal/engine"
	"github.com/whiteclaws/clawpoints/internal/model"
)

var emitCmd = &cobra.Command{
	Use:     "emit <actor> <kind>",
	Short:   "Record a participation event",
	GroupID: "ingest",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetStringArray("meta")
		metadata, err := parseMetadata(raw)
		if err != nil {
			return err
		}
		res, err := apiClient.Emit(context.Background(), args[0], args[1], metadata)
		if err != nil {
			return fmt.Errorf("emitting event: %w", err)
		}
		if jsonOutput {
			return printJSON(res)
		}
		printEmitResult(res)
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:     "submit <actor> <target> <title>",
	Short:   "Record a findings submission",
	GroupID: "ingest",
	Args:    cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		desc, _ := cmd.Flags().GetString("description")
		sev, _ := cmd.Flags().GetString("severity")
		poc, _ := cmd.Flags().GetBool("poc")
		enc, _ := cmd.Flags().GetBool("encrypted")

		res, err := apiClient.Submit(context.Background(), engine.SubmitRequest{
			ActorID:     args[0],
			Target:      args[1],
			Title:       args[2],
			Description: desc,
			Severity:    model.Severity(sev),
			HasPoC:      poc,
			Encrypted:   enc,
		})
		if err != nil {
			return fmt.Errorf("submitting: %w", err)
		}
		if jsonOutput {
			return printJSON(res)
		}
		printEmitResult(&res.EmitResult)
		if res.SubmissionID != "" {
			fmt.Fprintf(stdout, "Submission:  %s\n", res.SubmissionID)
		}
		for _, x := range res.Extras {
			fmt.Fprintf(stdout, "Extra:       %s +%d\n", x.Kind, x.Points)
		}
		if res.Trust != nil {
			fmt.Fprintf(stdout, "Trust:       %s\n", res.Trust.Level)
		}
		return nil
	},
}

// parseMetadata turns repeated key=value flags into event metadata.
func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --meta %q: want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func init() {
	emitCmd.Flags().StringArray("meta", nil, "event metadata as key=value (repeatable)")

	submitCmd.Flags().String("description", "", "finding description")
	submitCmd.Flags().String("severity", "", "reported severity (critical, high, medium, low, informational)")
	submitCmd.Flags().Bool("poc", false, "submission includes a proof of concept")
	submitCmd.Flags().Bool("encrypted", false, "submission body is encrypted")
}
