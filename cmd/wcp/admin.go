package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/whiteclaws/clawpoints/internal/client"
	"github.com/whiteclaws/clawpoints/internal/engine"
	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/server"
)

var adminCmd = &cobra.Command{
	Use:     "admin",
	Short:   "Run maintenance jobs and review risk flags",
	GroupID: "admin",
}

// seasonArg reads an optional season number; absent means the current season.
func seasonArg(args []string) (int, error) {
	if len(args) == 0 || args[0] == "current" {
		return 0, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid season %q: want a positive number or \"current\"", args[0])
	}
	return n, nil
}

func seasonJobCmd(job, short string) *cobra.Command {
	return &cobra.Command{
		Use:   job + " [season]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			season, err := seasonArg(args)
			if err != nil {
				return err
			}
			report, err := apiClient.RunSeasonJob(context.Background(), job, season)
			if err != nil {
				return fmt.Errorf("running %s: %w", job, err)
			}
			if jsonOutput {
				return printJSON(report)
			}
			printJobReport(report)
			return nil
		},
	}
}

var adminScanCmd = &cobra.Command{
	Use:       "scan <pyramid|cluster>",
	Short:     "Run a global fraud scan",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"pyramid", "cluster"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var job string
		switch args[0] {
		case "pyramid":
			job = engine.JobPyramidScan
		case "cluster":
			job = engine.JobClusterScan
		default:
			return fmt.Errorf("unknown scan %q (must be pyramid or cluster)", args[0])
		}
		report, err := apiClient.RunScan(context.Background(), job)
		if err != nil {
			return fmt.Errorf("running %s: %w", job, err)
		}
		if jsonOutput {
			return printJSON(report)
		}
		printJobReport(report)
		return nil
	},
}

var adminSnapshotCmd = &cobra.Command{
	Use:   "snapshot [season]",
	Short: "Export a leaderboard snapshot to the configured destinations",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		season, err := seasonArg(args)
		if err != nil {
			return err
		}
		res, err := apiClient.Snapshot(context.Background(), season)
		if err != nil {
			return fmt.Errorf("exporting snapshot: %w", err)
		}
		if jsonOutput {
			return printJSON(res)
		}
		fmt.Fprintf(stdout, "Season %d: %d scores, %d bytes\n", res.Season, res.Scores, res.Bytes)
		for _, o := range res.Objects {
			fmt.Fprintf(stdout, "  %s\n", o)
		}
		return nil
	},
}

var adminFlagsCmd = &cobra.Command{
	Use:   "flags",
	Short: "List risk flags awaiting review",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		actors, _ := cmd.Flags().GetStringSlice("actor")
		all, _ := cmd.Flags().GetBool("all")
		minRisk, _ := cmd.Flags().GetFloat64("min-risk")
		limit, _ := cmd.Flags().GetInt("limit")

		flags, err := apiClient.RiskFlags(context.Background(), client.RiskFlagsRequest{
			ActorIDs:   actors,
			Unreviewed: !all,
			MinRisk:    minRisk,
			Limit:      limit,
		})
		if err != nil {
			return fmt.Errorf("listing risk flags: %w", err)
		}
		if jsonOutput {
			return printJSON(flags)
		}
		printRiskFlags(flags)
		return nil
	},
}

var adminReviewCmd = &cobra.Command{
	Use:   "review <actor> <clear|warn|suppress|ban>",
	Short: "Record a manual review decision on a risk flag",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		flag, err := apiClient.ReviewRiskFlag(context.Background(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("reviewing %s: %w", args[0], err)
		}
		if jsonOutput {
			return printJSON(flag)
		}
		fmt.Fprintf(stdout, "%s reviewed: %s (risk %.4f)\n", flag.ActorID, renderAction(flag.ReviewDecision), flag.RiskScore)
		return nil
	},
}

var adminSeasonCmd = &cobra.Command{
	Use:   "season <number|current> <pending|active|frozen|claiming|completed>",
	Short: "Move a season through its lifecycle",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		season, err := seasonArg(args[:1])
		if err != nil {
			return err
		}
		s, err := apiClient.SetSeasonStatus(context.Background(), season, model.SeasonStatus(args[1]))
		if err != nil {
			return fmt.Errorf("setting season status: %w", err)
		}
		if jsonOutput {
			return printJSON(s)
		}
		printSeason(s)
		return nil
	},
}

var adminTokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Mint a role-scoped bearer token (needs WCP_JWT_SECRET)",
	Args:  cobra.ExactArgs(1),
	// Token minting is local; no API client is needed.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		tok, err := server.IssueToken(os.Getenv("WCP_JWT_SECRET"), args[0], role, ttl, time.Now())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(map[string]string{"token": tok, "role": role})
		}
		fmt.Fprintln(stdout, tok)
		return nil
	},
}

func init() {
	adminFlagsCmd.Flags().StringSlice("actor", nil, "restrict to these actors")
	adminFlagsCmd.Flags().Bool("all", false, "include reviewed flags")
	adminFlagsCmd.Flags().Float64("min-risk", 0, "minimum risk score (0..1)")
	adminFlagsCmd.Flags().Int("limit", 100, "maximum rows")

	adminTokenCmd.Flags().String("role", server.RoleReader, "role: reader, ingest or admin")
	adminTokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")

	adminCmd.AddCommand(seasonJobCmd(engine.JobRecalculate, "Recalculate every score in a season from the event log"))
	adminCmd.AddCommand(seasonJobCmd(engine.JobDecay, "Apply this cycle's inactivity decay"))
	adminCmd.AddCommand(seasonJobCmd(engine.JobRanks, "Rewrite leaderboard ranks"))
	adminCmd.AddCommand(adminScanCmd)
	adminCmd.AddCommand(adminSnapshotCmd)
	adminCmd.AddCommand(adminFlagsCmd)
	adminCmd.AddCommand(adminReviewCmd)
	adminCmd.AddCommand(adminSeasonCmd)
	adminCmd.AddCommand(adminTokenCmd)
}
