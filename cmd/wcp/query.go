package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var scoreCmd = &cobra.Command{
	Use:     "score <actor>",
	Short:   "Show an actor's season score",
	GroupID: "queries",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		season, _ := cmd.Flags().GetInt("season")
		s, err := apiClient.Score(context.Background(), args[0], season)
		if err != nil {
			return fmt.Errorf("getting score: %w", err)
		}
		if jsonOutput {
			return printJSON(s)
		}
		printScore(s)
		return nil
	},
}

var leaderboardCmd = &cobra.Command{
	Use:     "leaderboard",
	Short:   "Show the season leaderboard",
	GroupID: "queries",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		season, _ := cmd.Flags().GetInt("season")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		lb, err := apiClient.Leaderboard(context.Background(), season, limit, offset)
		if err != nil {
			return fmt.Errorf("getting leaderboard: %w", err)
		}
		if jsonOutput {
			return printJSON(lb)
		}
		printLeaderboard(lb)
		return nil
	},
}

var downlineCmd = &cobra.Command{
	Use:     "downline <actor>",
	Short:   "Show an actor's referral downline",
	GroupID: "queries",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := apiClient.Downline(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("getting downline: %w", err)
		}
		if jsonOutput {
			return printJSON(d)
		}
		printDownline(d)
		return nil
	},
}

var trustCmd = &cobra.Command{
	Use:     "trust <actor>",
	Short:   "Show an actor's submission trust level",
	GroupID: "queries",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := apiClient.Trust(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("getting trust: %w", err)
		}
		if jsonOutput {
			return printJSON(t)
		}
		printTrust(t)
		return nil
	},
}

var seasonCmd = &cobra.Command{
	Use:     "season [number]",
	Short:   "Show a season's status and window",
	GroupID: "queries",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		season, err := seasonArg(args)
		if err != nil {
			return err
		}
		s, err := apiClient.Season(context.Background(), season)
		if err != nil {
			return fmt.Errorf("getting season: %w", err)
		}
		if jsonOutput {
			return printJSON(s)
		}
		printSeason(s)
		return nil
	},
}

func init() {
	scoreCmd.Flags().Int("season", 0, "season number (0 = current)")

	leaderboardCmd.Flags().Int("season", 0, "season number (0 = current)")
	leaderboardCmd.Flags().Int("limit", 50, "maximum rows")
	leaderboardCmd.Flags().Int("offset", 0, "rows to skip")
}
