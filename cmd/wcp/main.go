package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/whiteclaws/clawpoints/internal/client"
	"github.com/whiteclaws/clawpoints/internal/ui"
)

var (
	httpURL    string
	token      string
	jsonOutput bool
	noColor    bool

	apiClient client.Client
)

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

var rootCmd = &cobra.Command{
	Use:           "wcp <command>",
	Short:         "Contribution scoring and referral integrity service",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			ui.ForceNoColor()
		}
		apiClient = client.NewHTTPClient(httpURL, token)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if apiClient != nil {
			apiClient.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&httpURL, "http-url", envOrDefault("WCP_HTTP_URL", "http://localhost:8080"), "HTTP server URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("WCP_TOKEN"), "bearer token (static or JWT)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "ingest", Title: "Ingestion:"},
		&cobra.Group{ID: "referrals", Title: "Referrals:"},
		&cobra.Group{ID: "queries", Title: "Queries:"},
		&cobra.Group{ID: "admin", Title: "Administration:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)

	cobra.EnableCommandSorting = false
	rootCmd.SetHelpFunc(colorizedHelpFunc())

	// Ingestion
	rootCmd.AddCommand(emitCmd)
	rootCmd.AddCommand(submitCmd)

	// Referrals
	rootCmd.AddCommand(referralCmd)

	// Queries
	rootCmd.AddCommand(scoreCmd)
	rootCmd.AddCommand(leaderboardCmd)
	rootCmd.AddCommand(downlineCmd)
	rootCmd.AddCommand(trustCmd)
	rootCmd.AddCommand(seasonCmd)

	// Administration
	rootCmd.AddCommand(adminCmd)

	// System
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
