package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/whiteclaws/clawpoints/internal/client"
	"github.com/whiteclaws/clawpoints/internal/server"
	"github.com/whiteclaws/clawpoints/internal/ui"
)

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check the health of the scoring service",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		grpcAddr, _ := cmd.Flags().GetString("grpc")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var status string
		var err error
		if grpcAddr != "" {
			status, err = client.CheckGRPCHealth(ctx, grpcAddr, server.ServiceName)
		} else {
			status, err = apiClient.Health(ctx)
		}
		if err != nil {
			return fmt.Errorf("checking health: %w", err)
		}

		healthy := status == "ok" || status == "SERVING"
		if jsonOutput {
			if err := printJSON(map[string]string{"status": status}); err != nil {
				return err
			}
		} else if healthy {
			fmt.Fprintf(stdout, "Health: %s\n", ui.RenderPass(status))
		} else {
			fmt.Fprintf(stdout, "Health: %s\n", ui.RenderFail(status))
		}

		if !healthy {
			return fmt.Errorf("unhealthy: %s", status)
		}
		return nil
	},
}

func init() {
	healthCmd.Flags().String("grpc", "", "check the gRPC health service at this address instead of HTTP")
}
