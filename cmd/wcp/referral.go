package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/whiteclaws/clawpoints/internal/model"
	"github.com/whiteclaws/clawpoints/internal/ui"
)

var referralCmd = &cobra.Command{
	Use:     "referral",
	Short:   "Manage referral codes and attachments",
	GroupID: "referrals",
}

var referralCodeCmd = &cobra.Command{
	Use:   "code <actor>",
	Short: "Show (or create) an actor's referral code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		link, err := apiClient.ReferralCode(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("getting referral code: %w", err)
		}
		if jsonOutput {
			return printJSON(link)
		}
		fmt.Fprintf(stdout, "Code:        %s\n", ui.RenderAccent(link.Code))
		fmt.Fprintf(stdout, "Referred:    %d (%d qualified)\n", link.TotalReferred, link.QualifiedReferred)
		return nil
	},
}

var referralAttachCmd = &cobra.Command{
	Use:   "attach <actor> <code>",
	Short: "Attach an actor under the owner of a referral code",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := apiClient.Attach(context.Background(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("attaching referral: %w", err)
		}
		if jsonOutput {
			return printJSON(res)
		}
		fmt.Fprintf(stdout, "Attached %s under %s (%d upline edges)\n", res.ActorID, res.ReferrerID, len(res.Edges))
		printEdges(res.Edges)
		return nil
	},
}

var referralQualifyCmd = &cobra.Command{
	Use:   "qualify <actor> <action>",
	Short: "Qualify an actor's referral edges with a qualifying action",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		edges, err := apiClient.Qualify(context.Background(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("qualifying referral: %w", err)
		}
		if jsonOutput {
			return printJSON(edges)
		}
		if len(edges) == 0 {
			fmt.Fprintln(stdout, "No edges newly qualified")
			return nil
		}
		printEdges(edges)
		return nil
	},
}

var referralRegisterCmd = &cobra.Command{
	Use:   "register <actor>",
	Short: "Record participant identity signals used for sybil screening",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wallet, _ := cmd.Flags().GetString("wallet")
		ip, _ := cmd.Flags().GetString("ip")
		device, _ := cmd.Flags().GetString("device")
		funding, _ := cmd.Flags().GetString("funding")

		p, err := apiClient.RegisterParticipant(context.Background(), &model.Participant{
			ActorID:           args[0],
			Wallet:            wallet,
			IPAddress:         ip,
			DeviceFingerprint: device,
			FundingSource:     funding,
		})
		if err != nil {
			return fmt.Errorf("registering participant: %w", err)
		}
		if jsonOutput {
			return printJSON(p)
		}
		fmt.Fprintf(stdout, "Registered %s at %s\n", p.ActorID, p.RegisteredAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}

func init() {
	referralRegisterCmd.Flags().String("wallet", "", "wallet address")
	referralRegisterCmd.Flags().String("ip", "", "registration IP address")
	referralRegisterCmd.Flags().String("device", "", "device fingerprint")
	referralRegisterCmd.Flags().String("funding", "", "wallet funding source")

	referralCmd.AddCommand(referralCodeCmd)
	referralCmd.AddCommand(referralAttachCmd)
	referralCmd.AddCommand(referralQualifyCmd)
	referralCmd.AddCommand(referralRegisterCmd)
}
