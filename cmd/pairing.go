package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clawdbot/clawdbot/pkg/protocol"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage channel pairing requests",
	}

	var listProvider string
	list := &cobra.Command{
		Use:   "list",
		Short: "List pending pairing requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialGateway(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer client.Close()

			var res struct {
				Pending []struct {
					Channel     string `json:"channel"`
					SenderID    string `json:"senderId"`
					Code        string `json:"code"`
					RequestedAt int64  `json:"requestedAtMs"`
				} `json:"pending"`
			}
			params := map[string]interface{}{}
			if listProvider != "" {
				params["channel"] = listProvider
			}
			if err := client.Call(cmd.Context(), protocol.MethodPairingList, params, &res); err != nil {
				return err
			}
			if len(res.Pending) == 0 {
				fmt.Println("no pending pairing requests")
				return nil
			}
			for _, p := range res.Pending {
				fmt.Printf("%-10s %-24s %s\n", p.Channel, p.SenderID, p.Code)
			}
			return nil
		},
	}
	list.Flags().StringVar(&listProvider, "provider", "", "only show one channel")

	var approveProvider string
	approve := &cobra.Command{
		Use:   "approve [code]",
		Short: "Approve a pairing code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approveProvider == "" {
				return fmt.Errorf("approve needs --provider")
			}
			client, err := dialGateway(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer client.Close()

			var res struct {
				SenderID string `json:"senderId"`
			}
			err = client.Call(cmd.Context(), protocol.MethodPairingApprove, map[string]interface{}{
				"channel": approveProvider,
				"code":    args[0],
			}, &res)
			if err != nil {
				return err
			}
			fmt.Printf("approved %s on %s\n", res.SenderID, approveProvider)
			return nil
		},
	}
	approve.Flags().StringVar(&approveProvider, "provider", "", "channel the code was issued on")

	var revokeProvider string
	revoke := &cobra.Command{
		Use:   "revoke [senderId]",
		Short: "Revoke an approved sender",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if revokeProvider == "" {
				return fmt.Errorf("revoke needs --provider")
			}
			client, err := dialGateway(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer client.Close()

			var res map[string]interface{}
			err = client.Call(cmd.Context(), protocol.MethodPairingRevoke, map[string]interface{}{
				"channel":  revokeProvider,
				"senderId": args[0],
			}, &res)
			if err != nil {
				return err
			}
			fmt.Printf("revoked %s on %s\n", args[0], revokeProvider)
			return nil
		},
	}
	revoke.Flags().StringVar(&revokeProvider, "provider", "", "channel of the sender")

	cmd.AddCommand(list, approve, revoke)
	return cmd
}
