package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clawdbot/clawdbot/pkg/protocol"
)

func sendCmd() *cobra.Command {
	var channel, to string
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send a message out through a channel",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if channel == "" || to == "" {
				return fmt.Errorf("send needs --channel and --to")
			}
			client, err := dialGateway(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer client.Close()

			var res struct {
				Sent bool `json:"sent"`
			}
			err = client.Call(cmd.Context(), protocol.MethodSend, map[string]interface{}{
				"channel": channel,
				"to":      to,
				"text":    strings.Join(args, " "),
			}, &res)
			if err != nil {
				return err
			}
			fmt.Println("sent")
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "channel id (telegram, discord)")
	cmd.Flags().StringVar(&to, "to", "", "recipient chat or peer id")
	return cmd
}

func prettyJSON(v interface{}) string {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
