package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawdbot/clawdbot/internal/sessions"
	"github.com/clawdbot/clawdbot/pkg/protocol"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage agent sessions",
	}

	var prefix string
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialGateway(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer client.Close()

			var res struct {
				Sessions []sessions.Info `json:"sessions"`
			}
			params := map[string]interface{}{}
			if prefix != "" {
				params["prefix"] = prefix
			}
			if err := client.Call(cmd.Context(), protocol.MethodSessionsList, params, &res); err != nil {
				return err
			}
			if len(res.Sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, s := range res.Sessions {
				updated := "-"
				if s.UpdatedAt > 0 {
					updated = time.UnixMilli(s.UpdatedAt).Format(time.RFC3339)
				}
				fmt.Printf("%-40s %-24s tokens=%-8d %s\n", s.Key, s.Model, s.TotalTokens, updated)
			}
			return nil
		},
	}
	list.Flags().StringVar(&prefix, "prefix", "", "only keys with this prefix")

	var limit int
	history := &cobra.Command{
		Use:   "history [sessionKey]",
		Short: "Print a session's transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialGateway(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer client.Close()

			var res struct {
				Messages []json.RawMessage `json:"messages"`
			}
			err = client.Call(cmd.Context(), protocol.MethodSessionsHistory, map[string]interface{}{
				"sessionKey": args[0],
				"limit":      limit,
			}, &res)
			if err != nil {
				return err
			}
			for _, m := range res.Messages {
				fmt.Println(string(m))
			}
			return nil
		},
	}
	history.Flags().IntVar(&limit, "limit", 50, "max messages")

	reset := &cobra.Command{
		Use:   "reset [sessionKey]",
		Short: "Reset a session to a fresh transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialGateway(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer client.Close()

			var entry json.RawMessage
			err = client.Call(cmd.Context(), protocol.MethodSessionsReset, map[string]string{
				"sessionKey": args[0],
			}, &entry)
			if err != nil {
				return err
			}
			fmt.Println("reset", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, history, reset)
	return cmd
}
