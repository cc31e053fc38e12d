package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/clawdbot/clawdbot/internal/config"
	"github.com/clawdbot/clawdbot/pkg/protocol"
)

func hooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hooks",
		Short: "Manage workflow hooks",
	}

	gmail := &cobra.Command{
		Use:   "gmail",
		Short: "Gmail inbox hook",
	}

	var account string
	setup := &cobra.Command{
		Use:   "setup",
		Short: "Enable the gmail hook for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if account == "" {
				return fmt.Errorf("setup needs --account")
			}
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			cfg.Hooks.Enabled = true
			cfg.Hooks.Gmail.Account = account
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Printf("gmail hook enabled for %s\n", account)
			return nil
		},
	}
	setup.Flags().StringVar(&account, "account", "", "gmail account address")

	run := &cobra.Command{
		Use:   "run",
		Short: "Trigger the gmail hook once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if !cfg.Hooks.Enabled || cfg.Hooks.Gmail.Account == "" {
				return fmt.Errorf("gmail hook not configured (run `clawdbot hooks gmail setup --account ...`)")
			}
			client, err := dialGateway(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer client.Close()

			key := "hook:gmail:" + uuid.NewString()
			prompt := fmt.Sprintf("Check the Gmail inbox for %s and summarize anything new that needs attention.", cfg.Hooks.Gmail.Account)
			var res struct {
				RunID string `json:"runId"`
			}
			err = client.Call(cmd.Context(), protocol.MethodChatSend, map[string]interface{}{
				"sessionKey": key,
				"message":    prompt,
			}, &res)
			if err != nil {
				return err
			}
			fmt.Println("hook run started:", res.RunID)
			return nil
		},
	}

	gmail.AddCommand(setup, run)
	cmd.AddCommand(gmail)
	return cmd
}
