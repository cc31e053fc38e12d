package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawdbot/clawdbot/internal/config"
	"github.com/clawdbot/clawdbot/internal/sessions"
	"github.com/clawdbot/clawdbot/internal/store"
	"github.com/clawdbot/clawdbot/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Audit the local installation and report problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			failures := 0
			check := func(name string, err error) {
				if err != nil {
					failures++
					fmt.Printf("FAIL  %-22s %v\n", name, err)
				} else {
					fmt.Printf("ok    %s\n", name)
				}
			}

			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			check("config "+cfgPath, err)
			if err != nil {
				return fmt.Errorf("cannot continue without config")
			}

			stateDir, err := config.StateDir()
			check("state dir", err)
			if err != nil {
				return fmt.Errorf("cannot continue without state dir")
			}
			fmt.Printf("      state dir: %s\n", stateDir)

			probe := filepath.Join(stateDir, ".doctor-probe")
			if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
				check("state dir writable", err)
			} else {
				os.Remove(probe)
				check("state dir writable", nil)
			}

			agentID := cfg.DefaultAgentID()
			_, err = sessions.NewStore(config.SessionsPath(stateDir, agentID))
			check("session store", err)
			_, err = store.NewAuthStore(config.AuthPath(stateDir))
			check("auth store", err)
			_, err = store.NewPairingStore(config.PairingPath(stateDir))
			check("pairing store", err)
			_, err = store.NewAllowlistStore(config.AllowlistPath(stateDir, agentID))
			check("allowlist store", err)

			auth, err := store.NewAuthStore(config.AuthPath(stateDir))
			if err == nil {
				hasCreds := false
				for provider := range providerEnvKeys {
					if len(auth.ProfilesFor(provider)) > 0 {
						hasCreds = true
					}
				}
				if !hasCreds {
					failures++
					fmt.Println("FAIL  provider credentials   none configured (run `clawdbot models scan`)")
				} else {
					fmt.Println("ok    provider credentials")
				}
			}

			for id, ch := range cfg.Channels {
				if ch.Enabled && ch.BotToken == "" {
					failures++
					fmt.Printf("FAIL  channel %-14s enabled but no bot token in env\n", id)
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			if client, err := dialGateway(ctx, nil); err != nil {
				fmt.Printf("warn  gateway not reachable: %v\n", err)
			} else {
				var health map[string]interface{}
				err := client.Call(ctx, protocol.MethodHealth, map[string]interface{}{}, &health)
				client.Close()
				check("gateway health", err)
			}

			if failures > 0 {
				return fmt.Errorf("%d problem(s) found", failures)
			}
			fmt.Println("all checks passed")
			return nil
		},
	}
}
