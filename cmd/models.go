package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/clawdbot/clawdbot/internal/agent"
	"github.com/clawdbot/clawdbot/internal/config"
	"github.com/clawdbot/clawdbot/internal/store"
)

// providerEnvKeys maps providers to the env vars `models scan` imports
// credentials from.
var providerEnvKeys = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"dashscope": "DASHSCOPE_API_KEY",
}

func modelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List, scan for, and select models",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List known models",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			stateDir, err := config.StateDir()
			if err != nil {
				return err
			}
			auth, err := store.NewAuthStore(config.AuthPath(stateDir))
			if err != nil {
				return err
			}
			registry := agent.NewModelRegistry()
			specs := registry.List()
			sort.Slice(specs, func(i, j int) bool { return specs[i].Key() < specs[j].Key() })
			for _, s := range specs {
				marks := ""
				if s.Key() == cfg.Agent.Model.Primary {
					marks += " *primary"
				}
				if len(auth.ProfilesFor(s.Provider)) > 0 {
					marks += " [auth]"
				}
				fmt.Printf("%-45s ctx=%-8d%s\n", s.Key(), s.ContextWindow, marks)
			}
			return nil
		},
	}

	scan := &cobra.Command{
		Use:   "scan",
		Short: "Import provider credentials from the environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			stateDir, err := config.StateDir()
			if err != nil {
				return err
			}
			auth, err := store.NewAuthStore(config.AuthPath(stateDir))
			if err != nil {
				return err
			}
			found := 0
			for provider, envKey := range providerEnvKeys {
				key := os.Getenv(envKey)
				if key == "" {
					continue
				}
				if len(auth.ProfilesFor(provider)) > 0 {
					fmt.Printf("%-10s already configured\n", provider)
					continue
				}
				err := auth.Upsert(store.AuthProfile{
					ID:          provider + ":env",
					Provider:    provider,
					Mode:        "apiKey",
					Credentials: map[string]string{"apiKey": key},
				})
				if err != nil {
					return err
				}
				fmt.Printf("%-10s imported from $%s\n", provider, envKey)
				found++
			}
			if found == 0 {
				fmt.Println("no new credentials found")
			}
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set [model]",
		Short: "Set the primary model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := agent.NewModelRegistry()
			spec, err := registry.Resolve("", args[0])
			if err != nil {
				return err
			}
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			cfg.Agent.Model.Primary = spec.Key()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Println("primary model:", spec.Key())
			return nil
		},
	}

	cmd.AddCommand(list, scan, set)
	return cmd
}
