package cmd

import (
	"fmt"
	"sort"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/clawdbot/clawdbot/internal/agent"
	"github.com/clawdbot/clawdbot/internal/config"
	"github.com/clawdbot/clawdbot/internal/store"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

func runOnboard() error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	stateDir, err := config.StateDir()
	if err != nil {
		return err
	}

	registry := agent.NewModelRegistry()
	specs := registry.List()
	sort.Slice(specs, func(i, j int) bool { return specs[i].Key() < specs[j].Key() })
	modelOptions := make([]huh.Option[string], 0, len(specs))
	for _, s := range specs {
		modelOptions = append(modelOptions, huh.NewOption(s.Key(), s.Key()))
	}

	model := cfg.Agent.Model.Primary
	if model == "" && len(specs) > 0 {
		model = specs[0].Key()
	}
	var apiKey string
	var security string = cfg.Tools.Exec.Security
	if security == "" {
		security = "allowlist"
	}
	var enableTelegram, enableDiscord bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Primary model").
				Options(modelOptions...).
				Value(&model),
			huh.NewInput().
				Title("API key for that provider").
				Description("Stored in the state dir; leave blank to keep existing credentials").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Shell tool security").
				Options(
					huh.NewOption("allowlist (approve new commands)", "allowlist"),
					huh.NewOption("full (run anything)", "full"),
					huh.NewOption("deny (no shell)", "deny"),
				).
				Value(&security),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable Telegram?").
				Description("Needs TELEGRAM_BOT_TOKEN in the environment").
				Value(&enableTelegram),
			huh.NewConfirm().
				Title("Enable Discord?").
				Description("Needs DISCORD_BOT_TOKEN in the environment").
				Value(&enableDiscord),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Agent.Model.Primary = model
	cfg.Tools.Exec.Security = security
	if cfg.Channels == nil {
		cfg.Channels = map[string]config.ChannelConfig{}
	}
	setChannel := func(id string, enabled bool) {
		ch := cfg.Channels[id]
		ch.Enabled = enabled
		cfg.Channels[id] = ch
	}
	setChannel("telegram", enableTelegram)
	setChannel("discord", enableDiscord)

	if apiKey != "" {
		spec, err := registry.Resolve("", model)
		if err != nil {
			return err
		}
		auth, err := store.NewAuthStore(config.AuthPath(stateDir))
		if err != nil {
			return err
		}
		err = auth.Upsert(store.AuthProfile{
			ID:          spec.Provider + ":onboard",
			Provider:    spec.Provider,
			Mode:        "apiKey",
			Credentials: map[string]string{"apiKey": apiKey},
		})
		if err != nil {
			return err
		}
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Println("wrote", cfgPath)
	fmt.Println("next: clawdbot gateway")
	return nil
}
