package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/clawdbot/clawdbot/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/clawdbot/clawdbot/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	profile string
	devMode bool
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "clawdbot",
	Short: "clawdbot — personal assistant gateway",
	Long:  "clawdbot runs a local-first gateway for a personal AI assistant: WebSocket control plane, channel adapters, cron, and supervised tool execution.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway(cmd.Context())
	},
}

// setupLogging configures the process-wide slog handler.
func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: clawdbot.json in the state dir, or $CLAWDBOT_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "named state profile (isolated state dir)")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "use a throwaway dev profile")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(pairingCmd())
	rootCmd.AddCommand(cronCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(hooksCmd())
	rootCmd.AddCommand(skillsCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clawdbot %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

// transformArgs injects --profile from CLAWDBOT_PROFILE unless the user
// already selected a profile explicitly or asked for --dev.
func transformArgs(args []string) []string {
	prof := os.Getenv("CLAWDBOT_PROFILE")
	if prof == "" {
		return args
	}
	for _, a := range args {
		if a == "--profile" || a == "--dev" {
			return args
		}
		if len(a) > 10 && a[:10] == "--profile=" {
			return args
		}
	}
	return append([]string{"--profile", prof}, args...)
}

// applyProfile redirects state resolution to a per-profile directory.
func applyProfile() {
	name := profile
	if devMode {
		name = "dev"
	}
	if name == "" || os.Getenv("OPENCLAW_STATE_DIR") != "" {
		return
	}
	if home := os.Getenv("HOME"); home != "" {
		os.Setenv("OPENCLAW_STATE_DIR", home+"/.openclaw-"+name)
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("CLAWDBOT_CONFIG"); v != "" {
		return v
	}
	return "clawdbot.json"
}

// Execute runs the root cobra command. Exit codes: 0 success, 1 failure,
// 2 flag or argument misuse.
func Execute() {
	rootCmd.SetArgs(transformArgs(os.Args[1:]))
	rootCmd.SilenceErrors = true
	cobra.OnInitialize(applyProfile)

	misuse := false
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		misuse = true
		return err
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if misuse {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
