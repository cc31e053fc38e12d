package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clawdbot/clawdbot/internal/archive"
	"github.com/clawdbot/clawdbot/internal/config"
)

func skillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Manage installed skill packs",
	}

	var name string
	var strip int
	install := &cobra.Command{
		Use:   "install [tarball]",
		Short: "Install a skill pack from a .tar.gz",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			skill := name
			if skill == "" {
				base := filepath.Base(args[0])
				skill = strings.TrimSuffix(strings.TrimSuffix(base, ".tar.gz"), ".tgz")
			}
			if skill == "" || strings.ContainsAny(skill, "/\\") {
				return fmt.Errorf("bad skill name %q", skill)
			}
			stateDir, err := config.StateDir()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			target := config.SkillRoot(stateDir, skill)
			if err := archive.ExtractTarGz(f, target, archive.Options{StripComponents: strip}); err != nil {
				return fmt.Errorf("extract %s: %w", args[0], err)
			}
			fmt.Printf("installed %s to %s\n", skill, target)
			return nil
		},
	}
	install.Flags().StringVar(&name, "name", "", "skill name (default: tarball basename)")
	install.Flags().IntVar(&strip, "strip-components", 1, "leading path elements to drop")

	list := &cobra.Command{
		Use:   "list",
		Short: "List installed skills",
		RunE: func(cmd *cobra.Command, args []string) error {
			stateDir, err := config.StateDir()
			if err != nil {
				return err
			}
			entries, err := os.ReadDir(filepath.Join(stateDir, "tools"))
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("no skills installed")
					return nil
				}
				return err
			}
			for _, e := range entries {
				if e.IsDir() {
					fmt.Println(e.Name())
				}
			}
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove [name]",
		Short: "Remove an installed skill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.ContainsAny(args[0], "/\\") {
				return fmt.Errorf("bad skill name %q", args[0])
			}
			stateDir, err := config.StateDir()
			if err != nil {
				return err
			}
			target := config.SkillRoot(stateDir, args[0])
			if _, err := os.Stat(target); err != nil {
				return fmt.Errorf("skill %q not installed", args[0])
			}
			if err := os.RemoveAll(target); err != nil {
				return err
			}
			fmt.Println("removed", args[0])
			return nil
		},
	}

	cmd.AddCommand(install, list, remove)
	return cmd
}
