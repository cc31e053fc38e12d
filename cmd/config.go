package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clawdbot/clawdbot/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and edit the gateway configuration",
	}

	get := &cobra.Command{
		Use:   "get [path]",
		Short: "Print the config, or one dotted path",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			tree, err := configTree(cfg)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				v, ok := lookupPath(tree, strings.Split(args[0], "."))
				if !ok {
					return fmt.Errorf("no value at %q", args[0])
				}
				fmt.Println(prettyJSON(v))
				return nil
			}
			fmt.Println(prettyJSON(tree))
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set one dotted path to a JSON value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			tree, err := configTree(cfg)
			if err != nil {
				return err
			}
			var value interface{}
			if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
				// Bare words are treated as strings.
				value = args[1]
			}
			if err := setPath(tree, strings.Split(args[0], "."), value); err != nil {
				return err
			}
			raw, err := json.Marshal(tree)
			if err != nil {
				return err
			}
			next := &config.Config{}
			if err := json.Unmarshal(raw, next); err != nil {
				return fmt.Errorf("value does not fit the config schema: %w", err)
			}
			if err := config.Save(cfgPath, next); err != nil {
				return err
			}
			fmt.Printf("%s = %s\n", args[0], prettyJSON(value))
			return nil
		},
	}

	cmd.AddCommand(get, set)
	return cmd
}

func configTree(cfg *config.Config) (map[string]interface{}, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func lookupPath(tree map[string]interface{}, path []string) (interface{}, bool) {
	var cur interface{} = tree
	for _, seg := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(tree map[string]interface{}, path []string, value interface{}) error {
	cur := tree
	for i, seg := range path {
		if i == len(path)-1 {
			cur[seg] = value
			return nil
		}
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			if _, exists := cur[seg]; exists {
				return fmt.Errorf("%s is not an object", strings.Join(path[:i+1], "."))
			}
			next = map[string]interface{}{}
			cur[seg] = next
		}
		cur = next
	}
	return nil
}
