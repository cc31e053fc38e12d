package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawdbot/clawdbot/internal/cron"
	"github.com/clawdbot/clawdbot/pkg/protocol"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialGateway(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer client.Close()

			var res struct {
				Jobs []cron.Job `json:"jobs"`
			}
			if err := client.Call(cmd.Context(), protocol.MethodCronList, map[string]interface{}{}, &res); err != nil {
				return err
			}
			if len(res.Jobs) == 0 {
				fmt.Println("no jobs")
				return nil
			}
			for _, j := range res.Jobs {
				state := "disabled"
				if j.Enabled {
					state = "enabled"
				}
				next := "-"
				if j.State.NextRunAtMs != nil {
					next = time.UnixMilli(*j.State.NextRunAtMs).Format(time.RFC3339)
				}
				fmt.Printf("%-12s %-20s %-9s next=%s\n", j.ID, j.Name, state, next)
			}
			return nil
		},
	}

	var name, every, cronExpr, message, mode, channel, to string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" {
				return fmt.Errorf("add needs --message")
			}
			if every == "" && cronExpr == "" {
				return fmt.Errorf("add needs --every or --cron")
			}
			job := cron.Job{
				Name:          name,
				Enabled:       true,
				SessionTarget: cron.TargetIsolated,
				Message:       message,
				Delivery:      cron.Delivery{Mode: mode, Channel: channel, To: to},
			}
			if cronExpr != "" {
				job.Schedule = cron.Schedule{Kind: cron.KindCron, Expr: cronExpr}
			} else {
				d, err := time.ParseDuration(every)
				if err != nil {
					return fmt.Errorf("bad --every: %w", err)
				}
				job.Schedule = cron.Schedule{Kind: cron.KindEvery, EveryMs: d.Milliseconds()}
			}
			client, err := dialGateway(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer client.Close()

			var added cron.Job
			if err := client.Call(cmd.Context(), protocol.MethodCronAdd, job, &added); err != nil {
				return err
			}
			fmt.Printf("added %s (%s)\n", added.ID, added.Name)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "job name")
	add.Flags().StringVar(&every, "every", "", "interval, e.g. 30m or 6h")
	add.Flags().StringVar(&cronExpr, "cron", "", "cron expression")
	add.Flags().StringVar(&message, "message", "", "prompt to run")
	add.Flags().StringVar(&mode, "mode", cron.DeliverySilent, "delivery mode: silent, announce, direct")
	add.Flags().StringVar(&channel, "channel", "", "delivery channel")
	add.Flags().StringVar(&to, "to", "", "delivery recipient")

	remove := &cobra.Command{
		Use:   "remove [id]",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialGateway(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer client.Close()

			var res map[string]bool
			err = client.Call(cmd.Context(), protocol.MethodCronRemove, map[string]string{"id": args[0]}, &res)
			if err != nil {
				return err
			}
			fmt.Println("removed", args[0])
			return nil
		},
	}

	var force bool
	run := &cobra.Command{
		Use:   "run [id]",
		Short: "Run a job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialGateway(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer client.Close()

			var outcome cron.RunOutcome
			err = client.Call(cmd.Context(), protocol.MethodCronRun, map[string]interface{}{
				"id":    args[0],
				"force": force,
			}, &outcome)
			if err != nil {
				return err
			}
			if outcome.Ran {
				fmt.Println("ran", args[0])
			} else {
				fmt.Printf("skipped %s: %s\n", args[0], outcome.Reason)
			}
			return nil
		},
	}
	run.Flags().BoolVar(&force, "force", false, "run even when disabled or already running")

	status := &cobra.Command{
		Use:   "status [id]",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialGateway(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer client.Close()

			var job json.RawMessage
			err = client.Call(cmd.Context(), protocol.MethodCronStatus, map[string]string{"id": args[0]}, &job)
			if err != nil {
				return err
			}
			fmt.Println(string(job))
			return nil
		},
	}

	cmd.AddCommand(list, add, remove, run, status)
	return cmd
}
