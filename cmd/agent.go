package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawdbot/clawdbot/internal/config"
	"github.com/clawdbot/clawdbot/internal/sessions"
	"github.com/clawdbot/clawdbot/pkg/protocol"
)

type chatEvent struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId"`
	State      string `json:"state"`
	Text       string `json:"text"`
	Error      string `json:"error,omitempty"`
}

func agentCmd() *cobra.Command {
	var sessionKey string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "agent [message]",
		Short: "Run one agent turn and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			key := sessionKey
			if key == "" {
				key = sessions.BuildMainSessionKey(cfg.DefaultAgentID(), cfg.MainSessionKey())
			}

			finalCh := make(chan chatEvent, 1)
			var mu sync.Mutex
			var wantRun string
			var streamed bool
			client, err := dialGateway(cmd.Context(), func(event string, payload json.RawMessage) {
				if event != protocol.EventChat {
					return
				}
				var ev chatEvent
				if json.Unmarshal(payload, &ev) != nil {
					return
				}
				mu.Lock()
				want := wantRun
				mu.Unlock()
				if want == "" || ev.RunID != want {
					return
				}
				switch ev.State {
				case "delta":
					mu.Lock()
					streamed = true
					mu.Unlock()
					fmt.Fprint(os.Stdout, ev.Text)
				case "final":
					select {
					case finalCh <- ev:
					default:
					}
				}
			})
			if err != nil {
				return err
			}
			defer client.Close()

			var res struct {
				RunID   string `json:"runId"`
				Started bool   `json:"started"`
				Queued  bool   `json:"queued"`
			}
			err = client.Call(cmd.Context(), protocol.MethodChatSend, map[string]interface{}{
				"sessionKey": key,
				"message":    strings.Join(args, " "),
			}, &res)
			if err != nil {
				return err
			}
			mu.Lock()
			wantRun = res.RunID
			mu.Unlock()

			select {
			case ev := <-finalCh:
				if ev.Error != "" {
					fmt.Println()
					return fmt.Errorf("agent: %s", ev.Error)
				}
				mu.Lock()
				sawDeltas := streamed
				mu.Unlock()
				if sawDeltas {
					fmt.Println()
				} else if ev.Text != "" {
					fmt.Println(ev.Text)
				}
				return nil
			case <-time.After(timeout):
				return fmt.Errorf("timed out after %s waiting for run %s", timeout, res.RunID)
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}
		},
	}
	cmd.Flags().StringVar(&sessionKey, "session", "", "session key (default: the agent's main session)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "how long to wait for the reply")
	return cmd
}
