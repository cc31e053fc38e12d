package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/clawdbot/clawdbot/internal/agent"
	"github.com/clawdbot/clawdbot/internal/bootstrap"
	"github.com/clawdbot/clawdbot/internal/bus"
	"github.com/clawdbot/clawdbot/internal/channels"
	"github.com/clawdbot/clawdbot/internal/channels/discord"
	"github.com/clawdbot/clawdbot/internal/channels/telegram"
	"github.com/clawdbot/clawdbot/internal/config"
	"github.com/clawdbot/clawdbot/internal/cron"
	"github.com/clawdbot/clawdbot/internal/delivery"
	"github.com/clawdbot/clawdbot/internal/dispatch"
	"github.com/clawdbot/clawdbot/internal/gateway"
	"github.com/clawdbot/clawdbot/internal/hooks"
	"github.com/clawdbot/clawdbot/internal/nodes"
	"github.com/clawdbot/clawdbot/internal/policy"
	"github.com/clawdbot/clawdbot/internal/proc"
	"github.com/clawdbot/clawdbot/internal/sessions"
	"github.com/clawdbot/clawdbot/internal/store"
	"github.com/clawdbot/clawdbot/internal/telemetry"
	"github.com/clawdbot/clawdbot/internal/tools"
	"github.com/clawdbot/clawdbot/internal/usage"
	"github.com/clawdbot/clawdbot/pkg/protocol"
)

func gatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the clawdbot gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd.Context())
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the gateway in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd.Context())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return stopGateway()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "restart",
		Short: "Stop a running gateway and start a new one",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := stopGateway(); err != nil {
				slog.Warn("stop before restart", "error", err)
			}
			return runGateway(cmd.Context())
		},
	})
	return cmd
}

func pidPath(stateDir string) string {
	return filepath.Join(stateDir, "gateway.pid")
}

func stopGateway() error {
	stateDir, err := config.StateDir()
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(pidPath(stateDir))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no gateway pid file in %s", stateDir)
		}
		return err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("malformed pid file: %w", err)
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	fmt.Printf("sent SIGTERM to gateway (pid %d)\n", pid)
	return nil
}

// runGateway wires the whole control plane and blocks until shutdown.
func runGateway(parent context.Context) error {
	setupLogging()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	stateDir, err := config.StateDir()
	if err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	if cfg.Gateway.Token == "" {
		token, err := resolveGatewayToken(stateDir, true)
		if err != nil {
			return fmt.Errorf("gateway token: %w", err)
		}
		cfg.Gateway.Token = token
	}
	slog.Info("starting gateway", "version", Version, "state", stateDir, "config", cfgPath)

	pidFile := pidPath(stateDir)
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		slog.Warn("cannot write pid file", "path", pidFile, "error", err)
	} else {
		defer os.Remove(pidFile)
	}

	agentID := cfg.DefaultAgentID()
	workspace := filepath.Join(stateDir, "workspace")
	if spec, ok := cfg.Agents.List[agentID]; ok && spec.Workspace != "" {
		workspace = spec.Workspace
	}
	if seeded, err := bootstrap.EnsureWorkspaceFiles(workspace); err != nil {
		slog.Warn("workspace seed failed", "dir", workspace, "error", err)
	} else if len(seeded) > 0 {
		slog.Info("seeded workspace files", "dir", workspace, "files", seeded)
	}

	auth, err := store.NewAuthStore(config.AuthPath(stateDir))
	if err != nil {
		return fmt.Errorf("auth store: %w", err)
	}
	pairing, err := store.NewPairingStore(config.PairingPath(stateDir))
	if err != nil {
		return fmt.Errorf("pairing store: %w", err)
	}
	allowlist, err := store.NewAllowlistStore(config.AllowlistPath(stateDir, agentID))
	if err != nil {
		return fmt.Errorf("allowlist store: %w", err)
	}
	bindings, err := store.NewThreadBindingStore(config.ThreadBindingsPath(stateDir))
	if err != nil {
		return fmt.Errorf("thread bindings: %w", err)
	}
	voicewake, err := store.NewVoicewakeStore(filepath.Join(stateDir, "voicewake.json"))
	if err != nil {
		return fmt.Errorf("voicewake store: %w", err)
	}
	sessStore, err := sessions.NewStore(config.SessionsPath(stateDir, agentID))
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}

	msgBus := bus.New()

	approvals := policy.NewApprovalManager(func(event string, req policy.PendingApproval, decision string) {
		msgBus.Broadcast(bus.Event{Name: event, Payload: map[string]interface{}{
			"id":       req.ID,
			"command":  req.Command,
			"agentId":  req.AgentID,
			"decision": decision,
		}})
	})
	engine := policy.NewEngine(policy.Options{
		Security:  cfg.Tools.Exec.Security,
		Ask:       cfg.Tools.Exec.Ask,
		SafeBins:  cfg.Tools.Exec.SafeBins,
		SkillRoot: filepath.Join(stateDir, "tools"),
		Allowlist: allowlist,
		Approvals: approvals,
	})
	sup := proc.NewSupervisor()

	registry := tools.NewRegistry()
	registry.Register(tools.NewShellTool(engine, sup, msgBus, workspace, agentID))
	registry.Register(tools.NewFileTool(workspace))

	models := agent.NewModelRegistry()
	if cfg.Agent.Model.Primary != "" && len(cfg.Agent.Model.Fallbacks) > 0 {
		models.SetFallbacks(cfg.Agent.Model.Primary, cfg.Agent.Model.Fallbacks)
	}

	runner := agent.NewRunner(agent.Options{
		Registry: models,
		Auth:     auth,
		Sessions: sessStore,
		Hooks:    hooks.NewRunner(true),
		Stream: agent.NewProviderStream(agent.StreamOptions{
			Sessions:        sessStore,
			Tools:           registry,
			BlockReplyBreak: cfg.BlockReplyBreak(),
		}),
		WorkspaceDir: workspace,
		SkillsDir:    filepath.Join(stateDir, "tools"),
		ToolNames:    registry.Names(),
		Timezone:     cfg.Agent.UserTimezone,
		DefaultModel: cfg.Agent.Model.Primary,
	})

	agentName := "clawdbot"
	if spec, ok := cfg.Agents.List[agentID]; ok && spec.DisplayName != "" {
		agentName = spec.DisplayName
	}
	mgr := channels.NewManager(msgBus)
	for id, ch := range cfg.Channels {
		if !ch.Enabled {
			continue
		}
		switch id {
		case "telegram":
			tg, err := telegram.New(ch.BotToken, msgBus)
			if err != nil {
				slog.Error("telegram channel init failed", "error", err)
				continue
			}
			mgr.Register(tg)
		case "discord":
			dc, err := discord.New(ch.BotToken, msgBus, bindings, agentName, "")
			if err != nil {
				slog.Error("discord channel init failed", "error", err)
				continue
			}
			mgr.Register(dc)
		default:
			slog.Warn("unknown channel in config", "channel", id)
		}
	}

	pipeline := delivery.NewPipeline(mgr, mgr, sessStore)

	var ledger *usage.Ledger
	if l, err := usage.Open(ctx, config.UsageDBPath(stateDir)); err != nil {
		slog.Warn("usage ledger unavailable", "error", err)
	} else {
		ledger = l
		defer ledger.Close()
	}

	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed", "error", err)
		tp, _ = telemetry.Setup(ctx, config.TelemetryConfig{})
	}
	defer func() {
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		if err := tp.Shutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()
	tracer := tp.Tracer("clawdbot/gateway")

	timeoutMs := int64(cfg.AgentTimeout()) * 1000

	runTurn := func(ctx context.Context, turn dispatch.Turn) error {
		ctx, span := tracer.Start(ctx, "agent.turn", trace.WithAttributes(
			attribute.String("session.key", turn.SessionKey),
			attribute.String("run.id", turn.RunID),
			attribute.String("channel", turn.Channel),
		))
		defer span.End()
		target := delivery.Target{
			Channel:    turn.Channel,
			To:         turn.To,
			ThreadID:   turn.ThreadID,
			SessionKey: turn.SessionKey,
		}
		var cb agent.Callbacks
		if turn.Channel != "" {
			cb.OnBlockReply = func(text string, mediaURLs []string) {
				if err := pipeline.StreamBlock(ctx, turn.RunID, target, text, mediaURLs, ""); err != nil {
					slog.Warn("stream block failed", "run", turn.RunID, "error", err)
				}
			}
		} else {
			cb.OnPartialReply = func(text string, mediaURLs []string) {
				msgBus.Broadcast(bus.Event{Name: protocol.EventChat, Payload: map[string]interface{}{
					"sessionKey": turn.SessionKey,
					"runId":      turn.RunID,
					"state":      "delta",
					"text":       text,
				}})
			}
		}
		res, runErr := runner.Run(ctx, agent.RunInput{
			SessionKey: turn.SessionKey,
			AgentID:    turn.AgentID,
			RunID:      turn.RunID,
			Prompt:     turn.Prompt,
			TimeoutMs:  timeoutMs,
			Callbacks:  cb,
		})
		if runErr != nil {
			span.RecordError(runErr)
		}
		if res != nil && ledger != nil {
			provider, model := splitModelRef(cfg.Agent.Model.Primary)
			if err := ledger.Add(context.Background(), usage.Record{
				AtMs:         time.Now().UnixMilli(),
				SessionKey:   turn.SessionKey,
				AgentID:      turn.AgentID,
				RunID:        turn.RunID,
				Provider:     provider,
				Model:        model,
				InputTokens:  int64(res.Usage.InputTokens),
				OutputTokens: int64(res.Usage.OutputTokens),
			}); err != nil {
				slog.Warn("usage record failed", "run", turn.RunID, "error", err)
			}
		}
		if turn.Channel != "" {
			if res != nil {
				if err := pipeline.DeliverFinal(ctx, turn.RunID, target, res.Payloads); err != nil {
					slog.Warn("final delivery failed", "run", turn.RunID, "error", err)
				}
			}
			pipeline.MarkRunComplete(turn.RunID)
		} else {
			payload := map[string]interface{}{
				"sessionKey": turn.SessionKey,
				"runId":      turn.RunID,
				"state":      "final",
			}
			if res != nil {
				texts := make([]string, 0, len(res.Payloads))
				for _, pl := range res.Payloads {
					if pl.Text != "" {
						texts = append(texts, pl.Text)
					}
				}
				payload["text"] = strings.Join(texts, "\n\n")
			}
			if runErr != nil {
				payload["error"] = runErr.Error()
			}
			msgBus.Broadcast(bus.Event{Name: protocol.EventChat, Payload: payload})
		}
		return runErr
	}

	dispatcher := dispatch.New(runTurn, runner, cfg.Agent.MaxConcurrent)

	cronRun := func(ctx context.Context, job cron.Job) (string, error) {
		ctx, span := tracer.Start(ctx, "cron.run", trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.name", job.Name),
		))
		defer span.End()
		runID := uuid.NewString()
		var key string
		switch job.SessionTarget {
		case cron.TargetNamed:
			key = job.SessionKey
		case cron.TargetMain:
			key = sessions.BuildMainSessionKey(agentID, cfg.MainSessionKey())
		default:
			key = sessions.BuildCronSessionKey(agentID, job.ID, runID)
		}
		res, err := runner.Run(ctx, agent.RunInput{
			SessionKey: key,
			AgentID:    agentID,
			RunID:      runID,
			Prompt:     job.Message,
			TimeoutMs:  timeoutMs,
		})
		if err != nil {
			return "", err
		}
		var texts []string
		for _, pl := range res.Payloads {
			if pl.Text != "" {
				texts = append(texts, pl.Text)
			}
		}
		reply := strings.Join(texts, "\n\n")
		if job.Delivery.Channel != "" && job.Delivery.To != "" {
			switch job.Delivery.Mode {
			case cron.DeliveryDirect:
				msgBus.PublishOutbound(bus.OutboundMessage{
					Channel: job.Delivery.Channel,
					To:      job.Delivery.To,
					Text:    reply,
				})
			case cron.DeliveryAnnounce:
				msgBus.PublishOutbound(bus.OutboundMessage{
					Channel: job.Delivery.Channel,
					To:      job.Delivery.To,
					Text:    fmt.Sprintf("[cron] %s finished", job.Name),
				})
			}
		}
		return reply, nil
	}
	sched, err := cron.NewScheduler(config.CronPath(stateDir, agentID), cronRun, msgBus)
	if err != nil {
		return fmt.Errorf("cron scheduler: %w", err)
	}

	nodeReg := nodes.NewRegistry()
	nodeTransport := nodes.NewEventTransport(msgBus)
	nodeHost := nodes.NewHost(nodeReg, nodeTransport, engine, sup, msgBus)

	var tailnet *gateway.Tailnet
	var identity gateway.IdentityResolver
	if mode := cfg.Gateway.Tailscale.Mode; mode != "" && mode != "off" {
		tailnet = gateway.NewTailnet(cfg.Gateway.Tailscale)
		identity = tailnet
		defer tailnet.Close()
	}

	srv := gateway.NewServer(cfg, msgBus, identity)
	deps := gateway.Deps{
		Config:        cfg,
		Cron:          sched,
		Sessions:      sessStore,
		Dispatcher:    dispatcher,
		Pairing:       pairing,
		Approvals:     approvals,
		Voicewake:     voicewake,
		Nodes:         nodeReg,
		NodeHost:      nodeHost,
		NodeTransport: nodeTransport,
		StartedAt:     time.Now(),
	}
	gateway.RegisterHandlers(srv.Router(), deps)
	extra := gateway.ExtraDeps{Deps: deps, ConfigPath: cfgPath, Bus: msgBus}
	if ledger != nil {
		extra.Usage = ledger
	}
	gateway.RegisterExtraHandlers(srv.Router(), extra)

	gwToken := cfg.Gateway.Token
	stopWatch, err := config.Watch(cfgPath, cfg, func() {
		// Reload rebuilds from file+env, which never carries a generated token.
		if cfg.Gateway.Token == "" {
			cfg.Gateway.Token = gwToken
		}
		slog.Info("config reloaded", "path", cfgPath)
	})
	if err != nil {
		slog.Warn("config watch unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start cron: %w", err)
	}
	defer sched.Stop()

	if err := mgr.StartAll(ctx); err != nil {
		slog.Error("channel start failed", "error", err)
	}

	router := sessions.NewRouter(cfg, sessStore, pairing)
	go pumpInbound(ctx, msgBus, router, sessStore, dispatcher)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("shutting down", "signal", sig.String())
			srv.BroadcastEvent(protocol.NewEvent(protocol.EventShutdown, map[string]interface{}{
				"reason": sig.String(),
			}))
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := mgr.StopAll(stopCtx); err != nil {
				slog.Warn("channel stop", "error", err)
			}
			stopCancel()
			dispatcher.Shutdown()
			cancel()
		case <-ctx.Done():
		}
	}()

	if tailnet != nil {
		go func() {
			ln, err := tailnet.Listen(ctx, cfg.Gateway.Port)
			if err != nil {
				slog.Error("tailnet listen failed", "error", err)
				return
			}
			if err := srv.Serve(ctx, ln); err != nil && ctx.Err() == nil {
				slog.Error("tailnet serve", "error", err)
			}
		}()
	}

	return srv.Start(ctx)
}

// pumpInbound drains channel messages, routes them through admission and
// pairing, applies whole-message directives, and dispatches agent turns.
func pumpInbound(ctx context.Context, msgBus *bus.MessageBus, router *sessions.Router, sessStore *sessions.Store, dispatcher *dispatch.Dispatcher) {
	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		route := router.Route(msg)
		if route.Skip {
			if route.PairingCode != "" {
				msgBus.PublishOutbound(bus.OutboundMessage{
					Channel: msg.Surface,
					To:      msg.To,
					Text:    fmt.Sprintf("Pairing required. Your code: %s\nAsk the gateway owner to approve it.", route.PairingCode),
				})
			} else {
				slog.Debug("inbound skipped", "surface", msg.Surface, "sender", msg.SenderID, "reason", route.SkipReason)
			}
			continue
		}
		if route.Directive != nil {
			reply, err := sessions.ApplyDirective(sessStore, route.SessionKey, *route.Directive, msg.SenderID)
			if err != nil {
				reply = "error: " + err.Error()
			}
			if reply != "" {
				msgBus.PublishOutbound(bus.OutboundMessage{Channel: msg.Surface, To: msg.To, Text: reply})
			}
			continue
		}
		mode := sessions.QueueFollowup
		if entry, ok := sessStore.Entry(route.SessionKey); ok && entry.QueueMode != "" {
			mode = entry.QueueMode
		}
		dispatcher.Dispatch(dispatch.Turn{
			SessionKey:  route.SessionKey,
			AgentID:     route.AgentID,
			Prompt:      msg.Body,
			SummaryLine: summarize(msg.Body),
			RunID:       uuid.NewString(),
			EnqueuedAt:  time.Now().UnixMilli(),
			Channel:     msg.Surface,
			To:          msg.To,
			ThreadID:    msg.ThreadID,
		}, mode)
	}
}

func splitModelRef(ref string) (provider, model string) {
	if i := strings.IndexByte(ref, '/'); i > 0 {
		return ref[:i], ref[i+1:]
	}
	return "", ref
}

func summarize(body string) string {
	body = strings.TrimSpace(strings.ReplaceAll(body, "\n", " "))
	if len(body) > 80 {
		return body[:77] + "..."
	}
	return body
}
