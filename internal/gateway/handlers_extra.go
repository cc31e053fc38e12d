package gateway

import (
	"context"
	"encoding/json"

	"github.com/clawdbot/clawdbot/internal/bus"
	"github.com/clawdbot/clawdbot/internal/config"
	"github.com/clawdbot/clawdbot/pkg/protocol"
)

// UsageSummarizer reports aggregated token spend from the usage ledger.
type UsageSummarizer interface {
	Summary(ctx context.Context, sinceMs int64) (interface{}, error)
}

// ExtraDeps carry the second tier of RPC handlers: config access,
// transcript history, direct sends, and the usage ledger.
type ExtraDeps struct {
	Deps
	ConfigPath string
	Bus        *bus.MessageBus
	Usage      UsageSummarizer
}

// RegisterExtraHandlers wires config, history, send, agent, and usage.
func RegisterExtraHandlers(r *MethodRouter, d ExtraDeps) {
	r.Register(protocol.MethodConfigGet, d.handleConfigGet)
	r.Register(protocol.MethodConfigSet, d.handleConfigSet)
	r.Register(protocol.MethodSessionsHistory, d.handleSessionsHistory)
	r.Register(protocol.MethodSend, d.handleSend)
	r.Register(protocol.MethodAgent, d.handleChatSend)
	if d.Usage != nil {
		r.Register(protocol.MethodUsageSummary, d.handleUsageSummary)
	}
}

func (d ExtraDeps) handleConfigGet(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	return d.Config, nil
}

func (d ExtraDeps) handleConfigSet(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var next config.Config
	if err := json.Unmarshal(params, &next); err != nil {
		return nil, invalid("malformed config")
	}
	d.Config.ReplaceFrom(&next)
	if err := config.Save(d.ConfigPath, d.Config); err != nil {
		return nil, internal(err)
	}
	return d.Config, nil
}

func (d ExtraDeps) handleSessionsHistory(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Limit      int    `json:"limit,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
		return nil, invalid("sessions.history needs sessionKey")
	}
	msgs, err := d.Sessions.History(p.SessionKey, p.Limit)
	if err != nil {
		return nil, internal(err)
	}
	return map[string]interface{}{"messages": msgs}, nil
}

// handleSend pushes a message straight to a channel, bypassing the
// agent loop. Used by the CLI `send` command and cron direct delivery.
func (d ExtraDeps) handleSend(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var msg bus.OutboundMessage
	if err := json.Unmarshal(params, &msg); err != nil || msg.Channel == "" || msg.To == "" {
		return nil, invalid("send needs channel and to")
	}
	d.Bus.PublishOutbound(msg)
	return map[string]bool{"queued": true}, nil
}

func (d ExtraDeps) handleUsageSummary(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p struct {
		SinceMs int64 `json:"sinceMs,omitempty"`
	}
	if len(params) > 0 {
		json.Unmarshal(params, &p)
	}
	summary, err := d.Usage.Summary(ctx, p.SinceMs)
	if err != nil {
		return nil, internal(err)
	}
	return summary, nil
}
