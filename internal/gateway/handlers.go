package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/clawdbot/clawdbot/internal/config"
	"github.com/clawdbot/clawdbot/internal/cron"
	"github.com/clawdbot/clawdbot/internal/dispatch"
	"github.com/clawdbot/clawdbot/internal/nodes"
	"github.com/clawdbot/clawdbot/internal/policy"
	"github.com/clawdbot/clawdbot/internal/sessions"
	"github.com/clawdbot/clawdbot/internal/store"
	"github.com/clawdbot/clawdbot/pkg/protocol"
)

// Deps are the subsystems the RPC surface fronts.
type Deps struct {
	Config     *config.Config
	Cron       *cron.Scheduler
	Sessions   *sessions.Store
	Dispatcher *dispatch.Dispatcher
	Pairing    *store.PairingStore
	Approvals  *policy.ApprovalManager
	Voicewake  *store.VoicewakeStore
	Nodes      *nodes.Registry
	NodeHost   *nodes.Host
	// NodeTransport, when set, enables the node.connect/node.result pair
	// that carries invoke round trips over the event stream.
	NodeTransport *nodes.EventTransport
	StartedAt     time.Time
}

// RegisterHandlers wires every RPC method onto the router.
func RegisterHandlers(r *MethodRouter, d Deps) {
	r.Register(protocol.MethodConnect, d.handleConnect)
	r.Register(protocol.MethodHealth, d.handleHealth)
	r.Register(protocol.MethodStatus, d.handleStatus)

	r.Register(protocol.MethodChatSend, d.handleChatSend)
	r.Register(protocol.MethodChatInject, d.handleChatInject)
	r.Register(protocol.MethodChatAbort, d.handleChatAbort)

	r.Register(protocol.MethodCronAdd, d.handleCronAdd)
	r.Register(protocol.MethodCronList, d.handleCronList)
	r.Register(protocol.MethodCronUpdate, d.handleCronUpdate)
	r.Register(protocol.MethodCronRemove, d.handleCronRemove)
	r.Register(protocol.MethodCronRun, d.handleCronRun)
	r.Register(protocol.MethodCronStatus, d.handleCronStatus)

	r.Register(protocol.MethodSessionsList, d.handleSessionsList)
	r.Register(protocol.MethodSessionsPatch, d.handleSessionsPatch)
	r.Register(protocol.MethodSessionsReset, d.handleSessionsReset)
	r.Register(protocol.MethodSessionsSend, d.handleChatSend)

	r.Register(protocol.MethodPairingList, d.handlePairingList)
	r.Register(protocol.MethodPairingApprove, d.handlePairingApprove)
	r.Register(protocol.MethodPairingRevoke, d.handlePairingRevoke)

	r.Register(protocol.MethodApprovalsList, d.handleApprovalsList)
	r.Register(protocol.MethodApprovalsResolve, d.handleApprovalsResolve)

	r.Register(protocol.MethodVoicewakeGet, d.handleVoicewakeGet)
	r.Register(protocol.MethodVoicewakeSet, d.handleVoicewakeSet)

	r.Register(protocol.MethodNodeList, d.handleNodeList)
	r.Register(protocol.MethodNodeDescribe, d.handleNodeDescribe)
	r.Register(protocol.MethodNodeInvoke, d.handleNodeInvoke)
	r.Register(protocol.MethodNodeConnect, d.handleNodeConnect)
	if d.NodeTransport != nil {
		r.Register(protocol.MethodNodeResult, d.handleNodeResult)
	}
}

func invalid(msg string) *protocol.ErrorShape {
	return &protocol.ErrorShape{Code: protocol.ErrInvalidRequest, Message: msg}
}

func internal(err error) *protocol.ErrorShape {
	return &protocol.ErrorShape{Code: protocol.ErrInternal, Message: err.Error()}
}

func (d Deps) handleConnect(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p struct {
		ProtocolVersion int `json:"protocolVersion"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalid("malformed connect params")
		}
	}
	if p.ProtocolVersion != 0 && p.ProtocolVersion != protocol.ProtocolVersion {
		return nil, invalid("unsupported protocol version")
	}
	return map[string]interface{}{
		"protocolVersion": protocol.ProtocolVersion,
		"clientId":        c.ID(),
	}, nil
}

func (d Deps) handleHealth(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	return map[string]string{"status": "ok"}, nil
}

func (d Deps) handleStatus(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	return map[string]interface{}{
		"uptimeMs": time.Since(d.StartedAt).Milliseconds(),
		"clients":  c.server.ClientCount(),
		"nodes":    len(d.Nodes.List()),
	}, nil
}

// chatSendParams drives chat.send and sessions.send.
type chatSendParams struct {
	SessionKey string `json:"sessionKey"`
	AgentID    string `json:"agentId,omitempty"`
	Message    string `json:"message"`
	QueueMode  string `json:"queueMode,omitempty"`
	Channel    string `json:"channel,omitempty"`
	To         string `json:"to,omitempty"`
	ThreadID   string `json:"threadId,omitempty"`
}

func (d Deps) handleChatSend(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p chatSendParams
	if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" || p.Message == "" {
		return nil, invalid("chat.send needs sessionKey and message")
	}
	mode := p.QueueMode
	if mode == "" {
		if entry, ok := d.Sessions.Entry(p.SessionKey); ok && entry.QueueMode != "" {
			mode = entry.QueueMode
		} else {
			mode = sessions.QueueFollowup
		}
	}
	runID := uuid.NewString()
	res := d.Dispatcher.Dispatch(dispatch.Turn{
		SessionKey: p.SessionKey,
		AgentID:    p.AgentID,
		Prompt:     p.Message,
		RunID:      runID,
		EnqueuedAt: time.Now().UnixMilli(),
		Channel:    p.Channel,
		To:         p.To,
		ThreadID:   p.ThreadID,
	}, mode)
	return map[string]interface{}{
		"runId":       runID,
		"started":     res.Started,
		"queued":      res.Queued,
		"steered":     res.Steered,
		"interrupted": res.Interrupted,
		"dropped":     res.Dropped,
	}, nil
}

func (d Deps) handleChatInject(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p chatSendParams
	if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" || p.Message == "" {
		return nil, invalid("chat.inject needs sessionKey and message")
	}
	res := d.Dispatcher.Dispatch(dispatch.Turn{
		SessionKey: p.SessionKey,
		AgentID:    p.AgentID,
		Prompt:     p.Message,
		RunID:      uuid.NewString(),
		EnqueuedAt: time.Now().UnixMilli(),
	}, sessions.QueueSteer)
	return map[string]bool{"steered": res.Steered, "queued": res.Queued, "started": res.Started}, nil
}

func (d Deps) handleChatAbort(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
		return nil, invalid("chat.abort needs sessionKey")
	}
	return map[string]bool{"aborted": d.Dispatcher.Abort(p.SessionKey)}, nil
}

func (d Deps) handleCronAdd(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var job cron.Job
	if err := json.Unmarshal(params, &job); err != nil {
		return nil, invalid("malformed cron job")
	}
	added, err := d.Cron.Add(job)
	if err != nil {
		return nil, invalid(err.Error())
	}
	return added, nil
}

func (d Deps) handleCronList(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	return map[string]interface{}{"jobs": d.Cron.List()}, nil
}

func (d Deps) handleCronUpdate(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p struct {
		ID    string          `json:"id"`
		Patch json.RawMessage `json:"patch"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, invalid("cron.update needs id and patch")
	}
	updated, err := d.Cron.Update(p.ID, func(j *cron.Job) error {
		return json.Unmarshal(p.Patch, j)
	})
	if err != nil {
		return nil, invalid(err.Error())
	}
	return updated, nil
}

func (d Deps) handleCronRemove(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, invalid("cron.remove needs id")
	}
	if err := d.Cron.Remove(p.ID); err != nil {
		return nil, &protocol.ErrorShape{Code: protocol.ErrNotFound, Message: err.Error()}
	}
	return map[string]bool{"removed": true}, nil
}

func (d Deps) handleCronRun(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p struct {
		ID    string `json:"id"`
		Force bool   `json:"force,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, invalid("cron.run needs id")
	}
	outcome, err := d.Cron.Run(p.ID, p.Force)
	if err != nil {
		return nil, &protocol.ErrorShape{Code: protocol.ErrNotFound, Message: err.Error()}
	}
	return outcome, nil
}

func (d Deps) handleCronStatus(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, invalid("cron.status needs id")
	}
	job, err := d.Cron.Status(p.ID)
	if err != nil {
		return nil, &protocol.ErrorShape{Code: protocol.ErrNotFound, Message: err.Error()}
	}
	return job, nil
}

func (d Deps) handleSessionsList(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p struct {
		Prefix string `json:"prefix,omitempty"`
	}
	if len(params) > 0 {
		json.Unmarshal(params, &p)
	}
	return map[string]interface{}{"sessions": d.Sessions.List(p.Prefix)}, nil
}

func (d Deps) handleSessionsPatch(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p struct {
		SessionKey string          `json:"sessionKey"`
		Patch      json.RawMessage `json:"patch"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
		return nil, invalid("sessions.patch needs sessionKey and patch")
	}
	err := d.Sessions.Patch(p.SessionKey, func(e *sessions.Entry) error {
		return json.Unmarshal(p.Patch, e)
	})
	if err != nil {
		return nil, internal(err)
	}
	entry, _ := d.Sessions.Entry(p.SessionKey)
	return entry, nil
}

func (d Deps) handleSessionsReset(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
		return nil, invalid("sessions.reset needs sessionKey")
	}
	entry, err := d.Sessions.Reset(p.SessionKey)
	if err != nil {
		return nil, internal(err)
	}
	return entry, nil
}

func (d Deps) handlePairingList(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p struct {
		Channel string `json:"channel,omitempty"`
	}
	if len(params) > 0 {
		json.Unmarshal(params, &p)
	}
	return map[string]interface{}{"pending": d.Pairing.Pending(p.Channel)}, nil
}

func (d Deps) handlePairingApprove(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p struct {
		Channel string `json:"channel"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Channel == "" || p.Code == "" {
		return nil, invalid("pairing.approve needs channel and code")
	}
	senderID, err := d.Pairing.Approve(p.Channel, p.Code)
	if err != nil {
		return nil, &protocol.ErrorShape{Code: protocol.ErrNotFound, Message: err.Error()}
	}
	return map[string]string{"senderId": senderID}, nil
}

func (d Deps) handlePairingRevoke(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p struct {
		Channel  string `json:"channel"`
		SenderID string `json:"senderId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Channel == "" || p.SenderID == "" {
		return nil, invalid("pairing.revoke needs channel and senderId")
	}
	if err := d.Pairing.Revoke(p.Channel, p.SenderID); err != nil {
		return nil, internal(err)
	}
	return map[string]bool{"revoked": true}, nil
}

func (d Deps) handleApprovalsList(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	return map[string]interface{}{"pending": d.Approvals.List()}, nil
}

func (d Deps) handleApprovalsResolve(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p struct {
		ID       string `json:"id"`
		Decision string `json:"decision"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" || p.Decision == "" {
		return nil, invalid("exec.approval.resolve needs id and decision")
	}
	if err := d.Approvals.Resolve(p.ID, p.Decision); err != nil {
		return nil, &protocol.ErrorShape{Code: protocol.ErrNotFound, Message: err.Error()}
	}
	return map[string]bool{"resolved": true}, nil
}

func (d Deps) handleVoicewakeGet(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	return d.Voicewake.Get(), nil
}

func (d Deps) handleVoicewakeSet(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p store.VoicewakeFile
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalid("malformed voicewake params")
	}
	if err := d.Voicewake.Set(p.Enabled, p.Phrases); err != nil {
		return nil, internal(err)
	}
	c.server.BroadcastEvent(protocol.NewEvent(protocol.EventVoicewakeChanged, d.Voicewake.Get()))
	return d.Voicewake.Get(), nil
}

func (d Deps) handleNodeList(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	return map[string]interface{}{"nodes": d.Nodes.List()}, nil
}

func (d Deps) handleNodeDescribe(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p struct {
		NodeID string `json:"nodeId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.NodeID == "" {
		return nil, invalid("node.describe needs nodeId")
	}
	desc, ok := d.Nodes.Get(p.NodeID)
	if !ok {
		return nil, &protocol.ErrorShape{Code: protocol.ErrNotFound, Message: "node not connected"}
	}
	return desc, nil
}

func (d Deps) handleNodeInvoke(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p struct {
		NodeID string          `json:"nodeId"`
		Cmd    string          `json:"cmd"`
		Params json.RawMessage `json:"params,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Cmd == "" {
		return nil, invalid("node.invoke needs cmd")
	}
	res, errShape := d.NodeHost.Invoke(ctx, p.NodeID, p.Cmd, p.Params)
	if errShape != nil {
		return nil, errShape
	}
	return res, nil
}

func (d Deps) handleNodeConnect(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var desc nodes.Descriptor
	if err := json.Unmarshal(params, &desc); err != nil || desc.NodeID == "" {
		return nil, invalid("node.connect needs nodeId")
	}
	d.Nodes.Connect(desc)
	return map[string]bool{"connected": true}, nil
}

func (d Deps) handleNodeResult(ctx context.Context, c *Client, params json.RawMessage) (interface{}, *protocol.ErrorShape) {
	var p struct {
		ID      string          `json:"id"`
		Payload json.RawMessage `json:"payload,omitempty"`
		Error   string          `json:"error,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, invalid("node.result needs id")
	}
	return map[string]bool{"delivered": d.NodeTransport.Deliver(p.ID, p.Payload, p.Error)}, nil
}
