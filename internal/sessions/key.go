// Package sessions maps inbound traffic to session keys and owns the
// per-key durable metadata.
//
// Canonical key formats:
//
//	Main:     agent:{agentId}:{mainKey}
//	DM:       agent:{agentId}:{surface}:{peerId}
//	Group:    agent:{agentId}:{surface}:group:{groupId}
//	Subagent: agent:{agentId}:subagent:{label}
//	Cron:     agent:{agentId}:cron:{jobId}:run:{runId}
package sessions

import (
	"fmt"
	"strings"
)

// BuildSessionKey builds the DM key for a surface peer.
func BuildSessionKey(agentID, surface, peerID string) string {
	return fmt.Sprintf("agent:%s:%s:%s", agentID, surface, peerID)
}

// BuildGroupSessionKey builds the key for a group chat.
func BuildGroupSessionKey(agentID, surface, groupID string) string {
	return fmt.Sprintf("agent:%s:%s:group:%s", agentID, surface, groupID)
}

// BuildMainSessionKey builds the shared main key for an agent, used by the
// default private chat and by global session scope.
func BuildMainSessionKey(agentID, mainKey string) string {
	if mainKey == "" {
		mainKey = "main"
	}
	return fmt.Sprintf("agent:%s:%s", agentID, mainKey)
}

// BuildSubagentSessionKey builds the key for a spawned subagent.
func BuildSubagentSessionKey(agentID, label string) string {
	return fmt.Sprintf("agent:%s:subagent:%s", agentID, label)
}

// BuildCronSessionKey builds the key for one cron job run. Guards against
// double-prefixing when jobID is already a canonical key.
func BuildCronSessionKey(agentID, jobID, runID string) string {
	if _, rest := ParseSessionKey(jobID); rest != "" {
		jobID = rest
	}
	return fmt.Sprintf("agent:%s:cron:%s:run:%s", agentID, jobID, runID)
}

// ParseSessionKey extracts the agent id and the rest of a canonical key.
// Returns ("", "") for keys not in the expected format.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// IsGroupSession reports whether a key names a group conversation.
func IsGroupSession(key string) bool {
	_, rest := ParseSessionKey(key)
	parts := strings.Split(rest, ":")
	return len(parts) >= 3 && parts[1] == "group"
}

// IsSubagentSession reports whether a key names a subagent session.
func IsSubagentSession(key string) bool {
	_, rest := ParseSessionKey(key)
	return strings.HasPrefix(strings.ToLower(rest), "subagent:")
}

// IsCronSession reports whether a key names a cron run session.
func IsCronSession(key string) bool {
	_, rest := ParseSessionKey(key)
	return strings.HasPrefix(strings.ToLower(rest), "cron:")
}
