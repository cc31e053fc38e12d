package bootstrap

// Workspace bootstrap file names. These are seeded into a fresh
// workspace and injected into the system prompt each turn.
const (
	AgentsFile    = "AGENTS.md"
	SoulFile      = "SOUL.md"
	ToolsFile     = "TOOLS.md"
	IdentityFile  = "IDENTITY.md"
	UserFile      = "USER.md"
	HeartbeatFile = "HEARTBEAT.md"
	BootstrapFile = "BOOTSTRAP.md"
)

// PromptFiles lists the files included in the system prompt, in order.
// BOOTSTRAP.md is included only while it still exists; agents are told
// to delete it once onboarding is done.
var PromptFiles = []string{
	AgentsFile,
	SoulFile,
	ToolsFile,
	IdentityFile,
	UserFile,
	BootstrapFile,
}
