package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/clawdbot/clawdbot/internal/config"
	"github.com/clawdbot/clawdbot/pkg/gatewayclient"
)

const defaultGatewayPort = 18789

// resolveGatewayToken finds the shared gateway token: the env override
// first, then the persisted token file in the state dir. When create is
// set a missing file is populated with a fresh token.
func resolveGatewayToken(stateDir string, create bool) (string, error) {
	if v := os.Getenv("CLAWDBOT_GATEWAY_TOKEN"); v != "" {
		return v, nil
	}
	path := filepath.Join(stateDir, "gateway-token")
	raw, err := os.ReadFile(path)
	if err == nil {
		if token := strings.TrimSpace(string(raw)); token != "" {
			return token, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	if !create {
		return "", fmt.Errorf("no gateway token in %s (is the gateway running?)", path)
	}
	token := uuid.NewString()
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist gateway token: %w", err)
	}
	return token, nil
}

// dialGateway connects to the local gateway over its loopback WebSocket.
// Callers own the returned client and must Close it.
func dialGateway(ctx context.Context, onEvent func(event string, payload json.RawMessage)) (*gatewayclient.Client, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	stateDir, err := config.StateDir()
	if err != nil {
		return nil, err
	}
	token := cfg.Gateway.Token
	if token == "" {
		token, err = resolveGatewayToken(stateDir, false)
		if err != nil {
			return nil, err
		}
	}
	port := cfg.Gateway.Port
	if port == 0 {
		port = defaultGatewayPort
	}
	opts := gatewayclient.Options{Port: port, Token: token, OnEvent: onEvent}
	client, err := gatewayclient.New(opts)
	if err != nil {
		return nil, err
	}
	if err := client.Start(ctx); err != nil {
		return nil, err
	}
	return client, nil
}
