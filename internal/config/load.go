package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// Load reads a JSON5 config file, applies environment overrides, and returns
// the parsed config. A missing file yields defaults rather than an error so
// first-run flows can proceed to onboarding.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv injects secrets and channel tokens that are never persisted in the
// config file. Channels with a token in the environment are auto-enabled when
// the file does not mention them, matching the plugin auto-enable contract.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CLAWDBOT_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("TS_AUTHKEY"); v != "" {
		cfg.Gateway.Tailscale.AuthKey = v
	}

	channelTokens := map[string]string{
		"telegram": os.Getenv("TELEGRAM_BOT_TOKEN"),
		"discord":  os.Getenv("DISCORD_BOT_TOKEN"),
		"slack":    os.Getenv("SLACK_BOT_TOKEN"),
	}
	for id, token := range channelTokens {
		if token == "" {
			continue
		}
		if cfg.Channels == nil {
			cfg.Channels = map[string]ChannelConfig{}
		}
		ch, present := cfg.Channels[id]
		ch.BotToken = token
		if !present {
			ch.Enabled = true
		}
		cfg.Channels[id] = ch
	}
}

// Watch re-loads the config whenever the file changes and swaps the contents
// into cfg via ReplaceFrom. Editors often replace files by rename, so the
// watch is on the parent directory. Returns a stop function.
func Watch(path string, cfg *Config, onReload func()) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watch: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config watch %s: %w", dir, err)
	}

	target := filepath.Base(path)
	done := make(chan struct{})

	go func() {
		var debounce *time.Timer
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// Debounce bursts of events from atomic-save editors.
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(250*time.Millisecond, func() {
					fresh, err := Load(path)
					if err != nil {
						slog.Warn("config reload failed", "path", path, "error", err)
						return
					}
					cfg.ReplaceFrom(fresh)
					slog.Info("config reloaded", "path", path)
					if onReload != nil {
						onReload()
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}

// Save writes the config back as indented JSON via tmp+rename. Secrets
// carry `json:"-"` tags and never land in the file.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, path)
}
