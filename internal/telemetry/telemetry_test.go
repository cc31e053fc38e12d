package telemetry

import (
	"context"
	"testing"

	"github.com/clawdbot/clawdbot/internal/config"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	p, err := Setup(context.Background(), config.TelemetryConfig{})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if p.Tracer("test") == nil {
		t.Error("no-op provider should still hand out tracers")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("no-op shutdown: %v", err)
	}
}

func TestStripScheme(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://localhost:4318", "localhost:4318"},
		{"https://collector:4317", "collector:4317"},
		{"collector:4317", "collector:4317"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := stripScheme(tt.in); got != tt.want {
			t.Errorf("stripScheme(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
