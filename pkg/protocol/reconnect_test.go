package protocol

import (
	"strings"
	"testing"
)

func TestReconnectDelayMs(t *testing.T) {
	zero := func() float64 { return 0 }

	tests := []struct {
		name    string
		attempt int
		policy  ReconnectPolicy
		want    int
	}{
		{"first attempt", 0, ReconnectPolicy{BaseMs: 1000, MaxMs: 30000, Random: zero}, 1000},
		{"fifth attempt", 4, ReconnectPolicy{BaseMs: 1000, MaxMs: 30000, Random: zero}, 16000},
		{"capped at max", 20, ReconnectPolicy{BaseMs: 1000, MaxMs: 30000, Random: zero}, 30000},
		{"jitter applied", 3, ReconnectPolicy{BaseMs: 1000, MaxMs: 30000, JitterMs: 1000, Random: func() float64 { return 0.25 }}, 8250},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.DelayMs(tt.attempt); got != tt.want {
				t.Errorf("DelayMs(%d) = %d, want %d", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestReconnectDelayDefaultRandomJitters(t *testing.T) {
	p := DefaultReconnectPolicy() // nil Random falls back to math/rand
	for attempt := 0; attempt < 10; attempt++ {
		d := p.DelayMs(attempt)
		if d < p.BaseMs {
			t.Fatalf("attempt %d: delay %d below base %d", attempt, d, p.BaseMs)
		}
		if d > p.MaxMs+p.JitterMs {
			t.Fatalf("attempt %d: delay %d above max+jitter %d", attempt, d, p.MaxMs+p.JitterMs)
		}
	}
	// With jitter configured and the default source, repeated calls should
	// not all collapse onto the un-jittered base.
	seen := map[int]bool{}
	for i := 0; i < 50; i++ {
		seen[p.DelayMs(0)] = true
	}
	if len(seen) == 1 && seen[p.BaseMs] {
		t.Error("nil Random produced no jitter")
	}
}

func TestReconnectDelayBounds(t *testing.T) {
	p := DefaultReconnectPolicy()
	p.Random = func() float64 { return 0.999 }
	for attempt := 0; attempt < 40; attempt++ {
		d := p.DelayMs(attempt)
		if d < p.BaseMs {
			t.Fatalf("attempt %d: delay %d below base %d", attempt, d, p.BaseMs)
		}
		if d > p.MaxMs+p.JitterMs {
			t.Fatalf("attempt %d: delay %d above max+jitter %d", attempt, d, p.MaxMs+p.JitterMs)
		}
	}
}

func TestIsNonRetryable(t *testing.T) {
	if !IsNonRetryable("dial failed: " + MissingTokenMessage) {
		t.Error("missing token error should be non-retryable")
	}
	if IsNonRetryable("connection refused") {
		t.Error("transport errors should be retryable")
	}
}

func TestBuildRelayWsURL(t *testing.T) {
	got, err := BuildRelayWsURL(18792, "abc/+= token")
	if err != nil {
		t.Fatal(err)
	}
	want := "ws://127.0.0.1:18792/extension?token=abc%2F%2B%3D%20token"
	if got != want {
		t.Errorf("BuildRelayWsURL = %q, want %q", got, want)
	}
}

func TestBuildRelayWsURL_MissingToken(t *testing.T) {
	_, err := BuildRelayWsURL(18792, "")
	if err == nil {
		t.Fatal("expected error for empty token")
	}
	if !strings.Contains(err.Error(), "Missing gatewayToken") {
		t.Errorf("error %q should name the missing token", err)
	}
}
