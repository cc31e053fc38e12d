package protocol

import (
	"fmt"
	"math/rand"
	"net/url"
	"strings"
)

// MissingTokenMessage is the literal error raised when a client is asked to
// connect without a gateway token. Peers detect it by substring to decide
// that a reconnect attempt is pointless.
const MissingTokenMessage = "Missing gatewayToken in extension settings (set gateway.token and restart)"

// ReconnectPolicy computes backoff delays for gateway reconnect attempts.
// Delay grows as min(Base·2^attempt, Max) plus up to Jitter of random slack.
type ReconnectPolicy struct {
	BaseMs   int
	MaxMs    int
	JitterMs int
	// Random returns a value in [0,1). Defaults to math/rand when nil;
	// tests inject a fixed function.
	Random func() float64
}

// DefaultReconnectPolicy matches the documented peer contract.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{BaseMs: 1000, MaxMs: 30000, JitterMs: 1000}
}

// DelayMs returns the delay before reconnect attempt n (0-based), in ms.
func (p ReconnectPolicy) DelayMs(attempt int) int {
	base := p.BaseMs
	if base <= 0 {
		base = 1000
	}
	max := p.MaxMs
	if max <= 0 {
		max = 30000
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}

	if p.JitterMs > 0 {
		random := p.Random
		if random == nil {
			random = rand.Float64
		}
		delay += int(float64(p.JitterMs) * random())
	}
	return delay
}

// IsNonRetryable reports whether an error message indicates that further
// reconnect attempts cannot succeed (e.g. no token configured).
func IsNonRetryable(errMsg string) bool {
	return strings.Contains(errMsg, "Missing gatewayToken")
}

// BuildRelayWsURL builds the loopback gateway URL for a given port and token.
// The token is percent-encoded into the query string (spaces as %20, not "+",
// so the value survives naive query parsers on the node side). An empty token
// is a configuration error, reported with MissingTokenMessage so the
// reconnect loop stops instead of retrying forever.
func BuildRelayWsURL(port int, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%s", MissingTokenMessage)
	}
	escaped := strings.ReplaceAll(url.QueryEscape(token), "+", "%20")
	return fmt.Sprintf("ws://127.0.0.1:%d/extension?token=%s", port, escaped), nil
}
