package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error classes used by the retry logic. Each class gets at most one
// corrective attempt per turn.
const (
	ClassAuth         = "auth"
	ClassRateLimit    = "rate-limit"
	ClassThinking     = "unsupported-thinking"
	ClassTimeout      = "timeout"
	ClassUnknownModel = "unknown-model"
	ClassOther        = "other"
)

// RuntimeError is an error the runtime can tag with a class so the
// runner does not have to sniff message text.
type RuntimeError struct {
	Class string
	Msg   string
}

func (e *RuntimeError) Error() string { return e.Msg }

// socketClosedMsg is the raw transport error some runtimes surface when
// the provider drops the stream mid-call.
const socketClosedMsg = "socket closed unexpectedly"

// friendlyConnectionError replaces the raw transport message.
const friendlyConnectionError = "LLM connection failed. Please try again."

// classifyError buckets an error for retry handling. Tagged errors win;
// otherwise fall back to message heuristics.
func classifyError(err error) string {
	if err == nil {
		return ""
	}
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "invalid x-api-key"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "401"):
		return ClassAuth
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "429"):
		return ClassRateLimit
	case strings.Contains(msg, "thinking"):
		return ClassThinking
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return ClassTimeout
	default:
		return ClassOther
	}
}

// friendlyError rewrites known raw transport errors for end users.
func friendlyError(msg string) string {
	if strings.Contains(msg, socketClosedMsg) {
		return friendlyConnectionError
	}
	return msg
}

// ErrUnknownModel is returned when a model is not in the registry.
func ErrUnknownModel(name string) error {
	return &RuntimeError{Class: ClassUnknownModel, Msg: fmt.Sprintf("unknown-model: %s", name)}
}
