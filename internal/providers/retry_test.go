package providers

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	_, err := RetryDo(context.Background(), DefaultRetryConfig(), func() (int, error) {
		calls++
		return 0, &HTTPError{Status: 401, Body: "bad key"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (401 is not retryable)", calls)
	}
}

func TestRetryDoRetriesTransient(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	calls := 0
	got, err := RetryDo(context.Background(), cfg, func() (string, error) {
		calls++
		if calls < 3 {
			return "", &HTTPError{Status: 503, Body: "overloaded"}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("RetryDo: %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Errorf("got %q after %d calls", got, calls)
	}
}

func TestRetryDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := RetryConfig{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
	calls := 0
	_, err := RetryDo(ctx, cfg, func() (int, error) {
		calls++
		return 0, &HTTPError{Status: 500, Body: "boom"}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"0", 0},
		{"-3", 0},
		{"9999", 300 * time.Second},
		{"Wed, 21 Oct 2026 07:28:00 GMT", 0},
	}
	for _, tc := range cases {
		if got := ParseRetryAfter(tc.in); got != tc.want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestCleanSchemaForProvider(t *testing.T) {
	schema := map[string]interface{}{
		"type":                 "object",
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"name": map[string]interface{}{"type": "string", "default": "x"},
		},
	}

	cleaned := CleanSchemaForProvider("gemini", schema)
	if _, ok := cleaned["additionalProperties"]; ok {
		t.Error("gemini schema should drop additionalProperties")
	}
	if _, ok := cleaned["$schema"]; ok {
		t.Error("$schema should always be dropped")
	}
	props := cleaned["properties"].(map[string]interface{})
	name := props["name"].(map[string]interface{})
	if _, ok := name["default"]; ok {
		t.Error("nested default should be dropped for gemini")
	}

	lax := CleanSchemaForProvider("anthropic", schema)
	if _, ok := lax["additionalProperties"]; !ok {
		t.Error("anthropic schema should keep additionalProperties")
	}

	// original untouched
	if _, ok := schema["$schema"]; !ok {
		t.Error("input schema was mutated")
	}
}
