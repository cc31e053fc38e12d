package cmd

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestTransformArgs_InjectsProfileFromEnv(t *testing.T) {
	t.Setenv("CLAWDBOT_PROFILE", "work")
	got := transformArgs([]string{"gateway"})
	want := []string{"--profile", "work", "gateway"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("transformArgs = %v, want %v", got, want)
	}
}

func TestTransformArgs_ExplicitProfileWins(t *testing.T) {
	t.Setenv("CLAWDBOT_PROFILE", "work")
	cases := [][]string{
		{"--profile", "other", "gateway"},
		{"--profile=other", "gateway"},
		{"--dev", "gateway"},
	}
	for _, args := range cases {
		if got := transformArgs(args); !reflect.DeepEqual(got, args) {
			t.Errorf("transformArgs(%v) = %v, want unchanged", args, got)
		}
	}
}

func TestTransformArgs_NoEnvNoChange(t *testing.T) {
	t.Setenv("CLAWDBOT_PROFILE", "")
	args := []string{"agent", "hello"}
	if got := transformArgs(args); !reflect.DeepEqual(got, args) {
		t.Errorf("transformArgs = %v, want %v", got, args)
	}
}

func TestSplitModelRef(t *testing.T) {
	tests := []struct {
		ref, provider, model string
	}{
		{"anthropic/claude-opus-4-20250514", "anthropic", "claude-opus-4-20250514"},
		{"sonnet", "", "sonnet"},
		{"", "", ""},
	}
	for _, tt := range tests {
		p, m := splitModelRef(tt.ref)
		if p != tt.provider || m != tt.model {
			t.Errorf("splitModelRef(%q) = (%q, %q), want (%q, %q)", tt.ref, p, m, tt.provider, tt.model)
		}
	}
}

func TestSetPathAndLookup(t *testing.T) {
	tree := map[string]interface{}{}
	if err := setPath(tree, []string{"gateway", "port"}, float64(19001)); err != nil {
		t.Fatalf("setPath: %v", err)
	}
	v, ok := lookupPath(tree, []string{"gateway", "port"})
	if !ok || v != float64(19001) {
		t.Errorf("lookupPath = %v, %v", v, ok)
	}
	if err := setPath(tree, []string{"gateway", "port", "nested"}, 1); err == nil {
		t.Error("expected error setting below a scalar")
	}
	if _, ok := lookupPath(tree, []string{"missing"}); ok {
		t.Error("lookupPath found a missing key")
	}
}

func TestResolveGatewayToken(t *testing.T) {
	t.Setenv("CLAWDBOT_GATEWAY_TOKEN", "")
	dir := t.TempDir()

	if _, err := resolveGatewayToken(dir, false); err == nil {
		t.Error("expected error when no token exists and create is off")
	}

	token, err := resolveGatewayToken(dir, true)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	if token == "" {
		t.Fatal("empty generated token")
	}
	raw, err := os.ReadFile(filepath.Join(dir, "gateway-token"))
	if err != nil {
		t.Fatalf("read token file: %v", err)
	}

	again, err := resolveGatewayToken(dir, false)
	if err != nil {
		t.Fatalf("reload token: %v", err)
	}
	if again != token {
		t.Errorf("reloaded token %q != created %q (file holds %q)", again, token, raw)
	}

	t.Setenv("CLAWDBOT_GATEWAY_TOKEN", "from-env")
	if got, _ := resolveGatewayToken(dir, false); got != "from-env" {
		t.Errorf("env override = %q, want from-env", got)
	}
}

func TestSummarize(t *testing.T) {
	if got := summarize("hello\nworld"); got != "hello world" {
		t.Errorf("summarize = %q", got)
	}
	long := summarize(string(make([]byte, 200)))
	if len(long) != 80 {
		t.Errorf("summarize length = %d, want 80", len(long))
	}
}
