package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawdbot/clawdbot/internal/bus"
	"github.com/clawdbot/clawdbot/internal/config"
	"github.com/clawdbot/clawdbot/pkg/protocol"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Gateway.Token = "secret"
	s := NewServer(cfg, bus.New(), nil)
	ts := httptest.NewServer(s.BuildMux())
	t.Cleanup(ts.Close)
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/extension"
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, req *protocol.Frame) *protocol.Frame {
	t.Helper()
	if err := conn.WriteJSON(req); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp protocol.Frame
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	return &resp
}

func TestAuthRejectsMissingToken(t *testing.T) {
	_, ts := testServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/extension"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial should fail without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestAuthRejectsWrongToken(t *testing.T) {
	_, ts := testServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/extension?token=wrong"
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("dial should fail with wrong token")
	}
}

func TestConnectHandshake(t *testing.T) {
	s, ts := testServer(t)
	RegisterHandlers(s.Router(), Deps{StartedAt: time.Now()})
	conn := dial(t, ts, "secret")

	resp := roundTrip(t, conn, protocol.NewRequest("1", protocol.MethodConnect,
		map[string]int{"protocolVersion": protocol.ProtocolVersion}))
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	var result struct {
		ProtocolVersion int    `json:"protocolVersion"`
		ClientID        string `json:"clientId"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.ProtocolVersion != protocol.ProtocolVersion || result.ClientID == "" {
		t.Fatalf("result = %+v", result)
	}
}

func TestConnectRejectsVersionMismatch(t *testing.T) {
	s, ts := testServer(t)
	RegisterHandlers(s.Router(), Deps{StartedAt: time.Now()})
	conn := dial(t, ts, "secret")

	resp := roundTrip(t, conn, protocol.NewRequest("1", protocol.MethodConnect,
		map[string]int{"protocolVersion": 999}))
	if resp.Error == nil || resp.Error.Code != protocol.ErrInvalidRequest {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestUnknownMethod(t *testing.T) {
	s, ts := testServer(t)
	RegisterHandlers(s.Router(), Deps{StartedAt: time.Now()})
	conn := dial(t, ts, "secret")

	resp := roundTrip(t, conn, protocol.NewRequest("2", "no.such.method", nil))
	if resp.Error == nil || resp.Error.Code != protocol.ErrNotFound {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestMalformedFrame(t *testing.T) {
	s, ts := testServer(t)
	RegisterHandlers(s.Router(), Deps{StartedAt: time.Now()})
	conn := dial(t, ts, "secret")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp protocol.Frame
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != protocol.ErrInvalidRequest {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestBusEventsReachClients(t *testing.T) {
	cfg := &config.Config{}
	cfg.Gateway.Token = "secret"
	b := bus.New()
	s := NewServer(cfg, b, nil)
	ts := httptest.NewServer(s.BuildMux())
	defer ts.Close()

	conn := dial(t, ts, "secret")

	// Give registration a moment to subscribe.
	deadline := time.Now().Add(time.Second)
	for s.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	b.Broadcast(bus.Event{Name: protocol.EventVoicewakeChanged, Payload: map[string]bool{"enabled": true}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f protocol.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatal(err)
	}
	if f.Event != protocol.EventVoicewakeChanged {
		t.Fatalf("event = %q", f.Event)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := testServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestEventRing(t *testing.T) {
	r := newEventRing(3)
	for i := 0; i < 5; i++ {
		r.Push(protocol.NewEvent("e", i))
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d", r.Len())
	}
	got := r.Drain()
	if len(got) != 3 {
		t.Fatalf("drained %d", len(got))
	}
	// Oldest two were evicted.
	if got[0].Payload.(int) != 2 || got[2].Payload.(int) != 4 {
		t.Fatalf("payloads = %v, %v, %v", got[0].Payload, got[1].Payload, got[2].Payload)
	}
	if r.Len() != 0 {
		t.Fatal("drain should clear the ring")
	}
}

func TestAuthenticatorModes(t *testing.T) {
	newReq := func(token string) *http.Request {
		r := httptest.NewRequest("GET", "/extension?token="+token, nil)
		return r
	}

	var gw config.GatewayConfig
	gw.Token = "pw"

	a := newAuthenticator(gw, nil)
	if !a.allow(newReq("pw")) || a.allow(newReq("nope")) {
		t.Fatal("password mode")
	}

	gw.Auth.Mode = AuthTailscaleIdentity
	a = newAuthenticator(gw, staticIdentity{})
	if !a.allow(newReq("")) {
		t.Fatal("tailscale-identity mode should accept identified peers")
	}

	gw.Auth.Mode = AuthPasswordOrTailscale
	a = newAuthenticator(gw, nil)
	if !a.allow(newReq("pw")) || a.allow(newReq("")) {
		t.Fatal("password-or-tailscale without identity")
	}

	// Funnel exposure forces the password regardless of mode.
	gw.Auth.Mode = AuthTailscaleIdentity
	gw.Tailscale.Mode = "funnel"
	a = newAuthenticator(gw, staticIdentity{})
	if a.allow(newReq("")) || !a.allow(newReq("pw")) {
		t.Fatal("funnel must require the password")
	}
}

type staticIdentity struct{}

func (staticIdentity) Identify(remoteAddr string) (string, bool) { return "user@tail", true }
