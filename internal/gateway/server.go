// Package gateway is the WebSocket control-plane server: a single
// /extension endpoint carrying JSON request/response frames plus event
// pushes, with token or tailnet-identity auth.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/clawdbot/clawdbot/internal/bus"
	"github.com/clawdbot/clawdbot/internal/config"
	"github.com/clawdbot/clawdbot/pkg/protocol"
)

// Server is the gateway WebSocket/HTTP server.
type Server struct {
	cfg      *config.Config
	eventPub bus.EventPublisher
	router   *MethodRouter
	auth     *authenticator

	upgrader websocket.Upgrader
	rateRPM  int

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires the server. Register method handlers on Router()
// before Start.
func NewServer(cfg *config.Config, eventPub bus.EventPublisher, identity IdentityResolver) *Server {
	s := &Server{
		cfg:      cfg,
		eventPub: eventPub,
		router:   NewMethodRouter(),
		auth:     newAuthenticator(cfg.Gateway, identity),
		rateRPM:  cfg.Gateway.RateLimitRPM,
		clients:  make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Non-browser peers (CLI, nodes, channels) send no Origin; the
		// token query parameter is the real gate.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

// Router returns the method router for registering handlers.
func (s *Server) Router() *MethodRouter { return s.router }

// BuildMux creates and caches the HTTP mux. Call before Start when the
// mux is needed for additional listeners (tailnet).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/extension", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	host := "127.0.0.1"
	if s.cfg.Gateway.Bind == "auto" {
		host = ""
	}
	addr := fmt.Sprintf("%s:%d", host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway starting", "addr", addr, "auth", s.auth.mode)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// Serve runs the server on an existing listener (tailnet, tests).
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	mux := s.BuildMux()
	s.httpServer = &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()
	if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.auth.allow(r) {
		slog.Warn("gateway auth rejected", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	var limiter *rate.Limiter
	if s.rateRPM > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(s.rateRPM)/60.0), 5)
	}

	client := newClient(conn, s, limiter)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// BroadcastEvent pushes an event frame to every connected client.
func (s *Server) BroadcastEvent(f *protocol.Frame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.SendEvent(f)
	}
}

// ClientCount reports connected peers, for status.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.eventPub.Subscribe(c.id, func(event bus.Event) {
		c.SendEvent(protocol.NewEvent(event.Name, event.Payload))
	})
	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.eventPub.Unsubscribe(c.id)
	slog.Info("client disconnected", "id", c.id)
}
