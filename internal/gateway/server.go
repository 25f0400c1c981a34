// Package gateway is the local WebSocket bridge the GUI attaches to.
// It turns client frames into bus messages, and loop events and bus
// replies back into frames for the clients subscribed to each chat.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentcmd/agentcmd/internal/bus"
	"github.com/agentcmd/agentcmd/internal/config"
	"github.com/agentcmd/agentcmd/internal/store"
	"github.com/agentcmd/agentcmd/pkg/protocol"
)

// GUI traffic enters the bus under these identities.
const (
	guiChannel = "gui"
	guiSender  = "user"
)

// Server accepts GUI WebSocket connections and exposes a health probe.
// It satisfies the agent loop's event sink, so stream, terminal and
// tool activity reaches clients while a turn is still running.
type Server struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	sessions *store.Sessions

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
}

// NewServer creates a gateway server. It does not listen until Start.
func NewServer(cfg *config.Config, b *bus.MessageBus, sessions *store.Sessions) *Server {
	s := &Server{
		cfg:      cfg,
		bus:      b,
		sessions: sessions,
		clients:  make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin accepts every origin. The gateway binds loopback and the
// GUI webview does not send a stable Origin header; the token is the
// access control.
func (s *Server) checkOrigin(r *http.Request) bool { return true }

// authorized verifies the gateway token. An empty configured token
// leaves the gateway open; otherwise clients pass it as a ?token=
// query parameter or an Authorization: Bearer header.
func (s *Server) authorized(r *http.Request) bool {
	token := s.cfg.Gateway.Token
	if token == "" {
		return true
	}
	if got := r.URL.Query().Get("token"); got != "" {
		return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		got := strings.TrimPrefix(auth, "Bearer ")
		return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
	}
	return false
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start listens on the configured host and port until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.buildMux(),
	}

	slog.Info("gateway.starting", "addr", addr)

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

// handleWebSocket upgrades HTTP to WebSocket and runs the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway.upgrade_failed", "error", err)
		return
	}

	client := newClient(conn, s)
	s.register(client)

	defer func() {
		s.unregister(client)
		client.close()
	}()

	client.run()
}

// handleHealth reports liveness and the frame protocol version.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.Version)
}

func (s *Server) register(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	// Each client gets its own outbound subscription so complete
	// replies reach it for the chats it watches.
	s.bus.SubscribeOutbound(c.id, func(m bus.OutboundMessage) {
		if !c.subscribed(m.ChatID) {
			return
		}
		c.enqueue(protocol.ServerFrame{
			Type:     protocol.TypeOutbound,
			ChatID:   m.ChatID,
			Text:     m.Content,
			Streamed: m.Streamed(),
		})
	})

	slog.Info("gateway.client_connected", "client_id", c.id)
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.bus.UnsubscribeOutbound(c.id)
	slog.Info("gateway.client_disconnected", "client_id", c.id)
}

// OnStream forwards incremental assistant text to subscribed clients.
func (s *Server) OnStream(chatID, text string) {
	s.fanOut(chatID, protocol.ServerFrame{Type: protocol.TypeStream, ChatID: chatID, Text: text})
}

// OnTerminal forwards raw PTY output. The bytes are base64 encoded so
// the JSON frame survives arbitrary escape sequences.
func (s *Server) OnTerminal(chatID string, data []byte) {
	s.fanOut(chatID, protocol.ServerFrame{
		Type:   protocol.TypeTerminal,
		ChatID: chatID,
		Data:   base64.StdEncoding.EncodeToString(data),
	})
}

// OnTool forwards tool activity lines.
func (s *Server) OnTool(chatID, text string) {
	s.fanOut(chatID, protocol.ServerFrame{Type: protocol.TypeTool, ChatID: chatID, Text: text})
}

// OnFinal marks the end of a streamed turn so clients can close the
// in-progress bubble even when the turn produced an error.
func (s *Server) OnFinal(chatID string) {
	s.fanOut(chatID, protocol.ServerFrame{Type: protocol.TypeFinal, ChatID: chatID})
}

func (s *Server) fanOut(chatID string, frame protocol.ServerFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if c.subscribed(chatID) {
			c.enqueue(frame)
		}
	}
}

// sessionSummaries snapshots the session index for list_sessions.
func (s *Server) sessionSummaries() []protocol.SessionSummary {
	sessions := s.sessions.List()
	out := make([]protocol.SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		sum := protocol.SessionSummary{
			ID:        sess.ID,
			Title:     sess.Title,
			Agent:     sess.Agent,
			Workdir:   sess.Workdir,
			Mode:      string(sess.Mode),
			UpdatedAt: sess.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if sess.LoopState != nil {
			sum.LoopStatus = string(sess.LoopState.Status)
		}
		out = append(out, sum)
	}
	return out
}
