package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/agentcmd/agentcmd/internal/bus"
	"github.com/agentcmd/agentcmd/pkg/protocol"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Ping cadence; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size accepted from a client.
	maxFrameSize = 512 * 1024

	// Outgoing frame buffer per client.
	sendQueueSize = 256
)

// Client is one connected GUI window. Frames reach it only for the
// chats it subscribed to; sending a chat message subscribes implicitly.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send    chan protocol.ServerFrame
	done    chan struct{}
	limiter *rate.Limiter // nil when rate limiting is disabled

	mu   sync.RWMutex
	subs map[string]bool

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, s *Server) *Client {
	c := &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		send:   make(chan protocol.ServerFrame, sendQueueSize),
		done:   make(chan struct{}),
		subs:   make(map[string]bool),
	}
	if rpm := s.cfg.Gateway.RateLimitRPM; rpm > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(rpm)/60, 5)
	}
	return c
}

// run blocks until the connection drops.
func (c *Client) run() {
	go c.writePump()
	c.readPump()
}

// close tears the connection down once. Both pumps funnel through it.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Debug("gateway.read_failed", "client_id", c.id, "error", err)
			}
			return
		}

		var frame protocol.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("", "malformed frame: "+err.Error())
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleFrame(frame protocol.ClientFrame) {
	switch frame.Type {
	case protocol.TypeChat:
		c.handleChat(frame, false)
	case protocol.TypeInitSession:
		c.handleChat(frame, true)
	case protocol.TypeHaltLoop:
		c.handleHalt(frame)
	case protocol.TypeSubscribe:
		if frame.ChatID == "" {
			c.sendError("", "subscribe requires chat_id")
			return
		}
		c.subscribe(frame.ChatID)
	case protocol.TypeListSessions:
		c.enqueue(protocol.ServerFrame{
			Type:     protocol.TypeSessions,
			Sessions: c.server.sessionSummaries(),
		})
	default:
		c.sendError(frame.ChatID, fmt.Sprintf("unknown frame type %q", frame.Type))
	}
}

// handleChat publishes a user turn on the bus. With prewarm set the
// turn only spins up the chat's agent session.
func (c *Client) handleChat(frame protocol.ClientFrame, prewarm bool) {
	if frame.ChatID == "" {
		c.sendError("", "chat requires chat_id")
		return
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.sendError(frame.ChatID, "rate limit exceeded")
		return
	}
	c.subscribe(frame.ChatID)

	meta := make(map[string]string)
	if frame.Agent != "" {
		meta[bus.MetaAgent] = frame.Agent
	}
	if frame.Workdir != "" {
		meta[bus.MetaCwd] = frame.Workdir
	}
	if frame.LoopMode {
		meta[bus.MetaLoopMode] = "true"
	}
	if prewarm {
		meta[bus.MetaInitSession] = "true"
	}

	ok := c.server.bus.PublishInbound(bus.InboundMessage{
		Channel:  guiChannel,
		SenderID: guiSender,
		ChatID:   frame.ChatID,
		Content:  frame.Content,
		Metadata: meta,
	})
	if !ok {
		c.sendError(frame.ChatID, "gateway is shutting down")
	}
}

// handleHalt publishes a loop_stop turn through the bus so the agent
// loop stays the only writer of loop state. Halts bypass the rate
// limiter: a user stopping a runaway loop must never be throttled.
func (c *Client) handleHalt(frame protocol.ClientFrame) {
	if frame.ChatID == "" {
		c.sendError("", "halt_loop requires chat_id")
		return
	}
	c.subscribe(frame.ChatID)

	ok := c.server.bus.PublishInbound(bus.InboundMessage{
		Channel:  guiChannel,
		SenderID: guiSender,
		ChatID:   frame.ChatID,
		Metadata: map[string]string{bus.MetaLoopStop: "true"},
	})
	if !ok {
		c.sendError(frame.ChatID, "gateway is shutting down")
	}
}

func (c *Client) subscribe(chatID string) {
	c.mu.Lock()
	c.subs[chatID] = true
	c.mu.Unlock()
}

func (c *Client) subscribed(chatID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[chatID]
}

// enqueue hands a frame to the write pump without blocking. A client
// that falls sendQueueSize behind is disconnected: dropping terminal
// frames instead would corrupt everything rendered after the gap.
func (c *Client) enqueue(frame protocol.ServerFrame) {
	select {
	case c.send <- frame:
	default:
		slog.Warn("gateway.client_backlogged", "client_id", c.id)
		c.close()
	}
}

func (c *Client) sendError(chatID, msg string) {
	c.enqueue(protocol.ServerFrame{Type: protocol.TypeError, ChatID: chatID, Error: msg})
}
