// Package gateway implements the Session Gateway: it accepts WebSocket
// connections at /ws, assigns participant identities, parses and dispatches
// signaling frames to the coordinator, and maintains liveness.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/confrelay/signaling-core/internal/coordinator"
	"github.com/confrelay/signaling-core/internal/logging"
	"github.com/confrelay/signaling-core/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// pingInterval is the server-side liveness tick. Two missed ticks (>=60s)
// force-terminate a session.
const pingInterval = 30 * time.Second

// CoordinatorHandler is the subset of the coordinator a Gateway needs. A
// *coordinator.Coordinator satisfies it.
type CoordinatorHandler interface {
	Dispatch(ctx context.Context, s coordinator.Sender, raw []byte)
	Leave(ctx context.Context, s coordinator.Sender)
}

// Gateway accepts and tracks every live session.
type Gateway struct {
	handler  CoordinatorHandler
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a Gateway bound to handler.
func New(handler CoordinatorHandler) *Gateway {
	return &Gateway{
		handler: handler,
		upgrader: websocket.Upgrader{
			CheckOrigin:       func(r *http.Request) bool { return true },
			EnableCompression: true,
		},
		sessions: make(map[string]*Session),
	}
}

// ServeWS upgrades the request to a WebSocket connection, accepts a new
// session, and starts its read/write pumps.
func (g *Gateway) ServeWS(c *gin.Context) {
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	session := newSession(conn, g.handler, nil)
	session.onClose = func() { g.unregister(session) }

	g.mu.Lock()
	g.sessions[session.id] = session
	g.mu.Unlock()

	metrics.IncConnection()
	logging.Info(c.Request.Context(), "session accepted", zap.String("participant_id", session.id))

	go g.writePump(session)
	go g.readPump(session)
}

func (g *Gateway) unregister(s *Session) {
	g.mu.Lock()
	delete(g.sessions, s.id)
	g.mu.Unlock()
	metrics.DecConnection()
}

func (g *Gateway) readPump(s *Session) {
	defer s.Close("read loop ended")

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var peek peekEnvelope
		if err := json.Unmarshal(data, &peek); err == nil {
			if perr := s.checkJoinTransition(peek); perr != nil {
				s.Send(map[string]any{"type": "error", "error": perr.Error()})
				continue
			}
		}

		g.handler.Dispatch(context.Background(), s, data)
	}
}

func (g *Gateway) writePump(s *Session) {
	defer func() { _ = s.conn.Close() }()

	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-s.pingSignal:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// Run drives the liveness tick until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.tick()
		}
	}
}

func (g *Gateway) tick() {
	g.mu.Lock()
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		if !s.clearAlive() {
			go s.Close("liveness timeout")
			continue
		}
		s.sendPing()
	}
}

// SessionCount reports the number of currently registered sessions.
func (g *Gateway) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}
