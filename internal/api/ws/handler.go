// Package ws relays inspector sessions over WebSocket.
//
// Each connection opens one inspector session on an isolate. Text frames
// from the client are dispatched to the session as protocol requests; every
// response and event the session produces is written back as a text frame.
// The connection closes when the client leaves or the isolate is disposed.
//
// Example Usage:
//
//	handler := ws.NewHandler(handlers.Lookup, metrics, logger)
//	router.GET("/isolates/:id/inspector", handler.HandleConnection)
package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/isolates/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/isolate"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/shared/vmerr"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// LookupFunc resolves the isolate a request addresses. It writes the error
// response itself when there is none.
type LookupFunc func(c *gin.Context) (*isolate.Environment, bool)

// Handler manages inspector WebSocket connections
type Handler struct {
	lookup  LookupFunc
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(lookup LookupFunc, metrics *monitoring.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{lookup: lookup, metrics: metrics, logger: logger}
}

// HandleConnection opens an inspector session and relays it until either
// side goes away.
func (h *Handler) HandleConnection(c *gin.Context) {
	env, ok := h.lookup(c)
	if !ok {
		return
	}
	session, err := env.GetInspectorSession()
	if err != nil {
		status := http.StatusConflict
		if errors.Is(err, vmerr.ErrReferenceInvalid) {
			status = http.StatusGone
		}
		c.JSON(status, gin.H{"success": false, "error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		session.Close()
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	logger := h.logger.With(
		zap.String("isolate", env.ID().String()),
		zap.String("session", session.ID()),
	)
	logger.Info("inspector connected")

	done := make(chan struct{})
	go h.writePump(conn, session, done, logger)
	h.readPump(conn, session, logger)

	session.Close()
	<-done
	logger.Info("inspector disconnected")
}

// readPump dispatches client frames until the connection fails or the
// session is closed.
func (h *Handler) readPump(conn *websocket.Conn, session *isolate.InspectorSession, logger *zap.Logger) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		h.metrics.RecordWSMessage("in")
		if err := session.Dispatch(data); err != nil {
			return
		}
	}
}

// writePump is the connection's only writer. It ends when the session's
// message channel closes, sending a close frame to the client.
func (h *Handler) writePump(conn *websocket.Conn, session *isolate.InspectorSession, done chan<- struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
		close(done)
	}()

	for {
		select {
		case msg, ok := <-session.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "inspector session closed"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug("websocket write failed", zap.Error(err))
				session.Close()
				return
			}
			h.metrics.RecordWSMessage("out")
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				session.Close()
				return
			}
		}
	}
}
