package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"callcoach-server/pkg/call"
	"callcoach-server/pkg/correlation"
	"callcoach-server/pkg/errors"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	metadataWait     = 10 * time.Second
	ingressReadLimit = 1 << 20
)

// Control messages exchanged on the ingress socket.
const (
	msgSession   = "session"
	msgCompleted = "completed"
	msgError     = "error"
	msgEnd       = "end"
	msgPing      = "ping"
	msgPong      = "pong"
)

type controlMessage struct {
	Type string `json:"type"`
}

type startMessage struct {
	Type string `json:"type,omitempty"`
	call.Metadata
}

type serverMessage struct {
	Type   string      `json:"type"`
	CallID string      `json:"call_id,omitempty"`
	Code   string      `json:"code,omitempty"`
	Error  string      `json:"error,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

// IngressHandler accepts one call per WebSocket connection. The first text
// frame carries call metadata; binary frames carry interleaved 16-bit
// stereo PCM; {"type":"end"} or closing the socket ends the call.
type IngressHandler struct {
	calls    CallManager
	upgrader websocket.Upgrader
	logger   *logrus.Entry

	mu    sync.Mutex
	conns map[*ingressConn]struct{}
}

// NewIngressHandler creates the audio ingress endpoint.
func NewIngressHandler(calls CallManager, allowedOrigins []string, logger *logrus.Logger) *IngressHandler {
	return &IngressHandler{
		calls:    calls,
		upgrader: newUpgrader(allowedOrigins),
		logger:   logger.WithField("component", "call_ingress"),
		conns:    make(map[*ingressConn]struct{}),
	}
}

type ingressConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *ingressConn) writeJSON(msg serverMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func (c *ingressConn) writeClose(code int, text string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

// ServeHTTP runs one call for the lifetime of the connection.
func (h *IngressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade ingress connection")
		return
	}
	conn := &ingressConn{conn: ws}
	defer ws.Close()

	h.track(conn)
	defer h.untrack(conn)

	ws.SetReadLimit(ingressReadLimit)

	meta, err := h.readMetadata(ws)
	if err != nil {
		h.reject(conn, err)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	session, err := h.calls.Start(ctx, meta)
	if err != nil {
		h.reject(conn, err)
		return
	}
	callID := session.ID()
	logger := h.logger.WithFields(logrus.Fields{
		"call_id":        callID,
		"team_id":        meta.TeamID,
		"remote":         correlation.ClientIP(r),
		"correlation_id": correlation.FromContext(r.Context()).String(),
	})

	if err := conn.writeJSON(serverMessage{Type: msgSession, CallID: callID}); err != nil {
		logger.WithError(err).Warn("Failed to acknowledge call start")
		h.finish(ctx, conn, callID, call.ReasonDisconnected, logger)
		return
	}
	logger.Info("Ingress call started")

	// Calls ended elsewhere (reaper, REST, shutdown) close the socket.
	stop := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-session.Done():
			conn.writeClose(websocket.CloseNormalClosure, "call ended")
		case <-stop:
		}
	}()

	reason := h.readLoop(conn, session, logger)
	close(stop)
	<-watcherDone
	h.finish(ctx, conn, callID, reason, logger)
}

// readMetadata waits for the metadata frame.
func (h *IngressHandler) readMetadata(ws *websocket.Conn) (call.Metadata, error) {
	ws.SetReadDeadline(time.Now().Add(metadataWait))
	defer ws.SetReadDeadline(time.Time{})

	msgType, data, err := ws.ReadMessage()
	if err != nil {
		return call.Metadata{}, errors.Wrap(errors.ErrInvalidMetadata, "no metadata received")
	}
	if msgType != websocket.TextMessage {
		return call.Metadata{}, errors.NewInvalidMetadata("first frame must be JSON metadata")
	}

	var start startMessage
	if err := json.Unmarshal(data, &start); err != nil {
		return call.Metadata{}, errors.NewInvalidMetadata("metadata is not valid JSON")
	}
	return start.Metadata, nil
}

// readLoop feeds audio until the client ends the call or the socket fails.
func (h *IngressHandler) readLoop(conn *ingressConn, session *call.Session, logger *logrus.Entry) string {
	for {
		msgType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return call.ReasonClientEnded
			}
			logger.WithError(err).Debug("Ingress connection lost")
			return call.ReasonDisconnected
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := session.HandleAudio(data); err != nil {
				if errors.Is(err, errors.ErrSessionEnded) {
					return call.ReasonClientEnded
				}
				logger.WithError(err).Warn("Failed to handle audio frame")
			}

		case websocket.TextMessage:
			var ctrl controlMessage
			if err := json.Unmarshal(data, &ctrl); err != nil {
				logger.WithError(err).Debug("Ignoring malformed control message")
				continue
			}
			switch ctrl.Type {
			case msgEnd:
				return call.ReasonClientEnded
			case msgPing:
				if err := conn.writeJSON(serverMessage{Type: msgPong, CallID: session.ID()}); err != nil {
					return call.ReasonDisconnected
				}
			default:
				logger.WithField("type", ctrl.Type).Debug("Ignoring unknown control message")
			}
		}
	}
}

// finish ends the call and, when the socket is still open, reports the
// completion before closing.
func (h *IngressHandler) finish(ctx context.Context, conn *ingressConn, callID, reason string, logger *logrus.Entry) {
	completion, err := h.calls.End(ctx, callID, reason)
	if err != nil {
		if !errors.Is(err, errors.ErrSessionNotFound) {
			logger.WithError(err).Warn("Failed to end call")
		}
		return
	}

	logger.WithFields(logrus.Fields{
		"reason":           reason,
		"duration_seconds": completion.DurationSeconds,
	}).Info("Ingress call ended")

	if reason == call.ReasonDisconnected {
		return
	}
	if err := conn.writeJSON(serverMessage{Type: msgCompleted, CallID: callID, Data: completion}); err == nil {
		conn.writeClose(websocket.CloseNormalClosure, "call completed")
	}
}

func (h *IngressHandler) reject(conn *ingressConn, err error) {
	h.logger.WithError(err).Warn("Rejecting ingress call")

	code := errors.GetErrorCode(err)
	_ = conn.writeJSON(serverMessage{Type: msgError, Code: code, Error: err.Error()})

	closeCode := websocket.CloseInternalServerErr
	if errors.Is(err, errors.ErrInvalidMetadata) || errors.Is(err, errors.ErrInvalidInput) {
		closeCode = websocket.ClosePolicyViolation
	}
	conn.writeClose(closeCode, "call rejected")
}

func (h *IngressHandler) track(c *ingressConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

func (h *IngressHandler) untrack(c *ingressConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
}

// ConnectionCount returns the number of open ingress sockets.
func (h *IngressHandler) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseAll sends a going-away close frame to every ingress socket.
func (h *IngressHandler) CloseAll() {
	h.mu.Lock()
	conns := make([]*ingressConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.writeClose(websocket.CloseGoingAway, "server shutting down")
	}
}
