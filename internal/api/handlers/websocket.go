package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/portgate/internal/api/middleware"
	"github.com/anstrom/portgate/internal/events"
	"github.com/anstrom/portgate/internal/logging"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriodRatio = 0.9
	pingPeriod      = time.Duration(float64(pongWait) * pingPeriodRatio) // must be < pongWait
	maxMessageSize  = 512
)

// EventSource subscribes to a scan's event stream. *events.Broker
// implements it.
type EventSource interface {
	Subscribe(scanID string) (<-chan events.Event, func())
}

// WebSocketHandler streams scan events to WebSocket clients.
type WebSocketHandler struct {
	events   EventSource
	runner   TaskRunner
	logger   *logging.Logger
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a WebSocket handler. allowedOrigins empty
// accepts any origin.
func NewWebSocketHandler(source EventSource, runner TaskRunner, allowedOrigins []string, logger *logging.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		events: source,
		runner: runner,
		logger: logger.WithComponent("api").WithFields("handler", "websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ScanEvents handles GET /ws/scans/{id}. Clients receive the events already
// published for the scan followed by live ones; the server closes the
// connection after the terminal event.
func (h *WebSocketHandler) ScanEvents(w http.ResponseWriter, r *http.Request) {
	id, err := extractStringFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if _, ok := h.runner.Status(id); !ok {
		writeError(w, r, http.StatusNotFound, errScanNotFound(id))
		return
	}

	requestID := middleware.GetRequestID(r)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", "request_id", requestID, "error", err)
		return
	}

	stream, cancel := h.events.Subscribe(id)
	h.logger.Debug("WebSocket client subscribed", "request_id", requestID, "scan_id", id)

	closed := make(chan struct{})
	go h.readPump(conn, requestID, closed)
	h.writePump(conn, stream, requestID, closed)
	cancel()
}

// readPump drains client frames so pongs and close frames are processed.
func (h *WebSocketHandler) readPump(conn *websocket.Conn, requestID string, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		h.logger.Error("Failed to set read deadline", "request_id", requestID, "error", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("WebSocket unexpected close", "request_id", requestID, "error", err)
			}
			return
		}
	}
}

// writePump forwards events and pings until the stream ends or the client
// goes away.
func (h *WebSocketHandler) writePump(conn *websocket.Conn, stream <-chan events.Event, requestID string,
	closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := conn.Close(); err != nil {
			h.logger.Debug("Error closing WebSocket connection", "request_id", requestID, "error", err)
		}
	}()

	for {
		select {
		case e, ok := <-stream:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "scan finished")
				_ = conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				h.logger.Debug("Write failed, closing connection", "request_id", requestID, "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Debug("Ping failed, closing connection", "request_id", requestID, "error", err)
				return
			}
		case <-closed:
			return
		}
	}
}
