package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Only-tech/agglo-transcribe/internal/transcript"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Subscribers only send control frames
	maxMessageSize = 512
)

// feedConnection streams one meeting's transcript events to a websocket peer
type feedConnection struct {
	conn      *websocket.Conn
	meetingID string
	events    <-chan transcript.Event
	cancel    func()
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// handleEntriesWS implements GET /entries/ws
func (h *HTTPServer) handleEntriesWS(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		writeError(w, http.StatusNotImplemented, "Push feed not available")
		return
	}

	meetingID := r.URL.Query().Get("meetingId")
	if meetingID == "" {
		writeError(w, http.StatusBadRequest, "meetingId is required")
		return
	}

	identity, ok := h.authorize(w, r, meetingID)
	if !ok {
		return
	}

	// Subscribed before the handshake completes so nothing appended after the
	// client's resync listing is missed
	events, cancel := h.feed.Subscribe(meetingID)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		h.logger.Error("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &feedConnection{
		conn:      conn,
		meetingID: meetingID,
		events:    events,
		cancel:    cancel,
		done:      make(chan struct{}),
		logger: h.logger.With(
			slog.String("meeting_id", meetingID),
			slog.String("user_id", identity.UserID),
		),
	}

	h.metrics.AddSubscribers(1)
	c.logger.Info("Transcript subscriber connected")

	go c.writePump(h.metrics.RecordEventPushed, func() {
		h.metrics.AddSubscribers(-1)
		c.logger.Info("Transcript subscriber disconnected")
	})
	go c.readPump()
}

func (c *feedConnection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// readPump drains control frames so pongs and close messages are processed
func (c *feedConnection) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (c *feedConnection) writePump(onPushed func(), onClosed func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.conn.Close()
		onClosed()
	}()

	for {
		select {
		case event, ok := <-c.events:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
			onPushed()

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
