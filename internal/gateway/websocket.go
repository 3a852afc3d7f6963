package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/wagate/internal/fanout"
	"github.com/haasonsaas/wagate/pkg/models"
)

const (
	wsDefaultBuffer   = 64
	wsMaxPayloadBytes = 4096
	wsPingInterval    = 20 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

// Frame types sent on a stream.
const (
	FrameStatus = "status"
	FrameEvent  = "event"
)

// StreamFrame is one message on the push stream. The first frame is always
// the session status; events follow in publish order.
type StreamFrame struct {
	Type   string         `json:"type"`
	Status *models.Status `json:"status,omitempty"`
	Event  *models.Event  `json:"event,omitempty"`
}

type wsStream struct {
	conn   *websocket.Conn
	events <-chan models.Event
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// handleStream subscribes before upgrading so a failed lookup still gets a
// proper HTTP error.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("id")
	sink := fanout.NewChannelSink(s.buffer)
	handle, status, err := s.registry.SubscribeWithStatus(r.Context(), tenantID, sink)
	if err != nil {
		writeError(w, err)
		return
	}
	defer s.registry.Unsubscribe(handle)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "tenant_id", tenantID, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	stream := &wsStream{
		conn:   conn,
		events: sink.C(),
		ctx:    ctx,
		cancel: cancel,
		logger: s.logger.With("tenant_id", tenantID, "stream_id", handle.ID),
	}
	stream.logger.Debug("stream opened")
	stream.run(status)
	stream.logger.Debug("stream closed")
}

func (st *wsStream) run(status models.Status) {
	defer st.close()
	go st.readLoop()
	if err := st.write(StreamFrame{Type: FrameStatus, Status: &status}); err != nil {
		return
	}
	st.writeLoop()
}

func (st *wsStream) close() {
	st.cancel()
	_ = st.conn.Close()
}

// readLoop discards client frames and keeps the read deadline alive on pong.
func (st *wsStream) readLoop() {
	defer st.cancel()
	st.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = st.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	st.conn.SetPongHandler(func(string) error {
		return st.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := st.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (st *wsStream) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-st.ctx.Done():
			return
		case ev, ok := <-st.events:
			if !ok {
				// Session destroyed or restarted, or this client fell behind.
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription ended")
				_ = st.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait)) //nolint:errcheck
				return
			}
			if err := st.write(StreamFrame{Type: FrameEvent, Event: &ev}); err != nil {
				st.logger.Debug("stream write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := st.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (st *wsStream) write(frame StreamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_ = st.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
	return st.conn.WriteMessage(websocket.TextMessage, data)
}

// checkOrigin allows the listed origins, or any origin for "*". With no list
// the upgrader's same-origin check applies.
func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		if origin != "" {
			set[origin] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.TrimRight(strings.ToLower(origin), "/")]
		return ok
	}
}
