package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jobwatch-dev/jobwatch/internal/progress"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	// Notifications carry the full snapshot, so dropping one under
	// backpressure loses nothing but a scroll hint.
	wsNotifyBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type streamEvent struct {
	snapshotDTO
	NewLines int `json:"new_lines"`
}

// streamProgress upgrades to a websocket and pushes committed snapshots for
// one job. Each connection gets its own watcher, so its throttle window and
// log bounds are independent of the registry's; closing the connection tears
// the watcher down without touching anyone else's view.
func (s *Server) streamProgress(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "job_id")
	if handle == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	events := make(chan streamEvent, wsNotifyBuffer)
	watcher := progress.NewWatcher(s.source, progress.Config{
		Throttle:    s.throttle,
		MaxLogLines: s.maxLogLines,
		Logger:      s.logger,
		Notify: func(n progress.Notification) {
			ev := streamEvent{snapshotDTO: toSnapshotDTO(n.Snapshot), NewLines: n.NewLines}
			select {
			case events <- ev:
			default:
			}
		},
	})
	if err := watcher.Bind(handle); err != nil {
		s.logger.Warn("websocket bind failed", zap.String("job_id", handle), zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "bind failed"),
			time.Now().Add(wsWriteWait))
		conn.Close()
		return
	}

	done := make(chan struct{})
	go func() {
		// The read pump only watches for the peer closing the connection.
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go s.writePump(conn, watcher, handle, events, done)
}

func (s *Server) writePump(
	conn *websocket.Conn,
	watcher *progress.Watcher,
	handle string,
	events <-chan streamEvent,
	done <-chan struct{},
) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		watcher.Teardown()
		conn.Close()
		s.logger.Debug("websocket stream closed", zap.String("job_id", handle))
	}()

	// Prime the stream with whatever is already committed. For a freshly
	// bound watcher that is an empty snapshot.
	initial := streamEvent{snapshotDTO: toSnapshotDTO(watcher.Snapshot())}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(initial); err != nil {
		return
	}

	for {
		select {
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
