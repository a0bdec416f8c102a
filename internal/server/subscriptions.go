package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/altsci/atdata/internal/changestream"
)

const (
	keepaliveInterval = 30 * time.Second
	closeWriteTimeout = 5 * time.Second

	// Close codes sent to subscribers.
	closeTooManySubscribers = 1013
	closeInvalidCursor      = websocket.ClosePolicyViolation
	closeBackpressure       = 4000
)

type keepaliveMessage struct {
	Type string `json:"type"`
}

// handleSubscribeChanges streams change events over a websocket.
// An optional cursor query parameter replays buffered events first;
// a cursor older than the buffer window starts from live.
func (s *Server) handleSubscribeChanges(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// cursor=0 is a valid request for everything still buffered, so
	// replay is keyed on the parameter being present, not non-zero.
	var cursor uint64
	hasCursor := r.URL.Query().Has("cursor")
	if hasCursor {
		cursor, err = strconv.ParseUint(r.URL.Query().Get("cursor"), 10, 64)
		if err != nil {
			closeWith(conn, closeInvalidCursor, "Invalid cursor value")
			return
		}
	}

	// Subscribing before replay guarantees no event falls between the
	// replayed range and the live feed.
	sub, err := s.stream.Subscribe()
	if err != nil {
		if errors.Is(err, changestream.ErrTooManySubscribers) {
			closeWith(conn, closeTooManySubscribers, "Too many subscribers")
		}
		return
	}
	defer s.stream.Unsubscribe(sub)

	s.logger.Debug("subscriber connected", "cursor", cursor, logAttr(r.Context()))

	var lastReplayed uint64
	if hasCursor {
		for _, ev := range s.stream.ReplayFrom(cursor) {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			lastReplayed = ev.Seq
		}
	}

	// Read pump: the client never sends data frames, but reading is
	// what surfaces close frames and broken connections.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	keepalive := time.NewTimer(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Seq <= lastReplayed {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			resetTimer(keepalive, keepaliveInterval)
		case <-sub.Slow():
			closeWith(conn, closeBackpressure, "Backpressure: events were dropped")
			return
		case <-keepalive.C:
			if err := conn.WriteJSON(keepaliveMessage{Type: "keepalive"}); err != nil {
				return
			}
			keepalive.Reset(keepaliveInterval)
		case <-clientGone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
