package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/vultisig/position-manager/internal/tracker"
	"github.com/vultisig/position-manager/internal/types"
	"github.com/vultisig/position-manager/service"
)

const (
	streamBuffer   = 64
	keepAlive      = 15 * time.Second
	wsWriteTimeout = 10 * time.Second
)

const (
	messageTransaction  = "transaction"
	messageNotification = "notification"
)

type streamMessage struct {
	Type         string              `json:"type"`
	Transaction  *tracker.Event      `json:"transaction,omitempty"`
	Notification *types.Notification `json:"notification,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscribe merges the tracker transitions and the notifications of a
// session into one stream. Messages are dropped when the reader falls
// behind.
func (s *Server) subscribe(session *service.Session) (<-chan streamMessage, func()) {
	out := make(chan streamMessage, streamBuffer)
	done := make(chan struct{})
	logger := s.logger.WithField("session_id", session.ID())

	push := func(m streamMessage) {
		select {
		case <-done:
		case out <- m:
		default:
			logger.Warn("event stream is full, dropping message")
		}
	}

	unsubscribeTracker := session.Subscribe(func(e tracker.Event) {
		event := e
		push(streamMessage{Type: messageTransaction, Transaction: &event})
	})

	var unsubscribeNotifications func()
	if s.notifications != nil {
		var notifications <-chan types.Notification
		notifications, unsubscribeNotifications = s.notifications.Subscribe(session.ID().String())
		go func() {
			for n := range notifications {
				notification := n
				push(streamMessage{Type: messageNotification, Notification: &notification})
			}
		}()
	}

	return out, func() {
		close(done)
		unsubscribeTracker()
		if unsubscribeNotifications != nil {
			unsubscribeNotifications()
		}
	}
}

func (s *Server) openStream(c echo.Context) (<-chan streamMessage, func(), error) {
	id, err := sessionID(c)
	if err != nil {
		return nil, nil, err
	}
	session, err := s.sessions.Get(c.Request().Context(), id)
	if err != nil {
		return nil, nil, err
	}
	messages, unsubscribe := s.subscribe(session)
	return messages, unsubscribe, nil
}

// StreamEvents sends the session stream as server-sent events.
func (s *Server) StreamEvents(c echo.Context) error {
	messages, unsubscribe, err := s.openStream(c)
	if err != nil {
		return s.fail(c, err)
	}
	defer unsubscribe()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case m := <-messages:
			data, err := json.Marshal(m)
			if err != nil {
				s.logger.Errorf("fail to encode stream message: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", m.Type, data); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

// StreamEventsWS sends the session stream over a websocket.
func (s *Server) StreamEventsWS(c echo.Context) error {
	messages, unsubscribe, err := s.openStream(c)
	if err != nil {
		return s.fail(c, err)
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already answered the request
		s.logger.Warnf("fail to upgrade websocket: %v", err)
		return nil
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteTimeout))
			return nil
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return nil
			}
		case m := <-messages:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(m); err != nil {
				s.logger.Debugf("websocket closed: %v", err)
				return nil
			}
		}
	}
}
