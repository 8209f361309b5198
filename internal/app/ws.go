package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"studychat/api/internal/chat"
	"studychat/api/internal/realtime"
)

const (
	readTimeout  = 60 * time.Second
	frameTimeout = 10 * time.Second
	maxFrameSize = 64 << 10
)

// Inbound frame types.
const (
	FrameSubscribe   = "SUBSCRIBE"
	FrameUnsubscribe = "UNSUBSCRIBE"
	FrameSend        = "SEND"
	FrameReact       = "REACT"
	FrameRead        = "READ"
	FramePresence    = "PRESENCE"
	FrameDelete      = "DELETE"
)

// Presence frame states.
const (
	PresenceOpen      = "OPEN"
	PresenceClose     = "CLOSE"
	PresenceHeartbeat = "HEARTBEAT"
)

type inboundFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	StudyID   int64  `json:"studyId"`
	Content   string `json:"content,omitempty"`
	MessageID int64  `json:"messageId,omitempty"`
	Reaction  string `json:"reaction,omitempty"`
	State     string `json:"state,omitempty"`
}

type ackFrame struct {
	Type      string `json:"type"`
	Action    string `json:"action,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	StudyID   int64  `json:"studyId,omitempty"`
	MessageID int64  `json:"messageId,omitempty"`
	Open      *bool  `json:"open,omitempty"`
}

type errorFrame struct {
	Type      string `json:"type"`
	Action    string `json:"action"`
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code"`
	Error     string `json:"error"`
}

// socketSession is the per-connection state owned by the read loop.
type socketSession struct {
	conn     *realtime.Conn
	identity chat.Identity
	limiter  *rate.Limiter
	// presence records this connection opened, study id to membership id
	opened map[int64]int64
}

func (s *HTTPServer) upgrader() websocket.Upgrader {
	origin := s.opts.CORSOrigin
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if origin == "*" {
				return true
			}
			got := r.Header.Get("Origin")
			return got == "" || strings.EqualFold(got, origin)
		},
	}
}

// handleSocket authenticates before the upgrade so a bad credential is a
// plain 401 and no connection is ever established.
func (s *HTTPServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := s.gateway.AuthorizeConnect(r.Context(), bearerToken(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	upgrader := s.upgrader()
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}

	conn := realtime.NewConn(identity.UserID, ws, s.opts.SendBuffer)
	session := &socketSession{
		conn:     conn,
		identity: identity,
		limiter:  s.frameLimiter(),
		opened:   make(map[int64]int64),
	}
	s.gateway.Attach(conn)
	defer s.teardown(session)

	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	logger := s.log.With("conn_id", conn.ID, "user_id", identity.UserID)
	logger.Debug("socket connected")
	s.reply(session, ackFrame{Type: "CONNECTED"})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("socket read failed", "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))

		select {
		case <-conn.Done():
			return
		default:
		}
		s.dispatch(session, data)
	}
}

func (s *HTTPServer) frameLimiter() *rate.Limiter {
	limit := rate.Limit(s.opts.FrameRate)
	if s.opts.FrameRate <= 0 {
		limit = rate.Inf
	}
	burst := s.opts.FrameBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(limit, burst)
}

// teardown leaves every channel in one step, then releases each presence
// record this connection opened. A record another connection of the same
// member still holds stays open.
func (s *HTTPServer) teardown(session *socketSession) {
	s.gateway.Teardown(session.conn)
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()
	for studyID, memberID := range session.opened {
		key := presenceKey{studyID: studyID, userID: session.identity.UserID}
		err := s.holds.release(key, func() error {
			return s.chat.ClosePresence(ctx, studyID, memberID)
		})
		if err != nil {
			s.log.Warn("close presence on teardown", "conn_id", session.conn.ID, "study_id", studyID, "error", err)
		}
	}
	session.conn.Close(websocket.CloseNormalClosure, "session closed")
}

func (s *HTTPServer) dispatch(session *socketSession, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.replyError(session, inboundFrame{}, "INVALID_FRAME", "frame is not valid JSON")
		return
	}
	frame.Type = strings.ToUpper(strings.TrimSpace(frame.Type))
	if !session.limiter.Allow() {
		s.replyError(session, frame, "RATE_LIMITED", "too many frames, slow down")
		return
	}
	if frame.StudyID <= 0 {
		s.replyError(session, frame, "VALIDATION_ERROR", "studyId must be a positive integer")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()

	ack := ackFrame{Type: "ACK", Action: frame.Type, RequestID: frame.RequestID, StudyID: frame.StudyID}
	var err error
	switch frame.Type {
	case FrameSubscribe:
		err = s.gateway.Subscribe(ctx, session.conn, frame.StudyID, session.identity)
	case FrameUnsubscribe:
		s.gateway.Unsubscribe(session.conn, frame.StudyID)
	case FrameSend:
		var entry chat.Entry
		entry, err = s.chat.Send(ctx, frame.StudyID, session.identity, frame.Content)
		ack.MessageID = entry.ID
	case FrameReact:
		_, err = s.chat.React(ctx, frame.StudyID, session.identity, frame.MessageID, frame.Reaction)
		ack.MessageID = frame.MessageID
	case FrameRead:
		_, err = s.chat.MarkRead(ctx, frame.StudyID, session.identity, frame.MessageID)
		ack.MessageID = frame.MessageID
	case FrameDelete:
		err = s.chat.Delete(ctx, frame.StudyID, session.identity, frame.MessageID)
		ack.MessageID = frame.MessageID
	case FramePresence:
		var open bool
		open, err = s.presence(ctx, session, frame)
		ack.Open = &open
	default:
		s.replyError(session, frame, "UNKNOWN_FRAME", "unknown frame type")
		return
	}
	if err != nil {
		_, code, message, _ := mapError(err)
		if code == "SERVER_ERROR" {
			s.log.Error("frame failed", "conn_id", session.conn.ID, "action", frame.Type, "study_id", frame.StudyID, "error", err)
		}
		s.replyError(session, frame, code, message)
		return
	}
	s.reply(session, ack)
}

func (s *HTTPServer) presence(ctx context.Context, session *socketSession, frame inboundFrame) (bool, error) {
	key := presenceKey{studyID: frame.StudyID, userID: session.identity.UserID}
	switch strings.ToUpper(strings.TrimSpace(frame.State)) {
	case PresenceOpen:
		_, held := session.opened[frame.StudyID]
		var memberID int64
		err := s.holds.open(key, !held, func() error {
			var err error
			memberID, err = s.chat.OpenPanel(ctx, frame.StudyID, session.identity)
			return err
		})
		if err != nil {
			return false, err
		}
		session.opened[frame.StudyID] = memberID
		return true, nil
	case PresenceHeartbeat:
		return s.chat.Heartbeat(ctx, frame.StudyID, session.identity)
	case PresenceClose:
		memberID, ok := session.opened[frame.StudyID]
		if !ok {
			return false, s.holds.closeUnheld(key, func() error {
				return s.chat.ClosePanel(ctx, frame.StudyID, session.identity)
			})
		}
		delete(session.opened, frame.StudyID)
		return false, s.holds.release(key, func() error {
			return s.chat.ClosePresence(ctx, frame.StudyID, memberID)
		})
	}
	return false, chat.Validation("state must be OPEN, CLOSE or HEARTBEAT")
}

func (s *HTTPServer) reply(session *socketSession, frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = session.conn.Send(payload)
}

func (s *HTTPServer) replyError(session *socketSession, frame inboundFrame, code, message string) {
	s.metrics.FrameRejected(code)
	s.reply(session, errorFrame{
		Type:      "ERROR",
		Action:    frame.Type,
		RequestID: frame.RequestID,
		Code:      code,
		Error:     message,
	})
}
