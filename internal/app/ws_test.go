package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type socket struct {
	t  *testing.T
	ws *websocket.Conn
}

func dial(t *testing.T, srv *httptest.Server, userID string) *socket {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat?access_token=" + token(t, userID)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	s := &socket{t: t, ws: ws}
	if frame := s.read(); frame["type"] != "CONNECTED" {
		t.Fatalf("handshake = %v", frame)
	}
	return s
}

func (s *socket) write(frame map[string]any) {
	s.t.Helper()
	if err := s.ws.WriteJSON(frame); err != nil {
		s.t.Fatalf("WriteJSON() error = %v", err)
	}
}

func (s *socket) read() map[string]any {
	s.t.Helper()
	_ = s.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := s.ws.ReadMessage()
	if err != nil {
		s.t.Fatalf("ReadMessage() error = %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		s.t.Fatalf("unmarshal frame %q: %v", data, err)
	}
	return frame
}

// readType skips frames until one of the wanted type arrives.
func (s *socket) readType(want string) map[string]any {
	s.t.Helper()
	for i := 0; i < 10; i++ {
		if frame := s.read(); frame["type"] == want {
			return frame
		}
	}
	s.t.Fatalf("no %s frame received", want)
	return nil
}

func TestSocketRejectsMissingCredentialBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %v", resp)
	}
}

func TestSocketSubscribeSendAndReact(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	ana := dial(t, srv, "ana")
	ben := dial(t, srv, "ben")

	ben.write(map[string]any{"type": "subscribe", "studyId": testStudy, "requestId": "s1"})
	if ack := ben.read(); ack["type"] != "ACK" || ack["action"] != FrameSubscribe || ack["requestId"] != "s1" {
		t.Fatalf("subscribe ack = %v", ack)
	}

	ana.write(map[string]any{"type": FrameSend, "studyId": testStudy, "content": "hello"})
	ack := ana.readType("ACK")
	messageID := ack["messageId"].(float64)
	if messageID <= 0 {
		t.Fatalf("send ack = %v", ack)
	}

	msg := ben.readType("MESSAGE")
	if msg["content"] != "hello" || msg["senderName"] != "Ana" || msg["id"] != messageID {
		t.Fatalf("broadcast = %v", msg)
	}
	// Cho has not read it and ben is not present: both count, ana read it on send.
	if msg["unreadCount"] != float64(2) {
		t.Fatalf("unreadCount = %v, want 2", msg["unreadCount"])
	}

	ben.write(map[string]any{"type": FrameReact, "studyId": testStudy, "messageId": messageID, "reaction": "LIKE"})
	reaction := ben.readType("IMOJI")
	if reaction["likeCount"] != float64(1) || reaction["messageId"] != messageID {
		t.Fatalf("reaction = %v", reaction)
	}
}

func TestSocketPresenceRefinesUnreadCount(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	ana := dial(t, srv, "ana")
	ben := dial(t, srv, "ben")

	ben.write(map[string]any{"type": FrameSubscribe, "studyId": testStudy})
	ben.readType("ACK")
	ben.write(map[string]any{"type": FramePresence, "studyId": testStudy, "state": PresenceOpen})
	if ack := ben.readType("ACK"); ack["open"] != true {
		t.Fatalf("presence ack = %v", ack)
	}

	ana.write(map[string]any{"type": FrameSend, "studyId": testStudy, "content": "seen live"})
	if msg := ben.readType("MESSAGE"); msg["unreadCount"] != float64(1) {
		t.Fatalf("unreadCount = %v, want 1 with ben present", msg["unreadCount"])
	}

	// Tearing down ben's socket closes the presence record it opened.
	_ = ben.ws.Close()
	deadline := time.Now().Add(2 * time.Second)
	observer := dial(t, srv, "cho")
	observer.write(map[string]any{"type": FrameSubscribe, "studyId": testStudy})
	observer.readType("ACK")
	for {
		ana.write(map[string]any{"type": FrameSend, "studyId": testStudy, "content": "after close"})
		if msg := observer.readType("MESSAGE"); msg["unreadCount"] == float64(2) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("presence record survived connection teardown")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSocketErrorsCarryAction(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	mallory := dial(t, srv, "mallory")
	mallory.write(map[string]any{"type": FrameSubscribe, "studyId": testStudy, "requestId": "r9"})
	frame := mallory.readType("ERROR")
	if frame["action"] != FrameSubscribe || frame["code"] != "FORBIDDEN" || frame["requestId"] != "r9" {
		t.Fatalf("error frame = %v", frame)
	}

	ana := dial(t, srv, "ana")
	ana.write(map[string]any{"type": FrameReact, "studyId": testStudy, "messageId": 1, "reaction": "MAYBE"})
	if frame := ana.readType("ERROR"); frame["action"] != FrameReact || frame["code"] != "VALIDATION_ERROR" {
		t.Fatalf("react error = %v", frame)
	}
	ana.write(map[string]any{"type": FramePresence, "studyId": testStudy, "state": "AWAY"})
	if frame := ana.readType("ERROR"); frame["action"] != FramePresence || frame["code"] != "VALIDATION_ERROR" {
		t.Fatalf("presence state error = %v", frame)
	}
	ana.write(map[string]any{"type": "SHOUT", "studyId": testStudy})
	if frame := ana.readType("ERROR"); frame["code"] != "UNKNOWN_FRAME" {
		t.Fatalf("unknown frame error = %v", frame)
	}
	if err := ana.ws.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if frame := ana.readType("ERROR"); frame["code"] != "INVALID_FRAME" {
		t.Fatalf("invalid frame error = %v", frame)
	}
}

func TestSocketRateLimitsFrames(t *testing.T) {
	env := newTestEnv(t)
	env.server.opts.FrameRate = 0.001
	env.server.opts.FrameBurst = 2
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	ben := dial(t, srv, "ben")
	for i := 0; i < 3; i++ {
		ben.write(map[string]any{"type": FrameRead, "studyId": testStudy, "messageId": 1})
	}
	ben.readType("ACK")
	ben.readType("ACK")
	if frame := ben.readType("ERROR"); frame["code"] != "RATE_LIMITED" || frame["action"] != FrameRead {
		t.Fatalf("rate limit frame = %v", frame)
	}
}

func waitForHolders(t *testing.T, env *testEnv, key presenceKey, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for env.server.holds.holders(key) != want {
		if time.Now().After(deadline) {
			t.Fatalf("holders(%v) = %d, want %d", key, env.server.holds.holders(key), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSocketPresenceSurvivesClosingOneOfTwoTabs(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	ana := dial(t, srv, "ana")
	observer := dial(t, srv, "cho")
	observer.write(map[string]any{"type": FrameSubscribe, "studyId": testStudy})
	observer.readType("ACK")

	first := dial(t, srv, "ben")
	second := dial(t, srv, "ben")
	for _, tab := range []*socket{first, second} {
		tab.write(map[string]any{"type": FramePresence, "studyId": testStudy, "state": PresenceOpen})
		if ack := tab.readType("ACK"); ack["open"] != true {
			t.Fatalf("presence ack = %v", ack)
		}
	}
	key := presenceKey{studyID: testStudy, userID: "ben"}
	if n := env.server.holds.holders(key); n != 2 {
		t.Fatalf("holders = %d, want 2", n)
	}

	_ = first.ws.Close()
	waitForHolders(t, env, key, 1)

	second.write(map[string]any{"type": FramePresence, "studyId": testStudy, "state": PresenceHeartbeat})
	if ack := second.readType("ACK"); ack["open"] != true {
		t.Fatalf("heartbeat after other tab closed = %v", ack)
	}
	ana.write(map[string]any{"type": FrameSend, "studyId": testStudy, "content": "still here"})
	if msg := observer.readType("MESSAGE"); msg["unreadCount"] != float64(1) {
		t.Fatalf("unreadCount = %v, want 1 with ben present in one tab", msg["unreadCount"])
	}

	_ = second.ws.Close()
	waitForHolders(t, env, key, 0)
	ana.write(map[string]any{"type": FrameSend, "studyId": testStudy, "content": "gone"})
	if msg := observer.readType("MESSAGE"); msg["unreadCount"] != float64(2) {
		t.Fatalf("unreadCount = %v, want 2 after last tab closed", msg["unreadCount"])
	}
}
