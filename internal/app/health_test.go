package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"studychat/api/internal/auth"
	"studychat/api/internal/chat"
	"studychat/api/internal/gateway"
	"studychat/api/internal/metrics"
	"studychat/api/internal/notify"
	"studychat/api/internal/presence"
	"studychat/api/internal/realtime"
)

const (
	testSecret    = "test-secret"
	testSyncToken = "sync-token"
	testStudy     = int64(7)
)

type testEnv struct {
	store   *chat.MemoryStore
	members []chat.Member
	bridge  *notify.Bridge
	server  *HTTPServer
	readyFn func(context.Context) error
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := chat.NewMemoryStore()
	store.AddStudy(testStudy)
	env := &testEnv{store: store}
	env.members = []chat.Member{
		store.AddMember(chat.Member{StudyID: testStudy, UserID: "ana", Name: "Ana", Role: "LEADER"}),
		store.AddMember(chat.Member{StudyID: testStudy, UserID: "ben", Name: "Ben"}),
		store.AddMember(chat.Member{StudyID: testStudy, UserID: "cho", Name: "Cho"}),
	}

	m := metrics.New()
	hub := realtime.NewHub(m, nil)
	gw := gateway.New(auth.NewGate(testSecret), store, hub, nil)
	service := chat.NewService(chat.Config{MaxBodyLength: 100}, chat.Deps{
		Store:     store,
		Members:   store,
		Presence:  presence.NewMemory(time.Minute, 100),
		Publisher: gw,
		Metrics:   m,
	})
	env.bridge = notify.NewBridge(notify.Config{}, service, store, m, nil)
	env.bridge.Start(context.Background())
	t.Cleanup(func() {
		env.bridge.Stop()
		hub.Shutdown()
	})

	env.server = NewHTTPServer(Deps{
		Chat:    service,
		Gateway: gw,
		Feed:    notify.NewFeed(notify.NewMemoryLedger(), env.bridge),
		Metrics: m,
		Ready: func(ctx context.Context) error {
			if env.readyFn != nil {
				return env.readyFn(ctx)
			}
			return nil
		},
	}, Options{SyncToken: testSyncToken, FrameRate: 100, FrameBurst: 100})
	return env
}

func token(t *testing.T, userID string) string {
	t.Helper()
	issued, err := auth.IssueToken([]byte(testSecret), userID, userID, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return issued
}

func (env *testEnv) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return response
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if ok := decode(t, rr)["ok"]; ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestReadyEndpoint_Success(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if status := decode(t, rr)["status"]; status != "ready" {
		t.Fatalf("expected status=ready, got %v", status)
	}
}

func TestReadyEndpoint_DatabaseFailure(t *testing.T) {
	env := newTestEnv(t)
	env.readyFn = func(context.Context) error { return errors.New("connection refused") }

	rr := env.do(t, http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	response := decode(t, rr)
	if response["ok"] != false || response["status"] != "not_ready" {
		t.Fatalf("unexpected response: %v", response)
	}
	checks := response["checks"].(map[string]any)
	database := checks["database"].(map[string]any)
	if database["status"] != "error" || database["error"] != "connection refused" {
		t.Fatalf("unexpected database check: %v", database)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "studychat_open_connections") {
		t.Fatalf("metrics response = %d %q", rr.Code, rr.Body.String())
	}
}

func TestPreflightReturnsCORSHeaders(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodOptions, "/api/studies/7/chat/messages", "", "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header: %v", rr.Header())
	}
}

func newJSONRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func serve(env *testEnv, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)
	return rr
}
