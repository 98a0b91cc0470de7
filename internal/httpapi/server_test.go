package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/androfit/coach/internal/config"
	"github.com/androfit/coach/internal/observability"
	"github.com/androfit/coach/internal/protocol"
	"github.com/androfit/coach/internal/session"
)

func testConfig() config.Config {
	return config.Config{
		SessionConnectTimeout: 2 * time.Minute,
		SessionCreatePerMin:   60,
		PersonaID:             "androfit",
		IdleTimeout:           60 * time.Second,
		WarningDelay:          45 * time.Second,
		MaxSessionDuration:    30 * time.Minute,
	}
}

func newTestServer(t *testing.T, name string, cfg config.Config, orch Orchestrator) (*httptest.Server, *session.Manager) {
	t.Helper()
	return newTestServerWith(t, name, cfg, orch, nil)
}

func newTestServerWith(t *testing.T, name string, cfg config.Config, orch Orchestrator, tune func(*Server)) (*httptest.Server, *session.Manager) {
	t.Helper()
	sessions := session.NewManager(cfg.SessionConnectTimeout)
	metrics := observability.NewMetrics("test_httpapi_" + name)
	srv := New(cfg, sessions, orch, metrics, nil, Providers{Voice: "mock", Brain: "mock", Memory: "in-memory"})
	if tune != nil {
		tune(srv)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, sessions
}

func createSession(t *testing.T, baseURL string, body map[string]string) (int, map[string]any) {
	t.Helper()
	raw, _ := json.Marshal(body)
	res, err := http.Post(baseURL+"/v1/voice/session", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return res.StatusCode, payload
}

func TestCreateGetAndEndSession(t *testing.T) {
	ts, _ := newTestServer(t, "lifecycle", testConfig(), nil)

	status, created := createSession(t, ts.URL, map[string]string{"user_id": "user-1"})
	if status != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", status, http.StatusCreated)
	}
	sessionID, _ := created["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	if created["persona_id"] != "androfit" {
		t.Fatalf("persona_id = %v, want androfit", created["persona_id"])
	}
	limits, _ := created["limits"].(map[string]any)
	if limits["idle_timeout_ms"] != float64(60000) || limits["max_session_duration_ms"] != float64(1800000) {
		t.Fatalf("limits = %+v", limits)
	}

	endRes, err := http.Post(ts.URL+"/v1/voice/session/"+sessionID+"/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}

	again, err := http.Post(ts.URL+"/v1/voice/session/"+sessionID+"/end", "application/json", nil)
	if err != nil {
		t.Fatalf("second end request error = %v", err)
	}
	again.Body.Close()
	if again.StatusCode != http.StatusConflict {
		t.Fatalf("second end status = %d, want %d", again.StatusCode, http.StatusConflict)
	}

	getRes, err := http.Get(ts.URL + "/v1/voice/session/" + sessionID)
	if err != nil {
		t.Fatalf("get session request error = %v", err)
	}
	defer getRes.Body.Close()
	var got session.Session
	if err := json.NewDecoder(getRes.Body).Decode(&got); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if got.Status != session.StatusEnded || got.EndReason != session.EndReasonClient {
		t.Fatalf("session = %+v, want ended by client", got)
	}
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, "health", testConfig(), nil)

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer res.Body.Close()
	var payload map[string]string
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.StatusCode != http.StatusOK || payload["status"] != "ok" {
		t.Fatalf("healthz = %d %+v", res.StatusCode, payload)
	}
}

func TestCreateSessionRejectsUnknownPersona(t *testing.T) {
	ts, _ := newTestServer(t, "persona", testConfig(), nil)

	status, payload := createSession(t, ts.URL, map[string]string{"user_id": "u", "persona_id": "pirate"})
	if status != http.StatusBadRequest || payload["code"] != "unknown_persona" {
		t.Fatalf("create = %d %+v, want 400 unknown_persona", status, payload)
	}
}

func TestCreateSessionReplacesUsersLiveSession(t *testing.T) {
	ts, sessions := newTestServer(t, "replace", testConfig(), nil)

	_, first := createSession(t, ts.URL, map[string]string{"user_id": "u1"})
	_, second := createSession(t, ts.URL, map[string]string{"user_id": "u1", "persona_id": "drill"})

	old, err := sessions.Get(first["session_id"].(string))
	if err != nil {
		t.Fatalf("Get(first) error = %v", err)
	}
	if old.Status != session.StatusEnded {
		t.Fatalf("first session status = %q, want ended", old.Status)
	}
	live, err := sessions.ActiveForUser("u1")
	if err != nil || live.ID != second["session_id"] {
		t.Fatalf("ActiveForUser = %+v, %v; want second session", live, err)
	}
}

func TestCreateSessionIsRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.SessionCreatePerMin = 1
	ts, _ := newTestServer(t, "ratelimit", cfg, nil)

	if status, _ := createSession(t, ts.URL, map[string]string{"user_id": "a"}); status != http.StatusCreated {
		t.Fatalf("first create status = %d, want %d", status, http.StatusCreated)
	}
	status, payload := createSession(t, ts.URL, map[string]string{"user_id": "b"})
	if status != http.StatusTooManyRequests || payload["code"] != "rate_limited" {
		t.Fatalf("second create = %d %+v, want 429", status, payload)
	}
}

func TestClientKeyPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/voice/session", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	if got := clientKey(r); got != "10.0.0.1" {
		t.Fatalf("clientKey() = %q, want remote host", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientKey(r); got != "203.0.113.9" {
		t.Fatalf("clientKey() = %q, want first forwarded hop", got)
	}
}

// echoOrchestrator announces readiness, echoes one text message and ends.
type echoOrchestrator struct{}

func (echoOrchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	outbound <- protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: s.ID, Code: protocol.CodeSessionReady}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			if text, isText := msg.(protocol.ClientText); isText {
				outbound <- protocol.AssistantText{Type: protocol.TypeAssistantText, SessionID: s.ID, Text: "echo: " + text.Text}
				outbound <- protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: s.ID, Code: protocol.CodeSessionEnded}
				return nil
			}
		}
	}
}

func TestSessionWebSocketClosesWhenSessionEnds(t *testing.T) {
	ts, sessions := newTestServer(t, "ws", testConfig(), echoOrchestrator{})
	sess := sessions.Create("u1", "androfit", "")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/voice/session/ws?session_id=" + sess.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var ready protocol.SystemEvent
	if err := conn.ReadJSON(&ready); err != nil || ready.Code != protocol.CodeSessionReady {
		t.Fatalf("first message = %+v, %v; want session_ready", ready, err)
	}

	if err := conn.WriteJSON(map[string]string{"type": "not_a_type"}); err != nil {
		t.Fatalf("write error = %v", err)
	}
	var bad protocol.ErrorEvent
	if err := conn.ReadJSON(&bad); err != nil || bad.Code != "invalid_client_message" {
		t.Fatalf("error event = %+v, %v", bad, err)
	}

	if err := conn.WriteJSON(protocol.ClientText{Type: protocol.TypeClientText, SessionID: sess.ID, Text: "hello"}); err != nil {
		t.Fatalf("write error = %v", err)
	}
	var reply protocol.AssistantText
	if err := conn.ReadJSON(&reply); err != nil || reply.Text != "echo: hello" {
		t.Fatalf("reply = %+v, %v", reply, err)
	}
	var ended protocol.SystemEvent
	if err := conn.ReadJSON(&ended); err != nil || ended.Code != protocol.CodeSessionEnded {
		t.Fatalf("ended = %+v, %v", ended, err)
	}

	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("ReadMessage() after end error = %v, want normal close", err)
	}
}

func TestSessionWebSocketRejectsEndedSession(t *testing.T) {
	ts, sessions := newTestServer(t, "ws_ended", testConfig(), echoOrchestrator{})
	sess := sessions.Create("u1", "androfit", "")
	if _, err := sessions.End(sess.ID, session.EndReasonClient); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	res, err := http.Get(ts.URL + "/v1/voice/session/ws?session_id=" + sess.ID)
	if err != nil {
		t.Fatalf("GET ws error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusGone {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusGone)
	}
}

// silentOrchestrator stays quiet for hold, then ends the session. It ends
// without the event if the socket drops first.
type silentOrchestrator struct {
	hold time.Duration
}

func (o silentOrchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	outbound <- protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: s.ID, Code: protocol.CodeSessionReady}
	timer := time.NewTimer(o.hold)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-inbound:
			if !ok {
				return nil
			}
		case <-timer.C:
			outbound <- protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: s.ID, Code: protocol.CodeSessionEnded, Detail: "idle_timeout"}
			return nil
		}
	}
}

func TestSessionWebSocketPingsKeepQuietClientConnected(t *testing.T) {
	readTimeout := 150 * time.Millisecond
	ts, sessions := newTestServerWith(t, "ws_quiet", testConfig(), silentOrchestrator{hold: 4 * readTimeout}, func(s *Server) {
		s.readTimeout = readTimeout
	})
	sess := sessions.Create("u1", "androfit", "")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/voice/session/ws?session_id=" + sess.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var pings int
	conn.SetPingHandler(func(data string) error {
		pings++
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	var ready protocol.SystemEvent
	if err := conn.ReadJSON(&ready); err != nil || ready.Code != protocol.CodeSessionReady {
		t.Fatalf("first message = %+v, %v; want session_ready", ready, err)
	}

	// The client sends nothing while the server stays silent past several
	// read timeouts.
	var ended protocol.SystemEvent
	if err := conn.ReadJSON(&ended); err != nil || ended.Code != protocol.CodeSessionEnded {
		t.Fatalf("ended = %+v, %v; want session_ended after the quiet period", ended, err)
	}
	if ended.Detail != "idle_timeout" {
		t.Fatalf("ended detail = %q, want idle_timeout", ended.Detail)
	}
	if pings < 2 {
		t.Fatalf("pings = %d, want at least 2", pings)
	}
}
