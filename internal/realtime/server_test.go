package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"coachbot/internal/coach"
	"coachbot/internal/coaching"
	"coachbot/internal/oracle"
	"coachbot/internal/protocol"
	"coachbot/internal/retention"
	"coachbot/internal/session"

	"github.com/gorilla/websocket"
)

type stubOracle struct {
	reply     string
	err       error
	threadErr error
}

func (s *stubOracle) NewThread(context.Context) (string, error) {
	if s.threadErr != nil {
		return "", s.threadErr
	}
	return "thread_test", nil
}

func (s *stubOracle) Reply(context.Context, oracle.Request) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

type stubNotifier struct {
	mu     sync.Mutex
	alerts []coach.Alert
}

func (s *stubNotifier) NotifyCoach(_ context.Context, a coach.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func newTestServer(t *testing.T) (*Server, *coach.Service) {
	t.Helper()
	reg := session.NewRegistry()
	svc := coach.NewService(reg, &stubOracle{reply: "Wo stehen Sie gerade?"}, &stubNotifier{}, coaching.DefaultScript(), coach.Config{
		OracleTimeout: time.Second,
		BaseURL:       "http://localhost:8080",
	})
	sweeper, err := retention.NewSweeper(reg, retention.Config{})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	t.Cleanup(svc.Wait)
	return New(svc, sweeper), svc
}

func newSession(t *testing.T, svc *coach.Service) *session.Session {
	t.Helper()
	sess, err := svc.CreateSession(context.Background(), session.SourceWeb)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

func do(h http.Handler, method, target, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func TestServer_Handler(t *testing.T) {
	srv, _ := newTestServer(t)
	if srv.Handler() == nil {
		t.Fatal("expected non-nil handler")
	}
}

func TestServer_Health(t *testing.T) {
	srv, svc := newTestServer(t)
	newSession(t, svc)

	w := do(srv.Handler(), "GET", "/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var body map[string]interface{}
	decode(t, w, &body)
	if body["status"] != "ok" || body["sessions"] != float64(1) {
		t.Errorf("unexpected health body %v", body)
	}
}

func TestServer_ListSessionsEmpty(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(srv.Handler(), "GET", "/api/sessions", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	var sessions []session.Summary
	decode(t, w, &sessions)
	if len(sessions) != 0 {
		t.Errorf("expected 0 sessions, got %d", len(sessions))
	}
}

func TestServer_GetSession(t *testing.T) {
	srv, svc := newTestServer(t)
	sess := newSession(t, svc)

	w := do(srv.Handler(), "GET", "/api/sessions/"+sess.ID, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var got session.Session
	decode(t, w, &got)
	if got.ID != sess.ID {
		t.Errorf("expected session %s, got %s", sess.ID, got.ID)
	}

	w = do(srv.Handler(), "GET", "/api/sessions/nonexistent", "", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestServer_ChatBadBody(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(srv.Handler(), "POST", "/api/chat", "application/json", "not json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_ChatMissingFields(t *testing.T) {
	srv, svc := newTestServer(t)
	sess := newSession(t, svc)
	h := srv.Handler()

	w := do(h, "POST", "/api/chat", "application/json", `{"message":"Hallo"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing session: expected status 400, got %d", w.Code)
	}

	w = do(h, "POST", "/api/chat", "application/json", `{"sessionId":"`+sess.ID+`","message":"   "}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("blank message: expected status 400, got %d", w.Code)
	}
}

func TestServer_ChatUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(srv.Handler(), "POST", "/api/chat", "application/json", `{"sessionId":"nope","message":"Hallo"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestServer_ChatInternalErrorHidesDetail(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.writeTurnError(w, "abc", errors.New("registry: disk on fire"))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "disk on fire") {
		t.Errorf("internal error leaked: %s", w.Body.String())
	}
	var body struct {
		SessionID string `json:"session_id"`
		Response  string `json:"response"`
		Fallback  bool   `json:"fallback"`
	}
	decode(t, w, &body)
	if body.Response != coach.ApologyText {
		t.Errorf("expected apology text, got %q", body.Response)
	}
	if body.SessionID != "abc" || !body.Fallback {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestServer_Chat(t *testing.T) {
	srv, svc := newTestServer(t)
	sess := newSession(t, svc)

	w := do(srv.Handler(), "POST", "/api/chat", "application/json",
		`{"sessionId":"`+sess.ID+`","message":"Meine aktuelle Situation im Job ist schwierig"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var turn coach.Turn
	decode(t, w, &turn)
	if turn.Response != "Wo stehen Sie gerade?" {
		t.Errorf("unexpected response %q", turn.Response)
	}
	if turn.Progress.CurrentPhase != 1 {
		t.Errorf("expected phase 1, got %d", turn.Progress.CurrentPhase)
	}
	if turn.Progress.PhaseProgress[1] != 50 {
		t.Errorf("expected phase 1 at 50, got %v", turn.Progress.PhaseProgress)
	}
}

func TestServer_ChatSessionIDAlias(t *testing.T) {
	srv, svc := newTestServer(t)
	sess := newSession(t, svc)

	w := do(srv.Handler(), "POST", "/api/intelligent-chat", "application/json",
		`{"session_id":"`+sess.ID+`","message":"Hallo"}`)
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestServer_ChatForm(t *testing.T) {
	srv, svc := newTestServer(t)
	sess := newSession(t, svc)

	form := url.Values{"message": {"Hallo"}}
	w := do(srv.Handler(), "POST", "/chat/"+sess.ID, "application/x-www-form-urlencoded", form.Encode())
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	got, _ := svc.Registry().Get(sess.ID)
	if len(got.Messages) != 2 {
		t.Errorf("expected 2 messages, got %d", len(got.Messages))
	}
}

func TestServer_ChatCrisis(t *testing.T) {
	srv, svc := newTestServer(t)
	sess := newSession(t, svc)

	w := do(srv.Handler(), "POST", "/api/chat", "application/json",
		`{"sessionId":"`+sess.ID+`","message":"Ich fühle mich hoffnungslos"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var turn coach.Turn
	decode(t, w, &turn)
	if !turn.InterventionTriggered {
		t.Error("expected intervention")
	}
	if turn.Response != svc.Script().SafetyMessage {
		t.Errorf("expected safety reply, got %q", turn.Response)
	}
}

func TestServer_NewCoachingPage(t *testing.T) {
	srv, svc := newTestServer(t)

	w := do(srv.Handler(), "GET", "/coaching", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if svc.Registry().Len() != 1 {
		t.Errorf("expected 1 session, got %d", svc.Registry().Len())
	}
	sess := svc.Registry().List()[0]
	if !strings.Contains(w.Body.String(), sess.ID) {
		t.Error("expected chat page to contain the session id")
	}
}

func TestServer_SessionPageOpensUnknownID(t *testing.T) {
	srv, svc := newTestServer(t)

	w := do(srv.Handler(), "GET", "/coaching-session/link-from-mail_42", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	sess, err := svc.Registry().Get("link-from-mail_42")
	if err != nil {
		t.Fatalf("expected session under the requested id: %v", err)
	}
	if sess.ThreadRef != "thread_test" {
		t.Errorf("expected thread_test, got %q", sess.ThreadRef)
	}

	// A second visit shows the same session.
	w = do(srv.Handler(), "GET", "/coaching-session/link-from-mail_42", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if n := len(svc.Registry().List()); n != 1 {
		t.Errorf("expected 1 session, got %d", n)
	}
}

func TestServer_SessionPageInvalidID(t *testing.T) {
	srv, svc := newTestServer(t)

	for _, id := range []string{"has%20space", strings.Repeat("a", 65)} {
		w := do(srv.Handler(), "GET", "/coaching-session/"+id, "", "")
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected status 404, got %d", id, w.Code)
		}
		if !strings.Contains(w.Body.String(), "Session nicht gefunden") {
			t.Errorf("%s: expected error page", id)
		}
	}
	if n := len(svc.Registry().List()); n != 0 {
		t.Errorf("expected no sessions, got %d", n)
	}
}

func TestServer_SessionPageOracleDown(t *testing.T) {
	reg := session.NewRegistry()
	svc := coach.NewService(reg, &stubOracle{threadErr: errors.New("connection refused")}, &stubNotifier{}, coaching.DefaultScript(), coach.Config{
		OracleTimeout: time.Second,
	})
	t.Cleanup(svc.Wait)
	srv := New(svc, nil)

	w := do(srv.Handler(), "GET", "/coaching-session/abc", "", "")
	if w.Code != http.StatusBadGateway {
		t.Errorf("expected status 502, got %d", w.Code)
	}
	if n := len(reg.List()); n != 0 {
		t.Errorf("expected no sessions, got %d", n)
	}
}

func TestServer_Pages(t *testing.T) {
	srv, svc := newTestServer(t)
	newSession(t, svc)
	h := srv.Handler()

	for _, path := range []string{"/", "/dashboard", "/live-monitoring", "/dsgvo-dashboard"} {
		w := do(h, "GET", path, "", "")
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d", path, w.Code)
		}
		if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("%s: expected html, got %q", path, ct)
		}
	}
}

func TestServer_Takeover(t *testing.T) {
	srv, svc := newTestServer(t)
	sess := newSession(t, svc)
	h := srv.Handler()

	w := do(h, "POST", "/coach-takeover/missing", "application/json", `{}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}

	w = do(h, "POST", "/coach-takeover/"+sess.ID, "application/json", `{"reason":"Rückfrage"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var body map[string]interface{}
	decode(t, w, &body)
	if body["mode"] != string(session.ModeCoach) || body["reason"] != "Rückfrage" {
		t.Errorf("unexpected takeover body %v", body)
	}

	w = do(h, "POST", "/api/chat", "application/json", `{"sessionId":"`+sess.ID+`","message":"Hallo"}`)
	var turn coach.Turn
	decode(t, w, &turn)
	if turn.Response != coach.CoachModeNotice {
		t.Errorf("expected coach notice, got %q", turn.Response)
	}
}

func TestServer_AddNote(t *testing.T) {
	srv, svc := newTestServer(t)
	sess := newSession(t, svc)
	h := srv.Handler()

	w := do(h, "POST", "/add-coach-note/"+sess.ID, "application/json", `{"note":"  "}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	w = do(h, "POST", "/add-coach-note/"+sess.ID, "application/x-www-form-urlencoded", "note=Termin+vereinbaren")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	got, _ := svc.Registry().Get(sess.ID)
	if len(got.Notes) != 1 || got.Notes[0].Text != "Termin vereinbaren" {
		t.Errorf("unexpected notes %+v", got.Notes)
	}

	w = do(h, "POST", "/add-coach-note/missing", "application/json", `{"note":"x"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestServer_DeleteOldSessions(t *testing.T) {
	srv, svc := newTestServer(t)
	sess := newSession(t, svc)
	h := srv.Handler()

	w := do(h, "POST", "/dsgvo/delete-old-sessions", "application/json", `{"days":-1}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	w = do(h, "POST", "/dsgvo/delete-old-sessions", "application/json", `{}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var body struct {
		Days         int      `json:"days"`
		DeletedCount int      `json:"deleted_count"`
		Deleted      []string `json:"deleted_sessions"`
	}
	decode(t, w, &body)
	if body.Days != retention.DefaultDays {
		t.Errorf("expected default days %d, got %d", retention.DefaultDays, body.Days)
	}
	if body.DeletedCount != 0 || body.Deleted == nil {
		t.Errorf("expected nothing deleted, got %+v", body)
	}
	if _, err := svc.Registry().Get(sess.ID); err != nil {
		t.Errorf("fresh session should survive: %v", err)
	}
}

func TestServer_Export(t *testing.T) {
	srv, svc := newTestServer(t)
	sess := newSession(t, svc)
	h := srv.Handler()

	w := do(h, "GET", "/dsgvo/export-data/missing", "", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}

	w = do(h, "GET", "/dsgvo/export-data/"+sess.ID, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	cd := w.Header().Get("Content-Disposition")
	if !strings.Contains(cd, "coaching-export-"+session.ShortID(sess.ID)+".json") {
		t.Errorf("unexpected Content-Disposition %q", cd)
	}
}

func TestServer_Consent(t *testing.T) {
	srv, svc := newTestServer(t)
	sess := newSession(t, svc)
	h := srv.Handler()

	w := do(h, "POST", "/dsgvo/consent", "application/json", `{"consent":true}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	req := httptest.NewRequest("POST", "/dsgvo/consent", strings.NewReader(`{"session_id":"`+sess.ID+`","consent":true}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "203.0.113.42, 10.0.0.1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	got, _ := svc.Registry().Get(sess.ID)
	if !got.Consent.Given {
		t.Error("expected consent recorded")
	}
	if got.Consent.AnonymizedIP != session.AnonymizeIP("203.0.113.42") {
		t.Errorf("unexpected anonymized ip %q", got.Consent.AnonymizedIP)
	}
}

func TestServer_CORSHeaders(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(srv.Handler(), "OPTIONS", "/api/sessions", "", "")
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS Allow-Origin header")
	}
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func dialMonitor(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) protocol.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read message failed: %v", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return msg
}

// readUntil skips messages until one of the wanted type arrives.
func readUntil(t *testing.T, ws *websocket.Conn, msgType string) protocol.Message {
	t.Helper()
	for i := 0; i < 20; i++ {
		if msg := readMessage(t, ws); msg.Type == msgType {
			return msg
		}
	}
	t.Fatalf("no %s message received", msgType)
	return protocol.Message{}
}

func TestServer_WebSocketSessionList(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dialMonitor(t, srv)

	msg := readMessage(t, ws)
	if msg.Type != protocol.TypeSessionList {
		t.Fatalf("expected session.list, got %s", msg.Type)
	}
	var p protocol.SessionListPayload
	json.Unmarshal(msg.Payload, &p)
	if len(p.Sessions) != 0 {
		t.Errorf("expected empty list, got %d", len(p.Sessions))
	}
}

func TestServer_WebSocketReceivesUpdates(t *testing.T) {
	srv, svc := newTestServer(t)
	ws := dialMonitor(t, srv)
	readUntil(t, ws, protocol.TypeSessionList)

	sess := newSession(t, svc)
	if _, err := svc.Chat(context.Background(), sess.ID, "Ich bin verzweifelt"); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	msg := readUntil(t, ws, protocol.TypeSessionIntervention)
	var p protocol.SessionInterventionPayload
	json.Unmarshal(msg.Payload, &p)
	if p.SessionID != sess.ID || p.Trigger != "verzweifelt" {
		t.Errorf("unexpected intervention payload %+v", p)
	}
}

func TestServer_WebSocketInvalidMessage(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dialMonitor(t, srv)
	readUntil(t, ws, protocol.TypeSessionList)

	ws.WriteMessage(websocket.TextMessage, []byte("not json"))

	resp := readMessage(t, ws)
	if resp.Type != protocol.TypeError {
		t.Fatalf("expected error type, got %s", resp.Type)
	}
	var p protocol.ErrorPayload
	json.Unmarshal(resp.Payload, &p)
	if p.Code != protocol.ErrInvalidMessage {
		t.Errorf("expected code %s, got %s", protocol.ErrInvalidMessage, p.Code)
	}
}

func TestServer_WebSocketUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dialMonitor(t, srv)
	readUntil(t, ws, protocol.TypeSessionList)

	msg := map[string]interface{}{
		"type":      protocol.TypeCoachNote,
		"payload":   map[string]interface{}{"sessionId": "missing", "note": "Rückruf"},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(msg)
	ws.WriteMessage(websocket.TextMessage, data)

	resp := readUntil(t, ws, protocol.TypeError)
	var p protocol.ErrorPayload
	json.Unmarshal(resp.Payload, &p)
	if p.Code != protocol.ErrSessionNotFound {
		t.Errorf("expected code %s, got %s", protocol.ErrSessionNotFound, p.Code)
	}
}

func TestServer_WebSocketTakeover(t *testing.T) {
	srv, svc := newTestServer(t)
	sess := newSession(t, svc)
	ws := dialMonitor(t, srv)
	readUntil(t, ws, protocol.TypeSessionList)

	msg := map[string]interface{}{
		"type":      protocol.TypeSessionTakeover,
		"payload":   map[string]interface{}{"sessionId": sess.ID, "reason": "Live"},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(msg)
	ws.WriteMessage(websocket.TextMessage, data)

	for i := 0; i < 20; i++ {
		update := readUntil(t, ws, protocol.TypeSessionUpdate)
		var p protocol.SessionUpdatePayload
		json.Unmarshal(update.Payload, &p)
		if p.ID == sess.ID && p.Mode == string(session.ModeCoach) {
			return
		}
	}
	t.Fatal("expected coach_mode update")
}
