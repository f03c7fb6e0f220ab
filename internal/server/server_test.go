package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"rollcall/internal/config"
	"rollcall/internal/db"
	"rollcall/internal/domain"
	"rollcall/internal/engine"
	"rollcall/internal/migrate"
)

const (
	testJWTSecret     = "test-jwt-secret"
	testWebhookSecret = "test-webhook-secret"
)

var testNow = time.Date(2025, 9, 1, 12, 0, 0, 0, time.Local)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
	chats    []string
}

func (n *recordingNotifier) Send(_ context.Context, chatID, text string, _ bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chats = append(n.chats, chatID)
	n.messages = append(n.messages, text)
	return nil
}

func (n *recordingNotifier) last() (string, string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.messages) == 0 {
		return "", "", false
	}
	return n.chats[len(n.chats)-1], n.messages[len(n.messages)-1], true
}

type testServer struct {
	URL      string
	client   *http.Client
	notifier *recordingNotifier
	engine   *engine.Engine
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	e, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	e.Now = func() time.Time { return testNow }
	ctx := context.Background()
	policies := []domain.TopicPolicy{
		{Topic: "Отчёт", Deadline: "18:00", Active: true},
		{Topic: "Планы", Deadline: "09:30", Active: true},
	}
	if err := e.ImportPolicies(ctx, policies); err != nil {
		t.Fatalf("import policies: %v", err)
	}
	roster := []string{"Иванов Пётр", "Сидорова Анна"}
	if err := e.ImportRoster(ctx, roster); err != nil {
		t.Fatalf("import roster: %v", err)
	}

	notifier := &recordingNotifier{}
	handler, err := New(Config{
		Engine:        e,
		Notifier:      notifier,
		BasePath:      "/v0",
		Auth:          AuthConfig{JWTSecret: testJWTSecret},
		WebhookSecret: testWebhookSecret,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:      "http://" + ln.Addr().String(),
		client:   &http.Client{},
		notifier: notifier,
		engine:   e,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func operatorToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "ops"})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func authHeader(t *testing.T) map[string]string {
	return map[string]string{"Authorization": "Bearer " + operatorToken(t)}
}

func topicUpdate(msgID int64, text, topic string, at time.Time) map[string]any {
	return map[string]any{
		"update_id": msgID,
		"message": map[string]any{
			"message_id":        msgID,
			"date":              at.Unix(),
			"text":              text,
			"is_topic_message":  true,
			"message_thread_id": 7,
			"chat":              map[string]any{"id": -1001234567890, "type": "supergroup"},
			"from":              map[string]any{"id": 42, "first_name": "Пётр", "username": "pivanov"},
			"reply_to_message": map[string]any{
				"message_id":          7,
				"forum_topic_created": map[string]any{"name": topic},
			},
		},
	}
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	var body map[string]string
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body: %s", string(data))
	}
}

func TestOperatorAPIRequiresToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/records", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.StatusCode)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/records", nil, authHeader(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("records status %d: %s", res.StatusCode, string(data))
	}
}

func TestWebhookRejectsBadSecret(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/telegram/webhook",
		topicUpdate(1, "#Иванов_Пётр отчёт готов", "Отчёт", testNow),
		map[string]string{"X-Telegram-Bot-Api-Secret-Token": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad secret, got %d", res.StatusCode)
	}
}

func TestWebhookRecordsTopicMessage(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	secret := map[string]string{"X-Telegram-Bot-Api-Secret-Token": testWebhookSecret}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/telegram/webhook",
		topicUpdate(100, "#Иванов_Пётр отчёт готов", "Отчёт", testNow), secret)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("webhook status %d: %s", res.StatusCode, string(data))
	}

	day := testNow.Format("2006-01-02")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/records?day="+day+"&topic=%D0%9E%D1%82%D1%87%D1%91%D1%82", nil, authHeader(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("records status %d: %s", res.StatusCode, string(data))
	}
	var records []domain.SubmissionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("unmarshal records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d: %s", len(records), string(data))
	}
	rec := records[0]
	if rec.Participant != "Иванов Пётр" {
		t.Fatalf("unexpected participant %q", rec.Participant)
	}
	if rec.Status != domain.StatusOnTime {
		t.Fatalf("expected on_time, got %q", rec.Status)
	}
	if !strings.Contains(rec.Link, "/100") {
		t.Fatalf("expected message link with id, got %q", rec.Link)
	}
}

func TestWebhookCheckCommandReplies(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	secret := map[string]string{"X-Telegram-Bot-Api-Secret-Token": testWebhookSecret}

	update := map[string]any{
		"update_id": 200,
		"message": map[string]any{
			"message_id": 200,
			"date":       testNow.Unix(),
			"text":       "/check Отчёт",
			"chat":       map[string]any{"id": -1001234567890, "type": "supergroup"},
			"from":       map[string]any{"id": 42, "first_name": "Пётр"},
		},
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/telegram/webhook", update, secret)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("webhook status %d: %s", res.StatusCode, string(data))
	}
	chat, reply, ok := srv.notifier.last()
	if !ok {
		t.Fatal("expected a command reply")
	}
	if chat != "-1001234567890" {
		t.Fatalf("reply went to chat %q", chat)
	}
	if !strings.Contains(reply, "Отчёт") || !strings.Contains(reply, "Иванов Пётр") {
		t.Fatalf("unexpected reply: %q", reply)
	}
}

func TestWebhookCheckUnknownTopic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	secret := map[string]string{"X-Telegram-Bot-Api-Secret-Token": testWebhookSecret}

	update := map[string]any{
		"update_id": 201,
		"message": map[string]any{
			"message_id": 201,
			"date":       testNow.Unix(),
			"text":       "/check Несуществует",
			"chat":       map[string]any{"id": -1001234567890, "type": "supergroup"},
		},
	}
	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/telegram/webhook", update, secret)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("webhook status %d", res.StatusCode)
	}
	_, reply, ok := srv.notifier.last()
	if !ok {
		t.Fatal("expected a reply for unknown topic")
	}
	if !strings.Contains(reply, "not found") {
		t.Fatalf("unexpected reply: %q", reply)
	}

	day := testNow.Format("2006-01-02")
	records, err := srv.engine.Repo.RecordsByDay(context.Background(), day)
	if err != nil {
		t.Fatalf("records by day: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("unknown topic sweep must not touch the ledger, got %d records", len(records))
	}
}

func TestRunSweepEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sweeps?topic=%D0%9E%D1%82%D1%87%D1%91%D1%82", nil, authHeader(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sweep status %d: %s", res.StatusCode, string(data))
	}
	var body sweepResponse
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal sweep: %v", err)
	}
	if body.TriggeredBy != "ops" {
		t.Fatalf("triggered_by = %q", body.TriggeredBy)
	}
	if len(body.Results) != 1 || len(body.Results[0].Missing) != 2 {
		t.Fatalf("unexpected sweep results: %s", string(data))
	}
	if !strings.Contains(body.Report, "Missing") {
		t.Fatalf("unexpected report: %q", body.Report)
	}

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sweeps?topic=Unknown", nil, authHeader(t))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown topic, got %d", res.StatusCode)
	}
}
