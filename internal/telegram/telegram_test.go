package telegram_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"rollcall/internal/domain"
	"rollcall/internal/retry"
	"rollcall/internal/telegram"
)

func decodeUpdate(t *testing.T, raw string) telegram.Update {
	t.Helper()
	var u telegram.Update
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		t.Fatalf("unmarshal update: %v", err)
	}
	return u
}

func TestToChatEventTopicMessage(t *testing.T) {
	u := decodeUpdate(t, `{
		"update_id": 1,
		"message": {
			"message_id": 42,
			"from": {"id": 7, "first_name": "Пётр"},
			"date": 1700000000,
			"chat": {"id": -1001234567890, "type": "supergroup"},
			"text": "#Иванов_Пётр отчёт",
			"is_topic_message": true,
			"message_thread_id": 5,
			"reply_to_message": {
				"message_id": 5,
				"date": 1690000000,
				"chat": {"id": -1001234567890, "type": "supergroup"},
				"forum_topic_created": {"name": "Отчёт"}
			}
		}
	}`)
	ev := telegram.ToChatEvent(u)
	msg, ok := ev.(domain.TopicMessage)
	if !ok {
		t.Fatalf("expected TopicMessage, got %T", ev)
	}
	if msg.Topic != "Отчёт" || msg.ChatID != "-1001234567890" || msg.MessageID != 42 {
		t.Fatalf("unexpected event: %+v", msg)
	}
	if !msg.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected timestamp: %v", msg.Timestamp)
	}
}

func TestToChatEventCommands(t *testing.T) {
	cases := []struct {
		text  string
		topic string
		isCmd bool
	}{
		{"/check", "", true},
		{"/check Отчёт", "Отчёт", true},
		{"/check@rollcall_bot Отчёт", "Отчёт", true},
		{"/checkup", "", false},
		{"hello", "", false},
	}
	for _, tc := range cases {
		u := telegram.Update{Message: &telegram.Message{
			Chat: telegram.Chat{ID: 100, Type: "private"},
			Text: tc.text,
			Date: 1700000000,
		}}
		ev := telegram.ToChatEvent(u)
		cmd, ok := ev.(domain.CommandMessage)
		if ok != tc.isCmd {
			t.Errorf("text %q: command=%v, want %v", tc.text, ok, tc.isCmd)
			continue
		}
		if ok && cmd.Topic != tc.topic {
			t.Errorf("text %q: topic %q, want %q", tc.text, cmd.Topic, tc.topic)
		}
	}
}

func TestToChatEventPlainMessage(t *testing.T) {
	u := telegram.Update{Message: &telegram.Message{
		Chat: telegram.Chat{ID: 100, Type: "group"},
		Text: "just chatter",
	}}
	if _, ok := telegram.ToChatEvent(u).(domain.OtherMessage); !ok {
		t.Fatal("expected OtherMessage for non-topic chatter")
	}
	if _, ok := telegram.ToChatEvent(telegram.Update{}).(domain.OtherMessage); !ok {
		t.Fatal("expected OtherMessage for empty update")
	}
}

func TestNotifierSendRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "flaky", http.StatusBadGateway)
			return
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["chat_id"] != "741" || req["parse_mode"] != "Markdown" {
			t.Errorf("unexpected request body: %v", req)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := telegram.NewNotifier("test-token", srv.URL)
	n.Retry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}
	if err := n.Send(context.Background(), "741", "*report*", true); err != nil {
		t.Fatalf("send: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestNotifierSendFinalFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := telegram.NewNotifier("test-token", srv.URL)
	n.Retry = retry.Policy{Attempts: 2, BaseDelay: time.Millisecond}
	if err := n.Send(context.Background(), "741", "text", false); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
}
