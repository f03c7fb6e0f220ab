package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"rollcall/internal/retry"
)

const defaultSendTimeout = 10 * time.Second

// Notifier sends messages through the Bot API with bounded retries.
type Notifier struct {
	Token   string
	APIBase string
	Client  *http.Client
	Retry   retry.Policy
}

func NewNotifier(token, apiBase string) *Notifier {
	if apiBase == "" {
		apiBase = "https://api.telegram.org"
	}
	return &Notifier{
		Token:   token,
		APIBase: strings.TrimRight(apiBase, "/"),
		Client:  &http.Client{Timeout: defaultSendTimeout},
		Retry:   retry.Default,
	}
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// Send delivers text to a chat, with Markdown emphasis when markdown is set.
func (n *Notifier) Send(ctx context.Context, chatID, text string, markdown bool) error {
	if n.Token == "" {
		return fmt.Errorf("bot token not configured")
	}
	body := sendMessageRequest{ChatID: chatID, Text: text}
	if markdown {
		body.ParseMode = "Markdown"
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.APIBase, n.Token)
	return n.Retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		res, err := n.Client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
			return fmt.Errorf("sendMessage status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
		}
		return nil
	})
}
