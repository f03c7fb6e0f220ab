// Package telegram adapts the Bot API to the engine: inbound webhook updates
// become tagged ChatEvent variants, outbound messages go through Notifier.
package telegram

import (
	"strconv"
	"strings"
	"time"

	"rollcall/internal/domain"
)

// Update mirrors the subset of the Bot API update payload the engine needs.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

type Message struct {
	MessageID       int64     `json:"message_id"`
	From            *User     `json:"from"`
	Date            int64     `json:"date"`
	Chat            Chat      `json:"chat"`
	Text            string    `json:"text"`
	IsTopicMessage  bool      `json:"is_topic_message"`
	MessageThreadID int64     `json:"message_thread_id"`
	ReplyToMessage  *Message  `json:"reply_to_message"`
	ForumTopic      *NewTopic `json:"forum_topic_created"`
}

type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type NewTopic struct {
	Name string `json:"name"`
}

const checkCommand = "/check"

// ToChatEvent converts an update into the engine's event variant. Commands
// are recognized in any chat; topic messages require a resolvable topic name.
func ToChatEvent(u Update) domain.ChatEvent {
	msg := u.Message
	if msg == nil {
		return domain.OtherMessage{}
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	sender := ""
	if msg.From != nil {
		sender = msg.From.FirstName
		if msg.From.Username != "" {
			sender = msg.From.Username
		}
	}
	text := strings.TrimSpace(msg.Text)
	if cmd, arg, ok := parseCommand(text); ok {
		return domain.CommandMessage{ChatID: chatID, Command: cmd, Topic: arg, Sender: sender}
	}
	topic := topicName(msg)
	if topic == "" {
		return domain.OtherMessage{ChatID: chatID}
	}
	return domain.TopicMessage{
		ChatID:    chatID,
		MessageID: msg.MessageID,
		Topic:     topic,
		Text:      msg.Text,
		Sender:    sender,
		Timestamp: time.Unix(msg.Date, 0),
	}
}

// topicName resolves the forum topic a message belongs to. The Bot API does
// not repeat the name on every message; it appears on the thread-starter
// service message the update links via reply_to_message.
func topicName(msg *Message) string {
	if !msg.IsTopicMessage {
		return ""
	}
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.ForumTopic != nil {
		return msg.ReplyToMessage.ForumTopic.Name
	}
	return ""
}

func parseCommand(text string) (cmd, arg string, ok bool) {
	if !strings.HasPrefix(text, checkCommand) {
		return "", "", false
	}
	rest := text[len(checkCommand):]
	// strip the @botname suffix used in group chats
	if strings.HasPrefix(rest, "@") {
		if i := strings.IndexAny(rest, " \t"); i >= 0 {
			rest = rest[i:]
		} else {
			rest = ""
		}
	} else if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return "", "", false
	}
	return "check", strings.TrimSpace(rest), true
}
