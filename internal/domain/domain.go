package domain

import "time"

// Status is the terminal compliance state for a (day, topic, participant) triple.
type Status string

const (
	StatusOnTime Status = "on_time"
	StatusLate   Status = "late"
	StatusAbsent Status = "absent"
)

// AbsentTime is the sentinel event time stored on sweeper-written records.
const AbsentTime = "—"

type TopicPolicy struct {
	Topic    string `json:"topic"`
	Deadline string `json:"deadline"`
	Active   bool   `json:"active"`
	ChatID   string `json:"chat_id,omitempty"`
}

type Participant struct {
	Name     string `json:"name"`
	Position int    `json:"position"`
}

type SubmissionRecord struct {
	ID          string `json:"id"`
	Day         string `json:"day" format:"date"`
	Topic       string `json:"topic"`
	Participant string `json:"participant"`
	Status      Status `json:"status" enum:"on_time,late,absent"`
	EventTime   string `json:"event_time"`
	Link        string `json:"link,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// SweepResult is the per-topic outcome of one reconciliation pass. Missing
// preserves roster order and is empty when every participant has a record.
type SweepResult struct {
	Topic    string   `json:"topic"`
	Deadline string   `json:"deadline"`
	Missing  []string `json:"missing"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	Topic       string `json:"topic,omitempty"`
	Participant string `json:"participant,omitempty"`
	Payload     string `json:"payload_json"`
}

// ChatEvent is the tagged variant produced by the transport adapter. The
// engine switches on the concrete type instead of probing optional fields.
type ChatEvent interface {
	chatEvent()
}

// TopicMessage is a message posted inside a named forum topic.
type TopicMessage struct {
	ChatID    string
	MessageID int64
	Topic     string
	Text      string
	Sender    string
	Timestamp time.Time
}

// CommandMessage is an operator command ("/check", "/check <topic>").
type CommandMessage struct {
	ChatID  string
	Command string
	Topic   string
	Sender  string
}

// OtherMessage is anything the engine has no use for.
type OtherMessage struct {
	ChatID string
}

func (TopicMessage) chatEvent()   {}
func (CommandMessage) chatEvent() {}
func (OtherMessage) chatEvent()   {}
