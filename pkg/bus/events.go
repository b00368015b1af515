package bus

import (
	"context"
	"time"
)

// EventType tags an inbound event with its source semantics.
type EventType string

const (
	EventChatMessage    EventType = "chat_message"
	EventWebhookMessage EventType = "webhook_message"
	EventWebhookLog     EventType = "webhook_log"
	EventWebhookNotify  EventType = "webhook_notify"
	EventWebhookDiscord EventType = "webhook_discord"
	EventJobStatus      EventType = "job_status"
	EventSecurity       EventType = "security"
)

// InboundEvent is the dispatcher's unit of work. Events are immutable once
// published; consumers never write back into them.
type InboundEvent struct {
	Type     EventType         `json:"type"`
	Channel  string            `json:"channel,omitempty"`
	SenderID string            `json:"sender_id,omitempty"`
	RoomID   string            `json:"room_id,omitempty"`
	// Direct marks RoomID as a user identifier to deliver to as a DM.
	Direct   bool              `json:"direct,omitempty"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Job      *JobNotice        `json:"job,omitempty"`
	At       time.Time         `json:"at"`
}

// JobNotice carries a download job status change into the dispatcher.
type JobNotice struct {
	JobID    string   `json:"job_id"`
	OwnerID  string   `json:"owner_id"`
	RoomID   string   `json:"room_id"`
	Filename string   `json:"filename"`
	State    string   `json:"state"`
	Links    []string `json:"links,omitempty"`
}

// OutboundMessage is one send request toward a chat destination.
type OutboundMessage struct {
	Channel string `json:"channel"`
	Target  string `json:"target"`
	Direct  bool   `json:"direct,omitempty"`
	Content string `json:"content"`
}

// DestinationKey identifies the ordering domain for outbound sends: all
// messages sharing a key are delivered in submission order.
func (m OutboundMessage) DestinationKey() string {
	return m.Channel + "/" + m.Target
}

// SubmitFunc hands an event to the dispatcher queue. It reports false when
// the queue is shut down or the context expired while waiting for space.
type SubmitFunc func(ctx context.Context, ev InboundEvent) bool
