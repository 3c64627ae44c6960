// Package signal implements the persistent asynchronous message bus between
// worker roles: per-owner mailboxes, broadcast, priorities, TTL expiry,
// acknowledgment, threading, and synchronous handler dispatch.
package signal

import (
	"time"

	"github.com/google/uuid"
)

// Broadcast is the reserved recipient that fans a message out to every known
// mailbox owner except the sender.
const Broadcast = "broadcast"

// Priority orders inbox delivery. Urgent sorts first.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns the sort key for a priority; lower ranks sort first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Status is the delivery state of a message.
type Status string

const (
	StatusPending      Status = "pending"
	StatusDelivered    Status = "delivered"
	StatusRead         Status = "read"
	StatusAcknowledged Status = "acknowledged"
	StatusExpired      Status = "expired"
	StatusFailed       Status = "failed"
)

// Message is one signal between workers. Messages are immutable after
// acknowledgment.
type Message struct {
	ID        string   `json:"id"`
	Sender    string   `json:"sender"`
	Recipient string   `json:"recipient"`
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`
	Priority  Priority `json:"priority"`
	Status    Status   `json:"status"`

	CreatedAt      time.Time  `json:"created_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`

	ThreadID    string `json:"thread_id,omitempty"`
	ReplyTo     string `json:"reply_to,omitempty"`
	RequiresAck bool   `json:"requires_ack,omitempty"`

	WorkItemID  string   `json:"work_item_id,omitempty"`
	ConvoyID    string   `json:"convoy_id,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

// newMessage builds a pending message with a fresh id and thread.
func newMessage(sender, recipient, subject, body string, priority Priority) *Message {
	id := uuid.New().String()
	return &Message{
		ID:        id,
		Sender:    sender,
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
		ThreadID:  id, // root of a new thread is its own id
	}
}

// expired reports whether the message TTL has elapsed.
func (m *Message) expired(now time.Time) bool {
	return m.ExpiresAt != nil && m.ExpiresAt.Before(now)
}

// Clone returns a copy safe for callers to hold.
func (m *Message) Clone() *Message {
	c := *m
	c.Attachments = append([]string(nil), m.Attachments...)
	return &c
}

// Mailbox holds the ordered message-id lists for one owner.
type Mailbox struct {
	Owner    string   `json:"owner"`
	Inbox    []string `json:"inbox"`
	Outbox   []string `json:"outbox"`
	Archived []string `json:"archived"`
}

func (mb *Mailbox) inInbox(id string) bool {
	for _, mid := range mb.Inbox {
		if mid == id {
			return true
		}
	}
	return false
}

func (mb *Mailbox) removeFromInbox(id string) {
	out := mb.Inbox[:0]
	for _, mid := range mb.Inbox {
		if mid != id {
			out = append(out, mid)
		}
	}
	mb.Inbox = out
}
