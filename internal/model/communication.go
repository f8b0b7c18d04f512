package model

import (
	"encoding/json"
	"time"
)

type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
)

func (c Channel) Valid() bool {
	return c == ChannelSMS || c == ChannelWhatsApp || c == ChannelEmail
}

// CommunicationPreferences holds the per-user opt-in flags.
type CommunicationPreferences struct {
	UserID        string    `json:"user_id"`
	Phone         string    `json:"phone,omitempty"`
	Email         string    `json:"email,omitempty"`
	SMSOptIn      bool      `json:"sms_opt_in"`
	WhatsAppOptIn bool      `json:"whatsapp_opt_in"`
	EmailOptIn    bool      `json:"email_opt_in"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (p *CommunicationPreferences) OptedIn(ch Channel) bool {
	if p == nil {
		return false
	}
	switch ch {
	case ChannelSMS:
		return p.SMSOptIn
	case ChannelWhatsApp:
		return p.WhatsAppOptIn
	case ChannelEmail:
		return p.EmailOptIn
	}
	return false
}

// Recipient returns the address used for the channel.
func (p *CommunicationPreferences) Recipient(ch Channel) string {
	if p == nil {
		return ""
	}
	if ch == ChannelEmail {
		return p.Email
	}
	return p.Phone
}

const (
	EventTypeSent   = "sent"
	EventTypeStatus = "status"
	EventTypeReply  = "reply"
)

// CommunicationEvent is one append-only row of a message's delivery history.
type CommunicationEvent struct {
	ID        int64           `json:"id"`
	MessageID string          `json:"message_id"`
	Channel   Channel         `json:"channel"`
	UserID    *string         `json:"user_id,omitempty"`
	EventType string          `json:"event_type"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// OutboundMessage is a single message handed to one channel sender.
type OutboundMessage struct {
	Channel  Channel
	To       string
	Subject  string
	Body     string
	Template string
}
