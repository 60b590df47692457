// Package bus defines the message types that flow between channels, the
// security router, and the completion pipeline.
package bus

import (
	"fmt"
	"strings"
	"time"

	"github.com/bdobrica/ax/internal/session"
)

// Attachment describes a file referenced by a message. Attachments carry
// metadata only; bytes never flow through the router.
type Attachment struct {
	Filename string `json:"filename"`
	MIME     string `json:"mime"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}

// InboundMessage is one user (or scheduler) message entering the host.
type InboundMessage struct {
	ID          string          `json:"id"`
	Session     session.Address `json:"session"`
	Sender      string          `json:"sender"`
	Content     string          `json:"content"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	ReplyTo     string          `json:"replyTo,omitempty"`
	IsMention   bool            `json:"isMention,omitempty"`
}

// Validate enforces the inbound content contract: UTF-8 with no null bytes.
func (m *InboundMessage) Validate() error {
	if strings.ContainsRune(m.Content, 0) {
		return fmt.Errorf("inbound message: content contains null byte")
	}
	return m.Session.Validate()
}

// Turn is one prompt-history entry handed to the agent.
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
	Sender  string `json:"sender,omitempty"`
}

// OutboundMessage is one reply leaving the host toward a channel.
type OutboundMessage struct {
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyTo     string       `json:"replyTo,omitempty"`
}
