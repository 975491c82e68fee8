package domain

import (
	"strconv"
	"sync/atomic"
	"time"
)

// Sender identifies who authored a chat message.
type Sender string

const (
	SenderSelf    Sender = "self"
	SenderPartner Sender = "partner"
	SenderSystem  Sender = "system"
)

// System notices shown in the message log.
const (
	GreetingText         = "You are now connected with a stranger. Say hello!"
	PartnerLeftText      = "Stranger has disconnected."
	ConnectionLostText   = "Connection to stranger was lost."
	AssistantFailedText  = "The stranger stopped responding."
	AssistantUnavailable = "No strangers are available right now."
)

var messageSeq atomic.Uint64

// Message is a single entry in a session's message log.
type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Sender    Sender    `json:"sender"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage creates a message with a process-unique ID.
func NewMessage(sender Sender, text string) Message {
	now := time.Now()
	return Message{
		ID:        strconv.FormatInt(now.UnixMilli(), 10) + "-" + strconv.FormatUint(messageSeq.Add(1), 10),
		Text:      text,
		Sender:    sender,
		CreatedAt: now,
	}
}

// SystemMessage creates a system notice.
func SystemMessage(text string) Message {
	return NewMessage(SenderSystem, text)
}

// Turn is one conversation turn sent to the assistant backend.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation roles understood by the assistant backend.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// TurnsFromMessages converts a message log into assistant turns, dropping system notices.
func TurnsFromMessages(messages []Message) []Turn {
	turns := make([]Turn, 0, len(messages))
	for _, m := range messages {
		switch m.Sender {
		case SenderSelf:
			turns = append(turns, Turn{Role: RoleUser, Content: m.Text})
		case SenderPartner:
			turns = append(turns, Turn{Role: RoleModel, Content: m.Text})
		}
	}
	return turns
}
