// Package ai provides the prompt, streaming and code extraction pieces of a code-editing chat turn.
package ai

import (
	"fmt"
	"strings"
)

// Role identifies the author of a message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single chat message
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Conversation is an ordered, chronological list of messages
type Conversation []Message

// Clone returns a copy of the conversation that shares no backing array with c
func (c Conversation) Clone() Conversation {
	if c == nil {
		return nil
	}
	out := make(Conversation, len(c))
	copy(out, c)
	return out
}

// Last returns the final message, or false if the conversation is empty
func (c Conversation) Last() (Message, bool) {
	if len(c) == 0 {
		return Message{}, false
	}
	return c[len(c)-1], true
}

// Validate checks that every message has a known role
func (c Conversation) Validate() error {
	for i, m := range c {
		if !m.Role.Valid() {
			return fmt.Errorf("message %d has unknown role '%s'", i, m.Role)
		}
	}
	return nil
}

// Turn is one role/content entry of a model request. Only user and assistant roles are valid here; system text goes
// into Request.System
type Turn struct {
	Role    Role
	Content string
}

// Request is a single streaming model call
type Request struct {
	Model     string
	MaxTokens int64
	System    string
	Turns     []Turn
}

// ImageRequest is a non-streaming image+text model call
type ImageRequest struct {
	Model     string
	MaxTokens int64
	MediaType string // e.g. "image/png"
	ImageData string // base64 encoded
	Prompt    string
}

// systemText joins the content of all system messages
func systemText(msgs []Message) string {
	var parts []string
	for _, m := range msgs {
		if m.Role == RoleSystem && strings.TrimSpace(m.Content) != "" {
			parts = append(parts, strings.TrimSpace(m.Content))
		}
	}
	return strings.Join(parts, "\n\n")
}
