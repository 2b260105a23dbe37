// Package conversation provides an append-only log of channel messages,
// kept separate from the distilled, queryable memories in package memory.
package conversation

import (
	conductor "github.com/sra/conductor"
)

// Role identifies the speaker of a logged message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a channel's conversation log.
type Message struct {
	ID         string
	ChannelID  conductor.ChannelId
	Role       Role
	SenderName string
	SenderID   string
	Content    string
	Metadata   map[string]string
	CreatedAt  int64
}
