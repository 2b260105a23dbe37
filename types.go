// Package conductor is a multi-tenant conversational agent runtime: it
// receives messages from heterogeneous chat/email/webhook platforms, routes
// each to a per-conversation channel backed by an LLM, persists conversation
// history and distilled memories, and delivers replies back through the
// originating (or a different) platform.
package conductor

import "encoding/json"

// ChannelId is an opaque, shared-immutable conversation identifier,
// conventionally "{platform}:{scope...}" (e.g. "telegram:123456789",
// "discord:guild:{guild_id}:{channel_id}", "cron:{job_id}",
// "webhook:{conversation_id}"). The core never parses a ChannelId; only the
// adapter that produced it knows how to turn it back into a platform target.
type ChannelId string

// MessageContent is the payload of an InboundMessage: either plain text or
// text accompanied by an ordered list of attachments.
type MessageContent struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment describes a file referenced by an inbound or outbound message.
type Attachment struct {
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	URL       string `json:"url,omitempty"`
	SizeBytes int64  `json:"size_bytes"`
	Data      []byte `json:"-"` // populated when the adapter has the bytes in hand
}

// InboundMessage is a single event emitted by a messaging adapter.
type InboundMessage struct {
	ID              string            `json:"id"`
	Source          string            `json:"source"` // platform tag, e.g. "telegram", "cron"
	Adapter         string            `json:"adapter"` // runtime key of the emitting adapter instance
	ConversationID  ChannelId         `json:"conversation_id"`
	SenderID        string            `json:"sender_id"`
	AgentID         string            `json:"agent_id,omitempty"` // routing override
	Content         MessageContent    `json:"content"`
	Timestamp       int64             `json:"timestamp"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	FormattedAuthor string            `json:"formatted_author,omitempty"`
}

// OutboundResponseKind tags the variant carried by an OutboundResponse.
// This is a closed enum: adding a kind requires every adapter to decide a
// graceful fallback (see messaging.Adapter implementations).
type OutboundResponseKind int

const (
	KindText OutboundResponseKind = iota
	KindRichMessage
	KindThreadReply
	KindFile
	KindReaction
	KindRemoveReaction
	KindStatus
	KindStreamStart
	KindStreamChunk
	KindStreamEnd
	KindEphemeral
	KindScheduledMessage
)

// StatusKind enumerates the Status variant's sub-states.
type StatusKind int

const (
	StatusThinking StatusKind = iota
)

// OutboundResponse is a tagged variant describing a single reply. Adapters
// implement whatever subset of kinds makes sense for their platform and
// degrade gracefully for the rest (see messaging package doc comment).
type OutboundResponse struct {
	Kind OutboundResponseKind

	Text string // Text, RichMessage.text, ThreadReply.text, StreamChunk, Ephemeral.text, ScheduledMessage.text

	// RichMessage
	Poll *Poll

	// ThreadReply
	ThreadName string

	// File
	Filename string
	Bytes    []byte
	MimeType string
	Caption  string

	// Reaction / RemoveReaction
	Emoji string

	// Status
	Status StatusKind

	// Ephemeral
	TargetUser string

	// ScheduledMessage
	PostAtUnix int64
}

// Poll is the optional payload of a RichMessage.
type Poll struct {
	Question string
	Options  []string
}

func TextResponse(text string) OutboundResponse { return OutboundResponse{Kind: KindText, Text: text} }

// --- LLM protocol types (the abstract "prompt an agent" contract) ---

type ChatMessage struct {
	Role        string          `json:"role"` // "system", "user", "assistant", "tool"
	Content     string          `json:"content"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	ToolCalls   []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID  string          `json:"tool_call_id,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

type ToolCall struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type ResponseSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

type ChatRequest struct {
	Messages       []ChatMessage   `json:"messages"`
	ResponseSchema *ResponseSchema `json:"response_schema,omitempty"`
}

type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// --- Ingestion domain types, shared with the memory subsystem ---

type Document struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Source    string `json:"source"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage      { return ChatMessage{Role: "user", Content: text} }
func SystemMessage(text string) ChatMessage    { return ChatMessage{Role: "system", Content: text} }
func AssistantMessage(text string) ChatMessage { return ChatMessage{Role: "assistant", Content: text} }
func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
