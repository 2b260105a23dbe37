// Package conductor is a multi-tenant conversational agent runtime.
//
// It provides modular, interface-driven building blocks: LLM providers,
// embedding providers, document/chunk storage, long-term memory, a tool
// execution system, a document ingestion pipeline, and messaging adapters
// for heterogeneous chat platforms.
//
// # Core interfaces
//
// The root package defines the contracts every component implements:
//
//   - [Provider] — LLM backend (chat, tool calling, streaming)
//   - [EmbeddingProvider] — text-to-vector embedding
//   - [Store] — document/chunk persistence for ingestion
//   - [Tool] — pluggable capability for LLM function calling
//   - [Agent] — a unit of work; LLMAgent and Network both implement it
//
// Conversation history, distilled memories, and scheduled jobs each have
// their own store in the conversation, memory, and scheduler packages,
// rather than being folded into one god-interface.
//
// # Included implementations
//
// Storage: store/sqlite (local), store/postgres (pgvector).
// Messaging: messaging/telegram, messaging/discord, messaging/slack,
// messaging/twitch, messaging/email, messaging/webhook.
// Tools: tools/memorytool, tools/knowledge, tools/schedule,
// tools/sendmessage, tools/status, tools/shell, tools/file.
// Providers: provider/openaicompat behind provider/resolve.
//
// See cmd/conductor for a complete reference wiring of these pieces.
package conductor
