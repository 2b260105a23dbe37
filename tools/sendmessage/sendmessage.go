// Package sendmessage implements the send_message tool: deliver text to a
// conversation other than the one the agent is answering, through the
// messaging manager's broadcast path.
package sendmessage

import (
	"context"
	"encoding/json"
	"fmt"

	conductor "github.com/sra/conductor"
	"github.com/sra/conductor/messaging"
)

// Broadcaster delivers a response to a platform target. Implemented by
// messaging.Manager.
type Broadcaster interface {
	Broadcast(ctx context.Context, platform, target string, resp conductor.OutboundResponse) error
}

// Tool sends messages to other channels.
type Tool struct {
	mgr Broadcaster
}

// New creates a send_message Tool delivering through mgr.
func New(mgr Broadcaster) *Tool {
	return &Tool{mgr: mgr}
}

func (t *Tool) Definitions() []conductor.ToolDefinition {
	return []conductor.ToolDefinition{{
		Name:        "send_message",
		Description: "Send a message to a different conversation or channel. Use when the user asks to notify, forward, or post something somewhere other than this conversation.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"target":{"type":"string","description":"Where to send, as \"adapter:target\" (e.g. \"discord:dm:123456789\", \"telegram:-100200300\", \"slack:C024BE91L\", \"email:alice@example.com\")"},
			"message":{"type":"string","description":"The text to send"}
		},"required":["target","message"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (conductor.ToolResult, error) {
	var params struct {
		Target  string `json:"target"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return conductor.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.Message == "" {
		return conductor.ToolResult{Error: "message is required"}, nil
	}

	target, err := messaging.ParseTarget(params.Target)
	if err != nil {
		return conductor.ToolResult{Error: err.Error()}, nil
	}
	if err := t.mgr.Broadcast(ctx, target.Platform, target.Dest, conductor.TextResponse(params.Message)); err != nil {
		return conductor.ToolResult{Error: err.Error()}, nil
	}
	return conductor.ToolResult{Content: fmt.Sprintf("Sent to %s:%s.", target.Platform, target.Dest)}, nil
}
