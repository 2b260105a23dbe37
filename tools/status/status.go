// Package status implements the set_status tool: background work reports a
// short progress note that surfaces in its channel's status block. The
// report travels over the event bus, so the channel runtime (and anything
// else subscribed) observes it without the tool holding a runtime handle.
package status

import (
	"context"
	"encoding/json"

	conductor "github.com/sra/conductor"
)

// Tool publishes worker status updates for one channel.
type Tool struct {
	bus       *conductor.Bus
	channelID conductor.ChannelId
}

// New creates a set_status Tool reporting for channelID on bus.
func New(bus *conductor.Bus, channelID conductor.ChannelId) *Tool {
	return &Tool{bus: bus, channelID: channelID}
}

func (t *Tool) Definitions() []conductor.ToolDefinition {
	return []conductor.ToolDefinition{{
		Name:        "set_status",
		Description: "Report a one-line status of what you are currently working on, shown to the user while longer work runs. Keep it short.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"status":{"type":"string","description":"What is happening right now, e.g. \"searching the archive\""}
		},"required":["status"]}`),
	}}
}

func (t *Tool) Execute(_ context.Context, _ string, args json.RawMessage) (conductor.ToolResult, error) {
	var params struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return conductor.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	t.bus.Publish(conductor.ProcessEvent{
		Kind:      conductor.EventWorkerStatus,
		ChannelID: t.channelID,
		Status:    conductor.TruncateStatus(params.Status),
	})
	return conductor.ToolResult{Content: "Status updated."}, nil
}
