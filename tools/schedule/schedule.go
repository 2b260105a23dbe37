// Package schedule implements the cron_* tools: create, list, toggle,
// trigger, and delete the recurring jobs the scheduler package runs.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	conductor "github.com/sra/conductor"
	"github.com/sra/conductor/scheduler"
)

// Tool manages cron jobs through a scheduler.Scheduler, so every mutation
// goes through the same validation and timer bookkeeping the admin surface
// uses.
type Tool struct {
	sched *scheduler.Scheduler
}

// New creates a schedule Tool driving sched.
func New(sched *scheduler.Scheduler) *Tool {
	return &Tool{sched: sched}
}

func (t *Tool) Definitions() []conductor.ToolDefinition {
	return []conductor.ToolDefinition{
		{
			Name:        "cron_create",
			Description: "Create a recurring (or one-shot) job that runs a prompt on a schedule and delivers the result somewhere. Use when the user wants something done periodically (daily briefings, reminders, recurring summaries).",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"id":{"type":"string","description":"Short unique job id, 1-50 chars of letters/digits/_/-"},
				"prompt":{"type":"string","description":"The prompt to run on each fire"},
				"cron_expr":{"type":"string","description":"Standard 5-field cron expression in UTC (minute hour dom month dow). Mutually exclusive with interval_secs."},
				"interval_secs":{"type":"integer","description":"Fire every N seconds (minimum 60). Mutually exclusive with cron_expr."},
				"delivery_target":{"type":"string","description":"Where to deliver the result, as \"adapter:target\" (e.g. \"discord:dm:123456789\", \"telegram:-100200300\", \"email:alice@example.com\")"},
				"active_hours_start":{"type":"integer","description":"Only run between this hour (0-23) and active_hours_end"},
				"active_hours_end":{"type":"integer","description":"End of the active-hours window (exclusive, 0-23; wraps past midnight when <= start)"},
				"run_once":{"type":"boolean","description":"Disable the job after its first run"},
				"timeout_secs":{"type":"integer","description":"Wall-clock timeout for one execution (default 120)"}
			},"required":["id","prompt","delivery_target"]}`),
		},
		{
			Name:        "cron_list",
			Description: "List every cron job with its schedule, delivery target, enabled state, and last result.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
		{
			Name:        "cron_set_enabled",
			Description: "Enable or disable a cron job by id. Disabling stops its timer immediately.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"id":{"type":"string","description":"The job id"},
				"enabled":{"type":"boolean","description":"true to enable, false to pause"}
			},"required":["id","enabled"]}`),
		},
		{
			Name:        "cron_trigger",
			Description: "Run a cron job once right now, outside its schedule.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"id":{"type":"string","description":"The job id"}
			},"required":["id"]}`),
		},
		{
			Name:        "cron_delete",
			Description: "Delete a cron job permanently, stopping its timer.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"id":{"type":"string","description":"The job id"}
			},"required":["id"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (conductor.ToolResult, error) {
	var result string
	var err error

	switch name {
	case "cron_create":
		result, err = t.handleCreate(ctx, args)
	case "cron_list":
		result, err = t.handleList(ctx)
	case "cron_set_enabled":
		result, err = t.handleSetEnabled(ctx, args)
	case "cron_trigger":
		result, err = t.handleTrigger(ctx, args)
	case "cron_delete":
		result, err = t.handleDelete(ctx, args)
	default:
		return conductor.ToolResult{Error: "unknown tool: " + name}, nil
	}

	if err != nil {
		return conductor.ToolResult{Error: err.Error()}, nil
	}
	return conductor.ToolResult{Content: result}, nil
}

func (t *Tool) handleCreate(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		ID               string `json:"id"`
		Prompt           string `json:"prompt"`
		CronExpr         string `json:"cron_expr"`
		IntervalSecs     int    `json:"interval_secs"`
		DeliveryTarget   string `json:"delivery_target"`
		ActiveHoursStart *int   `json:"active_hours_start"`
		ActiveHoursEnd   *int   `json:"active_hours_end"`
		RunOnce          bool   `json:"run_once"`
		TimeoutSecs      int    `json:"timeout_secs"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if params.CronExpr != "" && params.IntervalSecs != 0 {
		return "", errors.New("cron_expr and interval_secs are mutually exclusive; set one")
	}

	job := scheduler.CronJob{
		ID:               params.ID,
		Prompt:           params.Prompt,
		CronExpr:         params.CronExpr,
		IntervalSecs:     params.IntervalSecs,
		DeliveryTarget:   params.DeliveryTarget,
		ActiveHoursStart: -1,
		ActiveHoursEnd:   -1,
		RunOnce:          params.RunOnce,
		TimeoutSecs:      params.TimeoutSecs,
		Enabled:          true,
	}
	if params.ActiveHoursStart != nil && params.ActiveHoursEnd != nil {
		job.ActiveHoursStart = *params.ActiveHoursStart
		job.ActiveHoursEnd = *params.ActiveHoursEnd
	}

	if err := t.sched.Register(ctx, job); err != nil {
		return "", err
	}
	return fmt.Sprintf("Created cron job %q (%s), delivering to %s.", job.ID, describeSchedule(job), job.DeliveryTarget), nil
}

func (t *Tool) handleList(ctx context.Context) (string, error) {
	jobs, err := t.sched.Jobs(ctx)
	if err != nil {
		return "", err
	}
	if len(jobs) == 0 {
		return "No cron jobs.", nil
	}

	var b strings.Builder
	for _, j := range jobs {
		state := "enabled"
		if !j.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(&b, "- %s [%s] %s -> %s", j.ID, state, describeSchedule(j), j.DeliveryTarget)
		if j.LastResult != "" {
			fmt.Fprintf(&b, " (last: %s)", j.LastResult)
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func (t *Tool) handleSetEnabled(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		ID      string `json:"id"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if err := t.sched.SetEnabled(ctx, params.ID, params.Enabled); err != nil {
		return "", err
	}
	if params.Enabled {
		return fmt.Sprintf("Enabled cron job %q.", params.ID), nil
	}
	return fmt.Sprintf("Disabled cron job %q.", params.ID), nil
}

func (t *Tool) handleTrigger(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if err := t.sched.TriggerNow(ctx, params.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Triggered cron job %q.", params.ID), nil
}

func (t *Tool) handleDelete(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if err := t.sched.Unregister(ctx, params.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Deleted cron job %q.", params.ID), nil
}

func describeSchedule(j scheduler.CronJob) string {
	var s string
	if j.CronExpr != "" {
		s = "cron " + j.CronExpr
	} else {
		s = fmt.Sprintf("every %ds", j.IntervalSecs)
	}
	if j.RunOnce {
		s += ", once"
	}
	if j.HasActiveHours() {
		s += fmt.Sprintf(", %02d-%02dh", j.ActiveHoursStart, j.ActiveHoursEnd)
	}
	return s
}
