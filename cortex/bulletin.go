// Package cortex maintains the ambient memory bulletin: a short
// natural-language digest of what the system currently knows, regenerated
// periodically by a short-lived LLM agent that recalls across every memory
// type and synthesizes the result.
package cortex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	conductor "github.com/sra/conductor"
	"github.com/sra/conductor/memory"
)

const (
	startupRetries  = 3
	startupRetryGap = 15 * time.Second
	defaultInterval = 30 * time.Minute
)

const bulletinPrompt = `You maintain the ambient memory bulletin: a short digest of what is
currently known that should stay top-of-mind across conversations.

Issue one memory_search recall for each of these memory types: fact, preference,
decision, identity, event, observation, goal. Then synthesize everything you
recalled into a compact bulletin, a few sentences per type that has anything
worth surfacing. Omit types with nothing relevant. Write the bulletin itself as
your final response, with no preamble.`

// Loop owns the process-wide current bulletin and the task that regenerates
// it. The zero value is not usable; build one with New.
type Loop struct {
	provider conductor.Provider
	search   *memory.Search
	interval time.Duration
	logger   *slog.Logger

	mu        sync.RWMutex
	current   string
	updatedAt int64
}

// Option configures a Loop.
type Option func(*Loop)

// WithInterval overrides the steady-state regeneration interval.
func WithInterval(d time.Duration) Option {
	return func(l *Loop) { l.interval = d }
}

// WithLogger sets the structured logger used for generation failures.
func WithLogger(l *slog.Logger) Option {
	return func(lo *Loop) { lo.logger = l }
}

// New creates a bulletin loop. provider should be bound to whatever model is
// configured for branch-role work (typically a cheaper/faster model than the
// one answering user turns); search backs the recall tool each generation
// gets.
func New(provider conductor.Provider, search *memory.Search, opts ...Option) *Loop {
	l := &Loop{
		provider: provider,
		search:   search,
		interval: defaultInterval,
		logger:   slog.New(discardHandler{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Current returns the process-wide current bulletin. Empty until the first
// successful generation.
func (l *Loop) Current() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// UpdatedAt returns the unix timestamp of the last successful generation, or
// zero if none has succeeded yet.
func (l *Loop) UpdatedAt() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.updatedAt
}

// Run generates the bulletin once, retrying up to startupRetries times with
// startupRetryGap between attempts, then regenerates every interval until ctx
// is cancelled. Blocks; run it in its own goroutine.
func (l *Loop) Run(ctx context.Context) {
	l.startup(ctx)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.regenerate(ctx)
		}
	}
}

func (l *Loop) startup(ctx context.Context) {
	for attempt := 1; attempt <= startupRetries; attempt++ {
		if err := l.regenerate(ctx); err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if attempt < startupRetries {
			select {
			case <-ctx.Done():
				return
			case <-time.After(startupRetryGap):
			}
		}
	}
	l.logger.Error("cortex: startup bulletin generation failed after retries", "attempts", startupRetries)
}

// regenerate runs one generation cycle. A MaxTurns error salvages whatever
// assistant text the loop produced before exhausting its iterations; any
// other error leaves the previous bulletin untouched.
func (l *Loop) regenerate(ctx context.Context) error {
	agent := conductor.NewLLMAgent("cortex-bulletin", "curates the ambient memory bulletin", l.provider,
		conductor.WithPrompt(bulletinPrompt),
		conductor.WithTools(newMemorySearchTool(l.search)),
		conductor.WithMaxIter(10),
	)

	result, err := agent.Execute(ctx, conductor.AgentTask{Input: "Generate the current bulletin."})
	if err != nil {
		if isMaxTurnsErr(err) && result.Output != "" {
			l.set(result.Output)
			l.logger.Warn("cortex: bulletin generation exceeded max iterations, salvaging partial output")
			return nil
		}
		l.logger.Error("cortex: bulletin generation failed, keeping previous bulletin", "error", err)
		return err
	}

	l.set(result.Output)
	return nil
}

func (l *Loop) set(text string) {
	l.mu.Lock()
	l.current = text
	l.updatedAt = conductor.NowUnix()
	l.mu.Unlock()
}

func isMaxTurnsErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "exceeded max iterations")
}

// memorySearchTool exposes memory.Search.HybridSearch as an agent tool,
// optionally narrowed to a single memory type.
type memorySearchTool struct {
	search *memory.Search
}

func newMemorySearchTool(s *memory.Search) conductor.Tool {
	return &memorySearchTool{search: s}
}

func (t *memorySearchTool) Definitions() []conductor.ToolDefinition {
	return []conductor.ToolDefinition{{
		Name:        "memory_search",
		Description: "Recall stored memories relevant to a query, optionally restricted to one memory type.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"query":{"type":"string","description":"What to recall"},
			"type":{"type":"string","enum":["fact","preference","decision","identity","event","observation","goal"],"description":"Restrict results to this memory type"}
		},"required":["query"]}`),
	}}
}

func (t *memorySearchTool) Execute(ctx context.Context, _ string, args json.RawMessage) (conductor.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
		Type  string `json:"type"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return conductor.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	results, err := t.search.HybridSearch(ctx, params.Query, memory.DefaultSearchConfig())
	if err != nil {
		return conductor.ToolResult{Error: err.Error()}, nil
	}

	var out strings.Builder
	n := 0
	for _, r := range results {
		if params.Type != "" && string(r.Memory.MemoryType) != params.Type {
			continue
		}
		fmt.Fprintf(&out, "- [%s] %s\n", r.Memory.MemoryType, r.Memory.Content)
		n++
		if n >= 10 {
			break
		}
	}
	if n == 0 {
		return conductor.ToolResult{Content: "no memories found"}, nil
	}
	return conductor.ToolResult{Content: out.String()}, nil
}
