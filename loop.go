package roundtable

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultMaxTurns bounds the tool-calling loop when LoopConfig.MaxTurns is 0.
const DefaultMaxTurns = 10

// LoopTool is a capability exposed to the model inside a tool loop.
type LoopTool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Execute     func(ctx context.Context, input json.RawMessage) (string, error)
}

// RegistryTools adapts a ToolRegistry into loop tools.
func RegistryTools(r *ToolRegistry) []LoopTool {
	var tools []LoopTool
	for _, def := range r.AllDefinitions() {
		d := def
		tools = append(tools, LoopTool{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
			Execute: func(ctx context.Context, input json.RawMessage) (string, error) {
				return r.Execute(ctx, d.Name, input)
			},
		})
	}
	return tools
}

// LoopConfig holds everything RunLoop needs to drive one agent.
type LoopConfig struct {
	// Name identifies the agent in logs and thinking events.
	Name string
	// Provider issues chat completions. The streaming variant requires a
	// StreamingChatProvider.
	Provider ChatProvider
	Model    string
	// SystemPrompt is the agent's base instructions. Tool usage guidance is
	// appended automatically when Tools is non-empty.
	SystemPrompt string
	// Messages is the prior chat history (without the system message).
	Messages []ChatMessage
	Tools    []LoopTool
	// SubmissionTool, when set, names the tool whose invocation ends the loop
	// with its input captured as the structured result.
	SubmissionTool string
	ToolChoice     ToolChoice
	// MaxTurns bounds the number of completions. 0 means DefaultMaxTurns.
	MaxTurns    int
	MaxTokens   int
	Temperature *float64
	// OnThinking receives progress notifications (tool dispatch, retries).
	OnThinking func(ThinkingData)
	// OnStream receives text deltas. Only used by RunLoopStream.
	OnStream func(chunk string)
	Logger   *slog.Logger
	Tracer   Tracer
}

// LoopResult is the outcome of a completed tool loop: either final text or
// the submission tool's input, never both.
type LoopResult struct {
	Text       string
	Submission json.RawMessage
	Usage      Usage
	// Messages is the full conversation history at loop exit, suitable for
	// persisting into a specialist state.
	Messages []ChatMessage
}

// IsSubmission reports whether the loop ended via the submission tool.
func (r *LoopResult) IsSubmission() bool { return len(r.Submission) > 0 }

// RunLoop drives one agent through a bounded loop of chat completions and
// sequential tool executions. It returns ErrMaxTurns when the turn budget is
// exhausted without a final response or submission.
func RunLoop(ctx context.Context, cfg LoopConfig) (*LoopResult, error) {
	return runLoop(ctx, cfg, false)
}

// RunLoopStream behaves like RunLoop but consumes each model turn as a token
// stream, forwarding text deltas through cfg.OnStream. The final assembled
// message is still used for tool dispatch. cfg.Provider must implement
// StreamingChatProvider.
func RunLoopStream(ctx context.Context, cfg LoopConfig) (*LoopResult, error) {
	return runLoop(ctx, cfg, true)
}

func runLoop(ctx context.Context, cfg LoopConfig, streaming bool) (*LoopResult, error) {
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger
	}

	messages := make([]ChatMessage, 0, len(cfg.Messages)+2)
	messages = append(messages, SystemMessage(buildLoopPrompt(cfg)))
	messages = append(messages, cfg.Messages...)

	var totalUsage Usage

	for turn := 0; turn < maxTurns; turn++ {
		turnCtx := ctx
		var span Span
		if cfg.Tracer != nil {
			turnCtx, span = cfg.Tracer.Start(ctx, "loop.turn",
				StringAttr("agent", cfg.Name),
				IntAttr("turn", turn),
				BoolAttr("has_tools", len(cfg.Tools) > 0))
		}
		endTurn := func() {
			if span != nil {
				span.End()
			}
		}

		req := ChatRequest{
			Model:       cfg.Model,
			Messages:    messages,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		}
		if len(cfg.Tools) > 0 {
			req.Tools = loopToolDefs(cfg.Tools)
			if cfg.ToolChoice.Mode != "" {
				tc := cfg.ToolChoice
				req.ToolChoice = &tc
			}
		}

		resp, err := completeTurn(turnCtx, cfg, req, streaming)
		if err != nil {
			endTurn()
			return nil, err
		}
		totalUsage.InputTokens += resp.Usage.InputTokens
		totalUsage.OutputTokens += resp.Usage.OutputTokens

		// No tool calls: either the final answer, or a model that stopped
		// without submitting under a strict tool choice.
		if len(resp.ToolCalls) == 0 {
			if cfg.ToolChoice.Strict() && cfg.SubmissionTool != "" {
				logger.Warn("model stopped without submission, demanding one",
					"agent", cfg.Name, "turn", turn)
				messages = append(messages, AssistantMessage(resp.Content))
				messages = append(messages, UserMessage(
					"You must complete this task by calling the "+cfg.SubmissionTool+" tool with your final result."))
				endTurn()
				continue
			}
			endTurn()
			return &LoopResult{Text: resp.Content, Usage: totalUsage, Messages: messages}, nil
		}

		if span != nil {
			span.SetAttr(IntAttr("tool_count", len(resp.ToolCalls)))
		}

		messages = append(messages, ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		// Execute tool calls sequentially, in the order emitted. The
		// submission tool short-circuits: its input is the result and no
		// further calls from this turn run.
		var blocks []ToolResultBlock
		for _, tc := range resp.ToolCalls {
			if tc.Name == cfg.SubmissionTool && cfg.SubmissionTool != "" {
				blocks = append(blocks, ToolResultBlock{ToolUseID: tc.ID, Content: "Submission received."})
				messages = append(messages, ToolResultsMessage(blocks))
				endTurn()
				return &LoopResult{Submission: tc.Args, Usage: totalUsage, Messages: messages}, nil
			}

			if cfg.OnThinking != nil {
				cfg.OnThinking(ThinkingData{
					Agent:   cfg.Name,
					Action:  "tool_call",
					Message: tc.Name,
				})
			}
			blocks = append(blocks, executeLoopTool(turnCtx, cfg.Tools, tc, logger, cfg.Name))
		}
		messages = append(messages, ToolResultsMessage(blocks))
		endTurn()
	}

	logger.Warn("tool loop exhausted max turns", "agent", cfg.Name, "max_turns", maxTurns)
	return nil, ErrMaxTurns
}

// completeTurn issues one chat completion, streaming when requested.
func completeTurn(ctx context.Context, cfg LoopConfig, req ChatRequest, streaming bool) (ChatResponse, error) {
	if !streaming || cfg.OnStream == nil {
		return cfg.Provider.Chat(ctx, req)
	}
	sp, ok := cfg.Provider.(StreamingChatProvider)
	if !ok {
		return cfg.Provider.Chat(ctx, req)
	}

	ch := make(chan string, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for chunk := range ch {
			cfg.OnStream(chunk)
		}
	}()
	resp, err := sp.ChatStream(ctx, req, ch)
	<-done
	return resp, err
}

// executeLoopTool runs one tool call and converts the outcome to a result
// block. Execution errors become result strings; they never abort the loop.
func executeLoopTool(ctx context.Context, tools []LoopTool, tc ToolCall, logger *slog.Logger, agent string) ToolResultBlock {
	start := time.Now()
	for _, t := range tools {
		if t.Name != tc.Name {
			continue
		}
		out, err := t.Execute(ctx, tc.Args)
		if err != nil {
			out = fmt.Sprintf("Error executing %s: %v", tc.Name, err)
		}
		logger.Debug("tool executed",
			"agent", agent,
			"tool", tc.Name,
			"duration", time.Since(start),
			"output_bytes", len(out))
		return ToolResultBlock{ToolUseID: tc.ID, Content: out}
	}
	return ToolResultBlock{ToolUseID: tc.ID, Content: fmt.Sprintf("Error executing %s: unknown tool", tc.Name)}
}

// buildLoopPrompt appends tool usage instructions to the system prompt when
// tools are configured.
func buildLoopPrompt(cfg LoopConfig) string {
	if len(cfg.Tools) == 0 {
		return cfg.SystemPrompt
	}
	var b strings.Builder
	b.WriteString(cfg.SystemPrompt)
	b.WriteString("\n\nYou have access to the following tools:\n")
	for _, t := range cfg.Tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	b.WriteString("Use tools when they help you complete the task. Tool results are returned to you before your next response.")
	if cfg.SubmissionTool != "" {
		fmt.Fprintf(&b, "\nWhen your work is complete you must call the %s tool with your final result.", cfg.SubmissionTool)
	}
	return b.String()
}

func loopToolDefs(tools []LoopTool) []ToolDefinition {
	defs := make([]ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = ToolDefinition{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}
	return defs
}
