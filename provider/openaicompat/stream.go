package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/roundtable-ai/roundtable"
)

// ChatStream streams text deltas into ch and returns the assembled response.
// The channel is always closed before returning.
func (p *Provider) ChatStream(ctx context.Context, req roundtable.ChatRequest, ch chan<- string) (roundtable.ChatResponse, error) {
	defer close(ch)

	body := p.buildBody(req, true)
	raw, err := p.post(ctx, "/chat/completions", body)
	if err != nil {
		return roundtable.ChatResponse{}, err
	}
	defer raw.Close()

	var (
		text      strings.Builder
		finish    string
		usage     roundtable.Usage
		toolCalls = map[int]*wireToolCall{}
	)

	scanner := bufio.NewScanner(raw)
	// Tool call argument deltas can arrive in large frames.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return roundtable.ChatResponse{}, err
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk chatCompletion
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			p.logger.Warn("skipping malformed stream chunk", "error", err)
			continue
		}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		c := chunk.Choices[0]
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
		if c.Delta == nil {
			continue
		}
		if c.Delta.Content != "" {
			text.WriteString(c.Delta.Content)
			select {
			case ch <- c.Delta.Content:
			case <-ctx.Done():
				return roundtable.ChatResponse{}, ctx.Err()
			}
		}
		for _, tc := range c.Delta.ToolCalls {
			acc, ok := toolCalls[tc.Index]
			if !ok {
				acc = &wireToolCall{Index: tc.Index}
				toolCalls[tc.Index] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Function.Name = tc.Function.Name
			}
			acc.Function.Arguments += tc.Function.Arguments
		}
	}
	if err := scanner.Err(); err != nil {
		return roundtable.ChatResponse{}, p.errf("read stream: %v", err)
	}

	resp := roundtable.ChatResponse{
		Content:    text.String(),
		StopReason: mapStopReason(finish),
		Usage:      usage,
	}
	if len(toolCalls) > 0 {
		resp.ToolCalls = assembleToolCalls(toolCalls)
		resp.StopReason = roundtable.StopToolUse
	}
	return resp, nil
}

func assembleToolCalls(acc map[int]*wireToolCall) []roundtable.ToolCall {
	indexes := make([]int, 0, len(acc))
	for i := range acc {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	calls := make([]wireToolCall, 0, len(acc))
	for _, i := range indexes {
		calls = append(calls, *acc[i])
	}
	return convertToolCalls(calls)
}
