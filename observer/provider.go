package observer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/roundtable-ai/roundtable"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedProvider wraps a roundtable.ChatProvider with OTEL instrumentation.
// When the inner provider supports streaming or structured output, the
// wrapper does too.
type ObservedProvider struct {
	inner roundtable.ChatProvider
	inst  *Instruments
	model string
}

// WrapProvider returns an instrumented provider that emits traces, metrics, and logs.
func WrapProvider(inner roundtable.ChatProvider, model string, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst, model: model}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Chat(ctx context.Context, req roundtable.ChatRequest) (roundtable.ChatResponse, error) {
	spanAttrs := []trace.SpanStartOption{
		trace.WithAttributes(
			AttrLLMModel.String(o.modelFor(req)),
			AttrLLMProvider.String(o.inner.Name()),
		),
	}
	spanName := "llm.chat"
	method := "chat"
	if len(req.Tools) > 0 {
		toolNames := make([]string, len(req.Tools))
		for i, t := range req.Tools {
			toolNames[i] = t.Name
		}
		spanAttrs = append(spanAttrs, trace.WithAttributes(
			AttrToolCount.Int(len(req.Tools)),
			AttrToolNames.StringSlice(toolNames),
		))
		spanName = "llm.chat_with_tools"
		method = "chat_with_tools"
	}

	ctx, span := o.inst.Tracer.Start(ctx, spanName, spanAttrs...)
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Chat(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.record(ctx, span, o.modelFor(req), method, status, durationMs, resp.Usage)
	return resp, err
}

// ChatStream instruments a streaming completion. The inner provider must
// implement roundtable.StreamingChatProvider; otherwise the call falls back
// to Chat and sends the full response as a single chunk.
func (o *ObservedProvider) ChatStream(ctx context.Context, req roundtable.ChatRequest, ch chan<- string) (roundtable.ChatResponse, error) {
	streamer, ok := o.inner.(roundtable.StreamingChatProvider)
	if !ok {
		resp, err := o.Chat(ctx, req)
		if err == nil && resp.Content != "" {
			select {
			case ch <- resp.Content:
			case <-ctx.Done():
			}
		}
		close(ch)
		return resp, err
	}

	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat_stream", trace.WithAttributes(
		AttrLLMModel.String(o.modelFor(req)),
		AttrLLMProvider.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	// Forward chunks so we can count them. Buffer generously so the inner
	// provider never blocks on send while nobody reads ch until ChatStream
	// returns.
	wrappedCh := make(chan string, max(cap(ch), 64))
	chunks := 0
	done := make(chan struct{})
	go func() {
		defer close(ch)
		defer close(done)
		for chunk := range wrappedCh {
			chunks++
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	resp, err := streamer.ChatStream(ctx, req, wrappedCh)
	<-done // wait for goroutine to finish before reading chunks

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(AttrStreamChunks.Int(chunks))
	o.record(ctx, span, o.modelFor(req), "chat_stream", status, durationMs, resp.Usage)
	return resp, err
}

// Parse instruments a structured completion. The inner provider must
// implement roundtable.StructuredChatProvider.
func (o *ObservedProvider) Parse(ctx context.Context, req roundtable.ChatRequest) (json.RawMessage, error) {
	structured, ok := o.inner.(roundtable.StructuredChatProvider)
	if !ok {
		return nil, &roundtable.ErrProvider{Provider: o.inner.Name(), Message: "provider does not support structured output"}
	}

	ctx, span := o.inst.Tracer.Start(ctx, "llm.parse", trace.WithAttributes(
		AttrLLMModel.String(o.modelFor(req)),
		AttrLLMProvider.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	raw, err := structured.Parse(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.record(ctx, span, o.modelFor(req), "parse", status, durationMs, roundtable.Usage{})
	return raw, err
}

func (o *ObservedProvider) modelFor(req roundtable.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return o.model
}

func (o *ObservedProvider) record(ctx context.Context, span trace.Span, model, method, status string, durationMs float64, usage roundtable.Usage) {
	cost := o.inst.Cost.Calculate(model, usage.InputTokens, usage.OutputTokens)

	attrs := metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
	)

	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrCostUSD.Float64(cost),
	)

	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, attrs)

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call completed"))
	rec.AddAttributes(
		otellog.String("llm.model", model),
		otellog.String("llm.provider", o.inner.Name()),
		otellog.String("llm.method", method),
		otellog.Int("llm.tokens.input", usage.InputTokens),
		otellog.Int("llm.tokens.output", usage.OutputTokens),
		otellog.Float64("llm.cost_usd", cost),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

// compile-time checks
var (
	_ roundtable.StreamingChatProvider  = (*ObservedProvider)(nil)
	_ roundtable.StructuredChatProvider = (*ObservedProvider)(nil)
)
