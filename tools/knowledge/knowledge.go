// Package knowledge exposes the knowledge base to agents as a tool suite
// bound to one conversation.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roundtable-ai/roundtable"
)

// logPreviewChars caps tool output previews in log records.
const logPreviewChars = 800

// Suite provides the list_documents, search_documents, and
// read_knowledge_document tools over one conversation's knowledge base.
type Suite struct {
	kb             *roundtable.KnowledgeBase
	conversationID string
	logger         *slog.Logger
}

// Option configures a Suite.
type Option func(*Suite)

// WithLogger sets a logger. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(s *Suite) { s.logger = l }
}

// New creates the KB tool suite for a conversation.
func New(kb *roundtable.KnowledgeBase, conversationID string, opts ...Option) *Suite {
	s := &Suite{
		kb:             kb,
		conversationID: conversationID,
		logger:         slog.New(discardHandler{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ roundtable.Tool = (*Suite)(nil)

// Definitions returns the three KB tool definitions.
func (s *Suite) Definitions() []roundtable.ToolDefinition {
	return []roundtable.ToolDefinition{
		{
			Name:        "list_documents",
			Description: "List all documents in this conversation's knowledge base with their IDs.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
		},
		{
			Name:        "search_documents",
			Description: "Semantic search over the knowledge base. Returns the most relevant chunks with their document titles.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query"},"k":{"type":"integer","description":"Number of results (1-10, default 5)"}},"required":["query"]}`),
		},
		{
			Name:        "read_knowledge_document",
			Description: "Read a knowledge base document by ID, optionally restricted to an inclusive 1-based line range.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"document_id":{"type":"string"},"start_line":{"type":"integer"},"end_line":{"type":"integer"}},"required":["document_id"]}`),
		},
	}
}

// Execute dispatches one KB tool invocation. Failures are reported as result
// strings so the agent can react; the error return stays nil.
func (s *Suite) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	start := time.Now()
	var out string
	switch name {
	case "list_documents":
		out = s.listDocuments(ctx)
	case "search_documents":
		out = s.searchDocuments(ctx, args)
	case "read_knowledge_document":
		out = s.readDocument(ctx, args)
	default:
		out = "Error: Unknown KB tool " + name
	}

	s.logger.Debug("kb tool executed",
		"tool", name,
		"conversation_id", s.conversationID,
		"duration", time.Since(start),
		"output_bytes", len(out),
		"preview", preview(out))
	return out, nil
}

func (s *Suite) listDocuments(ctx context.Context) string {
	docs, err := s.kb.Get(ctx, s.conversationID)
	if err != nil {
		return "Error: failed to list documents: " + err.Error()
	}
	if len(docs) == 0 {
		return "No documents in the knowledge base yet."
	}
	var b strings.Builder
	for _, d := range docs {
		fmt.Fprintf(&b, "- %s (ID: %s)\n", d.Title, d.DocumentID)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Suite) searchDocuments(ctx context.Context, args json.RawMessage) string {
	var params struct {
		Query string `json:"query"`
		K     int    `json:"k"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "Error: invalid arguments: " + err.Error()
	}
	params.Query = strings.TrimSpace(params.Query)
	if params.Query == "" {
		return "Error: query is required"
	}

	results, err := s.kb.Search(ctx, s.conversationID, params.Query, params.K)
	if err != nil {
		return "Error: search failed: " + err.Error()
	}
	if len(results) == 0 {
		return "No matching content found in the knowledge base."
	}

	titles := s.documentTitles(ctx)
	var b strings.Builder
	for i, r := range results {
		title := titles[r.DocumentID]
		if title == "" {
			title = r.DocumentID
		}
		fmt.Fprintf(&b, "[%d] %s (score %.3f)%s\n%s\n\n", i+1, title, r.Score, s.lineRange(ctx, r), r.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// lineRange locates a chunk inside its source document and reports the
// 1-based line span, when the chunk text can be found verbatim.
func (s *Suite) lineRange(ctx context.Context, r roundtable.SearchResult) string {
	doc, err := s.kb.GetOne(ctx, r.DocumentID)
	if err != nil {
		return ""
	}
	idx := strings.Index(doc.Content, r.Text)
	if idx < 0 {
		return ""
	}
	startLine := 1 + strings.Count(doc.Content[:idx], "\n")
	endLine := startLine + strings.Count(r.Text, "\n")
	return fmt.Sprintf(" (lines %d-%d)", startLine, endLine)
}

func (s *Suite) documentTitles(ctx context.Context) map[string]string {
	titles := make(map[string]string)
	docs, err := s.kb.Get(ctx, s.conversationID)
	if err != nil {
		return titles
	}
	for _, d := range docs {
		titles[d.DocumentID] = d.Title
	}
	return titles
}

func (s *Suite) readDocument(ctx context.Context, args json.RawMessage) string {
	var params struct {
		DocumentID string `json:"document_id"`
		StartLine  int    `json:"start_line"`
		EndLine    int    `json:"end_line"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "Error: invalid arguments: " + err.Error()
	}
	if strings.TrimSpace(params.DocumentID) == "" {
		return "Error: document_id is required"
	}

	doc, err := s.kb.GetOne(ctx, params.DocumentID)
	if err != nil {
		return "Error: document not found: " + params.DocumentID
	}
	if strings.TrimSpace(doc.Content) == "" {
		return fmt.Sprintf("Error: document %s has no content", params.DocumentID)
	}

	if params.StartLine == 0 && params.EndLine == 0 {
		return doc.Content
	}

	lines := strings.Split(doc.Content, "\n")
	start := params.StartLine
	if start < 1 {
		start = 1
	}
	if start > len(lines) {
		return fmt.Sprintf("Error: start_line %d exceeds document length of %d lines", params.StartLine, len(lines))
	}
	end := params.EndLine
	if end == 0 || end > len(lines) {
		end = len(lines)
	}
	if end < start {
		return fmt.Sprintf("Error: end_line %d precedes start_line %d", params.EndLine, start)
	}
	return strings.Join(lines[start-1:end], "\n")
}

func preview(s string) string {
	if len(s) <= logPreviewChars {
		return s
	}
	return s[:logPreviewChars] + "…"
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
