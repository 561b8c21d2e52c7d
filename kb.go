package roundtable

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/roundtable-ai/roundtable/ingest"
)

// Chunker splits document content into embeddable pieces.
// ingest.RecursiveChunker satisfies this.
type Chunker interface {
	Chunk(text string) []string
}

// KnowledgeBase manages chunked, embedded documents scoped to conversations.
// Every save re-embeds the document content and atomically replaces its
// vector set.
type KnowledgeBase struct {
	store    KnowledgeStore
	embedder EmbeddingProvider
	chunker  Chunker
	logger   *slog.Logger
	tracer   Tracer
}

// KBOption configures a KnowledgeBase.
type KBOption func(*KnowledgeBase)

// WithKBChunker overrides the default recursive chunker.
func WithKBChunker(c Chunker) KBOption {
	return func(kb *KnowledgeBase) { kb.chunker = c }
}

// WithKBLogger sets a logger. Default discards.
func WithKBLogger(l *slog.Logger) KBOption {
	return func(kb *KnowledgeBase) { kb.logger = l }
}

// WithKBTracer sets a tracer for save and search spans.
func WithKBTracer(t Tracer) KBOption {
	return func(kb *KnowledgeBase) { kb.tracer = t }
}

// NewKnowledgeBase creates a knowledge base over the given store and
// embedding provider. The default chunker targets 1000-character chunks with
// 200 characters of overlap.
func NewKnowledgeBase(store KnowledgeStore, embedder EmbeddingProvider, opts ...KBOption) *KnowledgeBase {
	kb := &KnowledgeBase{
		store:    store,
		embedder: embedder,
		chunker:  ingest.NewRecursiveChunker(ingest.WithMaxChars(1000), ingest.WithOverlapChars(200)),
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(kb)
	}
	return kb
}

// SaveInput describes a document to upsert.
type SaveInput struct {
	// DocumentID is the upsert filter when DedupeKey is empty. Generated on
	// insert when both are empty.
	DocumentID string
	// DedupeKey, when non-empty, makes the upsert filter
	// (conversationID, dedupeKey).
	DedupeKey string
	Title     string
	Content   string
	MessageID string
	CreatedBy string
	Tags      []string
	Metadata  map[string]string
	// OnlyUpdate makes the save fail with ErrNotFound when no existing
	// document matches the filter.
	OnlyUpdate bool
}

// Save upserts a document and synchronously re-embeds its content.
// The filter is (conversationID, DedupeKey) when DedupeKey is non-empty,
// else DocumentID. Returns ErrKBInvalidInput when title or content is empty.
func (kb *KnowledgeBase) Save(ctx context.Context, conversationID string, in SaveInput) (KnowledgeDocument, error) {
	if strings.TrimSpace(in.Title) == "" || strings.TrimSpace(in.Content) == "" {
		return KnowledgeDocument{}, ErrKBInvalidInput
	}

	if kb.tracer != nil {
		var span Span
		ctx, span = kb.tracer.Start(ctx, "kb.save",
			StringAttr("conversation_id", conversationID),
			IntAttr("content_bytes", len(in.Content)))
		defer span.End()
	}

	if in.OnlyUpdate {
		if _, err := kb.findExisting(ctx, conversationID, in); err != nil {
			return KnowledgeDocument{}, err
		}
	}

	docID := in.DocumentID
	if docID == "" {
		existing, err := kb.findExisting(ctx, conversationID, in)
		if err == nil {
			docID = existing.DocumentID
		} else {
			docID = fmt.Sprintf("kb_%s_%s", conversationID, NewID())
		}
	}

	now := NowUnix()
	doc := KnowledgeDocument{
		ConversationID: conversationID,
		DocumentID:     docID,
		DedupeKey:      in.DedupeKey,
		Title:          in.Title,
		Content:        in.Content,
		MessageID:      in.MessageID,
		CreatedBy:      in.CreatedBy,
		Tags:           in.Tags,
		Metadata:       in.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	stored, err := kb.store.UpsertDocument(ctx, doc)
	if err != nil {
		return KnowledgeDocument{}, fmt.Errorf("upsert document: %w", err)
	}

	if err := kb.reembed(ctx, stored); err != nil {
		return KnowledgeDocument{}, err
	}

	kb.logger.Info("knowledge document saved",
		"conversation_id", conversationID,
		"document_id", stored.DocumentID,
		"title", stored.Title)
	return stored, nil
}

// findExisting resolves the document the upsert filter would match.
func (kb *KnowledgeBase) findExisting(ctx context.Context, conversationID string, in SaveInput) (KnowledgeDocument, error) {
	if in.DedupeKey != "" {
		docs, err := kb.store.GetDocuments(ctx, conversationID)
		if err != nil {
			return KnowledgeDocument{}, err
		}
		for _, d := range docs {
			if d.DedupeKey == in.DedupeKey {
				return d, nil
			}
		}
		return KnowledgeDocument{}, ErrNotFound
	}
	if in.DocumentID == "" {
		return KnowledgeDocument{}, ErrNotFound
	}
	return kb.store.GetDocument(ctx, in.DocumentID)
}

// reembed chunks the document content, embeds each chunk, and atomically
// replaces the document's vector set.
func (kb *KnowledgeBase) reembed(ctx context.Context, doc KnowledgeDocument) error {
	chunks := kb.chunker.Chunk(doc.Content)
	if len(chunks) == 0 {
		return kb.store.ReplaceVectors(ctx, doc.DocumentID, nil)
	}

	embeddings, err := kb.embedder.Embed(ctx, chunks)
	if err != nil {
		return fmt.Errorf("embed %d chunks: %w", len(chunks), err)
	}
	if len(embeddings) != len(chunks) {
		return fmt.Errorf("embedding count mismatch: %d chunks, %d vectors", len(chunks), len(embeddings))
	}

	vectors := make([]KnowledgeVector, len(chunks))
	for i, chunk := range chunks {
		vectors[i] = KnowledgeVector{
			DocumentID:     doc.DocumentID,
			ConversationID: doc.ConversationID,
			ChunkIndex:     i,
			Text:           chunk,
			Vector:         embeddings[i],
		}
	}
	if err := kb.store.ReplaceVectors(ctx, doc.DocumentID, vectors); err != nil {
		return fmt.Errorf("replace vectors: %w", err)
	}

	kb.logger.Debug("document re-embedded",
		"document_id", doc.DocumentID, "chunks", len(chunks))
	return nil
}

// Get returns all documents of a conversation.
func (kb *KnowledgeBase) Get(ctx context.Context, conversationID string) ([]KnowledgeDocument, error) {
	return kb.store.GetDocuments(ctx, conversationID)
}

// GetOne returns a single document or ErrNotFound.
func (kb *KnowledgeBase) GetOne(ctx context.Context, documentID string) (KnowledgeDocument, error) {
	return kb.store.GetDocument(ctx, documentID)
}

// Delete removes a document and its vectors.
func (kb *KnowledgeBase) Delete(ctx context.Context, documentID string) error {
	return kb.store.DeleteDocument(ctx, documentID)
}

// Clear removes all documents of a conversation.
func (kb *KnowledgeBase) Clear(ctx context.Context, conversationID string) error {
	return kb.store.ClearDocuments(ctx, conversationID)
}

// FormatContext renders the conversation's knowledge as a single prompt
// block. With an empty query the whole document corpus is joined; with a
// query only the chunks most relevant to it are included. Returns "" when
// the knowledge base is empty or nothing matches.
func (kb *KnowledgeBase) FormatContext(ctx context.Context, conversationID, query string) (string, error) {
	if strings.TrimSpace(query) != "" {
		results, err := kb.Search(ctx, conversationID, query, 0)
		if err != nil {
			return "", err
		}
		if len(results) == 0 {
			return "", nil
		}
		var b strings.Builder
		b.WriteString("# Knowledge Base (relevant excerpts)\n")
		for _, r := range results {
			fmt.Fprintf(&b, "\n%s\n", r.Text)
		}
		return b.String(), nil
	}

	docs, err := kb.store.GetDocuments(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if len(docs) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("# Knowledge Base\n")
	for _, d := range docs {
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", d.Title, d.Content)
	}
	return b.String(), nil
}

// SearchResult is one retrieved chunk.
type SearchResult struct {
	Text       string  `json:"text"`
	DocumentID string  `json:"document_id"`
	Score      float32 `json:"score"`
}

// Search embeds the query and returns the top-k chunks ranked by cosine
// similarity descending. k defaults to 5 and is clamped to [1, 10]. Returns
// an empty slice when the knowledge base has no vectors.
func (kb *KnowledgeBase) Search(ctx context.Context, conversationID, query string, k int) ([]SearchResult, error) {
	k = clampTopK(k)

	if kb.tracer != nil {
		var span Span
		ctx, span = kb.tracer.Start(ctx, "kb.search",
			StringAttr("conversation_id", conversationID),
			IntAttr("top_k", k))
		defer span.End()
	}

	embeddings, err := kb.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("embedding provider returned no vectors")
	}

	scored, err := kb.store.SearchVectors(ctx, conversationID, embeddings[0], k)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, len(scored))
	for i, sv := range scored {
		results[i] = SearchResult{Text: sv.Text, DocumentID: sv.DocumentID, Score: sv.Score}
	}
	return results, nil
}

// clampTopK applies the default of 5 and the [1, 10] bounds.
func clampTopK(k int) int {
	if k == 0 {
		return 5
	}
	if k < 1 {
		return 1
	}
	if k > 10 {
		return 10
	}
	return k
}

// Cosine returns the cosine similarity of two vectors, or 0 when either has
// zero magnitude or the lengths differ.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(magA) * math.Sqrt(magB)))
}
