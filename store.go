package roundtable

import "context"

// ConversationStore persists conversations and their team specifications.
type ConversationStore interface {
	// SaveConversation upserts a conversation (including team agents).
	SaveConversation(ctx context.Context, c Conversation) error
	// GetConversation returns a conversation or ErrNotFound.
	GetConversation(ctx context.Context, id string) (Conversation, error)
	// DeleteConversation removes a conversation and its scoped state.
	DeleteConversation(ctx context.Context, id string) error
}

// MessageStore persists conversation messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, m Message) error
	// GetMessages returns all messages of a conversation sorted ascending
	// by CreatedAt.
	GetMessages(ctx context.Context, conversationID string) ([]Message, error)
	// GetMessage returns a single message or ErrNotFound.
	GetMessage(ctx context.Context, id string) (Message, error)
}

// StateStore persists orchestration states keyed by
// (conversationID, parentMessageID).
type StateStore interface {
	// SaveState upserts a state and bumps UpdatedAt.
	SaveState(ctx context.Context, s OrchestrationState) error
	// GetLatestState returns the most recently updated state for a
	// conversation, or ErrNotFound. Diagnostics only — resume decisions use
	// FindPausedState.
	GetLatestState(ctx context.Context, conversationID string) (OrchestrationState, error)
	// FindPausedState returns the state with status PAUSED whose
	// PausedMessageID equals parentMessageID, or ErrNotFound.
	FindPausedState(ctx context.Context, conversationID, parentMessageID string) (OrchestrationState, error)
	// ClearStates deletes states for a conversation. When parentMessageID is
	// non-empty only the matching state is removed.
	ClearStates(ctx context.Context, conversationID, parentMessageID string) error
}

// KnowledgeStore persists knowledge documents and their embedded chunks.
type KnowledgeStore interface {
	// UpsertDocument inserts or updates a document. The filter is
	// (ConversationID, DedupeKey) when DedupeKey is non-empty, else
	// DocumentID. Returns the stored document.
	UpsertDocument(ctx context.Context, doc KnowledgeDocument) (KnowledgeDocument, error)
	// GetDocuments returns all documents of a conversation.
	GetDocuments(ctx context.Context, conversationID string) ([]KnowledgeDocument, error)
	// GetDocument returns a single document or ErrNotFound.
	GetDocument(ctx context.Context, documentID string) (KnowledgeDocument, error)
	// DeleteDocument removes a document and its vectors.
	DeleteDocument(ctx context.Context, documentID string) error
	// ClearDocuments removes all documents (and vectors) of a conversation.
	ClearDocuments(ctx context.Context, conversationID string) error
	// ReplaceVectors atomically replaces the vector set of a document.
	ReplaceVectors(ctx context.Context, documentID string, vectors []KnowledgeVector) error
	// SearchVectors returns the topK vectors of a conversation ranked by
	// cosine similarity to the query embedding. Entries without vectors are
	// skipped silently.
	SearchVectors(ctx context.Context, conversationID string, embedding []float32, topK int) ([]ScoredVector, error)
}

// Store combines all persistence capabilities behind one backend.
type Store interface {
	ConversationStore
	MessageStore
	StateStore
	KnowledgeStore

	// Init creates tables/indexes. Safe to call multiple times.
	Init(ctx context.Context) error
	Close() error
}
