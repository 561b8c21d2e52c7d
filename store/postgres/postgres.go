// Package postgres implements roundtable.Store using PostgreSQL with
// pgvector for native cosine similarity search.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor injection.
// The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roundtable-ai/roundtable"
)

// Store implements roundtable.Store backed by PostgreSQL with pgvector.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

type pgConfig struct {
	embeddingDimension int // 0 = untyped vector column
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536, 768).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, catching
// dimension mismatches at insert time. Only affects new table creation.
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

var _ roundtable.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

// Init creates the pgvector extension, all required tables, and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			team_agents JSONB,
			team_objective TEXT NOT NULL DEFAULT '',
			team_file_id TEXT NOT NULL DEFAULT '',
			host_agent_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			parent_message_id TEXT NOT NULL DEFAULT '',
			is_created_by_user BOOLEAN NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			content JSONB,
			sender TEXT NOT NULL DEFAULT '',
			unfinished BOOLEAN NOT NULL DEFAULT FALSE,
			metadata JSONB,
			created_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS orchestration_states (
			conversation_id TEXT NOT NULL,
			parent_message_id TEXT NOT NULL,
			status TEXT NOT NULL,
			paused_message_id TEXT NOT NULL DEFAULT '',
			lead_plan JSONB,
			specialist_states JSONB,
			shared_context TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (conversation_id, parent_message_id)
		)`,

		`CREATE TABLE IF NOT EXISTS knowledge_documents (
			document_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			dedupe_key TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			message_id TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT '',
			tags JSONB,
			metadata JSONB,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS knowledge_vectors (
			document_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			text TEXT NOT NULL,
			embedding %s,
			metadata JSONB,
			PRIMARY KEY (document_id, chunk_index)
		)`, s.vectorType()),

		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_states_paused ON orchestration_states (conversation_id, paused_message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_conversation ON knowledge_documents (conversation_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_dedupe ON knowledge_documents (conversation_id, dedupe_key) WHERE dedupe_key <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_vectors_conversation ON knowledge_vectors (conversation_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the pool is caller-owned.
func (s *Store) Close() error { return nil }

// --- conversations ---

func (s *Store) SaveConversation(ctx context.Context, c roundtable.Conversation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, title, team_agents, team_objective, team_file_id, host_agent_id, created_at, updated_at)
		 VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   title = EXCLUDED.title,
		   team_agents = EXCLUDED.team_agents,
		   team_objective = EXCLUDED.team_objective,
		   team_file_id = EXCLUDED.team_file_id,
		   host_agent_id = EXCLUDED.host_agent_id,
		   updated_at = EXCLUDED.updated_at`,
		c.ID, c.Title, marshalJSONB(c.TeamAgents), c.TeamObjective, c.TeamFileID, c.HostAgentID, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save conversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (roundtable.Conversation, error) {
	var c roundtable.Conversation
	var agents []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, team_agents, team_objective, team_file_id, host_agent_id, created_at, updated_at
		 FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.Title, &agents, &c.TeamObjective, &c.TeamFileID, &c.HostAgentID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, roundtable.ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("postgres: get conversation: %w", err)
	}
	if len(agents) > 0 {
		_ = json.Unmarshal(agents, &c.TeamAgents)
	}
	return c, nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: delete conversation: %w", err)
	}
	defer tx.Rollback(ctx)

	stmts := []string{
		`DELETE FROM knowledge_vectors WHERE conversation_id = $1`,
		`DELETE FROM knowledge_documents WHERE conversation_id = $1`,
		`DELETE FROM orchestration_states WHERE conversation_id = $1`,
		`DELETE FROM messages WHERE conversation_id = $1`,
		`DELETE FROM conversations WHERE id = $1`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt, id); err != nil {
			return fmt.Errorf("postgres: delete conversation: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// --- messages ---

func (s *Store) SaveMessage(ctx context.Context, m roundtable.Message) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, parent_message_id, is_created_by_user, text, content, sender, unfinished, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9::jsonb, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   text = EXCLUDED.text,
		   content = EXCLUDED.content,
		   unfinished = EXCLUDED.unfinished,
		   metadata = EXCLUDED.metadata`,
		m.ID, m.ConversationID, m.ParentMessageID, m.IsCreatedByUser, m.Text,
		marshalJSONB(m.Content), m.Sender, m.Unfinished, rawJSONB(m.Metadata), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save message: %w", err)
	}
	return nil
}

func (s *Store) GetMessages(ctx context.Context, conversationID string) ([]roundtable.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, parent_message_id, is_created_by_user, text, content, sender, unfinished, metadata, created_at
		 FROM messages WHERE conversation_id = $1
		 ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get messages: %w", err)
	}
	defer rows.Close()

	var messages []roundtable.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *Store) GetMessage(ctx context.Context, id string) (roundtable.Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, conversation_id, parent_message_id, is_created_by_user, text, content, sender, unfinished, metadata, created_at
		 FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return m, roundtable.ErrNotFound
	}
	return m, err
}

func scanMessage(row pgx.Row) (roundtable.Message, error) {
	var m roundtable.Message
	var content, meta []byte
	err := row.Scan(&m.ID, &m.ConversationID, &m.ParentMessageID, &m.IsCreatedByUser,
		&m.Text, &content, &m.Sender, &m.Unfinished, &meta, &m.CreatedAt)
	if err != nil {
		return m, err
	}
	if len(content) > 0 {
		_ = json.Unmarshal(content, &m.Content)
	}
	if len(meta) > 0 {
		m.Metadata = json.RawMessage(meta)
	}
	return m, nil
}

// --- orchestration states ---

func (s *Store) SaveState(ctx context.Context, st roundtable.OrchestrationState) error {
	st.UpdatedAt = time.Now().Unix()
	if st.CreatedAt == 0 {
		st.CreatedAt = st.UpdatedAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orchestration_states
		 (conversation_id, parent_message_id, status, paused_message_id, lead_plan, specialist_states, shared_context, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8, $9)
		 ON CONFLICT (conversation_id, parent_message_id) DO UPDATE SET
		   status = EXCLUDED.status,
		   paused_message_id = EXCLUDED.paused_message_id,
		   lead_plan = EXCLUDED.lead_plan,
		   specialist_states = EXCLUDED.specialist_states,
		   shared_context = EXCLUDED.shared_context,
		   updated_at = EXCLUDED.updated_at`,
		st.ConversationID, st.ParentMessageID, st.Status, st.PausedMessageID,
		marshalJSONB(st.LeadPlan), marshalJSONB(st.SpecialistStates), st.SharedContext,
		st.CreatedAt, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save state: %w", err)
	}
	return nil
}

func (s *Store) GetLatestState(ctx context.Context, conversationID string) (roundtable.OrchestrationState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT conversation_id, parent_message_id, status, paused_message_id, lead_plan, specialist_states, shared_context, created_at, updated_at
		 FROM orchestration_states WHERE conversation_id = $1
		 ORDER BY updated_at DESC LIMIT 1`, conversationID)
	return scanState(row)
}

func (s *Store) FindPausedState(ctx context.Context, conversationID, parentMessageID string) (roundtable.OrchestrationState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT conversation_id, parent_message_id, status, paused_message_id, lead_plan, specialist_states, shared_context, created_at, updated_at
		 FROM orchestration_states
		 WHERE conversation_id = $1 AND status = $2 AND paused_message_id = $3`,
		conversationID, roundtable.StatePaused, parentMessageID)
	return scanState(row)
}

func scanState(row pgx.Row) (roundtable.OrchestrationState, error) {
	var st roundtable.OrchestrationState
	var plan, specialists []byte
	err := row.Scan(&st.ConversationID, &st.ParentMessageID, &st.Status, &st.PausedMessageID,
		&plan, &specialists, &st.SharedContext, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, roundtable.ErrNotFound
	}
	if err != nil {
		return st, fmt.Errorf("postgres: scan state: %w", err)
	}
	if len(plan) > 0 {
		st.LeadPlan = &roundtable.WorkPlan{}
		_ = json.Unmarshal(plan, st.LeadPlan)
	}
	if len(specialists) > 0 {
		_ = json.Unmarshal(specialists, &st.SpecialistStates)
	}
	return st, nil
}

func (s *Store) ClearStates(ctx context.Context, conversationID, parentMessageID string) error {
	var err error
	if parentMessageID != "" {
		_, err = s.pool.Exec(ctx,
			`DELETE FROM orchestration_states WHERE conversation_id = $1 AND parent_message_id = $2`,
			conversationID, parentMessageID)
	} else {
		_, err = s.pool.Exec(ctx,
			`DELETE FROM orchestration_states WHERE conversation_id = $1`, conversationID)
	}
	if err != nil {
		return fmt.Errorf("postgres: clear states: %w", err)
	}
	return nil
}

// --- knowledge documents ---

func (s *Store) UpsertDocument(ctx context.Context, doc roundtable.KnowledgeDocument) (roundtable.KnowledgeDocument, error) {
	if doc.DedupeKey != "" {
		var existingID string
		var createdAt int64
		err := s.pool.QueryRow(ctx,
			`SELECT document_id, created_at FROM knowledge_documents
			 WHERE conversation_id = $1 AND dedupe_key = $2`,
			doc.ConversationID, doc.DedupeKey,
		).Scan(&existingID, &createdAt)
		if err == nil {
			doc.DocumentID = existingID
			doc.CreatedAt = createdAt
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return doc, fmt.Errorf("postgres: lookup dedupe key: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO knowledge_documents
		 (document_id, conversation_id, dedupe_key, title, content, message_id, created_by, tags, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10, $11)
		 ON CONFLICT (document_id) DO UPDATE SET
		   title = EXCLUDED.title,
		   content = EXCLUDED.content,
		   message_id = EXCLUDED.message_id,
		   created_by = EXCLUDED.created_by,
		   tags = EXCLUDED.tags,
		   metadata = EXCLUDED.metadata,
		   updated_at = EXCLUDED.updated_at`,
		doc.DocumentID, doc.ConversationID, doc.DedupeKey, doc.Title, doc.Content,
		doc.MessageID, doc.CreatedBy, marshalJSONB(doc.Tags), marshalJSONB(doc.Metadata),
		doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return doc, fmt.Errorf("postgres: upsert document: %w", err)
	}
	return doc, nil
}

func (s *Store) GetDocuments(ctx context.Context, conversationID string) ([]roundtable.KnowledgeDocument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT document_id, conversation_id, dedupe_key, title, content, message_id, created_by, tags, metadata, created_at, updated_at
		 FROM knowledge_documents WHERE conversation_id = $1
		 ORDER BY created_at ASC, document_id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get documents: %w", err)
	}
	defer rows.Close()

	var docs []roundtable.KnowledgeDocument
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *Store) GetDocument(ctx context.Context, documentID string) (roundtable.KnowledgeDocument, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT document_id, conversation_id, dedupe_key, title, content, message_id, created_by, tags, metadata, created_at, updated_at
		 FROM knowledge_documents WHERE document_id = $1`, documentID)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return doc, roundtable.ErrNotFound
	}
	return doc, err
}

func scanDocument(row pgx.Row) (roundtable.KnowledgeDocument, error) {
	var doc roundtable.KnowledgeDocument
	var tags, meta []byte
	err := row.Scan(&doc.DocumentID, &doc.ConversationID, &doc.DedupeKey, &doc.Title, &doc.Content,
		&doc.MessageID, &doc.CreatedBy, &tags, &meta, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return doc, err
	}
	if len(tags) > 0 {
		_ = json.Unmarshal(tags, &doc.Tags)
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &doc.Metadata)
	}
	return doc, nil
}

func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: delete document: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM knowledge_vectors WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("postgres: delete vectors: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM knowledge_documents WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("postgres: delete document: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) ClearDocuments(ctx context.Context, conversationID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: clear documents: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM knowledge_vectors WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("postgres: clear vectors: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM knowledge_documents WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("postgres: clear documents: %w", err)
	}
	return tx.Commit(ctx)
}

// ReplaceVectors atomically replaces the vector set of a document in one
// transaction.
func (s *Store) ReplaceVectors(ctx context.Context, documentID string, vectors []roundtable.KnowledgeVector) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: replace vectors: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM knowledge_vectors WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("postgres: delete old vectors: %w", err)
	}
	for _, v := range vectors {
		var emb *string
		if len(v.Vector) > 0 {
			e := serializeEmbedding(v.Vector)
			emb = &e
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO knowledge_vectors (document_id, conversation_id, chunk_index, text, embedding, metadata)
			 VALUES ($1, $2, $3, $4, $5::vector, $6::jsonb)`,
			v.DocumentID, v.ConversationID, v.ChunkIndex, v.Text, emb, marshalJSONB(v.Metadata))
		if err != nil {
			return fmt.Errorf("postgres: insert vector: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// SearchVectors uses pgvector's cosine distance operator. Entries without
// embeddings are skipped by the WHERE clause.
func (s *Store) SearchVectors(ctx context.Context, conversationID string, embedding []float32, topK int) ([]roundtable.ScoredVector, error) {
	embStr := serializeEmbedding(embedding)
	rows, err := s.pool.Query(ctx,
		`SELECT document_id, conversation_id, chunk_index, text, metadata,
		        1 - (embedding <=> $1::vector) AS score
		 FROM knowledge_vectors
		 WHERE conversation_id = $2 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $1::vector
		 LIMIT $3`,
		embStr, conversationID, topK)
	if err != nil {
		return nil, fmt.Errorf("postgres: search vectors: %w", err)
	}
	defer rows.Close()

	var results []roundtable.ScoredVector
	for rows.Next() {
		var v roundtable.KnowledgeVector
		var meta []byte
		var score float32
		if err := rows.Scan(&v.DocumentID, &v.ConversationID, &v.ChunkIndex, &v.Text, &meta, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan vector: %w", err)
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &v.Metadata)
		}
		results = append(results, roundtable.ScoredVector{KnowledgeVector: v, Score: score})
	}
	return results, rows.Err()
}

// --- helpers ---

// serializeEmbedding renders a pgvector literal ("[1,2,3]").
func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

// marshalJSONB encodes v for a jsonb parameter, passing NULL for empty
// values.
func marshalJSONB(v any) *string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return nil
	}
	s := string(data)
	return &s
}

// rawJSONB passes pre-encoded JSON, or NULL when empty.
func rawJSONB(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}
