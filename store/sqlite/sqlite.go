// Package sqlite provides a roundtable.Store backed by a local SQLite file.
//
// It uses modernc.org/sqlite (pure Go, no CGO). Embeddings are stored as
// JSON arrays; similarity search is a brute-force cosine scan over the
// conversation's vectors, which is fine at per-conversation scale.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/roundtable-ai/roundtable"
)

// Store implements roundtable.Store on SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ roundtable.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a logger. Default discards.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables and indexes. Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT,
			team_agents TEXT,
			team_objective TEXT,
			team_file_id TEXT,
			host_agent_id TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			parent_message_id TEXT,
			is_created_by_user INTEGER NOT NULL,
			text TEXT,
			content TEXT,
			sender TEXT,
			unfinished INTEGER DEFAULT 0,
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS orchestration_states (
			conversation_id TEXT NOT NULL,
			parent_message_id TEXT NOT NULL,
			status TEXT NOT NULL,
			paused_message_id TEXT,
			lead_plan TEXT,
			specialist_states TEXT,
			shared_context TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (conversation_id, parent_message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS knowledge_documents (
			document_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			dedupe_key TEXT,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			message_id TEXT,
			created_by TEXT,
			tags TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS knowledge_vectors (
			document_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			text TEXT NOT NULL,
			embedding TEXT,
			metadata TEXT,
			PRIMARY KEY (document_id, chunk_index)
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_states_paused ON orchestration_states(conversation_id, paused_message_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_documents_conversation ON knowledge_documents(conversation_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_dedupe ON knowledge_documents(conversation_id, dedupe_key) WHERE dedupe_key IS NOT NULL AND dedupe_key != ''`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_vectors_conversation ON knowledge_vectors(conversation_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// --- conversations ---

// SaveConversation inserts or replaces a conversation, team included.
func (s *Store) SaveConversation(ctx context.Context, c roundtable.Conversation) error {
	agents := marshalJSON(c.TeamAgents)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO conversations
		 (id, title, team_agents, team_objective, team_file_id, host_agent_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, agents, c.TeamObjective, c.TeamFileID, c.HostAgentID, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

// GetConversation returns a conversation or roundtable.ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, id string) (roundtable.Conversation, error) {
	var c roundtable.Conversation
	var agents, title, objective, fileID, hostID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, team_agents, team_objective, team_file_id, host_agent_id, created_at, updated_at
		 FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &title, &agents, &objective, &fileID, &hostID, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, roundtable.ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("get conversation: %w", err)
	}
	c.Title = title.String
	c.TeamObjective = objective.String
	c.TeamFileID = fileID.String
	c.HostAgentID = hostID.String
	if agents.Valid && agents.String != "" {
		_ = json.Unmarshal([]byte(agents.String), &c.TeamAgents)
	}
	return c, nil
}

// DeleteConversation removes a conversation with its messages, states, and
// knowledge.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	stmts := []string{
		`DELETE FROM knowledge_vectors WHERE conversation_id = ?`,
		`DELETE FROM knowledge_documents WHERE conversation_id = ?`,
		`DELETE FROM orchestration_states WHERE conversation_id = ?`,
		`DELETE FROM messages WHERE conversation_id = ?`,
		`DELETE FROM conversations WHERE id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
	}
	return nil
}

// --- messages ---

// SaveMessage inserts or replaces a message.
func (s *Store) SaveMessage(ctx context.Context, m roundtable.Message) error {
	content := marshalJSON(m.Content)
	var meta *string
	if len(m.Metadata) > 0 {
		v := string(m.Metadata)
		meta = &v
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages
		 (id, conversation_id, parent_message_id, is_created_by_user, text, content, sender, unfinished, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.ParentMessageID, boolToInt(m.IsCreatedByUser),
		m.Text, content, m.Sender, boolToInt(m.Unfinished), meta, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// GetMessages returns all messages of a conversation, oldest first.
func (s *Store) GetMessages(ctx context.Context, conversationID string) ([]roundtable.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, parent_message_id, is_created_by_user, text, content, sender, unfinished, metadata, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// GetMessage returns one message or roundtable.ErrNotFound.
func (s *Store) GetMessage(ctx context.Context, id string) (roundtable.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, parent_message_id, is_created_by_user, text, content, sender, unfinished, metadata, created_at
		 FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return m, roundtable.ErrNotFound
	}
	return m, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (roundtable.Message, error) {
	var m roundtable.Message
	var parent, text, content, sender, meta sql.NullString
	var isUser, unfinished int
	err := row.Scan(&m.ID, &m.ConversationID, &parent, &isUser, &text, &content, &sender, &unfinished, &meta, &m.CreatedAt)
	if err != nil {
		return m, err
	}
	m.ParentMessageID = parent.String
	m.IsCreatedByUser = isUser != 0
	m.Text = text.String
	m.Sender = sender.String
	m.Unfinished = unfinished != 0
	if content.Valid && content.String != "" {
		_ = json.Unmarshal([]byte(content.String), &m.Content)
	}
	if meta.Valid && meta.String != "" {
		m.Metadata = json.RawMessage(meta.String)
	}
	return m, nil
}

// --- orchestration states ---

// SaveState upserts a state keyed by (conversation_id, parent_message_id)
// and bumps updated_at.
func (s *Store) SaveState(ctx context.Context, st roundtable.OrchestrationState) error {
	st.UpdatedAt = time.Now().Unix()
	if st.CreatedAt == 0 {
		st.CreatedAt = st.UpdatedAt
	}
	var plan *string
	if st.LeadPlan != nil {
		v := marshalJSON(st.LeadPlan)
		plan = &v
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orchestration_states
		 (conversation_id, parent_message_id, status, paused_message_id, lead_plan, specialist_states, shared_context, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (conversation_id, parent_message_id) DO UPDATE SET
		   status = excluded.status,
		   paused_message_id = excluded.paused_message_id,
		   lead_plan = excluded.lead_plan,
		   specialist_states = excluded.specialist_states,
		   shared_context = excluded.shared_context,
		   updated_at = excluded.updated_at`,
		st.ConversationID, st.ParentMessageID, st.Status, st.PausedMessageID,
		plan, marshalJSON(st.SpecialistStates), st.SharedContext, st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// GetLatestState returns the most recently updated state of a conversation.
// Diagnostics only; resume decisions use FindPausedState.
func (s *Store) GetLatestState(ctx context.Context, conversationID string) (roundtable.OrchestrationState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, parent_message_id, status, paused_message_id, lead_plan, specialist_states, shared_context, created_at, updated_at
		 FROM orchestration_states WHERE conversation_id = ?
		 ORDER BY updated_at DESC LIMIT 1`, conversationID)
	return scanState(row)
}

// FindPausedState returns the PAUSED state waiting on a reply to
// parentMessageID.
func (s *Store) FindPausedState(ctx context.Context, conversationID, parentMessageID string) (roundtable.OrchestrationState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, parent_message_id, status, paused_message_id, lead_plan, specialist_states, shared_context, created_at, updated_at
		 FROM orchestration_states
		 WHERE conversation_id = ? AND status = ? AND paused_message_id = ?`,
		conversationID, roundtable.StatePaused, parentMessageID)
	return scanState(row)
}

func scanState(row rowScanner) (roundtable.OrchestrationState, error) {
	var st roundtable.OrchestrationState
	var paused, plan, specialists, shared sql.NullString
	err := row.Scan(&st.ConversationID, &st.ParentMessageID, &st.Status, &paused, &plan, &specialists, &shared, &st.CreatedAt, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return st, roundtable.ErrNotFound
	}
	if err != nil {
		return st, fmt.Errorf("scan state: %w", err)
	}
	st.PausedMessageID = paused.String
	st.SharedContext = shared.String
	if plan.Valid && plan.String != "" {
		st.LeadPlan = &roundtable.WorkPlan{}
		_ = json.Unmarshal([]byte(plan.String), st.LeadPlan)
	}
	if specialists.Valid && specialists.String != "" {
		_ = json.Unmarshal([]byte(specialists.String), &st.SpecialistStates)
	}
	return st, nil
}

// ClearStates deletes a conversation's states, or just the one keyed by
// parentMessageID when non-empty.
func (s *Store) ClearStates(ctx context.Context, conversationID, parentMessageID string) error {
	var err error
	if parentMessageID != "" {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM orchestration_states WHERE conversation_id = ? AND parent_message_id = ?`,
			conversationID, parentMessageID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM orchestration_states WHERE conversation_id = ?`, conversationID)
	}
	if err != nil {
		return fmt.Errorf("clear states: %w", err)
	}
	return nil
}

// --- knowledge documents ---

// UpsertDocument inserts or updates a document. When DedupeKey is non-empty
// the filter is (conversation_id, dedupe_key) and an existing match keeps its
// document_id and created_at.
func (s *Store) UpsertDocument(ctx context.Context, doc roundtable.KnowledgeDocument) (roundtable.KnowledgeDocument, error) {
	if doc.DedupeKey != "" {
		var existingID string
		var createdAt int64
		err := s.db.QueryRowContext(ctx,
			`SELECT document_id, created_at FROM knowledge_documents
			 WHERE conversation_id = ? AND dedupe_key = ?`,
			doc.ConversationID, doc.DedupeKey,
		).Scan(&existingID, &createdAt)
		if err == nil {
			doc.DocumentID = existingID
			doc.CreatedAt = createdAt
		} else if err != sql.ErrNoRows {
			return doc, fmt.Errorf("lookup dedupe key: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO knowledge_documents
		 (document_id, conversation_id, dedupe_key, title, content, message_id, created_by, tags, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.DocumentID, doc.ConversationID, doc.DedupeKey, doc.Title, doc.Content,
		doc.MessageID, doc.CreatedBy, marshalJSON(doc.Tags), marshalJSON(doc.Metadata),
		doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return doc, fmt.Errorf("upsert document: %w", err)
	}
	return doc, nil
}

// GetDocuments returns all documents of a conversation, oldest first.
func (s *Store) GetDocuments(ctx context.Context, conversationID string) ([]roundtable.KnowledgeDocument, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, conversation_id, dedupe_key, title, content, message_id, created_by, tags, metadata, created_at, updated_at
		 FROM knowledge_documents WHERE conversation_id = ?
		 ORDER BY created_at ASC, document_id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get documents: %w", err)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// GetDocument returns one document or roundtable.ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, documentID string) (roundtable.KnowledgeDocument, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT document_id, conversation_id, dedupe_key, title, content, message_id, created_by, tags, metadata, created_at, updated_at
		 FROM knowledge_documents WHERE document_id = ?`, documentID)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return doc, roundtable.ErrNotFound
	}
	return doc, err
}

func scanDocument(row rowScanner) (roundtable.KnowledgeDocument, error) {
	var doc roundtable.KnowledgeDocument
	var dedupe, messageID, createdBy, tags, meta sql.NullString
	err := row.Scan(&doc.DocumentID, &doc.ConversationID, &dedupe, &doc.Title, &doc.Content,
		&messageID, &createdBy, &tags, &meta, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return doc, err
	}
	doc.DedupeKey = dedupe.String
	doc.MessageID = messageID.String
	doc.CreatedBy = createdBy.String
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &doc.Tags)
	}
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &doc.Metadata)
	}
	return doc, nil
}

// DeleteDocument removes a document and its vectors.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_vectors WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_documents WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// ClearDocuments removes all documents and vectors of a conversation.
func (s *Store) ClearDocuments(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_vectors WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear vectors: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_documents WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear documents: %w", err)
	}
	return nil
}

// ReplaceVectors atomically replaces the vector set of a document.
func (s *Store) ReplaceVectors(ctx context.Context, documentID string, vectors []roundtable.KnowledgeVector) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace vectors: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_vectors WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("delete old vectors: %w", err)
	}
	for _, v := range vectors {
		var emb *string
		if len(v.Vector) > 0 {
			e := serializeEmbedding(v.Vector)
			emb = &e
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO knowledge_vectors (document_id, conversation_id, chunk_index, text, embedding, metadata)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			v.DocumentID, v.ConversationID, v.ChunkIndex, v.Text, emb, marshalJSON(v.Metadata))
		if err != nil {
			return fmt.Errorf("insert vector: %w", err)
		}
	}
	return tx.Commit()
}

// SearchVectors performs brute-force cosine similarity search over a
// conversation's vectors. Entries without embeddings are skipped.
func (s *Store) SearchVectors(ctx context.Context, conversationID string, embedding []float32, topK int) ([]roundtable.ScoredVector, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, conversation_id, chunk_index, text, embedding, metadata
		 FROM knowledge_vectors WHERE conversation_id = ? AND embedding IS NOT NULL`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("search vectors: %w", err)
	}
	defer rows.Close()

	var scored []roundtable.ScoredVector
	for rows.Next() {
		var v roundtable.KnowledgeVector
		var emb string
		var meta sql.NullString
		if err := rows.Scan(&v.DocumentID, &v.ConversationID, &v.ChunkIndex, &v.Text, &emb, &meta); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		stored, err := deserializeEmbedding(emb)
		if err != nil || len(stored) == 0 {
			continue
		}
		v.Vector = stored
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &v.Metadata)
		}
		scored = append(scored, roundtable.ScoredVector{
			KnowledgeVector: v,
			Score:           roundtable.Cosine(embedding, stored),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vectors: %w", err)
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}

	s.logger.Debug("sqlite: vector search",
		"conversation_id", conversationID,
		"results", len(scored),
		"duration", time.Since(start))
	return scored, nil
}

// --- helpers ---

func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}

// marshalJSON encodes v, returning "" for nil/empty collections.
func marshalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return ""
	}
	return string(data)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
