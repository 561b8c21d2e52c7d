package roundtable

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// memStore is a full in-memory Store used across the package tests.
type memStore struct {
	mu            sync.Mutex
	conversations map[string]Conversation
	messages      []Message
	states        map[string]OrchestrationState
	documents     map[string]KnowledgeDocument
	vectors       map[string][]KnowledgeVector

	// failSaveState makes SaveState fail once armed, for pause-persistence
	// failure paths.
	failSaveState error
}

func newMemStore() *memStore {
	return &memStore{
		conversations: map[string]Conversation{},
		states:        map[string]OrchestrationState{},
		documents:     map[string]KnowledgeDocument{},
		vectors:       map[string][]KnowledgeVector{},
	}
}

func stateKey(conversationID, parentMessageID string) string {
	return conversationID + "|" + parentMessageID
}

func (s *memStore) Init(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

func (s *memStore) SaveConversation(_ context.Context, c Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = c
	return nil
}

func (s *memStore) GetConversation(_ context.Context, id string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

func (s *memStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	return nil
}

func (s *memStore) SaveMessage(_ context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.messages {
		if existing.ID == m.ID {
			s.messages[i] = m
			return nil
		}
	}
	s.messages = append(s.messages, m)
	return nil
}

func (s *memStore) GetMessages(_ context.Context, conversationID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *memStore) GetMessage(_ context.Context, id string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m, nil
		}
	}
	return Message{}, ErrNotFound
}

func (s *memStore) SaveState(_ context.Context, st OrchestrationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaveState != nil {
		return s.failSaveState
	}
	if existing, ok := s.states[stateKey(st.ConversationID, st.ParentMessageID)]; ok {
		st.CreatedAt = existing.CreatedAt
		st.UpdatedAt = existing.UpdatedAt + 1
	}
	s.states[stateKey(st.ConversationID, st.ParentMessageID)] = st
	return nil
}

func (s *memStore) GetLatestState(_ context.Context, conversationID string) (OrchestrationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest OrchestrationState
	found := false
	for _, st := range s.states {
		if st.ConversationID != conversationID {
			continue
		}
		if !found || st.UpdatedAt > latest.UpdatedAt {
			latest = st
			found = true
		}
	}
	if !found {
		return OrchestrationState{}, ErrNotFound
	}
	return latest, nil
}

func (s *memStore) FindPausedState(_ context.Context, conversationID, parentMessageID string) (OrchestrationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		if st.ConversationID == conversationID && st.Status == StatePaused && st.PausedMessageID == parentMessageID {
			return st, nil
		}
	}
	return OrchestrationState{}, ErrNotFound
}

func (s *memStore) ClearStates(_ context.Context, conversationID, parentMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, st := range s.states {
		if st.ConversationID != conversationID {
			continue
		}
		if parentMessageID == "" || st.ParentMessageID == parentMessageID {
			delete(s.states, k)
		}
	}
	return nil
}

func (s *memStore) UpsertDocument(_ context.Context, doc KnowledgeDocument) (KnowledgeDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.DedupeKey != "" {
		for _, existing := range s.documents {
			if existing.ConversationID == doc.ConversationID && existing.DedupeKey == doc.DedupeKey {
				doc.DocumentID = existing.DocumentID
				doc.CreatedAt = existing.CreatedAt
				break
			}
		}
	}
	s.documents[doc.DocumentID] = doc
	return doc, nil
}

func (s *memStore) GetDocuments(_ context.Context, conversationID string) ([]KnowledgeDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []KnowledgeDocument
	for _, d := range s.documents {
		if d.ConversationID == conversationID {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out, nil
}

func (s *memStore) GetDocument(_ context.Context, documentID string) (KnowledgeDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[documentID]
	if !ok {
		return KnowledgeDocument{}, ErrNotFound
	}
	return d, nil
}

func (s *memStore) DeleteDocument(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.documents, documentID)
	delete(s.vectors, documentID)
	return nil
}

func (s *memStore) ClearDocuments(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range s.documents {
		if d.ConversationID == conversationID {
			delete(s.documents, id)
			delete(s.vectors, id)
		}
	}
	return nil
}

func (s *memStore) ReplaceVectors(_ context.Context, documentID string, vectors []KnowledgeVector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors[documentID] = vectors
	return nil
}

func (s *memStore) SearchVectors(_ context.Context, conversationID string, embedding []float32, topK int) ([]ScoredVector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var scored []ScoredVector
	for _, vecs := range s.vectors {
		for _, v := range vecs {
			if v.ConversationID != conversationID || len(v.Vector) == 0 {
				continue
			}
			scored = append(scored, ScoredVector{KnowledgeVector: v, Score: Cosine(embedding, v.Vector)})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

var _ Store = (*memStore)(nil)

// mockProvider returns canned responses in order. A non-nil entry in errs at
// the same index fails that call instead.
type mockProvider struct {
	mu        sync.Mutex
	name      string
	responses []ChatResponse
	errs      []error
	idx       int
	requests  []ChatRequest
}

func (m *mockProvider) Name() string {
	if m.name == "" {
		return "mock"
	}
	return m.name
}

func (m *mockProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	return m.next(req)
}

func (m *mockProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	defer close(ch)
	resp, err := m.next(req)
	if err != nil {
		return ChatResponse{}, err
	}
	if resp.Content != "" {
		// Split into a couple of chunks so accumulation paths are exercised.
		mid := len(resp.Content) / 2
		for _, chunk := range []string{resp.Content[:mid], resp.Content[mid:]} {
			if chunk == "" {
				continue
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return ChatResponse{}, ctx.Err()
			}
		}
	}
	return resp, nil
}

func (m *mockProvider) next(req ChatRequest) (ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	i := m.idx
	m.idx++
	if i < len(m.errs) && m.errs[i] != nil {
		return ChatResponse{}, m.errs[i]
	}
	if i >= len(m.responses) {
		return ChatResponse{Content: "exhausted"}, nil
	}
	return m.responses[i], nil
}

// calls returns a copy of the recorded requests.
func (m *mockProvider) calls() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChatRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// mockStructured pops canned structured-output results.
type mockStructured struct {
	mu      sync.Mutex
	name    string
	results []json.RawMessage
	errs    []error
	idx     int
}

func (m *mockStructured) Name() string {
	if m.name == "" {
		return "mock-structured"
	}
	return m.name
}

func (m *mockStructured) Parse(context.Context, ChatRequest) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.idx
	m.idx++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i >= len(m.results) {
		return nil, &ErrProvider{Provider: m.Name(), Message: "no canned result"}
	}
	return m.results[i], nil
}

// mockEmbedder produces deterministic 3-dimensional vectors from keyword
// hits, so related texts score close under cosine similarity.
type mockEmbedder struct{}

func (mockEmbedder) Name() string    { return "mock-embed" }
func (mockEmbedder) Dimensions() int { return 3 }

func (mockEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		lower := strings.ToLower(t)
		v := []float32{0.1, 0.1, 0.1}
		for _, kw := range []string{"cat", "feline", "kitten"} {
			if strings.Contains(lower, kw) {
				v[0] += 1
			}
		}
		for _, kw := range []string{"dog", "canine", "puppy"} {
			if strings.Contains(lower, kw) {
				v[1] += 1
			}
		}
		for _, kw := range []string{"bird", "avian"} {
			if strings.Contains(lower, kw) {
				v[2] += 1
			}
		}
		out[i] = v
	}
	return out, nil
}

// collectEmitter records emitted events. With failAfter >= 0, Emit fails
// once that many events have been accepted, simulating a dropped client.
type collectEmitter struct {
	mu        sync.Mutex
	events    []any
	failAfter int
}

func newCollectEmitter() *collectEmitter {
	return &collectEmitter{failAfter: -1}
}

func (c *collectEmitter) Emit(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAfter >= 0 && len(c.events) >= c.failAfter {
		return context.Canceled
	}
	c.events = append(c.events, v)
	return nil
}

func (c *collectEmitter) all() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.events))
	copy(out, c.events)
	return out
}

// finalEvent returns the terminal FinalEvent, or nil.
func (c *collectEmitter) finalEvent() *FinalEvent {
	for _, ev := range c.all() {
		if fe, ok := ev.(FinalEvent); ok {
			return &fe
		}
	}
	return nil
}

// textEvents returns emitted TextEvents in order.
func (c *collectEmitter) textEvents() []TextEvent {
	var out []TextEvent
	for _, ev := range c.all() {
		if te, ok := ev.(TextEvent); ok {
			out = append(out, te)
		}
	}
	return out
}

// sampleTeam builds a three-member team with a lead, a specialist, and a QA
// reviewer.
func sampleTeam() []TeamAgent {
	return []TeamAgent{
		{AgentID: "a_lead", Name: "Marcus Chen", Role: "Lead Architect", Tier: TierLead, Instructions: "Lead the work."},
		{AgentID: "a_spec", Name: "Sofia Reyes", Role: "Backend Engineer", Tier: TierSpecialist, Instructions: "Build the backend."},
		{AgentID: "a_qa", Name: "Elena Petrova", Role: "QA Reviewer", Tier: TierQA, Instructions: "Review the deliverable."},
	}
}
